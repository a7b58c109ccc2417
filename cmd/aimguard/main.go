// aimguard is the guardrail orchestration gateway: it fronts a model
// inference service with content-safety pipelines, traffic limits, and
// latency budgets.
package main

import "github.com/aimguard/gateway/cmd/aimguard/cmd"

func main() {
	cmd.Execute()
}

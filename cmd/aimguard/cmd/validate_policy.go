package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aimguard/gateway/internal/domain/budget"
	"github.com/aimguard/gateway/internal/domain/checker"
	"github.com/aimguard/gateway/internal/domain/guardrail"
	"github.com/aimguard/gateway/internal/domain/registry"
)

var validatePolicyCmd = &cobra.Command{
	Use:   "validate-policy [file]",
	Short: "Validate a policy file without starting the gateway",
	Long: `Parse and validate a YAML policy file against the built-in catalog.

Checks that every referenced variant exists, thresholds are in range,
redact actions target redact-capable checkers, no duplicate specs exist,
budgets hold their invariants, and any policy_compliance CEL expressions
compile.

Exit status is 0 when the policy is valid.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		var cfg guardrail.Config
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parse policy: %w", err)
		}

		if err := validatePolicy(&cfg); err != nil {
			return err
		}

		fmt.Printf("policy valid: %d checkers, %d use cases\n", len(cfg.Checkers), len(cfg.UseCases))
		return nil
	},
}

// validatePolicy mirrors the reload-time validation: registry resolution,
// thresholds, redact capability, duplicates, budget invariants, and CEL
// compilation for policy_compliance specs.
func validatePolicy(cfg *guardrail.Config) error {
	reg := registry.New()
	checker.RegisterBuiltins(reg)

	seen := make(map[string]struct{})
	for _, c := range cfg.Checkers {
		if !c.Type.IsValid() {
			return fmt.Errorf("unknown guardrail type %q", c.Type)
		}
		if !c.Action.IsValid() {
			return fmt.Errorf("checker %s: unknown action %q", c.Type, c.Action)
		}
		if c.Threshold < 0 || c.Threshold > 1 {
			return fmt.Errorf("checker %s: threshold %v outside [0,1]", c.Type, c.Threshold)
		}
		if c.Enabled && !c.PreFilter && !c.PostFilter {
			return fmt.Errorf("checker %s: enabled but neither pre_filter nor post_filter", c.Type)
		}
		key := string(c.Type) + "/" + c.VariantID
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate checker spec %s", key)
		}
		seen[key] = struct{}{}
		if !reg.Has(c.Type, c.VariantID) {
			return fmt.Errorf("checker %s: variant %q not in catalog", c.Type, c.VariantID)
		}
		if c.Action == guardrail.ActionRedact || c.Action == guardrail.ActionModify {
			impl, err := reg.Get(c.Type, c.VariantID)
			if err != nil {
				return fmt.Errorf("checker %s/%s: unavailable: %w", c.Type, c.VariantID, err)
			}
			if !impl.Capabilities().CanRedact {
				return fmt.Errorf("checker %s/%s: action %s requires redaction capability", c.Type, c.VariantID, c.Action)
			}
		}
		if c.Type == guardrail.GuardrailPolicyCompliance {
			if expr, ok := c.Extra["expression"].(string); ok && expr != "" {
				cc, err := checker.NewComplianceChecker()
				if err != nil {
					return err
				}
				if _, err := cc.Check(context.Background(), "", 1.0, map[string]interface{}{"expression": expr}); err != nil {
					return fmt.Errorf("checker %s: %w", c.Type, err)
				}
			}
		}
	}

	for _, p := range cfg.UseCases {
		if !p.UseCase.IsValid() {
			return fmt.Errorf("unknown use_case %q", p.UseCase)
		}
		if err := budget.ValidateBudget(p); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(validatePolicyCmd)
}

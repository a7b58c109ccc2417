package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aimguard/gateway/internal/domain/guardrail"
)

func fileWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	w, err := NewWriter(Config{Output: "file://" + path, ChannelSize: 16, FlushInterval: 10 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	return w, path
}

func sampleOutcome() (guardrail.RequestContext, guardrail.PipelineOutcome) {
	blocked := guardrail.GuardrailPromptInjection
	reqCtx := guardrail.RequestContext{
		Side:     guardrail.SidePre,
		UseCase:  guardrail.UseCaseChat,
		Identity: "user-1",
	}
	outcome := guardrail.PipelineOutcome{
		Allowed:   false,
		BlockedBy: &blocked,
		Results: []guardrail.CheckerResult{
			{Type: guardrail.GuardrailPromptInjection, VariantID: "pattern_v1", Passed: false, Action: guardrail.ActionBlock},
		},
	}
	return reqCtx, outcome
}

func TestWriterRecordsOutcome(t *testing.T) {
	w, path := fileWriter(t)
	reqCtx, outcome := sampleOutcome()

	w.RecordOutcome("req-1", reqCtx, outcome, 12*time.Millisecond)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected one audit line")
	}
	var rec Record
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if rec.RequestID != "req-1" {
		t.Errorf("RequestID = %q", rec.RequestID)
	}
	if rec.Allowed {
		t.Error("expected blocked record")
	}
	if rec.BlockedBy == nil || *rec.BlockedBy != guardrail.GuardrailPromptInjection {
		t.Errorf("BlockedBy = %v", rec.BlockedBy)
	}
	if len(rec.Checks) != 1 || rec.Checks[0].Type != guardrail.GuardrailPromptInjection {
		t.Errorf("Checks = %+v", rec.Checks)
	}
	if rec.IdentityHash == "" || rec.IdentityHash == "user-1" {
		t.Errorf("identity must be hashed, got %q", rec.IdentityHash)
	}
}

func TestWriterDropsOnBackpressure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, err := NewWriter(Config{Output: "file://" + path, ChannelSize: 1, FlushInterval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	reqCtx, outcome := sampleOutcome()
	// Saturate the channel faster than the writer can drain.
	for i := 0; i < 1000; i++ {
		w.RecordOutcome("req", reqCtx, outcome, 0)
	}
	// With a channel of 1 and a thousand sends, some were dropped rather
	// than blocking the caller. The exact count depends on scheduling.
	if w.Drops() == 0 {
		t.Skip("writer drained faster than producer; drop path not exercised")
	}
}

func TestHashIdentityStable(t *testing.T) {
	a := HashIdentity("user-1")
	b := HashIdentity("user-1")
	c := HashIdentity("user-2")
	if a != b {
		t.Errorf("hash not stable: %q vs %q", a, b)
	}
	if a == c {
		t.Error("distinct identities must hash differently")
	}
	if !strings.HasPrefix(a, "xxh64:") {
		t.Errorf("hash format = %q", a)
	}
}

func TestWriterRejectsBadOutput(t *testing.T) {
	if _, err := NewWriter(Config{Output: "s3://bucket"}, nil); err == nil {
		t.Fatal("expected error for unsupported output scheme")
	}
}

func TestWriterStdout(t *testing.T) {
	w, err := NewWriter(Config{Output: "stdout"}, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	reqCtx, outcome := sampleOutcome()
	w.RecordOutcome("req", reqCtx, outcome, 0)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

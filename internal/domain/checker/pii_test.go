package checker

import (
	"context"
	"strings"
	"testing"
)

func TestPIICheckerRedactsEmail(t *testing.T) {
	c := NewPIIChecker()
	result, err := c.Check(context.Background(), "My email is john.doe@example.com", 0.7, nil)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if result.Passed {
		t.Errorf("expected fail above threshold, confidence %.2f", result.Confidence)
	}
	if result.Redacted == nil {
		t.Fatal("expected redacted content")
	}
	if *result.Redacted != "My email is [EMAIL_REDACTED]" {
		t.Errorf("redacted = %q", *result.Redacted)
	}
}

func TestPIICheckerRedactsMultipleKinds(t *testing.T) {
	c := NewPIIChecker()
	content := "SSN 123-45-6789, call 555-867-5309 or mail a@b.co"
	result, err := c.Check(context.Background(), content, 0.7, nil)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if result.Redacted == nil {
		t.Fatal("expected redacted content")
	}
	red := *result.Redacted
	for _, placeholder := range []string{"[SSN_REDACTED]", "[PHONE_REDACTED]", "[EMAIL_REDACTED]"} {
		if !strings.Contains(red, placeholder) {
			t.Errorf("redacted content missing %s: %q", placeholder, red)
		}
	}
	if strings.Contains(red, "123-45-6789") || strings.Contains(red, "a@b.co") {
		t.Errorf("original PII survived redaction: %q", red)
	}
}

func TestPIICheckerCreditCardLuhn(t *testing.T) {
	c := NewPIIChecker()

	// 4111111111111111 passes Luhn; 4111111111111112 does not.
	result, err := c.Check(context.Background(), "card: 4111 1111 1111 1111", 0.7, nil)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if result.Redacted == nil || !strings.Contains(*result.Redacted, "[CARD_REDACTED]") {
		t.Error("expected valid card number to be redacted")
	}

	result, err = c.Check(context.Background(), "tracking id 4111 1111 1111 1112", 0.7, nil)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if result.Redacted != nil && strings.Contains(*result.Redacted, "[CARD_REDACTED]") {
		t.Error("expected Luhn-invalid digit run to be left alone")
	}
}

func TestPIICheckerCleanContentPasses(t *testing.T) {
	c := NewPIIChecker()
	result, err := c.Check(context.Background(), "What is AI?", 0.7, nil)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if !result.Passed || result.Confidence != 0 {
		t.Errorf("expected clean pass, got passed=%v confidence=%.2f", result.Passed, result.Confidence)
	}
	if result.Redacted != nil {
		t.Errorf("expected no redaction for clean content, got %q", *result.Redacted)
	}
}

func TestPIIRedactionIdempotent(t *testing.T) {
	c := NewPIIChecker()
	first, err := c.Check(context.Background(), "reach me at jane@corp.example", 0.7, nil)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if first.Redacted == nil {
		t.Fatal("expected redaction on first pass")
	}
	second, err := c.Check(context.Background(), *first.Redacted, 0.7, nil)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if second.Redacted != nil && *second.Redacted != *first.Redacted {
		t.Errorf("second pass changed content: %q -> %q", *first.Redacted, *second.Redacted)
	}
}

func TestLuhnValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"4111111111111111", true},
		{"4111-1111-1111-1111", true},
		{"4111111111111112", false},
		{"1234", false},
	}
	for _, tt := range tests {
		if got := luhnValid(tt.in); got != tt.want {
			t.Errorf("luhnValid(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

package logger

import (
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"DEBUG", DEBUG},
		{" info ", INFO},
		{"warn", WARN},
		{"warning", WARN},
		{"error", ERROR},
		{"verbose", INFO}, // unknown falls back, never silences
		{"", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"jane.doe@example.com", "ja***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"x@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
		{"two@ats@here", "***@***"},
	}
	for _, tt := range tests {
		if got := RedactEmail(tt.in); got != tt.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedactPIIValue(t *testing.T) {
	// Email-named fields are masked even when the value has no @ shape
	if got := redactPIIValue("customer_email", "jane.doe@example.com"); got != "ja***@example.com" {
		t.Errorf("email field: %q", got)
	}
	// Embedded addresses inside generic fields are caught too
	in := `record rejected: {"customer_email":"jane.doe@example.com","price":"x"}`
	got := redactPIIValue("detail", in)
	if got == in {
		t.Error("embedded email not redacted")
	}
	if want := "ja***@example.com"; !strings.Contains(got, want) {
		t.Errorf("redacted form missing: %q", got)
	}
	if strings.Contains(got, "jane.doe@example.com") {
		t.Errorf("raw email leaked: %q", got)
	}
}

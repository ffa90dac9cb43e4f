package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/oriys/stratus/internal/gatewayclient"
)

func TestPrintPolicyTable(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{format: "table", writer: &buf}

	pol := &gatewayclient.LimitPolicy{
		Time:                    gatewayclient.Bounds{Min: 100, Std: 3000, Max: 300000},
		Memory:                  gatewayclient.Bounds{Min: 64, Std: 128, Max: 10240},
		LogSize:                 gatewayclient.Bounds{Min: 0, Std: 1, Max: 16},
		Concurrency:             gatewayclient.Bounds{Min: 1, Std: 1, Max: 32},
		ConcurrencyEnabled:      true,
		MaxCodeSize:             32 * 1024 * 1024,
		MaxActivationEntitySize: 1 * 1024 * 1024,
	}

	if err := p.PrintPolicy(pol); err != nil {
		t.Fatalf("PrintPolicy failed: %v", err)
	}

	output := buf.String()
	for _, want := range []string{"DIMENSION", "time", "memory", "logs", "concurrency", "300000", "10240", "enabled"} {
		if !contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestPrintFunctionsTable(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{format: "table", writer: &buf}

	timeout := int64(3000)
	memory := 128
	logs := 1
	conc := 1
	fns := []gatewayclient.Function{
		{
			Name:     "echo",
			Runtime:  "python3.11",
			CodeSize: 2048,
			Limits: gatewayclient.FunctionLimits{
				TimeoutMs:   &timeout,
				MemoryMB:    &memory,
				LogsMB:      &logs,
				Concurrency: &conc,
			},
			CreatedAt: time.Now().Add(-2 * time.Hour),
		},
	}

	if err := p.PrintFunctions(fns); err != nil {
		t.Fatalf("PrintFunctions failed: %v", err)
	}

	output := buf.String()
	for _, want := range []string{"echo", "3000ms", "128MB", "2.0 KB", "2h ago"} {
		if !contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestPrintFunctionsTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{format: "table", writer: &buf}

	if err := p.PrintFunctions(nil); err != nil {
		t.Fatalf("PrintFunctions failed: %v", err)
	}
	if !contains(buf.String(), "No functions found") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{3 * 1024 * 1024, "3.0 MB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdefghijkl", 8); got != "abcde..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 8); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}

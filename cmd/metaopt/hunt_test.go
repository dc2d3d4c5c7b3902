package main

import (
	"testing"
)

func TestExtractDimensions(t *testing.T) {
	specs, template := extractDimensions(
		[]string{"momentum~uniform(0,1)"},
		[]string{"python", "train.py", "--lr", "lr~loguniform(1e-05,1)", "--epochs", "10"},
	)

	wantSpecs := []string{"momentum~uniform(0,1)", "lr~loguniform(1e-05,1)"}
	if len(specs) != len(wantSpecs) {
		t.Fatalf("specs = %v, want %v", specs, wantSpecs)
	}
	for i := range wantSpecs {
		if specs[i] != wantSpecs[i] {
			t.Fatalf("specs[%d] = %q, want %q", i, specs[i], wantSpecs[i])
		}
	}

	wantTemplate := []string{"python", "train.py", "--lr", "{lr}", "--epochs", "10"}
	for i := range wantTemplate {
		if template[i] != wantTemplate[i] {
			t.Fatalf("template[%d] = %q, want %q", i, template[i], wantTemplate[i])
		}
	}
}

func TestParsePoint(t *testing.T) {
	params, err := parsePoint([]string{"lr=0.01", "layers=4"})
	if err != nil {
		t.Fatalf("parsePoint: %v", err)
	}
	if params["lr"] != 0.01 || params["layers"] != 4 {
		t.Fatalf("params = %v", params)
	}

	for _, bad := range []string{"lr", "=3", "lr=fast"} {
		if _, err := parsePoint([]string{bad}); err == nil {
			t.Fatalf("parsePoint(%q): expected error", bad)
		}
	}
}

package certify

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		passed    bool
		wantError string
	}{
		{name: "aliased import", path: "testdata/good_unit.go", passed: true},
		{name: "reference unit", path: filepath.Join("..", "unit", "echo", "echo.go"), passed: true},
		{name: "no base", path: "testdata/missing_base.go", wantError: "Missing import of gravitas/pkg/unit"},
		{name: "missing methods", path: "testdata/missing_methods.go", wantError: "Missing required method: ExecuteInternal"},
		{name: "syntax", path: "testdata/broken.go", wantError: "Syntax error"},
		{name: "absent", path: "testdata/nope.go", wantError: "File not found"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Analyze(tt.path)
			if got.Passed != tt.passed {
				t.Fatalf("passed=%v want %v (errors=%v)", got.Passed, tt.passed, got.Errors)
			}
			if tt.passed {
				if len(got.Errors) != 0 {
					t.Fatalf("unexpected errors: %v", got.Errors)
				}
				return
			}
			if len(got.Errors) == 0 {
				t.Fatal("expected at least one error")
			}
			found := false
			for _, e := range got.Errors {
				if strings.HasPrefix(e, tt.wantError) {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %q in %v", tt.wantError, got.Errors)
			}
		})
	}
}

func TestAnalyzeCollectsAllMissingPieces(t *testing.T) {
	got := Analyze("testdata/missing_methods.go")
	want := []string{
		"Missing required method: ExecuteInternal",
		"Missing required method: ParseAction",
		"Missing base initialization: unit.NewBase(...)",
	}
	if len(got.Errors) != len(want) {
		t.Fatalf("errors=%v want %v", got.Errors, want)
	}
	for i := range want {
		if got.Errors[i] != want[i] {
			t.Fatalf("error[%d]=%q want %q", i, got.Errors[i], want[i])
		}
	}
}

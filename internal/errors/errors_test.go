package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	err := ErrDependencyTerminated("JOB-1", "failed")
	want := "dependency JOB-1 is failed: new jobs cannot depend on failed or cancelled jobs"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want int
	}{
		{"validation", ErrValidation("bad input"), 400},
		{"not found", ErrJobNotFound("JOB-1"), 404},
		{"protected", ErrProtectedState("JOB-1", "running"), 400},
		{"circular", ErrCircularDependency("JOB-1"), 400},
		{"stale", ErrStaleState("JOB-1", "running"), 400},
		{"exec", ErrExecFailure(errors.New("boom")), 500},
		{"git", ErrGitFailure("push", errors.New("denied")), 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", ErrStaleState("JOB-1", "running"))
	if !errors.Is(err, &Error{Code: CodeStaleState}) {
		t.Error("errors.Is should match by code through wrapping")
	}
	if errors.Is(err, &Error{Code: CodeNotFound}) {
		t.Error("errors.Is should not match a different code")
	}
}

func TestAsError(t *testing.T) {
	inner := ErrJobNotFound("JOB-9")
	wrapped := fmt.Errorf("lookup: %w", inner)

	got := AsError(wrapped)
	if got == nil || got.Code != CodeNotFound {
		t.Fatalf("AsError = %v, want NOT_FOUND", got)
	}
	if AsError(errors.New("plain")) != nil {
		t.Error("AsError on plain error should be nil")
	}
}

func TestMarshalJSONIncludesCause(t *testing.T) {
	err := ErrGitFailure("clone", errors.New("no route to host"))
	data, jerr := json.Marshal(err)
	if jerr != nil {
		t.Fatalf("marshal: %v", jerr)
	}
	var m map[string]any
	if uerr := json.Unmarshal(data, &m); uerr != nil {
		t.Fatalf("unmarshal: %v", uerr)
	}
	if m["code"] != "GIT_FAILURE" {
		t.Errorf("code = %v", m["code"])
	}
	if m["cause"] != "no route to host" {
		t.Errorf("cause = %v", m["cause"])
	}
}

package eval

import (
	"errors"
	"strings"
	"testing"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusFailed, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusQueued, StatusCompleted, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusQueued, false},
		{StatusRunning, StatusQueued, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !Terminal(s) {
			t.Errorf("Terminal(%s) = false, want true", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusRunning} {
		if Terminal(s) {
			t.Errorf("Terminal(%s) = true, want false", s)
		}
	}
}

func TestValidateSubmission(t *testing.T) {
	const maxSrc, minT, maxT = 1024, 1, 900

	if err := ValidateSubmission(strings.Repeat("a", maxSrc), "python3", 30, maxSrc, minT, maxT); err != nil {
		t.Errorf("expected source at exactly the limit to be accepted, got %v", err)
	}
	if err := ValidateSubmission(strings.Repeat("a", maxSrc+1), "python3", 30, maxSrc, minT, maxT); !errors.Is(err, ErrSourceTooLarge) {
		t.Errorf("expected ErrSourceTooLarge, got %v", err)
	}
	if err := ValidateSubmission("print(1)", "cobol", 30, maxSrc, minT, maxT); !errors.Is(err, ErrUnsupportedLang) {
		t.Errorf("expected ErrUnsupportedLang, got %v", err)
	}
	if err := ValidateSubmission("print(1)", "python3", 0, maxSrc, minT, maxT); !errors.Is(err, ErrTimeoutOutOfRange) {
		t.Errorf("expected ErrTimeoutOutOfRange for timeout below minimum, got %v", err)
	}
	if err := ValidateSubmission("print(1)", "python3", 901, maxSrc, minT, maxT); !errors.Is(err, ErrTimeoutOutOfRange) {
		t.Errorf("expected ErrTimeoutOutOfRange for timeout above maximum, got %v", err)
	}
}

func TestClassifyExitCode(t *testing.T) {
	cases := map[int]string{
		0:   "success",
		1:   "general error",
		124: "timeout / terminated",
		143: "timeout / terminated",
		137: "memory-limit exceeded (OOM)",
		139: "segmentation fault",
		134: "killed by signal 6",
	}
	for code, want := range cases {
		if got := ClassifyExitCode(code); got != want {
			t.Errorf("ClassifyExitCode(%d) = %q, want %q", code, got, want)
		}
	}
}

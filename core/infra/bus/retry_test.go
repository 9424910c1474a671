package bus

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRetryAfter(t *testing.T) {
	err := RetryAfter(errors.New("boom"), 0)
	if err.Error() == "" || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
	if delay, ok := RetryDelay(err); !ok || delay != 0 {
		t.Fatalf("expected zero delay, got %s (%v)", delay, ok)
	}
	if !errors.Is(err, errors.Unwrap(err)) {
		t.Fatalf("expected unwrap to reach cause")
	}

	err = RetryAfter(errors.New("later"), 2*time.Second)
	if !strings.Contains(err.Error(), "retry after") {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
	if delay, ok := RetryDelay(err); !ok || delay != 2*time.Second {
		t.Fatalf("unexpected delay: %s (%v)", delay, ok)
	}
}

func TestRetryDelayNonRetryable(t *testing.T) {
	if delay, ok := RetryDelay(errors.New("no")); ok || delay != 0 {
		t.Fatalf("expected no retry delay")
	}
}

func TestRetryAfterClamp(t *testing.T) {
	err := RetryAfter(nil, -5*time.Second)
	if delay, ok := RetryDelay(err); !ok || delay != 0 {
		t.Fatalf("expected clamped delay")
	}
}

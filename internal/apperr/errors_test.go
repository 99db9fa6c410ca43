package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("accept: %w", Conflict("request already taken"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict match")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("conflict must not match not_found")
	}
}

func TestNotTargetDriverIsConflictFamily(t *testing.T) {
	err := New(CodeNotTargetDriver, "driver d2 is not the target")
	if !errors.Is(err, ErrNotTargetDriver) || !errors.Is(err, ErrConflict) {
		t.Fatalf("expected not_target_driver to match itself and conflict")
	}
	if errors.Is(Conflict("x"), ErrNotTargetDriver) {
		t.Fatalf("plain conflict must not match not_target_driver")
	}
}

func TestInvalidTransitionCarriesPair(t *testing.T) {
	e := As(InvalidTransition("pending", "in_progress"))
	if e.From != "pending" || e.To != "in_progress" {
		t.Fatalf("unexpected pair %s -> %s", e.From, e.To)
	}
}

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, ""},
		{errors.New("boom"), CodeInternal},
		{Storage(errors.New("dial"), "insert booking"), CodeStorageUnavailable},
		{fmt.Errorf("wrapped: %w", ErrLocationRequired), CodeLocationRequired},
	}
	for _, c := range cases {
		if got := CodeOf(c.err); got != c.want {
			t.Fatalf("CodeOf(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

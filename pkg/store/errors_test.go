package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestOpError_Is(t *testing.T) {
	err := Unavailable("get", "k", context.DeadlineExceeded)

	if !errors.Is(err, ErrUnavailable) {
		t.Error("OpError should match ErrUnavailable")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("OpError should unwrap to its cause")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("OpError must not match ErrNotFound")
	}

	wrapped := fmt.Errorf("load session: %w", err)
	if !IsUnavailable(wrapped) {
		t.Error("IsUnavailable should see through wrapping")
	}
}

func TestUnavailable(t *testing.T) {
	if Unavailable("get", "k", nil) != nil {
		t.Error("nil error must stay nil")
	}

	first := Unavailable("get", "k", errors.New("boom"))
	again := Unavailable("run", "", first)
	if again != first {
		t.Error("an OpError should not be wrapped twice")
	}

	if got := first.Error(); got != "store get k: boom" {
		t.Errorf("Error() = %q", got)
	}
	if got := Unavailable("ping", "", errors.New("down")).Error(); got != "store ping: down" {
		t.Errorf("Error() = %q", got)
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(fmt.Errorf("x: %w", ErrNotFound)) {
		t.Error("wrapped ErrNotFound should match")
	}
	if IsNotFound(ErrUnavailable) {
		t.Error("ErrUnavailable is not ErrNotFound")
	}
}

func TestArgStrings(t *testing.T) {
	got := ArgStrings([]any{"a", []byte("b"), 3, int64(1700000000000), 0.5, true, false})
	want := []string{"a", "b", "3", "1700000000000", "0.5", "1", "0"}

	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseArgs(t *testing.T) {
	args := []string{"42", "1.5", "x"}

	if v, err := ParseInt(args, 0); err != nil || v != 42 {
		t.Errorf("ParseInt = %d, %v", v, err)
	}
	if v, err := ParseFloat(args, 1); err != nil || v != 1.5 {
		t.Errorf("ParseFloat = %v, %v", v, err)
	}
	if _, err := ParseInt(args, 2); err == nil {
		t.Error("expected error for non-numeric argument")
	}
	if _, err := ParseFloat(args, 5); err == nil {
		t.Error("expected error for missing argument")
	}
}

func TestScript_ApplyWithoutRendition(t *testing.T) {
	s := NewScript("empty", "return {}", nil)
	if s.Name() != "empty" || s.Source() != "return {}" {
		t.Error("accessors mismatch")
	}
	if _, err := s.Apply(nil, nil, nil); err == nil {
		t.Error("expected error when no go rendition exists")
	}
}

package models

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseCoordinatorType(t *testing.T) {
	tests := []struct {
		input   string
		want    CoordinatorType
		wantErr bool
	}{
		{"master", CoordinatorMaster, false},
		{"SUB", CoordinatorSub, false},
		{" worker", CoordinatorWorker, false},
		{"manager", "", true},
	}
	for _, tt := range tests {
		got, err := ParseCoordinatorType(tt.input)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseCoordinatorType(%q) = %q, %v", tt.input, got, err)
		}
	}
}

func TestParseCoordinatorStatus(t *testing.T) {
	if s, err := ParseCoordinatorStatus("in_progress"); err != nil || s != CoordinatorInProgress {
		t.Errorf("ParseCoordinatorStatus(in_progress) = %q, %v", s, err)
	}
	if _, err := ParseCoordinatorStatus("blocked"); KindOf(err) != ErrInvalidArgument {
		t.Errorf("unknown status error = %v", err)
	}
}

func TestEscalationChain(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	expires := now.Add(time.Minute)
	c := EscalationChain{Levels: []string{"lead", "master"}, ExpiresAt: &expires}

	if c.Exhausted() {
		t.Error("fresh chain reported exhausted")
	}
	c.Position = 2
	if !c.Exhausted() {
		t.Error("chain past its last level not exhausted")
	}

	if c.Expired(now) {
		t.Error("chain expired before its deadline")
	}
	if !c.Expired(expires) {
		t.Error("chain not expired at its deadline")
	}
	if (&EscalationChain{}).Expired(now.Add(1000 * time.Hour)) {
		t.Error("chain without expiry reported expired")
	}

	cl := c.Clone()
	cl.Levels[0] = "other"
	*cl.ExpiresAt = now
	if c.Levels[0] != "lead" || !c.ExpiresAt.Equal(expires) {
		t.Error("clone shares state with the original")
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"with id and msg", NewError(ErrNotFound, "get task", "t1", "no such task"), "get task t1: not found: no such task"},
		{"without id", NewError(ErrInvalidArgument, "parse", "", "bad"), "parse: invalid argument: bad"},
		{"without msg", NewError(ErrConflict, "update", "n1", ""), "update n1: concurrent modification"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", Errorf(ErrInsufficientBudget, "spend", "n1", "need %d", 5))
	if !errors.Is(wrapped, ErrInsufficientBudget) {
		t.Error("errors.Is does not see the kind through wrapping")
	}
	if got := KindOf(wrapped); got != ErrInsufficientBudget {
		t.Errorf("KindOf = %v, want insufficient budget", got)
	}
	if got := KindOf(errors.New("plain")); got != nil {
		t.Errorf("KindOf(plain) = %v, want nil", got)
	}
	if got := KindOf(nil); got != nil {
		t.Errorf("KindOf(nil) = %v, want nil", got)
	}
}

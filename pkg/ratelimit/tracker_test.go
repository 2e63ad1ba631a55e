package ratelimit

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestTracker(now time.Time) *Tracker {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tr := NewTracker(nil, "test", logger)
	tr.now = func() time.Time { return now }
	return tr
}

func TestTracker_DefaultState(t *testing.T) {
	tr := newTestTracker(time.Now())

	state, err := tr.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Scope != "test" {
		t.Errorf("Scope = %q, want %q", state.Scope, "test")
	}
	if state.RequestsRemaining != RemainingUnknown {
		t.Errorf("RequestsRemaining = %d, want %d", state.RequestsRemaining, RemainingUnknown)
	}
	if !state.BlockedUntil.IsZero() {
		t.Errorf("BlockedUntil = %v, want zero", state.BlockedUntil)
	}
}

func TestTracker_BlockOnlyExtends(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := newTestTracker(now)
	ctx := context.Background()

	steps := []struct {
		until    time.Time
		expected time.Time
	}{
		{now.Add(10 * time.Second), now.Add(10 * time.Second)},
		{now.Add(5 * time.Second), now.Add(10 * time.Second)},
		{now.Add(20 * time.Second), now.Add(20 * time.Second)},
		{now.Add(-time.Second), now.Add(20 * time.Second)},
	}

	for i, step := range steps {
		if err := tr.Block(ctx, step.until); err != nil {
			t.Fatalf("step %d: Block() error = %v", i, err)
		}
		state, _ := tr.GetState(ctx)
		if !state.BlockedUntil.Equal(step.expected) {
			t.Errorf("step %d: BlockedUntil = %v, want %v", i, state.BlockedUntil, step.expected)
		}
	}
}

func TestTracker_UpdateFromHeaders(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name            string
		headers         map[string]string
		expectBlockedTo time.Time
		expectRemaining int
		shouldError     bool
	}{
		{
			name:            "no quota headers",
			headers:         map[string]string{},
			expectRemaining: RemainingUnknown,
		},
		{
			name:            "retry-after seconds",
			headers:         map[string]string{"Retry-After": "12"},
			expectBlockedTo: now.Add(12 * time.Second),
			expectRemaining: RemainingUnknown,
		},
		{
			name: "budget available",
			headers: map[string]string{
				HeaderRemainingRequests: "42",
				HeaderResetRequests:     "6m0s",
			},
			expectRemaining: 42,
		},
		{
			name: "budget exhausted",
			headers: map[string]string{
				HeaderRemainingRequests: "0",
				HeaderResetRequests:     "1.5s",
			},
			expectBlockedTo: now.Add(1500 * time.Millisecond),
			expectRemaining: 0,
		},
		{
			name:            "invalid remaining",
			headers:         map[string]string{HeaderRemainingRequests: "lots"},
			expectRemaining: RemainingUnknown,
			shouldError:     true,
		},
		{
			name: "invalid reset",
			headers: map[string]string{
				HeaderRemainingRequests: "0",
				HeaderResetRequests:     "soon",
			},
			expectRemaining: RemainingUnknown,
			shouldError:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTracker(now)
			headers := http.Header{}
			for k, v := range tt.headers {
				headers.Set(k, v)
			}

			err := tr.UpdateFromHeaders(context.Background(), headers)
			if tt.shouldError && err == nil {
				t.Error("Expected error but got nil")
			}
			if !tt.shouldError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}

			state, _ := tr.GetState(context.Background())
			if !state.BlockedUntil.Equal(tt.expectBlockedTo) {
				t.Errorf("BlockedUntil = %v, want %v", state.BlockedUntil, tt.expectBlockedTo)
			}
			if state.RequestsRemaining != tt.expectRemaining {
				t.Errorf("RequestsRemaining = %d, want %d", state.RequestsRemaining, tt.expectRemaining)
			}
		})
	}
}

func TestTracker_WaitNotBlocked(t *testing.T) {
	tr := NewTracker(nil, "test", zerolog.Nop())

	start := time.Now()
	if err := tr.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Wait() took %v without a cooldown", elapsed)
	}
}

func TestTracker_WaitForCooldown(t *testing.T) {
	tr := NewTracker(nil, "test", zerolog.Nop())
	ctx := context.Background()

	if err := tr.Block(ctx, time.Now().Add(100*time.Millisecond)); err != nil {
		t.Fatalf("Block() error = %v", err)
	}

	start := time.Now()
	if err := tr.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("Wait() returned after %v, want >= ~100ms", elapsed)
	}
}

func TestTracker_WaitContextCanceled(t *testing.T) {
	tr := NewTracker(nil, "test", zerolog.Nop())

	if err := tr.Block(context.Background(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Block() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := tr.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Wait() error = %v, want %v", err, context.DeadlineExceeded)
	}
}

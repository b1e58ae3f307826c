package retry

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestPolicyDelayDoublesAndCaps(t *testing.T) {
	policy := Policy{MaxAttempts: 6, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
		{attempt: 3, want: 8 * time.Second},
		{attempt: 4, want: 10 * time.Second},
		{attempt: 50, want: 10 * time.Second},
	}
	for _, tc := range tests {
		if got := policy.Delay(tc.attempt); got != tc.want {
			t.Fatalf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"valid", Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second}, false},
		{"zero delays", Policy{MaxAttempts: 1}, false},
		{"zero attempts", Policy{MaxAttempts: 0, BaseDelay: time.Millisecond, MaxDelay: time.Second}, true},
		{"max below base", Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Millisecond}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidPolicy) {
				t.Fatalf("Validate() error = %v, want ErrInvalidPolicy", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
		})
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	var retried []int

	calls := 0
	err := Do(context.Background(), policy, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("connection reset")
		}
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		retried = append(retried, attempt)
	})

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if !reflect.DeepEqual(retried, []int{1, 2}) {
		t.Fatalf("retried = %v, want [1 2]", retried)
	}
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	cause := errors.New("upstream 502")

	calls := 0
	err := Do(context.Background(), policy, func(ctx context.Context, attempt int) error {
		calls++
		return cause
	}, nil)

	if !errors.Is(err, cause) {
		t.Fatalf("Do() error = %v, want %v", err, cause)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	cause := errors.New("bad request")

	calls := 0
	err := Do(context.Background(), policy, func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(cause)
	}, nil)

	if err != cause {
		t.Fatalf("Do() error = %v, want the unwrapped cause", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoHonoursCancellationDuringBackoff(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	err := Do(ctx, policy, func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("timeout")
	}, nil)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
}

func TestDoRejectsInvalidPolicy(t *testing.T) {
	err := Do(context.Background(), Policy{}, func(ctx context.Context, attempt int) error {
		t.Fatal("fn should not run")
		return nil
	}, nil)
	if !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("Do() error = %v, want ErrInvalidPolicy", err)
	}
}

func TestPermanentNil(t *testing.T) {
	if err := Permanent(nil); err != nil {
		t.Fatalf("Permanent(nil) = %v", err)
	}
}

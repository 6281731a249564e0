package timer

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunWithTickerStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0

	err := RunWithTicker(context.Background(), "test", &Interval{Duration: 5 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls == 3 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRunWithTickerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := RunWithTicker(ctx, "test", &Interval{Duration: time.Hour}, func(ctx context.Context) error {
		t.Fatal("should not tick")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestIntervalValidate(t *testing.T) {
	for _, iv := range []Interval{
		{Duration: 0},
		{Duration: time.Second, Jitter: time.Second},
		{Duration: time.Second, Jitter: -1},
	} {
		if err := iv.Validate(); !errors.Is(err, ErrInvalidInterval) {
			t.Fatalf("%+v: expected ErrInvalidInterval, got %v", iv, err)
		}
	}
	if err := (&Interval{Duration: time.Second, Jitter: 100 * time.Millisecond}).Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestJittered(t *testing.T) {
	d, max := time.Second, 100*time.Millisecond
	for i := 0; i < 100; i++ {
		got := Jittered(d, max)
		if got < d-max || got >= d+max {
			t.Fatalf("jittered value %v out of range", got)
		}
	}
	if got := Jittered(d, 0); got != d {
		t.Fatalf("zero jitter should return d, got %v", got)
	}
}

package watchdog

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/boardfleet/internal/lease"
)

const testInterval = 20 * time.Millisecond

func runWithTimeout(t *testing.T, w *Watchdog, timeout time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return w.Run(ctx)
}

func TestRun_LapsesWhenWatcherDisappears(t *testing.T) {
	var present atomic.Bool
	present.Store(true)
	find := func(string) ([]int, error) {
		if present.Load() {
			return []int{42}, nil
		}
		return nil, nil
	}

	var lapses atomic.Int32
	w := New(Config{
		Interval: testInterval,
		OnLapse:  func(error) { lapses.Add(1) },
	}, processNameCheck("fleetsupervisor", find))

	go func() {
		time.Sleep(5 * testInterval)
		present.Store(false)
	}()

	start := time.Now()
	err := runWithTimeout(t, w, 5*time.Second)
	if !errors.Is(err, ErrOrphaned) || !errors.Is(err, ErrLapsed) {
		t.Fatalf("Run() error = %v, want ErrOrphaned wrapping ErrLapsed", err)
	}
	// Lapse lands on the first tick after the watcher vanished.
	if elapsed := time.Since(start); elapsed > 5*testInterval+time.Second {
		t.Errorf("lapse took %v", elapsed)
	}
	if lapses.Load() != 1 {
		t.Errorf("OnLapse called %d times, want 1", lapses.Load())
	}
	if !strings.Contains(w.Lapsed().Error(), "fleetsupervisor") {
		t.Errorf("Lapsed() = %v, want reason naming the watcher", w.Lapsed())
	}
}

func TestRun_HealthyUntilCancelled(t *testing.T) {
	find := func(string) ([]int, error) { return []int{1}, nil }
	w := New(Config{Interval: testInterval}, processNameCheck("fleetsupervisor", find))

	err := runWithTimeout(t, w, 10*testInterval)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want context.DeadlineExceeded", err)
	}
	if w.Lapsed() != nil {
		t.Errorf("Lapsed() = %v, want nil", w.Lapsed())
	}
}

func TestRun_ConsecutiveCheckErrors(t *testing.T) {
	var calls atomic.Int32
	flaky := Check{Name: "flaky", Fn: func(context.Context) error {
		calls.Add(1)
		return errors.New("proc unreadable")
	}}
	w := New(Config{Interval: testInterval, MaxCheckErrors: 3}, flaky)

	err := runWithTimeout(t, w, 5*time.Second)
	if !errors.Is(err, ErrOrphaned) {
		t.Fatalf("Run() error = %v, want ErrOrphaned", err)
	}
	if calls.Load() != 3 {
		t.Errorf("check ran %d times, want 3", calls.Load())
	}
}

func TestRun_ErrorStreakResetsOnSuccess(t *testing.T) {
	var n atomic.Int32
	// Fails twice, succeeds once, forever: never three in a row.
	check := Check{Name: "wobbly", Fn: func(context.Context) error {
		if n.Add(1)%3 == 0 {
			return nil
		}
		return errors.New("transient")
	}}
	w := New(Config{Interval: testInterval, MaxCheckErrors: 3}, check)

	if err := runWithTimeout(t, w, 20*testInterval); errors.Is(err, ErrOrphaned) {
		t.Errorf("Run() = %v; a success should reset the error streak", err)
	}
}

func TestLeaseCheck(t *testing.T) {
	l := lease.New(strings.Repeat("k", 32), "dev_A", "", 3*testInterval)
	w := New(Config{Interval: testInterval}, LeaseCheck(l))

	start := time.Now()
	err := runWithTimeout(t, w, 5*time.Second)
	if !errors.Is(err, lease.ErrExpired) {
		t.Fatalf("Run() error = %v, want lease.ErrExpired in chain", err)
	}
	if elapsed := time.Since(start); elapsed < 3*testInterval {
		t.Errorf("lapsed after %v, before the grace period ended", elapsed)
	}
}

func TestProcessNameCheck_FinderError(t *testing.T) {
	find := func(string) ([]int, error) { return nil, errors.New("no /proc") }
	err := processNameCheck("x", find).Fn(context.Background())
	if err == nil || errors.Is(err, ErrLapsed) {
		t.Errorf("Fn() = %v, want undecided error", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	w := New(Config{})
	if w.cfg.Interval != 3*time.Second || w.cfg.MaxCheckErrors != 3 {
		t.Errorf("defaults = %+v", w.cfg)
	}
}

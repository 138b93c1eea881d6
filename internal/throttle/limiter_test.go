package throttle

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestEffectiveRPM(t *testing.T) {
	cases := map[int]int{
		-5:  DefaultRPM,
		0:   DefaultRPM,
		1:   1,
		30:  30,
		40:  40,
		500: MaxRPM,
	}
	for in, want := range cases {
		if got := EffectiveRPM(in); got != want {
			t.Fatalf("EffectiveRPM(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestNewIntervalFromRPM(t *testing.T) {
	if got := New(30).Interval(); got != 2*time.Second {
		t.Fatalf("expected 2s interval, got %v", got)
	}
	if got := New(1000).Interval(); got != 1500*time.Millisecond {
		t.Fatalf("expected clamped 1.5s interval, got %v", got)
	}
}

func TestBackToBackAcquisitionsAreSpaced(t *testing.T) {
	const k = 4
	interval := 40 * time.Millisecond
	l := Every(interval)

	start := time.Now()
	for i := 0; i < k; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	elapsed := time.Since(start)
	if min := time.Duration(k-1) * interval; elapsed < min-5*time.Millisecond {
		t.Fatalf("acquisitions too fast: %v < %v", elapsed, min)
	}
}

func TestConcurrentCallersDoNotShareSlots(t *testing.T) {
	const k = 5
	interval := 30 * time.Millisecond
	l := Every(interval)

	var (
		mu    sync.Mutex
		times []time.Time
		wg    sync.WaitGroup
	)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Acquire()
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	first, last := times[0], times[0]
	for _, ts := range times {
		if ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
	}
	if span := last.Sub(first); span < time.Duration(k-1)*interval-5*time.Millisecond {
		t.Fatalf("concurrent acquisitions not spaced: span %v", span)
	}
}

func TestCancelledWaitKeepsSlot(t *testing.T) {
	interval := 50 * time.Millisecond
	l := Every(interval)
	l.Acquire()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected context error")
	}

	start := time.Now()
	l.Acquire()
	// The cancelled caller consumed the second slot, so this one lands on the third.
	if elapsed := time.Since(start); elapsed < 2*interval-10*time.Millisecond {
		t.Fatalf("expected cancelled slot to stay consumed, waited %v", elapsed)
	}
}

func TestOnWaitObserver(t *testing.T) {
	l := Every(10 * time.Millisecond)
	var calls int
	l.OnWait(func(time.Duration) { calls++ })
	l.Acquire()
	l.Acquire()
	if calls != 2 {
		t.Fatalf("expected 2 observations, got %d", calls)
	}
}

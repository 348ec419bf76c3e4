package fraud

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestJanitorSweep(t *testing.T) {
	engine, clock := newTestEngine()
	engine.Evaluate(context.Background(), newTx(clock, "acct-old", 10))
	clock.Advance(25 * time.Hour)
	engine.Evaluate(context.Background(), newTx(clock, "acct-new", 10))

	var swept atomic.Int64
	j := NewJanitor(engine, 24*time.Hour, time.Minute, nil).OnSweep(func(n int) {
		swept.Add(int64(n))
	})

	if n := j.Sweep(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if swept.Load() != 1 {
		t.Errorf("expected OnSweep to see 1 eviction, got %d", swept.Load())
	}
	if engine.ProfileCount() != 1 {
		t.Errorf("expected 1 remaining profile, got %d", engine.ProfileCount())
	}
	if n := j.Sweep(); n != 0 {
		t.Errorf("second sweep should evict nothing, got %d", n)
	}
}

func TestJanitorStartStop(t *testing.T) {
	engine, clock := newTestEngine()
	engine.Evaluate(context.Background(), newTx(clock, "acct-old", 10))
	clock.Advance(2 * time.Hour)

	swept := make(chan int, 10)
	j := NewJanitor(engine, time.Hour, 10*time.Millisecond, nil).OnSweep(func(n int) {
		select {
		case swept <- n:
		default:
		}
	})

	done := make(chan struct{})
	go func() {
		j.Start(context.Background())
		close(done)
	}()

	select {
	case n := <-swept:
		if n != 1 {
			t.Errorf("expected first sweep to evict 1, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not sweep")
	}
	if !j.Running() {
		t.Error("janitor should report running")
	}

	j.Stop()
	j.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
	if j.Running() {
		t.Error("janitor should not report running after stop")
	}
}

func TestJanitorStopsOnContextCancel(t *testing.T) {
	engine, _ := newTestEngine()
	j := NewJanitor(engine, time.Hour, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not exit on context cancel")
	}
}

func TestJanitorRecoversFromPanic(t *testing.T) {
	engine, _ := newTestEngine()
	j := NewJanitor(engine, time.Hour, time.Hour, nil).OnSweep(func(int) {
		panic("boom")
	})

	// Must not propagate.
	j.safeSweep()
}

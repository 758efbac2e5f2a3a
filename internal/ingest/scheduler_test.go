package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/lox/dustwatch/internal/settings"
)

func waitForNextRun(t *testing.T, s *Scheduler, want time.Time) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.NextRun().Equal(want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("next run = %v, want %v", s.NextRun(), want)
}

func TestScheduler_ReschedulesOnIntervalChange(t *testing.T) {
	f := setupCycle(t)
	s := NewScheduler(f.cycle, f.store, f.settings, taipei)
	s.now = func() time.Time { return at(10, 2) }
	s.pollEvery = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitForNextRun(t, s, at(10, 5))

	if err := f.settings.Set(ctx, settings.KeyScrapeInterval, "30"); err != nil {
		t.Fatal(err)
	}
	waitForNextRun(t, s, at(10, 30))

	// Edited straight in the database, picked up by the settings watcher.
	if err := f.store.PutSetting(ctx, settings.KeyScrapeInterval, "60"); err != nil {
		t.Fatal(err)
	}
	waitForNextRun(t, s, at(11, 0))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestScheduler_RunsCycleOnStart(t *testing.T) {
	f := setupCycle(t)
	s := NewScheduler(f.cycle, f.store, f.settings, taipei)
	s.now = func() time.Time { return at(10, 2) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitForNextRun(t, s, at(10, 5))
	if n := f.reader.callCount(); n != 2 {
		t.Errorf("fetches before the first timer = %d, want 2", n)
	}

	cancel()
	<-done
}

package ingest

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/lox/dustwatch/internal/httputil"
	"github.com/lox/dustwatch/internal/settings"
	"github.com/lox/dustwatch/internal/store"
)

const (
	maintenanceInterval = time.Hour
	auditRetention      = 7 * 24 * time.Hour
	keepAliveInterval   = 5 * time.Minute
)

type Scheduler struct {
	cycle     *Cycle
	store     *store.Store
	settings  *settings.Provider
	loc       *time.Location
	pingURL   string
	pollEvery time.Duration
	now       func() time.Time

	reschedule chan struct{}

	mu   sync.Mutex
	next time.Time
}

func NewScheduler(cycle *Cycle, st *store.Store, prov *settings.Provider, loc *time.Location) *Scheduler {
	s := &Scheduler{
		cycle:      cycle,
		store:      st,
		settings:   prov,
		loc:        loc,
		pollEvery:  30 * time.Second,
		now:        time.Now,
		reschedule: make(chan struct{}, 1),
	}
	prov.OnChange(settings.KeyScrapeInterval, func(old, value string) {
		if d, ok := settings.ParseMinutes(value); ok {
			log.Printf("scheduler: scrape interval changed %s -> %s", old, d)
		} else {
			log.Printf("scheduler: scrape interval %q is invalid, the default applies", value)
		}
		select {
		case s.reschedule <- struct{}{}:
		default:
		}
	})
	return s
}

// SetKeepAlive makes the scheduler POST a ping to url every few minutes so
// hosts that idle out quiet services keep this one running.
func (s *Scheduler) SetKeepAlive(url string) {
	s.pingURL = url
}

// NextBoundary returns the first multiple of interval, counted from local
// midnight, strictly after now.
func NextBoundary(now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return now
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	elapsed := now.Sub(midnight)
	next := midnight.Add((elapsed/interval + 1) * interval)
	// Intervals that don't divide the day restart at the next midnight.
	if tomorrow := midnight.AddDate(0, 0, 1); next.After(tomorrow) {
		return tomorrow
	}
	return next
}

func (s *Scheduler) Run(ctx context.Context) {
	go s.settings.Watch(ctx, s.pollEvery)

	s.runCycle(ctx)
	s.maintenance(ctx)

	timer := time.NewTimer(s.untilNext(ctx))
	maintTicker := time.NewTicker(maintenanceInterval)
	defer timer.Stop()
	defer maintTicker.Stop()

	var pingC <-chan time.Time
	if s.pingURL != "" {
		pingTicker := time.NewTicker(keepAliveInterval)
		defer pingTicker.Stop()
		pingC = pingTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: shutting down")
			return
		case <-timer.C:
			s.runCycle(ctx)
			timer.Reset(s.untilNext(ctx))
		case <-s.reschedule:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.untilNext(ctx))
		case <-maintTicker.C:
			s.maintenance(ctx)
		case <-pingC:
			s.keepAlive(ctx)
		}
	}
}

func (s *Scheduler) untilNext(ctx context.Context) time.Duration {
	interval := 5 * time.Minute
	if cfg, err := s.settings.Get(ctx); err != nil {
		log.Printf("scheduler: load settings, using %s: %v", interval, err)
	} else {
		interval = cfg.ScrapeInterval()
	}
	now := s.now().In(s.loc)
	next := NextBoundary(now, interval)
	s.mu.Lock()
	s.next = next
	s.mu.Unlock()
	log.Printf("scheduler: next scrape at %s", next.Format("15:04:05"))
	return next.Sub(now)
}

// NextRun reports when the timer is armed to fire. It is zero before Run
// has scheduled anything.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if _, err := s.cycle.Run(ctx, TriggerSchedule); err != nil {
		log.Printf("scheduler: cycle: %v", err)
	}
}

func (s *Scheduler) maintenance(ctx context.Context) {
	now := s.now()
	if _, err := s.cycle.Prune(ctx, now); err != nil {
		log.Printf("scheduler: prune records: %v", err)
	}
	if n, err := s.store.CleanupIngestRuns(ctx, now.Add(-auditRetention)); err != nil {
		log.Printf("scheduler: cleanup ingest runs: %v", err)
	} else if n > 0 {
		log.Printf("scheduler: removed %d old ingest runs", n)
	}
	if n, err := s.store.CleanupRawPayloads(ctx, now.Add(-auditRetention)); err != nil {
		log.Printf("scheduler: cleanup raw payloads: %v", err)
	} else if n > 0 {
		log.Printf("scheduler: removed %d old raw payloads", n)
	}
}

func (s *Scheduler) keepAlive(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.pingURL, bytes.NewReader([]byte(`{"message":"ping"}`)))
	if err != nil {
		log.Printf("scheduler: keep-alive: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httputil.NewClient().Do(req)
	if err != nil {
		log.Printf("scheduler: keep-alive: %v", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("scheduler: keep-alive: status %d", resp.StatusCode)
	}
}

package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lox/dustwatch/internal/alerting"
	"github.com/lox/dustwatch/internal/metrics"
	"github.com/lox/dustwatch/internal/models"
	"github.com/lox/dustwatch/internal/settings"
	"github.com/lox/dustwatch/internal/store"
)

const (
	TriggerSchedule = "schedule"
	TriggerOnDemand = "on-demand"
	TriggerOnce     = "once"
)

// Notifier delivers a message to every subscriber.
type Notifier interface {
	Broadcast(ctx context.Context, texts ...string) error
}

// quotaReporter is implemented by notifiers that can describe remaining
// message allowance.
type quotaReporter interface {
	QuotaSummary(ctx context.Context) (string, error)
}

type CycleConfig struct {
	Policy       store.UpdatePolicy
	Merge        MergeOptions
	FetchTimeout time.Duration // per station
	Lookback     time.Duration // how far back readers are asked for samples
	Retention    time.Duration
	StaleAfter   time.Duration // on-demand refresh skips fetching when data is fresher
	QuotaFooter  bool          // append message quota to alerts
}

func DefaultCycleConfig() CycleConfig {
	return CycleConfig{
		Policy:       store.FillMissingOnly,
		FetchTimeout: 45 * time.Second,
		Lookback:     2 * time.Hour,
		Retention:    24 * time.Hour,
		StaleAfter:   time.Minute,
	}
}

// Cycle runs one fetch, merge, persist, evaluate and notify pass. It is
// driven both by the scheduler and by chat commands.
type Cycle struct {
	store     *store.Store
	settings  *settings.Provider
	reader    Reader
	notifier  Notifier
	threshold *alerting.ThresholdEvaluator
	outage    *alerting.OutageEvaluator
	cfg       CycleConfig
	loc       *time.Location
	now       func() time.Time

	group   singleflight.Group
	runMu   sync.Mutex // scheduled and on-demand runs never overlap
	alertMu sync.Mutex // evaluation and state commit happen as one step
}

// refreshTimeout bounds an on-demand run, which outlives the chat request
// that started it.
const refreshTimeout = 2 * time.Minute

func NewCycle(st *store.Store, prov *settings.Provider, reader Reader, notifier Notifier,
	threshold *alerting.ThresholdEvaluator, outage *alerting.OutageEvaluator, cfg CycleConfig, loc *time.Location) *Cycle {
	return &Cycle{
		store:     st,
		settings:  prov,
		reader:    reader,
		notifier:  notifier,
		threshold: threshold,
		outage:    outage,
		cfg:       cfg,
		loc:       loc,
		now:       time.Now,
	}
}

type CycleResult struct {
	Stations  int
	Succeeded int
	Records   int
	Saved     store.SaveResult
	Alerts    int
}

type fetchOutcome struct {
	samples []models.Sample
	ok      bool
}

// Run executes one cycle. Failing stations are recorded and alerted on, not
// returned as errors; an error means settings or persistence failed and the
// cycle was abandoned.
func (c *Cycle) Run(ctx context.Context, trigger string) (CycleResult, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	var res CycleResult

	s, err := c.settings.Get(ctx)
	if err != nil {
		return res, fmt.Errorf("load settings: %w", err)
	}
	stations, err := c.store.GetActiveStations(ctx)
	if err != nil {
		return res, fmt.Errorf("load stations: %w", err)
	}
	res.Stations = len(stations)

	now := c.now().In(c.loc)
	outcomes := c.fetchAll(ctx, stations, now, trigger)

	perStation := make(map[string][]models.Sample)
	for i, st := range stations {
		o := outcomes[i]
		c.observeHealth(ctx, st.ID, now, o.ok)
		if !o.ok {
			continue
		}
		res.Succeeded++
		perStation[st.ID] = o.samples
		for _, sm := range o.samples {
			if sm.Value != nil {
				metrics.LatestPM10.WithLabelValues(st.ID).Set(*sm.Value)
			}
		}
	}

	records := Merge(perStation, stations, c.cfg.Merge)
	res.Records = len(records)
	if len(records) > 0 {
		saved, err := c.store.SaveRecords(ctx, records, c.cfg.Policy)
		if err != nil {
			return res, fmt.Errorf("save records: %w", err)
		}
		res.Saved = saved
		metrics.ValuesWritten.WithLabelValues(trigger).Add(float64(saved.ValuesWritten))
		if _, err := c.Prune(ctx, now); err != nil {
			log.Printf("cycle: prune: %v", err)
		}
	} else {
		log.Printf("cycle: no station returned data")
	}

	res.Alerts = c.evaluate(ctx, now, records, stations, s)

	log.Printf("cycle: %s run: %d/%d stations ok, %d records, %d new, %d values written, %d alerts",
		trigger, res.Succeeded, res.Stations, res.Records, res.Saved.RecordsInserted, res.Saved.ValuesWritten, res.Alerts)
	return res, nil
}

// Refresh runs an on-demand cycle unless the newest stored record is fresh.
// Concurrent callers share one run, which keeps going if the caller that
// started it gives up.
func (c *Cycle) Refresh(ctx context.Context) error {
	latest, err := c.store.LatestRecord(ctx)
	if err != nil {
		return fmt.Errorf("latest record: %w", err)
	}
	if latest != nil && c.now().Sub(latest.Time) < c.cfg.StaleAfter {
		return nil
	}
	ch := c.group.DoChan("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return c.Run(rctx, TriggerOnDemand)
	})
	select {
	case r := <-ch:
		if r.Shared {
			log.Printf("cycle: joined in-flight refresh")
		}
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prune deletes records older than the retention window.
func (c *Cycle) Prune(ctx context.Context, now time.Time) (int64, error) {
	n, err := c.store.PruneRecords(ctx, now.Add(-c.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.RecordsPruned.Add(float64(n))
		log.Printf("cycle: pruned %d records", n)
	}
	return n, nil
}

// fetchAll fetches sources in parallel and the stations of one source in
// turn, so a reader that serialises its stations never eats into the next
// station's timeout.
func (c *Cycle) fetchAll(ctx context.Context, stations []models.Station, now time.Time, trigger string) []fetchOutcome {
	out := make([]fetchOutcome, len(stations))

	bySource := make(map[string][]int)
	var sources []string
	for i, st := range stations {
		if _, ok := bySource[st.Source]; !ok {
			sources = append(sources, st.Source)
		}
		bySource[st.Source] = append(bySource[st.Source], i)
	}

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(idx []int) {
			defer wg.Done()
			for _, i := range idx {
				out[i] = c.fetchStation(ctx, stations[i], now, trigger)
			}
		}(bySource[src])
	}
	wg.Wait()
	return out
}

func (c *Cycle) fetchStation(ctx context.Context, st models.Station, now time.Time, trigger string) fetchOutcome {
	run, err := c.store.StartIngestRun(ctx, st.Source, st.ID, trigger)
	if err != nil {
		log.Printf("cycle: start ingest run %s: %v", st.ID, err)
	}

	fctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	started := time.Now()
	samples, raw, err := c.reader.Fetch(fctx, st, now.Add(-c.cfg.Lookback), now)
	metrics.FetchLatency.WithLabelValues(st.ID, st.Source).Observe(time.Since(started).Seconds())
	if err != nil && errors.Is(fctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s: %w", c.cfg.FetchTimeout, err)
	}

	samples, valid := Sanitize(samples, now)
	if err == nil && valid == 0 {
		err = fmt.Errorf("station %s: %w", st.ID, ErrNoData)
	}

	status := "ok"
	switch {
	case errors.Is(err, ErrNoData):
		status = "empty"
	case err != nil:
		status = "error"
	}
	metrics.FetchesTotal.WithLabelValues(st.ID, st.Source, status).Inc()
	if err != nil {
		log.Printf("cycle: fetch %s: %v", st.ID, err)
	}

	if run != nil {
		if len(raw) > 0 {
			if _, err := c.store.StoreRawPayload(ctx, run.ID, st.Source, st.ID, raw); err != nil {
				log.Printf("cycle: store raw payload %s: %v", st.ID, err)
			}
		}
		run.Success = err == nil
		run.SamplesParsed = sql.NullInt64{Int64: int64(valid), Valid: true}
		if err != nil {
			run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		}
		if err := c.store.CompleteIngestRun(ctx, run); err != nil {
			log.Printf("cycle: complete ingest run %s: %v", st.ID, err)
		}
	}

	return fetchOutcome{samples: samples, ok: err == nil}
}

func (c *Cycle) observeHealth(ctx context.Context, stationID string, now time.Time, ok bool) {
	h, err := c.store.GetStationHealth(ctx, stationID)
	if err != nil {
		log.Printf("cycle: load health %s: %v", stationID, err)
		return
	}
	h.Observe(now, ok)
	if err := c.store.SaveStationHealth(ctx, h); err != nil {
		log.Printf("cycle: save health %s: %v", stationID, err)
	}
}

func (c *Cycle) evaluate(ctx context.Context, now time.Time, records []models.Record, stations []models.Station, s models.OperationalSettings) int {
	c.alertMu.Lock()
	defer c.alertMu.Unlock()

	state, err := c.store.LoadAlertState(ctx)
	if err != nil {
		log.Printf("cycle: load alert state: %v", err)
		return 0
	}

	fired := 0
	if a := c.threshold.Evaluate(now, records, stations, s, state); a != nil {
		if c.deliver(ctx, a, state) {
			fired++
		}
	}

	for _, st := range stations {
		h, err := c.store.GetStationHealth(ctx, st.ID)
		if err != nil {
			log.Printf("cycle: load health %s: %v", st.ID, err)
			continue
		}
		if a := c.outage.Check(now, st, h, state); a != nil {
			if c.deliver(ctx, a, state) {
				fired++
			}
		}
		metrics.StationState.WithLabelValues(st.ID).Set(float64(c.outage.Classify(now, h, state)))
	}
	return fired
}

// deliver broadcasts an alert and, only when that succeeds, commits it to
// the rate-limit state.
func (c *Cycle) deliver(ctx context.Context, a *models.Alert, state *models.AlertState) bool {
	text := a.Text
	if c.cfg.QuotaFooter {
		if qr, ok := c.notifier.(quotaReporter); ok {
			if summary, err := qr.QuotaSummary(ctx); err == nil {
				text += "\n\n" + summary
			} else {
				log.Printf("cycle: quota summary: %v", err)
			}
		}
	}

	err := c.notifier.Broadcast(ctx, text)

	n := store.Notification{SentAt: a.FiredAt, Kind: "broadcast", Category: a.Category, Text: text, Success: err == nil}
	if err != nil {
		n.Error = err.Error()
	}
	if _, lerr := c.store.LogNotification(ctx, n); lerr != nil {
		log.Printf("cycle: log notification: %v", lerr)
	}

	if err != nil {
		metrics.AlertsTotal.WithLabelValues(a.Category, "failed").Inc()
		log.Printf("cycle: deliver %s alert: %v", a.Category, err)
		return false
	}

	state.Commit(a)
	if err := c.store.RecordAlert(ctx, a); err != nil {
		log.Printf("cycle: record alert: %v", err)
	}
	metrics.AlertsTotal.WithLabelValues(a.Category, "sent").Inc()
	log.Printf("cycle: sent %s alert %s", a.Category, a.StationID)
	return true
}

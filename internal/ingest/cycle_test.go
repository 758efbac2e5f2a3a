package ingest

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/dustwatch/internal/alerting"
	"github.com/lox/dustwatch/internal/models"
	"github.com/lox/dustwatch/internal/settings"
	"github.com/lox/dustwatch/internal/store"
)

// fakeReader answers per station; stations missing from values fail.
type fakeReader struct {
	mu     sync.Mutex
	values map[string]float64
	calls  int
}

func (f *fakeReader) Fetch(ctx context.Context, station models.Station, start, end time.Time) ([]models.Sample, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	v, ok := f.values[station.ID]
	if !ok {
		return nil, []byte("<html>maintenance</html>"), errors.New("connection refused")
	}
	return []models.Sample{{StationID: station.ID, Time: end, Value: &v}}, []byte(`{"pm10":1}`), nil
}

func (f *fakeReader) set(id string, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[id] = v
}

func (f *fakeReader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNotifier struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (f *fakeNotifier) Broadcast(ctx context.Context, texts ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, texts...)
	return nil
}

func (f *fakeNotifier) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type cycleFixture struct {
	cycle    *Cycle
	store    *store.Store
	settings *settings.Provider
	reader   *fakeReader
	notifier *fakeNotifier
	now      time.Time
}

func (f *cycleFixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func setupCycle(t *testing.T) *cycleFixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, taipei)
	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for i, s := range []models.Station{
		{ID: "184", Name: "理虹(184)", Source: models.SourcePortal, SourceRef: "3100184", Active: true},
		{ID: "185", Name: "理虹(185)", Source: models.SourcePortal, SourceRef: "3100185", Active: true},
	} {
		if err := st.UpsertStation(ctx, s, i); err != nil {
			t.Fatalf("upsert station: %v", err)
		}
	}

	f := &cycleFixture{
		store:    st,
		reader:   &fakeReader{values: map[string]float64{"184": 150, "185": 40}},
		notifier: &fakeNotifier{},
		now:      at(10, 0),
	}
	f.settings = settings.New(st, settings.DefaultValues())
	f.use(f.reader, DefaultCycleConfig())
	return f
}

// use rebuilds the cycle around reader and cfg.
func (f *cycleFixture) use(reader Reader, cfg CycleConfig) {
	f.cycle = NewCycle(f.store, f.settings, reader, f.notifier,
		alerting.NewThresholdEvaluator(alerting.Always, false, taipei),
		alerting.NewOutageEvaluator(alerting.DefaultMissingDataThreshold, alerting.Always, taipei),
		cfg, taipei)
	f.cycle.now = func() time.Time { return f.now }
}

func TestCycle_PersistsAndAlerts(t *testing.T) {
	f := setupCycle(t)
	ctx := context.Background()

	res, err := f.cycle.Run(ctx, TriggerSchedule)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Succeeded != 2 || res.Records != 1 || res.Alerts != 1 {
		t.Errorf("result = %+v", res)
	}

	latest, err := f.store.LatestRecord(ctx)
	if err != nil || latest == nil {
		t.Fatalf("LatestRecord: %v, %v", latest, err)
	}
	if v, _ := latest.Value("184"); v != 150 {
		t.Errorf("stored 184 = %v", v)
	}

	msgs := f.notifier.messages()
	if len(msgs) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0], "理虹(184) PM10 150 μg/m³") || strings.Contains(msgs[0], "理虹(185)") {
		t.Errorf("alert text:\n%s", msgs[0])
	}

	state, err := f.store.LoadAlertState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.LastThreshold == nil || !state.LastThreshold.Equal(f.now) {
		t.Errorf("LastThreshold = %v, want %v", state.LastThreshold, f.now)
	}
	n, err := f.store.LastNotification(ctx)
	if err != nil || n == nil || !n.Success || n.Category != models.CategoryThreshold {
		t.Errorf("notification log = %+v, %v", n, err)
	}
}

func TestCycle_RateLimitsThresholdAlerts(t *testing.T) {
	f := setupCycle(t)
	ctx := context.Background()

	if _, err := f.cycle.Run(ctx, TriggerSchedule); err != nil {
		t.Fatal(err)
	}
	f.advance(5 * time.Minute)
	if _, err := f.cycle.Run(ctx, TriggerSchedule); err != nil {
		t.Fatal(err)
	}
	if n := len(f.notifier.messages()); n != 1 {
		t.Fatalf("broadcasts after 5m = %d, want 1", n)
	}

	f.advance(60 * time.Minute)
	if _, err := f.cycle.Run(ctx, TriggerSchedule); err != nil {
		t.Fatal(err)
	}
	if n := len(f.notifier.messages()); n != 2 {
		t.Errorf("broadcasts after interval = %d, want 2", n)
	}
}

func TestCycle_FailedDeliveryIsRetried(t *testing.T) {
	f := setupCycle(t)
	ctx := context.Background()

	f.notifier.err = errors.New("line: rate limited")
	res, err := f.cycle.Run(ctx, TriggerSchedule)
	if err != nil {
		t.Fatal(err)
	}
	if res.Alerts != 0 {
		t.Errorf("alerts = %d, failed delivery does not count", res.Alerts)
	}
	state, _ := f.store.LoadAlertState(ctx)
	if state.LastThreshold != nil {
		t.Error("undelivered alert must not start the rate limit")
	}
	if n, _ := f.store.LastNotification(ctx); n == nil || n.Success || n.Error == "" {
		t.Errorf("failed attempt should be logged, got %+v", n)
	}

	f.notifier.mu.Lock()
	f.notifier.err = nil
	f.notifier.mu.Unlock()
	f.advance(5 * time.Minute)
	if _, err := f.cycle.Run(ctx, TriggerSchedule); err != nil {
		t.Fatal(err)
	}
	if n := len(f.notifier.messages()); n != 1 {
		t.Errorf("broadcasts = %d, want the alert on the next cycle", n)
	}
}

func TestCycle_OutageAlert(t *testing.T) {
	f := setupCycle(t)
	ctx := context.Background()
	f.reader.set("184", 30)
	delete(f.reader.values, "185")

	if _, err := f.cycle.Run(ctx, TriggerSchedule); err != nil {
		t.Fatal(err)
	}
	h, err := f.store.GetStationHealth(ctx, "185")
	if err != nil {
		t.Fatal(err)
	}
	if h.FirstFailure == nil || h.LastSuccess != nil {
		t.Errorf("health = %+v", h)
	}
	if n := len(f.notifier.messages()); n != 0 {
		t.Fatalf("no alert before the silence threshold, got %d", n)
	}

	f.advance(12*time.Hour + time.Minute)
	if _, err := f.cycle.Run(ctx, TriggerSchedule); err != nil {
		t.Fatal(err)
	}
	msgs := f.notifier.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "理虹(185)") {
		t.Fatalf("outage broadcasts = %q", msgs)
	}

	f.advance(time.Hour)
	if _, err := f.cycle.Run(ctx, TriggerSchedule); err != nil {
		t.Fatal(err)
	}
	if n := len(f.notifier.messages()); n != 1 {
		t.Errorf("outage re-alerted within threshold, broadcasts = %d", n)
	}
}

func TestCycle_NoDataIsNoop(t *testing.T) {
	f := setupCycle(t)
	ctx := context.Background()
	f.reader.values = map[string]float64{}

	res, err := f.cycle.Run(ctx, TriggerSchedule)
	if err != nil {
		t.Fatal(err)
	}
	if res.Records != 0 || res.Succeeded != 0 {
		t.Errorf("result = %+v", res)
	}
	if latest, _ := f.store.LatestRecord(ctx); latest != nil {
		t.Errorf("nothing should be stored, got %+v", latest)
	}
	errs, err := f.store.GetRecentIngestErrors(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 2 {
		t.Errorf("ingest errors = %d, want one per station", len(errs))
	}
}

func TestCycle_RefreshSkipsFreshData(t *testing.T) {
	f := setupCycle(t)
	ctx := context.Background()
	f.reader.set("184", 30)

	if err := f.cycle.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if n := f.reader.callCount(); n != 2 {
		t.Fatalf("fetches = %d, want 2", n)
	}

	f.advance(30 * time.Second)
	if err := f.cycle.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if n := f.reader.callCount(); n != 2 {
		t.Errorf("fresh data should not be refetched, fetches = %d", n)
	}

	f.advance(5 * time.Minute)
	if err := f.cycle.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if n := f.reader.callCount(); n != 4 {
		t.Errorf("stale data should be refetched, fetches = %d", n)
	}
}

func TestCycle_PrunesOldRecords(t *testing.T) {
	f := setupCycle(t)
	ctx := context.Background()
	f.reader.set("184", 30)

	if _, err := f.cycle.Run(ctx, TriggerSchedule); err != nil {
		t.Fatal(err)
	}
	f.advance(25 * time.Hour)
	n, err := f.cycle.Prune(ctx, f.now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
}

// sessionReader serves one station at a time, like the portal's shared
// session, taking delay per fetch.
type sessionReader struct {
	mu    sync.Mutex
	delay time.Duration
}

func (r *sessionReader) Fetch(ctx context.Context, station models.Station, start, end time.Time) ([]models.Sample, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	v := 40.0
	return []models.Sample{{StationID: station.ID, Time: end, Value: &v}}, nil, nil
}

func TestCycle_SerialisedStationsGetTheirOwnTimeout(t *testing.T) {
	f := setupCycle(t)
	cfg := DefaultCycleConfig()
	cfg.FetchTimeout = 300 * time.Millisecond
	f.use(&sessionReader{delay: 200 * time.Millisecond}, cfg)

	res, err := f.cycle.Run(context.Background(), TriggerSchedule)
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 2 {
		t.Errorf("succeeded = %d, want 2 (second station must not wait on the first one's budget)", res.Succeeded)
	}
}

// gatedReader blocks every fetch until release is closed.
type gatedReader struct {
	entered chan struct{}
	release chan struct{}
}

func (r *gatedReader) Fetch(ctx context.Context, station models.Station, start, end time.Time) ([]models.Sample, []byte, error) {
	select {
	case r.entered <- struct{}{}:
	default:
	}
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	v := 55.0
	return []models.Sample{{StationID: station.ID, Time: end, Value: &v}}, nil, nil
}

func TestCycle_RefreshOutlivesCancelledCaller(t *testing.T) {
	f := setupCycle(t)
	reader := &gatedReader{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f.use(reader, DefaultCycleConfig())

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- f.cycle.Refresh(ctx) }()

	<-reader.entered
	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller err = %v, want context.Canceled", err)
	}

	second := make(chan error, 1)
	go func() { second <- f.cycle.Refresh(context.Background()) }()
	close(reader.release)
	if err := <-second; err != nil {
		t.Fatalf("second caller: %v", err)
	}

	latest, err := f.store.LatestRecord(context.Background())
	if err != nil || latest == nil {
		t.Fatalf("LatestRecord = %v, %v", latest, err)
	}
	if v, _ := latest.Value("185"); v != 55 {
		t.Errorf("stored 185 = %v, want 55", v)
	}
}

package bot

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/dustwatch/internal/line"
	"github.com/lox/dustwatch/internal/models"
	"github.com/lox/dustwatch/internal/report"
	"github.com/lox/dustwatch/internal/settings"
	"github.com/lox/dustwatch/internal/store"
)

var loc = time.FixedZone("CST", 8*60*60)

type fakeMessenger struct {
	mu         sync.Mutex
	replies    [][]string
	broadcasts []string
	err        error
}

func (f *fakeMessenger) Reply(ctx context.Context, token string, texts ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, texts)
	return f.err
}

func (f *fakeMessenger) Broadcast(ctx context.Context, texts ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.broadcasts = append(f.broadcasts, texts...)
	return nil
}

func (f *fakeMessenger) Profile(ctx context.Context, userID string) (line.Profile, error) {
	return line.Profile{UserID: userID, DisplayName: "阿明"}, nil
}

func (f *fakeMessenger) QuotaSummary(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "本月訊息額度：已使用 42 / 200，剩餘 158", nil
}

type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context) error {
	f.calls++
	return f.err
}

type fixture struct {
	h         *Handler
	store     *store.Store
	settings  *settings.Provider
	messenger *fakeMessenger
	refresher *fakeRefresher
	dir       string
	now       time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, loc)
	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for i, s := range []models.Station{
		{ID: "184", Name: "理虹(184)", Source: models.SourcePortal, SourceRef: "3100184", Active: true},
		{ID: "185", Name: "理虹(185)", Source: models.SourcePortal, SourceRef: "3100185", Active: true},
	} {
		if err := st.UpsertStation(ctx, s, i); err != nil {
			t.Fatal(err)
		}
	}

	f := &fixture{
		store:     st,
		settings:  settings.New(st, settings.DefaultValues()),
		messenger: &fakeMessenger{},
		refresher: &fakeRefresher{},
		dir:       t.TempDir(),
		now:       time.Date(2024, 9, 21, 15, 0, 0, 0, loc),
	}
	f.h = New(f.messenger, f.refresher, st, f.settings, report.NewPublisher(f.dir, report.FTPConfig{}), "https://dust.example.com/", loc)
	f.h.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) seed(t *testing.T, at time.Time, values map[string]float64) {
	t.Helper()
	r := models.Record{Time: at, Values: make(map[string]models.Reading)}
	for k, v := range values {
		r.Values[k] = models.Reading{Value: v}
	}
	if _, err := f.store.SaveRecords(context.Background(), []models.Record{r}, store.FillMissingOnly); err != nil {
		t.Fatal(err)
	}
}

func TestCurrent(t *testing.T) {
	f := setup(t)
	f.seed(t, f.now.Add(-5*time.Minute), map[string]float64{"184": 88.5})

	got := f.h.Respond(context.Background(), "U1", "即時查詢")
	if len(got) != 1 {
		t.Fatalf("replies = %q", got)
	}
	if !strings.Contains(got[0], "理虹(184): 88.5 μg/m³ (09/21 14:55)") {
		t.Errorf("missing 184 reading:\n%s", got[0])
	}
	if !strings.Contains(got[0], "理虹(185): 無法取得數據") {
		t.Errorf("missing 185 placeholder:\n%s", got[0])
	}
	if f.refresher.calls != 1 {
		t.Errorf("refresh calls = %d", f.refresher.calls)
	}
}

func TestCurrent_NoDataAtAll(t *testing.T) {
	f := setup(t)
	f.refresher.err = errors.New("portal down")

	got := f.h.Respond(context.Background(), "U1", "current")
	if len(got) != 1 || got[0] != ReplyUnavailable {
		t.Errorf("replies = %q", got)
	}
}

func TestReport(t *testing.T) {
	f := setup(t)
	f.seed(t, f.now.Add(-2*time.Hour), map[string]float64{"184": 200, "185": 30})

	got := f.h.Respond(context.Background(), "U1", "24小時記錄")
	if len(got) != 2 {
		t.Fatalf("replies = %q", got)
	}
	if !strings.Contains(got[0], "09/21 13:00 - 理虹(184): 200 μg/m³") {
		t.Errorf("summary:\n%s", got[0])
	}
	if !strings.HasSuffix(got[1], "https://dust.example.com/download/24hr_record.txt") {
		t.Errorf("link reply = %q", got[1])
	}
	b, err := os.ReadFile(filepath.Join(f.dir, report.FileName))
	if err != nil {
		t.Fatalf("report file: %v", err)
	}
	if !strings.Contains(string(b), "2024/09/21 13:00,200,30") {
		t.Errorf("report file:\n%s", b)
	}
}

func TestSettingFlow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	got := f.h.Respond(ctx, "U1", "設定閾值")
	if len(got) != 1 || !strings.Contains(got[0], "126") {
		t.Fatalf("prompt = %q", got)
	}

	if got := f.h.Respond(ctx, "U2", "150"); got != nil {
		t.Errorf("other users are not in a pending flow, got %q", got)
	}

	got = f.h.Respond(ctx, "U1", "abc")
	if len(got) != 1 || !strings.Contains(got[0], "數值無效") {
		t.Errorf("invalid value reply = %q", got)
	}

	got = f.h.Respond(ctx, "U1", "１５０")
	if len(got) != 1 || got[0] != "PM10 閾值已更新為 150 μg/m³。" {
		t.Errorf("reply = %q", got)
	}
	s, err := f.settings.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.PM10Threshold != 150 {
		t.Errorf("threshold = %v", s.PM10Threshold)
	}

	if got := f.h.Respond(ctx, "U1", "160"); got != nil {
		t.Errorf("flow should be finished, got %q", got)
	}
}

func TestSettingInline(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	got := f.h.Respond(ctx, "U1", "設定抓取間隔 10")
	if len(got) != 1 || got[0] != "抓取間隔已更新為 10 分鐘。" {
		t.Errorf("reply = %q", got)
	}
	s, _ := f.settings.Get(ctx)
	if s.ScrapeIntervalMinutes != 10 {
		t.Errorf("scrape interval = %d", s.ScrapeIntervalMinutes)
	}

	got = f.h.Respond(ctx, "U1", "設定警報間隔0")
	if len(got) != 1 || !strings.Contains(got[0], "數值無效") {
		t.Errorf("reply = %q", got)
	}
}

func TestSettingExpiresAndCancel(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.h.Respond(ctx, "U1", "設定警報間隔")
	if got := f.h.Respond(ctx, "U1", "取消"); len(got) != 1 || got[0] != "已取消設定。" {
		t.Errorf("cancel reply = %q", got)
	}
	if got := f.h.Respond(ctx, "U1", "cancel"); got[0] != "目前沒有進行中的設定。" {
		t.Errorf("second cancel reply = %q", got)
	}

	f.h.Respond(ctx, "U1", "設定警報間隔")
	f.now = f.now.Add(11 * time.Minute)
	if got := f.h.Respond(ctx, "U1", "30"); got != nil {
		t.Errorf("expired flow should ignore numbers, got %q", got)
	}
}

func TestBroadcast(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	got := f.h.Respond(ctx, "U1", "廣播 明天停機檢修")
	if len(got) != 1 || got[0] != "廣播訊息已發送給所有使用者。" {
		t.Errorf("reply = %q", got)
	}
	if len(f.messenger.broadcasts) != 1 || f.messenger.broadcasts[0] != "明天停機檢修" {
		t.Errorf("broadcasts = %q", f.messenger.broadcasts)
	}
	n, err := f.store.LastNotification(ctx)
	if err != nil || n == nil || n.Category != "manual" || !n.Success {
		t.Errorf("notification = %+v, %v", n, err)
	}

	if got := f.h.Respond(ctx, "U1", "廣播"); !strings.Contains(got[0], "請在「廣播」後輸入") {
		t.Errorf("empty broadcast reply = %q", got)
	}

	f.messenger.err = errors.New("rate limited")
	if got := f.h.Respond(ctx, "U1", "廣播 hi"); got[0] != "廣播發送失敗，請稍後再試。" {
		t.Errorf("failed broadcast reply = %q", got)
	}
}

func TestQuota(t *testing.T) {
	f := setup(t)
	got := f.h.Respond(context.Background(), "U1", "額度")
	if len(got) != 1 || !strings.Contains(got[0], "42 / 200") {
		t.Errorf("reply = %q", got)
	}
}

func TestUnrecognisedTextIgnored(t *testing.T) {
	f := setup(t)
	for _, text := range []string{"你好", "", "24 小時", "helpme"} {
		if got := f.h.Respond(context.Background(), "U1", text); got != nil {
			t.Errorf("Respond(%q) = %q, want no reply", text, got)
		}
	}
}

func TestHandleEvent_RepliesWithToken(t *testing.T) {
	f := setup(t)
	ev := line.Event{
		Type:       "message",
		ReplyToken: "tok",
		Source:     line.Source{Type: "user", UserID: "U1"},
		Message:    &line.Message{Type: "text", Text: "指令"},
	}
	f.h.HandleEvent(context.Background(), ev)
	if len(f.messenger.replies) != 1 || !strings.HasPrefix(f.messenger.replies[0][0], "可用指令") {
		t.Errorf("replies = %q", f.messenger.replies)
	}

	f.h.HandleEvent(context.Background(), line.Event{Type: "follow", ReplyToken: "tok2"})
	if len(f.messenger.replies) != 1 {
		t.Error("non-text events get no reply")
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"  即時查詢 ": "即時查詢",
		"１２６":      "126",
		"ＨＥＬＰ":     "HELP",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSettingValueWinsOverCommand(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.h.Respond(ctx, "U1", "設定警報間隔")
	got := f.h.Respond(ctx, "U1", "24")
	if len(got) != 1 || got[0] != "警報間隔已更新為 24 分鐘。" {
		t.Fatalf("reply = %q", got)
	}
	s, err := f.settings.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.AlertIntervalMinutes != 24 {
		t.Errorf("alert interval = %d, want 24", s.AlertIntervalMinutes)
	}

	got = f.h.Respond(ctx, "U1", "24")
	if len(got) != 2 || !strings.Contains(got[1], "/download/24hr_record.txt") {
		t.Errorf("without a pending prompt 24 is the report command, got %q", got)
	}
}

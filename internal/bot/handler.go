// Package bot answers chat commands: current readings, the 24-hour report,
// setting changes, manual broadcasts and quota lookups.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/lox/dustwatch/internal/alerting"
	"github.com/lox/dustwatch/internal/line"
	"github.com/lox/dustwatch/internal/metrics"
	"github.com/lox/dustwatch/internal/report"
	"github.com/lox/dustwatch/internal/settings"
	"github.com/lox/dustwatch/internal/store"
)

const (
	ReplyUnavailable = "暫時無法取得數據，請稍後再試"
	pendingTTL       = 10 * time.Minute
)

// Messenger is the part of the chat API the handler uses. *line.Client
// implements it.
type Messenger interface {
	Reply(ctx context.Context, replyToken string, texts ...string) error
	Broadcast(ctx context.Context, texts ...string) error
	Profile(ctx context.Context, userID string) (line.Profile, error)
	QuotaSummary(ctx context.Context) (string, error)
}

// Refresher fetches fresh readings when the stored ones are stale.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type pending struct {
	key     string
	expires time.Time
}

type Handler struct {
	messenger   Messenger
	refresher   Refresher
	store       *store.Store
	settings    *settings.Provider
	publisher   *report.Publisher
	downloadURL string
	loc         *time.Location
	now         func() time.Time

	mu      sync.Mutex
	pending map[string]pending
}

// New builds a handler. downloadURL is the public base URL the report link
// is built from, without a trailing slash.
func New(m Messenger, r Refresher, st *store.Store, prov *settings.Provider, pub *report.Publisher, downloadURL string, loc *time.Location) *Handler {
	return &Handler{
		messenger:   m,
		refresher:   r,
		store:       st,
		settings:    prov,
		publisher:   pub,
		downloadURL: strings.TrimRight(downloadURL, "/"),
		loc:         loc,
		now:         time.Now,
		pending:     make(map[string]pending),
	}
}

// HandleEvent answers one webhook event. Non-text events and unrecognised
// text are ignored.
func (h *Handler) HandleEvent(ctx context.Context, ev line.Event) {
	text, ok := ev.Text()
	if !ok {
		return
	}
	replies := h.Respond(ctx, ev.SenderID(), text)
	if len(replies) == 0 {
		return
	}

	err := h.messenger.Reply(ctx, ev.ReplyToken, replies...)
	n := store.Notification{Kind: "reply", Text: strings.Join(replies, "\n\n"), Success: err == nil}
	if err != nil {
		n.Error = err.Error()
		log.Printf("bot: reply to %s: %v", ev.SenderID(), err)
	}
	if _, err := h.store.LogNotification(ctx, n); err != nil {
		log.Printf("bot: log reply: %v", err)
	}
}

// Normalize folds full-width characters so "１５０" and "150" are the same
// input.
func Normalize(text string) string {
	return strings.TrimSpace(norm.NFKC.String(text))
}

type settingCommand struct {
	key    string
	prompt func(current string) string
	done   func(value string) string
}

var settingCommands = []struct {
	prefix string
	settingCommand
}{
	{"設定閾值", settingCommand{
		key:    settings.KeyPM10Threshold,
		prompt: func(cur string) string { return fmt.Sprintf("目前 PM10 閾值為 %s μg/m³，請輸入新的數值：", cur) },
		done:   func(v string) string { return fmt.Sprintf("PM10 閾值已更新為 %s μg/m³。", v) },
	}},
	{"設定警報間隔", settingCommand{
		key:    settings.KeyAlertInterval,
		prompt: func(cur string) string { return fmt.Sprintf("目前警報間隔為 %s 分鐘，請輸入新的分鐘數：", cur) },
		done:   func(v string) string { return fmt.Sprintf("警報間隔已更新為 %s 分鐘。", v) },
	}},
	{"設定抓取間隔", settingCommand{
		key:    settings.KeyScrapeInterval,
		prompt: func(cur string) string { return fmt.Sprintf("目前抓取間隔為 %s 分鐘，請輸入新的分鐘數：", cur) },
		done:   func(v string) string { return fmt.Sprintf("抓取間隔已更新為 %s 分鐘。", v) },
	}},
}

// Respond returns the reply messages for text from sender, or nil when the
// text is not a command.
func (h *Handler) Respond(ctx context.Context, sender, text string) []string {
	text = Normalize(text)
	lower := strings.ToLower(text)

	// A number while a setting prompt is open is its value, even one that
	// doubles as a command ("24").
	if _, err := strconv.ParseFloat(text, 64); err == nil {
		if sc, ok := h.pendingFor(sender); ok {
			metrics.WebhookEvents.WithLabelValues("setting_value").Inc()
			return h.applySetting(ctx, sender, sc, text)
		}
	}

	switch lower {
	case "即時查詢", "current":
		metrics.WebhookEvents.WithLabelValues("current").Inc()
		return h.current(ctx)
	case "24小時記錄", "24", "report":
		metrics.WebhookEvents.WithLabelValues("report").Inc()
		return h.report(ctx)
	case "指令", "help":
		metrics.WebhookEvents.WithLabelValues("help").Inc()
		return []string{helpText}
	case "取消", "cancel":
		metrics.WebhookEvents.WithLabelValues("cancel").Inc()
		if h.clearPending(sender) {
			return []string{"已取消設定。"}
		}
		return []string{"目前沒有進行中的設定。"}
	case "額度", "quota":
		metrics.WebhookEvents.WithLabelValues("quota").Inc()
		summary, err := h.messenger.QuotaSummary(ctx)
		if err != nil {
			log.Printf("bot: quota: %v", err)
			return []string{ReplyUnavailable}
		}
		return []string{summary}
	}

	if rest, ok := strings.CutPrefix(text, "廣播"); ok {
		metrics.WebhookEvents.WithLabelValues("broadcast").Inc()
		return h.broadcast(ctx, sender, strings.TrimSpace(rest))
	}

	for _, sc := range settingCommands {
		rest, ok := strings.CutPrefix(text, sc.prefix)
		if !ok {
			continue
		}
		metrics.WebhookEvents.WithLabelValues("setting").Inc()
		if value := strings.TrimSpace(rest); value != "" {
			return h.applySetting(ctx, sender, sc.settingCommand, value)
		}
		return h.startSetting(ctx, sender, sc.settingCommand)
	}

	if sc, ok := h.pendingFor(sender); ok {
		metrics.WebhookEvents.WithLabelValues("setting_value").Inc()
		return h.applySetting(ctx, sender, sc, text)
	}

	metrics.WebhookEvents.WithLabelValues("ignored").Inc()
	return nil
}

const helpText = `可用指令：
即時查詢 - 查看各測站最新 PM10 數值
24小時記錄 - 24 小時內超標記錄與下載連結
設定閾值 [數值] - 修改 PM10 警戒值
設定警報間隔 [分鐘] - 修改警報最短間隔
設定抓取間隔 [分鐘] - 修改抓取頻率
廣播 <內容> - 發送訊息給所有使用者
額度 - 查看本月訊息額度
取消 - 放棄進行中的設定`

func (h *Handler) current(ctx context.Context) []string {
	if err := h.refresher.Refresh(ctx); err != nil {
		log.Printf("bot: refresh: %v", err)
	}
	stations, err := h.store.GetActiveStations(ctx)
	if err != nil {
		log.Printf("bot: load stations: %v", err)
		return []string{ReplyUnavailable}
	}
	latest, err := h.store.LatestValues(ctx)
	if err != nil {
		log.Printf("bot: latest values: %v", err)
		return []string{ReplyUnavailable}
	}
	if len(latest) == 0 {
		return []string{ReplyUnavailable}
	}

	var b strings.Builder
	b.WriteString("即時 PM10 數據：")
	for _, st := range stations {
		v, ok := latest[st.ID]
		if !ok {
			fmt.Fprintf(&b, "\n%s: 無法取得數據", st.Name)
			continue
		}
		fmt.Fprintf(&b, "\n%s: %s μg/m³ (%s)", st.Name, alerting.FormatValue(v.Value), v.Time.In(h.loc).Format("01/02 15:04"))
	}
	return []string{b.String()}
}

func (h *Handler) report(ctx context.Context) []string {
	if err := h.refresher.Refresh(ctx); err != nil {
		log.Printf("bot: refresh: %v", err)
	}
	s, err := h.settings.Get(ctx)
	if err != nil {
		log.Printf("bot: load settings: %v", err)
		return []string{ReplyUnavailable}
	}
	stations, err := h.store.GetActiveStations(ctx)
	if err != nil {
		log.Printf("bot: load stations: %v", err)
		return []string{ReplyUnavailable}
	}
	now := h.now().In(h.loc)
	records, err := h.store.GetRecords(ctx, now.Add(-report.Window), now)
	if err != nil {
		log.Printf("bot: load records: %v", err)
		return []string{ReplyUnavailable}
	}

	r := report.Build(now, records, stations, s.PM10Threshold)
	replies := []string{r.Reply(report.ReplyLimit)}
	if _, err := h.publisher.Publish(ctx, r); err != nil {
		log.Printf("bot: publish report: %v", err)
		return append(replies, "記錄檔案產生失敗，請稍後再試。")
	}
	link := h.downloadURL + "/download/" + report.FileName
	return append(replies, "24小時內的記錄已生成，請點擊下方鏈接下載：\n"+link)
}

func (h *Handler) broadcast(ctx context.Context, sender, text string) []string {
	if text == "" {
		return []string{"請在「廣播」後輸入要發送的內容。"}
	}

	who := sender
	if p, err := h.messenger.Profile(ctx, sender); err == nil && p.DisplayName != "" {
		who = p.DisplayName
	}
	log.Printf("bot: broadcast requested by %s", who)

	err := h.messenger.Broadcast(ctx, text)
	n := store.Notification{Kind: "broadcast", Category: "manual", Text: text, Success: err == nil}
	if err != nil {
		n.Error = err.Error()
	}
	if _, lerr := h.store.LogNotification(ctx, n); lerr != nil {
		log.Printf("bot: log broadcast: %v", lerr)
	}
	if err != nil {
		log.Printf("bot: broadcast: %v", err)
		return []string{"廣播發送失敗，請稍後再試。"}
	}
	return []string{"廣播訊息已發送給所有使用者。"}
}

func (h *Handler) startSetting(ctx context.Context, sender string, sc settingCommand) []string {
	current, err := h.currentValue(ctx, sc.key)
	if err != nil {
		log.Printf("bot: load settings: %v", err)
		return []string{ReplyUnavailable}
	}
	h.mu.Lock()
	h.pending[sender] = pending{key: sc.key, expires: h.now().Add(pendingTTL)}
	h.mu.Unlock()
	return []string{sc.prompt(current) + "\n（輸入「取消」可放棄設定）"}
}

func (h *Handler) applySetting(ctx context.Context, sender string, sc settingCommand, value string) []string {
	err := h.settings.Set(ctx, sc.key, value)
	switch {
	case errors.Is(err, settings.ErrInvalidValue):
		return []string{"數值無效，請輸入大於 0 的數字，或輸入「取消」放棄設定。"}
	case err != nil:
		log.Printf("bot: set %s: %v", sc.key, err)
		return []string{ReplyUnavailable}
	}
	h.clearPending(sender)
	log.Printf("bot: %s set %s = %s", sender, sc.key, value)
	return []string{sc.done(value)}
}

func (h *Handler) currentValue(ctx context.Context, key string) (string, error) {
	s, err := h.settings.Get(ctx)
	if err != nil {
		return "", err
	}
	switch key {
	case settings.KeyPM10Threshold:
		return alerting.FormatValue(s.PM10Threshold), nil
	case settings.KeyAlertInterval:
		return fmt.Sprint(s.AlertIntervalMinutes), nil
	default:
		return fmt.Sprint(s.ScrapeIntervalMinutes), nil
	}
}

func (h *Handler) pendingFor(sender string) (settingCommand, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pending[sender]
	if !ok {
		return settingCommand{}, false
	}
	if h.now().After(p.expires) {
		delete(h.pending, sender)
		return settingCommand{}, false
	}
	for _, sc := range settingCommands {
		if sc.key == p.key {
			return sc.settingCommand, true
		}
	}
	return settingCommand{}, false
}

func (h *Handler) clearPending(sender string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pending[sender]
	delete(h.pending, sender)
	return ok
}

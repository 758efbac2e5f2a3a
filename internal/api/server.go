package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/dustwatch/internal/htmlutil"
	"github.com/lox/dustwatch/internal/line"
	"github.com/lox/dustwatch/internal/report"
	"github.com/lox/dustwatch/internal/store"
)

const maxWebhookBody = 1 << 20

// EventHandler processes chat events after the webhook has been
// acknowledged. *bot.Handler implements it.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev line.Event)
}

type Server struct {
	store         *store.Store
	events        EventHandler
	publisher     *report.Publisher
	channelSecret string
	port          string
	loc           *time.Location
	staleAfter    time.Duration
	nextRun       func() time.Time

	// Events outlive the webhook request; they run under the server context
	// and are drained on shutdown.
	baseCtx context.Context
	wg      sync.WaitGroup
}

func NewServer(st *store.Store, events EventHandler, pub *report.Publisher, channelSecret, port string, loc *time.Location) *Server {
	return &Server{
		store:         st,
		events:        events,
		publisher:     pub,
		channelSecret: channelSecret,
		port:          port,
		loc:           loc,
		staleAfter:    2 * time.Hour,
		baseCtx:       context.Background(),
	}
}

// SetSchedule lets /health report when the next scrape is due.
func (s *Server) SetSchedule(nextRun func() time.Time) {
	s.nextRun = nextRun
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /download/{file}", s.handleDownload)
	mux.HandleFunc("GET /download", s.handleDownload)
	mux.HandleFunc("POST /ping", s.handlePing)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx
	server := &http.Server{
		Addr:    ":" + s.port,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	err := server.ListenAndServe()
	s.wg.Wait()
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Wait blocks until every accepted webhook event has been processed.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if !line.VerifySignature(s.channelSecret, body, r.Header.Get(line.SignatureHeader)) {
		log.Printf("webhook: rejected request with bad signature from %s", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	req, err := line.ParseWebhook(body)
	if err != nil {
		log.Printf("webhook: %v", err)
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)

	if len(req.Events) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, ev := range req.Events {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseCtx), 2*time.Minute)
			s.events.HandleEvent(ctx, ev)
			cancel()
		}
	}()
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("file")
	if name == "" {
		name = r.URL.Query().Get("file")
	}
	path, err := s.publisher.Path(name)
	if err != nil {
		http.Error(w, "invalid file name", http.StatusBadRequest)
		return
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		http.Error(w, "文件不存在", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("download: open %s: %v", name, err)
		http.Error(w, "文件下載失敗", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "文件下載失敗", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "pong"})
}

type HealthStatus struct {
	Status       string          `json:"status"`
	NextScrape   *time.Time      `json:"next_scrape,omitempty"`
	Stations     []StationHealth `json:"stations"`
	RecentErrors []string        `json:"recent_errors,omitempty"`
	Errors       []string        `json:"errors,omitempty"`
}

type StationHealth struct {
	StationID  string     `json:"station_id"`
	Name       string     `json:"name"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
	AgeMinutes int        `json:"age_minutes"`
	Stale      bool       `json:"stale"`
	LastPage   string     `json:"last_page,omitempty"`
}

const lastPageLimit = 200

// lastPage returns the start of the newest archived response for a station,
// as text, so a stale station shows what the source last sent.
func (s *Server) lastPage(ctx context.Context, stationID string) string {
	id, err := s.store.LatestRawPayloadID(ctx, stationID)
	if err != nil || id == 0 {
		return ""
	}
	raw, err := s.store.GetRawPayload(ctx, id)
	if err != nil {
		log.Printf("health: raw payload %d: %v", id, err)
		return ""
	}
	text := []rune(strings.TrimSpace(htmlutil.ToText(string(raw))))
	if len(text) > lastPageLimit {
		text = text[:lastPageLimit]
	}
	return string(text)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	w.Header().Set("Content-Type", "application/json")

	stations, err := s.store.GetActiveStations(ctx)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
		return
	}

	health := HealthStatus{
		Status:   "ok",
		Stations: make([]StationHealth, 0, len(stations)),
	}
	now := time.Now()

	for _, st := range stations {
		h, err := s.store.GetStationHealth(ctx, st.ID)
		if err != nil {
			health.Errors = append(health.Errors, st.ID+": "+err.Error())
			continue
		}
		sh := StationHealth{StationID: st.ID, Name: st.Name, AgeMinutes: -1, Stale: true}
		if h.LastSuccess != nil {
			seen := h.LastSuccess.In(s.loc)
			sh.LastSeen = &seen
			sh.AgeMinutes = int(now.Sub(seen).Minutes())
			sh.Stale = now.Sub(seen) > s.staleAfter
		}
		if sh.Stale {
			health.Status = "degraded"
			sh.LastPage = s.lastPage(ctx, st.ID)
		}
		health.Stations = append(health.Stations, sh)
	}

	if runs, err := s.store.GetRecentIngestErrors(ctx, 5); err == nil {
		for _, run := range runs {
			health.RecentErrors = append(health.RecentErrors,
				run.StartedAt.In(s.loc).Format("01/02 15:04")+" "+run.StationID+": "+run.ErrorMessage.String)
		}
	}

	if s.nextRun != nil {
		if next := s.nextRun(); !next.IsZero() {
			next = next.In(s.loc)
			health.NextScrape = &next
		}
	}

	if len(health.Errors) > 0 {
		health.Status = "error"
	}
	if health.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("health: write response: %v", err)
	}
}

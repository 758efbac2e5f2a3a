package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/lox/dustwatch/internal/alerting"
	"github.com/lox/dustwatch/internal/api"
	"github.com/lox/dustwatch/internal/bot"
	"github.com/lox/dustwatch/internal/ingest"
	"github.com/lox/dustwatch/internal/line"
	"github.com/lox/dustwatch/internal/models"
	"github.com/lox/dustwatch/internal/report"
	"github.com/lox/dustwatch/internal/settings"
	"github.com/lox/dustwatch/internal/store"
)

var defaultStations = []models.Station{
	{ID: "184", Name: "理虹(184)", Source: models.SourcePortal, SourceRef: "3100184", Active: true},
	{ID: "185", Name: "理虹(185)", Source: models.SourcePortal, SourceRef: "3100185", Active: true},
	{ID: "dacheng", Name: "大城", Source: models.SourceMOENV, SourceRef: "大城", Hourly: true, Active: true},
}

type Globals struct {
	DB       string `help:"Path to SQLite database." default:"data/dustwatch.db" env:"DUSTWATCH_DB"`
	Timezone string `help:"Local timezone for schedules and messages." default:"Asia/Taipei" env:"TZ_NAME"`

	LineToken  string `help:"LINE channel access token." env:"LINE_CHANNEL_ACCESS_TOKEN"`
	LineSecret string `help:"LINE channel secret for webhook signatures." env:"LINE_CHANNEL_SECRET"`

	PortalURL      string `help:"Sensor portal base URL." default:"${portal_url}" env:"PORTAL_URL"`
	PortalProject  string `help:"Sensor portal project code." default:"${portal_project}" env:"PORTAL_PROJECT"`
	PortalAccount  string `help:"Default portal account, used until changed in settings." env:"PORTAL_ACCOUNT"`
	PortalPassword string `help:"Default portal password." env:"PORTAL_PASSWORD"`
	MOENVURL       string `name:"moenv-url" help:"Open data air quality endpoint." default:"${moenv_url}" env:"MOENV_URL"`
	MOENVKey       string `name:"moenv-key" help:"Open data API key." env:"MOENV_API_KEY"`

	FetchTimeout    time.Duration `help:"Per-station fetch timeout." default:"45s" env:"FETCH_TIMEOUT"`
	AlertWindow     string        `help:"Local hours when threshold alerts may fire (e.g. 08:00-17:00, or 'always')." default:"08:00-17:00" env:"ALERT_WINDOW"`
	OutageWindow    string        `help:"Local hours when outage alerts may fire." default:"always" env:"OUTAGE_WINDOW"`
	OutageThreshold time.Duration `help:"Silence before a station is reported as down." default:"12h" env:"OUTAGE_THRESHOLD"`
	Strict          bool          `help:"Alert only when readings are strictly above the threshold." env:"ALERT_STRICT"`
	UpdatePolicy    string        `help:"What to do when a fetched value differs from a stored one." enum:"fill-missing,overwrite" default:"fill-missing" env:"UPDATE_POLICY"`
	ForwardFillAll  bool          `help:"Forward-fill gaps for every station, not only hourly ones." env:"FORWARD_FILL_ALL"`
	QuotaFooter     bool          `help:"Append the monthly message quota to alerts." env:"QUOTA_FOOTER"`

	ReportsDir  string        `help:"Directory the downloadable report is written to." default:"records" env:"REPORTS_DIR"`
	DownloadURL string        `help:"Public base URL used in report download links." default:"http://localhost:8080" env:"DOWNLOAD_URL"`
	FTPAddr     string        `name:"ftp-addr" help:"Optional FTP server (host:port) that archives each report." env:"FTP_ADDR"`
	FTPUser     string        `name:"ftp-user" help:"FTP user." env:"FTP_USER"`
	FTPPassword string        `name:"ftp-password" help:"FTP password." env:"FTP_PASSWORD"`
	FTPDir      string        `name:"ftp-dir" help:"FTP directory for archived reports." env:"FTP_DIR"`
	FTPTimeout  time.Duration `name:"ftp-timeout" help:"FTP connect timeout." default:"30s" env:"FTP_TIMEOUT"`
}

type CLI struct {
	Globals

	Serve  ServeCmd  `cmd:"" default:"withargs" help:"Run the scheduler and the webhook server."`
	Once   OnceCmd   `cmd:"" help:"Run a single fetch cycle and exit."`
	Prune  PruneCmd  `cmd:"" help:"Delete expired records and audit rows, then exit."`
	Report ReportCmd `cmd:"" help:"Write the 24-hour report file and print its summary."`
}

type ServeCmd struct {
	Port    string `help:"HTTP server port." default:"8080" env:"PORT"`
	NoPoll  bool   `help:"Disable the scheduler (webhook server only, for local dev)."`
	PingURL string `help:"URL to POST a keep-alive ping to every five minutes." env:"PING_URL"`
}

type OnceCmd struct{}

type PruneCmd struct{}

type ReportCmd struct{}

// app holds everything the commands share.
type app struct {
	db        *sql.DB
	loc       *time.Location
	store     *store.Store
	settings  *settings.Provider
	line      *line.Client
	cycle     *ingest.Cycle
	publisher *report.Publisher
}

func (g *Globals) open(ctx context.Context) (*app, error) {
	loc, err := time.LoadLocation(g.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", g.Timezone, err)
	}

	db, err := store.Open(g.DB)
	if err != nil {
		return nil, err
	}
	st := store.New(db, loc)
	if err := st.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if version, err := st.MigrationVersion(ctx); err == nil {
		log.Printf("database migrated (schema version %d)", version)
	}

	for i, station := range defaultStations {
		if station.Source == models.SourceMOENV && g.MOENVKey == "" {
			station.Active = false
		}
		if err := st.UpsertStation(ctx, station, i); err != nil {
			db.Close()
			return nil, fmt.Errorf("upsert station %s: %w", station.ID, err)
		}
	}
	log.Println("stations seeded")

	alertWindow, err := alerting.ParseWindow(g.AlertWindow)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("alert window: %w", err)
	}
	outageWindow, err := alerting.ParseWindow(g.OutageWindow)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("outage window: %w", err)
	}
	policy, err := store.ParseUpdatePolicy(g.UpdatePolicy)
	if err != nil {
		db.Close()
		return nil, err
	}

	defaults := settings.DefaultValues()
	defaults.PortalAccount = g.PortalAccount
	defaults.PortalPassword = g.PortalPassword
	prov := settings.New(st, defaults)

	creds := func(ctx context.Context) (string, string, error) {
		s, err := prov.Get(ctx)
		if err != nil {
			return "", "", err
		}
		return s.PortalAccount, s.PortalPassword, nil
	}
	reader := ingest.MultiReader{
		models.SourcePortal: ingest.NewPortalReader(g.PortalURL, g.PortalProject, g.FetchTimeout, creds, loc),
		models.SourceMOENV:  ingest.NewMOENVReader(g.MOENVURL, g.MOENVKey, loc),
	}

	lineClient := line.NewClient(g.LineToken)

	cfg := ingest.DefaultCycleConfig()
	cfg.Policy = policy
	cfg.FetchTimeout = g.FetchTimeout
	cfg.Merge = ingest.MergeOptions{ForwardFillAll: g.ForwardFillAll}
	cfg.QuotaFooter = g.QuotaFooter

	cycle := ingest.NewCycle(st, prov, reader, lineClient,
		alerting.NewThresholdEvaluator(alertWindow, g.Strict, loc),
		alerting.NewOutageEvaluator(g.OutageThreshold, outageWindow, loc),
		cfg, loc)

	publisher := report.NewPublisher(g.ReportsDir, report.FTPConfig{
		Addr:     g.FTPAddr,
		User:     g.FTPUser,
		Password: g.FTPPassword,
		Dir:      g.FTPDir,
		Timeout:  g.FTPTimeout,
	})

	return &app{
		db:        db,
		loc:       loc,
		store:     st,
		settings:  prov,
		line:      lineClient,
		cycle:     cycle,
		publisher: publisher,
	}, nil
}

func (c *ServeCmd) Run(g *Globals) error {
	if g.LineToken == "" || g.LineSecret == "" {
		return fmt.Errorf("LINE_CHANNEL_ACCESS_TOKEN and LINE_CHANNEL_SECRET are required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.db.Close()

	handler := bot.New(a.line, a.cycle, a.store, a.settings, a.publisher, g.DownloadURL, a.loc)
	server := api.NewServer(a.store, handler, a.publisher, g.LineSecret, c.Port, a.loc)

	if !c.NoPoll {
		scheduler := ingest.NewScheduler(a.cycle, a.store, a.settings, a.loc)
		if c.PingURL != "" {
			scheduler.SetKeepAlive(c.PingURL)
		}
		server.SetSchedule(scheduler.NextRun)
		go scheduler.Run(ctx)
	} else {
		log.Println("polling disabled (--no-poll)")
	}

	log.Printf("starting server on :%s", c.Port)
	return server.Run(ctx)
}

func (c *OnceCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.db.Close()

	log.Println("running single cycle")
	res, err := a.cycle.Run(ctx, ingest.TriggerOnce)
	if err != nil {
		return err
	}
	log.Printf("done: %d/%d stations, %d records, %d alerts", res.Succeeded, res.Stations, res.Records, res.Alerts)
	return nil
}

func (c *PruneCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.db.Close()

	now := time.Now()
	n, err := a.cycle.Prune(ctx, now)
	if err != nil {
		return fmt.Errorf("prune records: %w", err)
	}
	runs, err := a.store.CleanupIngestRuns(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		return fmt.Errorf("cleanup ingest runs: %w", err)
	}
	payloads, err := a.store.CleanupRawPayloads(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		return fmt.Errorf("cleanup raw payloads: %w", err)
	}
	log.Printf("pruned %d records, %d ingest runs, %d raw payloads", n, runs, payloads)
	return nil
}

func (c *ReportCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.db.Close()

	s, err := a.settings.Get(ctx)
	if err != nil {
		return err
	}
	stations, err := a.store.GetActiveStations(ctx)
	if err != nil {
		return err
	}
	now := time.Now().In(a.loc)
	records, err := a.store.GetRecords(ctx, now.Add(-report.Window), now)
	if err != nil {
		return err
	}
	r := report.Build(now, records, stations, s.PM10Threshold)
	path, err := a.publisher.Publish(ctx, r)
	if err != nil {
		return err
	}
	fmt.Println(r.Summary)
	log.Printf("report written to %s", path)
	return nil
}

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("loaded .env")
	}

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("dustwatch"),
		kong.Description("PM10 monitor: scrapes station readings, alerts a LINE channel and answers chat commands."),
		kong.UsageOnError(),
		kong.Vars{
			"portal_url":     ingest.DefaultPortalURL,
			"portal_project": ingest.DefaultPortalProject,
			"moenv_url":      ingest.DefaultMOENVURL,
		},
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}

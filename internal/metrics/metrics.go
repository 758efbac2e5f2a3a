package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dustwatch_station_fetches_total",
			Help: "Total station fetch attempts by outcome",
		},
		[]string{"station", "source", "status"},
	)

	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dustwatch_station_fetch_latency_seconds",
			Help:    "Station fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"station", "source"},
	)

	PortalLogins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dustwatch_portal_logins_total",
			Help: "Portal login attempts by outcome",
		},
		[]string{"status"},
	)

	ValuesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dustwatch_values_written_total",
			Help: "Station values inserted or updated in stored records",
		},
		[]string{"trigger"},
	)

	LatestPM10 = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dustwatch_latest_pm10",
			Help: "Most recent PM10 reading per station in µg/m³",
		},
		[]string{"station"},
	)

	StationState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dustwatch_station_state",
			Help: "Station liveness: 0 healthy, 1 failing, 2 outage alerted",
		},
		[]string{"station"},
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dustwatch_alerts_total",
			Help: "Alerts by category and delivery outcome",
		},
		[]string{"category", "status"},
	)

	LineAPICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dustwatch_line_api_calls_total",
			Help: "LINE Messaging API calls by endpoint and HTTP status",
		},
		[]string{"endpoint", "status"},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dustwatch_webhook_events_total",
			Help: "Webhook events received by command",
		},
		[]string{"command"},
	)

	RecordsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dustwatch_records_pruned_total",
			Help: "Records deleted by retention pruning",
		},
	)
)

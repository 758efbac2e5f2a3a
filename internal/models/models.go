package models

import (
	"sort"
	"time"
)

const (
	SourcePortal = "portal" // industrial sensor portal, readings every few minutes
	SourceMOENV  = "moenv"  // national air quality open data, hourly
)

type Station struct {
	ID        string
	Name      string // display name used in chat messages, e.g. "理虹(184)"
	Source    string
	SourceRef string // portal station code or open-data site name
	Hourly    bool   // reports hourly; gaps are forward-filled when merging
	Active    bool
}

// Sample is one reading from one station. Value is nil when the source had no
// usable number for that instant.
type Sample struct {
	StationID string
	Time      time.Time
	Value     *float64
}

// Reading is a single station value inside a Record. Filled marks values
// carried forward from an earlier sample rather than read at this instant.
type Reading struct {
	Value  float64
	Filled bool
}

// Record is the merged observation for one instant across all stations.
// A station missing from Values is unknown, not zero.
type Record struct {
	Time   time.Time
	Values map[string]Reading
}

func (r Record) Value(stationID string) (float64, bool) {
	v, ok := r.Values[stationID]
	return v.Value, ok
}

// SortRecords orders records by time ascending.
func SortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].Time.Before(records[j].Time) })
}

type OperationalSettings struct {
	ScrapeIntervalMinutes int
	PM10Threshold         float64
	AlertIntervalMinutes  int
	PortalAccount         string
	PortalPassword        string
}

func (s OperationalSettings) ScrapeInterval() time.Duration {
	return time.Duration(s.ScrapeIntervalMinutes) * time.Minute
}

func (s OperationalSettings) AlertInterval() time.Duration {
	return time.Duration(s.AlertIntervalMinutes) * time.Minute
}

// StationHealth tracks when a station last produced data.
type StationHealth struct {
	StationID    string
	LastSuccess  *time.Time
	FirstFailure *time.Time
}

// Observe applies the outcome of one fetch attempt. FirstFailure is only set
// while the station has never succeeded, and any success clears it.
func (h *StationHealth) Observe(now time.Time, ok bool) {
	if ok {
		t := now
		h.LastSuccess = &t
		h.FirstFailure = nil
		return
	}
	if h.LastSuccess == nil && h.FirstFailure == nil {
		t := now
		h.FirstFailure = &t
	}
}

// SilentSince returns the instant the station was last known to be alive.
// ok is false for stations that have neither succeeded nor failed yet.
func (h StationHealth) SilentSince() (time.Time, bool) {
	if h.LastSuccess != nil {
		return *h.LastSuccess, true
	}
	if h.FirstFailure != nil {
		return *h.FirstFailure, true
	}
	return time.Time{}, false
}

const (
	CategoryThreshold = "threshold"
	CategoryOutage    = "outage"
)

// AlertState remembers when each alert category last fired successfully.
type AlertState struct {
	LastThreshold *time.Time
	LastOutage    map[string]time.Time
}

func NewAlertState() *AlertState {
	return &AlertState{LastOutage: make(map[string]time.Time)}
}

// Alert is a message ready to broadcast, tagged with the category it counts
// against for rate limiting.
type Alert struct {
	Category  string
	StationID string // set for outage alerts
	FiredAt   time.Time
	Text      string
}

// Commit records a delivered alert so later evaluations are rate limited.
func (s *AlertState) Commit(a *Alert) {
	if a == nil {
		return
	}
	switch a.Category {
	case CategoryThreshold:
		t := a.FiredAt
		s.LastThreshold = &t
	case CategoryOutage:
		if s.LastOutage == nil {
			s.LastOutage = make(map[string]time.Time)
		}
		s.LastOutage[a.StationID] = a.FiredAt
	}
}

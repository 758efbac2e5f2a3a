package alerting

import (
	"fmt"
	"time"

	"github.com/lox/dustwatch/internal/models"
)

const DefaultMissingDataThreshold = 12 * time.Hour

// OutageState is where a station sits in the outage lifecycle.
type OutageState int

const (
	Unknown OutageState = iota
	Healthy
	Failing
	AlertedOutage
)

func (s OutageState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Failing:
		return "failing"
	case AlertedOutage:
		return "outage"
	}
	return "unknown"
}

type OutageEvaluator struct {
	Threshold time.Duration
	Window    Window
	Loc       *time.Location
}

func NewOutageEvaluator(threshold time.Duration, window Window, loc *time.Location) *OutageEvaluator {
	if threshold <= 0 {
		threshold = DefaultMissingDataThreshold
	}
	return &OutageEvaluator{Threshold: threshold, Window: window, Loc: loc}
}

// Classify reports the station's state at now.
func (e *OutageEvaluator) Classify(now time.Time, h models.StationHealth, state *models.AlertState) OutageState {
	ref, ok := h.SilentSince()
	if !ok {
		return Unknown
	}
	if now.Sub(ref) <= e.Threshold {
		if h.LastSuccess == nil {
			return Failing
		}
		return Healthy
	}
	if state != nil {
		if last, ok := state.LastOutage[h.StationID]; ok && last.After(ref) {
			return AlertedOutage
		}
	}
	return Failing
}

// Check returns an outage alert for the station, or nil. The silence
// reference is the last success, else the first failure; stations with
// neither are not evaluated. Each station is rate limited on its own by the
// same duration as the silence threshold.
func (e *OutageEvaluator) Check(now time.Time, station models.Station, h models.StationHealth, state *models.AlertState) *models.Alert {
	loc := e.Loc
	if loc == nil {
		loc = time.Local
	}
	if !e.Window.Contains(now.In(loc)) {
		return nil
	}

	ref, ok := h.SilentSince()
	if !ok {
		return nil
	}
	silent := now.Sub(ref)
	if silent <= e.Threshold {
		return nil
	}
	if state != nil {
		if last, ok := state.LastOutage[station.ID]; ok && now.Sub(last) <= e.Threshold {
			return nil
		}
	}

	var text string
	if h.LastSuccess != nil {
		text = fmt.Sprintf("⚠️ %s 已超過 %s 沒有取得 PM10 數據（最後成功：%s），請檢查測站或網站狀態。",
			station.Name, formatSpan(silent), h.LastSuccess.In(loc).Format("01/02 15:04"))
	} else {
		text = fmt.Sprintf("⚠️ %s 自 %s 起一直無法取得 PM10 數據，請檢查測站或網站狀態。",
			station.Name, ref.In(loc).Format("01/02 15:04"))
	}

	return &models.Alert{
		Category:  models.CategoryOutage,
		StationID: station.ID,
		FiredAt:   now,
		Text:      text,
	}
}

func formatSpan(d time.Duration) string {
	h := int(d.Hours())
	if h >= 1 {
		return fmt.Sprintf("%d 小時", h)
	}
	return fmt.Sprintf("%d 分鐘", int(d.Minutes()))
}

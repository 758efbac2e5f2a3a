package alerting

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lox/dustwatch/internal/models"
)

const DefaultRemediation = "請立即啟動抑制措施！"

type ThresholdEvaluator struct {
	Window      Window
	Strict      bool // compare with > instead of >=
	Remediation string
	Loc         *time.Location
}

func NewThresholdEvaluator(window Window, strict bool, loc *time.Location) *ThresholdEvaluator {
	return &ThresholdEvaluator{
		Window:      window,
		Strict:      strict,
		Remediation: DefaultRemediation,
		Loc:         loc,
	}
}

// Exceeds reports whether v breaches threshold under the evaluator's rule.
func (e *ThresholdEvaluator) Exceeds(v, threshold float64) bool {
	if e.Strict {
		return v > threshold
	}
	return v >= threshold
}

// Evaluate returns the combined threshold alert for records, or nil when the
// window is closed, the category is still rate limited, or nothing breached.
// Records are scanned in time order and stations in configured order.
func (e *ThresholdEvaluator) Evaluate(now time.Time, records []models.Record, stations []models.Station, s models.OperationalSettings, state *models.AlertState) *models.Alert {
	local := now.In(e.location())
	if !e.Window.Contains(local) {
		return nil
	}
	if state != nil && state.LastThreshold != nil && now.Sub(*state.LastThreshold) < s.AlertInterval() {
		return nil
	}

	sorted := append([]models.Record(nil), records...)
	models.SortRecords(sorted)

	var lines []string
	for _, rec := range sorted {
		for _, st := range stations {
			v, ok := rec.Value(st.ID)
			if !ok || !e.Exceeds(v, s.PM10Threshold) {
				continue
			}
			lines = append(lines, fmt.Sprintf("%s %s PM10 %s μg/m³",
				rec.Time.In(e.location()).Format("01/02 15:04"), st.Name, FormatValue(v)))
		}
	}
	if len(lines) == 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ PM10 濃度已達 %s μg/m³ 警戒值：\n", FormatValue(s.PM10Threshold))
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteString(e.Remediation)

	return &models.Alert{
		Category: models.CategoryThreshold,
		FiredAt:  now,
		Text:     b.String(),
	}
}

func (e *ThresholdEvaluator) location() *time.Location {
	if e.Loc == nil {
		return time.Local
	}
	return e.Loc
}

// FormatValue renders a concentration without trailing zeros.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

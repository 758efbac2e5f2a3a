package ingest

import (
	"math"
	"time"

	"github.com/lox/dustwatch/internal/models"
)

const (
	FlagValueNegative    = "value_negative"
	FlagValueImplausible = "value_implausible"
	FlagTimeInFuture     = "time_in_future"
)

// maxPlausiblePM10 is well above any reading seen during dust storms.
const maxPlausiblePM10 = 5000

func ValidateSample(s models.Sample, now time.Time) []string {
	var flags []string

	if s.Value != nil {
		v := *s.Value
		if v < 0 {
			flags = append(flags, FlagValueNegative)
		}
		if v > maxPlausiblePM10 || math.IsNaN(v) || math.IsInf(v, 0) {
			flags = append(flags, FlagValueImplausible)
		}
	}

	if s.Time.After(now.Add(5 * time.Minute)) {
		flags = append(flags, FlagTimeInFuture)
	}

	return flags
}

// Sanitize clears the value of any sample with a bad reading and drops
// samples stamped in the future. It returns the kept samples and how many of
// them still carry a value.
func Sanitize(samples []models.Sample, now time.Time) ([]models.Sample, int) {
	out := make([]models.Sample, 0, len(samples))
	valid := 0
	for _, s := range samples {
		flags := ValidateSample(s, now)
		if containsFlag(flags, FlagTimeInFuture) {
			continue
		}
		if len(flags) > 0 {
			s.Value = nil
		}
		if s.Value != nil {
			valid++
		}
		out = append(out, s)
	}
	return out, valid
}

func containsFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

package ingest

import (
	"time"

	"github.com/lox/dustwatch/internal/models"
)

type MergeOptions struct {
	// ForwardFillAll fills gaps for every station, not only hourly ones.
	ForwardFillAll bool
}

// Merge combines per-station samples into one record per distinct instant,
// oldest first. Every instant seen in any input appears exactly once, even if
// all of its values are missing. Gaps are forward-filled from the nearest
// earlier value in the same batch for hourly stations (or all stations when
// opts.ForwardFillAll is set); nothing is carried in from outside the batch.
func Merge(perStation map[string][]models.Sample, stations []models.Station, opts MergeOptions) []models.Record {
	byTime := make(map[int64]*models.Record)
	var order []int64

	for stationID, samples := range perStation {
		for _, s := range samples {
			t := s.Time.Truncate(time.Minute)
			key := t.Unix()
			rec, ok := byTime[key]
			if !ok {
				rec = &models.Record{Time: t, Values: make(map[string]models.Reading)}
				byTime[key] = rec
				order = append(order, key)
			}
			if s.Value != nil {
				rec.Values[stationID] = models.Reading{Value: *s.Value}
			}
		}
	}

	records := make([]models.Record, 0, len(order))
	for _, key := range order {
		records = append(records, *byTime[key])
	}
	models.SortRecords(records)

	fill := make(map[string]bool)
	for _, st := range stations {
		if st.Hourly || opts.ForwardFillAll {
			fill[st.ID] = true
		}
	}
	if opts.ForwardFillAll {
		for stationID := range perStation {
			fill[stationID] = true
		}
	}

	for stationID := range fill {
		var last *float64
		for i := range records {
			if r, ok := records[i].Values[stationID]; ok {
				v := r.Value
				last = &v
				continue
			}
			if last != nil {
				records[i].Values[stationID] = models.Reading{Value: *last, Filled: true}
			}
		}
	}

	return records
}

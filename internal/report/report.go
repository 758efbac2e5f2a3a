// Package report builds the rolling 24-hour PM10 record offered for download
// and summarised in chat.
package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lox/dustwatch/internal/models"
)

const (
	Window      = 24 * time.Hour
	Placeholder = "--"
	ReplyLimit  = 300
)

const truncatedSuffix = "...資料過多，請下載完整記錄查看。"

type Exceedance struct {
	Time    time.Time
	Station models.Station
	Value   float64
}

// Extreme is the highest and lowest real reading of one station in the window.
type Extreme struct {
	Station  models.Station
	HasData  bool
	High     float64
	HighTime time.Time
	Low      float64
	LowTime  time.Time
}

type Report struct {
	Generated   time.Time
	Threshold   float64
	Records     int
	Exceedances []Exceedance
	Extremes    []Extreme
	Summary     string
	File        string
}

// Build filters records to [now-24h, now] and renders the summary and the
// download file. Output depends only on the inputs. A reading exceeds the
// threshold when it is at or above it.
func Build(now time.Time, records []models.Record, stations []models.Station, threshold float64) Report {
	loc := now.Location()
	start := now.Add(-Window)

	var window []models.Record
	for _, r := range records {
		if r.Time.Before(start) || r.Time.After(now) {
			continue
		}
		window = append(window, r)
	}
	models.SortRecords(window)

	rep := Report{
		Generated: now,
		Threshold: threshold,
		Records:   len(window),
	}

	extremes := make([]Extreme, len(stations))
	for i, st := range stations {
		extremes[i].Station = st
	}

	var file strings.Builder
	file.WriteString("時間")
	for _, st := range stations {
		file.WriteString("," + st.Name)
	}
	file.WriteByte('\n')

	for _, r := range window {
		file.WriteString(r.Time.In(loc).Format("2006/01/02 15:04"))
		for i, st := range stations {
			reading, ok := r.Values[st.ID]
			if !ok {
				file.WriteString("," + Placeholder)
				continue
			}
			file.WriteString("," + formatValue(reading.Value))
			if reading.Filled {
				continue
			}
			if reading.Value >= threshold {
				rep.Exceedances = append(rep.Exceedances, Exceedance{Time: r.Time, Station: st, Value: reading.Value})
			}
			extremes[i].observe(reading.Value, r.Time)
		}
		file.WriteByte('\n')
	}

	rep.Extremes = extremes
	rep.File = file.String()
	rep.Summary = rep.summary(loc)
	return rep
}

func (e *Extreme) observe(v float64, t time.Time) {
	if !e.HasData {
		e.HasData = true
		e.High, e.HighTime = v, t
		e.Low, e.LowTime = v, t
		return
	}
	if v > e.High {
		e.High, e.HighTime = v, t
	}
	if v < e.Low {
		e.Low, e.LowTime = v, t
	}
}

func (r Report) summary(loc *time.Location) string {
	var b strings.Builder
	th := formatValue(r.Threshold)
	if len(r.Exceedances) == 0 {
		fmt.Fprintf(&b, "24小時內沒有超過 %s μg/m³ 的記錄。\n", th)
	} else {
		fmt.Fprintf(&b, "以下為24小時內超過 %s μg/m³ 的記錄：\n", th)
		for _, e := range r.Exceedances {
			fmt.Fprintf(&b, "%s - %s: %s μg/m³\n", e.Time.In(loc).Format("01/02 15:04"), e.Station.Name, formatValue(e.Value))
		}
	}

	b.WriteByte('\n')
	for _, e := range r.Extremes {
		if !e.HasData {
			fmt.Fprintf(&b, "%s: 無資料\n", e.Station.Name)
			continue
		}
		fmt.Fprintf(&b, "%s 最高值: %s μg/m³ (發生於: %s)\n", e.Station.Name, formatValue(e.High), e.HighTime.In(loc).Format("01/02 15:04"))
		fmt.Fprintf(&b, "%s 最低值: %s μg/m³ (發生於: %s)\n", e.Station.Name, formatValue(e.Low), e.LowTime.In(loc).Format("01/02 15:04"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Reply returns the summary cut to at most max runes of content, pointing the
// reader at the download when anything was dropped.
func (r Report) Reply(max int) string {
	runes := []rune(r.Summary)
	if max <= 0 || len(runes) <= max {
		return r.Summary
	}
	return string(runes[:max]) + truncatedSuffix
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lox/dustwatch/internal/httputil"
	"github.com/lox/dustwatch/internal/models"
)

// DefaultMOENVURL is the national air quality open data endpoint for the
// latest hourly readings of every monitoring site.
const DefaultMOENVURL = "https://data.moenv.gov.tw/api/v2/aqx_p_432"

type MOENVReader struct {
	baseURL string
	apiKey  string
	client  *http.Client
	loc     *time.Location
	retry   retryPolicy
}

func NewMOENVReader(baseURL, apiKey string, loc *time.Location) *MOENVReader {
	return &MOENVReader{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  httputil.NewClient(),
		loc:     loc,
		retry:   defaultRetry,
	}
}

type moenvResponse struct {
	Records []moenvRecord `json:"records"`
}

type moenvRecord struct {
	SiteName    string `json:"sitename"`
	PM10        string `json:"pm10"`
	PublishTime string `json:"publishtime"`
}

var moenvTimeLayouts = []string{
	"2006/01/02 15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04",
	"2006-01-02 15:04",
}

func (m *MOENVReader) Fetch(ctx context.Context, station models.Station, start, end time.Time) ([]models.Sample, []byte, error) {
	q := url.Values{}
	q.Set("format", "json")
	q.Set("limit", "1000")
	q.Set("filters", "sitename,EQ,"+station.SourceRef)
	if m.apiKey != "" {
		q.Set("api_key", m.apiKey)
	}
	u := m.baseURL + "?" + q.Encode()

	body, _, err := fetch(ctx, m.client, m.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %s: %w", station.SourceRef, err)
	}

	samples, err := m.parse(body, station, start, end)
	return samples, body, err
}

func (m *MOENVReader) parse(body []byte, station models.Station, start, end time.Time) ([]models.Sample, error) {
	var data moenvResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	var (
		samples []models.Sample
		valid   int
	)
	for _, r := range data.Records {
		if strings.TrimSpace(r.SiteName) != station.SourceRef {
			continue
		}
		t, ok := m.parseTime(r.PublishTime)
		if !ok {
			continue
		}
		if t.Before(start) || t.After(end) {
			continue
		}
		s := models.Sample{StationID: station.ID, Time: t}
		// Sites report "", "-", "ND" or "x" for maintenance and missing hours.
		if v, ok := parseNumber(r.PM10); ok && !strings.ContainsAny(r.PM10, "xX") {
			s.Value = &v
			valid++
		}
		samples = append(samples, s)
	}

	if valid == 0 {
		return samples, fmt.Errorf("site %s: %w", station.SourceRef, ErrNoData)
	}
	return samples, nil
}

func (m *MOENVReader) parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range moenvTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, m.loc); err == nil {
			return t.Truncate(time.Minute), true
		}
	}
	return time.Time{}, false
}

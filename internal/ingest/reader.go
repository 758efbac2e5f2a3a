package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lox/dustwatch/internal/httputil"
	"github.com/lox/dustwatch/internal/models"
)

// ErrNoData is returned when a source answered but had no usable reading.
// It still counts as a failed fetch for station health.
var ErrNoData = errors.New("no data")

// Reader fetches samples for one station within [start, end]. The raw body is
// returned alongside the samples so it can be archived, even on parse failure.
type Reader interface {
	Fetch(ctx context.Context, station models.Station, start, end time.Time) ([]models.Sample, []byte, error)
}

// MultiReader dispatches to a Reader by station source.
type MultiReader map[string]Reader

func (m MultiReader) Fetch(ctx context.Context, station models.Station, start, end time.Time) ([]models.Sample, []byte, error) {
	r, ok := m[station.Source]
	if !ok {
		return nil, nil, fmt.Errorf("no reader for source %q", station.Source)
	}
	return r.Fetch(ctx, station, start, end)
}

type retryPolicy struct {
	initial    time.Duration
	maxElapsed time.Duration
}

var defaultRetry = retryPolicy{initial: 500 * time.Millisecond, maxElapsed: 20 * time.Second}

// fetch performs one request with retries on 429/5xx and transport errors.
// newReq is called per attempt so request bodies can be replayed.
func fetch(ctx context.Context, client *http.Client, policy retryPolicy, newReq func() (*http.Request, error)) ([]byte, *url.URL, error) {
	var (
		body  []byte
		final *url.URL
	)
	operation := func() error {
		req, err := newReq()
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", httputil.UserAgent)

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("request %s: %w", req.URL.Path, err)
		}
		defer resp.Body.Close()

		if httputil.Retryable(resp.StatusCode) {
			return fmt.Errorf("%s: status %d", req.URL.Path, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("%s: status %d: %s", req.URL.Path, resp.StatusCode, string(b)))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read body: %w", err))
		}
		final = resp.Request.URL
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.initial
	bo.MaxElapsedTime = policy.maxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, nil, err
	}
	return body, final, nil
}

var numberRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// parseNumber extracts the first number from s, ignoring units and spacing.
func parseNumber(s string) (float64, bool) {
	m := numberRe.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

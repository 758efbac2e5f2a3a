package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/lox/dustwatch/internal/htmlutil"
	"github.com/lox/dustwatch/internal/httputil"
	"github.com/lox/dustwatch/internal/metrics"
	"github.com/lox/dustwatch/internal/models"
)

const (
	DefaultPortalURL     = "https://www.jsene.com/juno"
	DefaultPortalProject = "200209"
)

var ErrLoginFailed = errors.New("portal login failed")

// Credentials supplies the portal account at fetch time so that changes made
// through settings apply without a restart.
type Credentials func(ctx context.Context) (account, password string, err error)

// PortalReader reads the current PM10 value of a station from the sensor
// vendor's web portal. The portal is a form-postback site: a login form with
// hidden state fields, then a station page that embeds the readings in an
// iframe.
type PortalReader struct {
	baseURL string
	project string
	client  *http.Client
	creds   Credentials
	loc     *time.Location
	now     func() time.Time
	retry   retryPolicy

	// One session is shared by every station, so fetches are serialised.
	// sem is held for the whole fetch and guards the session fields.
	sem      chan struct{}
	loggedIn bool
	account  string
}

func NewPortalReader(baseURL, project string, timeout time.Duration, creds Credentials, loc *time.Location) *PortalReader {
	return &PortalReader{
		baseURL: strings.TrimRight(baseURL, "/"),
		project: project,
		client:  httputil.NewSessionClient(timeout),
		creds:   creds,
		loc:     loc,
		now:     time.Now,
		retry:   defaultRetry,
		sem:     make(chan struct{}, 1),
	}
}

func (p *PortalReader) Fetch(ctx context.Context, station models.Station, start, end time.Time) ([]models.Sample, []byte, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("waiting for portal session: %w", ctx.Err())
	}
	defer func() { <-p.sem }()

	if err := p.login(ctx, false); err != nil {
		return nil, nil, err
	}

	body, expired, err := p.stationPage(ctx, station)
	if err == nil && expired {
		log.Printf("portal: session expired, logging in again")
		if err := p.login(ctx, true); err != nil {
			return nil, nil, err
		}
		body, expired, err = p.stationPage(ctx, station)
	}
	if err != nil {
		return nil, body, err
	}
	if expired {
		p.loggedIn = false
		return nil, body, fmt.Errorf("%w: still on login page after re-login", ErrLoginFailed)
	}

	value, err := ParsePortalPM10(body)
	if err != nil {
		return nil, body, fmt.Errorf("station %s: %w", station.ID, err)
	}

	t := p.now().In(p.loc).Truncate(time.Minute)
	return []models.Sample{{StationID: station.ID, Time: t, Value: &value}}, body, nil
}

func (p *PortalReader) login(ctx context.Context, force bool) error {
	account, password, err := p.creds(ctx)
	if err != nil {
		return fmt.Errorf("portal credentials: %w", err)
	}
	if account == "" || password == "" {
		return fmt.Errorf("%w: no account configured", ErrLoginFailed)
	}
	if p.loggedIn && !force && account == p.account {
		return nil
	}
	p.loggedIn = false

	loginURL := p.baseURL + "/Login.aspx"
	page, final, err := fetch(ctx, p.client, p.retry, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, loginURL, nil)
	})
	if err != nil {
		return fmt.Errorf("load login page: %w", err)
	}

	doc, err := htmlutil.Parse(string(page))
	if err != nil {
		return fmt.Errorf("parse login page: %w", err)
	}
	form := htmlutil.Find(doc, htmlutil.Tag("form"))
	if form == nil {
		return fmt.Errorf("%w: login form not found", ErrLoginFailed)
	}

	values := url.Values{}
	for k, v := range htmlutil.FormValues(form) {
		values.Set(k, v)
	}
	values.Set("T_Account", account)
	values.Set("T_Password", password)
	button := "登入"
	if btn := htmlutil.Find(form, htmlutil.ID("Btn_Login")); btn != nil {
		button = htmlutil.Attr(btn, "value")
	}
	values.Set("Btn_Login", button)

	action := resolve(final, htmlutil.Attr(form, "action"))
	encoded := values.Encode()
	result, _, err := fetch(ctx, p.client, p.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, action, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		metrics.PortalLogins.WithLabelValues("error").Inc()
		return fmt.Errorf("submit login: %w", err)
	}
	if isLoginPage(result) {
		metrics.PortalLogins.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: credentials rejected", ErrLoginFailed)
	}

	metrics.PortalLogins.WithLabelValues("ok").Inc()
	log.Printf("portal: logged in as %s", account)
	p.loggedIn = true
	p.account = account
	return nil
}

// stationPage loads a station page and follows its data iframe. expired is
// true when the portal bounced the request back to the login form.
func (p *PortalReader) stationPage(ctx context.Context, station models.Station) ([]byte, bool, error) {
	u := fmt.Sprintf("%s/Station.aspx?PJ=%s&ST=%s", p.baseURL, url.QueryEscape(p.project), url.QueryEscape(station.SourceRef))
	page, final, err := fetch(ctx, p.client, p.retry, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, false, fmt.Errorf("load station %s: %w", station.ID, err)
	}
	if isLoginPage(page) {
		return page, true, nil
	}

	doc, err := htmlutil.Parse(string(page))
	if err != nil {
		return page, false, fmt.Errorf("parse station %s: %w", station.ID, err)
	}
	frame := htmlutil.Find(doc, htmlutil.ID("ifs"))
	if frame == nil || htmlutil.Attr(frame, "src") == "" {
		return page, false, nil
	}

	src := resolve(final, htmlutil.Attr(frame, "src"))
	body, _, err := fetch(ctx, p.client, p.retry, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	})
	if err != nil {
		return page, false, fmt.Errorf("load station %s frame: %w", station.ID, err)
	}
	if isLoginPage(body) {
		return body, true, nil
	}
	return body, false, nil
}

var pm10TextRe = regexp.MustCompile(`PM10[^\d\n]*(\d+(?:\.\d+)?)`)

// ParsePortalPM10 extracts the PM10 value from a station data page. The value
// sits in a list item labelled PM10, in the right-aligned span offset from
// the unit; pages without that layout fall back to a text scan.
func ParsePortalPM10(body []byte) (float64, error) {
	doc, err := htmlutil.Parse(string(body))
	if err != nil {
		return 0, fmt.Errorf("parse page: %w", err)
	}

	items := htmlutil.FindAll(doc, func(n *html.Node) bool { return htmlutil.HasClass(n, "list-group-item") })
	for _, item := range items {
		if !strings.Contains(htmlutil.Text(item), "PM10") {
			continue
		}
		spans := htmlutil.FindAll(item, func(n *html.Node) bool {
			return n.Data == "span" && htmlutil.HasClass(n, "pull-right")
		})
		for _, sp := range spans {
			style := strings.ReplaceAll(htmlutil.Attr(sp, "style"), " ", "")
			if strings.Contains(style, "right:60px") {
				if v, ok := parseNumber(htmlutil.Text(sp)); ok {
					return v, nil
				}
				return 0, ErrNoData
			}
		}
		if len(spans) > 0 {
			if v, ok := parseNumber(htmlutil.Text(spans[0])); ok {
				return v, nil
			}
		}
		return 0, ErrNoData
	}

	if m := pm10TextRe.FindStringSubmatch(htmlutil.ToText(string(body))); m != nil {
		if v, ok := parseNumber(m[1]); ok {
			return v, nil
		}
	}
	return 0, ErrNoData
}

func isLoginPage(body []byte) bool {
	s := string(body)
	return strings.Contains(s, `id="T_Password"`) || strings.Contains(s, `name="T_Password"`)
}

func resolve(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

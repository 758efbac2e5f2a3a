// Package settings reads and writes the operational parameters that can be
// changed while the bot is running, and notifies subscribers when they change.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lox/dustwatch/internal/models"
)

const (
	KeyScrapeInterval = "scrape_interval_minutes"
	KeyPM10Threshold  = "pm10_threshold"
	KeyAlertInterval  = "alert_interval_minutes"
	KeyPortalAccount  = "portal_account"
	KeyPortalPassword = "portal_password"
)

var (
	ErrUnknownKey   = errors.New("unknown setting")
	ErrInvalidValue = errors.New("invalid setting value")
)

// Store is the persistence the provider needs. *store.Store implements it.
type Store interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) (map[string]string, error)
}

// Defaults are written back on first read of a missing key.
type Defaults struct {
	ScrapeIntervalMinutes int
	PM10Threshold         float64
	AlertIntervalMinutes  int
	PortalAccount         string
	PortalPassword        string
}

func DefaultValues() Defaults {
	return Defaults{
		ScrapeIntervalMinutes: 5,
		PM10Threshold:         126,
		AlertIntervalMinutes:  60,
	}
}

type kind int

const (
	kindMinutes kind = iota
	kindNumber
	kindText
)

var kinds = map[string]kind{
	KeyScrapeInterval: kindMinutes,
	KeyPM10Threshold:  kindNumber,
	KeyAlertInterval:  kindMinutes,
	KeyPortalAccount:  kindText,
	KeyPortalPassword: kindText,
}

// ChangeFunc receives the previous and new raw values of a key.
type ChangeFunc func(old, new string)

type Provider struct {
	store    Store
	defaults map[string]string

	mu        sync.Mutex
	listeners map[string][]ChangeFunc
	last      map[string]string
}

func New(store Store, d Defaults) *Provider {
	return &Provider{
		store: store,
		defaults: map[string]string{
			KeyScrapeInterval: strconv.Itoa(d.ScrapeIntervalMinutes),
			KeyPM10Threshold:  formatNumber(d.PM10Threshold),
			KeyAlertInterval:  strconv.Itoa(d.AlertIntervalMinutes),
			KeyPortalAccount:  d.PortalAccount,
			KeyPortalPassword: d.PortalPassword,
		},
		listeners: make(map[string][]ChangeFunc),
		last:      make(map[string]string),
	}
}

// Get reads every operational setting, persisting defaults for missing or
// unparsable keys. Store failures are returned so the caller can skip the
// current cycle.
func (p *Provider) Get(ctx context.Context) (models.OperationalSettings, error) {
	var s models.OperationalSettings
	var err error

	if s.ScrapeIntervalMinutes, err = p.minutes(ctx, KeyScrapeInterval); err != nil {
		return s, err
	}
	if s.PM10Threshold, err = p.number(ctx, KeyPM10Threshold); err != nil {
		return s, err
	}
	if s.AlertIntervalMinutes, err = p.minutes(ctx, KeyAlertInterval); err != nil {
		return s, err
	}
	if s.PortalAccount, err = p.raw(ctx, KeyPortalAccount); err != nil {
		return s, err
	}
	if s.PortalPassword, err = p.raw(ctx, KeyPortalPassword); err != nil {
		return s, err
	}
	return s, nil
}

// Set validates and stores a new value, then notifies subscribers.
func (p *Provider) Set(ctx context.Context, key, value string) error {
	k, ok := kinds[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	value = strings.TrimSpace(value)
	if err := validate(k, value); err != nil {
		return fmt.Errorf("%w: %s=%q: %v", ErrInvalidValue, key, value, err)
	}
	old, found, err := p.store.GetSetting(ctx, key)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := p.store.PutSetting(ctx, key, value); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if found {
		p.seed(key, old)
	}
	p.observe(key, value)
	return nil
}

// OnChange registers fn to run whenever key changes, whether through Set or
// an external edit picked up by Poll.
func (p *Provider) OnChange(key string, fn ChangeFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners[key] = append(p.listeners[key], fn)
}

// Poll compares the stored settings with the last values seen and fires
// callbacks for anything edited outside this process.
func (p *Provider) Poll(ctx context.Context) error {
	current, err := p.store.ListSettings(ctx)
	if err != nil {
		return fmt.Errorf("list settings: %w", err)
	}
	for key, value := range current {
		if p.observe(key, value) {
			log.Printf("settings: %s changed externally", key)
		}
	}
	return nil
}

// Watch polls every interval until ctx is done.
func (p *Provider) Watch(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				log.Printf("settings: poll: %v", err)
			}
		}
	}
}

// observe records value as the latest seen for key and runs the key's
// callbacks when it differs from the previous one.
func (p *Provider) observe(key, value string) bool {
	p.mu.Lock()
	old, seen := p.last[key]
	p.last[key] = value
	var fns []ChangeFunc
	if seen && old != value {
		fns = append(fns, p.listeners[key]...)
	}
	p.mu.Unlock()

	if !seen || old == value {
		return false
	}
	for _, fn := range fns {
		fn(old, value)
	}
	return true
}

// seed sets the baseline for key unless one was already seen.
func (p *Provider) seed(key, value string) {
	p.mu.Lock()
	if _, ok := p.last[key]; !ok {
		p.last[key] = value
	}
	p.mu.Unlock()
}

func (p *Provider) raw(ctx context.Context, key string) (string, error) {
	value, ok, err := p.store.GetSetting(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return p.writeDefault(ctx, key)
	}
	if p.observe(key, value) {
		log.Printf("settings: %s changed externally", key)
	}
	return value, nil
}

func (p *Provider) minutes(ctx context.Context, key string) (int, error) {
	value, err := p.raw(ctx, key)
	if err != nil {
		return 0, err
	}
	if validate(kindMinutes, value) != nil {
		log.Printf("settings: %s=%q is not a valid minute count, resetting to default", key, value)
		if value, err = p.writeDefault(ctx, key); err != nil {
			return 0, err
		}
	}
	n, _ := strconv.Atoi(strings.TrimSpace(value))
	return n, nil
}

func (p *Provider) number(ctx context.Context, key string) (float64, error) {
	value, err := p.raw(ctx, key)
	if err != nil {
		return 0, err
	}
	if validate(kindNumber, value) != nil {
		log.Printf("settings: %s=%q is not a number, resetting to default", key, value)
		if value, err = p.writeDefault(ctx, key); err != nil {
			return 0, err
		}
	}
	f, _ := strconv.ParseFloat(strings.TrimSpace(value), 64)
	return f, nil
}

func (p *Provider) writeDefault(ctx context.Context, key string) (string, error) {
	value := p.defaults[key]
	if err := p.store.PutSetting(ctx, key, value); err != nil {
		return "", fmt.Errorf("write default %s: %w", key, err)
	}
	p.observe(key, value)
	return value, nil
}

func validate(k kind, value string) error {
	value = strings.TrimSpace(value)
	switch k {
	case kindMinutes:
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		if n < 1 || n > 24*60 {
			return fmt.Errorf("must be between 1 and %d minutes", 24*60)
		}
	case kindNumber:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.New("must be a positive number")
		}
	}
	return nil
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ParseMinutes converts a stored minute count, as passed to a ChangeFunc.
func ParseMinutes(value string) (time.Duration, bool) {
	if validate(kindMinutes, value) != nil {
		return 0, false
	}
	n, _ := strconv.Atoi(strings.TrimSpace(value))
	return time.Duration(n) * time.Minute, true
}

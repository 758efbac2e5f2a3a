package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

const FileName = "24hr_record.txt"

var ErrBadName = errors.New("invalid report file name")

// FTPConfig describes an optional archive server that receives a timestamped
// copy of every published report.
type FTPConfig struct {
	Addr     string // host:port
	User     string
	Password string
	Dir      string
	Timeout  time.Duration
}

func (c FTPConfig) Enabled() bool { return c.Addr != "" }

type Publisher struct {
	dir string
	ftp FTPConfig
}

func NewPublisher(dir string, archive FTPConfig) *Publisher {
	return &Publisher{dir: dir, ftp: archive}
}

func (p *Publisher) Dir() string { return p.dir }

// Publish replaces the download file atomically, then archives a copy when
// an FTP server is configured. Archive failures are logged, not returned.
func (p *Publisher) Publish(ctx context.Context, r Report) (string, error) {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	tmp, err := os.CreateTemp(p.dir, ".report-*")
	if err != nil {
		return "", fmt.Errorf("create temp report: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(r.File); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close report: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", fmt.Errorf("chmod report: %w", err)
	}

	dest := filepath.Join(p.dir, FileName)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("replace report: %w", err)
	}

	if p.ftp.Enabled() {
		name := fmt.Sprintf("pm10_%s.txt", r.Generated.Format("20060102_1504"))
		if err := p.archive(ctx, name, []byte(r.File)); err != nil {
			log.Printf("report: archive %s: %v", name, err)
		} else {
			log.Printf("report: archived %s", name)
		}
	}
	return dest, nil
}

// Path resolves a requested download name inside the report directory,
// rejecting anything that is not a plain file name.
func (p *Publisher) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return filepath.Join(p.dir, name), nil
}

func (p *Publisher) archive(ctx context.Context, name string, content []byte) error {
	timeout := p.ftp.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	conn, err := ftp.Dial(p.ftp.Addr, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	user, pass := p.ftp.User, p.ftp.Password
	if user == "" {
		user, pass = "anonymous", "anonymous"
	}
	if err := conn.Login(user, pass); err != nil {
		return fmt.Errorf("ftp login: %w", err)
	}

	if err := conn.Stor(path.Join(p.ftp.Dir, name), bytes.NewReader(content)); err != nil {
		return fmt.Errorf("ftp stor: %w", err)
	}
	return nil
}

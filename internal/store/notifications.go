package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Notification is one outbound chat message attempt.
type Notification struct {
	ID       string
	SentAt   time.Time
	Kind     string // "broadcast", "reply"
	Category string
	Text     string
	Success  bool
	Error    string
}

func (s *Store) LogNotification(ctx context.Context, n Notification) (string, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.SentAt.IsZero() {
		n.SentAt = time.Now()
	}
	var errMsg sql.NullString
	if n.Error != "" {
		errMsg = sql.NullString{String: n.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, sent_at, kind, category, text, success, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.SentAt.Unix(), n.Kind, n.Category, n.Text, n.Success, errMsg)
	return n.ID, err
}

// LastNotification returns the most recent logged notification, or nil.
func (s *Store) LastNotification(ctx context.Context) (*Notification, error) {
	var (
		n      Notification
		sentAt int64
		errMsg sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sent_at, kind, category, text, success, error_message
		FROM notifications ORDER BY sent_at DESC LIMIT 1
	`).Scan(&n.ID, &sentAt, &n.Kind, &n.Category, &n.Text, &n.Success, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	n.SentAt = time.Unix(sentAt, 0).In(s.loc)
	n.Error = errMsg.String
	return &n, nil
}

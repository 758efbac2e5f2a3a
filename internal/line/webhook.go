package line

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const SignatureHeader = "X-Line-Signature"

type WebhookRequest struct {
	Destination string  `json:"destination"`
	Events      []Event `json:"events"`
}

type Event struct {
	Type       string   `json:"type"`
	ReplyToken string   `json:"replyToken"`
	Timestamp  int64    `json:"timestamp"`
	Source     Source   `json:"source"`
	Message    *Message `json:"message,omitempty"`
}

type Source struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	GroupID string `json:"groupId,omitempty"`
	RoomID  string `json:"roomId,omitempty"`
}

type Message struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text"`
}

// Text returns the message text for text message events and "" otherwise.
func (e Event) Text() (string, bool) {
	if e.Type != "message" || e.Message == nil || e.Message.Type != "text" {
		return "", false
	}
	return e.Message.Text, true
}

// SenderID identifies the conversation an event came from, so state kept per
// sender also works in groups and rooms.
func (e Event) SenderID() string {
	switch {
	case e.Source.UserID != "":
		return e.Source.UserID
	case e.Source.GroupID != "":
		return e.Source.GroupID
	}
	return e.Source.RoomID
}

func ParseWebhook(body []byte) (*WebhookRequest, error) {
	var req WebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse webhook: %w", err)
	}
	return &req, nil
}

// VerifySignature checks the base64 HMAC-SHA256 of body under the channel
// secret against the X-Line-Signature header value.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign computes the signature LINE would send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

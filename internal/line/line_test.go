package line

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient("token").WithBaseURL(srv.URL)
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c
}

func TestBroadcast_SendsMessages(t *testing.T) {
	var got struct {
		Messages []TextMessage `json:"messages"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/bot/message/broadcast" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Line-Retry-Key") == "" {
			t.Error("missing retry key")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte("{}"))
	})

	if err := c.Broadcast(context.Background(), "hello", "world"); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(got.Messages) != 2 || got.Messages[0].Text != "hello" || got.Messages[1].Type != "text" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestBroadcast_RetriesRateLimit(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	keys := make(map[string]bool)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys[r.Header.Get("X-Line-Retry-Key")] = true
		mu.Unlock()
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("{}"))
	})

	if err := c.Broadcast(context.Background(), "alert"); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(keys) != 1 {
		t.Errorf("retry key should be stable across attempts, got %d keys", len(keys))
	}
}

func TestBroadcast_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	err := c.Broadcast(context.Background(), "alert")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if n := atomic.LoadInt32(&calls); n != MaxAttempts {
		t.Errorf("calls = %d, want %d", n, MaxAttempts)
	}
}

func TestReply_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"Invalid reply token"}`))
	})

	err := c.Reply(context.Background(), "tok", "hi")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("err = %v, want APIError 400", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestRetriedBroadcastConflictIsSuccess(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusConflict)
	})
	if err := c.Broadcast(context.Background(), "alert"); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
}

func TestProfileAndQuota(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/bot/profile/U123":
			w.Write([]byte(`{"userId":"U123","displayName":"阿明"}`))
		case "/v2/bot/message/quota":
			w.Write([]byte(`{"type":"limited","value":200}`))
		case "/v2/bot/message/quota/consumption":
			w.Write([]byte(`{"totalUsage":42}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	p, err := c.Profile(ctx, "U123")
	if err != nil || p.DisplayName != "阿明" {
		t.Errorf("Profile = %+v, %v", p, err)
	}
	q, err := c.Quota(ctx)
	if err != nil || q.Type != "limited" || q.Value != 200 {
		t.Errorf("Quota = %+v, %v", q, err)
	}
	n, err := c.QuotaConsumption(ctx)
	if err != nil || n != 42 {
		t.Errorf("QuotaConsumption = %d, %v", n, err)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"events":[]}`)
	sig := Sign("secret", body)

	if !VerifySignature("secret", body, sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature("other", body, sig) {
		t.Error("signature under wrong secret accepted")
	}
	if VerifySignature("secret", []byte(`{"events":[{}]}`), sig) {
		t.Error("signature for different body accepted")
	}
	if VerifySignature("secret", body, "not base64!") {
		t.Error("malformed signature accepted")
	}
	if VerifySignature("secret", body, "") {
		t.Error("missing signature accepted")
	}
}

func TestParseWebhook(t *testing.T) {
	body := []byte(`{"destination":"U0","events":[
		{"type":"message","replyToken":"r1","source":{"type":"user","userId":"U1"},"message":{"id":"1","type":"text","text":"即時查詢"}},
		{"type":"follow","replyToken":"r2","source":{"type":"group","groupId":"G1"}}
	]}`)
	req, err := ParseWebhook(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Events) != 2 {
		t.Fatalf("events = %d", len(req.Events))
	}
	if text, ok := req.Events[0].Text(); !ok || text != "即時查詢" {
		t.Errorf("Text() = %q, %v", text, ok)
	}
	if _, ok := req.Events[1].Text(); ok {
		t.Error("follow event has no text")
	}
	if req.Events[1].SenderID() != "G1" {
		t.Errorf("SenderID = %q", req.Events[1].SenderID())
	}
}

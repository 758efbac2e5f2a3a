package httputil

import (
	"net/http"
	"net/http/cookiejar"
	"time"
)

const DefaultTimeout = 45 * time.Second

const UserAgent = "dustwatch/1.0 (+pm10 monitor)"

// NewClient returns an HTTP client with standard timeout configuration.
func NewClient() *http.Client {
	return &http.Client{
		Timeout: DefaultTimeout,
	}
}

// NewSessionClient returns a client that keeps cookies between requests, for
// sites behind a form login.
func NewSessionClient(timeout time.Duration) *http.Client {
	jar, _ := cookiejar.New(nil)
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Jar:     jar,
	}
}

// Retryable reports whether a response status is worth another attempt.
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

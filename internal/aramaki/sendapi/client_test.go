package sendapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/section9-dev/aramaki/common/retry"
	"github.com/section9-dev/aramaki/internal/aramaki/accounts"
	"github.com/section9-dev/aramaki/internal/aramaki/sendapi"
)

func fastRetry(attempts int) retry.Config {
	return retry.Config{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

// TestSend_OK verifies the wire shape of the push request and that the
// platform-assigned message ID comes back.
func TestSend_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}

		var body struct {
			ChatID  string `json:"chatid"`
			MsgType string `json:"msgtype"`
			Text    struct {
				Content string `json:"content"`
			} `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.ChatID != "chat42" || body.MsgType != "text" || body.Text.Content != "welcome aboard" {
			t.Errorf("unexpected request body: %+v", body)
		}

		json.NewEncoder(w).Encode(map[string]any{"errcode": 0, "errmsg": "ok", "msgid": "m_77"})
	}))
	defer srv.Close()

	c := sendapi.New(sendapi.Config{Retry: fastRetry(1)})
	msgID, err := c.Send(context.Background(), accounts.Account{PushURL: srv.URL}, "chat42", "welcome aboard")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msgID != "m_77" {
		t.Errorf("msgID = %q, want m_77", msgID)
	}
}

// TestSend_NoPushURL is the configuration error callers are expected to
// check for with errors.Is.
func TestSend_NoPushURL(t *testing.T) {
	c := sendapi.New(sendapi.Config{})
	_, err := c.Send(context.Background(), accounts.Account{}, "chat", "hi")
	if !errors.Is(err, sendapi.ErrNoPushURL) {
		t.Fatalf("err = %v, want ErrNoPushURL", err)
	}
}

// TestSend_RetriesServerErrors checks that a 5xx is retried and a later
// success wins.
func TestSend_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"errcode": 0, "msgid": "m_1"})
	}))
	defer srv.Close()

	c := sendapi.New(sendapi.Config{Retry: fastRetry(3)})
	msgID, err := c.Send(context.Background(), accounts.Account{PushURL: srv.URL}, "", "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msgID != "m_1" {
		t.Errorf("msgID = %q, want m_1", msgID)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

// TestSend_PlatformErrorNotRetried ensures a non-zero errcode is treated
// as permanent: one attempt, surfaced as *APIError.
func TestSend_PlatformErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"errcode": 45009, "errmsg": "api freq out of limit"})
	}))
	defer srv.Close()

	c := sendapi.New(sendapi.Config{Retry: fastRetry(3)})
	_, err := c.Send(context.Background(), accounts.Account{PushURL: srv.URL}, "", "hi")

	var apiErr *sendapi.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != 45009 || apiErr.Message != "api freq out of limit" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d calls, want 1", got)
	}
}

// TestSend_ExhaustsRetries verifies the last transport error is returned
// once attempts run out.
func TestSend_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := sendapi.New(sendapi.Config{Retry: fastRetry(2)})
	if _, err := c.Send(context.Background(), accounts.Account{PushURL: srv.URL}, "", "hi"); err == nil {
		t.Fatal("Send succeeded against a permanently failing server")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server saw %d calls, want 2", got)
	}
}

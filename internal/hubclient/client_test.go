package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relayhub/internal/notify"
)

func TestClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/notifications/pending" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`{"notifications":[{"id":"n1","userId":"alice","type":"mention","title":"t","message":"m","priority":"medium"}]}`))
	}))
	defer server.Close()

	client := New(server.URL, "tok", server.Client())
	client.baseDelay = time.Millisecond
	pending, err := client.Pending(context.Background())
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "n1" {
		t.Fatalf("unexpected pending: %+v", pending)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", calls)
	}
}

func TestClientReturnsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"notification not found"}`))
	}))
	defer server.Close()

	err := New(server.URL, "tok", server.Client()).MarkRead(context.Background(), "missing")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Code != "not_found" || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not_found, got %+v", httpErr)
	}
}

func TestClientSendsJSONBodies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/notifications/send" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body struct {
			TargetUserID string         `json:"targetUserId"`
			Notification notify.Request `json:"notification"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.TargetUserID != "bob" || body.Notification.Title != "hello" {
			t.Errorf("unexpected body %+v", body)
		}
		_, _ = w.Write([]byte(`{"notificationId":"n9","delivered":false,"persisted":true}`))
	}))
	defer server.Close()

	result, err := New(server.URL, "tok", server.Client()).Send(context.Background(), "bob", notify.Request{Type: "mention", Title: "hello", Message: "hi"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if result.NotificationID != "n9" || !result.Persisted {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRetryDelay(t *testing.T) {
	client := New("", "", nil)
	if got := client.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected 400ms, got %s", got)
	}
	if got := client.retryDelay(10, ""); got != 2*time.Second {
		t.Fatalf("expected cap of 2s, got %s", got)
	}
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected Retry-After of 1s, got %s", got)
	}
	if got := client.retryDelay(1, "60"); got != 2*time.Second {
		t.Fatalf("expected Retry-After capped at 2s, got %s", got)
	}
}

func TestWaitWithContextHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := waitWithContext(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

package forward

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinyland-inc/chatbridge/pkg/message"
)

func testMessage() *message.Message {
	return &message.Message{
		ConversationKind: message.KindDirect,
		ConversationID:   100,
		SenderName:       "alice",
		ContentKind:      message.ContentText,
		Text:             "hello",
		Sequence:         42,
		DirectionType:    "directRcv",
		Raw:              json.RawMessage(`{"orig":true}`),
	}
}

func newTestForwarder(url, secret string, maxAttempts int) (*Forwarder, *[]time.Duration) {
	f := New(url, secret, maxAttempts, 2*time.Second, zerolog.Nop())
	sleeps := &[]time.Duration{}
	f.sleep = func(d time.Duration) { *sleeps = append(*sleeps, d) }
	return f, sleeps
}

func TestForward_Success(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f, sleeps := newTestForwarder(srv.URL, "", 3)
	resp, err := f.Forward(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if resp != `{"ok":true}` {
		t.Errorf("response body: got %q", resp)
	}
	if len(*sleeps) != 0 {
		t.Errorf("expected no sleeps, got %v", *sleeps)
	}

	var payload map[string]any
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload["source"] != "chat-bridge" {
		t.Errorf("source: got %v", payload["source"])
	}
	if payload["sequence"] != float64(42) {
		t.Errorf("sequence: got %v", payload["sequence"])
	}
}

func TestForward_SignsExactBody(t *testing.T) {
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f, _ := newTestForwarder(srv.URL, "topsecret", 3)
	if _, err := f.Forward(context.Background(), testMessage()); err != nil {
		t.Fatalf("forward: %v", err)
	}

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(gotBody)
	want := hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature mismatch: got %q, want %q", gotSig, want)
	}
}

func TestForward_NoSignatureWithoutSecret(t *testing.T) {
	var hasHeader bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasHeader = r.Header["X-Signature"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f, _ := newTestForwarder(srv.URL, "", 3)
	if _, err := f.Forward(context.Background(), testMessage()); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if hasHeader {
		t.Error("X-Signature must be absent when no secret is configured")
	}
}

func TestForward_RetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, sleeps := newTestForwarder(srv.URL, "", 3)
	_, err := f.Forward(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error")
	}

	var deliveryErr *DeliveryError
	if !errors.As(err, &deliveryErr) {
		t.Fatalf("expected DeliveryError, got %T: %v", err, err)
	}
	if deliveryErr.Attempts != 3 {
		t.Errorf("attempts: got %d, want 3", deliveryErr.Attempts)
	}
	if attempts != 3 {
		t.Errorf("server saw %d attempts, want 3", attempts)
	}
	// Exponential backoff: backoff*1, backoff*2.
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*sleeps) != 2 || (*sleeps)[0] != want[0] || (*sleeps)[1] != want[1] {
		t.Errorf("sleeps: got %v, want %v", *sleeps, want)
	}
}

func TestForward_ClientErrorNoRetry(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f, sleeps := newTestForwarder(srv.URL, "", 3)
	_, err := f.Forward(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("404 must not be retried: got %d attempts", attempts)
	}
	if len(*sleeps) != 0 {
		t.Errorf("404 must not sleep: got %v", *sleeps)
	}
}

func TestForward_TooManyRequestsRetries(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f, _ := newTestForwarder(srv.URL, "", 3)
	if _, err := f.Forward(context.Background(), testMessage()); err != nil {
		t.Fatalf("429 should be retried to success: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts: got %d, want 3", attempts)
	}
}

func TestForward_NetworkErrorRetries(t *testing.T) {
	// Closed port: every attempt fails at the connection level.
	f, sleeps := newTestForwarder("http://127.0.0.1:1", "", 2)
	_, err := f.Forward(context.Background(), testMessage())

	var deliveryErr *DeliveryError
	if !errors.As(err, &deliveryErr) {
		t.Fatalf("expected DeliveryError, got %T: %v", err, err)
	}
	if deliveryErr.Attempts != 2 {
		t.Errorf("attempts: got %d, want 2", deliveryErr.Attempts)
	}
	if len(*sleeps) != 1 {
		t.Errorf("sleeps: got %v, want one", *sleeps)
	}
}

func TestForward_ContextCancelledStopsRetrying(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f, _ := newTestForwarder(srv.URL, "", 5)
	f.sleep = func(time.Duration) { cancel() }

	_, err := f.Forward(ctx, testMessage())
	if err == nil {
		t.Fatal("expected error")
	}
}

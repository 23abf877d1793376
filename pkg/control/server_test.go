package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/chatbridge/pkg/cursor"
	"github.com/tinyland-inc/chatbridge/pkg/metrics"
	"github.com/tinyland-inc/chatbridge/pkg/ratelimit"
)

type fakeSender struct {
	connected bool
	sendErr   error
	sent      []string
}

func (f *fakeSender) SendText(_ context.Context, contactID int64, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) Connected() bool { return f.connected }

func newTestServer(t *testing.T, sender *fakeSender, enableMetrics bool) (*Server, *cursor.Store) {
	t.Helper()
	store := cursor.Open(filepath.Join(t.TempDir(), "cursors.json"), zerolog.Nop())
	srv := NewServer(sender, store, metrics.New(), ratelimit.New(20), enableMetrics, zerolog.Nop())
	return srv, store
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	srv, store := newTestServer(t, &fakeSender{connected: true}, true)
	require.NoError(t, store.Advance("100", 7))

	w := do(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["wsConnected"])
	assert.EqualValues(t, 1, body["stateContacts"])
}

func TestHealth_Disconnected(t *testing.T) {
	srv, _ := newTestServer(t, &fakeSender{connected: false}, true)

	body := decode(t, do(t, srv, http.MethodGet, "/health", ""))
	assert.Equal(t, false, body["wsConnected"])
}

func TestMetrics_Enabled(t *testing.T) {
	srv, _ := newTestServer(t, &fakeSender{}, true)
	srv.stats.RecordForwarded("text")

	w := do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.EqualValues(t, 1, body["messages_forwarded"])
	assert.Contains(t, body, "rate_limiter")
	assert.Contains(t, body, "uptime_seconds")
}

func TestMetrics_Disabled(t *testing.T) {
	srv, _ := newTestServer(t, &fakeSender{}, false)

	w := do(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestState_RecentCursors(t *testing.T) {
	srv, store := newTestServer(t, &fakeSender{}, true)
	require.NoError(t, store.Advance("1", 5))
	require.NoError(t, store.Advance("group_2", 50))

	w := do(t, srv, http.MethodGet, "/state", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.EqualValues(t, 2, body["contacts"])

	recent := body["recent"].([]any)
	require.Len(t, recent, 2)
	first := recent[0].(map[string]any)
	assert.Equal(t, "group_2", first["key"])
	assert.EqualValues(t, 50, first["itemId"])
}

func TestSend_OK(t *testing.T) {
	sender := &fakeSender{}
	srv, _ := newTestServer(t, sender, true)

	w := do(t, srv, http.MethodPost, "/send", `{"contactId": 42, "text": "hello"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sent", decode(t, w)["status"])
	assert.Equal(t, []string{"hello"}, sender.sent)
}

func TestSend_MissingFields(t *testing.T) {
	srv, _ := newTestServer(t, &fakeSender{}, true)

	for _, body := range []string{
		`{}`,
		`{"contactId": 42}`,
		`{"text": "hello"}`,
	} {
		w := do(t, srv, http.MethodPost, "/send", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body: %s", body)
	}
}

func TestSend_InvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t, &fakeSender{}, true)

	w := do(t, srv, http.MethodPost, "/send", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSend_Failure(t *testing.T) {
	sender := &fakeSender{sendErr: errors.New("no session")}
	srv, _ := newTestServer(t, sender, true)

	w := do(t, srv, http.MethodPost, "/send", `{"contactId": 42, "text": "hello"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Failed to send", decode(t, w)["error"])
}

func TestUnknownRouteAndMethod(t *testing.T) {
	srv, _ := newTestServer(t, &fakeSender{}, true)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/nope", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, srv, http.MethodPost, "/health", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, srv, http.MethodGet, "/send", "").Code)
}

// Package control exposes the bridge's introspection and command endpoints:
// health, metrics, cursor state, and outbound send. It shares the cursor
// store and session handle with the relay loop but never mutates cursors.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinyland-inc/chatbridge/pkg/cursor"
	"github.com/tinyland-inc/chatbridge/pkg/metrics"
	"github.com/tinyland-inc/chatbridge/pkg/ratelimit"
)

// Sender is the relay-side contract for the send endpoint and the health
// connectivity flag.
type Sender interface {
	SendText(ctx context.Context, contactID int64, text string) error
	Connected() bool
}

type Server struct {
	sender        Sender
	store         *cursor.Store
	stats         *metrics.Metrics
	limiter       *ratelimit.Limiter
	enableMetrics bool
	log           zerolog.Logger
}

func NewServer(
	sender Sender,
	store *cursor.Store,
	stats *metrics.Metrics,
	limiter *ratelimit.Limiter,
	enableMetrics bool,
	log zerolog.Logger,
) *Server {
	return &Server{
		sender:        sender,
		store:         store,
		stats:         stats,
		limiter:       limiter,
		enableMetrics: enableMetrics,
		log:           log.With().Str("component", "control").Logger(),
	}
}

// Handler returns the control surface routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("POST /send", s.handleSend)
	return mux
}

// Serve runs the listener until ctx is cancelled, then shuts down
// gracefully. Handler errors never take the listener down.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info().Str("addr", addr).Msg("Control surface listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"wsConnected":   s.sender.Connected(),
		"stateContacts": s.store.Len(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.enableMetrics {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "Metrics disabled"})
		return
	}
	snap := s.stats.Snapshot()
	snap["rate_limiter"] = s.limiter.Stats()
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"contacts": s.store.Len(),
		"recent":   s.store.Recent(10),
	})
}

type sendRequest struct {
	ContactID int64  `json:"contactId"`
	Text      string `json:"text"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON"})
		return
	}
	if req.ContactID == 0 || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Missing contactId or text"})
		return
	}

	if err := s.sender.SendText(r.Context(), req.ContactID, req.Text); err != nil {
		s.log.Error().Err(err).Int64("contact_id", req.ContactID).Msg("Send endpoint failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Failed to send"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

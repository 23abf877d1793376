package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinyland-inc/chatbridge/pkg/config"
	"github.com/tinyland-inc/chatbridge/pkg/control"
	"github.com/tinyland-inc/chatbridge/pkg/cursor"
	"github.com/tinyland-inc/chatbridge/pkg/forward"
	"github.com/tinyland-inc/chatbridge/pkg/metrics"
	"github.com/tinyland-inc/chatbridge/pkg/ratelimit"
	"github.com/tinyland-inc/chatbridge/pkg/relay"
	"github.com/tinyland-inc/chatbridge/pkg/transport"
)

const startupCheckTimeout = 5 * time.Second

func bridgeCmd(debug bool) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	log := newLogger(cfg.LogLevel, debug)

	log.Info().
		Str("ws_url", cfg.WSURL).
		Str("webhook_url", cfg.WebhookURL).
		Str("cursor_file", cfg.CursorFile).
		Str("http_addr", cfg.HTTPAddr()).
		Int("rate_limit_per_minute", cfg.RateLimitPerMinute).
		Bool("webhook_auth", cfg.WebhookSecret != "").
		Bool("group_chat", cfg.EnableGroupChat).
		Msg("Starting chatbridge")

	if cfg.StartupChecks {
		runStartupChecks(cfg, log)
	}

	store := cursor.Open(cfg.CursorFile, log)
	if n := store.Len(); n > 0 {
		log.Info().Int("contacts", n).Msg("Loaded cursor state")
	} else {
		log.Info().Msg("No previous cursor state, starting fresh")
	}

	stats := metrics.New()
	limiter := ratelimit.New(cfg.RateLimitPerMinute)
	fwd := forward.New(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookRetries, cfg.WebhookBackoff(), log)

	dial := func(ctx context.Context) (relay.Session, error) {
		return transport.Dial(ctx, cfg.WSURL, cfg.WSTimeout(), log, cfg.DebugWSEvents)
	}

	rl := relay.New(cfg, store, limiter, stats, fwd, dial, log)
	ctrl := control.NewServer(rl, store, stats, limiter, cfg.EnableMetrics, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := ctrl.Serve(ctx, cfg.HTTPAddr()); err != nil {
			log.Error().Err(err).Msg("Control surface failed")
		}
	}()

	rl.Run(ctx)

	if snapshot, err := json.Marshal(stats.Snapshot()); err == nil {
		log.Info().RawJSON("final_metrics", snapshot).Msg("Bridge stopped cleanly")
	}
	return nil
}

func newLogger(level string, debug bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if debug {
		lvl = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(lvl).With().Timestamp().Logger()
}

// runStartupChecks probes the transport and the sink before entering the
// relay loop. Failures are warnings: the loop reconnects on its own, and a
// sink that is down right now may be up by the first delivery.
func runStartupChecks(cfg *config.Config, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), startupCheckTimeout)
	defer cancel()

	sess, err := transport.Dial(ctx, cfg.WSURL, startupCheckTimeout, log, false)
	if err != nil {
		log.Warn().Err(err).Str("ws_url", cfg.WSURL).Msg("Startup check: transport unreachable")
	} else {
		if _, err := sess.Roundtrip("health-check", "/help", startupCheckTimeout); err != nil {
			log.Warn().Err(err).Msg("Startup check: transport not answering commands")
		} else {
			log.Info().Str("ws_url", cfg.WSURL).Msg("Startup check: transport OK")
		}
		sess.Close()
	}

	if addr, err := sinkDialAddr(cfg.WebhookURL); err != nil {
		log.Warn().Err(err).Msg("Startup check: cannot resolve sink address")
	} else if conn, err := net.DialTimeout("tcp", addr, startupCheckTimeout); err != nil {
		log.Warn().Err(err).Str("sink", addr).Msg("Startup check: sink unreachable")
	} else {
		conn.Close()
		log.Info().Str("sink", addr).Msg("Startup check: sink OK")
	}
}

func sinkDialAddr(webhookURL string) (string, error) {
	u, err := url.Parse(webhookURL)
	if err != nil {
		return "", err
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

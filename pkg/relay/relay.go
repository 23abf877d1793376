// Package relay drives the end-to-end cycle: poll the transport, normalize
// the batch, filter against cursors and the rate limiter, forward to the
// sink, and commit cursors. It owns the shared session handle and the
// failure-budget policy.
package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinyland-inc/chatbridge/pkg/config"
	"github.com/tinyland-inc/chatbridge/pkg/cursor"
	"github.com/tinyland-inc/chatbridge/pkg/message"
	"github.com/tinyland-inc/chatbridge/pkg/metrics"
	"github.com/tinyland-inc/chatbridge/pkg/ratelimit"
	"github.com/tinyland-inc/chatbridge/pkg/transport"
)

// Session is the correlated-exchange contract the relay needs from the
// transport. *transport.Session implements it; tests inject fakes.
type Session interface {
	Roundtrip(corrID, cmd string, timeout time.Duration) (transport.Frame, error)
	Alive() bool
	Close() error
}

// Dialer creates a new Session. Injected so tests can run without a socket.
type Dialer func(ctx context.Context) (Session, error)

// Forwarder delivers one message to the sink.
type Forwarder interface {
	Forward(ctx context.Context, msg *message.Message) (string, error)
}

const pollCommand = "/tail"

type Relay struct {
	cfg     *config.Config
	store   *cursor.Store
	limiter *ratelimit.Limiter
	stats   *metrics.Metrics
	fwd     Forwarder
	dial    Dialer
	log     zerolog.Logger

	// mu serializes every use of the session handle: acquire, one
	// correlated exchange, release. Replacement on reconnect happens
	// under the same lock (replace-then-publish).
	mu        sync.Mutex
	session   Session
	connected atomic.Bool

	consecutiveErrors int

	gron            *gronx.Gronx
	lastEvictMinute time.Time
}

func New(
	cfg *config.Config,
	store *cursor.Store,
	limiter *ratelimit.Limiter,
	stats *metrics.Metrics,
	fwd Forwarder,
	dial Dialer,
	log zerolog.Logger,
) *Relay {
	return &Relay{
		cfg:     cfg,
		store:   store,
		limiter: limiter,
		stats:   stats,
		fwd:     fwd,
		dial:    dial,
		log:     log.With().Str("component", "relay").Logger(),
		gron:    gronx.New(),
	}
}

// Connected reports whether a session handle is currently published.
func (r *Relay) Connected() bool {
	return r.connected.Load()
}

// Run drives poll cycles until ctx is cancelled. Steady-state errors are
// folded into the consecutive-error budget; nothing here is fatal.
func (r *Relay) Run(ctx context.Context) {
	r.log.Info().
		Str("ws_url", r.cfg.WSURL).
		Str("webhook_url", r.cfg.WebhookURL).
		Dur("poll_interval", r.cfg.PollInterval()).
		Msg("Relay loop starting")

	for ctx.Err() == nil {
		if err := r.pollCycle(ctx); err != nil {
			r.handleCycleError(ctx, err)
			continue
		}
		r.consecutiveErrors = 0
		r.maybeEvict()
		if !sleepCtx(ctx, r.cfg.PollInterval()) {
			break
		}
	}

	r.dropSession()
	r.log.Info().Msg("Relay loop stopped")
}

func (r *Relay) handleCycleError(ctx context.Context, err error) {
	r.consecutiveErrors++
	r.stats.IncConnError()
	r.dropSession()

	r.log.Error().Err(err).
		Int("consecutive", r.consecutiveErrors).
		Int("budget", r.cfg.MaxConsecutiveErrors).
		Msg("Poll cycle failed")

	if r.consecutiveErrors >= r.cfg.MaxConsecutiveErrors {
		// Extended backoff prevents a tight loop against a transport
		// that is down for longer than one reconnect delay.
		r.log.Warn().Msg("Error budget exhausted, backing off")
		sleepCtx(ctx, 5*r.cfg.PollInterval())
		r.consecutiveErrors = 0
		return
	}
	sleepCtx(ctx, r.cfg.ReconnectDelay())
}

// pollCycle performs one ACQUIRE -> POLL -> NORMALIZE -> FILTER -> FORWARD ->
// COMMIT pass. Only connection-level failures are returned; delivery
// failures stop the batch and leave the rest for the next cycle.
func (r *Relay) pollCycle(ctx context.Context) error {
	frame, err := r.exchange(ctx, uuid.NewString(), pollCommand)
	if err != nil {
		return err
	}

	batch := r.normalizeBatch(frame.ChatItems())
	if len(batch) == 0 {
		return nil
	}

	// Strictly ascending sequence order across the whole batch: if a
	// forward fails partway through, committed cursors always cover a
	// prefix and the next cycle resumes without gaps.
	sort.Slice(batch, func(i, j int) bool { return batch[i].Sequence < batch[j].Sequence })

	for _, msg := range batch {
		if ctx.Err() != nil {
			return nil
		}
		if !r.deliver(ctx, msg) {
			break
		}
	}
	return nil
}

func (r *Relay) normalizeBatch(items [][]byte) []*message.Message {
	var batch []*message.Message
	for _, raw := range items {
		msg, ok := message.Normalize(raw, r.cfg.EnableGroupChat)
		if !ok {
			continue
		}
		r.stats.IncSeen()
		batch = append(batch, msg)
	}
	return batch
}

// deliver runs the filter/forward/commit steps for one message. It returns
// false when the batch must stop (delivery failure); filtered messages
// return true so later messages still flow.
func (r *Relay) deliver(ctx context.Context, msg *message.Message) bool {
	key := msg.CursorKey()

	if msg.Sequence <= r.store.Get(key) {
		return true
	}

	// Group conversations are opt-in and low volume; only direct chats
	// are rate limited. A denied message is skipped for good: the cursor
	// does not advance, but later messages from the same conversation may.
	if msg.ConversationKind == message.KindDirect && !r.limiter.Allow(key) {
		r.stats.IncRateLimited()
		r.log.Warn().Str("key", key).Int64("sequence", msg.Sequence).Msg("Rate limit exceeded, dropping message")
		return true
	}

	if _, err := r.fwd.Forward(ctx, msg); err != nil {
		r.stats.IncSendFail()
		r.log.Error().Err(err).Str("key", key).Int64("sequence", msg.Sequence).Msg("Delivery failed, will retry next cycle")
		return false
	}

	if err := r.store.Advance(key, msg.Sequence); err != nil {
		// Delivered but not recorded: the message may be redelivered
		// after a restart, which at-least-once semantics allow.
		r.log.Error().Err(err).Str("key", key).Msg("Cursor persist failed")
	} else {
		r.stats.IncCursorSave()
	}

	r.stats.RecordForwarded(msg.ContentKind)
	r.log.Info().
		Str("kind", msg.ConversationKind).
		Str("content", msg.ContentKind).
		Str("key", key).
		Int64("sequence", msg.Sequence).
		Str("from", msg.SenderName).
		Msg("Forwarded message")
	return true
}

// SendText performs one correlated outbound send for the control surface,
// sharing the session (and its lock) with the poll loop.
func (r *Relay) SendText(ctx context.Context, contactID int64, text string) error {
	corrID := "send-" + uuid.NewString()
	cmd := fmt.Sprintf("@%d %s", contactID, text)

	if _, err := r.exchange(ctx, corrID, cmd); err != nil {
		r.log.Error().Err(err).Int64("contact_id", contactID).Msg("Outbound send failed")
		return err
	}
	r.stats.IncSent()
	r.log.Info().Int64("contact_id", contactID).Msg("Sent message to contact")
	return nil
}

// exchange acquires a live session and performs exactly one correlated
// roundtrip under the session lock.
func (r *Relay) exchange(ctx context.Context, corrID, cmd string) (transport.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureSessionLocked(ctx); err != nil {
		return transport.Frame{}, err
	}

	frame, err := r.session.Roundtrip(corrID, cmd, r.cfg.WSTimeout())
	if err != nil {
		if transport.IsTransient(err) {
			r.closeSessionLocked()
		}
		return transport.Frame{}, err
	}
	return frame, nil
}

// ensureSessionLocked reuses the current session when it is still alive,
// otherwise tears it down and dials a fresh one. Callers hold r.mu.
func (r *Relay) ensureSessionLocked(ctx context.Context) error {
	if r.session != nil {
		if r.session.Alive() {
			return nil
		}
		r.log.Warn().Msg("Session lost liveness, reconnecting")
		r.closeSessionLocked()
	}

	sess, err := r.dial(ctx)
	if err != nil {
		return err
	}
	r.session = sess
	r.connected.Store(true)
	r.stats.IncReconnect()
	r.log.Info().Str("ws_url", r.cfg.WSURL).Msg("Transport session established")
	return nil
}

func (r *Relay) closeSessionLocked() {
	if r.session != nil {
		r.session.Close()
		r.session = nil
	}
	r.connected.Store(false)
}

func (r *Relay) dropSession() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeSessionLocked()
}

// maybeEvict runs the size-bounded cursor eviction pass when the configured
// cron schedule is due. The due check fires at most once per minute.
func (r *Relay) maybeEvict() {
	minute := time.Now().Truncate(time.Minute)
	if minute.Equal(r.lastEvictMinute) {
		return
	}
	r.lastEvictMinute = minute

	due, err := r.gron.IsDue(r.cfg.EvictCron, minute)
	if err != nil || !due {
		return
	}
	if r.store.Len() <= r.cfg.CursorCapacity {
		return
	}
	if _, err := r.store.Evict(r.cfg.CursorCapacity); err != nil {
		r.log.Error().Err(err).Msg("Cursor eviction failed")
		return
	}
	r.stats.IncCursorSave()
}

// sleepCtx sleeps for d or until ctx is cancelled, reporting whether the
// full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

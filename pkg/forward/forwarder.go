// Package forward delivers normalized messages to the webhook sink with
// payload signing and bounded exponential-backoff retry.
package forward

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinyland-inc/chatbridge/pkg/message"
)

// DeliveryError means the sink rejected or stayed unreachable through every
// allowed attempt. The message is not marked delivered and will be retried
// on a later poll cycle.
type DeliveryError struct {
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// httpStatusError is a non-2xx sink response.
type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("sink returned %d: %s", e.Status, e.Body)
}

type Forwarder struct {
	url         string
	secret      string
	maxAttempts int
	backoff     time.Duration
	client      *http.Client
	sleep       func(time.Duration)
	log         zerolog.Logger
}

func New(url, secret string, maxAttempts int, backoff time.Duration, log zerolog.Logger) *Forwarder {
	return &Forwarder{
		url:         url,
		secret:      secret,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		client:      &http.Client{Timeout: 10 * time.Second},
		sleep:       time.Sleep,
		log:         log.With().Str("component", "forward").Logger(),
	}
}

// Forward delivers one message to the sink. On success it returns the sink's
// response body verbatim; on exhaustion it returns a DeliveryError.
func (f *Forwarder) Forward(ctx context.Context, msg *message.Message) (string, error) {
	body, err := json.Marshal(msg.WebhookPayload(time.Now()))
	if err != nil {
		return "", fmt.Errorf("marshal webhook payload: %w", err)
	}

	attempt := 0
	result, err := withRetry(ctx, f.maxAttempts, f.backoff, f.sleep, func() (string, bool, error) {
		attempt++
		resp, retryable, err := f.post(ctx, body)
		if err != nil && retryable && attempt < f.maxAttempts {
			f.log.Warn().Err(err).
				Int("attempt", attempt).
				Int("max_attempts", f.maxAttempts).
				Msg("Webhook POST failed, will retry")
		}
		return resp, retryable, err
	})
	if err != nil {
		return "", &DeliveryError{Attempts: attempt, Err: err}
	}
	return result, nil
}

// post performs a single signed POST. Client errors other than 429 are
// permanent: the request itself is wrong and retrying cannot fix it.
func (f *Forwarder) post(ctx context.Context, body []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.secret != "" {
		req.Header.Set("X-Signature", f.sign(body))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return string(respBody), false, nil
	}

	statusErr := &httpStatusError{Status: resp.StatusCode, Body: string(respBody)}
	permanent := resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests
	return "", !permanent, statusErr
}

// sign computes the hex HMAC-SHA256 of the exact serialized body.
func (f *Forwarder) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(f.secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

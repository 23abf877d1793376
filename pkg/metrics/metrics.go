// Package metrics collects process-wide relay counters. The relay loop and
// forwarder write; the control surface reads snapshots.
package metrics

import (
	"sync"
	"time"
)

type Metrics struct {
	mu sync.Mutex

	startTime time.Time

	messagesSeen      int64
	messagesForwarded int64
	messagesSent      int64
	sendFailures      int64
	connectionErrors  int64
	reconnects        int64
	rateLimited       int64
	cursorSaves       int64

	lastMessage  time.Time
	contentKinds map[string]int64
}

func New() *Metrics {
	return &Metrics{
		startTime:    time.Now(),
		contentKinds: make(map[string]int64),
	}
}

func (m *Metrics) IncSeen()       { m.inc(&m.messagesSeen) }
func (m *Metrics) IncSent()       { m.inc(&m.messagesSent) }
func (m *Metrics) IncSendFail()   { m.inc(&m.sendFailures) }
func (m *Metrics) IncConnError()  { m.inc(&m.connectionErrors) }
func (m *Metrics) IncReconnect()  { m.inc(&m.reconnects) }
func (m *Metrics) IncRateLimited() { m.inc(&m.rateLimited) }
func (m *Metrics) IncCursorSave() { m.inc(&m.cursorSaves) }

func (m *Metrics) inc(field *int64) {
	m.mu.Lock()
	*field++
	m.mu.Unlock()
}

// RecordForwarded counts one successful delivery and tallies its content kind.
func (m *Metrics) RecordForwarded(contentKind string) {
	m.mu.Lock()
	m.messagesForwarded++
	m.contentKinds[contentKind]++
	m.lastMessage = time.Now()
	m.mu.Unlock()
}

// Snapshot returns the current counters plus derived rates, ready for JSON
// encoding on the metrics endpoint.
func (m *Metrics) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	uptime := time.Since(m.startTime).Seconds()
	var sinceLast, perMinute float64
	if !m.lastMessage.IsZero() {
		sinceLast = time.Since(m.lastMessage).Seconds()
	}
	if uptime > 0 {
		perMinute = float64(m.messagesSeen) / uptime * 60
	}

	kinds := make(map[string]int64, len(m.contentKinds))
	for k, v := range m.contentKinds {
		kinds[k] = v
	}

	return map[string]any{
		"uptime_seconds":             uptime,
		"messages_received":          m.messagesSeen,
		"messages_forwarded":         m.messagesForwarded,
		"messages_sent":              m.messagesSent,
		"webhook_failures":           m.sendFailures,
		"connection_errors":          m.connectionErrors,
		"reconnections":              m.reconnects,
		"rate_limited":               m.rateLimited,
		"state_saves":                m.cursorSaves,
		"seconds_since_last_message": sinceLast,
		"messages_per_minute":        perMinute,
		"message_types":              kinds,
	}
}

// RateLimited returns the rate-limited counter, for tests and introspection.
func (m *Metrics) RateLimited() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rateLimited
}

// Forwarded returns the forwarded counter.
func (m *Metrics) Forwarded() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messagesForwarded
}

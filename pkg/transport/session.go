// Package transport owns the WebSocket connection to the chat CLI and
// provides a correlated request/response primitive on top of a stream that
// also carries unsolicited server-pushed events.
package transport

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// command is the client frame: a correlation token plus a CLI command line.
type command struct {
	CorrID string `json:"corrId"`
	Cmd    string `json:"cmd"`
}

// Frame is one server frame. Async events arrive in the same shape with a
// corrId the client never issued (usually empty).
type Frame struct {
	CorrID string          `json:"corrId"`
	Resp   json.RawMessage `json:"resp"`
}

// ChatItems returns the raw chat item records from a poll response, one raw
// JSON blob per item. A response without chatItems yields nil.
func (f Frame) ChatItems() [][]byte {
	items := gjson.GetBytes(f.Resp, "chatItems")
	if !items.IsArray() {
		return nil
	}
	var out [][]byte
	items.ForEach(func(_, item gjson.Result) bool {
		out = append(out, []byte(item.Raw))
		return true
	})
	return out
}

// Session is one live socket connection. Only one correlated exchange may
// be in flight at a time; the owner (pkg/relay) serializes all access with
// a single lock around acquire-session-do-one-exchange.
type Session struct {
	conn        *websocket.Conn
	log         zerolog.Logger
	debugEvents bool
}

// Dial establishes the socket connection.
func Dial(ctx context.Context, url string, timeout time.Duration, log zerolog.Logger, debugEvents bool) (*Session, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}
	return &Session{
		conn:        conn,
		log:         log.With().Str("component", "transport").Logger(),
		debugEvents: debugEvents,
	}, nil
}

// Roundtrip writes one framed command tagged with corrID and reads frames
// until one with a matching tag arrives or the timeout elapses. Frames with
// any other tag are asynchronous events and are discarded.
func (s *Session) Roundtrip(corrID, cmd string, timeout time.Duration) (Frame, error) {
	payload, err := json.Marshal(command{CorrID: corrID, Cmd: cmd})
	if err != nil {
		return Frame{}, &ConnectionError{Op: "encode", Err: err}
	}

	deadline := time.Now().Add(timeout)
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return Frame{}, &ConnectionError{Op: "send", Err: err}
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return Frame{}, &ConnectionError{Op: "send", Err: err}
	}

	for {
		if time.Now().After(deadline) {
			return Frame{}, &TimeoutError{CorrID: corrID, Timeout: timeout}
		}
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return Frame{}, &ConnectionError{Op: "recv", Err: err}
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if isDeadlineExceeded(err) {
				return Frame{}, &TimeoutError{CorrID: corrID, Timeout: timeout}
			}
			return Frame{}, &ConnectionError{Op: "recv", Err: err}
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.CorrID == corrID {
			return frame, nil
		}
		if s.debugEvents {
			s.log.Debug().
				Str("event_type", gjson.GetBytes(frame.Resp, "type").String()).
				Msg("Discarding async event")
		}
	}
}

// Alive probes the connection with a protocol-level ping. It never blocks
// on a response; a failed write is the signal that the socket is gone.
func (s *Session) Alive() bool {
	err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(2*time.Second))
	return err == nil
}

// Close tears down the socket.
func (s *Session) Close() error {
	return s.conn.Close()
}

func isDeadlineExceeded(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

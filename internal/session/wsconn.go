package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConfig configures a WSSession.
type WSConfig struct {
	// URL is the panel's WebSocket endpoint, e.g. "wss://panel.local/ws".
	URL string
	// DialTimeout bounds the initial handshake.
	DialTimeout time.Duration
	// ReadBufferSize / WriteBufferSize size the underlying socket
	// buffers; zero uses gorilla/websocket's defaults.
	ReadBufferSize  int
	WriteBufferSize int
}

// WSSession is the default Session implementation: a single
// WebSocket connection carrying one JSON envelope per message in both
// directions. One goroutine reads without taking the mutex; writes
// happen inline under a mutex guarding the connection handle, keeping
// concurrent writers from racing on the same socket. It does not
// redial: a read error ends the read loop and is reported through
// Callbacks.OnDisconnected.
type WSSession struct {
	cfg    WSConfig
	cb     Callbacks
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWSSession creates a WebSocket-backed Session. Dial must be called
// before SendJSON will succeed. A nil logger defaults to slog.Default().
func NewWSSession(cfg WSConfig, cb Callbacks, logger *slog.Logger) *WSSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSSession{cfg: cfg, cb: cb, logger: logger}
}

// Dial connects to the configured URL and starts the read loop. The
// caller is responsible for any application-level handshake; this
// layer only establishes the socket.
func (s *WSSession) Dial(ctx context.Context) error {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse panel URL: %w", err)
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  s.cfg.ReadBufferSize,
		WriteBufferSize: s.cfg.WriteBufferSize,
	}
	if s.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DialTimeout)
		defer cancel()
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial panel websocket: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.closed = false
	s.connMu.Unlock()

	go s.readLoop(conn)
	return nil
}

// SendJSON implements Session.
func (s *WSSession) SendJSON(obj map[string]any, priority Priority, onSent func(time.Time), onFail func(error)) {
	s.connMu.Lock()
	conn := s.conn
	closed := s.closed
	s.connMu.Unlock()

	if closed {
		if onFail != nil {
			onFail(&ClosedError{})
		}
		return
	}
	if conn == nil {
		if onFail != nil {
			onFail(&IOError{Detail: "not connected"})
		}
		return
	}

	s.connMu.Lock()
	err := conn.WriteJSON(obj)
	s.connMu.Unlock()

	if err != nil {
		s.logger.Debug("panel websocket write failed", "priority", priority, "error", err)
		if onFail != nil {
			onFail(&IOError{Detail: "write", Err: err})
		}
		return
	}
	if onSent != nil {
		onSent(time.Now())
	}
}

// Close implements Session. Idempotent.
func (s *WSSession) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// readLoop decodes one JSON envelope per message and hands it to the
// kernel via Callbacks.OnMessage, in delivery order, until the socket
// closes or errors.
func (s *WSSession) readLoop(conn *websocket.Conn) {
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			s.connMu.Lock()
			explicit := s.closed
			s.connMu.Unlock()

			if explicit || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("panel websocket closed")
				return
			}
			s.logger.Warn("panel websocket read error, connection lost", "error", err)
			if s.cb.OnDisconnected != nil {
				s.cb.OnDisconnected(&IOError{Detail: "read", Err: err})
			}
			return
		}
		if raw, ok := anyToRawMessage(msg); ok {
			s.logger.Log(context.Background(), levelTrace, "panel envelope received", "raw", raw)
		}
		if s.cb.OnMessage != nil {
			s.cb.OnMessage(msg)
		}
	}
}

// levelTrace mirrors config.LevelTrace without importing the config
// package here (session must not depend on config, to keep the
// transport layer reusable outside this repository's CLI).
const levelTrace = slog.Level(-8)

func anyToRawMessage(msg map[string]any) (string, bool) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", false
	}
	return string(b), true
}

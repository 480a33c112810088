package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/alimasry/go-mindmap-sync/auth"
	"github.com/alimasry/go-mindmap-sync/wire"
)

// SessionState is the connection session's lifecycle state.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// ErrSessionClosed is returned by Connect after an explicit Disconnect.
var ErrSessionClosed = errors.New("session closed")

// StateChange is delivered on the session's state channel.
type StateChange struct {
	State SessionState
	// Attempt is the consecutive reconnect attempt count, zero after a
	// successful connection.
	Attempt int
	// GaveUp is set on a terminal disconnect: the reconnect budget ran out or
	// the server rejected the credential. The session will not retry until
	// Connect is called again.
	GaveUp bool
	Err    error
}

// SessionConfig carries the transport timing knobs.
type SessionConfig struct {
	URL               string
	HandshakeTimeout  time.Duration
	EstablishTimeout  time.Duration
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxReconnects     int
	BufferSize        int
}

// DefaultSessionConfig returns the timing defaults.
func DefaultSessionConfig(url string) SessionConfig {
	return SessionConfig{
		URL:               url,
		HandshakeTimeout:  2 * time.Second,
		EstablishTimeout:  5 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Second,
		BackoffBase:       500 * time.Millisecond,
		BackoffMax:        30 * time.Second,
		MaxReconnects:     10,
		BufferSize:        64,
	}
}

// newBackoff builds the reconnect delay source: exponential, doubling from
// the base, capped at the max, never giving up on its own (the attempt
// counter enforces the budget).
func newBackoff(cfg SessionConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffBase
	b.Multiplier = 2
	b.MaxInterval = cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Session is one logical connection to the sync server for one document.
// It owns the websocket, the heartbeat, and reconnection with exponential
// backoff. Inbound messages and state transitions are delivered on bounded
// channels; there is no callback fan-out.
type Session struct {
	cfg    SessionConfig
	tokens auth.TokenSource
	docID  string

	mu        sync.Mutex
	state     SessionState
	sessionID string
	conn      *websocket.Conn
	cancel    context.CancelFunc
	closed    bool

	send     chan wire.ClientMessage
	messages chan wire.ServerMessage
	states   chan StateChange
	done     chan struct{}
}

// NewSession creates a session for a document. Connect starts it.
func NewSession(cfg SessionConfig, tokens auth.TokenSource, docID string) *Session {
	return &Session{
		cfg:      cfg,
		tokens:   tokens,
		docID:    docID,
		send:     make(chan wire.ClientMessage, cfg.BufferSize),
		messages: make(chan wire.ServerMessage, cfg.BufferSize),
		states:   make(chan StateChange, 8),
	}
}

// Messages is the inbound server message channel.
func (s *Session) Messages() <-chan wire.ServerMessage { return s.messages }

// States delivers connection state transitions.
func (s *Session) States() <-chan StateChange { return s.states }

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the server-issued session id, empty until established.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Connect opens the transport and waits for the server's session
// establishment. A missing credential fails immediately with no retry. On
// transport failure the session keeps reconnecting in the background with
// exponential backoff, so an error from the first attempt does not mean the
// session is dead unless GaveUp was signaled.
func (s *Session) Connect(ctx context.Context) error {
	if !s.tokens.IsAuthenticated() {
		s.setState(StateDisconnected, StateChange{State: StateDisconnected, Err: auth.ErrNotAuthenticated})
		return auth.ErrNotAuthenticated
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("session already connecting")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	established := make(chan error, 1)
	go s.run(runCtx, established)

	select {
	case err := <-established:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect is the explicit, intentional shutdown. It suppresses
// auto-reconnect, cancels pending reconnect timers and stops the heartbeat.
// The pending queue is untouched; a later session resumes draining it.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	conn := s.conn
	done := s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
}

// TrySend queues a message for transmission. It reports false when the
// session is not connected or the transport buffer is full; the message is
// not queued and the caller decides whether to retry.
func (s *Session) TrySend(msg wire.ClientMessage) bool {
	if s.State() != StateConnected {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		log.Printf("session %s: send buffer full, deferring %s", s.docID, msg.Type)
		return false
	}
}

// Send queues a message for transmission, best effort. While not connected or
// under transport backpressure it is a silent no-op: suitable for presence
// and resync traffic, where the next event supersedes a dropped one. Queued
// operations go through TrySend so a drop is observed and retried.
func (s *Session) Send(msg wire.ClientMessage) {
	s.TrySend(msg)
}

func (s *Session) setState(state SessionState, change StateChange) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	select {
	case s.states <- change:
	default:
		// State channel full; the latest state remains queryable via State.
	}
}

// run drives connect/reconnect until the context is canceled or the
// reconnect budget is exhausted. The first attempt's outcome is reported on
// established.
func (s *Session) run(ctx context.Context, established chan<- error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	defer close(done)
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	delays := newBackoff(s.cfg)
	attempt := 0
	first := true

	for {
		if attempt == 0 {
			s.setState(StateConnecting, StateChange{State: StateConnecting})
		} else {
			s.setState(StateReconnecting, StateChange{State: StateReconnecting, Attempt: attempt})
		}

		conn, err := s.dial(ctx)
		if err != nil {
			if errors.Is(err, auth.ErrNotAuthenticated) {
				log.Printf("session %s: credential rejected, not retrying: %v", s.docID, err)
				if first {
					first = false
					established <- err
				}
				s.setState(StateDisconnected, StateChange{State: StateDisconnected, GaveUp: true, Err: err})
				return
			}
			if first {
				first = false
				established <- err
			}
			attempt++
			if s.cfg.MaxReconnects > 0 && attempt > s.cfg.MaxReconnects {
				log.Printf("session %s: giving up after %d reconnect attempts", s.docID, attempt-1)
				s.setState(StateDisconnected, StateChange{State: StateDisconnected, Attempt: attempt - 1, GaveUp: true, Err: err})
				return
			}
			select {
			case <-ctx.Done():
				s.setState(StateDisconnected, StateChange{State: StateDisconnected, Err: ctx.Err()})
				return
			case <-time.After(delays.NextBackOff()):
				continue
			}
		}

		attempt = 0
		delays.Reset()
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.setState(StateConnected, StateChange{State: StateConnected})
		if first {
			first = false
			established <- nil
		}

		s.pump(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		closed := s.closed
		s.mu.Unlock()
		if closed || ctx.Err() != nil {
			s.setState(StateDisconnected, StateChange{State: StateDisconnected})
			return
		}
		attempt = 1
		select {
		case <-ctx.Done():
			s.setState(StateDisconnected, StateChange{State: StateDisconnected})
			return
		case <-time.After(delays.NextBackOff()):
		}
	}
}

// dial opens the websocket, presents the bearer credential and waits for the
// server's session_established message.
func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := s.tokens.Token()
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL+"?doc="+s.docID, header)
	if err != nil {
		// A handshake refused with 401/403 is a rejected credential, not a
		// transport failure; retrying it cannot succeed.
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: credential rejected: %w", s.cfg.URL, auth.ErrNotAuthenticated)
		}
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	success := false
	defer func() {
		if !success {
			conn.Close()
		}
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.EstablishTimeout))
	var msg wire.ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return nil, fmt.Errorf("await session: %w", err)
	}
	switch msg.Type {
	case wire.MsgSessionEstablished:
	case wire.MsgError:
		if msg.Code == wire.CodeAuthFailed {
			return nil, fmt.Errorf("session rejected: %s: %w", msg.Message, auth.ErrNotAuthenticated)
		}
		return nil, fmt.Errorf("session rejected: %s: %s", msg.Code, msg.Message)
	default:
		return nil, fmt.Errorf("unexpected message %q before session establishment", msg.Type)
	}

	s.mu.Lock()
	s.sessionID = msg.SessionID
	s.mu.Unlock()

	// Forward the establishment so the coordinator sees the server's
	// sequence cursor.
	select {
	case s.messages <- msg:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	success = true
	return conn, nil
}

// pump runs the read and write loops for one connection and returns when
// either side fails.
func (s *Session) pump(ctx context.Context, conn *websocket.Conn) {
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	go func() {
		defer cancel()
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pumpCtx.Done():
				return
			case msg := <-s.send:
				conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, msg.Encode()); err != nil {
					log.Printf("session %s: write error: %v", s.docID, err)
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				hb := wire.ClientMessage{Type: wire.MsgHeartbeat, TS: time.Now()}
				if err := conn.WriteMessage(websocket.TextMessage, hb.Encode()); err != nil {
					return
				}
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg wire.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("session %s: read error: %v", s.docID, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		select {
		case s.messages <- msg:
		case <-pumpCtx.Done():
			return
		}
	}
}

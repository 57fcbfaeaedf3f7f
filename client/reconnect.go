// Package client implements the console-side connection discipline: a
// console must restore connectivity after any involuntary disconnect on its
// own, with bounded backoff, and stop hammering the hub after too many
// consecutive failures.
package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dispatchgrid/consolehub/config"
	"github.com/dispatchgrid/consolehub/globals"
)

// Status of the managed connection.
type Status int

const (
	StatusConnecting Status = iota
	StatusOpen
	// StatusDisconnected is terminal: auto-retry is exhausted and only a
	// manual Reconnect restarts the attempts.
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// wsConn is the part of *websocket.Conn the manager reads from.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type dialFunc func(url string) (wsConn, error)

// Manager re-establishes a lost connection with bounded exponential backoff.
// After maxAttempts consecutive failures it surfaces a terminal disconnected
// status and waits for a manual reconnect request.
type Manager struct {
	url         string
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	// OnFrame receives every payload read from the connection. Reconnection
	// itself reacts only to connection-level events, never to payloads.
	OnFrame func([]byte)
	// OnStatus is called on every status transition.
	OnStatus func(Status)

	dial  dialFunc
	after func(time.Duration) <-chan time.Time

	mu          sync.Mutex
	attempts    int
	status      Status
	reconnectCh chan struct{}
}

func NewManager(url string, cfg config.ClientConfig) *Manager {
	return &Manager{
		url:         url,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		maxAttempts: cfg.MaxAttempts,
		dial: func(url string) (wsConn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		after:       time.After,
		reconnectCh: make(chan struct{}, 1),
	}
}

// Attempts returns the current consecutive-failure count.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Reconnect is the operator-triggered manual reconnect. It resets the
// failure counter regardless of prior failures and wakes the run loop if it
// is parked in the terminal disconnected state.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
	select {
	case m.reconnectCh <- struct{}{}:
	default:
	}
}

// nextDelay returns the backoff delay for the current failure count:
// min(baseDelay * attempts, maxDelay).
func (m *Manager) nextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	delay := m.baseDelay * time.Duration(m.attempts)
	if delay > m.maxDelay {
		delay = m.maxDelay
	}
	return delay
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	changed := m.status != s
	m.status = s
	m.mu.Unlock()
	if changed && m.OnStatus != nil {
		m.OnStatus(s)
	}
}

// Run connects and keeps the connection alive until done is closed. On an
// abnormal close or connection error it schedules the next attempt after
// min(baseDelay * attemptCount, maxDelay); the counter resets the instant a
// connection reaches the open state.
func (m *Manager) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		m.setStatus(StatusConnecting)
		conn, err := m.dial(m.url)
		if err != nil {
			m.mu.Lock()
			m.attempts++
			attempts := m.attempts
			m.mu.Unlock()
			globals.AppLogger.Warn("could not connect", "url", m.url, "attempt", attempts, "error", err)
			if attempts >= m.maxAttempts {
				m.setStatus(StatusDisconnected)
				select {
				case <-m.reconnectCh:
					continue
				case <-done:
					return
				}
			}
			select {
			case <-m.after(m.nextDelay()):
			case <-m.reconnectCh:
			case <-done:
				return
			}
			continue
		}

		m.mu.Lock()
		m.attempts = 0
		m.mu.Unlock()
		m.setStatus(StatusOpen)
		globals.AppLogger.Info("connected", "url", m.url)

		m.readUntilClosed(conn, done)
	}
}

func (m *Manager) readUntilClosed(conn wsConn, done <-chan struct{}) {
	defer conn.Close()
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				globals.AppLogger.Info("connection lost", "error", err)
				return
			}
			if m.OnFrame != nil {
				m.OnFrame(raw)
			}
		}
	}()
	select {
	case <-readDone:
	case <-done:
	}
}

// Package chat manages the long-lived session to the chat backend's command
// API.
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-bridge/pkg/logger"
	"github.com/capitalize-ai/chat-bridge/pkg/metrics"
)

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ManagerConfig holds the reconnect policy.
type ManagerConfig struct {
	DialTimeout    time.Duration
	AcquireTimeout time.Duration
	ReconnectDelay time.Duration
	// CooldownDelay replaces ReconnectDelay once FailureThreshold
	// consecutive failures have been seen; the streak then restarts.
	CooldownDelay    time.Duration
	FailureThreshold int
}

// DefaultManagerConfig returns the default reconnect policy.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DialTimeout:      10 * time.Second,
		AcquireTimeout:   10 * time.Second,
		ReconnectDelay:   5 * time.Second,
		CooldownDelay:    30 * time.Second,
		FailureThreshold: 10,
	}
}

// Manager owns at most one Session and replaces it when it fails.
//
// While the state is StateConnected the ready channel is closed and session
// is non-nil; in every other state ready is open (or closed for good once
// the manager is StateClosed) and session is nil.
type Manager struct {
	cfg     ManagerConfig
	dial    Dialer
	metrics *metrics.Metrics
	logger  *logger.Logger

	mu          sync.Mutex
	state       State
	session     Session
	ready       chan struct{}
	lost        chan struct{}
	failures    int
	established int
}

// NewManager creates a manager. Nothing is dialed until Run is called.
func NewManager(cfg ManagerConfig, dial Dialer, m *metrics.Metrics, log *logger.Logger) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 10
	}
	return &Manager{
		cfg:     cfg,
		dial:    dial,
		metrics: m,
		logger:  log.Named("chat"),
		state:   StateDisconnected,
		ready:   make(chan struct{}),
	}
}

// Run keeps a session open until ctx is cancelled, then closes the manager.
func (m *Manager) Run(ctx context.Context) {
	defer m.shutdown()

	for {
		if ctx.Err() != nil {
			return
		}
		if !m.setState(StateConnecting) {
			return
		}

		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		session, err := m.dial(dialCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.metrics.IncConnectionErrors()
			delay := m.recordFailure()
			m.setState(StateDisconnected)
			m.logger.Warn("chat backend dial failed",
				zap.Error(err),
				zap.Duration("retry_in", delay),
			)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		lost, ok := m.attach(session)
		if !ok {
			_ = session.Close()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-lost:
		}

		delay := m.recordFailure()
		m.logger.Info("reconnecting to chat backend", zap.Duration("retry_in", delay))
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// WithSession waits for a live session, bounded by the acquire timeout, and
// calls fn with it. An error from fn other than a backend rejection or an
// unsent command drops the session and wakes the reconnect loop. Success resets the failure
// streak.
func (m *Manager) WithSession(ctx context.Context, fn func(Session) error) error {
	session, err := m.acquire(ctx)
	if err != nil {
		return err
	}

	err = fn(session)
	switch {
	case err == nil:
		m.resetFailures()
	case errors.Is(err, ErrCommandRejected), errors.Is(err, ErrNotSent):
	default:
		m.invalidate(session, err)
	}
	return err
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether a session is live.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

func (m *Manager) acquire(ctx context.Context) (Session, error) {
	timer := time.NewTimer(m.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.state == StateClosed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if m.session != nil {
			s := m.session
			m.mu.Unlock()
			return s, nil
		}
		ready := m.ready
		m.mu.Unlock()

		select {
		case <-ready:
		case <-timer.C:
			return nil, ErrNotConnected
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) setState(s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return false
	}
	m.state = s
	return true
}

func (m *Manager) attach(s Session) (<-chan struct{}, bool) {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil, false
	}
	m.session = s
	m.state = StateConnected
	m.lost = make(chan struct{})
	m.established++
	reconnect := m.established > 1
	if reconnect {
		m.metrics.IncReconnections()
	}
	lost := m.lost
	close(m.ready)
	m.mu.Unlock()

	m.logger.Info("connected to chat backend", zap.Bool("reconnect", reconnect))
	return lost, true
}

// invalidate drops s if it is still the current session.
func (m *Manager) invalidate(s Session, cause error) {
	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.state = StateDisconnected
	m.ready = make(chan struct{})
	close(m.lost)
	m.mu.Unlock()

	m.logger.Warn("chat session lost", zap.Error(cause))
	_ = s.Close()
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	s := m.session
	m.session = nil
	if s == nil {
		close(m.ready)
	}
	m.state = StateClosed
	m.mu.Unlock()

	if s != nil {
		_ = s.Close()
	}
	m.logger.Info("connection manager closed")
}

// recordFailure extends the failure streak and returns the delay before the
// next dial.
func (m *Manager) recordFailure() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	if m.failures >= m.cfg.FailureThreshold {
		m.failures = 0
		return m.cfg.CooldownDelay
	}
	return m.cfg.ReconnectDelay
}

func (m *Manager) resetFailures() {
	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

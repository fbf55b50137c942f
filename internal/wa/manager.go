package wa

import (
	"errors"
	"sync"
	"time"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/bus"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/status"
	"go.uber.org/zap"
)

// ErrNotReady is returned by Guard when the session is not Open. Callers
// decide whether to retry; nothing is queued on their behalf.
var ErrNotReady = errors.New("session not open")

// DefaultReconnectDelay is the fixed delay before an ordinary reconnect.
const DefaultReconnectDelay = 5 * time.Second

// DefaultConflictCooldown is how long to wait before the single conflict
// retry. Long enough that a competing instance being shut down has
// released the credentials; short enough to matter operationally.
const DefaultConflictCooldown = 45 * time.Second

// CloseReason classifies why the session closed.
type CloseReason int

const (
	// CloseTransient covers network drops and server restarts.
	CloseTransient CloseReason = iota
	// CloseConflict means another session took over the same credentials.
	CloseConflict
	// CloseLoggedOut means the credentials were invalidated remotely.
	CloseLoggedOut
)

func (r CloseReason) String() string {
	switch r {
	case CloseConflict:
		return "conflict"
	case CloseLoggedOut:
		return "logged_out"
	default:
		return "transient"
	}
}

// Dialer is the connect/disconnect surface the manager drives. Satisfied
// by *Adapter; a stub in tests.
type Dialer interface {
	Connect() error
	Disconnect()
}

// Manager owns one logical session to the network and drives its
// reconnect state machine. At most one reconnect timer is pending at any
// time; firing concurrent reconnects with the same credentials is the
// root cause of conflict loops.
type Manager struct {
	machine *status.Machine
	dialer  Dialer
	bus     *bus.Bus
	logger  *zap.Logger

	reconnectDelay   time.Duration
	conflictCooldown time.Duration

	// afterFunc schedules delayed work; replaced in tests.
	afterFunc func(time.Duration, func()) *time.Timer

	mu               sync.Mutex
	reconnectPending bool
	conflictRetried  bool
}

// NewManager creates a manager around the given dialer and machine.
func NewManager(dialer Dialer, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		machine:          machine,
		dialer:           dialer,
		bus:              b,
		logger:           logger,
		reconnectDelay:   DefaultReconnectDelay,
		conflictCooldown: DefaultConflictCooldown,
		afterFunc:        time.AfterFunc,
	}
}

// Open starts the initial connection attempt.
func (m *Manager) Open() error {
	if err := m.machine.Transition(status.Connecting); err != nil {
		return err
	}
	if err := m.dialer.Connect(); err != nil {
		m.logger.Error("initial connect failed", zap.Error(err))
		_ = m.machine.Transition(status.Disconnected)
		m.scheduleReconnect(m.reconnectDelay)
		return err
	}
	return nil
}

// Close begins an orderly shutdown.
func (m *Manager) Close() {
	_ = m.machine.Transition(status.Closing)
	m.dialer.Disconnect()
	_ = m.machine.Transition(status.Disconnected)
}

// Guard returns ErrNotReady unless the session is Open.
func (m *Manager) Guard() error {
	if m.machine.Current() != status.Open {
		return ErrNotReady
	}
	return nil
}

// State returns the current session state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// HandleConnected records a successful handshake. The session is not yet
// Open: the initial history sync is still outstanding.
func (m *Manager) HandleConnected() {
	if err := m.machine.Transition(status.AwaitingSync); err != nil {
		m.logger.Warn("unexpected connected event", zap.String("state", string(m.machine.Current())))
		return
	}
	m.logger.Info("handshake complete, awaiting initial sync")
}

// HandleSynced marks the initial sync as done. Idempotent: sync progress
// events after the first are ignored. A full reopen also clears the
// conflict retry allowance.
func (m *Manager) HandleSynced() {
	if m.machine.Current() == status.Open {
		return
	}
	if err := m.machine.Transition(status.Open); err != nil {
		return
	}
	m.mu.Lock()
	m.conflictRetried = false
	m.mu.Unlock()
	m.logger.Info("session open")
	m.bus.Publish(bus.Event{Kind: "session.open", Timestamp: time.Now()})
}

// HandleClose reacts to a session close. Logged-out credentials are
// terminal. A conflict gets exactly one retry after a cooldown, then is
// terminal, to avoid a reconnect storm against a competing instance.
// Everything else reconnects after a fixed short delay.
func (m *Manager) HandleClose(reason CloseReason) {
	m.logger.Warn("session closed", zap.String("reason", reason.String()))
	m.bus.Publish(bus.Event{Kind: "session.closed", Timestamp: time.Now(), Payload: reason.String()})

	switch reason {
	case CloseLoggedOut:
		_ = m.machine.Transition(status.Failed)
		m.logger.Error("credentials logged out; re-authentication required")

	case CloseConflict:
		m.mu.Lock()
		retried := m.conflictRetried
		m.conflictRetried = true
		m.mu.Unlock()
		if retried {
			_ = m.machine.Transition(status.Failed)
			m.logger.Error("second session conflict; giving up to avoid reconnect storm")
			return
		}
		_ = m.machine.Transition(status.Disconnected)
		m.logger.Warn("session conflict; retrying once after cooldown",
			zap.Duration("cooldown", m.conflictCooldown))
		m.scheduleReconnect(m.conflictCooldown)

	default:
		_ = m.machine.Transition(status.Disconnected)
		m.scheduleReconnect(m.reconnectDelay)
	}
}

// scheduleReconnect arms the reconnect timer if none is pending.
func (m *Manager) scheduleReconnect(delay time.Duration) {
	m.mu.Lock()
	if m.reconnectPending {
		m.mu.Unlock()
		return
	}
	m.reconnectPending = true
	m.mu.Unlock()

	m.afterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectPending = false
		m.mu.Unlock()

		if m.machine.Terminal() {
			return
		}
		if err := m.machine.Transition(status.Connecting); err != nil {
			return
		}
		m.logger.Info("reconnecting")
		if err := m.dialer.Connect(); err != nil {
			m.logger.Error("reconnect failed", zap.Error(err))
			_ = m.machine.Transition(status.Disconnected)
			m.scheduleReconnect(m.reconnectDelay)
		}
	})
}

package wa

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/bus"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/status"
)

// stubDialer records connect calls and returns a configurable error.
type stubDialer struct {
	mu       sync.Mutex
	connects int
	err      error
}

func (d *stubDialer) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	return d.err
}

func (d *stubDialer) Disconnect() {}

func (d *stubDialer) connectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

// manualTimers captures scheduled callbacks so tests fire them explicitly.
type manualTimers struct {
	mu      sync.Mutex
	pending []func()
}

func (mt *manualTimers) afterFunc(_ time.Duration, f func()) *time.Timer {
	mt.mu.Lock()
	mt.pending = append(mt.pending, f)
	mt.mu.Unlock()
	// Return a dormant timer; the test drives execution.
	return time.NewTimer(time.Hour)
}

func (mt *manualTimers) fire(t *testing.T) {
	t.Helper()
	mt.mu.Lock()
	if len(mt.pending) == 0 {
		mt.mu.Unlock()
		t.Fatal("no pending timer to fire")
	}
	f := mt.pending[0]
	mt.pending = mt.pending[1:]
	mt.mu.Unlock()
	f()
}

func (mt *manualTimers) count() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return len(mt.pending)
}

func testManager(d *stubDialer) (*Manager, *manualTimers) {
	timers := &manualTimers{}
	m := NewManager(d, status.NewMachine(nil), bus.New(), nil)
	m.afterFunc = timers.afterFunc
	return m, timers
}

func openSession(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.Open(); err != nil {
		t.Fatal(err)
	}
	m.HandleConnected()
	m.HandleSynced()
	if m.State() != status.Open {
		t.Fatalf("state = %s, want OPEN", m.State())
	}
}

func TestOpenLifecycle(t *testing.T) {
	d := &stubDialer{}
	m, _ := testManager(d)
	openSession(t, m)
	if d.connectCount() != 1 {
		t.Errorf("connects = %d, want 1", d.connectCount())
	}
	if err := m.Guard(); err != nil {
		t.Errorf("Guard() = %v after open", err)
	}
}

func TestGuardFailsFastWhenNotOpen(t *testing.T) {
	d := &stubDialer{}
	m, _ := testManager(d)
	if err := m.Guard(); !errors.Is(err, ErrNotReady) {
		t.Errorf("Guard() = %v, want ErrNotReady", err)
	}

	_ = m.Open()
	m.HandleConnected()
	// Still awaiting sync: sends must fail fast, not queue.
	if err := m.Guard(); !errors.Is(err, ErrNotReady) {
		t.Errorf("Guard() = %v in AWAITING_SYNC, want ErrNotReady", err)
	}
}

func TestTransientCloseSchedulesReconnect(t *testing.T) {
	d := &stubDialer{}
	m, timers := testManager(d)
	openSession(t, m)

	m.HandleClose(CloseTransient)
	if m.State() != status.Disconnected {
		t.Fatalf("state = %s, want DISCONNECTED", m.State())
	}
	if timers.count() != 1 {
		t.Fatalf("pending timers = %d, want 1", timers.count())
	}

	timers.fire(t)
	if d.connectCount() != 2 {
		t.Errorf("connects = %d, want 2 (reconnect fired)", d.connectCount())
	}
	if m.State() != status.Connecting {
		t.Errorf("state = %s, want CONNECTING", m.State())
	}
}

// TestReconnectTimerIdempotent verifies that a pending reconnect timer
// blocks scheduling of a second one.
func TestReconnectTimerIdempotent(t *testing.T) {
	d := &stubDialer{}
	m, timers := testManager(d)
	openSession(t, m)

	m.HandleClose(CloseTransient)
	// A second close event while a timer is pending must not arm another.
	m.HandleClose(CloseTransient)
	if timers.count() != 1 {
		t.Errorf("pending timers = %d, want 1 (idempotent scheduling)", timers.count())
	}
}

// TestConflictRetriesOnce verifies the conflict bound: two consecutive
// conflicts produce at most one retry before the terminal failed state.
func TestConflictRetriesOnce(t *testing.T) {
	d := &stubDialer{}
	m, timers := testManager(d)
	openSession(t, m)

	// First conflict: one retry scheduled after the cooldown.
	m.HandleClose(CloseConflict)
	if m.State() != status.Disconnected {
		t.Fatalf("state = %s, want DISCONNECTED after first conflict", m.State())
	}
	if timers.count() != 1 {
		t.Fatalf("pending timers = %d, want 1", timers.count())
	}
	timers.fire(t)
	if d.connectCount() != 2 {
		t.Fatalf("connects = %d, want 2", d.connectCount())
	}

	// Second conflict: terminal, no further timer.
	m.HandleClose(CloseConflict)
	if m.State() != status.Failed {
		t.Errorf("state = %s, want FAILED after second conflict", m.State())
	}
	if timers.count() != 0 {
		t.Errorf("pending timers = %d, want 0 (no reconnect storm)", timers.count())
	}
}

// TestConflictBudgetResetsOnReopen verifies that a fully reopened session
// gets a fresh conflict retry.
func TestConflictBudgetResetsOnReopen(t *testing.T) {
	d := &stubDialer{}
	m, timers := testManager(d)
	openSession(t, m)

	m.HandleClose(CloseConflict)
	timers.fire(t)
	m.HandleConnected()
	m.HandleSynced()
	if m.State() != status.Open {
		t.Fatalf("state = %s, want OPEN after retry", m.State())
	}

	// A conflict after a successful reopen gets a retry again.
	m.HandleClose(CloseConflict)
	if m.State() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED (retry allowance reset)", m.State())
	}
	if timers.count() != 1 {
		t.Errorf("pending timers = %d, want 1", timers.count())
	}
}

func TestLoggedOutIsTerminal(t *testing.T) {
	d := &stubDialer{}
	m, timers := testManager(d)
	openSession(t, m)

	m.HandleClose(CloseLoggedOut)
	if m.State() != status.Failed {
		t.Fatalf("state = %s, want FAILED", m.State())
	}
	if timers.count() != 0 {
		t.Errorf("pending timers = %d, want 0 (no retry on logout)", timers.count())
	}
}

// TestPendingTimerDoesNotFireAfterTerminal verifies a timer armed before a
// terminal failure becomes a no-op.
func TestPendingTimerDoesNotFireAfterTerminal(t *testing.T) {
	d := &stubDialer{}
	m, timers := testManager(d)
	openSession(t, m)

	m.HandleClose(CloseTransient)
	m.HandleClose(CloseLoggedOut)
	if m.State() != status.Failed {
		t.Fatalf("state = %s, want FAILED", m.State())
	}

	timers.fire(t)
	if d.connectCount() != 1 {
		t.Errorf("connects = %d, want 1 (no reconnect after terminal)", d.connectCount())
	}
}

func TestHandleSyncedIdempotent(t *testing.T) {
	d := &stubDialer{}
	m, _ := testManager(d)
	openSession(t, m)

	// Later sync progress events are ignored.
	m.HandleSynced()
	m.HandleSynced()
	if m.State() != status.Open {
		t.Errorf("state = %s, want OPEN", m.State())
	}
}

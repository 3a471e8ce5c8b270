package collab

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/scoresync/go/internal/models"
)

// State is the connection lifecycle state.
type State string

const (
	StateOffline    State = "offline"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
)

// Status is a point-in-time copy of the sync context.
type Status struct {
	State           State
	ConnectionType  models.RoomKind
	RoomCode        string
	DisplayName     string
	SessionID       string
	SyncedSessionID string
	Peers           []models.Peer
	Attempt         int
	RetryAt         time.Time
	LastError       *SyncError
}

// Observer receives lifecycle notifications synchronously. Implementations
// must not call back into the Manager from these methods.
type Observer interface {
	StateChanged(Status)
	PeersChanged([]models.Peer)
	Error(*SyncError)
	Warning(*SyncError)
}

// NoopObserver ignores everything. Embed it to implement a subset.
type NoopObserver struct{}

func (NoopObserver) StateChanged(Status)        {}
func (NoopObserver) PeersChanged([]models.Peer) {}
func (NoopObserver) Error(*SyncError)           {}
func (NoopObserver) Warning(*SyncError)         {}

// SyncContext is the one connection-state record of the process. Only the
// Manager and the Supervisor mutate it.
type SyncContext struct {
	mu       sync.Mutex
	status   Status
	password string
	retry    clockwork.Timer
	retrySeq uint64
	observer Observer
}

// NewSyncContext creates an offline context reporting to observer.
func NewSyncContext(observer Observer) *SyncContext {
	if observer == nil {
		observer = NoopObserver{}
	}
	return &SyncContext{
		status:   Status{State: StateOffline},
		observer: observer,
	}
}

// Status returns a copy of the current status.
func (c *SyncContext) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *SyncContext) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.State
}

func (c *SyncContext) snapshotLocked() Status {
	s := c.status
	s.Peers = append([]models.Peer(nil), c.status.Peers...)
	return s
}

// update applies fn under the lock and notifies the observer when the
// state changed.
func (c *SyncContext) update(fn func(s *Status)) {
	c.mu.Lock()
	before := c.status.State
	fn(&c.status)
	changed := c.status.State != before
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if changed {
		c.observer.StateChanged(snap)
	}
}

func (c *SyncContext) transition(state State) {
	c.update(func(s *Status) {
		s.State = state
		if state == StateConnected {
			s.LastError = nil
		}
	})
}

func (c *SyncContext) fail(err *SyncError) {
	c.update(func(s *Status) {
		s.State = StateError
		s.LastError = err
	})
	c.observer.Error(err)
}

func (c *SyncContext) warn(err *SyncError) {
	c.observer.Warning(err)
}

func (c *SyncContext) setPeers(peers []models.Peer) {
	c.mu.Lock()
	c.status.Peers = peers
	snap := append([]models.Peer(nil), peers...)
	c.mu.Unlock()
	c.observer.PeersChanged(snap)
}

func (c *SyncContext) setPassword(password string) {
	c.mu.Lock()
	c.password = password
	c.mu.Unlock()
}

// reserveRetry invalidates any pending retry and returns the token the
// next scheduled retry must present.
func (c *SyncContext) reserveRetry() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopRetryLocked()
	c.retrySeq++
	return c.retrySeq
}

// scheduleRetry records timer as the pending retry for token seq.
func (c *SyncContext) scheduleRetry(seq uint64, timer clockwork.Timer, attempt int, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.retrySeq {
		timer.Stop()
		return
	}
	c.retry = timer
	c.status.Attempt = attempt
	c.status.RetryAt = at
}

// claimRetry reports whether seq is still the pending retry and clears it.
func (c *SyncContext) claimRetry(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.retrySeq {
		return false
	}
	c.retrySeq++
	c.retry = nil
	return true
}

// cancelRetry stops the pending retry timer, if any.
func (c *SyncContext) cancelRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopRetryLocked()
	c.retrySeq++
}

func (c *SyncContext) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.status.RetryAt = time.Time{}
}

func (c *SyncContext) resetAttempts() {
	c.mu.Lock()
	c.status.Attempt = 0
	c.mu.Unlock()
}

func (c *SyncContext) retryPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry != nil
}

package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/models"
	"github.com/mcdev12/scoresync/go/internal/session"
)

// Retry delays double from InitialRetryDelay up to MaxRetryDelay and then
// repeat at the cap forever.
const (
	InitialRetryDelay = time.Second
	MaxRetryDelay     = 30 * time.Second
)

var ErrAlreadyAutoReconnected = errors.New("auto-reconnect already attempted")

// Supervisor reconnects after transport failures and network changes.
type Supervisor struct {
	m     *Manager
	clock clockwork.Clock

	mu      sync.Mutex
	backoff *backoff.ExponentialBackOff
	attempt int
	online  bool
	auto    bool
}

func newBackOff(clock clockwork.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = InitialRetryDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = MaxRetryDelay
	b.MaxElapsedTime = 0
	b.Clock = clock
	b.Reset()
	return b
}

// NewSupervisor attaches a supervisor to m.
func NewSupervisor(m *Manager) *Supervisor {
	s := &Supervisor{
		m:       m,
		clock:   m.clock,
		backoff: newBackOff(m.clock),
		online:  true,
	}
	m.SetFailureHandler(s.failed)
	return s
}

// NextDelay returns the delay before the next retry and advances the
// schedule.
func (s *Supervisor) NextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

func (s *Supervisor) nextLocked() time.Duration {
	s.attempt++
	d := s.backoff.NextBackOff()
	if d == backoff.Stop {
		d = MaxRetryDelay
	}
	return d
}

func (s *Supervisor) reset() {
	s.mu.Lock()
	s.attempt = 0
	s.backoff.Reset()
	s.mu.Unlock()
}

func (s *Supervisor) failed(err *SyncError) {
	s.mu.Lock()
	if !s.online {
		s.mu.Unlock()
		return
	}
	delay := s.nextLocked()
	attempt := s.attempt
	s.mu.Unlock()

	seq := s.m.sc.reserveRetry()
	timer := s.clock.AfterFunc(delay, func() { s.retry(seq) })
	s.m.sc.scheduleRetry(seq, timer, attempt, s.clock.Now().Add(delay))
	log.Info().
		Str("code", string(err.Code)).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("Scheduled sync retry")
}

func (s *Supervisor) retry(seq uint64) {
	if !s.m.sc.claimRetry(seq) {
		return
	}
	s.reconnect(context.Background())
}

func (s *Supervisor) reconnect(ctx context.Context) {
	req, ok := s.m.LastRequest()
	if !ok {
		return
	}
	if _, err := s.m.StartSync(ctx, req); err != nil {
		log.Warn().Err(err).Str("room_code", req.RoomCode).Msg("Reconnect failed")
		return
	}
	s.reset()
}

// NotifyOffline reports that the local network went away. The state flips
// to error at once and retries pause until NotifyOnline.
func (s *Supervisor) NotifyOffline() {
	s.mu.Lock()
	s.online = false
	s.mu.Unlock()
	s.m.Offline()
}

// NotifyOnline resumes retrying with a fresh schedule and reconnects now if
// the connection is not up.
func (s *Supervisor) NotifyOnline(ctx context.Context) {
	s.mu.Lock()
	wasOffline := !s.online
	s.online = true
	s.mu.Unlock()
	s.reset()
	if wasOffline && s.m.sc.State() == StateError {
		s.reconnect(ctx)
	}
}

// AutoReconnect re-enters the room stored in the current session's config.
// It runs at most once per supervisor; later calls return
// ErrAlreadyAutoReconnected. A session with no stored room returns "" and
// no error.
func (s *Supervisor) AutoReconnect(ctx context.Context, displayName string) (string, error) {
	s.mu.Lock()
	if s.auto {
		s.mu.Unlock()
		return "", ErrAlreadyAutoReconnected
	}
	s.auto = true
	s.mu.Unlock()

	sess, err := s.m.sessions.Current()
	if errors.Is(err, session.ErrNoCurrent) {
		return "", nil
	}
	if err != nil {
		return "", wrap("auto reconnect", err)
	}
	cfg := sess.SyncConfig()
	if cfg.Empty() {
		return "", nil
	}

	req := SyncRequest{
		DisplayName: displayName,
		RoomCode:    cfg.Room,
		JoinChoice:  cfg.JoinChoice,
		Options: StartOptions{
			Reconnecting: true,
			SessionID:    sess.ID,
		},
	}
	if cfg.HasCustomPassword {
		req.Password = cfg.EffectivePassword
	}
	if !req.JoinChoice.Valid() {
		req.JoinChoice = models.JoinChoiceJoin
	}
	log.Info().Str("room_code", cfg.Room).Str("session_id", sess.ID).Msg("Auto-reconnecting")
	code, err := s.m.StartSync(ctx, req)
	if err != nil {
		return "", err
	}
	return code, nil
}

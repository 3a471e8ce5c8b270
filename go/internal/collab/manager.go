// Package collab is the sync engine: it owns the active transport of the
// local session, drives the connection state machine, reconciles presence,
// runs merge workflows and reconnects after failures.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/doc"
	"github.com/mcdev12/scoresync/go/internal/merge"
	"github.com/mcdev12/scoresync/go/internal/models"
	"github.com/mcdev12/scoresync/go/internal/presence"
	"github.com/mcdev12/scoresync/go/internal/registry"
	"github.com/mcdev12/scoresync/go/internal/session"
	"github.com/mcdev12/scoresync/go/internal/transport"
)

type Config struct {
	ConnectTimeout  time.Duration
	CollisionGrace  time.Duration
	MaxCodeAttempts int
	Color           string
	Presence        presence.Config
	// CodeGenerator draws new room codes; registry.RandomCode when nil.
	CodeGenerator registry.Generator
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  10 * time.Second,
		CollisionGrace:  500 * time.Millisecond,
		MaxCodeAttempts: 5,
		Presence: presence.Config{
			ProtocolVersion:    "1.0.0",
			MinProtocolVersion: "1.0.0",
		},
	}
}

// StartOptions are the less common StartSync inputs.
type StartOptions struct {
	// Relay selects a relay room when a new code is generated.
	Relay bool
	// Reconnecting re-enters the room stored in SessionID's config without
	// persisting it again.
	Reconnecting bool
	SessionID    string
}

// SyncRequest is the input of StartSync.
type SyncRequest struct {
	DisplayName string
	RoomCode    string
	Password    string
	JoinChoice  models.JoinChoice
	Options     StartOptions
}

type Option func(*Manager)

func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithMerger(c *merge.Coordinator) Option {
	return func(m *Manager) { m.merger = c }
}

// Manager is the connection manager. StartSync and StopSync are serialised;
// transport events are handled by one dispatch goroutine per connection.
type Manager struct {
	sc       *SyncContext
	sessions *session.Store
	registry *registry.App
	factory  transport.Factory
	merger   *merge.Coordinator
	clock    clockwork.Clock
	cfg      Config
	tracker  *presence.Tracker

	op sync.Mutex

	mu         sync.Mutex
	generation uint64
	active     *connection
	last       *SyncRequest
	onFailure  func(err *SyncError)
}

// connection is one established transport and what it is bound to.
type connection struct {
	generation uint64
	transport  transport.Transport
	session    *session.Session
	code       registry.Code
	name       string
	// pending is the snapshot merged after the first sync of a merge join.
	pending *models.SessionSnapshot
	synced  bool
	cancel  context.CancelFunc
}

func NewManager(sc *SyncContext, sessions *session.Store, reg *registry.App, factory transport.Factory, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.CollisionGrace <= 0 {
		cfg.CollisionGrace = def.CollisionGrace
	}
	if cfg.MaxCodeAttempts <= 0 {
		cfg.MaxCodeAttempts = def.MaxCodeAttempts
	}
	if cfg.Presence.ProtocolVersion == "" {
		cfg.Presence = def.Presence
	}
	m := &Manager{
		sc:       sc,
		sessions: sessions,
		registry: reg,
		factory:  factory,
		cfg:      cfg,
		tracker:  presence.NewTracker(cfg.Presence),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.merger == nil {
		m.merger = merge.NewCoordinator(nil, nil, nil, m.clock)
	}
	return m
}

// Context returns the sync context the manager reports into.
func (m *Manager) Context() *SyncContext {
	return m.sc
}

// SetFailureHandler registers the function told about failures the
// supervisor may recover from.
func (m *Manager) SetFailureHandler(fn func(err *SyncError)) {
	m.mu.Lock()
	m.onFailure = fn
	m.mu.Unlock()
}

// LastRequest returns the most recent StartSync request that connected,
// rewritten as a reconnect.
func (m *Manager) LastRequest() (SyncRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return SyncRequest{}, false
	}
	return *m.last, true
}

// StartSync connects the local session to a room and returns the final
// displayed room code. Any previous transport and pending retry are torn
// down first.
func (m *Manager) StartSync(ctx context.Context, req SyncRequest) (string, error) {
	name := presence.NormalizeName(req.DisplayName)
	if name == "" {
		return "", ErrDisplayNameRequired
	}
	if !req.JoinChoice.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidJoinChoice, req.JoinChoice)
	}

	m.op.Lock()
	defer m.op.Unlock()

	m.sc.cancelRetry()
	m.teardown()

	code, err := m.resolveCode(req)
	if err != nil {
		se := wrap("start sync", err)
		m.sc.fail(se)
		return "", se
	}

	m.sc.setPassword(req.Password)
	m.sc.update(func(s *Status) {
		s.State = StateConnecting
		s.ConnectionType = code.Kind
		s.RoomCode = code.Display()
		s.DisplayName = name
		s.Peers = nil
	})

	conn, err := m.connect(ctx, req, name, code)
	if err != nil {
		se := wrap("start sync", err)
		log.Warn().Err(err).Str("room_code", code.Display()).Str("code", string(se.Code)).Msg("Sync failed")
		m.sc.fail(se)
		if req.Options.Reconnecting {
			m.failed(se)
		}
		return "", se
	}

	m.install(conn)
	stored := req
	stored.DisplayName = name
	stored.RoomCode = conn.code.Display()
	stored.Options.Reconnecting = true
	stored.Options.SessionID = conn.session.ID
	m.mu.Lock()
	m.last = &stored
	m.mu.Unlock()

	m.sc.resetAttempts()
	m.sc.transition(StateConnected)
	if !m.refreshPresence(conn) {
		return "", &SyncError{Code: CodeConnectionFailed, Op: "start sync", Err: ErrIncompatibleVersion}
	}
	log.Info().
		Str("room_code", conn.code.Display()).
		Str("session_id", conn.session.ID).
		Str("join_choice", string(req.JoinChoice)).
		Bool("reconnecting", req.Options.Reconnecting).
		Msg("Sync connected")
	return conn.code.Display(), nil
}

func (m *Manager) resolveCode(req SyncRequest) (registry.Code, error) {
	if req.RoomCode != "" {
		return registry.ParseCode(req.RoomCode)
	}
	if req.JoinChoice != models.JoinChoiceCreate || req.Options.Reconnecting {
		return registry.Code{}, ErrInvalidRoom
	}
	kind := models.RoomKindPeer
	if req.Options.Relay {
		kind = models.RoomKindRelay
	}
	return registry.NewCode(kind, m.cfg.CodeGenerator)
}

// targetSession picks the session bound to the transport: the stored one
// when reconnecting, the current one for create, and a new empty one for
// join and merge. fresh reports whether the session was allocated here.
func (m *Manager) targetSession(req SyncRequest) (sess *session.Session, snapshot *models.SessionSnapshot, fresh bool, err error) {
	if req.Options.Reconnecting && req.Options.SessionID != "" {
		sess, err = m.sessions.Get(req.Options.SessionID)
		return sess, nil, false, err
	}
	current, err := m.sessions.Current()
	switch req.JoinChoice {
	case models.JoinChoiceCreate:
		if err != nil {
			return nil, nil, false, err
		}
		return current, nil, false, nil
	case models.JoinChoiceMerge:
		if err != nil {
			return nil, nil, false, err
		}
		snap := current.Snapshot(m.clock.Now())
		return m.sessions.Create(), &snap, true, nil
	default:
		return m.sessions.Create(), nil, true, nil
	}
}

func effectivePassword(password string, code registry.Code) (string, bool) {
	if password != "" {
		return password, true
	}
	return code.Value, false
}

func (m *Manager) connect(ctx context.Context, req SyncRequest, name string, code registry.Code) (conn *connection, err error) {
	previous, _ := m.sessions.Current()
	sess, snapshot, fresh, err := m.targetSession(req)
	if err != nil {
		return nil, err
	}
	if fresh {
		defer func() {
			if err == nil {
				return
			}
			m.sessions.Delete(sess.ID)
			if previous != nil {
				m.sessions.SetCurrent(previous.ID)
			}
		}()
	}

	create := req.JoinChoice == models.JoinChoiceCreate
	if create && !req.Options.Reconnecting && req.RoomCode == "" {
		if code, err = m.claimCode(ctx, code, req.Password); err != nil {
			return nil, err
		}
	}

	t, err := m.open(ctx, code, req.Password, create, sess.Doc)
	if err != nil {
		return nil, err
	}
	conn = &connection{
		transport: t,
		session:   sess,
		code:      code,
		name:      name,
		pending:   snapshot,
	}
	if err := m.bindConfig(ctx, conn, req); err != nil {
		t.Close()
		return nil, err
	}
	return conn, nil
}

// claimCode probes freshly generated codes until one has nobody in it. A
// probe uses a scratch document so a colliding room never sees the
// session's data. Past the attempt ceiling the last code is kept and a
// room_exists warning is raised.
func (m *Manager) claimCode(ctx context.Context, code registry.Code, password string) (registry.Code, error) {
	for attempt := 1; ; attempt++ {
		collided, err := m.probe(ctx, code, password)
		if err != nil {
			return registry.Code{}, err
		}
		if !collided {
			return code, nil
		}
		if attempt >= m.cfg.MaxCodeAttempts {
			m.sc.warn(&SyncError{Code: CodeRoomExists, Op: "create room", Err: fmt.Errorf("room %s already has peers", code.Display())})
			return code, nil
		}
		log.Info().Str("room_code", code.Display()).Int("attempt", attempt).Msg("Room code collides, generating a new one")
		if code, err = registry.NewCode(code.Kind, m.cfg.CodeGenerator); err != nil {
			return registry.Code{}, err
		}
		m.sc.update(func(s *Status) { s.RoomCode = code.Display() })
	}
}

func (m *Manager) probe(ctx context.Context, code registry.Code, password string) (bool, error) {
	t, err := m.open(ctx, code, password, true, doc.NewLWWDoc())
	if errors.Is(err, transport.ErrPasswordRequired) || errors.Is(err, transport.ErrPasswordIncorrect) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	defer t.Close()
	return m.othersPresent(ctx, t)
}

func (m *Manager) open(ctx context.Context, code registry.Code, password string, create bool, d doc.Document) (transport.Transport, error) {
	pw, custom := effectivePassword(password, code)
	t, err := m.factory.Open(transport.Options{
		Room:              code.Value,
		Kind:              code.Kind,
		Password:          pw,
		HasCustomPassword: custom,
		Create:            create,
		Doc:               d,
	})
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := clockwork.WithTimeout(ctx, m.clock, m.cfg.ConnectTimeout)
	defer cancel()
	if err := t.Connect(connectCtx); err != nil {
		t.Close()
		if errors.Is(err, context.DeadlineExceeded) || (connectCtx.Err() != nil && ctx.Err() == nil) {
			return nil, &SyncError{Code: CodeTimeout, Op: "connect", Err: err}
		}
		return nil, err
	}
	return t, nil
}

// othersPresent waits out the discovery grace period and reports whether
// anyone else is already in the room.
func (m *Manager) othersPresent(ctx context.Context, t transport.Transport) (bool, error) {
	select {
	case <-m.clock.After(m.cfg.CollisionGrace):
	case <-ctx.Done():
		return false, ctx.Err()
	}
	for id := range t.Presence() {
		if id != t.ClientID() {
			return true, nil
		}
	}
	return false, nil
}

// bindConfig records the room in the session and the registry. On a
// reconnect it only checks that the room still belongs to the session the
// config expects.
func (m *Manager) bindConfig(ctx context.Context, conn *connection, req SyncRequest) error {
	pw, custom := effectivePassword(req.Password, conn.code)
	now := m.clock.Now()
	owner := req.JoinChoice == models.JoinChoiceCreate

	if req.Options.Reconnecting {
		stored := conn.session.SyncConfig()
		entry, err := m.registry.LookupRoom(ctx, conn.code)
		if err != nil {
			log.Warn().Err(err).Str("room_code", conn.code.Display()).Msg("Registry unreachable, skipping identity check")
			m.sc.update(func(s *Status) { s.SessionID, s.SyncedSessionID = conn.session.ID, stored.SessionID })
			return nil
		}
		if entry != nil && stored.SessionID != "" && entry.SessionID != stored.SessionID {
			log.Info().
				Str("room_code", conn.code.Display()).
				Str("expected", stored.SessionID).
				Str("actual", entry.SessionID).
				Msg("Room now belongs to another session, continuing as a join")
			cfg := models.SyncConfig{
				Room:              conn.code.Display(),
				CreatedAt:         now,
				SessionID:         entry.SessionID,
				JoinChoice:        models.JoinChoiceJoin,
				EffectivePassword: pw,
				HasCustomPassword: custom,
			}
			if err := conn.session.ClearSyncConfig(); err != nil {
				return err
			}
			if err := conn.session.SetSyncConfig(cfg); err != nil {
				return err
			}
			m.sc.update(func(s *Status) { s.SessionID, s.SyncedSessionID = conn.session.ID, entry.SessionID })
			return nil
		}
		if stored.SessionID == conn.session.ID {
			if err := m.registry.RegisterRoom(ctx, conn.code, conn.session.ID, custom); err != nil {
				log.Warn().Err(err).Str("room_code", conn.code.Display()).Msg("Failed to refresh room registration")
			}
		}
		m.sc.update(func(s *Status) { s.SessionID, s.SyncedSessionID = conn.session.ID, stored.SessionID })
		return nil
	}

	synced := conn.session.ID
	if owner {
		if err := m.registry.RegisterRoom(ctx, conn.code, conn.session.ID, custom); err != nil {
			log.Warn().Err(err).Str("room_code", conn.code.Display()).Msg("Failed to register room")
		}
	} else {
		entry, err := m.registry.LookupRoom(ctx, conn.code)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("room_code", conn.code.Display()).Msg("Registry lookup failed")
			synced = ""
		case entry == nil:
			log.Warn().Str("room_code", conn.code.Display()).Msg("Room is not registered")
			synced = ""
		default:
			synced = entry.SessionID
		}
	}

	m.releaseCode(conn.code.Display(), conn.session.ID)
	m.sc.update(func(s *Status) { s.SessionID, s.SyncedSessionID = conn.session.ID, synced })

	// The config lives in the shared document, so a joiner usually
	// receives the owner's copy with the first sync.
	existing := conn.session.SyncConfig()
	if !owner && existing.Room == conn.code.Display() && (synced == "" || existing.SessionID == synced) {
		return nil
	}
	cfg := models.SyncConfig{
		Room:              conn.code.Display(),
		CreatedAt:         now,
		SessionID:         synced,
		JoinChoice:        req.JoinChoice,
		EffectivePassword: pw,
		HasCustomPassword: custom,
	}
	if !owner && synced == "" {
		// Unverified joiners never overwrite fields the owner may have
		// written.
		return conn.session.FillSyncConfig(cfg)
	}
	return conn.session.SetSyncConfig(cfg)
}

// releaseCode clears the room fields of every other session holding code.
func (m *Manager) releaseCode(code, keepID string) {
	for _, sess := range m.sessions.List() {
		if sess.ID == keepID || sess.SyncConfig().Room != code {
			continue
		}
		if err := sess.ClearSyncConfig(); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to release room code")
			continue
		}
		log.Info().Str("session_id", sess.ID).Str("room_code", code).Msg("Released room code held by another session")
	}
}

func (m *Manager) install(conn *connection) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.generation++
	conn.generation = m.generation
	conn.cancel = cancel
	m.active = conn
	m.mu.Unlock()

	m.tracker.Reset()
	conn.transport.SetLocalPresence(m.tracker.Local(conn.name, m.cfg.Color, m.sc.Status().SyncedSessionID))
	go m.dispatch(ctx, conn)
}

// teardown destroys the active transport. The caller holds m.op.
func (m *Manager) teardown() {
	m.mu.Lock()
	conn := m.active
	m.active = nil
	m.generation++
	m.mu.Unlock()
	if conn == nil {
		return
	}
	conn.cancel()
	conn.transport.ClearLocalPresence()
	if err := conn.transport.Close(); err != nil {
		log.Warn().Err(err).Str("room_code", conn.code.Display()).Msg("Failed to close transport")
	}
}

// StopSync disconnects and returns to offline.
func (m *Manager) StopSync() {
	m.op.Lock()
	defer m.op.Unlock()

	m.sc.cancelRetry()
	m.teardown()
	m.mu.Lock()
	m.last = nil
	m.mu.Unlock()
	m.sc.update(func(s *Status) {
		s.State = StateOffline
		s.Peers = nil
		s.Attempt = 0
		s.LastError = nil
	})
	log.Info().Msg("Sync stopped")
}

// Offline flips to error without touching the transport.
func (m *Manager) Offline() {
	m.op.Lock()
	defer m.op.Unlock()
	if m.sc.State() == StateOffline {
		return
	}
	m.sc.cancelRetry()
	m.sc.fail(&SyncError{Code: CodeNetworkError, Op: "network", Err: errors.New("offline")})
}

// current returns the active connection if it is still generation gen.
func (m *Manager) current(gen uint64) *connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.generation != gen {
		return nil
	}
	return m.active
}

func (m *Manager) failed(err *SyncError) {
	m.mu.Lock()
	fn := m.onFailure
	m.mu.Unlock()
	if fn != nil && err.Code.Retryable() {
		fn(err)
	}
}

func (m *Manager) dispatch(ctx context.Context, conn *connection) {
	events := conn.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handle(ctx, conn, ev)
		}
	}
}

func (m *Manager) handle(ctx context.Context, conn *connection, ev transport.Event) {
	switch ev.Type {
	case transport.EventStatus:
		m.handleStatus(conn, ev.Status)
	case transport.EventPresence:
		m.op.Lock()
		if m.current(conn.generation) != nil {
			m.refreshPresence(conn)
		}
		m.op.Unlock()
	case transport.EventSynced:
		m.handleSynced(ctx, conn)
	case transport.EventError:
		if ev.Err == nil {
			return
		}
		se := wrap("transport", ev.Err)
		m.op.Lock()
		if m.current(conn.generation) != nil {
			m.sc.observer.Error(se)
		}
		m.op.Unlock()
	}
}

func (m *Manager) handleStatus(conn *connection, status transport.Status) {
	m.op.Lock()
	if m.current(conn.generation) == nil {
		m.op.Unlock()
		return
	}
	var failure *SyncError
	switch status {
	case transport.StatusDisconnected:
		failure = &SyncError{Code: CodeNetworkError, Op: "transport", Err: errors.New("disconnected")}
		m.sc.fail(failure)
		m.sc.setPeers(nil)
	case transport.StatusConnected:
		if m.sc.State() == StateError {
			m.sc.cancelRetry()
			m.sc.resetAttempts()
			m.sc.transition(StateConnected)
			m.refreshPresence(conn)
		}
	}
	m.op.Unlock()

	if failure != nil {
		m.failed(failure)
	}
}

func (m *Manager) handleSynced(ctx context.Context, conn *connection) {
	m.op.Lock()
	if m.current(conn.generation) == nil || conn.synced {
		m.op.Unlock()
		return
	}
	conn.synced = true
	snapshot := conn.pending
	conn.pending = nil
	m.op.Unlock()

	if _, err := merge.ReconcileQuestions(conn.session); err != nil {
		log.Warn().Err(err).Str("session_id", conn.session.ID).Msg("Failed to reconcile duplicate questions")
	}
	if snapshot == nil {
		return
	}
	if _, err := m.merger.Merge(ctx, *snapshot, conn.session); err != nil {
		log.Error().Err(err).Str("session_id", conn.session.ID).Msg("Merge failed")
		m.sc.observer.Error(&SyncError{Code: CodeConnectionFailed, Op: "merge", Err: err})
	}
}

// refreshPresence re-evaluates the transport's presence and reports
// whether the connection is still up. The caller holds m.op.
func (m *Manager) refreshPresence(conn *connection) bool {
	states := conn.transport.Presence()
	u := m.tracker.Evaluate(conn.transport.ClientID(), conn.name, states, m.clock.Now())
	m.sc.setPeers(u.Peers)

	if u.Incompatible != nil {
		peer := u.Incompatible
		log.Warn().
			Uint64("peer", peer.ClientID).
			Str("peer_min_version", peer.MinProtocolVersion).
			Str("local_version", m.cfg.Presence.ProtocolVersion).
			Msg("Local client too old for room, disconnecting")
		m.sc.cancelRetry()
		m.teardown()
		m.mu.Lock()
		m.last = nil
		m.mu.Unlock()
		m.sc.update(func(s *Status) {
			s.State = StateOffline
			s.Peers = nil
		})
		m.sc.observer.Error(&SyncError{Code: CodeConnectionFailed, Op: "presence", Err: ErrIncompatibleVersion})
		return false
	}
	if len(u.Outdated) > 0 {
		m.sc.warn(&SyncError{
			Code: CodeConnectionFailed,
			Op:   "presence",
			Err:  fmt.Errorf("%d peer(s) run a protocol below %s", len(u.Outdated), m.cfg.Presence.MinProtocolVersion),
		})
	}
	if u.Rename != "" {
		log.Info().Str("from", conn.name).Str("to", u.Rename).Msg("Display name taken, renaming")
		conn.name = u.Rename
		m.sc.update(func(s *Status) { s.DisplayName = u.Rename })
		m.mu.Lock()
		if m.last != nil {
			m.last.DisplayName = u.Rename
		}
		m.mu.Unlock()
		conn.transport.SetLocalPresence(m.tracker.Local(conn.name, m.cfg.Color, m.sc.Status().SyncedSessionID))
	}
	return true
}

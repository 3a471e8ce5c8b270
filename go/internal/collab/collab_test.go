package collab

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/scoresync/go/internal/doc"
	"github.com/mcdev12/scoresync/go/internal/models"
	"github.com/mcdev12/scoresync/go/internal/presence"
	"github.com/mcdev12/scoresync/go/internal/registry"
	"github.com/mcdev12/scoresync/go/internal/session"
	"github.com/mcdev12/scoresync/go/internal/transport"
	"github.com/mcdev12/scoresync/go/internal/transport/memory"
)

type recordingObserver struct {
	NoopObserver

	mu       sync.Mutex
	states   []State
	errors   []*SyncError
	warnings []*SyncError
}

func (o *recordingObserver) StateChanged(s Status) {
	o.mu.Lock()
	o.states = append(o.states, s.State)
	o.mu.Unlock()
}

func (o *recordingObserver) Error(err *SyncError) {
	o.mu.Lock()
	o.errors = append(o.errors, err)
	o.mu.Unlock()
}

func (o *recordingObserver) Warning(err *SyncError) {
	o.mu.Lock()
	o.warnings = append(o.warnings, err)
	o.mu.Unlock()
}

func (o *recordingObserver) warningCodes() []ErrorCode {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ErrorCode, 0, len(o.warnings))
	for _, w := range o.warnings {
		out = append(out, w.Code)
	}
	return out
}

// sequence returns a code generator replaying codes, repeating the last one.
func sequence(codes ...string) (registry.Generator, func() int) {
	var mu sync.Mutex
	calls := 0
	gen := func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		i := calls
		if i >= len(codes) {
			i = len(codes) - 1
		}
		calls++
		return codes[i], nil
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}
	return gen, count
}

type client struct {
	m        *Manager
	sessions *session.Store
	observer *recordingObserver
}

type fixture struct {
	clock    *clockwork.FakeClock
	hub      *memory.Hub
	registry *registry.App
}

func newFixture() *fixture {
	clock := clockwork.NewFakeClock()
	return &fixture{
		clock:    clock,
		hub:      memory.NewHub(),
		registry: registry.NewApp(registry.NewDocStore(doc.NewLWWDoc()), clock),
	}
}

func (f *fixture) client(gen registry.Generator) *client {
	return f.clientWithFactory(gen, f.hub)
}

func (f *fixture) clientWithFactory(gen registry.Generator, factory transport.Factory) *client {
	sessions := session.NewStore(f.clock)
	sessions.Create()
	return f.clientWith(sessions, f.registry, factory, Config{CodeGenerator: gen})
}

func (f *fixture) clientWith(sessions *session.Store, reg *registry.App, factory transport.Factory, cfg Config) *client {
	obs := &recordingObserver{}
	m := NewManager(NewSyncContext(obs), sessions, reg, factory, cfg, WithClock(f.clock))
	return &client{m: m, sessions: sessions, observer: obs}
}

type startResult struct {
	code string
	err  error
}

// start runs StartSync while nudging the fake clock forward until it
// returns.
func (f *fixture) start(t *testing.T, m *Manager, req SyncRequest) (string, error) {
	t.Helper()
	done := make(chan startResult, 1)
	go func() {
		code, err := m.StartSync(context.Background(), req)
		done <- startResult{code, err}
	}()
	for i := 0; i < 2000; i++ {
		select {
		case res := <-done:
			return res.code, res.err
		case <-time.After(2 * time.Millisecond):
			f.clock.Advance(100 * time.Millisecond)
		}
	}
	t.Fatal("StartSync did not return")
	return "", nil
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func teamNames(sess *session.Session) []string {
	var out []string
	for _, team := range sess.Teams() {
		out = append(out, team.Name)
	}
	return out
}

func TestCreateWithoutPeersKeepsCode(t *testing.T) {
	f := newFixture()
	gen, calls := sequence("AAAAAA")
	c := f.client(gen)
	current, _ := c.sessions.Current()

	code, err := f.start(t, c.m, SyncRequest{DisplayName: "  Alex  ", JoinChoice: models.JoinChoiceCreate})
	assert.Equal(t, err, nil)
	assert.Equal(t, code, "AAAAAA")
	assert.Equal(t, calls(), 1)

	status := c.m.Context().Status()
	assert.Equal(t, status.State, StateConnected)
	assert.Equal(t, status.DisplayName, "Alex")
	assert.Equal(t, status.SessionID, current.ID)
	assert.Equal(t, len(f.hub.Members(models.RoomKindPeer, "AAAAAA")), 1)

	cfg := current.SyncConfig()
	assert.Equal(t, cfg.Room, "AAAAAA")
	assert.Equal(t, cfg.SessionID, current.ID)
	assert.Equal(t, cfg.JoinChoice, models.JoinChoiceCreate)
	assert.Equal(t, cfg.EffectivePassword, "AAAAAA")
	assert.Equal(t, cfg.HasCustomPassword, false)

	owned, err := f.registry.VerifyRoomRegistration(context.Background(), registry.Code{Value: "AAAAAA", Kind: models.RoomKindPeer}, current.ID)
	assert.Equal(t, err, nil)
	assert.Equal(t, owned, true)
}

func occupy(t *testing.T, f *fixture, code string) *doc.LWWDoc {
	t.Helper()
	d := doc.NewLWWDoc()
	tr, err := f.hub.Open(transport.Options{Room: code, Kind: models.RoomKindPeer, Password: code, Doc: d})
	assert.Equal(t, err, nil)
	assert.Equal(t, tr.Connect(context.Background()), nil)
	tr.SetLocalPresence(transport.PresenceState{DisplayName: "Stranger", ProtocolVersion: "1.0.0"})
	return d
}

func TestCreateRegeneratesOnCollision(t *testing.T) {
	f := newFixture()
	stranger := occupy(t, f, "AAAAAA")

	gen, calls := sequence("AAAAAA", "BBBBBB")
	c := f.client(gen)
	current, _ := c.sessions.Current()
	_, err := current.AddRosterItem(models.RosterTeams, "Owls", nil)
	assert.Equal(t, err, nil)

	code, err := f.start(t, c.m, SyncRequest{DisplayName: "Alex", JoinChoice: models.JoinChoiceCreate})
	assert.Equal(t, err, nil)
	assert.Equal(t, code, "BBBBBB")
	assert.Equal(t, calls(), 2)
	assert.Equal(t, c.m.Context().State(), StateConnected)
	assert.Equal(t, len(f.hub.Members(models.RoomKindPeer, "AAAAAA")), 1)
	assert.Equal(t, len(stranger.Keys("teams/")), 0)
	assert.Equal(t, current.SyncConfig().Room, "BBBBBB")
}

func TestCreateProceedsPastCollisionCeiling(t *testing.T) {
	f := newFixture()
	occupy(t, f, "AAAAAA")

	gen, calls := sequence("AAAAAA")
	c := f.client(gen)

	code, err := f.start(t, c.m, SyncRequest{DisplayName: "Alex", JoinChoice: models.JoinChoiceCreate})
	assert.Equal(t, err, nil)
	assert.Equal(t, code, "AAAAAA")
	assert.Equal(t, calls(), DefaultConfig().MaxCodeAttempts)
	assert.Equal(t, c.observer.warningCodes(), []ErrorCode{CodeRoomExists})
	assert.Equal(t, c.m.Context().State(), StateConnected)
}

func TestJoinReceivesRoomIntoNewSession(t *testing.T) {
	f := newFixture()
	gen, _ := sequence("CCCCCC")
	owner := f.client(gen)
	ownerSession, _ := owner.sessions.Current()
	_, err := ownerSession.AddRosterItem(models.RosterTeams, "Owls", nil)
	assert.Equal(t, err, nil)
	_, err = f.start(t, owner.m, SyncRequest{DisplayName: "Alex", JoinChoice: models.JoinChoiceCreate})
	assert.Equal(t, err, nil)

	joiner := f.client(nil)
	before, _ := joiner.sessions.Current()
	_, err = before.AddRosterItem(models.RosterTeams, "Mine", nil)
	assert.Equal(t, err, nil)

	code, err := f.start(t, joiner.m, SyncRequest{DisplayName: "Sam", RoomCode: " cccccc ", JoinChoice: models.JoinChoiceJoin})
	assert.Equal(t, err, nil)
	assert.Equal(t, code, "CCCCCC")

	joined, _ := joiner.sessions.Current()
	assert.NotEqual(t, joined.ID, before.ID)
	assert.Equal(t, teamNames(joined), []string{"Owls"})
	assert.Equal(t, teamNames(before), []string{"Mine"})

	status := joiner.m.Context().Status()
	assert.Equal(t, status.SyncedSessionID, ownerSession.ID)
	assert.Equal(t, len(status.Peers), 1)
	assert.Equal(t, status.Peers[0].DisplayName, "Alex")

	eventually(t, func() bool { return len(owner.m.Context().Status().Peers) == 1 })
}

func TestDuplicateDisplayNameRenamesLargerClient(t *testing.T) {
	f := newFixture()
	gen, _ := sequence("DDDDDD")
	a := f.client(gen)
	_, err := f.start(t, a.m, SyncRequest{DisplayName: "Alex", JoinChoice: models.JoinChoiceCreate})
	assert.Equal(t, err, nil)

	b := f.client(nil)
	_, err = f.start(t, b.m, SyncRequest{DisplayName: "alex", RoomCode: "DDDDDD", JoinChoice: models.JoinChoiceJoin})
	assert.Equal(t, err, nil)

	names := func() []string {
		out := []string{a.m.Context().Status().DisplayName, b.m.Context().Status().DisplayName}
		sort.Strings(out)
		return out
	}
	eventually(t, func() bool {
		n := names()
		return n[0] == "Alex" && n[1] == "alex (2)" || n[0] == "Alex (2)" && n[1] == "alex"
	})
}

func TestMergeAddsLocalTeamsAfterSync(t *testing.T) {
	f := newFixture()
	gen, _ := sequence("EEEEEE")
	owner := f.client(gen)
	ownerSession, _ := owner.sessions.Current()
	_, err := ownerSession.AddRosterItem(models.RosterTeams, "Owls", nil)
	assert.Equal(t, err, nil)
	_, err = f.start(t, owner.m, SyncRequest{DisplayName: "Alex", JoinChoice: models.JoinChoiceCreate})
	assert.Equal(t, err, nil)

	joiner := f.client(nil)
	local, _ := joiner.sessions.Current()
	for _, name := range []string{"owls", "Bears"} {
		_, err := local.AddRosterItem(models.RosterTeams, name, nil)
		assert.Equal(t, err, nil)
	}

	_, err = f.start(t, joiner.m, SyncRequest{DisplayName: "Sam", RoomCode: "EEEEEE", JoinChoice: models.JoinChoiceMerge})
	assert.Equal(t, err, nil)

	merged, _ := joiner.sessions.Current()
	eventually(t, func() bool { return len(merged.Teams()) == 2 })
	assert.Equal(t, teamNames(merged), []string{"Owls", "Bears"})
	eventually(t, func() bool { return len(ownerSession.Teams()) == 2 })
	assert.Equal(t, teamNames(local), []string{"owls", "Bears"})
}

func TestStartSyncValidation(t *testing.T) {
	f := newFixture()
	c := f.client(nil)
	ctx := context.Background()

	_, err := c.m.StartSync(ctx, SyncRequest{DisplayName: "   ", JoinChoice: models.JoinChoiceJoin, RoomCode: "AAAAAA"})
	assert.Equal(t, errors.Is(err, ErrDisplayNameRequired), true)
	assert.Equal(t, c.m.Context().State(), StateOffline)

	_, err = c.m.StartSync(ctx, SyncRequest{DisplayName: "Alex", JoinChoice: "steal"})
	assert.Equal(t, errors.Is(err, ErrInvalidJoinChoice), true)

	_, err = c.m.StartSync(ctx, SyncRequest{DisplayName: "Alex", RoomCode: "AB0O1I", JoinChoice: models.JoinChoiceJoin})
	assert.Equal(t, errors.Is(err, ErrInvalidRoom), true)
	assert.Equal(t, c.m.Context().State(), StateError)

	_, err = c.m.StartSync(ctx, SyncRequest{DisplayName: "Alex", JoinChoice: models.JoinChoiceJoin})
	assert.Equal(t, errors.Is(err, ErrInvalidRoom), true)
}

func TestJoinFailureKeepsCurrentSession(t *testing.T) {
	f := newFixture()
	c := f.client(nil)
	before, _ := c.sessions.Current()
	f.hub.SetDown(true)

	_, err := f.start(t, c.m, SyncRequest{DisplayName: "Alex", RoomCode: "FFFFFF", JoinChoice: models.JoinChoiceJoin})
	assert.Equal(t, errors.Is(err, ErrConnectionFailed), true)
	assert.Equal(t, Classify(err), CodeConnectionFailed)
	assert.Equal(t, c.m.Context().State(), StateError)
	assert.Equal(t, len(c.observer.errors), 1)

	after, _ := c.sessions.Current()
	assert.Equal(t, after.ID, before.ID)
	assert.Equal(t, len(c.sessions.List()), 1)
}

func TestFailedJoinRemovesPersistedSession(t *testing.T) {
	f := newFixture()
	path := filepath.Join(t.TempDir(), "sessions.db")
	bolt, err := session.OpenBolt(path)
	assert.Equal(t, err, nil)

	sessions := session.NewStore(f.clock)
	bolt.Track(sessions)
	mine := sessions.Create()
	_, err = mine.AddRosterItem(models.RosterTeams, "Owls", nil)
	assert.Equal(t, err, nil)

	c := f.clientWith(sessions, f.registry, f.hub, Config{})
	f.hub.SetDown(true)
	_, err = f.start(t, c.m, SyncRequest{DisplayName: "Alex", RoomCode: "FFFFFF", JoinChoice: models.JoinChoiceJoin})
	assert.Equal(t, errors.Is(err, ErrConnectionFailed), true)
	assert.Equal(t, bolt.Close(), nil)

	bolt, err = session.OpenBolt(path)
	assert.Equal(t, err, nil)
	defer bolt.Close()
	reloaded := session.NewStore(f.clock)
	n, err := bolt.LoadInto(reloaded)
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 1)
	list := reloaded.List()
	assert.Equal(t, list[len(list)-1].ID, mine.ID)
	assert.Equal(t, teamNames(list[0]), []string{"Owls"})
}

func TestIncompatibleVersionDisconnects(t *testing.T) {
	f := newFixture()
	gen, _ := sequence("LLLLLL")
	ownerSessions := session.NewStore(f.clock)
	ownerSessions.Create()
	owner := f.clientWith(ownerSessions, f.registry, f.hub, Config{
		CodeGenerator: gen,
		Presence:      presence.Config{ProtocolVersion: "2.0.0", MinProtocolVersion: "2.0.0"},
	})
	_, err := f.start(t, owner.m, SyncRequest{DisplayName: "Alex", JoinChoice: models.JoinChoiceCreate})
	assert.Equal(t, err, nil)

	joinerSessions := session.NewStore(f.clock)
	joinerSessions.Create()
	joiner := f.clientWith(joinerSessions, f.registry, f.hub, Config{
		Presence: presence.Config{ProtocolVersion: "1.4.0", MinProtocolVersion: "1.0.0"},
	})
	NewSupervisor(joiner.m)

	_, err = f.start(t, joiner.m, SyncRequest{DisplayName: "Sam", RoomCode: "LLLLLL", JoinChoice: models.JoinChoiceJoin})
	assert.Equal(t, errors.Is(err, ErrIncompatibleVersion), true)
	assert.Equal(t, Classify(err), CodeConnectionFailed)
	assert.Equal(t, joiner.m.Context().State(), StateOffline)
	assert.Equal(t, len(f.hub.Members(models.RoomKindPeer, "LLLLLL")), 1)
	_, ok := joiner.m.LastRequest()
	assert.Equal(t, ok, false)

	f.clock.Advance(time.Minute)
	assert.Equal(t, joiner.m.Context().retryPending(), false)
	assert.Equal(t, joiner.m.Context().State(), StateOffline)

	joiner.observer.mu.Lock()
	defer joiner.observer.mu.Unlock()
	assert.Equal(t, len(joiner.observer.errors), 1)
	assert.Equal(t, errors.Is(joiner.observer.errors[0], ErrIncompatibleVersion), true)
}

func TestBindingCodeReleasesOtherSession(t *testing.T) {
	f := newFixture()
	gen, _ := sequence("JJJJJJ")
	c := f.client(gen)
	stale, _ := c.sessions.Current()
	assert.Equal(t, stale.SetSyncConfig(models.SyncConfig{
		Room:       "JJJJJJ",
		SessionID:  stale.ID,
		JoinChoice: models.JoinChoiceCreate,
	}), nil)
	active := c.sessions.Create()

	_, err := f.start(t, c.m, SyncRequest{DisplayName: "Alex", JoinChoice: models.JoinChoiceCreate})
	assert.Equal(t, err, nil)

	assert.Equal(t, active.SyncConfig().Room, "JJJJJJ")
	assert.Equal(t, active.SyncConfig().SessionID, active.ID)
	assert.Equal(t, stale.SyncConfig().Room, "")
	assert.Equal(t, stale.SyncConfig().SessionID, "")
}

func TestUnregisteredJoinKeepsOwnerConfig(t *testing.T) {
	f := newFixture()
	gen, _ := sequence("KKKKKK")
	owner := f.client(gen)
	ownerSession, _ := owner.sessions.Current()
	_, err := f.start(t, owner.m, SyncRequest{DisplayName: "Alex", JoinChoice: models.JoinChoiceCreate})
	assert.Equal(t, err, nil)
	want := ownerSession.SyncConfig()

	// The joiner's registry has never heard of the room.
	emptyRegistry := registry.NewApp(registry.NewDocStore(doc.NewLWWDoc()), f.clock)
	joinerSessions := session.NewStore(f.clock)
	joinerSessions.Create()
	joiner := f.clientWith(joinerSessions, emptyRegistry, f.hub, Config{})
	_, err = f.start(t, joiner.m, SyncRequest{DisplayName: "Sam", RoomCode: "KKKKKK", JoinChoice: models.JoinChoiceJoin})
	assert.Equal(t, err, nil)
	assert.Equal(t, joiner.m.Context().Status().SyncedSessionID, "")

	joined, _ := joinerSessions.Current()
	eventually(t, func() bool { return joined.SyncConfig().SessionID == ownerSession.ID })

	got := ownerSession.SyncConfig()
	assert.Equal(t, got.SessionID, ownerSession.ID)
	assert.Equal(t, got.JoinChoice, models.JoinChoiceCreate)
	assert.Equal(t, got.CreatedAt, want.CreatedAt)
}

type blockingTransport struct {
	events *transport.Emitter
}

func (b *blockingTransport) Kind() models.RoomKind { return models.RoomKindPeer }
func (b *blockingTransport) ClientID() uint64      { return 1 }
func (b *blockingTransport) Connect(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (b *blockingTransport) Events() <-chan transport.Event               { return b.events.Events() }
func (b *blockingTransport) SetLocalPresence(transport.PresenceState)     {}
func (b *blockingTransport) ClearLocalPresence()                          {}
func (b *blockingTransport) Presence() map[uint64]transport.PresenceState { return nil }
func (b *blockingTransport) Close() error {
	b.events.Close()
	return nil
}

func TestConnectTimeout(t *testing.T) {
	f := newFixture()
	factory := transport.FactoryFunc(func(transport.Options) (transport.Transport, error) {
		return &blockingTransport{events: transport.NewEmitter(1)}, nil
	})
	c := f.clientWithFactory(nil, factory)

	_, err := f.start(t, c.m, SyncRequest{DisplayName: "Alex", RoomCode: "GGGGGG", JoinChoice: models.JoinChoiceJoin})
	assert.Equal(t, errors.Is(err, ErrTimeout), true)
	assert.Equal(t, c.m.Context().Status().LastError.Code, CodeTimeout)
}

func TestStopSyncGoesOffline(t *testing.T) {
	f := newFixture()
	gen, _ := sequence("HHHHHH")
	c := f.client(gen)
	_, err := f.start(t, c.m, SyncRequest{DisplayName: "Alex", JoinChoice: models.JoinChoiceCreate})
	assert.Equal(t, err, nil)

	c.m.StopSync()
	assert.Equal(t, c.m.Context().State(), StateOffline)
	assert.Equal(t, len(f.hub.Members(models.RoomKindPeer, "HHHHHH")), 0)
	_, ok := c.m.LastRequest()
	assert.Equal(t, ok, false)

	c.observer.mu.Lock()
	defer c.observer.mu.Unlock()
	assert.Equal(t, c.observer.states, []State{StateConnecting, StateConnected, StateOffline})
}

func TestSyncErrorMatching(t *testing.T) {
	err := &SyncError{Code: CodeServerDown, Op: "connect", Err: transport.ErrServerDown}
	assert.Equal(t, errors.Is(err, ErrServerDown), true)
	assert.Equal(t, errors.Is(err, ErrTimeout), false)
	assert.Equal(t, errors.Is(err, transport.ErrServerDown), true)

	assert.Equal(t, Classify(context.DeadlineExceeded), CodeTimeout)
	assert.Equal(t, Classify(transport.ErrPasswordIncorrect), CodePasswordIncorrect)
	assert.Equal(t, Classify(transport.ErrRoomNotFound), CodeRoomNotFound)
	assert.Equal(t, Classify(registry.ErrInvalidCode), CodeInvalidRoom)
	assert.Equal(t, Classify(session.ErrNoCurrent), CodeSessionNotFound)
	assert.Equal(t, Classify(errors.New("reset by peer")), CodeNetworkError)

	assert.Equal(t, CodePasswordRequired.Retryable(), false)
	assert.Equal(t, CodeNetworkError.Retryable(), true)
}

package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/scoresync/go/internal/doc"
	"github.com/mcdev12/scoresync/go/internal/models"
)

func TestRandomCodeAlphabetAndLength(t *testing.T) {
	for i := 0; i < 500; i++ {
		code, err := RandomCode()
		assert.Equal(t, err, nil)
		assert.Equal(t, len(code), CodeLength)
		for _, r := range code {
			assert.Equal(t, strings.ContainsRune(CodeAlphabet, r), true)
		}
	}
}

func TestParseCode(t *testing.T) {
	code, err := ParseCode("  abc234 ")
	assert.Equal(t, err, nil)
	assert.Equal(t, code.Value, "ABC234")
	assert.Equal(t, code.Kind, models.RoomKindPeer)
	assert.Equal(t, code.Key(), "ABC234")

	relay, err := ParseCode("l-abc234")
	assert.Equal(t, err, nil)
	assert.Equal(t, relay.Kind, models.RoomKindRelay)
	assert.Equal(t, relay.Display(), "L-ABC234")
	assert.Equal(t, relay.Key(), "relay:ABC234")

	back, err := CodeFromKey(relay.Key())
	assert.Equal(t, err, nil)
	assert.Equal(t, back, relay)

	for _, bad := range []string{"", "ABC23", "ABC2345", "ABCD10", "ABCDEO", "L-", "X-ABC234"} {
		_, err := ParseCode(bad)
		assert.Equal(t, err, ErrInvalidCode)
	}
}

func TestNewCodeUsesGenerator(t *testing.T) {
	code, err := NewCode(models.RoomKindRelay, func() (string, error) { return "ZZZZZZ", nil })
	assert.Equal(t, err, nil)
	assert.Equal(t, code.Display(), "L-ZZZZZZ")

	_, err = NewCode(models.RoomKindPeer, func() (string, error) { return "bad", nil })
	assert.Equal(t, err, ErrInvalidCode)
}

func newTestApp() (*App, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewApp(NewDocStore(doc.NewLWWDoc()), clock), clock
}

func TestRegisterLookupRoundTrip(t *testing.T) {
	app, clock := newTestApp()
	ctx := context.Background()
	code, _ := ParseCode("ABC234")

	assert.Equal(t, app.RegisterRoom(ctx, code, "session-1", true), nil)

	entry, err := app.LookupRoom(ctx, code)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, entry, nil)
	assert.Equal(t, entry.SessionID, "session-1")
	assert.Equal(t, entry.HasPassword, true)
	assert.Equal(t, entry.CreatedAt.UnixMilli(), clock.Now().UnixMilli())

	relay, _ := ParseCode("L-ABC234")
	missing, err := app.LookupRoom(ctx, relay)
	assert.Equal(t, err, nil)
	assert.Equal(t, missing == nil, true)
}

func TestVerifyRoomRegistration(t *testing.T) {
	app, _ := newTestApp()
	ctx := context.Background()
	code, _ := ParseCode("ABC234")

	ok, err := app.VerifyRoomRegistration(ctx, code, "session-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	assert.Equal(t, app.RegisterRoom(ctx, code, "session-1", false), nil)
	assert.Equal(t, app.RegisterRoom(ctx, code, "session-2", false), nil)

	ok, _ = app.VerifyRoomRegistration(ctx, code, "session-1")
	assert.Equal(t, ok, false)
	ok, _ = app.VerifyRoomRegistration(ctx, code, "session-2")
	assert.Equal(t, ok, true)
}

func TestLookupExpiresAfterTwelveHours(t *testing.T) {
	app, clock := newTestApp()
	ctx := context.Background()
	code, _ := ParseCode("ABC234")

	assert.Equal(t, app.RegisterRoom(ctx, code, "session-1", false), nil)
	clock.Advance(EntryTTL)
	entry, _ := app.LookupRoom(ctx, code)
	assert.NotEqual(t, entry, nil)

	clock.Advance(time.Minute)
	entry, err := app.LookupRoom(ctx, code)
	assert.Equal(t, err, nil)
	assert.Equal(t, entry == nil, true)

	records, _ := app.store.List(ctx)
	assert.Equal(t, len(records), 0)
}

func TestCleanupExpiredRegistryEntries(t *testing.T) {
	app, clock := newTestApp()
	ctx := context.Background()
	old, _ := ParseCode("AAAAAA")
	fresh, _ := ParseCode("L-BBBBBB")

	assert.Equal(t, app.RegisterRoom(ctx, old, "s-old", false), nil)
	clock.Advance(13 * time.Hour)
	assert.Equal(t, app.RegisterRoom(ctx, fresh, "s-new", false), nil)

	removed, err := app.CleanupExpiredRegistryEntries(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, removed, 1)

	rooms, err := app.ListRooms(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(rooms), 1)
	assert.Equal(t, rooms[0].Kind, models.RoomKindRelay)
	assert.Equal(t, rooms[0].SessionID, "s-new")
}

func TestDocStoreReplicates(t *testing.T) {
	ctx := context.Background()
	a := NewDocStore(doc.NewLWWDoc())
	b := NewDocStore(doc.NewLWWDoc())

	assert.Equal(t, a.Put(ctx, "relay:ABC234", models.RegistryRecord{SessionID: "s1", CreatedAt: 42}), nil)
	state, err := a.Document().EncodeState()
	assert.Equal(t, err, nil)
	assert.Equal(t, b.Document().ApplyUpdate(state, doc.OriginRemote), nil)

	record, err := b.Get(ctx, "relay:ABC234")
	assert.Equal(t, err, nil)
	assert.Equal(t, record.SessionID, "s1")
	assert.Equal(t, record.CreatedAt, int64(42))

	assert.Equal(t, b.Delete(ctx, "relay:ABC234"), nil)
	_, err = b.Get(ctx, "relay:ABC234")
	assert.Equal(t, err, ErrNotFound)
}

func TestRemoteStoreOverRPC(t *testing.T) {
	backing := NewDocStore(doc.NewLWWDoc())
	path, handler := NewRPCHandler(backing)
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx := context.Background()
	remote := NewRemoteStore(server.Client(), server.URL)

	_, err := remote.Get(ctx, "ABC234")
	assert.Equal(t, err, ErrNotFound)

	assert.Equal(t, remote.Put(ctx, "ABC234", models.RegistryRecord{SessionID: "s1", CreatedAt: 7, HasPassword: true}), nil)
	assert.NotEqual(t, remote.Put(ctx, "not-a-key", models.RegistryRecord{SessionID: "s1"}), nil)

	record, err := remote.Get(ctx, "ABC234")
	assert.Equal(t, err, nil)
	assert.Equal(t, record.HasPassword, true)

	all, err := remote.List(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(all), 1)

	assert.Equal(t, remote.Delete(ctx, "ABC234"), nil)
	all, err = remote.List(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(all), 0)
}

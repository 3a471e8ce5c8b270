package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/mcdev12/scoresync/go/internal/models"
	"github.com/mcdev12/scoresync/go/internal/registry"
)

func TestBackoffSchedule(t *testing.T) {
	f := newFixture()
	s := NewSupervisor(f.client(nil).m)

	var got []time.Duration
	for i := 0; i < 8; i++ {
		got = append(got, s.NextDelay())
	}
	assert.Equal(t, got, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	})
}

func TestReconnectAfterDrop(t *testing.T) {
	f := newFixture()
	gen, _ := sequence("JJJJJJ")
	c := f.client(gen)
	NewSupervisor(c.m)
	current, _ := c.sessions.Current()

	_, err := f.start(t, c.m, SyncRequest{DisplayName: "Alex", JoinChoice: models.JoinChoiceCreate})
	assert.Equal(t, err, nil)

	f.hub.Drop(current.Doc.ClientID())
	eventually(t, func() bool {
		return c.m.Context().State() == StateError && c.m.Context().retryPending()
	})
	status := c.m.Context().Status()
	assert.Equal(t, status.Attempt, 1)
	assert.Equal(t, status.RetryAt, f.clock.Now().Add(time.Second))
	assert.Equal(t, status.LastError.Code, CodeNetworkError)

	f.clock.Advance(time.Second)
	eventually(t, func() bool { return c.m.Context().State() == StateConnected })
	assert.Equal(t, len(f.hub.Members(models.RoomKindPeer, "JJJJJJ")), 1)
	assert.Equal(t, c.m.Context().Status().Attempt, 0)
	assert.Equal(t, current.SyncConfig().Room, "JJJJJJ")
}

func TestOfflineFlipsToErrorAndOnlineReconnects(t *testing.T) {
	f := newFixture()
	gen, _ := sequence("KKKKKK")
	c := f.client(gen)
	s := NewSupervisor(c.m)

	_, err := f.start(t, c.m, SyncRequest{DisplayName: "Alex", JoinChoice: models.JoinChoiceCreate})
	assert.Equal(t, err, nil)

	s.NotifyOffline()
	assert.Equal(t, c.m.Context().State(), StateError)
	assert.Equal(t, c.m.Context().retryPending(), false)

	s.NotifyOnline(context.Background())
	assert.Equal(t, c.m.Context().State(), StateConnected)
	assert.Equal(t, len(f.hub.Members(models.RoomKindPeer, "KKKKKK")), 1)
}

func TestAutoReconnectRunsOnce(t *testing.T) {
	f := newFixture()
	gen, _ := sequence("MMMMMM")
	c := f.client(gen)
	current, _ := c.sessions.Current()

	_, err := f.start(t, c.m, SyncRequest{DisplayName: "Alex", JoinChoice: models.JoinChoiceCreate})
	assert.Equal(t, err, nil)
	c.m.StopSync()

	s := NewSupervisor(c.m)
	code, err := s.AutoReconnect(context.Background(), "Alex")
	assert.Equal(t, err, nil)
	assert.Equal(t, code, "MMMMMM")
	assert.Equal(t, c.m.Context().State(), StateConnected)
	assert.Equal(t, c.m.Context().Status().SessionID, current.ID)

	_, err = s.AutoReconnect(context.Background(), "Alex")
	assert.Equal(t, errors.Is(err, ErrAlreadyAutoReconnected), true)
}

func TestAutoReconnectWithoutRoomIsNoop(t *testing.T) {
	f := newFixture()
	c := f.client(nil)
	s := NewSupervisor(c.m)

	code, err := s.AutoReconnect(context.Background(), "Alex")
	assert.Equal(t, err, nil)
	assert.Equal(t, code, "")
	assert.Equal(t, c.m.Context().State(), StateOffline)
}

func TestReconnectIdentityMismatchBecomesJoin(t *testing.T) {
	f := newFixture()
	c := f.client(nil)
	current, _ := c.sessions.Current()
	ctx := context.Background()

	assert.Equal(t, current.SetSyncConfig(models.SyncConfig{
		Room:              "NNNNNN",
		CreatedAt:         f.clock.Now(),
		SessionID:         current.ID,
		JoinChoice:        models.JoinChoiceCreate,
		EffectivePassword: "NNNNNN",
	}), nil)
	code := registry.Code{Value: "NNNNNN", Kind: models.RoomKindPeer}
	assert.Equal(t, f.registry.RegisterRoom(ctx, code, "someone-else", false), nil)

	s := NewSupervisor(c.m)
	_, err := s.AutoReconnect(ctx, "Alex")
	assert.Equal(t, err, nil)
	assert.Equal(t, c.m.Context().State(), StateConnected)
	assert.Equal(t, len(c.observer.errors), 0)

	cfg := current.SyncConfig()
	assert.Equal(t, cfg.Room, "NNNNNN")
	assert.Equal(t, cfg.SessionID, "someone-else")
	assert.Equal(t, cfg.JoinChoice, models.JoinChoiceJoin)
	assert.Equal(t, c.m.Context().Status().SyncedSessionID, "someone-else")

	owned, err := f.registry.VerifyRoomRegistration(ctx, code, "someone-else")
	assert.Equal(t, err, nil)
	assert.Equal(t, owned, true)
}

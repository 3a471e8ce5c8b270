package memory

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/mcdev12/scoresync/go/internal/doc"
	"github.com/mcdev12/scoresync/go/internal/models"
	"github.com/mcdev12/scoresync/go/internal/transport"
)

func openPeer(t *testing.T, hub *Hub, opts transport.Options) *Transport {
	t.Helper()
	if opts.Doc == nil {
		opts.Doc = doc.NewLWWDoc()
	}
	tr := hub.open(opts)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func drain(tr *Transport) []transport.Event {
	var out []transport.Event
	for {
		select {
		case ev := <-tr.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestHubReplicatesDocuments(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	a := openPeer(t, hub, transport.Options{Room: "ABC234", Kind: models.RoomKindPeer, Create: true})
	b := openPeer(t, hub, transport.Options{Room: "ABC234", Kind: models.RoomKindPeer})

	assert.Equal(t, a.opts.Doc.Transact(doc.OriginLocal, func(tx doc.Txn) error {
		tx.Set("teams/t1/name", "Owls")
		return nil
	}), nil)

	assert.Equal(t, a.Connect(ctx), nil)
	assert.Equal(t, b.Connect(ctx), nil)
	assert.Equal(t, doc.String(b.opts.Doc, "teams/t1/name"), "Owls")

	assert.Equal(t, b.opts.Doc.Transact(doc.OriginLocal, func(tx doc.Txn) error {
		tx.Set("teams/t2/name", "Bears")
		return nil
	}), nil)
	assert.Equal(t, doc.String(a.opts.Doc, "teams/t2/name"), "Bears")

	var synced bool
	for _, ev := range drain(b) {
		if ev.Type == transport.EventSynced {
			synced = true
		}
	}
	assert.Equal(t, synced, true)
	assert.Equal(t, len(hub.Members(models.RoomKindPeer, "ABC234")), 2)
}

func TestHubPresence(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	a := openPeer(t, hub, transport.Options{Room: "ABC234", Kind: models.RoomKindPeer})
	b := openPeer(t, hub, transport.Options{Room: "ABC234", Kind: models.RoomKindPeer})
	assert.Equal(t, a.Connect(ctx), nil)
	assert.Equal(t, b.Connect(ctx), nil)

	a.SetLocalPresence(transport.PresenceState{DisplayName: "Ann", ProtocolVersion: "1.0.0"})
	b.SetLocalPresence(transport.PresenceState{DisplayName: "Bob", ProtocolVersion: "1.0.0"})

	seen := b.Presence()
	assert.Equal(t, len(seen), 2)
	assert.Equal(t, seen[a.ClientID()].DisplayName, "Ann")

	assert.Equal(t, a.Close(), nil)
	seen = b.Presence()
	assert.Equal(t, len(seen), 1)
	_, stillThere := seen[a.ClientID()]
	assert.Equal(t, stillThere, false)
}

func TestHubAdmission(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	missing := openPeer(t, hub, transport.Options{Room: "ABC234", Kind: models.RoomKindRelay})
	assert.Equal(t, missing.Connect(ctx), transport.ErrRoomNotFound)

	owner := openPeer(t, hub, transport.Options{Room: "ABC234", Kind: models.RoomKindRelay, Create: true, Password: "pw", HasCustomPassword: true})
	assert.Equal(t, owner.Connect(ctx), nil)

	wrong := openPeer(t, hub, transport.Options{Room: "ABC234", Kind: models.RoomKindRelay, Password: "nope", HasCustomPassword: true})
	assert.Equal(t, wrong.Connect(ctx), transport.ErrPasswordIncorrect)

	none := openPeer(t, hub, transport.Options{Room: "ABC234", Kind: models.RoomKindRelay, Password: "ABC234"})
	assert.Equal(t, none.Connect(ctx), transport.ErrPasswordRequired)

	hub.SetDown(true)
	down := openPeer(t, hub, transport.Options{Room: "XYZ789", Kind: models.RoomKindPeer})
	assert.Equal(t, down.Connect(ctx), transport.ErrUnavailable)
}

func TestHubDrop(t *testing.T) {
	hub := NewHub()
	a := openPeer(t, hub, transport.Options{Room: "ABC234", Kind: models.RoomKindPeer})
	assert.Equal(t, a.Connect(context.Background()), nil)
	drain(a)

	hub.Drop(a.ClientID())
	events := drain(a)
	assert.Equal(t, len(events) > 0, true)
	last := events[len(events)-1]
	assert.Equal(t, last.Type, transport.EventStatus)
	assert.Equal(t, last.Status, transport.StatusDisconnected)
	assert.Equal(t, len(hub.Members(models.RoomKindPeer, "ABC234")), 0)
}

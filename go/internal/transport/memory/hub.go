// Package memory is an in-process transport. Every transport opened on the
// same Hub and room replicates with the others synchronously.
package memory

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/doc"
	"github.com/mcdev12/scoresync/go/internal/models"
	"github.com/mcdev12/scoresync/go/internal/transport"
)

type room struct {
	password string
	members  map[uint64]*Transport
	presence map[uint64]transport.PresenceState
}

// Hub is a set of in-process rooms.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room
	down  bool
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*room)}
}

// SetDown makes every subsequent Connect fail with ErrUnavailable.
func (h *Hub) SetDown(down bool) {
	h.mu.Lock()
	h.down = down
	h.mu.Unlock()
}

// Open implements transport.Factory.
func (h *Hub) Open(opts transport.Options) (transport.Transport, error) {
	return h.open(opts), nil
}

func (h *Hub) open(opts transport.Options) *Transport {
	return &Transport{
		hub:    h,
		opts:   opts,
		events: transport.NewEmitter(256),
	}
}

// Members returns the client ids connected to a room.
func (h *Hub) Members(kind models.RoomKind, code string) []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomKey(kind, code)]
	if !ok {
		return nil
	}
	out := make([]uint64, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}

// Drop disconnects a client as if its network went away.
func (h *Hub) Drop(clientID uint64) {
	h.mu.Lock()
	var dropped *Transport
	for _, r := range h.rooms {
		if t, ok := r.members[clientID]; ok {
			dropped = t
			break
		}
	}
	h.mu.Unlock()
	if dropped == nil {
		return
	}
	dropped.detach()
	dropped.events.Emit(transport.Event{Type: transport.EventStatus, Status: transport.StatusDisconnected})
}

func roomKey(kind models.RoomKind, code string) string {
	return string(kind) + ":" + code
}

// Transport is one client's attachment to a Hub room.
type Transport struct {
	hub    *Hub
	opts   transport.Options
	events *transport.Emitter

	mu          sync.Mutex
	attached    bool
	closed      bool
	stopForward func()
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Kind() models.RoomKind {
	return t.opts.Kind
}

func (t *Transport) ClientID() uint64 {
	return t.opts.Doc.ClientID()
}

func (t *Transport) Events() <-chan transport.Event {
	return t.events.Events()
}

func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	t.mu.Unlock()

	key := roomKey(t.opts.Kind, t.opts.Room)
	h := t.hub
	h.mu.Lock()
	if h.down {
		h.mu.Unlock()
		return transport.ErrUnavailable
	}
	r, ok := h.rooms[key]
	if !ok {
		if t.opts.Kind == models.RoomKindRelay && !t.opts.Create {
			h.mu.Unlock()
			return transport.ErrRoomNotFound
		}
		r = &room{
			password: t.opts.Password,
			members:  make(map[uint64]*Transport),
			presence: make(map[uint64]transport.PresenceState),
		}
		h.rooms[key] = r
	} else if r.password != t.opts.Password {
		h.mu.Unlock()
		if t.opts.HasCustomPassword {
			return transport.ErrPasswordIncorrect
		}
		return transport.ErrPasswordRequired
	}
	others := make([]*Transport, 0, len(r.members))
	for _, m := range r.members {
		others = append(others, m)
	}
	r.members[t.ClientID()] = t
	h.mu.Unlock()

	t.mu.Lock()
	t.attached = true
	t.stopForward = transport.ForwardLocalChanges(t.opts.Doc, t.broadcast)
	t.mu.Unlock()

	t.events.Emit(transport.Event{Type: transport.EventStatus, Status: transport.StatusConnected})

	local, err := t.opts.Doc.EncodeState()
	if err != nil {
		return err
	}
	for _, other := range others {
		remote, err := other.opts.Doc.EncodeState()
		if err != nil {
			return err
		}
		if err := t.opts.Doc.ApplyUpdate(remote, doc.OriginRemote); err != nil {
			return err
		}
		if err := other.opts.Doc.ApplyUpdate(local, doc.OriginRemote); err != nil {
			log.Warn().Err(err).Uint64("client_id", other.ClientID()).Msg("Failed to deliver state to peer")
		}
	}
	t.events.Emit(transport.Event{Type: transport.EventSynced})
	return nil
}

func (t *Transport) broadcast(update []byte) {
	for _, other := range t.peers() {
		if err := other.opts.Doc.ApplyUpdate(update, doc.OriginRemote); err != nil {
			log.Warn().Err(err).Uint64("client_id", other.ClientID()).Msg("Failed to deliver update to peer")
		}
	}
}

func (t *Transport) peers() []*Transport {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomKey(t.opts.Kind, t.opts.Room)]
	if !ok || r.members[t.ClientID()] != t {
		return nil
	}
	out := make([]*Transport, 0, len(r.members))
	for id, m := range r.members {
		if id != t.ClientID() {
			out = append(out, m)
		}
	}
	return out
}

func (t *Transport) SetLocalPresence(state transport.PresenceState) {
	h := t.hub
	h.mu.Lock()
	r, ok := h.rooms[roomKey(t.opts.Kind, t.opts.Room)]
	if !ok || r.members[t.ClientID()] != t {
		h.mu.Unlock()
		return
	}
	r.presence[t.ClientID()] = state
	members := membersOf(r)
	h.mu.Unlock()
	notifyPresence(members)
}

func (t *Transport) ClearLocalPresence() {
	h := t.hub
	h.mu.Lock()
	r, ok := h.rooms[roomKey(t.opts.Kind, t.opts.Room)]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(r.presence, t.ClientID())
	members := membersOf(r)
	h.mu.Unlock()
	notifyPresence(members)
}

func (t *Transport) Presence() map[uint64]transport.PresenceState {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[uint64]transport.PresenceState)
	r, ok := h.rooms[roomKey(t.opts.Kind, t.opts.Room)]
	if !ok {
		return out
	}
	for id, state := range r.presence {
		out[id] = state
	}
	return out
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.detach()
	t.events.Close()
	return nil
}

// detach leaves the room and stops replicating.
func (t *Transport) detach() {
	t.mu.Lock()
	if !t.attached {
		t.mu.Unlock()
		return
	}
	t.attached = false
	if t.stopForward != nil {
		t.stopForward()
		t.stopForward = nil
	}
	t.mu.Unlock()

	h := t.hub
	key := roomKey(t.opts.Kind, t.opts.Room)
	h.mu.Lock()
	r, ok := h.rooms[key]
	if !ok || r.members[t.ClientID()] != t {
		h.mu.Unlock()
		return
	}
	delete(r.members, t.ClientID())
	delete(r.presence, t.ClientID())
	if len(r.members) == 0 {
		delete(h.rooms, key)
	}
	members := membersOf(r)
	h.mu.Unlock()
	notifyPresence(members)
}

func membersOf(r *room) []*Transport {
	out := make([]*Transport, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

func notifyPresence(members []*Transport) {
	for _, m := range members {
		m.events.Emit(transport.Event{Type: transport.EventPresence})
	}
}

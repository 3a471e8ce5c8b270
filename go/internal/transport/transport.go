// Package transport defines how a session document is replicated to the
// other members of a room and how presence travels alongside it.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/doc"
	"github.com/mcdev12/scoresync/go/internal/models"
)

var (
	ErrUnavailable       = errors.New("transport unavailable")
	ErrServerDown        = errors.New("relay server unreachable")
	ErrRoomNotFound      = errors.New("room not found")
	ErrPasswordRequired  = errors.New("password required")
	ErrPasswordIncorrect = errors.New("password incorrect")
	ErrClosed            = errors.New("transport closed")
)

// Wire error codes shared by transports and the relay gateway.
const (
	CodeRoomNotFound      = "room_not_found"
	CodePasswordRequired  = "password_required"
	CodePasswordIncorrect = "password_incorrect"
	CodeUnavailable       = "unavailable"
)

// ErrorFromCode maps a wire error code to its sentinel.
func ErrorFromCode(code string) error {
	switch code {
	case CodeRoomNotFound:
		return ErrRoomNotFound
	case CodePasswordRequired:
		return ErrPasswordRequired
	case CodePasswordIncorrect:
		return ErrPasswordIncorrect
	default:
		return ErrUnavailable
	}
}

type EventType int

const (
	EventStatus EventType = iota + 1
	EventSynced
	EventPresence
	EventError
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Event is delivered on a transport's event channel.
type Event struct {
	Type   EventType
	Status Status
	Err    error
}

// PresenceState is what a client advertises about itself to the room.
type PresenceState struct {
	DisplayName        string `json:"name"`
	Color              string `json:"color,omitempty"`
	ProtocolVersion    string `json:"version"`
	MinProtocolVersion string `json:"minVersion,omitempty"`
	SessionID          string `json:"sessionId,omitempty"`
}

// Transport replicates one document within one room.
type Transport interface {
	Kind() models.RoomKind
	ClientID() uint64
	// Connect joins the room and returns once the transport is attached to
	// it. Synchronisation completes later and is reported as EventSynced.
	Connect(ctx context.Context) error
	Events() <-chan Event
	SetLocalPresence(state PresenceState)
	ClearLocalPresence()
	// Presence returns every known presence entry, the local one included.
	Presence() map[uint64]PresenceState
	Close() error
}

// Options configures a transport for a room.
type Options struct {
	Room              string
	Kind              models.RoomKind
	Password          string
	HasCustomPassword bool
	// Create is set when this client is creating the room rather than
	// joining an existing one.
	Create bool
	Doc    doc.Document
}

// Factory opens transports. Open must not block; Connect does.
type Factory interface {
	Open(opts Options) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(opts Options) (Transport, error)

func (f FactoryFunc) Open(opts Options) (Transport, error) {
	return f(opts)
}

// Router picks a factory by room kind.
type Router map[models.RoomKind]Factory

func (r Router) Open(opts Options) (Transport, error) {
	factory, ok := r[opts.Kind]
	if !ok || factory == nil {
		return nil, ErrUnavailable
	}
	return factory.Open(opts)
}

// Emitter is a closable buffered event channel. Sends never block; when the
// buffer is full the event is dropped and logged.
type Emitter struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func NewEmitter(size int) *Emitter {
	return &Emitter{ch: make(chan Event, size)}
}

func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	default:
		log.Warn().Int("type", int(ev.Type)).Msg("Transport event buffer full, dropping event")
	}
}

func (e *Emitter) Events() <-chan Event {
	return e.ch
}

func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// ForwardLocalChanges calls send with the update of every document change
// that did not arrive from the network.
func ForwardLocalChanges(d doc.Document, send func(update []byte)) func() {
	return d.Observe(func(change doc.Change) {
		if change.Origin == doc.OriginRemote {
			return
		}
		send(change.Update)
	})
}

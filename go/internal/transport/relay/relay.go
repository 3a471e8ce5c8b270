// Package relay connects a session document to a scoresync gateway over a
// websocket. The gateway only forwards sealed frames; it never sees room
// content.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/doc"
	"github.com/mcdev12/scoresync/go/internal/models"
	"github.com/mcdev12/scoresync/go/internal/transport"
)

// Config holds the relay client settings.
type Config struct {
	URL            string
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	// SyncWindow bounds how long the transport waits for a peer's state
	// before reporting the room as synced anyway.
	SyncWindow time.Duration
	Clock      clockwork.Clock
	Dialer     *websocket.Dialer
}

func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 8 << 20,
		SyncWindow:     3 * time.Second,
		Clock:          clockwork.NewRealClock(),
		Dialer:         websocket.DefaultDialer,
	}
}

// Factory opens relay transports against one gateway.
type Factory struct {
	cfg Config
}

// NewFactory fills unset fields of cfg from DefaultConfig.
func NewFactory(cfg Config) *Factory {
	def := DefaultConfig(cfg.URL)
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SyncWindow <= 0 {
		cfg.SyncWindow = def.SyncWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if cfg.Dialer == nil {
		cfg.Dialer = def.Dialer
	}
	return &Factory{cfg: cfg}
}

func (f *Factory) Open(opts transport.Options) (transport.Transport, error) {
	if opts.Doc == nil {
		return nil, errors.New("relay transport requires a document")
	}
	return &Transport{
		cfg:      f.cfg,
		opts:     opts,
		events:   transport.NewEmitter(256),
		presence: make(map[uint64]transport.PresenceState),
		done:     make(chan struct{}),
	}, nil
}

// RoomKey is the gateway's name for the room.
func RoomKey(code string) string {
	return "relay:" + code
}

// Transport is one client's websocket attachment to a relay room.
type Transport struct {
	cfg    Config
	opts   transport.Options
	box    *transport.Box
	events *transport.Emitter

	mu          sync.Mutex
	conn        *websocket.Conn
	send        chan []byte
	presence    map[uint64]transport.PresenceState
	local       *transport.PresenceState
	synced      bool
	closed      bool
	syncTimer   clockwork.Timer
	stopForward func()
	done        chan struct{}
	closeOnce   sync.Once
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Kind() models.RoomKind { return models.RoomKindRelay }

func (t *Transport) ClientID() uint64 { return t.opts.Doc.ClientID() }

func (t *Transport) Events() <-chan transport.Event { return t.events.Events() }

// Connect dials the gateway, performs the hello/welcome exchange and starts
// the pumps.
func (t *Transport) Connect(ctx context.Context) error {
	t.box = transport.NewBox(t.opts.Password, t.opts.Room)

	conn, _, err := t.cfg.Dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", transport.ErrServerDown, err)
	}

	hello := &transport.Frame{
		Type:     transport.FrameHello,
		Room:     RoomKey(t.opts.Room),
		ClientID: t.ClientID(),
	}
	if t.opts.Create {
		hello.Flags |= transport.FlagCreate
	}
	if t.opts.HasCustomPassword {
		hello.Flags |= transport.FlagCustomPassword
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	conn.SetReadDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, hello.Marshal()); err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", transport.ErrServerDown, err)
	}
	welcome, err := readFrame(conn)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", transport.ErrServerDown, err)
	}
	if welcome.Type == transport.FrameError {
		conn.Close()
		return transport.ErrorFromCode(welcome.Code)
	}
	if welcome.Type != transport.FrameWelcome {
		conn.Close()
		return fmt.Errorf("%w: unexpected %s frame", transport.ErrUnavailable, welcome.Type)
	}
	conn.SetWriteDeadline(time.Time{})
	conn.SetReadDeadline(time.Time{})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return transport.ErrClosed
	}
	t.conn = conn
	t.send = make(chan []byte, 256)
	t.stopForward = transport.ForwardLocalChanges(t.opts.Doc, func(update []byte) {
		t.sendSealed(transport.FrameUpdate, update)
	})
	alone := len(welcome.Peers) == 0 && !welcome.Has(transport.FlagHasSnapshot)
	if !alone {
		t.syncTimer = t.cfg.Clock.AfterFunc(t.cfg.SyncWindow, t.markSynced)
	}
	t.mu.Unlock()

	go t.writePump()
	go t.readPump()

	t.events.Emit(transport.Event{Type: transport.EventStatus, Status: transport.StatusConnected})

	state, err := t.opts.Doc.EncodeState()
	if err != nil {
		return err
	}
	t.sendSealed(transport.FrameSnapshot, state)
	if alone {
		t.markSynced()
	}

	log.Info().
		Str("room_code", t.opts.Room).
		Uint64("client_id", t.ClientID()).
		Int("peers", len(welcome.Peers)).
		Msg("Relay transport connected")
	return nil
}

func readFrame(conn *websocket.Conn) (*transport.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return transport.UnmarshalFrame(data)
}

func (t *Transport) markSynced() {
	t.mu.Lock()
	if t.synced || t.closed {
		t.mu.Unlock()
		return
	}
	t.synced = true
	if t.syncTimer != nil {
		t.syncTimer.Stop()
	}
	t.mu.Unlock()
	t.events.Emit(transport.Event{Type: transport.EventSynced})
}

func (t *Transport) sendSealed(typ transport.FrameType, plain []byte) {
	sealed, err := t.box.Seal(plain)
	if err != nil {
		log.Error().Err(err).Msg("Failed to seal relay payload")
		return
	}
	t.sendFrame(&transport.Frame{Type: typ, ClientID: t.ClientID(), Payload: sealed})
}

func (t *Transport) sendFrame(f *transport.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.send == nil {
		return
	}
	select {
	case t.send <- f.Marshal():
	default:
		log.Warn().Str("room_code", t.opts.Room).Msg("Relay send buffer full, dropping frame")
	}
}

func (t *Transport) writePump() {
	ticker := t.cfg.Clock.NewTicker(t.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case <-t.done:
			t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := t.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				log.Error().Err(err).Str("room_code", t.opts.Room).Msg("Failed to write relay frame")
				return
			}
		case <-ticker.Chan():
			t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("room_code", t.opts.Room).Msg("Failed to send ping")
				return
			}
		}
	}
}

func (t *Transport) readPump() {
	defer t.disconnected()

	t.conn.SetReadLimit(t.cfg.MaxMessageSize)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("room_code", t.opts.Room).Msg("Relay connection lost")
			}
			return
		}
		frame, err := transport.UnmarshalFrame(data)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping malformed relay frame")
			continue
		}
		if !t.handleFrame(frame) {
			return
		}
	}
}

// handleFrame applies one inbound frame. It returns false when the
// connection must be dropped.
func (t *Transport) handleFrame(f *transport.Frame) bool {
	switch f.Type {
	case transport.FrameUpdate, transport.FrameSnapshot:
		if f.ClientID == t.ClientID() {
			return true
		}
		plain, err := t.box.Open(f.Payload)
		if err != nil {
			t.events.Emit(transport.Event{Type: transport.EventError, Err: transport.ErrPasswordIncorrect})
			return false
		}
		if err := t.opts.Doc.ApplyUpdate(plain, doc.OriginRemote); err != nil {
			log.Warn().Err(err).Uint64("from", f.ClientID).Msg("Failed to apply relay update")
			return true
		}
		t.markSynced()

	case transport.FrameAwareness:
		if f.ClientID == t.ClientID() {
			return true
		}
		t.mu.Lock()
		if len(f.Payload) == 0 {
			delete(t.presence, f.ClientID)
		} else if plain, err := t.box.Open(f.Payload); err == nil {
			var state transport.PresenceState
			if json.Unmarshal(plain, &state) == nil {
				t.presence[f.ClientID] = state
			}
		}
		t.mu.Unlock()
		t.events.Emit(transport.Event{Type: transport.EventPresence})

	case transport.FrameLeave:
		t.mu.Lock()
		delete(t.presence, f.ClientID)
		t.mu.Unlock()
		t.events.Emit(transport.Event{Type: transport.EventPresence})

	case transport.FrameJoined:
		// A newcomer, or the gateway compacting its replay log, needs our
		// full state and presence.
		if state, err := t.opts.Doc.EncodeState(); err == nil {
			t.sendSealed(transport.FrameSnapshot, state)
		}
		t.mu.Lock()
		local := t.local
		t.mu.Unlock()
		if local != nil {
			t.sendPresence(*local)
		}

	case transport.FrameError:
		t.events.Emit(transport.Event{Type: transport.EventError, Err: transport.ErrorFromCode(f.Code)})
	}
	return true
}

func (t *Transport) disconnected() {
	t.mu.Lock()
	wasClosed := t.closed
	if t.stopForward != nil {
		t.stopForward()
		t.stopForward = nil
	}
	t.presence = make(map[uint64]transport.PresenceState)
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.done) })
	if !wasClosed {
		t.events.Emit(transport.Event{Type: transport.EventStatus, Status: transport.StatusDisconnected})
	}
}

func (t *Transport) sendPresence(state transport.PresenceState) {
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	t.sendSealed(transport.FrameAwareness, raw)
}

func (t *Transport) SetLocalPresence(state transport.PresenceState) {
	t.mu.Lock()
	t.local = &state
	t.mu.Unlock()
	t.sendPresence(state)
	t.events.Emit(transport.Event{Type: transport.EventPresence})
}

func (t *Transport) ClearLocalPresence() {
	t.mu.Lock()
	t.local = nil
	t.mu.Unlock()
	t.sendFrame(&transport.Frame{Type: transport.FrameAwareness, ClientID: t.ClientID()})
	t.events.Emit(transport.Event{Type: transport.EventPresence})
}

func (t *Transport) Presence() map[uint64]transport.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint64]transport.PresenceState, len(t.presence)+1)
	for id, state := range t.presence {
		out[id] = state
	}
	if t.local != nil {
		out[t.ClientID()] = *t.local
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
	if t.syncTimer != nil {
		t.syncTimer.Stop()
	}
	if t.stopForward != nil {
		t.stopForward()
		t.stopForward = nil
	}
	t.mu.Unlock()

	t.closeOnce.Do(func() { close(t.done) })
	t.events.Close()
	return nil
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/models"
	"github.com/mcdev12/scoresync/go/internal/registry"
	"github.com/mcdev12/scoresync/go/internal/transport"
)

// ConnectionManager relays sealed frames between the members of each room.
type ConnectionManager struct {
	rooms map[string]*room
	mu    sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	registry *registry.App
	archive  Archive
	clock    clockwork.Clock

	broadcastCh chan BroadcastMessage
	done        chan struct{}
	stopOnce    sync.Once
}

// Connection is one client websocket.
type Connection struct {
	ClientID uint64
	RoomKey  string
	Conn     *websocket.Conn
	Send     chan []byte
	Manager  *ConnectionManager

	ConnectedAt time.Time
	lastPong    atomic.Int64
}

// ConnectionConfig holds configuration for relay websockets.
type ConnectionConfig struct {
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	ReadBufferSize   int
	WriteBufferSize  int
	SendBuffer       int
	// MaxPendingUpdates bounds the update frames kept per author before the
	// author is asked for a fresh snapshot.
	MaxPendingUpdates int
	ArchiveTimeout    time.Duration
	CheckOrigin       func(r *http.Request) bool
}

// BroadcastMessage is a frame read from one member, to be logged and fanned
// out to the rest of its room.
type BroadcastMessage struct {
	From  *Connection
	Frame *transport.Frame
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		PingInterval:      30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		MaxMessageSize:    8 << 20,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		SendBuffer:        1024,
		MaxPendingUpdates: 256,
		ArchiveTimeout:    10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// room is the gateway's view of a relay room. Payloads stay sealed; the
// gateway only tracks which frames a newcomer must be replayed.
type room struct {
	key         string
	hasPassword bool
	members     map[*Connection]bool

	// snapshots holds the latest full-state frame per author and updates the
	// author's update frames relayed since then.
	snapshots map[uint64][]byte
	updates   map[uint64][][]byte
	awareness map[uint64][]byte
}

func newRoom(key string, hasPassword bool) *room {
	return &room{
		key:         key,
		hasPassword: hasPassword,
		members:     make(map[*Connection]bool),
		snapshots:   make(map[uint64][]byte),
		updates:     make(map[uint64][][]byte),
		awareness:   make(map[uint64][]byte),
	}
}

// seed rebuilds the replay log from archived frames.
func (r *room) seed(frames [][]byte) {
	for _, raw := range frames {
		f, err := transport.UnmarshalFrame(raw)
		if err != nil {
			log.Warn().Err(err).Str("room_key", r.key).Msg("Skipping malformed archived frame")
			continue
		}
		r.record(f, raw)
	}
}

// record adds a frame to the replay log and reports how many updates its
// author now has pending.
func (r *room) record(f *transport.Frame, raw []byte) int {
	switch f.Type {
	case transport.FrameSnapshot:
		r.snapshots[f.ClientID] = raw
		delete(r.updates, f.ClientID)
	case transport.FrameUpdate:
		r.updates[f.ClientID] = append(r.updates[f.ClientID], raw)
		return len(r.updates[f.ClientID])
	case transport.FrameAwareness:
		if len(f.Payload) == 0 {
			delete(r.awareness, f.ClientID)
		} else {
			r.awareness[f.ClientID] = raw
		}
	}
	return 0
}

// replay returns the document frames a newcomer needs, snapshots first.
func (r *room) replay() [][]byte {
	var out [][]byte
	for _, raw := range r.snapshots {
		out = append(out, raw)
	}
	for _, frames := range r.updates {
		out = append(out, frames...)
	}
	return out
}

func (r *room) hasState() bool {
	return len(r.snapshots) > 0 || len(r.updates) > 0
}

func (r *room) member(clientID uint64) *Connection {
	for c := range r.members {
		if c.ClientID == clientID {
			return c
		}
	}
	return nil
}

// NewConnectionManager creates a relay. reg and archive may be nil: without
// a registry only creators can open rooms, without an archive rooms vanish
// with their last member.
func NewConnectionManager(config ConnectionConfig, reg *registry.App, archive Archive, clock clockwork.Clock) *ConnectionManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ConnectionManager{
		rooms: make(map[string]*room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		registry:    reg,
		archive:     archive,
		clock:       clock,
		broadcastCh: make(chan BroadcastMessage, 1000),
		done:        make(chan struct{}),
	}
}

// Start processes relayed frames until ctx is done.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	defer cm.stopOnce.Do(func() { close(cm.done) })

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// admission is the outcome of checking a hello against the room state.
type admission struct {
	code        string
	hasPassword bool
	archived    *RoomArchive
}

// UpgradeConnection upgrades the request, performs the hello exchange and
// starts the pumps.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}
	conn.SetReadLimit(cm.config.MaxMessageSize)

	hello, err := cm.readHello(conn)
	if err != nil {
		log.Warn().Err(err).Msg("relay handshake failed")
		conn.Close()
		return err
	}

	ctx, cancel := context.WithTimeout(r.Context(), cm.config.HandshakeTimeout)
	adm := cm.admit(ctx, hello)
	cancel()
	if adm.code != "" {
		cm.reject(conn, hello, adm.code)
		return nil
	}

	connection := &Connection{
		ClientID:    hello.ClientID,
		RoomKey:     hello.Room,
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBuffer),
		Manager:     cm,
		ConnectedAt: cm.clock.Now(),
	}
	connection.lastPong.Store(connection.ConnectedAt.UnixMilli())

	if code := cm.registerConnection(connection, hello, adm); code != "" {
		cm.reject(conn, hello, code)
		return nil
	}

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Uint64("client_id", connection.ClientID).
		Str("room_key", connection.RoomKey).
		Msg("relay connection established")
	return nil
}

func (cm *ConnectionManager) readHello(conn *websocket.Conn) (*transport.Frame, error) {
	conn.SetReadDeadline(time.Now().Add(cm.config.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	f, err := transport.UnmarshalFrame(data)
	if err != nil {
		return nil, err
	}
	if f.Type != transport.FrameHello || f.ClientID == 0 {
		return nil, fmt.Errorf("%w: expected hello, got %s", transport.ErrMalformedFrame, f.Type)
	}
	return f, nil
}

func (cm *ConnectionManager) reject(conn *websocket.Conn, hello *transport.Frame, code string) {
	log.Info().
		Uint64("client_id", hello.ClientID).
		Str("room_key", hello.Room).
		Str("code", code).
		Msg("relay connection rejected")
	reply := &transport.Frame{Type: transport.FrameError, Room: hello.Room, Code: code}
	conn.SetWriteDeadline(time.Now().Add(cm.config.WriteTimeout))
	conn.WriteMessage(websocket.BinaryMessage, reply.Marshal())
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, code))
	conn.Close()
}

// admit decides whether a room unknown to this process may be opened. Live
// rooms are checked again under the lock in registerConnection.
func (cm *ConnectionManager) admit(ctx context.Context, hello *transport.Frame) admission {
	code, err := registry.CodeFromKey(hello.Room)
	if err != nil || code.Kind != models.RoomKindRelay {
		return admission{code: transport.CodeRoomNotFound}
	}

	cm.mu.RLock()
	_, live := cm.rooms[hello.Room]
	cm.mu.RUnlock()
	if live {
		return admission{}
	}

	adm := admission{hasPassword: hello.Has(transport.FlagCustomPassword)}
	found := hello.Has(transport.FlagCreate)

	if cm.archive != nil {
		archived, err := cm.archive.Load(ctx, hello.Room)
		switch {
		case err == nil:
			adm.archived = archived
			if !found {
				adm.hasPassword = archived.HasPassword
			}
			found = true
		case !errors.Is(err, ErrNoSnapshot):
			log.Error().Err(err).Str("room_key", hello.Room).Msg("failed to load room archive")
		}
	}

	if !found && cm.registry != nil {
		entry, err := cm.registry.LookupRoom(ctx, code)
		if err != nil {
			log.Error().Err(err).Str("room_key", hello.Room).Msg("registry lookup failed")
			return admission{code: transport.CodeUnavailable}
		}
		if entry != nil {
			found = true
			adm.hasPassword = entry.HasPassword
		}
	}

	if !found {
		return admission{code: transport.CodeRoomNotFound}
	}
	return adm
}

// registerConnection adds conn to its room and queues the welcome and the
// replay. It returns a wire error code when the room refuses the client.
func (cm *ConnectionManager) registerConnection(conn *Connection, hello *transport.Frame, adm admission) string {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	r, ok := cm.rooms[conn.RoomKey]
	created := false
	if !ok {
		r = newRoom(conn.RoomKey, adm.hasPassword)
		if adm.archived != nil {
			r.seed(adm.archived.Frames)
		}
		created = true
	}
	if r.hasPassword && !hello.Has(transport.FlagCustomPassword) {
		return transport.CodePasswordRequired
	}
	if created {
		cm.rooms[conn.RoomKey] = r
	}
	if old := r.member(conn.ClientID); old != nil {
		// Same client reconnecting before its old socket timed out.
		cm.removeLocked(r, old)
		old.Conn.Close()
	}

	welcome := &transport.Frame{Type: transport.FrameWelcome, Room: conn.RoomKey, ClientID: conn.ClientID}
	for c := range r.members {
		welcome.Peers = append(welcome.Peers, c.ClientID)
	}
	if r.hasState() {
		welcome.Flags |= transport.FlagHasSnapshot
	}

	conn.Send <- welcome.Marshal()
	for _, raw := range r.replay() {
		cm.enqueue(conn, raw)
	}
	for id, raw := range r.awareness {
		if id != conn.ClientID {
			cm.enqueue(conn, raw)
		}
	}

	joined := (&transport.Frame{Type: transport.FrameJoined, Room: conn.RoomKey, ClientID: conn.ClientID}).Marshal()
	cm.fanOutLocked(r, conn, joined)
	r.members[conn] = true

	log.Debug().
		Uint64("client_id", conn.ClientID).
		Str("room_key", conn.RoomKey).
		Int("total_connections", len(r.members)).
		Bool("created", created).
		Msg("connection registered")
	return ""
}

// enqueue is used while registering, before the pumps run.
func (cm *ConnectionManager) enqueue(conn *Connection, raw []byte) {
	select {
	case conn.Send <- raw:
	default:
		log.Warn().Uint64("client_id", conn.ClientID).Msg("replay exceeds send buffer, truncating")
	}
}

// unregisterConnection removes a connection, tells the room it left and
// archives the room when it empties.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	r, ok := cm.rooms[conn.RoomKey]
	if !ok || !r.members[conn] {
		cm.mu.Unlock()
		return
	}
	cm.removeLocked(r, conn)
	var snapshot *RoomArchive
	if len(r.members) == 0 {
		delete(cm.rooms, conn.RoomKey)
		if cm.archive != nil && r.hasState() {
			snapshot = &RoomArchive{
				Frames:      r.replay(),
				HasPassword: r.hasPassword,
				UpdatedAt:   cm.clock.Now(),
			}
		}
	}
	cm.mu.Unlock()

	log.Info().
		Uint64("client_id", conn.ClientID).
		Str("room_key", conn.RoomKey).
		Msg("connection unregistered")

	if snapshot != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cm.config.ArchiveTimeout)
		defer cancel()
		if err := cm.archive.Save(ctx, conn.RoomKey, *snapshot); err != nil {
			log.Error().Err(err).Str("room_key", conn.RoomKey).Msg("failed to archive room")
		}
	}
}

func (cm *ConnectionManager) removeLocked(r *room, conn *Connection) {
	delete(r.members, conn)
	close(conn.Send)
	if r.member(conn.ClientID) == nil {
		delete(r.awareness, conn.ClientID)
		leave := (&transport.Frame{Type: transport.FrameLeave, Room: r.key, ClientID: conn.ClientID}).Marshal()
		cm.fanOutLocked(r, nil, leave)
	}
}

// fanOutLocked queues raw for every member except skip. Members whose
// buffer is full are dropped; they resync on reconnect.
func (cm *ConnectionManager) fanOutLocked(r *room, skip *Connection, raw []byte) {
	var slow []*Connection
	for c := range r.members {
		if c == skip {
			continue
		}
		select {
		case c.Send <- raw:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		log.Warn().
			Uint64("client_id", c.ClientID).
			Str("room_key", r.key).
			Msg("connection send buffer full, closing connection")
		delete(r.members, c)
		close(c.Send)
		c.Conn.Close()
	}
}

// handleBroadcast logs a member's frame for replay and relays it.
func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	f := message.Frame
	switch f.Type {
	case transport.FrameUpdate, transport.FrameSnapshot, transport.FrameAwareness:
	default:
		log.Debug().Str("frame", f.Type.String()).Msg("ignoring client frame")
		return
	}
	f.ClientID = message.From.ClientID
	f.Room = ""
	raw := f.Marshal()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	r, ok := cm.rooms[message.From.RoomKey]
	if !ok || !r.members[message.From] {
		return
	}
	pending := r.record(f, raw)
	cm.fanOutLocked(r, message.From, raw)

	if pending > cm.config.MaxPendingUpdates && pending%cm.config.MaxPendingUpdates == 1 {
		// Ask the author for a snapshot so its updates can be dropped.
		compact := (&transport.Frame{Type: transport.FrameJoined, Room: r.key}).Marshal()
		select {
		case message.From.Send <- compact:
		default:
		}
	}

	log.Debug().
		Str("frame", f.Type.String()).
		Str("room_key", r.key).
		Int("connections", len(r.members)-1).
		Msg("frame relayed")
}

// relay hands a frame to the Start loop. It gives up once the loop is gone.
func (cm *ConnectionManager) relay(message BroadcastMessage) bool {
	select {
	case cm.broadcastCh <- message:
		return true
	case <-cm.done:
		return false
	}
}

// GetConnectionStats returns statistics about active connections.
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	totalConnections := 0
	roomCounts := make(map[string]int)
	lastPong := make(map[string]int64)

	for key, r := range cm.rooms {
		count := len(r.members)
		totalConnections += count
		roomCounts[key] = count
		for c := range r.members {
			lastPong[strconv.FormatUint(c.ClientID, 10)] = c.lastPong.Load()
		}
	}

	return map[string]interface{}{
		"total_connections": totalConnections,
		"active_rooms":      len(cm.rooms),
		"room_connections":  roomCounts,
		"last_pong_ms":      lastPong,
	}
}

// ArchiveLive saves every live room. Used on shutdown.
func (cm *ConnectionManager) ArchiveLive(ctx context.Context) {
	if cm.archive == nil {
		return
	}
	cm.mu.RLock()
	pending := make(map[string]RoomArchive)
	for key, r := range cm.rooms {
		if r.hasState() {
			pending[key] = RoomArchive{Frames: r.replay(), HasPassword: r.hasPassword, UpdatedAt: cm.clock.Now()}
		}
	}
	cm.mu.RUnlock()

	for key, a := range pending {
		if err := cm.archive.Save(ctx, key, a); err != nil {
			log.Error().Err(err).Str("room_key", key).Msg("failed to archive room")
		}
	}
}

// writePump sends queued frames and pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				log.Error().
					Err(err).
					Uint64("client_id", c.ClientID).
					Msg("failed to write frame to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Uint64("client_id", c.ClientID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump decodes frames from the client and hands them to the relay loop.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	cfg := c.Manager.config
	c.Conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		c.lastPong.Store(c.Manager.clock.Now().UnixMilli())
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Uint64("client_id", c.ClientID).
					Msg("unexpected WebSocket close error")
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		frame, err := transport.UnmarshalFrame(data)
		if err != nil {
			log.Warn().Err(err).Uint64("client_id", c.ClientID).Msg("dropping malformed frame")
			continue
		}
		if !c.Manager.relay(BroadcastMessage{From: c, Frame: frame}) {
			return
		}
	}
}

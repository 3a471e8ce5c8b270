// Package mesh replicates a session document directly between peers over
// WebRTC data channels. Peers find each other through heartbeats on a
// signaling bus and exchange sealed SDP there; documents never touch the
// bus.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/doc"
	"github.com/mcdev12/scoresync/go/internal/models"
	"github.com/mcdev12/scoresync/go/internal/transport"
)

const dataChannelLabel = "scoresync-doc"

// Config holds the mesh timing and ICE settings.
type Config struct {
	HeartbeatInterval time.Duration
	PresenceTimeout   time.Duration
	SyncWindow        time.Duration
	ICEGatherTimeout  time.Duration
	ICEServers        []webrtc.ICEServer
	// IncludeLoopback allows loopback ICE candidates, needed when every
	// peer runs on one machine.
	IncludeLoopback bool
	Clock           clockwork.Clock
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		PresenceTimeout:   15 * time.Second,
		SyncWindow:        2 * time.Second,
		ICEGatherTimeout:  15 * time.Second,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		Clock: clockwork.NewRealClock(),
	}
}

// Factory opens mesh transports sharing one signaler.
type Factory struct {
	signaler Signaler
	cfg      Config
}

func NewFactory(signaler Signaler, cfg Config) *Factory {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.PresenceTimeout <= 0 {
		cfg.PresenceTimeout = def.PresenceTimeout
	}
	if cfg.SyncWindow <= 0 {
		cfg.SyncWindow = def.SyncWindow
	}
	if cfg.ICEGatherTimeout <= 0 {
		cfg.ICEGatherTimeout = def.ICEGatherTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	return &Factory{signaler: signaler, cfg: cfg}
}

func (f *Factory) Open(opts transport.Options) (transport.Transport, error) {
	if opts.Doc == nil {
		return nil, errors.New("mesh transport requires a document")
	}
	settings := webrtc.SettingEngine{}
	settings.SetIncludeLoopbackCandidate(f.cfg.IncludeLoopback)
	return &Transport{
		cfg:      f.cfg,
		signaler: f.signaler,
		opts:     opts,
		events:   transport.NewEmitter(256),
		members:  make(map[uint64]*member),
		done:     make(chan struct{}),
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
	}, nil
}

type member struct {
	lastSeen time.Time
	state    *transport.PresenceState
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
}

type heartbeat struct {
	State *transport.PresenceState `json:"state,omitempty"`
}

// Transport is one client's membership in a mesh room.
type Transport struct {
	cfg      Config
	signaler Signaler
	opts     transport.Options
	box      *transport.Box
	events   *transport.Emitter
	api      *webrtc.API

	mu            sync.Mutex
	members       map[uint64]*member
	local         *transport.PresenceState
	connected     bool
	closed        bool
	synced        bool
	passwordError bool
	unsubscribe   []func()
	stopForward   func()
	syncTimer     clockwork.Timer
	done          chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Kind() models.RoomKind { return models.RoomKindPeer }

func (t *Transport) ClientID() uint64 { return t.opts.Doc.ClientID() }

func (t *Transport) Events() <-chan transport.Event { return t.events.Events() }

// Connect joins the room's signaling subjects and announces this client.
func (t *Transport) Connect(ctx context.Context) error {
	t.box = transport.NewBox(t.opts.Password, t.opts.Room)

	unsubPresence, err := t.signaler.Subscribe(presenceSubject(t.opts.Room), t.onHeartbeat)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	unsubSignal, err := t.signaler.Subscribe(signalSubject(t.opts.Room, t.ClientID()), t.onSignal)
	if err != nil {
		unsubPresence()
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	if err := t.publishHeartbeat(ctx); err != nil {
		unsubPresence()
		unsubSignal()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		unsubPresence()
		unsubSignal()
		return transport.ErrClosed
	}
	t.connected = true
	t.unsubscribe = []func(){unsubPresence, unsubSignal}
	t.stopForward = transport.ForwardLocalChanges(t.opts.Doc, t.broadcast)
	t.syncTimer = t.cfg.Clock.AfterFunc(t.cfg.SyncWindow, t.markSynced)
	t.mu.Unlock()

	go t.heartbeatLoop()

	t.events.Emit(transport.Event{Type: transport.EventStatus, Status: transport.StatusConnected})
	log.Info().
		Str("room_code", t.opts.Room).
		Uint64("client_id", t.ClientID()).
		Msg("Mesh transport connected")
	return nil
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

func (t *Transport) publishHeartbeat(ctx context.Context) error {
	t.mu.Lock()
	hb := heartbeat{State: t.local}
	t.mu.Unlock()

	raw, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	sealed, err := t.box.Seal(raw)
	if err != nil {
		return err
	}
	frame := &transport.Frame{Type: transport.FrameAwareness, ClientID: t.ClientID(), Payload: sealed}
	return t.signaler.Publish(ctx, presenceSubject(t.opts.Room), frame.Marshal())
}

func (t *Transport) heartbeatLoop() {
	ticker := t.cfg.Clock.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.Chan():
			if err := t.publishHeartbeat(context.Background()); err != nil {
				log.Warn().Err(err).Str("room_code", t.opts.Room).Msg("Mesh heartbeat failed")
				t.events.Emit(transport.Event{Type: transport.EventStatus, Status: transport.StatusDisconnected})
			}
			t.sweep()
		}
	}
}

// sweep forgets peers whose heartbeats stopped.
func (t *Transport) sweep() {
	cutoff := t.cfg.Clock.Now().Add(-t.cfg.PresenceTimeout)
	var stale []*member
	t.mu.Lock()
	for id, m := range t.members {
		if m.lastSeen.Before(cutoff) {
			stale = append(stale, m)
			delete(t.members, id)
		}
	}
	t.mu.Unlock()
	for _, m := range stale {
		if m.pc != nil {
			m.pc.Close()
		}
	}
	if len(stale) > 0 {
		t.events.Emit(transport.Event{Type: transport.EventPresence})
	}
}

func (t *Transport) onHeartbeat(data []byte) {
	frame, err := transport.UnmarshalFrame(data)
	if err != nil || frame.ClientID == t.ClientID() {
		return
	}

	if frame.Type == transport.FrameLeave {
		t.removeMember(frame.ClientID)
		return
	}
	if frame.Type != transport.FrameAwareness {
		return
	}

	plain, err := t.box.Open(frame.Payload)
	if err != nil {
		t.reportPasswordMismatch()
		return
	}
	var hb heartbeat
	if err := json.Unmarshal(plain, &hb); err != nil {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	m, known := t.members[frame.ClientID]
	if !known {
		m = &member{}
		t.members[frame.ClientID] = m
	}
	m.lastSeen = t.cfg.Clock.Now()
	m.state = hb.State
	shouldOffer := m.pc == nil && t.ClientID() < frame.ClientID
	t.mu.Unlock()

	if !known {
		// Newcomers hear from us now rather than on the next tick.
		go func() {
			if err := t.publishHeartbeat(context.Background()); err != nil {
				log.Debug().Err(err).Msg("Mesh heartbeat reply failed")
			}
		}()
	}
	if shouldOffer {
		go t.offer(frame.ClientID)
	}
	t.events.Emit(transport.Event{Type: transport.EventPresence})
}

func (t *Transport) reportPasswordMismatch() {
	t.mu.Lock()
	if t.passwordError {
		t.mu.Unlock()
		return
	}
	t.passwordError = true
	t.mu.Unlock()

	err := transport.ErrPasswordRequired
	if t.opts.HasCustomPassword {
		err = transport.ErrPasswordIncorrect
	}
	t.events.Emit(transport.Event{Type: transport.EventError, Err: err})
}

func (t *Transport) removeMember(id uint64) {
	t.mu.Lock()
	m, ok := t.members[id]
	delete(t.members, id)
	t.mu.Unlock()
	if !ok {
		return
	}
	if m.pc != nil {
		m.pc.Close()
	}
	t.events.Emit(transport.Event{Type: transport.EventPresence})
}

func (t *Transport) newPeerConnection(peerID uint64) (*webrtc.PeerConnection, error) {
	pc, err := t.api.NewPeerConnection(webrtc.Configuration{ICEServers: t.cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().
			Uint64("peer", peerID).
			Str("state", state.String()).
			Msg("Mesh peer connection state")
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			t.mu.Lock()
			if m, ok := t.members[peerID]; ok && m.pc == pc {
				m.pc = nil
				m.dc = nil
			}
			t.mu.Unlock()
		}
	})
	return pc, nil
}

// gather sets the local description and waits for vanilla ICE gathering
// to finish so the SDP carries every candidate.
func (t *Transport) gather(pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (string, error) {
	complete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-complete:
	case <-time.After(t.cfg.ICEGatherTimeout):
		return "", fmt.Errorf("ICE gathering timed out after %s", t.cfg.ICEGatherTimeout)
	case <-t.done:
		return "", transport.ErrClosed
	}
	return pc.LocalDescription().SDP, nil
}

func (t *Transport) publishSignal(typ transport.FrameType, to uint64, sdp string) error {
	sealed, err := t.box.Seal([]byte(sdp))
	if err != nil {
		return err
	}
	frame := &transport.Frame{Type: typ, ClientID: t.ClientID(), Payload: sealed}
	return t.signaler.Publish(context.Background(), signalSubject(t.opts.Room, to), frame.Marshal())
}

// offer opens a peer connection towards a peer with a larger client id.
func (t *Transport) offer(peerID uint64) {
	pc, err := t.newPeerConnection(peerID)
	if err != nil {
		log.Error().Err(err).Uint64("peer", peerID).Msg("Failed to create peer connection")
		return
	}

	t.mu.Lock()
	m, ok := t.members[peerID]
	if !ok || m.pc != nil || t.closed {
		t.mu.Unlock()
		pc.Close()
		return
	}
	m.pc = pc
	t.mu.Unlock()

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		t.abandon(peerID, pc, err)
		return
	}
	t.bindChannel(peerID, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.abandon(peerID, pc, err)
		return
	}
	sdp, err := t.gather(pc, offer)
	if err != nil {
		t.abandon(peerID, pc, err)
		return
	}
	if err := t.publishSignal(transport.FrameHello, peerID, sdp); err != nil {
		t.abandon(peerID, pc, err)
		return
	}
	log.Debug().Uint64("peer", peerID).Msg("Mesh offer published")
}

func (t *Transport) abandon(peerID uint64, pc *webrtc.PeerConnection, err error) {
	log.Warn().Err(err).Uint64("peer", peerID).Msg("Abandoning mesh peer connection")
	t.mu.Lock()
	if m, ok := t.members[peerID]; ok && m.pc == pc {
		m.pc = nil
		m.dc = nil
	}
	t.mu.Unlock()
	pc.Close()
}

func (t *Transport) onSignal(data []byte) {
	frame, err := transport.UnmarshalFrame(data)
	if err != nil || frame.ClientID == t.ClientID() {
		return
	}
	plain, err := t.box.Open(frame.Payload)
	if err != nil {
		t.reportPasswordMismatch()
		return
	}
	switch frame.Type {
	case transport.FrameHello:
		go t.answer(frame.ClientID, string(plain))
	case transport.FrameWelcome:
		t.mu.Lock()
		m, ok := t.members[frame.ClientID]
		var pc *webrtc.PeerConnection
		if ok {
			pc = m.pc
		}
		t.mu.Unlock()
		if pc == nil {
			return
		}
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(plain)}
		if err := pc.SetRemoteDescription(answer); err != nil {
			t.abandon(frame.ClientID, pc, err)
		}
	}
}

// answer accepts an offer from a peer with a smaller client id.
func (t *Transport) answer(peerID uint64, sdp string) {
	if peerID > t.ClientID() {
		// The smaller id offers; a stray offer from a larger id is ignored.
		return
	}
	pc, err := t.newPeerConnection(peerID)
	if err != nil {
		log.Error().Err(err).Uint64("peer", peerID).Msg("Failed to create peer connection")
		return
	}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == dataChannelLabel {
			t.bindChannel(peerID, dc)
		}
	})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		pc.Close()
		return
	}
	m, ok := t.members[peerID]
	if !ok {
		m = &member{lastSeen: t.cfg.Clock.Now()}
		t.members[peerID] = m
	}
	previous := m.pc
	m.pc = pc
	m.dc = nil
	t.mu.Unlock()
	if previous != nil {
		previous.Close()
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		t.abandon(peerID, pc, err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		t.abandon(peerID, pc, err)
		return
	}
	local, err := t.gather(pc, answer)
	if err != nil {
		t.abandon(peerID, pc, err)
		return
	}
	if err := t.publishSignal(transport.FrameWelcome, peerID, local); err != nil {
		t.abandon(peerID, pc, err)
	}
}

func (t *Transport) bindChannel(peerID uint64, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		t.mu.Lock()
		if m, ok := t.members[peerID]; ok {
			m.dc = dc
		}
		t.mu.Unlock()

		state, err := t.opts.Doc.EncodeState()
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode state for peer")
			return
		}
		frame := &transport.Frame{Type: transport.FrameSnapshot, ClientID: t.ClientID(), Payload: state}
		if err := dc.Send(frame.Marshal()); err != nil {
			log.Warn().Err(err).Uint64("peer", peerID).Msg("Failed to send state to peer")
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		frame, err := transport.UnmarshalFrame(msg.Data)
		if err != nil {
			return
		}
		if frame.Type != transport.FrameUpdate && frame.Type != transport.FrameSnapshot {
			return
		}
		if err := t.opts.Doc.ApplyUpdate(frame.Payload, doc.OriginRemote); err != nil {
			log.Warn().Err(err).Uint64("peer", peerID).Msg("Failed to apply peer update")
			return
		}
		t.markSynced()
	})
}

func (t *Transport) broadcast(update []byte) {
	frame := (&transport.Frame{Type: transport.FrameUpdate, ClientID: t.ClientID(), Payload: update}).Marshal()
	t.mu.Lock()
	channels := make([]*webrtc.DataChannel, 0, len(t.members))
	for _, m := range t.members {
		if m.dc != nil {
			channels = append(channels, m.dc)
		}
	}
	t.mu.Unlock()
	for _, dc := range channels {
		if err := dc.Send(frame); err != nil {
			log.Warn().Err(err).Msg("Failed to send update to peer")
		}
	}
}

func (t *Transport) SetLocalPresence(state transport.PresenceState) {
	t.mu.Lock()
	t.local = &state
	connected := t.connected && !t.closed
	t.mu.Unlock()
	if connected {
		if err := t.publishHeartbeat(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to publish presence")
		}
	}
	t.events.Emit(transport.Event{Type: transport.EventPresence})
}

func (t *Transport) ClearLocalPresence() {
	t.mu.Lock()
	t.local = nil
	connected := t.connected && !t.closed
	t.mu.Unlock()
	if connected {
		if err := t.publishHeartbeat(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to publish presence")
		}
	}
	t.events.Emit(transport.Event{Type: transport.EventPresence})
}

func (t *Transport) Presence() map[uint64]transport.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint64]transport.PresenceState, len(t.members)+1)
	for id, m := range t.members {
		if m.state != nil {
			out[id] = *m.state
		}
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
	wasConnected := t.connected
	unsubscribe := t.unsubscribe
	t.unsubscribe = nil
	if t.stopForward != nil {
		t.stopForward()
		t.stopForward = nil
	}
	if t.syncTimer != nil {
		t.syncTimer.Stop()
	}
	members := t.members
	t.members = make(map[uint64]*member)
	t.mu.Unlock()

	if wasConnected {
		leave := &transport.Frame{Type: transport.FrameLeave, ClientID: t.ClientID()}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := t.signaler.Publish(ctx, presenceSubject(t.opts.Room), leave.Marshal()); err != nil {
			log.Debug().Err(err).Msg("Failed to announce leave")
		}
		cancel()
	}
	for _, unsub := range unsubscribe {
		unsub()
	}
	close(t.done)
	for _, m := range members {
		if m.pc != nil {
			m.pc.Close()
		}
	}
	t.events.Close()
	return nil
}

package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// Signaler carries room heartbeats and directed SDP messages between
// clients that have not yet established a peer connection.
type Signaler interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (unsubscribe func(), err error)
}

func presenceSubject(room string) string {
	return fmt.Sprintf("scoresync.mesh.%s.presence", room)
}

func signalSubject(room string, clientID uint64) string {
	return fmt.Sprintf("scoresync.mesh.%s.signal.%d", room, clientID)
}

// NATSSignaler signals over core NATS subjects.
type NATSSignaler struct {
	nc *nats.Conn
}

var _ Signaler = (*NATSSignaler)(nil)

func NewNATSSignaler(nc *nats.Conn) *NATSSignaler {
	return &NATSSignaler{nc: nc}
}

func (s *NATSSignaler) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.nc.Publish(subject, data)
}

func (s *NATSSignaler) Subscribe(subject string, handler func(data []byte)) (func(), error) {
	sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// MemorySignaler is an in-process Signaler for tests. Delivery is
// asynchronous, like a real broker.
type MemorySignaler struct {
	mu       sync.Mutex
	handlers map[string]map[int]func([]byte)
	next     int
	down     bool
}

var _ Signaler = (*MemorySignaler)(nil)

func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{handlers: make(map[string]map[int]func([]byte))}
}

// SetDown makes Publish fail, as if the broker were unreachable.
func (s *MemorySignaler) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *MemorySignaler) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.down {
		s.mu.Unlock()
		return nats.ErrNoServers
	}
	targets := make([]func([]byte), 0, len(s.handlers[subject]))
	for _, h := range s.handlers[subject] {
		targets = append(targets, h)
	}
	s.mu.Unlock()

	payload := append([]byte(nil), data...)
	for _, h := range targets {
		go h(payload)
	}
	return nil
}

func (s *MemorySignaler) Subscribe(subject string, handler func([]byte)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers[subject] == nil {
		s.handlers[subject] = make(map[int]func([]byte))
	}
	id := s.next
	s.next++
	s.handlers[subject][id] = handler
	return func() {
		s.mu.Lock()
		delete(s.handlers[subject], id)
		s.mu.Unlock()
	}, nil
}

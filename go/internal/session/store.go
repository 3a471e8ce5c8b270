package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/scoresync/go/internal/doc"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNoCurrent       = errors.New("no current session")
)

// Store holds the sessions known to this process in creation order.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	current  string
	clock    clockwork.Clock
	newDoc   func() doc.Document
	onCreate []func(*Session)
	onDelete []func(*Session)
}

// NewStore creates an empty store whose sessions are backed by LWW documents.
func NewStore(clock clockwork.Clock) *Store {
	return NewStoreWithDocs(clock, func() doc.Document { return doc.NewLWWDoc() })
}

// NewStoreWithDocs creates a store using newDoc to allocate documents.
func NewStoreWithDocs(clock clockwork.Clock, newDoc func() doc.Document) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		sessions: make(map[string]*Session),
		clock:    clock,
		newDoc:   newDoc,
	}
}

// OnCreate registers a hook invoked for every session added to the store.
func (s *Store) OnCreate(fn func(*Session)) {
	s.mu.Lock()
	s.onCreate = append(s.onCreate, fn)
	s.mu.Unlock()
}

// OnDelete registers a hook invoked after a session is removed from the store.
func (s *Store) OnDelete(fn func(*Session)) {
	s.mu.Lock()
	s.onDelete = append(s.onDelete, fn)
	s.mu.Unlock()
}

// Create allocates a new empty session and makes it current.
func (s *Store) Create() *Session {
	sess := &Session{
		ID:        uuid.NewString(),
		CreatedAt: s.clock.Now(),
		Doc:       s.newDoc(),
	}
	s.Add(sess)
	s.SetCurrent(sess.ID)
	return sess
}

// Add inserts an existing session, for instance one loaded from disk.
func (s *Store) Add(sess *Session) {
	s.mu.Lock()
	if _, exists := s.sessions[sess.ID]; !exists {
		s.order = append(s.order, sess.ID)
	}
	s.sessions[sess.ID] = sess
	hooks := append([]func(*Session){}, s.onCreate...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(sess)
	}
}

// Get returns the session with the given id.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// List returns all sessions in creation order.
func (s *Store) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sessions[id])
	}
	return out
}

// Delete removes a session. Deleting the current session leaves no current.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.current == id {
		s.current = ""
	}
	hooks := append([]func(*Session){}, s.onDelete...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(sess)
	}
	return nil
}

// Current returns the session the user is working in.
func (s *Store) Current() (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == "" {
		return nil, ErrNoCurrent
	}
	sess, ok := s.sessions[s.current]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// SetCurrent switches the current session.
func (s *Store) SetCurrent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	s.current = id
	return nil
}

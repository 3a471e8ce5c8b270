package doc

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// ErrInvalidUpdate is returned when an update cannot be decoded.
var ErrInvalidUpdate = errors.New("invalid document update")

// Compile-time interface check.
var _ Document = (*LWWDoc)(nil)

// stamp orders writes: higher clock wins, ties go to the higher client id.
type stamp struct {
	Clock  uint64 `cbor:"c"`
	Client uint64 `cbor:"i"`
}

func (s stamp) after(o stamp) bool {
	if s.Clock != o.Clock {
		return s.Clock > o.Clock
	}
	return s.Client > o.Client
}

type entry struct {
	Value   any   `cbor:"v"`
	Stamp   stamp `cbor:"s"`
	Deleted bool  `cbor:"d,omitempty"`
}

type wireState struct {
	Entries map[string]entry `cbor:"e"`
}

// LWWDoc is a last-writer-wins map document. Every key converges to the
// write with the greatest (clock, client) stamp; deletes are tombstones so
// they replicate like writes.
type LWWDoc struct {
	clientID uint64

	mu        sync.Mutex
	clock     uint64
	entries   map[string]entry
	observers map[int]func(Change)
	nextObs   int
}

// NewLWWDoc creates an empty document with a random client id.
func NewLWWDoc() *LWWDoc {
	return NewLWWDocWithClient(rand.Uint64N(1<<53) + 1)
}

// NewLWWDocWithClient creates an empty document with a fixed client id.
func NewLWWDocWithClient(clientID uint64) *LWWDoc {
	return &LWWDoc{
		clientID:  clientID,
		entries:   make(map[string]entry),
		observers: make(map[int]func(Change)),
	}
}

func (d *LWWDoc) ClientID() uint64 {
	return d.clientID
}

func (d *LWWDoc) Get(key string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

func (d *LWWDoc) Keys(prefix string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return liveKeys(d.entries, nil, prefix)
}

// Transact runs fn against a staged view of the document. Writes become
// visible, stamped and observable only when fn returns nil.
func (d *LWWDoc) Transact(origin Origin, fn func(tx Txn) error) error {
	d.mu.Lock()
	tx := &lwwTxn{doc: d, staged: make(map[string]entry)}
	if err := fn(tx); err != nil {
		d.mu.Unlock()
		return err
	}
	if len(tx.staged) == 0 {
		d.mu.Unlock()
		return nil
	}

	changed := make(map[string]entry, len(tx.staged))
	for _, key := range tx.order {
		staged := tx.staged[key]
		d.clock++
		staged.Stamp = stamp{Clock: d.clock, Client: d.clientID}
		d.entries[key] = staged
		changed[key] = staged
	}
	observers := d.observerList()
	d.mu.Unlock()

	return d.notify(observers, origin, changed)
}

// Observe registers fn for every committed change. Observers run
// synchronously on the goroutine that made the change.
func (d *LWWDoc) Observe(fn func(Change)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, id)
	}
}

func (d *LWWDoc) EncodeState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	snapshot := make(map[string]entry, len(d.entries))
	for k, e := range d.entries {
		snapshot[k] = e
	}
	return encodeEntries(snapshot)
}

// ApplyUpdate merges an encoded state or delta. Entries older than what the
// document already holds are ignored, so applying the same update twice is
// harmless.
func (d *LWWDoc) ApplyUpdate(update []byte, origin Origin) error {
	var state wireState
	if err := cbor.Unmarshal(update, &state); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}

	d.mu.Lock()
	changed := make(map[string]entry)
	for key, incoming := range state.Entries {
		if incoming.Stamp.Clock > d.clock {
			d.clock = incoming.Stamp.Clock
		}
		current, ok := d.entries[key]
		if ok && !incoming.Stamp.after(current.Stamp) {
			continue
		}
		d.entries[key] = incoming
		changed[key] = incoming
	}
	if len(changed) == 0 {
		d.mu.Unlock()
		return nil
	}
	observers := d.observerList()
	d.mu.Unlock()

	return d.notify(observers, origin, changed)
}

func (d *LWWDoc) observerList() []func(Change) {
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		out = append(out, d.observers[id])
	}
	return out
}

func (d *LWWDoc) notify(observers []func(Change), origin Origin, changed map[string]entry) error {
	if len(observers) == 0 {
		return nil
	}
	update, err := encodeEntries(changed)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	keys := make([]string, 0, len(changed))
	for k := range changed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	change := Change{Origin: origin, Keys: keys, Update: update}
	for _, fn := range observers {
		fn(change)
	}
	return nil
}

func encodeEntries(entries map[string]entry) ([]byte, error) {
	return cbor.Marshal(wireState{Entries: entries})
}

func liveKeys(entries map[string]entry, staged map[string]entry, prefix string) []string {
	seen := make(map[string]bool)
	for k, e := range entries {
		if strings.HasPrefix(k, prefix) {
			seen[k] = !e.Deleted
		}
	}
	for k, e := range staged {
		if strings.HasPrefix(k, prefix) {
			seen[k] = !e.Deleted
		}
	}
	keys := make([]string, 0, len(seen))
	for k, live := range seen {
		if live {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// lwwTxn stages writes while the document lock is held.
type lwwTxn struct {
	doc    *LWWDoc
	staged map[string]entry
	order  []string
}

func (t *lwwTxn) Get(key string) (any, bool) {
	if e, ok := t.staged[key]; ok {
		if e.Deleted {
			return nil, false
		}
		return e.Value, true
	}
	e, ok := t.doc.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

func (t *lwwTxn) Keys(prefix string) []string {
	return liveKeys(t.doc.entries, t.staged, prefix)
}

func (t *lwwTxn) Set(key string, value any) {
	t.stage(key, entry{Value: value})
}

func (t *lwwTxn) Delete(key string) {
	if _, ok := t.Get(key); !ok {
		return
	}
	t.stage(key, entry{Deleted: true})
}

func (t *lwwTxn) stage(key string, e entry) {
	if _, ok := t.staged[key]; !ok {
		t.order = append(t.order, key)
	}
	t.staged[key] = e
}

// Package doc defines the replicated document the sync engine binds
// transports to, plus a small last-writer-wins implementation used as the
// default collaborator.
//
// Documents are flat maps of slash-separated paths ("teams/<id>/name") to
// scalar values. Containers are implied by path prefixes. All local mutation
// goes through Transact, which tags the resulting change with an Origin so
// observers can tell local edits from remote ones.
package doc

import (
	"sort"
	"strings"
)

// Origin tags the source of a change.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
	OriginMerge  Origin = "merge"
	OriginSync   Origin = "sync"
)

// Separator joins path segments.
const Separator = "/"

// Change is delivered to observers after a transaction commits or a remote
// update is applied. Update carries only the entries touched by the change
// in the document's binary update format.
type Change struct {
	Origin Origin
	Keys   []string
	Update []byte
}

// Reader is the read side shared by documents and transactions.
type Reader interface {
	Get(key string) (any, bool)
	Keys(prefix string) []string
}

// Txn is the mutation handle passed to Transact.
type Txn interface {
	Reader
	Set(key string, value any)
	Delete(key string)
}

// Document is the replicated document abstraction.
type Document interface {
	Reader
	ClientID() uint64
	Transact(origin Origin, fn func(tx Txn) error) error
	Observe(fn func(Change)) (unsubscribe func())
	EncodeState() ([]byte, error)
	ApplyUpdate(update []byte, origin Origin) error
}

// Path joins segments into a document key.
func Path(segments ...string) string {
	return strings.Join(segments, Separator)
}

// Children returns the distinct immediate child segment names under prefix,
// sorted.
func Children(r Reader, prefix string) []string {
	if !strings.HasSuffix(prefix, Separator) {
		prefix += Separator
	}
	seen := make(map[string]struct{})
	for _, key := range r.Keys(prefix) {
		rest := strings.TrimPrefix(key, prefix)
		if i := strings.Index(rest, Separator); i >= 0 {
			rest = rest[:i]
		}
		if rest != "" {
			seen[rest] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DeletePrefix removes every key under prefix inside tx.
func DeletePrefix(tx Txn, prefix string) {
	if !strings.HasSuffix(prefix, Separator) {
		prefix += Separator
	}
	for _, key := range tx.Keys(prefix) {
		tx.Delete(key)
	}
}

// String reads a string value, returning "" when absent or of another type.
func String(r Reader, key string) string {
	v, ok := r.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Bool reads a bool value.
func Bool(r Reader, key string) bool {
	v, ok := r.Get(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Int reads an integer value. Values that crossed the wire may come back as
// any integer or float type, so all numeric kinds are accepted.
func Int(r Reader, key string) (int64, bool) {
	v, ok := r.Get(key)
	if !ok {
		return 0, false
	}
	return toInt(v)
}

// Float reads a float value with the same tolerance as Int.
func Float(r Reader, key string) (float64, bool) {
	v, ok := r.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	i, ok := toInt(v)
	return float64(i), ok
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	}
	return 0, false
}

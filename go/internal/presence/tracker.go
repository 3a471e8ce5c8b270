// Package presence turns a transport's presence entries into the peer list
// and decides display-name renames and protocol compatibility.
package presence

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mcdev12/scoresync/go/internal/models"
	"github.com/mcdev12/scoresync/go/internal/transport"
)

// MaxDisplayName is the display name cap in characters.
const MaxDisplayName = 30

var suffixPattern = regexp.MustCompile(`^(.*) \((\d+)\)$`)

// Config is the local client's protocol advertisement.
type Config struct {
	ProtocolVersion    string
	MinProtocolVersion string
}

// Update is the outcome of evaluating one presence snapshot.
type Update struct {
	// Peers excludes the local client and is ordered by client id.
	Peers []models.Peer
	// Rename is the name the local client must adopt, empty when its
	// current name is fine.
	Rename string
	// Outdated lists peers below the local minimum version. It is only
	// populated the first time such a peer is seen.
	Outdated []models.Peer
	// Incompatible is set when the local client is below a peer's minimum
	// version and has to disconnect.
	Incompatible *models.Peer
}

// Tracker evaluates presence for one connection.
type Tracker struct {
	cfg Config

	mu     sync.Mutex
	warned bool
}

func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg}
}

// Reset re-arms the outdated-peer warning for a new connection.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.warned = false
	t.mu.Unlock()
}

// Local returns the presence state this client advertises.
func (t *Tracker) Local(displayName, color, sessionID string) transport.PresenceState {
	return transport.PresenceState{
		DisplayName:        displayName,
		Color:              color,
		ProtocolVersion:    t.cfg.ProtocolVersion,
		MinProtocolVersion: t.cfg.MinProtocolVersion,
		SessionID:          sessionID,
	}
}

// Evaluate inspects the presence map of a transport.
func (t *Tracker) Evaluate(localID uint64, localName string, states map[uint64]transport.PresenceState, now time.Time) Update {
	var u Update
	for id, state := range states {
		if id == localID {
			continue
		}
		u.Peers = append(u.Peers, models.Peer{
			ClientID:           id,
			DisplayName:        state.DisplayName,
			Color:              state.Color,
			LastSeen:           now,
			ProtocolVersion:    state.ProtocolVersion,
			MinProtocolVersion: state.MinProtocolVersion,
		})
	}
	sort.Slice(u.Peers, func(i, j int) bool { return u.Peers[i].ClientID < u.Peers[j].ClientID })

	u.Rename = ResolveName(localID, localName, u.Peers)

	var outdated []models.Peer
	for i := range u.Peers {
		peer := u.Peers[i]
		if t.cfg.MinProtocolVersion != "" && peer.ProtocolVersion != "" &&
			CompareVersions(peer.ProtocolVersion, t.cfg.MinProtocolVersion) < 0 {
			outdated = append(outdated, peer)
		}
		if u.Incompatible == nil && peer.MinProtocolVersion != "" &&
			CompareVersions(t.cfg.ProtocolVersion, peer.MinProtocolVersion) < 0 {
			u.Incompatible = &u.Peers[i]
		}
	}
	if len(outdated) > 0 {
		t.mu.Lock()
		if !t.warned {
			t.warned = true
			u.Outdated = outdated
		}
		t.mu.Unlock()
	}
	return u
}

// ResolveName returns the name the local client should switch to, or ""
// when no peer with a smaller client id already uses its name. Names
// compare case-insensitively.
func ResolveName(localID uint64, localName string, peers []models.Peer) string {
	collides := false
	taken := make(map[string]bool, len(peers))
	for _, p := range peers {
		key := nameKey(p.DisplayName)
		taken[key] = true
		if key == nameKey(localName) && p.ClientID < localID {
			collides = true
		}
	}
	if !collides {
		return ""
	}

	base := strings.TrimSpace(localName)
	if m := suffixPattern.FindStringSubmatch(base); m != nil {
		base = m[1]
	}
	for n := 2; ; n++ {
		candidate := withSuffix(base, n)
		if !taken[nameKey(candidate)] {
			return candidate
		}
	}
}

func withSuffix(base string, n int) string {
	suffix := fmt.Sprintf(" (%d)", n)
	limit := MaxDisplayName - utf8.RuneCountInString(suffix)
	if utf8.RuneCountInString(base) > limit {
		base = strings.TrimSpace(string([]rune(base)[:limit]))
	}
	return base + suffix
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeName trims a display name and caps it at MaxDisplayName
// characters.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > MaxDisplayName {
		name = strings.TrimSpace(string([]rune(name)[:MaxDisplayName]))
	}
	return name
}

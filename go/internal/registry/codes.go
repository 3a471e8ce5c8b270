package registry

import (
	"crypto/rand"
	"errors"
	"strings"

	"github.com/mcdev12/scoresync/go/internal/models"
)

const (
	// CodeAlphabet omits the look-alike characters I, O, 0 and 1.
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	CodeLength   = 6

	// RelayPrefix marks a displayed code as a relay room.
	RelayPrefix    = "L-"
	relayKeyPrefix = "relay:"
)

var ErrInvalidCode = errors.New("invalid room code")

// Code is a parsed room code.
type Code struct {
	Value string
	Kind  models.RoomKind
}

// ParseCode normalises user input: surrounding spaces are dropped, letters
// are uppercased and an L- prefix selects a relay room.
func ParseCode(raw string) (Code, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	kind := models.RoomKindPeer
	if strings.HasPrefix(s, RelayPrefix) {
		kind = models.RoomKindRelay
		s = strings.TrimPrefix(s, RelayPrefix)
	}
	if !ValidCode(s) {
		return Code{}, ErrInvalidCode
	}
	return Code{Value: s, Kind: kind}, nil
}

// ValidCode reports whether s is exactly CodeLength alphabet characters.
func ValidCode(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(CodeAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}

// Display returns the form shown to users and stored in session config.
func (c Code) Display() string {
	if c.Kind == models.RoomKindRelay {
		return RelayPrefix + c.Value
	}
	return c.Value
}

// Key returns the registry key. Peer and relay rooms never share a key.
func (c Code) Key() string {
	if c.Kind == models.RoomKindRelay {
		return relayKeyPrefix + c.Value
	}
	return c.Value
}

func (c Code) String() string {
	return c.Display()
}

// CodeFromKey reverses Key.
func CodeFromKey(key string) (Code, error) {
	if strings.HasPrefix(key, relayKeyPrefix) {
		value := strings.TrimPrefix(key, relayKeyPrefix)
		if !ValidCode(value) {
			return Code{}, ErrInvalidCode
		}
		return Code{Value: value, Kind: models.RoomKindRelay}, nil
	}
	if !ValidCode(key) {
		return Code{}, ErrInvalidCode
	}
	return Code{Value: key, Kind: models.RoomKindPeer}, nil
}

// Generator produces fresh six-character code values.
type Generator func() (string, error)

// RandomCode draws CodeLength characters uniformly from CodeAlphabet. The
// alphabet has 32 symbols, so masking a random byte keeps the draw unbiased.
func RandomCode() (string, error) {
	var buffer [CodeLength]byte
	if _, err := rand.Read(buffer[:]); err != nil {
		return "", err
	}
	out := make([]byte, CodeLength)
	for i, b := range buffer {
		out[i] = CodeAlphabet[int(b)&(len(CodeAlphabet)-1)]
	}
	return string(out), nil
}

// NewCode generates a code of the requested kind.
func NewCode(kind models.RoomKind, gen Generator) (Code, error) {
	if gen == nil {
		gen = RandomCode
	}
	value, err := gen()
	if err != nil {
		return Code{}, err
	}
	if !ValidCode(value) {
		return Code{}, ErrInvalidCode
	}
	return Code{Value: value, Kind: kind}, nil
}

package transport

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	nonceSize = 24
	keySize   = 32
)

var ErrSealedTooShort = errors.New("sealed payload too short")

// Box seals room payloads with a key derived from the room password. Relays
// and signaling servers only ever see sealed bytes.
type Box struct {
	key [keySize]byte
}

// NewBox derives the room key with Argon2id, salted by the room code.
func NewBox(password, room string) *Box {
	derived := argon2.IDKey([]byte(password), []byte("scoresync/room/"+room), 2, 19*1024, 1, keySize)
	b := &Box{}
	copy(b.key[:], derived)
	return b
}

// Seal prepends a random nonce to the secretbox ciphertext.
func (b *Box) Seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &b.key), nil
}

// Open reverses Seal. A payload sealed under another password fails with
// ErrPasswordIncorrect.
func (b *Box) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrSealedTooShort
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, ErrPasswordIncorrect
	}
	return plain, nil
}

package models

import "time"

// RoomKind selects the transport family a room lives on. Peer-to-peer and
// relay rooms with the same six characters are independent namespaces.
type RoomKind string

const (
	RoomKindPeer  RoomKind = "p2p"
	RoomKindRelay RoomKind = "relay"
)

// RoomRegistryEntry maps a room code to the session that owns it.
type RoomRegistryEntry struct {
	RoomCode    string    `json:"room_code"`
	Kind        RoomKind  `json:"kind"`
	SessionID   string    `json:"session_id"`
	CreatedAt   time.Time `json:"created_at"`
	HasPassword bool      `json:"has_password"`
}

// Expired reports whether the entry is older than ttl at now.
func (e *RoomRegistryEntry) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CreatedAt) > ttl
}

// RegistryRecord is the persisted value stored under a room key.
type RegistryRecord struct {
	SessionID   string `json:"sessionId"`
	CreatedAt   int64  `json:"createdAt"` // epoch ms
	HasPassword bool   `json:"hasPassword"`
}

// ToEntry converts the stored record into a registry entry for code.
func (r RegistryRecord) ToEntry(code string, kind RoomKind) *RoomRegistryEntry {
	return &RoomRegistryEntry{
		RoomCode:    code,
		Kind:        kind,
		SessionID:   r.SessionID,
		CreatedAt:   time.UnixMilli(r.CreatedAt),
		HasPassword: r.HasPassword,
	}
}

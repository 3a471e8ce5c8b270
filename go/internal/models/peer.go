package models

import "time"

// Peer is a remote client seen on the presence channel. Peers are never
// persisted.
type Peer struct {
	ClientID           uint64    `json:"client_id"`
	DisplayName        string    `json:"display_name"`
	Color              string    `json:"color"`
	LastSeen           time.Time `json:"last_seen"`
	ProtocolVersion    string    `json:"protocol_version"`
	MinProtocolVersion string    `json:"min_protocol_version,omitempty"`
}

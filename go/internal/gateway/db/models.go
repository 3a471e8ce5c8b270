package db

import (
	"time"

	"github.com/sqlc-dev/pqtype"
)

type RoomSnapshot struct {
	RoomKey   string                `json:"room_key"`
	Payload   []byte                `json:"payload"`
	Metadata  pqtype.NullRawMessage `json:"metadata"`
	UpdatedAt time.Time             `json:"updated_at"`
}

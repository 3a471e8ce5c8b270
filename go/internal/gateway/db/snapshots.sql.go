package db

import (
	"context"
	"time"

	"github.com/sqlc-dev/pqtype"
)

const upsertRoomSnapshot = `-- name: UpsertRoomSnapshot :one
INSERT INTO room_snapshots (room_key, payload, metadata, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (room_key) DO UPDATE
SET payload = EXCLUDED.payload,
    metadata = EXCLUDED.metadata,
    updated_at = EXCLUDED.updated_at
RETURNING room_key, payload, metadata, updated_at
`

type UpsertRoomSnapshotParams struct {
	RoomKey   string                `json:"room_key"`
	Payload   []byte                `json:"payload"`
	Metadata  pqtype.NullRawMessage `json:"metadata"`
	UpdatedAt time.Time             `json:"updated_at"`
}

func (q *Queries) UpsertRoomSnapshot(ctx context.Context, arg UpsertRoomSnapshotParams) (RoomSnapshot, error) {
	row := q.db.QueryRowContext(ctx, upsertRoomSnapshot,
		arg.RoomKey,
		arg.Payload,
		arg.Metadata,
		arg.UpdatedAt,
	)
	var i RoomSnapshot
	err := row.Scan(
		&i.RoomKey,
		&i.Payload,
		&i.Metadata,
		&i.UpdatedAt,
	)
	return i, err
}

const getRoomSnapshot = `-- name: GetRoomSnapshot :one
SELECT room_key, payload, metadata, updated_at FROM room_snapshots
WHERE room_key = $1
`

func (q *Queries) GetRoomSnapshot(ctx context.Context, roomKey string) (RoomSnapshot, error) {
	row := q.db.QueryRowContext(ctx, getRoomSnapshot, roomKey)
	var i RoomSnapshot
	err := row.Scan(
		&i.RoomKey,
		&i.Payload,
		&i.Metadata,
		&i.UpdatedAt,
	)
	return i, err
}

const deleteRoomSnapshot = `-- name: DeleteRoomSnapshot :exec
DELETE FROM room_snapshots
WHERE room_key = $1
`

func (q *Queries) DeleteRoomSnapshot(ctx context.Context, roomKey string) error {
	_, err := q.db.ExecContext(ctx, deleteRoomSnapshot, roomKey)
	return err
}

const deleteRoomSnapshotsBefore = `-- name: DeleteRoomSnapshotsBefore :execrows
DELETE FROM room_snapshots
WHERE updated_at < $1
`

func (q *Queries) DeleteRoomSnapshotsBefore(ctx context.Context, updatedAt time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteRoomSnapshotsBefore, updatedAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

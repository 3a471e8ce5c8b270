package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/scoresync/go/internal/gateway/db"
	"github.com/mcdev12/scoresync/go/internal/sqlutil"
)

var ErrNoSnapshot = errors.New("no archived snapshot")

// RoomArchive is what the gateway replays to the first member of a room it
// has no live state for: the last full snapshot frame followed by the
// update frames relayed after it. Frames are stored still sealed.
type RoomArchive struct {
	Frames      [][]byte  `cbor:"1,keyasint"`
	HasPassword bool      `cbor:"2,keyasint"`
	UpdatedAt   time.Time `cbor:"-"`
}

// Archive stores room archives across gateway restarts.
type Archive interface {
	Save(ctx context.Context, roomKey string, a RoomArchive) error
	Load(ctx context.Context, roomKey string) (*RoomArchive, error)
	Delete(ctx context.Context, roomKey string) error
	Prune(ctx context.Context, before time.Time) (int, error)
}

// MemoryArchive keeps archives in process memory.
type MemoryArchive struct {
	mu    sync.Mutex
	rooms map[string]RoomArchive
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{rooms: make(map[string]RoomArchive)}
}

func (m *MemoryArchive) Save(_ context.Context, roomKey string, a RoomArchive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	frames := make([][]byte, len(a.Frames))
	for i, f := range a.Frames {
		frames[i] = append([]byte(nil), f...)
	}
	m.rooms[roomKey] = RoomArchive{Frames: frames, HasPassword: a.HasPassword, UpdatedAt: a.UpdatedAt}
	return nil
}

func (m *MemoryArchive) Load(_ context.Context, roomKey string) (*RoomArchive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rooms[roomKey]
	if !ok {
		return nil, ErrNoSnapshot
	}
	return &a, nil
}

func (m *MemoryArchive) Delete(_ context.Context, roomKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomKey)
	return nil
}

func (m *MemoryArchive) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, a := range m.rooms {
		if a.UpdatedAt.Before(before) {
			delete(m.rooms, key)
			n++
		}
	}
	return n, nil
}

type archiveMetadata struct {
	Frames  int `json:"frames"`
	RawSize int `json:"raw_size"`
}

// PostgresArchive stores archives in the room_snapshots table, CBOR encoded
// and zstd compressed.
type PostgresArchive struct {
	db      *sql.DB
	queries *db.Queries
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

func NewPostgresArchive(sqlDB *sql.DB) (*PostgresArchive, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &PostgresArchive{
		db:      sqlDB,
		queries: db.New(sqlDB),
		enc:     enc,
		dec:     dec,
	}, nil
}

func (p *PostgresArchive) Save(ctx context.Context, roomKey string, a RoomArchive) error {
	raw, err := cbor.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}
	meta, err := json.Marshal(archiveMetadata{Frames: len(a.Frames), RawSize: len(raw)})
	if err != nil {
		return fmt.Errorf("encode archive metadata: %w", err)
	}
	updatedAt := a.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	return sqlutil.Run(ctx, p.db, p.queries.WithTx, func(q *db.Queries) error {
		_, err := q.UpsertRoomSnapshot(ctx, db.UpsertRoomSnapshotParams{
			RoomKey:   roomKey,
			Payload:   p.enc.EncodeAll(raw, nil),
			Metadata:  pqtype.NullRawMessage{RawMessage: meta, Valid: true},
			UpdatedAt: updatedAt.UTC(),
		})
		if err != nil {
			return fmt.Errorf("upsert room snapshot: %w", err)
		}
		return nil
	})
}

func (p *PostgresArchive) Load(ctx context.Context, roomKey string) (*RoomArchive, error) {
	row, err := p.queries.GetRoomSnapshot(ctx, roomKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("get room snapshot: %w", err)
	}
	raw, err := p.dec.DecodeAll(row.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress archive: %w", err)
	}
	var a RoomArchive
	if err := cbor.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	a.UpdatedAt = row.UpdatedAt
	return &a, nil
}

func (p *PostgresArchive) Delete(ctx context.Context, roomKey string) error {
	if err := p.queries.DeleteRoomSnapshot(ctx, roomKey); err != nil {
		return fmt.Errorf("delete room snapshot: %w", err)
	}
	return nil
}

func (p *PostgresArchive) Prune(ctx context.Context, before time.Time) (int, error) {
	n, err := p.queries.DeleteRoomSnapshotsBefore(ctx, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune room snapshots: %w", err)
	}
	return int(n), nil
}

func (p *PostgresArchive) Close() {
	p.enc.Close()
	p.dec.Close()
}

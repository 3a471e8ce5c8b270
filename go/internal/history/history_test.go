package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/rs/zerolog"

	"github.com/mcdev12/scoresync/go/internal/models"
)

func TestLogSinkWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	err := sink.Record(context.Background(), models.HistoryEntry{
		SessionID: "s1",
		Type:      models.HistoryMerge,
		Data:      map[string]any{"teamsAdded": 2, "blocksAdded": 1},
		CreatedAt: time.UnixMilli(1_700_000_000_000),
	})
	assert.Equal(t, err, nil)

	var line map[string]any
	assert.Equal(t, json.Unmarshal(buf.Bytes(), &line), nil)
	assert.Equal(t, line["session_id"], "s1")
	assert.Equal(t, line["type"], "sync_merge")
	assert.Equal(t, line["teamsAdded"], float64(2))
	assert.Equal(t, len(line["entry_id"].(string)), 26)
}

type recorder struct {
	ids []string
	err error
}

func (r *recorder) Record(_ context.Context, entry models.HistoryEntry) error {
	r.ids = append(r.ids, entry.ID)
	return r.err
}

func TestMultiSharesIDAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a, b := &recorder{}, &recorder{err: boom}

	err := Multi{a, b}.Record(context.Background(), models.HistoryEntry{SessionID: "s1"})
	assert.Equal(t, errors.Is(err, boom), true)
	assert.Equal(t, len(a.ids), 1)
	assert.Equal(t, a.ids, b.ids)
	assert.NotEqual(t, a.ids[0], "")
}

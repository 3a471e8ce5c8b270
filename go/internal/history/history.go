// Package history emits structured session history entries produced by the
// merge workflow.
package history

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/mcdev12/scoresync/go/internal/models"
)

// Sink receives history entries. merge.HistorySink is satisfied by every
// sink in this package.
type Sink interface {
	Record(ctx context.Context, entry models.HistoryEntry) error
}

// LogSink writes each entry as one structured log line.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, entry models.HistoryEntry) error {
	entry = withID(entry)
	s.logger.Info().
		Str("entry_id", entry.ID).
		Str("session_id", entry.SessionID).
		Str("type", string(entry.Type)).
		Fields(entry.Data).
		Time("created_at", entry.CreatedAt).
		Msg("Session history")
	return nil
}

// Multi fans an entry out to several sinks. Every sink is tried; the joined
// error of the failures is returned.
type Multi []Sink

func (m Multi) Record(ctx context.Context, entry models.HistoryEntry) error {
	entry = withID(entry)
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func withID(entry models.HistoryEntry) models.HistoryEntry {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	return entry
}

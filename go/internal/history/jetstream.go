package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/models"
)

type JetStreamConfig struct {
	StreamName      string
	SubjectPrefix   string
	MaxAge          time.Duration
	MaxMsgs         int64
	Replicas        int
	DuplicateWindow time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		StreamName:      "SESSION_HISTORY",
		SubjectPrefix:   "scoresync.history",
		MaxAge:          30 * 24 * time.Hour,
		MaxMsgs:         -1,
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
	}
}

// JetStreamSink publishes entries to a JetStream stream. The entry id is the
// message id, so a retried Record inside the duplicate window is stored once.
type JetStreamSink struct {
	js     jetstream.JetStream
	config JetStreamConfig
}

func NewJetStreamSink(ctx context.Context, js jetstream.JetStream, cfg JetStreamConfig) (*JetStreamSink, error) {
	s := &JetStreamSink{js: js, config: cfg}
	if err := s.ensureStream(ctx); err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return s, nil
}

func (s *JetStreamSink) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:        s.config.StreamName,
		Description: "Session history entries",
		Subjects:    []string{fmt.Sprintf("%s.>", s.config.SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      s.config.MaxAge,
		MaxMsgs:     s.config.MaxMsgs,
		Storage:     jetstream.FileStorage,
		Replicas:    s.config.Replicas,
		Duplicates:  s.config.DuplicateWindow,
	}

	stream, err := s.js.Stream(ctx, s.config.StreamName)
	if err != nil {
		if _, err = s.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", s.config.StreamName).Msg("created history stream")
		return nil
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !sameStreamLimits(info.Config, sc) {
		if _, err = s.js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().Str("stream", s.config.StreamName).Msg("updated history stream")
	}
	return nil
}

// Subject returns the subject an entry of type t for a session is published on.
func (s *JetStreamSink) Subject(sessionID string, t models.HistoryEntryType) string {
	return fmt.Sprintf("%s.%s.%s", s.config.SubjectPrefix, sessionID, t)
}

func (s *JetStreamSink) Record(ctx context.Context, entry models.HistoryEntry) error {
	entry = withID(entry)
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	subject := s.Subject(entry.SessionID, entry.Type)
	ack, err := s.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Entry-Type": []string{string(entry.Type)},
			"Session-ID": []string{entry.SessionID},
			"Entry-ID":   []string{entry.ID},
		},
	},
		jetstream.WithMsgID(entry.ID),
		jetstream.WithExpectStream(s.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish history entry: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("entry_id", entry.ID).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published history entry")
	return nil
}

func sameStreamLimits(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates
}

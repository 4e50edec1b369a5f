package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// StreamReader is the subset of the Redis signal bus the stream feed uses.
type StreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int, block time.Duration) ([]domain.StreamMessage, error)
	LastStreamID(ctx context.Context, stream string) (string, error)
}

// StreamConfig configures a Stream.
type StreamConfig struct {
	Stream string
	// StartID is the cursor to resume from. "$" starts at the newest entry
	// present when the feed first reads.
	StartID   string
	BatchSize int
	Block     time.Duration
}

// Stream consumes JSON opportunities from a Redis stream. Entries that fail to
// decode are logged and skipped; the cursor still moves past them.
type Stream struct {
	reader StreamReader
	cfg    StreamConfig
	cursor string
	logger *slog.Logger
}

func NewStream(reader StreamReader, cfg StreamConfig, logger *slog.Logger) *Stream {
	if cfg.Stream == "" {
		cfg.Stream = domain.StreamOpportunities
	}
	if cfg.StartID == "" {
		cfg.StartID = "$"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Stream{
		reader: reader,
		cfg:    cfg,
		cursor: cfg.StartID,
		logger: logger.With(slog.String("component", "stream_feed"), slog.String("stream", cfg.Stream)),
	}
}

// Cursor returns the id of the last entry consumed.
func (s *Stream) Cursor() string { return s.cursor }

func (s *Stream) Next(ctx context.Context) ([]domain.Opportunity, error) {
	if s.cursor == "$" {
		id, err := s.reader.LastStreamID(ctx, s.cfg.Stream)
		if err != nil {
			return nil, fmt.Errorf("feed: resolve stream start: %w", err)
		}
		s.cursor = id
		s.logger.Info("stream feed positioned", slog.String("cursor", id))
	}

	msgs, err := s.reader.StreamRead(ctx, s.cfg.Stream, s.cursor, s.cfg.BatchSize, s.cfg.Block)
	if err != nil {
		return nil, fmt.Errorf("feed: read %s: %w", s.cfg.Stream, err)
	}

	opps := make([]domain.Opportunity, 0, len(msgs))
	for _, m := range msgs {
		s.cursor = m.ID
		opp, err := decode(m.Payload)
		if err != nil {
			s.logger.Warn("skipping malformed opportunity",
				slog.String("entry_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		opps = append(opps, opp)
	}
	if len(opps) > 0 {
		s.logger.Debug("opportunities read", slog.Int("count", len(opps)), slog.String("cursor", s.cursor))
	}
	return opps, nil
}

package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// File serves opportunities from a JSON array on disk. The whole file is one
// batch and is returned by the first Next call only.
type File struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	done bool
}

func NewFile(path string, logger *slog.Logger) *File {
	return &File{path: path, logger: logger.With(slog.String("component", "file_feed"))}
}

func (f *File) Next(ctx context.Context) ([]domain.Opportunity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("feed: read %s: %w", f.path, err)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("feed: parse %s: %w", f.path, err)
	}

	opps := make([]domain.Opportunity, 0, len(raw))
	for i, r := range raw {
		opp, err := decode(r)
		if err != nil {
			f.logger.Warn("skipping malformed opportunity",
				slog.Int("index", i),
				slog.String("error", err.Error()),
			)
			continue
		}
		opps = append(opps, opp)
	}
	f.done = true
	f.logger.Info("opportunities loaded", slog.String("path", f.path), slog.Int("count", len(opps)))
	return opps, nil
}

// Package feed supplies batches of opportunities to the orchestrator. The
// discovery side that produces them is a black box; it may write to a Redis
// stream or, for dry runs, a static JSON file.
package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Source returns the next batch of opportunities. An empty batch is not an
// error.
type Source interface {
	Next(ctx context.Context) ([]domain.Opportunity, error)
}

func decode(data []byte) (domain.Opportunity, error) {
	var opp domain.Opportunity
	if err := json.Unmarshal(data, &opp); err != nil {
		return domain.Opportunity{}, fmt.Errorf("feed: decode opportunity: %w", err)
	}
	if err := opp.Validate(); err != nil {
		return domain.Opportunity{}, fmt.Errorf("feed: %w", err)
	}
	return opp, nil
}

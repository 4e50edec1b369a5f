// Package oracle queries independent price sources and reconciles their
// answers into a single consensus price.
package oracle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// PriceSource is one price oracle. Query returns the source's latest answer
// for pair scaled to domain.PriceDecimals.
type PriceSource interface {
	Name() string
	MaxAge() time.Duration
	Query(ctx context.Context, pair domain.Pair) (domain.OraclePrice, error)
}

// Default freshness windows.
const (
	DefaultChainlinkMaxAge = time.Hour
	DefaultRESTMaxAge      = 5 * time.Minute
)

func doGet(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusTooManyRequests, 418:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

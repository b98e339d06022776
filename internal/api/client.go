package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tunnelmesh/casmesh/internal/copier"
)

// FetchStats reads the stats of the node at baseURL. token may be nil.
func FetchStats(ctx context.Context, client *http.Client, baseURL string, token func() (string, error)) (map[string]int64, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+copier.StatsPath, nil)
	if err != nil {
		return nil, err
	}
	if token != nil {
		t, err := token()
		if err != nil {
			return nil, fmt.Errorf("issue token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+t)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch stats: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var e copier.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Message != "" {
			return nil, fmt.Errorf("fetch stats: %s: %s", resp.Status, e.Message)
		}
		return nil, fmt.Errorf("fetch stats: %s", resp.Status)
	}

	var stats map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}

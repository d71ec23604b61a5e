package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
)

const symbolsPath = "/v1/symbols"

// Fetch loads the venue's public pair list and converts it to markets.
// Pairs that cannot be split are skipped.
func Fetch(ctx context.Context, client *http.Client, baseURL string) ([]Market, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("market: rest base url not configured")
	}
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+symbolsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("create symbols request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request symbols: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("symbols status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var pairs []string
	if err := json.NewDecoder(resp.Body).Decode(&pairs); err != nil {
		return nil, fmt.Errorf("decode symbols: %w", err)
	}
	markets := make([]Market, 0, len(pairs))
	for _, pair := range pairs {
		m, err := ParsePair(pair)
		if err != nil {
			continue
		}
		markets = append(markets, m)
	}
	if len(markets) == 0 {
		return nil, errors.New("market: no usable pairs returned")
	}
	return markets, nil
}

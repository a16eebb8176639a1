// Package flightfeed предоставляет клиент ленты завершённых рейсов.
package flightfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client инкапсулирует HTTP-взаимодействие с лентой завершённых рейсов.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// FlightRecord описывает один завершённый рейс участника в ответе ленты.
type FlightRecord struct {
	Locator     string    `json:"locator"`
	UserID      int64     `json:"user_id"`
	Number      string    `json:"number"`
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	Miles       int64     `json:"miles"`
	FlownAt     time.Time `json:"flown_at"`
}

// NewClient создаёт HTTP-клиент ленты рейсов по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// FetchCompletedFlights запрашивает пакет завершённых рейсов, ожидающих начисления.
// При ответе 429 возвращает длительность из заголовка Retry-After.
func (c *Client) FetchCompletedFlights(ctx context.Context) ([]FlightRecord, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("flight feed client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := base + "/api/flights/completed"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result []FlightRecord
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return result, resp.StatusCode, 0, nil
}

package flightfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchCompletedFlights_OK(t *testing.T) {
	flownAt := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/flights/completed" {
			t.Fatalf("path = %s, want /api/flights/completed", r.URL.Path)
		}

		resp := []FlightRecord{
			{
				Locator:     "AB12CD",
				UserID:      7,
				Number:      "SU100",
				Origin:      "SVO",
				Destination: "JFK",
				Miles:       4600,
				FlownAt:     flownAt,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	flights, code, retry, err := client.FetchCompletedFlights(ctx)
	if err != nil {
		t.Fatalf("FetchCompletedFlights error: %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", code, http.StatusOK)
	}
	if retry != 0 {
		t.Fatalf("retryAfter = %v, want 0", retry)
	}
	if len(flights) != 1 {
		t.Fatalf("flights count = %d, want 1", len(flights))
	}
	f := flights[0]
	if f.Locator != "AB12CD" || f.UserID != 7 || f.Miles != 4600 {
		t.Fatalf("unexpected flight: %+v", f)
	}
	if !f.FlownAt.Equal(flownAt) {
		t.Fatalf("flownAt = %v, want %v", f.FlownAt, flownAt)
	}
}

func TestFetchCompletedFlights_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	flights, code, retry, err := client.FetchCompletedFlights(ctx)
	if err != nil {
		t.Fatalf("FetchCompletedFlights error: %v", err)
	}
	if flights != nil {
		t.Fatalf("expected nil flights for 429, got %+v", flights)
	}
	if code != http.StatusTooManyRequests {
		t.Fatalf("status code = %d, want %d", code, http.StatusTooManyRequests)
	}
	if retry != 7*time.Second {
		t.Fatalf("retryAfter = %v, want 7s", retry)
	}
}

func TestFetchCompletedFlights_NoContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	flights, code, _, err := client.FetchCompletedFlights(ctx)
	if err != nil {
		t.Fatalf("FetchCompletedFlights error: %v", err)
	}
	if flights != nil {
		t.Fatalf("expected nil flights for 204, got %+v", flights)
	}
	if code != http.StatusNoContent {
		t.Fatalf("status code = %d, want %d", code, http.StatusNoContent)
	}
}

func TestFetchCompletedFlights_NotConfigured(t *testing.T) {
	client := NewClient("")

	_, _, _, err := client.FetchCompletedFlights(context.Background())
	if err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}

package repo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/presagestack/presage-engine/internal/cache"
)

type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][]byte)}
}

func (c *memoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.entries[key]; ok {
		return v, nil
	}
	return nil, cache.ErrCacheMiss
}

func (c *memoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *memoryCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return false, nil
	}
	c.entries[key] = value
	return true, nil
}

func (c *memoryCache) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *memoryCache) Close() error { return nil }

func historyServer(t *testing.T, hits *int) *httptest.Server {
	t.Helper()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var payload struct {
			Service    string `json:"service"`
			MetricType string `json:"metric_type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if payload.Service == "" || payload.MetricType == "" {
			t.Errorf("missing series identity in request: %+v", payload)
		}
		resp := map[string]interface{}{
			"series": []map[string]interface{}{
				{"timestamp": base, "value": 10.0},
				{"timestamp": base.Add(time.Minute), "value": 12.0},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestGetHistory(t *testing.T) {
	hits := 0
	server := historyServer(t, &hits)
	defer server.Close()

	client := NewTelemetryClient(server.URL, "/api/v1/metrics/history", 2*time.Second, nil, time.Minute, nil)
	points, err := client.GetHistory(context.Background(), "checkout", "error_rate", time.Hour)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	if points[0].Value != 10 || points[1].Value != 12 {
		t.Fatalf("unexpected values: %+v", points)
	}
	if !points[1].Timestamp.After(points[0].Timestamp) {
		t.Fatalf("expected ascending timestamps")
	}
}

func TestGetHistoryReadThroughCache(t *testing.T) {
	hits := 0
	server := historyServer(t, &hits)
	defer server.Close()

	client := NewTelemetryClient(server.URL, "/api/v1/metrics/history", 2*time.Second, newMemoryCache(), time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		points, err := client.GetHistory(ctx, "checkout", "error_rate", time.Hour)
		if err != nil {
			t.Fatalf("get history %d: %v", i, err)
		}
		if len(points) != 2 {
			t.Fatalf("expected 2 points, got %d", len(points))
		}
	}
	if hits != 1 {
		t.Fatalf("expected one upstream hit with warm cache, got %d", hits)
	}

	// A different series misses the cache and goes upstream.
	if _, err := client.GetHistory(ctx, "billing", "latency", time.Hour); err != nil {
		t.Fatalf("get history: %v", err)
	}
	if hits != 2 {
		t.Fatalf("expected second upstream hit for a new series, got %d", hits)
	}
}

func TestGetHistoryUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewTelemetryClient(server.URL, "/api/v1/metrics/history", 2*time.Second, nil, time.Minute, nil)
	if _, err := client.GetHistory(context.Background(), "checkout", "error_rate", time.Hour); err == nil {
		t.Fatalf("expected error from upstream failure")
	}
}

func TestGetHistoryUnconfigured(t *testing.T) {
	client := NewTelemetryClient("", "/history", time.Second, nil, time.Minute, nil)
	if _, err := client.GetHistory(context.Background(), "svc", "error_rate", time.Hour); err == nil {
		t.Fatalf("expected error without a base URL")
	}
}

package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/presagestack/presage-engine/internal/cache"
	"github.com/presagestack/presage-engine/internal/models"
)

// TelemetryClient fetches ordered metric history from the upstream telemetry
// gateway. Responses are cached read-through so one analysis pass and a
// concurrent remediation baseline don't hammer the gateway for the same
// series.
type TelemetryClient struct {
	baseURL     string
	historyPath string
	httpClient  *http.Client
	cache       cache.Provider
	cacheTTL    time.Duration
	logger      *slog.Logger
}

// NewTelemetryClient constructs a client targeting the configured telemetry
// gateway. provider may be a cache.NoopProvider to disable caching.
func NewTelemetryClient(baseURL, historyPath string, timeout time.Duration, provider cache.Provider, cacheTTL time.Duration, logger *slog.Logger) *TelemetryClient {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelemetryClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		historyPath: historyPath,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cache:    provider,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// GetHistory returns metric samples for the window ending now, oldest first.
// An empty series is a valid response.
func (c *TelemetryClient) GetHistory(ctx context.Context, service, metricType string, window time.Duration) ([]models.MetricPoint, error) {
	if c == nil {
		return nil, fmt.Errorf("telemetry client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("telemetry base URL not configured")
	}

	cacheKey := fmt.Sprintf("history:%s/%s/%s", service, metricType, window)
	if cached, err := c.cache.Get(ctx, cacheKey); err == nil {
		var points []models.MetricPoint
		if err := json.Unmarshal(cached, &points); err == nil {
			return points, nil
		}
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Debug("history cache read failed", slog.String("key", cacheKey), slog.Any("error", err))
	}

	end := time.Now()
	payload := map[string]interface{}{
		"service":     service,
		"metric_type": metricType,
		"start":       end.Add(-window).Format(time.RFC3339),
		"end":         end.Format(time.RFC3339),
	}

	var response struct {
		Series []struct {
			Timestamp time.Time `json:"timestamp"`
			Value     float64   `json:"value"`
		} `json:"series"`
	}
	if err := c.postJSON(ctx, c.baseURL+c.historyPath, payload, &response); err != nil {
		return nil, fmt.Errorf("telemetry history request failed: %w", err)
	}

	points := make([]models.MetricPoint, 0, len(response.Series))
	for _, sample := range response.Series {
		points = append(points, models.MetricPoint{Timestamp: sample.Timestamp, Value: sample.Value})
	}

	if body, err := json.Marshal(points); err == nil {
		if err := c.cache.Set(ctx, cacheKey, body, c.cacheTTL); err != nil {
			c.logger.Debug("history cache write failed", slog.String("key", cacheKey), slog.Any("error", err))
		}
	}
	return points, nil
}

func (c *TelemetryClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telemetry gateway returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

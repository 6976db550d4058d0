package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ConfigClient talks to the external versioned configuration service the
// remediation orchestrator applies and reverts changes through.
type ConfigClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewConfigClient constructs a client for the configuration service.
func NewConfigClient(baseURL string, timeout time.Duration) *ConfigClient {
	return &ConfigClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *ConfigClient) serviceURL(service, suffix string) string {
	return fmt.Sprintf("%s/api/v1/services/%s/config%s", c.baseURL, url.PathEscape(service), suffix)
}

// GetCurrent returns the service's live configuration and its version tag.
func (c *ConfigClient) GetCurrent(ctx context.Context, service string) (map[string]string, string, error) {
	if c == nil || c.baseURL == "" {
		return nil, "", fmt.Errorf("config store not configured")
	}

	var response struct {
		Config  map[string]string `json:"config"`
		Version string            `json:"version"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.serviceURL(service, ""), nil, &response); err != nil {
		return nil, "", fmt.Errorf("config fetch failed: %w", err)
	}
	return response.Config, response.Version, nil
}

// Apply installs a full configuration and returns the new version tag.
func (c *ConfigClient) Apply(ctx context.Context, service string, cfg map[string]string) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("config store not configured")
	}

	payload := map[string]interface{}{"config": cfg}
	var response struct {
		Version string `json:"version"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.serviceURL(service, ""), payload, &response); err != nil {
		return "", fmt.Errorf("config apply failed: %w", err)
	}
	if response.Version == "" {
		return "", fmt.Errorf("config store returned no version")
	}
	return response.Version, nil
}

// Revert restores a previously stored configuration version.
func (c *ConfigClient) Revert(ctx context.Context, service, version string) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("config store not configured")
	}

	payload := map[string]interface{}{"version": version}
	if err := c.doJSON(ctx, http.MethodPost, c.serviceURL(service, "/revert"), payload, nil); err != nil {
		return fmt.Errorf("config revert failed: %w", err)
	}
	return nil
}

// ListHistory returns the stored version tags for a service, newest first.
func (c *ConfigClient) ListHistory(ctx context.Context, service string) ([]string, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("config store not configured")
	}

	var response struct {
		Versions []string `json:"versions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.serviceURL(service, "/history"), nil, &response); err != nil {
		return nil, fmt.Errorf("config history failed: %w", err)
	}
	return response.Versions, nil
}

func (c *ConfigClient) doJSON(ctx context.Context, method, endpoint string, payload any, out any) error {
	var reader *bytes.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("config store returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

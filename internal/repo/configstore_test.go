package repo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func configServer(t *testing.T) (*httptest.Server, *map[string]string) {
	t.Helper()
	current := map[string]string{"pool.max_connections": "20"}
	version := 1

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/services/checkout/config", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"config": current, "version": "v1",
			})
		case http.MethodPost:
			var payload struct {
				Config map[string]string `json:"config"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			current = payload.Config
			version++
			_ = json.NewEncoder(w).Encode(map[string]string{"version": "v2"})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/services/checkout/config/revert", func(w http.ResponseWriter, r *http.Request) {
		current = map[string]string{"pool.max_connections": "20"}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/services/checkout/config/history", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string][]string{"versions": {"v2", "v1"}})
	})

	return httptest.NewServer(mux), &current
}

func TestConfigClientRoundTrip(t *testing.T) {
	server, current := configServer(t)
	defer server.Close()

	client := NewConfigClient(server.URL, 2*time.Second)
	ctx := context.Background()

	cfg, version, err := client.GetCurrent(ctx, "checkout")
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if version != "v1" || cfg["pool.max_connections"] != "20" {
		t.Fatalf("unexpected current config: %v %s", cfg, version)
	}

	newVersion, err := client.Apply(ctx, "checkout", map[string]string{"pool.max_connections": "50"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if newVersion != "v2" {
		t.Fatalf("expected version v2, got %s", newVersion)
	}
	if (*current)["pool.max_connections"] != "50" {
		t.Fatalf("expected server config updated, got %v", *current)
	}

	if err := client.Revert(ctx, "checkout", "v1"); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if (*current)["pool.max_connections"] != "20" {
		t.Fatalf("expected server config reverted, got %v", *current)
	}

	versions, err := client.ListHistory(ctx, "checkout")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(versions) != 2 || versions[0] != "v2" {
		t.Fatalf("unexpected history: %v", versions)
	}
}

func TestConfigClientUnconfigured(t *testing.T) {
	client := NewConfigClient("", time.Second)
	if _, _, err := client.GetCurrent(context.Background(), "checkout"); err == nil {
		t.Fatalf("expected error without a base URL")
	}
	if _, err := client.Apply(context.Background(), "checkout", nil); err == nil {
		t.Fatalf("expected error without a base URL")
	}
}

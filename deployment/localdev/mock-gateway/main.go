package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

type seriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// configState is a tiny in-memory stand-in for the versioned config service.
type configState struct {
	mu       sync.Mutex
	current  map[string]string
	version  int
	snapshot map[string]map[string]string
}

func newConfigState() *configState {
	initial := map[string]string{"pool.max_connections": "20", "cache.ttl_seconds": "60"}
	return &configState{
		current:  initial,
		version:  1,
		snapshot: map[string]map[string]string{"v1": clone(initial)},
	}
}

func clone(cfg map[string]string) map[string]string {
	out := make(map[string]string, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out
}

func main() {
	mux := http.NewServeMux()
	state := newConfigState()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Degrading connection-pool series plus jittered guard metrics.
	mux.HandleFunc("/api/v1/metrics/history", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			Service    string `json:"service"`
			MetricType string `json:"metric_type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		now := time.Now()
		points := make([]seriesPoint, 0, 8)
		switch payload.MetricType {
		case "connection_pool_usage":
			for i := 0; i < 8; i++ {
				points = append(points, seriesPoint{
					Timestamp: now.Add(time.Duration(i-8) * time.Minute),
					Value:     10 + float64(i)*2.5,
				})
			}
		case "error_rate":
			for i := 0; i < 8; i++ {
				points = append(points, seriesPoint{
					Timestamp: now.Add(time.Duration(i-8) * time.Minute),
					Value:     2 + rand.Float64()*0.5,
				})
			}
		default:
			for i := 0; i < 8; i++ {
				points = append(points, seriesPoint{
					Timestamp: now.Add(time.Duration(i-8) * time.Minute),
					Value:     100 + rand.Float64()*10,
				})
			}
		}
		writeJSON(w, map[string]any{"series": points})
	})

	mux.HandleFunc("/api/v1/services/", func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		defer state.mu.Unlock()

		switch {
		case strings.HasSuffix(r.URL.Path, "/config") && r.Method == http.MethodGet:
			writeJSON(w, map[string]any{
				"config":  state.current,
				"version": fmt.Sprintf("v%d", state.version),
			})
		case strings.HasSuffix(r.URL.Path, "/config") && r.Method == http.MethodPost:
			var payload struct {
				Config map[string]string `json:"config"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			state.version++
			state.current = clone(payload.Config)
			version := fmt.Sprintf("v%d", state.version)
			state.snapshot[version] = clone(payload.Config)
			writeJSON(w, map[string]string{"version": version})
		case strings.HasSuffix(r.URL.Path, "/config/revert") && r.Method == http.MethodPost:
			var payload struct {
				Version string `json:"version"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			snapshot, ok := state.snapshot[payload.Version]
			if !ok {
				http.Error(w, "unknown version", http.StatusNotFound)
				return
			}
			state.current = clone(snapshot)
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/config/history") && r.Method == http.MethodGet:
			versions := make([]string, 0, len(state.snapshot))
			for v := range state.snapshot {
				versions = append(versions, v)
			}
			writeJSON(w, map[string]any{"versions": versions})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	mux.HandleFunc("/hooks/oncall", func(w http.ResponseWriter, r *http.Request) {
		var alert map[string]any
		_ = json.NewDecoder(r.Body).Decode(&alert)
		log.Printf("webhook alert: %v", alert)
		w.WriteHeader(http.StatusOK)
	})

	logger := log.New(log.Writer(), "gateway-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":9480",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :9480")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

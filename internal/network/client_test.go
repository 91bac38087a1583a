package network

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sharding-experiment/shardledger/config"
)

func TestHTTPClientDelays(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tests := []struct {
		name    string
		cfg     config.NetworkConfig
		minWant time.Duration
		maxWant time.Duration
	}{
		{"disabled", config.NetworkConfig{DelayEnabled: false, MinDelayMs: 100, MaxDelayMs: 200}, 0, 50 * time.Millisecond},
		{"ranged delay", config.NetworkConfig{DelayEnabled: true, MinDelayMs: 30, MaxDelayMs: 60}, 30 * time.Millisecond, 150 * time.Millisecond},
		{"fixed delay", config.NetworkConfig{DelayEnabled: true, MinDelayMs: 30, MaxDelayMs: 30}, 30 * time.Millisecond, 120 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewHTTPClient(tt.cfg, 5*time.Second)

			start := time.Now()
			resp, err := client.Get(server.URL)
			elapsed := time.Since(start)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			resp.Body.Close()

			if elapsed < tt.minWant {
				t.Errorf("Request too fast: %v (expected >= %v)", elapsed, tt.minWant)
			}
			if elapsed > tt.maxWant {
				t.Errorf("Request too slow: %v (expected <= %v)", elapsed, tt.maxWant)
			}
		})
	}
}

package network

import (
	"math/rand"
	"net/http"
	"time"

	"github.com/sharding-experiment/shardledger/config"
)

// NewHTTPClient builds the HTTP client used for inter-node traffic.
// When delays are enabled in the network config, every request is held back
// by a random duration in [min, max] to simulate real inter-shard latency.
func NewHTTPClient(cfg config.NetworkConfig, timeout time.Duration) *http.Client {
	var transport http.RoundTripper = http.DefaultTransport
	if cfg.DelayEnabled {
		transport = &latencyTransport{
			base: http.DefaultTransport,
			min:  time.Duration(cfg.MinDelayMs) * time.Millisecond,
			max:  time.Duration(cfg.MaxDelayMs) * time.Millisecond,
			rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// latencyTransport delays each round trip by a random duration within [min, max].
type latencyTransport struct {
	base http.RoundTripper
	min  time.Duration
	max  time.Duration
	rng  *rand.Rand
}

func (t *latencyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	delay := t.min
	if t.max > t.min {
		delay += time.Duration(t.rng.Int63n(int64(t.max - t.min)))
	}
	if delay > 0 {
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}
	return t.base.RoundTrip(req)
}

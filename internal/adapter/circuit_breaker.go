package adapter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caesar-terminal/bookreplay/internal/metrics"
)

// CircuitBreakerConfig holds tunable parameters for the CircuitBreaker.
type CircuitBreakerConfig struct {
	// StaleThreshold is the maximum time without a book update before an
	// instrument's feed is considered stale. Default: 30s.
	StaleThreshold time.Duration

	// CoolOff is the duration of continuous updates required after a
	// reconnection before the feed is reported healthy again. Default: 2s.
	CoolOff time.Duration

	// PollInterval is how often health gauges are refreshed. Default: 1s.
	PollInterval time.Duration
}

// DefaultCircuitBreakerConfig returns production defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		StaleThreshold: 30 * time.Second,
		CoolOff:        2 * time.Second,
		PollInterval:   time.Second,
	}
}

// instrumentState tracks feed health for a single instrument.
type instrumentState struct {
	LastUpdate time.Time
	// RecoveredAt is set when an instrument transitions from unhealthy to
	// healthy. It stays unhealthy until time.Since(RecoveredAt) >= CoolOff.
	RecoveredAt time.Time
	Healthy     bool
}

// HealthStatus is a point-in-time report of one instrument's feed.
type HealthStatus struct {
	Instrument string    `json:"instrument"`
	Connected  bool      `json:"connected"`
	LastUpdate time.Time `json:"lastUpdate"`
	Healthy    bool      `json:"healthy"`
}

// CircuitBreaker monitors upstream connections and data freshness per
// instrument. An instrument is healthy when:
//   - its WSClient circuit is closed
//   - its last published update is within StaleThreshold
//   - the cool-off after recovery has elapsed
type CircuitBreaker struct {
	cfg  CircuitBreakerConfig
	feed *Receiver[TickerState]
	log  logrus.FieldLogger

	connMu sync.RWMutex
	conns  map[string]*WSClient

	mu          sync.RWMutex
	instruments map[string]*instrumentState

	metrics *metrics.Metrics
	nowFunc func() time.Time // injectable clock for testing
}

// NewCircuitBreaker creates a CircuitBreaker that watches feed, normally
// Registry.SubscribeAll. WSClients are registered via WatchConnection.
func NewCircuitBreaker(cfg CircuitBreakerConfig, feed *Receiver[TickerState], log logrus.FieldLogger, m *metrics.Metrics) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:         cfg,
		feed:        feed,
		log:         log.WithField("component", "health"),
		conns:       make(map[string]*WSClient),
		instruments: make(map[string]*instrumentState),
		metrics:     m,
		nowFunc:     time.Now,
	}
}

// WatchConnection registers the WSClient that feeds an instrument.
func (cb *CircuitBreaker) WatchConnection(instrument string, ws *WSClient) {
	cb.connMu.Lock()
	cb.conns[instrument] = ws
	cb.connMu.Unlock()
}

// Healthy reports whether the instrument's feed is connected and fresh.
func (cb *CircuitBreaker) Healthy(instrument string) bool {
	return cb.Status(instrument).Healthy
}

// Status reports the instrument's feed health.
func (cb *CircuitBreaker) Status(instrument string) HealthStatus {
	st := HealthStatus{Instrument: instrument, Connected: true}

	cb.connMu.RLock()
	ws, ok := cb.conns[instrument]
	cb.connMu.RUnlock()
	if ok && ws.Circuit() == CircuitOpen {
		st.Connected = false
	}

	now := cb.nowFunc()
	cb.mu.RLock()
	is, exists := cb.instruments[instrument]
	var (
		last      time.Time
		recovered time.Time
		healthy   bool
	)
	if exists {
		last, recovered, healthy = is.LastUpdate, is.RecoveredAt, is.Healthy
	}
	cb.mu.RUnlock()

	st.LastUpdate = last
	switch {
	case !exists, !st.Connected, !healthy:
	case now.Sub(last) > cb.cfg.StaleThreshold:
	case !recovered.IsZero() && now.Sub(recovered) < cb.cfg.CoolOff:
	default:
		st.Healthy = true
	}
	return st
}

// Statuses reports every known instrument, sorted by name.
func (cb *CircuitBreaker) Statuses() []HealthStatus {
	seen := make(map[string]struct{})
	cb.connMu.RLock()
	for name := range cb.conns {
		seen[name] = struct{}{}
	}
	cb.connMu.RUnlock()
	cb.mu.RLock()
	for name := range cb.instruments {
		seen[name] = struct{}{}
	}
	cb.mu.RUnlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]HealthStatus, 0, len(names))
	for _, name := range names {
		out = append(out, cb.Status(name))
	}
	return out
}

// Run consumes published states, updating per-instrument freshness, and
// refreshes the health gauges every PollInterval. It blocks until ctx is
// cancelled or the feed closes.
func (cb *CircuitBreaker) Run(ctx context.Context) {
	defer cb.feed.Close()
	go cb.poll(ctx)
	for {
		ts, err := cb.feed.Recv(ctx)
		var lagged *LaggedError
		switch {
		case errors.As(err, &lagged):
			continue
		case err != nil:
			return
		}
		cb.RecordUpdate(ts.Ticker)
	}
}

func (cb *CircuitBreaker) poll(ctx context.Context) {
	interval := cb.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, st := range cb.Statuses() {
				cb.metrics.SetFeedHealthy(st.Instrument, st.Healthy)
			}
		}
	}
}

// RecordUpdate marks a fresh update for instrument.
func (cb *CircuitBreaker) RecordUpdate(instrument string) {
	now := cb.nowFunc()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	is, exists := cb.instruments[instrument]
	if !exists {
		is = &instrumentState{}
		cb.instruments[instrument] = is
	}

	wasHealthy := is.Healthy
	is.LastUpdate = now
	is.Healthy = true

	// The first update is not a recovery.
	if exists && !wasHealthy {
		is.RecoveredAt = now
		cb.log.WithField("instrument", instrument).Info("feed recovered")
	}
}

// MarkStale forces an instrument into an unhealthy state until its next
// update. The feed calls it when the upstream connection is replaced.
func (cb *CircuitBreaker) MarkStale(instrument string) {
	cb.mu.Lock()
	if is, ok := cb.instruments[instrument]; ok {
		is.Healthy = false
	}
	cb.mu.Unlock()
}

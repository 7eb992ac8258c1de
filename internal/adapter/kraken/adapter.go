package kraken

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/caesar-terminal/bookreplay/internal/adapter"
	"github.com/caesar-terminal/bookreplay/internal/engine"
	"github.com/caesar-terminal/bookreplay/internal/metrics"
)

// DefaultURL is Kraken's public v1 WebSocket endpoint.
const DefaultURL = "wss://ws.kraken.com/"

// SupportedDepths are the book depths Kraken accepts on subscribe.
var SupportedDepths = []int{10, 25, 100, 500, 1000}

var (
	// ErrMalformedFrame is returned for messages that are neither a known
	// event nor a well-formed book frame.
	ErrMalformedFrame = errors.New("kraken: malformed frame")
	// ErrSubscriptionRejected is returned when Kraken answers a subscribe
	// request with an error status.
	ErrSubscriptionRejected = errors.New("kraken: subscription rejected")
)

// ValidDepth reports whether Kraken accepts depth.
func ValidDepth(depth int) bool {
	for _, d := range SupportedDepths {
		if d == depth {
			return true
		}
	}
	return false
}

// PairFor maps a ticker to its Kraken pair, e.g. "ZEC" -> "ZEC/USD".
func PairFor(ticker, quote string) string {
	if quote == "" {
		quote = "USD"
	}
	return strings.ToUpper(ticker) + "/" + strings.ToUpper(quote)
}

// Applier consumes parsed book messages. *adapter.Registry satisfies it.
type Applier interface {
	Apply(msg adapter.BookMessage) (engine.State, error)
}

// StaleMarker is told when an instrument's book can no longer be trusted.
// *adapter.CircuitBreaker satisfies it.
type StaleMarker interface {
	MarkStale(instrument string)
}

// subscribeMsg is the Kraken v1 subscribe request.
type subscribeMsg struct {
	Event        string       `json:"event"`
	Pair         []string     `json:"pair"`
	Subscription subscription `json:"subscription"`
}

type subscription struct {
	Name  string `json:"name"`
	Depth int    `json:"depth,omitempty"`
}

// rawEvent covers the object-shaped messages: subscriptionStatus,
// heartbeat and systemStatus.
type rawEvent struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	Pair         string `json:"pair"`
	ChannelID    int64  `json:"channelID"`
	ErrorMessage string `json:"errorMessage"`
}

// Config describes one instrument's subscription.
type Config struct {
	Ticker string
	Pair   string
	Depth  int
}

// KrakenAdapter subscribes to one pair's book channel and feeds snapshots
// and deltas, in wire order, to an Applier.
type KrakenAdapter struct {
	cfg     Config
	ws      *adapter.WSClient
	raw     <-chan []byte
	sink    Applier
	health  StaleMarker
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	nowFunc func() time.Time
}

// New creates a KrakenAdapter backed by ws. It subscribes to the WSClient
// fan-out immediately so no message is missed, and re-subscribes after
// every reconnect so Kraken re-sends a full snapshot. health and m may be
// nil.
func New(cfg Config, ws *adapter.WSClient, sink Applier, health StaleMarker, log logrus.FieldLogger, m *metrics.Metrics) *KrakenAdapter {
	ka := &KrakenAdapter{
		cfg:     cfg,
		ws:      ws,
		raw:     ws.Subscribe(),
		sink:    sink,
		health:  health,
		log:     log.WithFields(logrus.Fields{"component": "kraken", "instrument": cfg.Ticker, "pair": cfg.Pair}),
		metrics: m,
		nowFunc: time.Now,
	}
	ws.OnReconnect(ka.resync)
	return ka
}

// Subscribe sends the book subscription for the configured pair.
func (ka *KrakenAdapter) Subscribe() {
	msg, _ := json.Marshal(subscribeMsg{
		Event: "subscribe",
		Pair:  []string{ka.cfg.Pair},
		Subscription: subscription{
			Name:  "book",
			Depth: ka.cfg.Depth,
		},
	})
	ka.ws.Send(msg)
}

func (ka *KrakenAdapter) resync() {
	ka.log.Info("connection replaced, re-subscribing for a fresh snapshot")
	if ka.health != nil {
		ka.health.MarkStale(ka.cfg.Ticker)
	}
	ka.metrics.ObserveReconnect(ka.cfg.Ticker)
	ka.Subscribe()
}

// Run connects (retrying with backoff), subscribes, and applies every book
// message until ctx is cancelled or the WSClient shuts down.
func (ka *KrakenAdapter) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for {
		err := ka.ws.Connect(ctx)
		if err == nil {
			break
		}
		delay := b.Duration()
		ka.log.WithError(err).WithField("retry_in", delay).Warn("connect failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	ka.log.Info("connected")
	ka.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-ka.raw:
			if !ok {
				return nil
			}
			if err := ka.handleMessage(raw); err != nil {
				switch {
				case errors.Is(err, engine.ErrMalformedLevel):
					ka.log.WithError(err).Warn("dropping book message")
				case errors.Is(err, ErrSubscriptionRejected):
					ka.log.WithError(err).Error("subscription rejected")
				default:
					ka.log.WithError(err).Warn("unreadable message")
				}
			}
		}
	}
}

func (ka *KrakenAdapter) handleMessage(raw []byte) error {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty message", ErrMalformedFrame)
	}

	switch trimmed[0] {
	case '{':
		return ka.handleEvent(trimmed)
	case '[':
		msg, ok, err := ka.parseFrame(trimmed)
		if err != nil || !ok {
			return err
		}
		_, err = ka.sink.Apply(msg)
		return err
	default:
		return fmt.Errorf("%w: unexpected %q", ErrMalformedFrame, trimmed[0])
	}
}

func (ka *KrakenAdapter) handleEvent(raw []byte) error {
	var ev rawEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch ev.Event {
	case "subscriptionStatus":
		if ev.Status == "error" || ev.ErrorMessage != "" {
			return fmt.Errorf("%w: %s: %s", ErrSubscriptionRejected, ev.Pair, ev.ErrorMessage)
		}
		ka.log.WithFields(logrus.Fields{"status": ev.Status, "channel": ev.ChannelID}).Info("subscription status")
	case "systemStatus":
		ka.log.WithField("status", ev.Status).Debug("system status")
	case "heartbeat", "pong":
	default:
		ka.log.WithField("event", ev.Event).Debug("ignoring event")
	}
	return nil
}

// parseFrame decodes [channelID, payload, (payload,) "book-N", "PAIR"].
// It returns ok=false for frames of other channels or pairs.
func (ka *KrakenAdapter) parseFrame(raw []byte) (adapter.BookMessage, bool, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return adapter.BookMessage{}, false, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(parts) < 4 {
		return adapter.BookMessage{}, false, fmt.Errorf("%w: %d elements", ErrMalformedFrame, len(parts))
	}

	var channel, pair string
	if err := json.Unmarshal(parts[len(parts)-2], &channel); err != nil {
		return adapter.BookMessage{}, false, fmt.Errorf("%w: channel name: %v", ErrMalformedFrame, err)
	}
	if err := json.Unmarshal(parts[len(parts)-1], &pair); err != nil {
		return adapter.BookMessage{}, false, fmt.Errorf("%w: pair: %v", ErrMalformedFrame, err)
	}
	if !strings.HasPrefix(channel, "book") {
		return adapter.BookMessage{}, false, nil
	}
	if pair != ka.cfg.Pair {
		ka.log.WithField("frame_pair", pair).Debug("ignoring frame for another pair")
		return adapter.BookMessage{}, false, nil
	}

	msg := adapter.BookMessage{
		Ticker:   ka.cfg.Ticker,
		Kind:     adapter.KindDelta,
		Received: ka.nowFunc(),
	}
	for _, payload := range parts[1 : len(parts)-2] {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(payload, &fields); err != nil {
			return adapter.BookMessage{}, false, fmt.Errorf("%w: payload: %v", ErrMalformedFrame, err)
		}
		for key, val := range fields {
			var dst *[]engine.Level
			switch key {
			case "as":
				msg.Kind = adapter.KindSnapshot
				dst = &msg.Asks
			case "bs":
				msg.Kind = adapter.KindSnapshot
				dst = &msg.Bids
			case "a":
				dst = &msg.Asks
			case "b":
				dst = &msg.Bids
			default:
				continue // checksum "c" and anything newer
			}
			levels, err := parseLevels(val)
			if err != nil {
				return adapter.BookMessage{}, false, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, key, err)
			}
			*dst = append(*dst, levels...)
		}
	}
	return msg, true, nil
}

// parseLevels reads [[price, volume, timestamp, ("r")], ...] where every
// element is a string.
func parseLevels(raw json.RawMessage) ([]engine.Level, error) {
	var rows [][]string
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	out := make([]engine.Level, 0, len(rows))
	for i, row := range rows {
		if len(row) < 3 {
			return nil, fmt.Errorf("level %d has %d elements, want at least 3", i, len(row))
		}
		out = append(out, engine.Level{Price: row[0], Volume: row[1]})
	}
	return out, nil
}

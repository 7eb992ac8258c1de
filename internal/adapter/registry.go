package adapter

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/caesar-terminal/bookreplay/internal/engine"
	"github.com/caesar-terminal/bookreplay/internal/metrics"
)

// DefaultCapacity is the number of pending updates a live channel buffers
// before slow receivers start losing the oldest ones.
const DefaultCapacity = 100

// Instrument binds one instrument's engine to its live update channel.
type Instrument struct {
	Ticker  string
	Engine  *engine.Engine
	Updates *Broadcaster[engine.State]

	fed atomic.Bool
}

// Fed reports whether the feed has successfully applied at least one
// message to this instrument. Instruments created only by subscribers
// are never fed.
func (i *Instrument) Fed() bool {
	return i.fed.Load()
}

// Registry owns every tracked instrument. Instruments are created on first
// reference and live until the Registry is closed.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument
	capacity    int
	closed      bool

	// all carries every published state across instruments, for mirrors
	// and exporters that do not care about a single instrument.
	all *Broadcaster[TickerState]

	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewRegistry creates an empty registry whose channels buffer capacity
// updates each. m may be nil.
func NewRegistry(capacity int, log logrus.FieldLogger, m *metrics.Metrics) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		instruments: make(map[string]*Instrument),
		capacity:    capacity,
		all:         NewBroadcaster[TickerState](capacity),
		log:         log.WithField("component", "registry"),
		metrics:     m,
	}
}

// Instrument returns the instrument for ticker, creating it if needed.
func (r *Registry) Instrument(ticker string) *Instrument {
	r.mu.RLock()
	inst, ok := r.instruments[ticker]
	r.mu.RUnlock()
	if ok {
		return inst
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instruments[ticker]; ok {
		return inst
	}
	inst = &Instrument{
		Ticker:  ticker,
		Engine:  engine.New(),
		Updates: NewBroadcaster[engine.State](r.capacity),
	}
	if r.closed {
		inst.Updates.Close()
	}
	r.instruments[ticker] = inst
	r.log.WithField("instrument", ticker).Info("instrument registered")
	return inst
}

// Lookup returns the instrument for ticker without creating it.
func (r *Registry) Lookup(ticker string) (*Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instruments[ticker]
	return inst, ok
}

// Instruments returns the registered tickers in lexical order.
func (r *Registry) Instruments() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.instruments))
	for t := range r.instruments {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Apply feeds one book message to its instrument's engine and, on
// success, publishes the resulting state to the instrument's subscribers
// and to the all-instruments stream.
func (r *Registry) Apply(msg BookMessage) (engine.State, error) {
	inst := r.Instrument(msg.Ticker)

	var (
		st  engine.State
		err error
	)
	switch msg.Kind {
	case KindSnapshot:
		st, err = inst.Engine.ApplySnapshot(msg.Bids, msg.Asks)
	case KindDelta:
		st, err = inst.Engine.ApplyDelta(msg.Bids, msg.Asks)
	default:
		return engine.State{}, fmt.Errorf("registry: %s: unknown message kind %d", msg.Ticker, msg.Kind)
	}
	if err != nil {
		r.metrics.ObserveMalformed(msg.Ticker)
		return engine.State{}, fmt.Errorf("registry: %s %s: %w", msg.Ticker, msg.Kind, err)
	}
	r.metrics.ObserveApply(msg.Ticker, msg.Kind.String())
	inst.fed.Store(true)

	inst.Updates.Send(st)
	r.all.Send(TickerState{Ticker: msg.Ticker, State: st})
	r.metrics.ObservePublish(msg.Ticker)
	return st, nil
}

// SubscribeAll returns a receiver for states published by any instrument.
func (r *Registry) SubscribeAll() *Receiver[TickerState] {
	return r.all.Subscribe()
}

// Close tears down every update channel. Subscribers drain what is
// buffered and then see ErrChannelClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, inst := range r.instruments {
		inst.Updates.Close()
	}
	r.all.Close()
}

package engine

import (
	"fmt"
	"sync"
	"time"
)

// Engine reconstructs one instrument's order book from a feed snapshot
// followed by deltas, and infers the last trade price from changes at the
// top of the book.
//
// An Engine has a single writer (the ingestion path for its instrument).
// Any number of goroutines may call State concurrently with that writer; a
// reader always observes the result of a complete apply call.
type Engine struct {
	mu        sync.RWMutex
	bids      *bookSide
	asks      *bookSide
	lastPrice *float64

	nowFunc func() time.Time
}

// New creates an empty engine.
func New() *Engine {
	return &Engine{
		bids:    newBookSide(true),
		asks:    newBookSide(false),
		nowFunc: time.Now,
	}
}

// ApplySnapshot replaces both sides with the supplied levels. Zero-volume
// levels are dropped. The last trade price is left untouched. If any level
// is malformed nothing is replaced.
func (e *Engine) ApplySnapshot(bids, asks []Level) (State, error) {
	pb, err := ParseLevels(bids)
	if err != nil {
		return State{}, fmt.Errorf("snapshot bids: %w", err)
	}
	pa, err := ParseLevels(asks)
	if err != nil {
		return State{}, fmt.Errorf("snapshot asks: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.bids.reset()
	e.asks.reset()
	for _, l := range pb {
		if l.Volume > 0 {
			e.bids.set(l.Price, l.Volume)
		}
	}
	for _, l := range pa {
		if l.Volume > 0 {
			e.asks.set(l.Price, l.Volume)
		}
	}
	return e.stateLocked(), nil
}

// ApplyDelta merges incremental updates, bids first and then asks.
//
// A volume decrease (without removal) at the pre-update best price records
// a trade at that price. After both sides are merged, a side whose best
// price changed records a trade at its new best price, overwriting the
// first rule's result.
//
// Each side is parsed before it is touched. When the asks are malformed the
// already merged bids stay applied and the error is returned.
func (e *Engine) ApplyDelta(bids, asks []Level) (State, error) {
	pb, err := ParseLevels(bids)
	if err != nil {
		return State{}, fmt.Errorf("delta bids: %w", err)
	}
	pa, askErr := ParseLevels(asks)

	e.mu.Lock()
	defer e.mu.Unlock()

	bidBefore, hadBid := e.bids.best()
	askBefore, hadAsk := e.asks.best()

	e.mergeLocked(e.bids, pb, bidBefore, hadBid)
	if askErr == nil {
		e.mergeLocked(e.asks, pa, askBefore, hadAsk)
	}

	e.inferFromBestLocked(e.bids, bidBefore, hadBid)
	if askErr != nil {
		return State{}, fmt.Errorf("delta asks: %w", askErr)
	}
	e.inferFromBestLocked(e.asks, askBefore, hadAsk)

	return e.stateLocked(), nil
}

func (e *Engine) mergeLocked(side *bookSide, levels []PriceLevel, best float64, hasBest bool) {
	for _, l := range levels {
		if hasBest && l.Price == best {
			if old, ok := side.volume(l.Price); ok && l.Volume > 0 && l.Volume < old {
				e.setLastLocked(l.Price)
			}
		}
		if l.Volume == 0 {
			side.remove(l.Price)
			continue
		}
		side.set(l.Price, l.Volume)
	}
}

func (e *Engine) inferFromBestLocked(side *bookSide, before float64, hadBefore bool) {
	after, hasAfter := side.best()
	if !hasAfter {
		return
	}
	if !hadBefore || before != after {
		e.setLastLocked(after)
	}
}

func (e *Engine) setLastLocked(price float64) {
	p := price
	e.lastPrice = &p
}

// State returns an immutable view of the current book.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stateLocked()
}

// LastPrice returns the last inferred trade price, if any.
func (e *Engine) LastPrice() (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastPrice == nil {
		return 0, false
	}
	return *e.lastPrice, true
}

// SetLastPrice overrides the last trade price.
func (e *Engine) SetLastPrice(price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setLastLocked(price)
}

// Depth returns the number of levels on each side.
func (e *Engine) Depth() (bids, asks int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bids.len(), e.asks.len()
}

func (e *Engine) stateLocked() State {
	st := State{
		Timestamp: e.nowFunc().Unix(),
		Bids:      e.bids.levels(),
		Asks:      e.asks.levels(),
	}
	if e.lastPrice != nil {
		p := *e.lastPrice
		st.LastPrice = &p
	}
	return st
}

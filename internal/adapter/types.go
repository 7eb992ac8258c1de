package adapter

import (
	"time"

	"github.com/caesar-terminal/bookreplay/internal/engine"
)

// BookKind tells a feed snapshot from an incremental delta.
type BookKind uint8

const (
	KindSnapshot BookKind = iota + 1
	KindDelta
)

func (k BookKind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// BookMessage is one parsed book message from an upstream feed, addressed
// to a single instrument. Feed adapters produce these; the Registry applies
// them.
type BookMessage struct {
	Ticker   string
	Kind     BookKind
	Bids     []engine.Level
	Asks     []engine.Level
	Received time.Time
}

// TickerState is a published book state tagged with its instrument.
type TickerState struct {
	Ticker string
	State  engine.State
}

package engine

// Side identifies one half of the book.
type Side uint8

const (
	Bid Side = iota + 1
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// Level is a price/volume pair as received from a feed, before validation.
// Both fields carry the exchange's decimal string representation.
type Level struct {
	Price  string
	Volume string
}

// PriceLevel is a validated price level. Price is always finite and > 0;
// Volume is always > 0 once stored in a book side.
type PriceLevel struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// State is an immutable, point-in-time view of an order book. Bids are
// ordered highest price first, asks lowest price first. A State is always
// the result of one complete apply call.
type State struct {
	Timestamp int64        `json:"timestamp"`
	LastPrice *float64     `json:"lastPrice"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// Empty reports whether both sides carry no levels.
func (s State) Empty() bool {
	return len(s.Bids) == 0 && len(s.Asks) == 0
}

// TwoSided reports whether neither side is empty.
func (s State) TwoSided() bool {
	return len(s.Bids) > 0 && len(s.Asks) > 0
}

// BestBid returns the highest bid price, or false when the bid side is empty.
func (s State) BestBid() (float64, bool) {
	if len(s.Bids) == 0 {
		return 0, false
	}
	return s.Bids[0].Price, true
}

// BestAsk returns the lowest ask price, or false when the ask side is empty.
func (s State) BestAsk() (float64, bool) {
	if len(s.Asks) == 0 {
		return 0, false
	}
	return s.Asks[0].Price, true
}

// Truncate returns a copy of s limited to depth levels per side. A depth
// of zero or less returns s unchanged.
func (s State) Truncate(depth int) State {
	if depth <= 0 {
		return s
	}
	out := s
	if len(out.Bids) > depth {
		out.Bids = out.Bids[:depth]
	}
	if len(out.Asks) > depth {
		out.Asks = out.Asks[:depth]
	}
	return out
}

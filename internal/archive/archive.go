package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	json "github.com/goccy/go-json"

	"github.com/caesar-terminal/bookreplay/internal/engine"
)

var (
	// ErrNotFound is returned when no snapshot exists for a lookup.
	ErrNotFound = errors.New("snapshot not found")
	// ErrInvalidInstrument is returned for instrument names that cannot be
	// used as a key prefix.
	ErrInvalidInstrument = errors.New("invalid instrument")
)

// Snapshot is a frozen, timestamped copy of one instrument's book.
type Snapshot struct {
	Ticker    string              `json:"ticker"`
	Timestamp int64               `json:"timestamp"`
	LastPrice *float64            `json:"lastPrice"`
	Bids      []engine.PriceLevel `json:"bids"`
	Asks      []engine.PriceLevel `json:"asks"`
}

// FromState tags a book state with its instrument and archival time.
func FromState(ticker string, ts int64, st engine.State) Snapshot {
	return Snapshot{
		Ticker:    ticker,
		Timestamp: ts,
		LastPrice: st.LastPrice,
		Bids:      st.Bids,
		Asks:      st.Asks,
	}
}

// Range is the span of archived timestamps for one instrument.
type Range struct {
	Min int64 `json:"minTimestamp"`
	Max int64 `json:"maxTimestamp"`
}

// Archive stores snapshots keyed by (instrument, timestamp) in an
// in-memory pebble instance. Keys are laid out as
//
//	instrument 0x00 big-endian(timestamp ^ 1<<63)
//
// so that one instrument's snapshots are contiguous and ordered by time.
type Archive struct {
	mu sync.RWMutex
	db *pebble.DB
}

// Open creates an empty archive backed by a memory filesystem.
func Open() (*Archive, error) {
	db, err := pebble.Open("archive", &pebble.Options{
		FS:         vfs.NewMem(),
		DisableWAL: true,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close releases the underlying store.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db.Close()
}

// Store upserts a snapshot. A second store at the same key replaces the
// first.
func (a *Archive) Store(s Snapshot) error {
	key, err := keyFor(s.Ticker, s.Timestamp)
	if err != nil {
		return err
	}
	val, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("archive: encode %s@%d: %w", s.Ticker, s.Timestamp, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db.Set(key, val, pebble.NoSync)
}

// Get returns the snapshot stored at exactly (ticker, ts).
func (a *Archive) Get(ticker string, ts int64) (Snapshot, error) {
	key, err := keyFor(ticker, ts)
	if err != nil {
		return Snapshot{}, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	val, closer, err := a.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return Snapshot{}, fmt.Errorf("%w: %s@%d", ErrNotFound, ticker, ts)
	}
	if err != nil {
		return Snapshot{}, err
	}
	defer closer.Close()

	var s Snapshot
	if err := json.Unmarshal(val, &s); err != nil {
		return Snapshot{}, fmt.Errorf("archive: decode %s@%d: %w", ticker, ts, err)
	}
	return s, nil
}

// HistoryRange returns the oldest and newest timestamps stored for ticker.
func (a *Archive) HistoryRange(ticker string) (Range, error) {
	if err := validTicker(ticker); err != nil {
		return Range{}, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	iter, err := a.db.NewIter(prefixBounds(ticker))
	if err != nil {
		return Range{}, err
	}
	defer iter.Close()

	if !iter.First() {
		if err := iter.Error(); err != nil {
			return Range{}, err
		}
		return Range{}, fmt.Errorf("%w: no history for %s", ErrNotFound, ticker)
	}
	lo := decodeTimestamp(iter.Key())
	iter.Last()
	hi := decodeTimestamp(iter.Key())
	return Range{Min: lo, Max: hi}, iter.Error()
}

// EvictOlderThan removes every snapshot with timestamp < cutoff. An empty
// ticker sweeps all instruments; otherwise only ticker's history is
// touched. It returns the number of snapshots removed.
func (a *Archive) EvictOlderThan(cutoff int64, ticker string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ticker != "" {
		if err := validTicker(ticker); err != nil {
			return 0, err
		}
		return a.evictLocked(ticker, cutoff)
	}

	tickers, err := a.instrumentsLocked()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, t := range tickers {
		n, err := a.evictLocked(t, cutoff)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (a *Archive) evictLocked(ticker string, cutoff int64) (int, error) {
	lower := prefix(ticker)
	upper := appendTimestamp(prefix(ticker), cutoff)

	iter, err := a.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, err
	}
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return 0, err
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := a.db.DeleteRange(lower, upper, pebble.NoSync); err != nil {
		return 0, fmt.Errorf("archive: evict %s: %w", ticker, err)
	}
	return n, nil
}

// Len returns the number of stored snapshots across all instruments.
func (a *Archive) Len() (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	iter, err := a.db.NewIter(nil)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Instruments returns the instruments that have at least one snapshot, in
// lexical order.
func (a *Archive) Instruments() ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.instrumentsLocked()
}

func (a *Archive) instrumentsLocked() ([]string, error) {
	iter, err := a.db.NewIter(nil)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []string
	for valid := iter.First(); valid; {
		key := iter.Key()
		i := bytes.IndexByte(key, 0)
		if i < 0 {
			return nil, fmt.Errorf("archive: corrupt key %q", key)
		}
		t := string(key[:i])
		out = append(out, t)
		valid = iter.SeekGE(append([]byte(t), 0x01))
	}
	return out, iter.Error()
}

func validTicker(ticker string) error {
	if ticker == "" || bytes.IndexByte([]byte(ticker), 0) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidInstrument, ticker)
	}
	return nil
}

func prefix(ticker string) []byte {
	b := make([]byte, 0, len(ticker)+9)
	b = append(b, ticker...)
	return append(b, 0x00)
}

func prefixBounds(ticker string) *pebble.IterOptions {
	upper := append([]byte(ticker), 0x01)
	return &pebble.IterOptions{LowerBound: prefix(ticker), UpperBound: upper}
}

func appendTimestamp(b []byte, ts int64) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(ts)^(1<<63))
}

func keyFor(ticker string, ts int64) ([]byte, error) {
	if err := validTicker(ticker); err != nil {
		return nil, err
	}
	return appendTimestamp(prefix(ticker), ts), nil
}

func decodeTimestamp(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]) ^ (1 << 63))
}

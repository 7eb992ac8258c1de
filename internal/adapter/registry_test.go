package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/caesar-terminal/bookreplay/internal/engine"
)

func snapshotMsg(ticker string, bids, asks []engine.Level) BookMessage {
	return BookMessage{Ticker: ticker, Kind: KindSnapshot, Bids: bids, Asks: asks}
}

func deltaMsg(ticker string, bids, asks []engine.Level) BookMessage {
	return BookMessage{Ticker: ticker, Kind: KindDelta, Bids: bids, Asks: asks}
}

func TestRegistry_InstrumentIsLazyAndStable(t *testing.T) {
	r := NewRegistry(0, testLogger(), nil)

	if _, ok := r.Lookup("ZEC"); ok {
		t.Fatal("expected no instrument before first reference")
	}
	a := r.Instrument("ZEC")
	b := r.Instrument("ZEC")
	if a != b {
		t.Fatal("expected the same instrument on repeated lookups")
	}
	r.Instrument("BTC")

	got := r.Instruments()
	if len(got) != 2 || got[0] != "BTC" || got[1] != "ZEC" {
		t.Fatalf("unexpected instruments %v", got)
	}
}

func TestRegistry_ApplyPublishes(t *testing.T) {
	r := NewRegistry(10, testLogger(), nil)
	updates := r.Instrument("ZEC").Updates.Subscribe()
	all := r.SubscribeAll()

	_, err := r.Apply(snapshotMsg("ZEC",
		[]engine.Level{{Price: "100", Volume: "5"}},
		[]engine.Level{{Price: "101", Volume: "3"}},
	))
	if err != nil {
		t.Fatalf("apply snapshot: %v", err)
	}
	_, err = r.Apply(deltaMsg("ZEC", []engine.Level{{Price: "100", Volume: "3"}}, nil))
	if err != nil {
		t.Fatalf("apply delta: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := updates.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if len(first.Bids) != 1 || first.LastPrice != nil {
		t.Fatalf("unexpected snapshot state %+v", first)
	}
	second, err := updates.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if second.LastPrice == nil || *second.LastPrice != 100 {
		t.Fatalf("expected last price 100, got %+v", second.LastPrice)
	}

	ts, err := all.Recv(ctx)
	if err != nil || ts.Ticker != "ZEC" {
		t.Fatalf("expected ZEC on all stream, got %+v (%v)", ts, err)
	}
}

func TestRegistry_MalformedDoesNotPublishOrLeak(t *testing.T) {
	r := NewRegistry(10, testLogger(), nil)
	zec := r.Instrument("ZEC").Updates.Subscribe()

	_, err := r.Apply(snapshotMsg("BTC", []engine.Level{{Price: "1", Volume: "1"}}, nil))
	if err != nil {
		t.Fatalf("apply btc: %v", err)
	}
	_, err = r.Apply(snapshotMsg("ZEC", []engine.Level{{Price: "x", Volume: "1"}}, nil))
	if !errors.Is(err, engine.ErrMalformedLevel) {
		t.Fatalf("expected ErrMalformedLevel, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := zec.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected nothing published for ZEC, got %v", err)
	}

	btc, _ := r.Lookup("BTC")
	if st := btc.Engine.State(); len(st.Bids) != 1 {
		t.Fatalf("BTC book disturbed by ZEC error: %+v", st)
	}
}

func TestRegistry_UnknownKind(t *testing.T) {
	r := NewRegistry(10, testLogger(), nil)
	if _, err := r.Apply(BookMessage{Ticker: "ZEC"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestRegistry_CloseEndsSubscribers(t *testing.T) {
	r := NewRegistry(10, testLogger(), nil)
	rx := r.Instrument("ZEC").Updates.Subscribe()
	all := r.SubscribeAll()
	r.Close()
	r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := rx.Recv(ctx); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	if _, err := all.Recv(ctx); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed on all stream, got %v", err)
	}

	late := r.Instrument("ETH").Updates.Subscribe()
	if _, err := late.Recv(ctx); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected instruments created after Close to be closed, got %v", err)
	}
}

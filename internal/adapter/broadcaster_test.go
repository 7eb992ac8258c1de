package adapter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func recvWithin(t *testing.T, r *Receiver[int], d time.Duration) (int, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return r.Recv(ctx)
}

func TestBroadcaster_DeliversInOrderToAll(t *testing.T) {
	b := NewBroadcaster[int](8)
	r1 := b.Subscribe()
	r2 := b.Subscribe()

	if n := b.Send(1); n != 2 {
		t.Fatalf("expected 2 receivers, got %d", n)
	}
	b.Send(2)
	b.Send(3)

	for _, r := range []*Receiver[int]{r1, r2} {
		for want := 1; want <= 3; want++ {
			got, err := recvWithin(t, r, time.Second)
			if err != nil {
				t.Fatalf("recv: %v", err)
			}
			if got != want {
				t.Fatalf("expected %d, got %d", want, got)
			}
		}
	}
}

func TestBroadcaster_SubscribeSeesOnlyLaterValues(t *testing.T) {
	b := NewBroadcaster[int](8)
	b.Send(1)
	r := b.Subscribe()
	b.Send(2)

	got, err := recvWithin(t, r, time.Second)
	if err != nil || got != 2 {
		t.Fatalf("expected 2, got %d (%v)", got, err)
	}
}

func TestBroadcaster_SlowReceiverLags(t *testing.T) {
	b := NewBroadcaster[int](3)
	slow := b.Subscribe()
	fast := b.Subscribe()

	for i := 1; i <= 5; i++ {
		b.Send(i)
		if got, err := recvWithin(t, fast, time.Second); err != nil || got != i {
			t.Fatalf("fast receiver: expected %d, got %d (%v)", i, got, err)
		}
	}

	_, err := recvWithin(t, slow, time.Second)
	var lagged *LaggedError
	if !errors.As(err, &lagged) {
		t.Fatalf("expected LaggedError, got %v", err)
	}
	if lagged.Skipped != 2 {
		t.Fatalf("expected 2 skipped, got %d", lagged.Skipped)
	}

	// Resumes from the oldest value still buffered.
	for want := 3; want <= 5; want++ {
		got, err := recvWithin(t, slow, time.Second)
		if err != nil || got != want {
			t.Fatalf("expected %d after lag, got %d (%v)", want, got, err)
		}
	}
}

func TestBroadcaster_SendNeverBlocks(t *testing.T) {
	b := NewBroadcaster[int](1)
	b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			b.Send(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on an unread receiver")
	}
}

func TestBroadcaster_CloseDrainsThenEnds(t *testing.T) {
	b := NewBroadcaster[int](4)
	r := b.Subscribe()
	b.Send(7)
	b.Close()
	b.Send(8)

	got, err := recvWithin(t, r, time.Second)
	if err != nil || got != 7 {
		t.Fatalf("expected buffered 7, got %d (%v)", got, err)
	}
	_, err = recvWithin(t, r, time.Second)
	if !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
}

func TestBroadcaster_CloseWakesBlockedReceiver(t *testing.T) {
	b := NewBroadcaster[int](4)
	r := b.Subscribe()

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Recv(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("expected ErrChannelClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked receiver not woken by Close")
	}
}

func TestBroadcaster_RecvHonoursContext(t *testing.T) {
	b := NewBroadcaster[int](4)
	r := b.Subscribe()

	_, err := recvWithin(t, r, 20*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestBroadcaster_ReceiverClose(t *testing.T) {
	b := NewBroadcaster[int](4)
	r := b.Subscribe()
	b.Subscribe()
	r.Close()
	r.Close()

	if n := b.ReceiverCount(); n != 1 {
		t.Fatalf("expected 1 receiver, got %d", n)
	}
}

func TestBroadcaster_RecvAfterReceiverClose(t *testing.T) {
	b := NewBroadcaster[int](4)
	r := b.Subscribe()
	b.Send(1)
	r.Close()

	if _, err := recvWithin(t, r, 100*time.Millisecond); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	if n := b.ReceiverCount(); n != 0 {
		t.Fatalf("expected 0 receivers, got %d", n)
	}
	r.Close()
	if n := b.ReceiverCount(); n != 0 {
		t.Fatalf("expected 0 receivers after second close, got %d", n)
	}
}

func TestBroadcaster_ConcurrentReceivers(t *testing.T) {
	const n = 500
	b := NewBroadcaster[int](n)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		r := b.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := 0
			for {
				v, err := r.Recv(context.Background())
				if errors.Is(err, ErrChannelClosed) {
					if next != n {
						t.Errorf("receiver saw %d of %d values", next, n)
					}
					return
				}
				if err != nil {
					t.Errorf("recv: %v", err)
					return
				}
				if v != next {
					t.Errorf("expected %d, got %d", next, v)
					return
				}
				next++
			}
		}()
	}

	for i := 0; i < n; i++ {
		b.Send(i)
	}
	b.Close()
	wg.Wait()
}

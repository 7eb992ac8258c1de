package adapter

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

// CircuitState represents the health of the upstream WebSocket connection.
// The feed health monitor reads it to decide whether an instrument's data
// can be trusted.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota // healthy
	CircuitOpen                       // disconnected or reconnecting
)

// WSConfig holds tunable parameters for a WSClient.
type WSConfig struct {
	URL string

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	// HeartbeatTimeout is the maximum duration of silence before the client
	// considers the connection dead and triggers a reconnect.
	HeartbeatTimeout time.Duration

	// Backoff parameters for reconnection.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	// Lossless makes fan-out wait for slow subscribers instead of dropping
	// messages. Book feeds need every delta in order.
	Lossless bool

	// Headers sent during the WebSocket handshake.
	Headers http.Header
}

// DefaultWSConfig returns defaults suited to an exchange market data feed
// that heartbeats about once a second.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		ReadBufferSize:   16384,
		WriteBufferSize:  4096,
		HeartbeatTimeout: 10 * time.Second,
		BackoffInitial:   250 * time.Millisecond,
		BackoffMax:       30 * time.Second,
		BackoffFactor:    2.0,
	}
}

// WSClient is a resilient WebSocket connection manager. It reconnects with
// exponential backoff, treats read silence as a dead connection, and fans
// out incoming messages to subscribers.
type WSClient struct {
	cfg WSConfig
	log logrus.FieldLogger

	circuit atomic.Int32

	mu   sync.RWMutex
	conn *websocket.Conn

	// subscribers receive copies of every inbound message.
	subMu sync.RWMutex
	subs  []chan []byte

	// outbox for sending messages through the connection.
	outbox chan []byte

	hookMu      sync.RWMutex
	onReconnect []func()

	cancel    context.CancelFunc
	loops     sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSClient creates a new WebSocket client. Call Connect to start.
func NewWSClient(cfg WSConfig, log logrus.FieldLogger) *WSClient {
	ws := &WSClient{
		cfg:    cfg,
		log:    log.WithField("component", "ws"),
		outbox: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	ws.circuit.Store(int32(CircuitOpen))
	return ws
}

// Circuit returns the current connection state.
func (ws *WSClient) Circuit() CircuitState {
	return CircuitState(ws.circuit.Load())
}

// Subscribe returns a channel that receives copies of every inbound message.
// The channel is closed when the client shuts down. Subscribe before
// Connect to see the first message.
func (ws *WSClient) Subscribe() <-chan []byte {
	ch := make(chan []byte, 512)
	ws.subMu.Lock()
	ws.subs = append(ws.subs, ch)
	ws.subMu.Unlock()
	return ch
}

// OnReconnect registers fn to run after every successful reconnection,
// before any message from the new connection is fanned out.
func (ws *WSClient) OnReconnect(fn func()) {
	ws.hookMu.Lock()
	ws.onReconnect = append(ws.onReconnect, fn)
	ws.hookMu.Unlock()
}

// Send enqueues a message for delivery over the WebSocket connection.
func (ws *WSClient) Send(data []byte) {
	select {
	case ws.outbox <- data:
	default:
		ws.log.WithField("bytes", len(data)).Warn("outbox full, dropping message")
	}
}

// Connect dials the WebSocket endpoint and starts the read and write loops.
// It blocks until the initial connection succeeds or fails.
func (ws *WSClient) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	if err := ws.dial(ctx); err != nil {
		cancel()
		return err
	}
	ws.cancel = cancel
	ws.circuit.Store(int32(CircuitClosed))

	ws.loops.Add(2)
	go ws.readLoop(ctx)
	go ws.writeLoop(ctx)

	return nil
}

// Close shuts down the client, closing the underlying connection and all
// subscriber channels. It is safe to call more than once.
func (ws *WSClient) Close() {
	ws.closeOnce.Do(func() {
		if ws.cancel != nil {
			ws.cancel()
		}
		ws.mu.Lock()
		if ws.conn != nil {
			ws.conn.Close()
		}
		ws.mu.Unlock()

		ws.loops.Wait()
		ws.circuit.Store(int32(CircuitOpen))

		ws.subMu.Lock()
		for _, ch := range ws.subs {
			close(ch)
		}
		ws.subs = nil
		ws.subMu.Unlock()

		close(ws.done)
	})
}

// Done returns a channel that is closed when the client has fully shut down.
func (ws *WSClient) Done() <-chan struct{} {
	return ws.done
}

// dial establishes the WebSocket connection with TCP_NODELAY enabled.
func (ws *WSClient) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		ReadBufferSize:   ws.cfg.ReadBufferSize,
		WriteBufferSize:  ws.cfg.WriteBufferSize,
		HandshakeTimeout: 10 * time.Second,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	ws.mu.RLock()
	url := ws.cfg.URL
	ws.mu.RUnlock()

	conn, _, err := dialer.DialContext(ctx, url, ws.cfg.Headers)
	if err != nil {
		return err
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()
	return nil
}

// reconnect loops with exponential backoff until a connection is
// re-established or the context is cancelled.
func (ws *WSClient) reconnect(ctx context.Context) bool {
	ws.circuit.Store(int32(CircuitOpen))

	b := &backoff.Backoff{
		Min:    ws.cfg.BackoffInitial,
		Max:    ws.cfg.BackoffMax,
		Factor: ws.cfg.BackoffFactor,
		Jitter: true,
	}
	for {
		delay := b.Duration()
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := ws.dial(ctx); err != nil {
			ws.log.WithError(err).WithField("attempt", int(b.Attempt())).Warn("reconnect failed")
			continue
		}

		ws.circuit.Store(int32(CircuitClosed))
		ws.log.WithField("attempts", int(b.Attempt())).Info("reconnected")

		ws.hookMu.RLock()
		hooks := append([]func(){}, ws.onReconnect...)
		ws.hookMu.RUnlock()
		for _, fn := range hooks {
			fn()
		}
		return true
	}
}

// readLoop reads messages and fans them out to subscribers. It also acts as
// the heartbeat monitor: if no message arrives within HeartbeatTimeout, it
// triggers a reconnect.
func (ws *WSClient) readLoop(ctx context.Context) {
	defer ws.loops.Done()
	for {
		ws.mu.RLock()
		c := ws.conn
		ws.mu.RUnlock()

		c.SetReadDeadline(time.Now().Add(ws.cfg.HeartbeatTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ws.log.WithError(err).Warn("read error, reconnecting")
			c.Close()
			if !ws.reconnect(ctx) {
				return
			}
			continue
		}

		if !ws.fanOut(ctx, msg) {
			return
		}
	}
}

// writeLoop drains the outbox and writes messages to the connection.
func (ws *WSClient) writeLoop(ctx context.Context) {
	defer ws.loops.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ws.outbox:
			ws.mu.RLock()
			c := ws.conn
			ws.mu.RUnlock()
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				ws.log.WithError(err).Warn("write error")
			}
		}
	}
}

// fanOut delivers msg to every subscriber. In lossy mode a full subscriber
// misses the message; in lossless mode fanOut waits for it. It returns
// false once ctx is done.
func (ws *WSClient) fanOut(ctx context.Context, msg []byte) bool {
	ws.subMu.RLock()
	defer ws.subMu.RUnlock()

	for _, ch := range ws.subs {
		if ws.cfg.Lossless {
			select {
			case ch <- msg:
			case <-ctx.Done():
				return false
			}
			continue
		}
		select {
		case ch <- msg:
		default:
		}
	}
	return true
}

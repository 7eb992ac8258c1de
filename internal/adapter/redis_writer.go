package adapter

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/caesar-terminal/bookreplay/internal/engine"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is satisfied by GoRedisClient; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// GoRedisClient adapts *redis.Client to RedisClient.
type GoRedisClient struct {
	*redis.Client
}

// NewGoRedisClient connects to addr. The connection is established lazily
// by the driver; use Ping to check reachability.
func NewGoRedisClient(addr, password string, db int) *GoRedisClient {
	return &GoRedisClient{Client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// HSet writes hash fields and discards the reply count.
func (c *GoRedisClient) HSet(ctx context.Context, key string, values ...any) error {
	return c.Client.HSet(ctx, key, values...).Err()
}

// Ping checks that the server answers.
func (c *GoRedisClient) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

// topOfBook holds the last-written values for an instrument so duplicate
// writes can be skipped.
type topOfBook struct {
	Bid  string
	Ask  string
	Last string
}

// RedisWriter mirrors the live top of book of every instrument into Redis
// using the schema:
//
//	Key:    book:{instrument}
//	Fields: bid, ask, last, ts
//
// Empty sides are written as "0" and a missing last price as "". Writes
// where bid, ask and last are all unchanged are suppressed.
type RedisWriter struct {
	client RedisClient
	feed   *Receiver[TickerState]
	log    logrus.FieldLogger

	mu   sync.Mutex
	last map[string]topOfBook // keyed by Redis key
}

// NewRedisWriter creates a RedisWriter reading from feed, normally
// Registry.SubscribeAll.
func NewRedisWriter(client RedisClient, feed *Receiver[TickerState], log logrus.FieldLogger) *RedisWriter {
	return &RedisWriter{
		client: client,
		feed:   feed,
		log:    log.WithField("component", "redis"),
		last:   make(map[string]topOfBook),
	}
}

// Run writes every received state until ctx is cancelled or the feed
// closes. Lagging skips straight to the newest buffered states.
func (rw *RedisWriter) Run(ctx context.Context) {
	defer rw.feed.Close()
	for {
		ts, err := rw.feed.Recv(ctx)
		var lagged *LaggedError
		switch {
		case errors.As(err, &lagged):
			rw.log.WithField("skipped", lagged.Skipped).Debug("mirror lagging")
			continue
		case err != nil:
			return
		}
		rw.write(ctx, ts.Ticker, ts.State)
	}
}

// write extracts the top of book, checks for duplicates, and issues an HSET.
func (rw *RedisWriter) write(ctx context.Context, ticker string, st engine.State) {
	tob := topOfBook{Bid: "0", Ask: "0"}
	if p, ok := st.BestBid(); ok {
		tob.Bid = formatPrice(p)
	}
	if p, ok := st.BestAsk(); ok {
		tob.Ask = formatPrice(p)
	}
	if st.LastPrice != nil {
		tob.Last = formatPrice(*st.LastPrice)
	}

	key := "book:" + ticker

	rw.mu.Lock()
	prev, exists := rw.last[key]
	if exists && prev == tob {
		rw.mu.Unlock()
		return
	}
	rw.last[key] = tob
	rw.mu.Unlock()

	ts := strconv.FormatInt(st.Timestamp, 10)
	if err := rw.client.HSet(ctx, key, "bid", tob.Bid, "ask", tob.Ask, "last", tob.Last, "ts", ts); err != nil {
		rw.log.WithError(err).WithField("key", key).Warn("hset failed")
		rw.mu.Lock()
		delete(rw.last, key)
		rw.mu.Unlock()
	}
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

package api

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/caesar-terminal/bookreplay/internal/adapter"
	"github.com/caesar-terminal/bookreplay/internal/engine"
	"github.com/caesar-terminal/bookreplay/internal/metrics"
)

const writeTimeout = 10 * time.Second

type sessionState int

const (
	stateConnected sessionState = iota
	stateInitial
	stateStreaming
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateInitial:
		return "initial"
	case stateStreaming:
		return "streaming"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// frame is the envelope of every message sent to a live client.
type frame struct {
	Type string       `json:"type"`
	Data engine.State `json:"data"`
}

// session streams one instrument's updates to one WebSocket client.
type session struct {
	id      string
	conn    *websocket.Conn
	inst    *adapter.Instrument
	rx      *adapter.Receiver[engine.State]
	depth   int
	state   sessionState
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

func newSession(conn *websocket.Conn, inst *adapter.Instrument, rx *adapter.Receiver[engine.State], depth int, log logrus.FieldLogger, m *metrics.Metrics) *session {
	id := uuid.NewString()
	return &session{
		id:      id,
		conn:    conn,
		inst:    inst,
		rx:      rx,
		depth:   depth,
		state:   stateConnected,
		log:     log.WithFields(logrus.Fields{"session": id, "instrument": inst.Ticker}),
		metrics: m,
	}
}

// run sends the current book if both sides are populated, then every
// published update, until the client leaves, a write fails or the
// instrument's channel closes.
func (s *session) run(ctx context.Context) {
	s.metrics.SessionOpened()
	s.log.Info("live session opened")
	defer s.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.readLoop(cancel)

	if st := s.inst.Engine.State(); st.TwoSided() {
		s.transition(stateInitial)
		if err := s.send(st); err != nil {
			s.log.WithError(err).Debug("initial send failed")
			return
		}
	}
	s.transition(stateStreaming)

	for {
		st, err := s.rx.Recv(ctx)
		var lagged *adapter.LaggedError
		switch {
		case errors.As(err, &lagged):
			s.metrics.ObserveLag(s.inst.Ticker, lagged.Skipped)
			s.log.WithField("skipped", lagged.Skipped).Debug("session lagged")
			continue
		case errors.Is(err, adapter.ErrChannelClosed):
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "channel closed")
			s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		case err != nil:
			return
		}
		if err := s.send(st); err != nil {
			s.log.WithError(err).Debug("send failed")
			return
		}
	}
}

// readLoop discards client data frames. Pings are answered by the
// connection's default ping handler while reading. Any read error,
// including a close frame, ends the session.
func (s *session) readLoop(cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *session) send(st engine.State) error {
	b, err := json.Marshal(frame{Type: "orderbook", Data: st.Truncate(s.depth)})
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *session) transition(to sessionState) {
	s.log.WithFields(logrus.Fields{"from": s.state, "to": to}).Debug("session state")
	s.state = to
}

func (s *session) close() {
	s.transition(stateClosed)
	s.rx.Close()
	s.conn.Close()
	s.metrics.SessionClosed()
	s.log.Info("live session closed")
}

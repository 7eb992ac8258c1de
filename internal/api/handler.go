package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/caesar-terminal/bookreplay/internal/adapter"
	"github.com/caesar-terminal/bookreplay/internal/archive"
	"github.com/caesar-terminal/bookreplay/internal/metrics"
)

// DefaultTicker is streamed by /live when no ticker is given.
const DefaultTicker = "ZEC"

var (
	errInvalidTimestamp = errors.New("invalid timestamp format, expected a Unix timestamp (integer)")
	errInvalidDepth     = errors.New("depth must be a positive integer")
	errMissingTicker    = errors.New("ticker is required")
)

// Deps are the collaborators the HTTP surface reads from. Health, Gatherer
// and Metrics may be nil.
type Deps struct {
	Registry *adapter.Registry
	Archive  *archive.Archive
	Health   *adapter.CircuitBreaker
	Gatherer *prometheus.Registry
	Metrics  *metrics.Metrics
	Log      logrus.FieldLogger
}

// Handler serves the REST query routes, the /live stream and /metrics.
type Handler struct {
	router   *gin.Engine
	deps     Deps
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
}

// NewHandler builds the router.
func NewHandler(deps Deps) *Handler {
	router := gin.New()
	h := &Handler{
		router: router,
		deps:   deps,
		log:    deps.Log.WithField("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16384,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	router.Use(gin.Recovery(), h.requestLogger(), cors())
	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/live", h.live)
	h.router.GET("/snapshot/:ticker/:timestamp", h.getSnapshot)
	h.router.GET("/history/:ticker", h.getHistory)
	h.router.GET("/instruments", h.getInstruments)
	h.router.GET("/health", h.getHealth)
	if h.deps.Gatherer != nil {
		h.router.GET("/metrics", gin.WrapH(metrics.Handler(h.deps.Gatherer)))
	}
}

// getSnapshot returns the archived book for ticker at an exact second.
func (h *Handler) getSnapshot(c *gin.Context) {
	ticker := normalizeTicker(c.Param("ticker"))
	ts, err := strconv.ParseInt(c.Param("timestamp"), 10, 64)
	if err != nil {
		writeError(c, http.StatusBadRequest, errInvalidTimestamp)
		return
	}

	snap, err := h.deps.Archive.Get(ticker, ts)
	if err != nil {
		h.writeArchiveError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// getHistory returns the oldest and newest archived timestamps for ticker.
func (h *Handler) getHistory(c *gin.Context) {
	ticker := normalizeTicker(c.Param("ticker"))
	r, err := h.deps.Archive.HistoryRange(ticker)
	if err != nil {
		h.writeArchiveError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

type instrumentsResponse struct {
	Live     []string `json:"live"`
	Archived []string `json:"archived"`
}

func (h *Handler) getInstruments(c *gin.Context) {
	archived, err := h.deps.Archive.Instruments()
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, instrumentsResponse{
		Live:     h.deps.Registry.Instruments(),
		Archived: archived,
	})
}

type healthResponse struct {
	Status      string                 `json:"status"`
	Instruments []adapter.HealthStatus `json:"instruments"`
}

// getHealth reports feed health per instrument. It answers 503 when any
// instrument is unhealthy.
func (h *Handler) getHealth(c *gin.Context) {
	resp := healthResponse{Status: "ok", Instruments: []adapter.HealthStatus{}}
	if h.deps.Health != nil {
		resp.Instruments = h.deps.Health.Statuses()
	}
	code := http.StatusOK
	for _, st := range resp.Instruments {
		if !st.Healthy {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(code, resp)
}

// live upgrades to a WebSocket and streams one instrument's book.
func (h *Handler) live(c *gin.Context) {
	ticker := normalizeTicker(c.DefaultQuery("ticker", DefaultTicker))
	if ticker == "" {
		writeError(c, http.StatusBadRequest, errMissingTicker)
		return
	}
	depth := 0
	if raw := c.Query("depth"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d <= 0 {
			writeError(c, http.StatusBadRequest, errInvalidDepth)
			return
		}
		depth = d
	}

	inst := h.deps.Registry.Instrument(ticker)
	// Subscribe before the handshake completes so no update published
	// after the client sees 101 is missed.
	rx := inst.Updates.Subscribe()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		rx.Close()
		h.log.WithError(err).WithField("instrument", ticker).Warn("websocket upgrade failed")
		return
	}

	s := newSession(conn, inst, rx, depth, h.log, h.deps.Metrics)
	s.run(c.Request.Context())
}

func (h *Handler) writeArchiveError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, archive.ErrNotFound):
		writeError(c, http.StatusNotFound, err)
	case errors.Is(err, archive.ErrInvalidInstrument):
		writeError(c, http.StatusBadRequest, err)
	default:
		h.log.WithError(err).Error("archive query failed")
		writeError(c, http.StatusInternalServerError, err)
	}
}

func writeError(c *gin.Context, status int, err error) {
	if err == nil {
		status = http.StatusInternalServerError
		err = errors.New("unknown error")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "status": status})
}

func normalizeTicker(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

// cors allows any origin. The API is read-only.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		hdr := c.Writer.Header()
		hdr.Set("Access-Control-Allow-Origin", "*")
		hdr.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		hdr.Set("Access-Control-Allow-Headers", "*")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("request")
	}
}

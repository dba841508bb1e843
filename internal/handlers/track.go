package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fleettrack/internal/metrics"
	"fleettrack/internal/refresh"
	"fleettrack/internal/selection"
	"fleettrack/internal/tracking"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	// must be less than pongWait
	pingPeriod  = (pongWait * 9) / 10
	sendBufSize = 32
	maxCommand  = 1024
)

var errSendBufferFull = errors.New("send buffer full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Command is a message sent by a connected view
type Command struct {
	Type      string `json:"type" validate:"required,oneof=select deselect retry"`
	Source    string `json:"source" validate:"omitempty,oneof=list map"`
	VehicleID *int   `json:"vehicleid"`
}

// TrackHandler serves one tracking session per WebSocket connection
type TrackHandler struct {
	source   tracking.DataSource
	logger   *zap.Logger
	metrics  *metrics.Metrics
	refresh  []refresh.Option
	validate *validator.Validate
}

// NewTrackHandler creates a new handler. Refresh options are applied to the
// scheduler of every session.
func NewTrackHandler(source tracking.DataSource, logger *zap.Logger, m *metrics.Metrics, opts ...refresh.Option) *TrackHandler {
	return &TrackHandler{
		source:   source,
		logger:   logger,
		metrics:  m,
		refresh:  opts,
		validate: validator.New(),
	}
}

// Track handles GET /users/:id/track
func (h *TrackHandler) Track(c *gin.Context) {
	var uri userURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader has already written the error response
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := newClient(conn)
	go cl.writePump()
	defer cl.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := tracking.NewSession(h.source, cl,
		tracking.WithLogger(h.logger.With(zap.Int("user_id", uri.ID))),
		tracking.WithMetrics(h.metrics),
		tracking.WithRefreshOptions(h.refresh...),
	)
	defer session.Close()

	h.logger.Debug("tracking session opened", zap.Int("user_id", uri.ID))
	// a failed load has already been reported to the view
	_ = session.Load(ctx, uri.ID)

	cl.readPump(func(data []byte) {
		h.handleCommand(ctx, session, data)
	})
	h.logger.Debug("tracking session closed", zap.Int("user_id", uri.ID))
}

func (h *TrackHandler) handleCommand(ctx context.Context, session *tracking.Session, data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		h.logger.Warn("invalid command", zap.Error(err))
		return
	}
	if err := h.validate.Struct(cmd); err != nil {
		h.logger.Warn("invalid command", zap.String("type", cmd.Type), zap.Error(err))
		return
	}

	source, _ := selection.ParseSource(cmd.Source)

	var err error
	switch cmd.Type {
	case "select":
		err = session.Select(source, cmd.VehicleID)
	case "deselect":
		err = session.Select(source, nil)
	case "retry":
		err = session.Retry(ctx)
	}
	if err != nil {
		h.logger.Debug("command failed", zap.String("type", cmd.Type), zap.Error(err))
	}
}

// client is one WebSocket connection and its outgoing queue
type client struct {
	conn *websocket.Conn
	send chan []byte
	// how long Emit waits for room in send for events that must not be lost
	criticalWait time.Duration

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn:         conn,
		send:         make(chan []byte, sendBufSize),
		criticalWait: writeTimeout,
	}
}

// critical reports whether ev must not be dropped on a full queue
func critical(ev tracking.Event) bool {
	return ev.Type == tracking.EventSnapshot || ev.Type == tracking.EventProblem
}

// Emit queues an event. Snapshot and problem events wait up to criticalWait
// for room in the queue; any other event is dropped when the queue is full.
func (cl *client) Emit(ev tracking.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed {
		return net.ErrClosed
	}
	select {
	case cl.send <- data:
		return nil
	default:
	}
	if !critical(ev) {
		return errSendBufferFull
	}

	timer := time.NewTimer(cl.criticalWait)
	defer timer.Stop()
	select {
	case cl.send <- data:
		return nil
	case <-timer.C:
		return fmt.Errorf("%s event: %w", ev.Type, errSendBufferFull)
	}
}

func (cl *client) close() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if !cl.closed {
		cl.closed = true
		close(cl.send)
	}
}

// writePump forwards queued events and sends periodic pings
func (cl *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump hands every text frame to handle. Blocks until the connection
// closes.
func (cl *client) readPump(handle func([]byte)) {
	defer cl.conn.Close()
	cl.conn.SetReadLimit(maxCommand)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		typ, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		if typ == websocket.TextMessage {
			handle(data)
		}
	}
}

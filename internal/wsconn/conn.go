// Package wsconn wraps a gorilla WebSocket with a buffered, non-blocking send
// queue drained by a single writer goroutine.
package wsconn

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// SendBuffer is the number of outbound frames queued per connection.
	SendBuffer = 256
	// DefaultMaxFrameBytes bounds inbound frames; base64 attachments make chat frames large.
	DefaultMaxFrameBytes = 16 << 20
)

// Conn is safe for concurrent Send calls. Reads must happen on one goroutine.
type Conn struct {
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	finished chan struct{}
	logger   *slog.Logger
	maxFrame int64

	startOnce sync.Once
	closeOnce sync.Once
	started   bool
	dropped   int64
	mu        sync.Mutex
}

// New wraps ws. maxFrameBytes <= 0 selects DefaultMaxFrameBytes.
func New(ws *websocket.Conn, maxFrameBytes int64, logger *slog.Logger) *Conn {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		ws:       ws,
		send:     make(chan []byte, SendBuffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		logger:   logger,
		maxFrame: maxFrameBytes,
	}
}

// Start launches the writer goroutine.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()
		go c.writePump()
	})
}

// Send queues frame without blocking. It returns false when the queue is
// full or the connection is closing; the frame is dropped in both cases.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.mu.Lock()
		c.dropped++
		dropped := c.dropped
		c.mu.Unlock()
		c.logger.Warn("send queue full, dropping frame", "dropped_total", dropped)
		return false
	}
}

// SendJSON encodes v and queues it.
func (c *Conn) SendJSON(v any) bool {
	frame, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("encode outbound frame", "err", err)
		return false
	}
	return c.Send(frame)
}

// ReadLoop reads text frames and passes each to handle until the peer goes
// away or a read fails. The returned error is never nil.
func (c *Conn) ReadLoop(handle func([]byte)) error {
	c.ws.SetReadLimit(c.maxFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		handle(data)
	}
}

// Close flushes queued frames, sends a normal close frame and releases the
// socket. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if started {
			<-c.finished
			return
		}
		_ = c.ws.Close()
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.finished)
	}()
	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.logWriteError(err)
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logWriteError(err)
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

func (c *Conn) logWriteError(err error) {
	if IsExpectedClose(err) {
		c.logger.Debug("websocket write after close", "err", err)
		return
	}
	c.logger.Warn("websocket write failed", "err", err)
}

// IsExpectedClose reports whether err is an ordinary end of connection rather
// than a fault worth logging above debug.
func IsExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent)
}

// LogReadEnd logs why a read loop ended at a level matching its cause.
func LogReadEnd(logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		logger.Warn("inbound frame exceeded size limit", "err", err)
	case IsExpectedClose(err):
		logger.Debug("peer disconnected", "err", err)
	default:
		logger.Info("websocket read ended", "err", err)
	}
}

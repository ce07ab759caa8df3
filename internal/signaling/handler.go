// Package signaling relays WebRTC negotiation frames between peers of a room.
// Connections are accepted without authentication; peers identify themselves
// on join-room or receive a generated id.
package signaling

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"roomrelay/internal/registry"
	"roomrelay/internal/util"
	"roomrelay/internal/wsconn"
	"roomrelay/pkg/store"
)

// MemberIDLength is the length of generated member ids.
const MemberIDLength = 8

// Config wires dependencies for the signaling handler.
type Config struct {
	Store         store.Store
	Registry      *registry.Registry
	MaxFrameBytes int64
	CheckOrigin   func(*http.Request) bool
}

// Handler upgrades signaling connections and runs one session per connection.
type Handler struct {
	store         store.Store
	registry      *registry.Registry
	maxFrameBytes int64
	upgrader      websocket.Upgrader
}

// NewHandler validates cfg and builds a handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("signaling: store required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("signaling: registry required")
	}
	return &Handler{
		store:         cfg.Store,
		registry:      cfg.Registry,
		maxFrameBytes: cfg.MaxFrameBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}, nil
}

// GroupKey is the registry key for a signaling room.
func GroupKey(roomID string) string {
	return "room_" + roomID
}

// ServeHTTP accepts the connection immediately. An optional {roomID} path
// value becomes the default room for join-room frames that omit one.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defaultRoom := strings.TrimSpace(r.PathValue("roomID"))
	logger := util.LoggerFromContext(r.Context()).With("protocol", "signaling")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("signaling upgrade failed", "err", err)
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	conn := wsconn.New(ws, h.maxFrameBytes, logger)
	conn.Start()
	newSession(ctx, h, conn, defaultRoom, logger).run()
}

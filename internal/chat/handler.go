// Package chat serves the authenticated room chat protocol over WebSocket.
package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"roomrelay/internal/ratelimit"
	"roomrelay/internal/registry"
	"roomrelay/internal/token"
	"roomrelay/internal/util"
	"roomrelay/internal/wsauth"
	"roomrelay/internal/wsconn"
	"roomrelay/pkg/storage"
	"roomrelay/pkg/store"
)

const (
	// DefaultHistoryLimit is the number of messages replayed on join.
	DefaultHistoryLimit = 50
	// MaxPageSize caps fetch_messages pages.
	MaxPageSize     = 50
	defaultPageSize = 20
	storeTimeout    = 10 * time.Second
)

// Config wires dependencies for the chat handler. Objects, Limiter and
// Tokens are optional.
type Config struct {
	Store              store.Store
	Registry           *registry.Registry
	Auth               *wsauth.Authenticator
	Tokens             *token.Issuer
	Objects            storage.ObjectStore
	Limiter            ratelimit.Limiter
	HistoryLimit       int
	MaxFrameBytes      int64
	MaxAttachmentBytes int64
	CheckOrigin        func(*http.Request) bool
}

// Handler upgrades chat connections and runs one session per connection.
type Handler struct {
	store              store.Store
	registry           *registry.Registry
	auth               *wsauth.Authenticator
	tokens             *token.Issuer
	objects            storage.ObjectStore
	limiter            ratelimit.Limiter
	historyLimit       int
	maxFrameBytes      int64
	maxAttachmentBytes int64
	upgrader           websocket.Upgrader
}

// NewHandler validates cfg and builds a handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("chat: store required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("chat: registry required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("chat: authenticator required")
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 || historyLimit > MaxPageSize {
		historyLimit = DefaultHistoryLimit
	}
	maxAttachment := cfg.MaxAttachmentBytes
	if maxAttachment <= 0 {
		maxAttachment = DefaultMaxAttachmentBytes
	}
	return &Handler{
		store:              cfg.Store,
		registry:           cfg.Registry,
		auth:               cfg.Auth,
		tokens:             cfg.Tokens,
		objects:            cfg.Objects,
		limiter:            cfg.Limiter,
		historyLimit:       historyLimit,
		maxFrameBytes:      cfg.MaxFrameBytes,
		maxAttachmentBytes: maxAttachment,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}, nil
}

// GroupKey is the registry key for a chat room.
func GroupKey(roomID string) string {
	return "chat_" + roomID
}

// ServeHTTP expects the room id in the {roomID} path value.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(r.PathValue("roomID"))
	if roomID == "" {
		http.Error(w, "room id required", http.StatusBadRequest)
		return
	}
	logger := util.LoggerFromContext(r.Context()).With("room_id", roomID, "protocol", "chat")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("chat upgrade failed", "err", err)
		return
	}

	// Hijacked connections outlive the request context.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	authCtx, authCancel := context.WithTimeout(ctx, storeTimeout)
	user, err := h.auth.Authenticate(authCtx, r.URL.RawQuery)
	authCancel()
	if err != nil {
		wsauth.Reject(ws, logger, err)
		return
	}

	conn := wsconn.New(ws, h.maxFrameBytes, logger)
	conn.Start()
	sess := newSession(ctx, h, conn, user, roomID, logger.With("user_id", user.ID))
	sess.run()
}

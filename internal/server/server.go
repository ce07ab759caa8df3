package server

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"roomrelay/internal/ratelimit"
	"roomrelay/internal/util"
	"roomrelay/pkg/storage"
	"roomrelay/pkg/store"
)

// Config wires required dependencies for the HTTP server. Objects,
// UpgradeLimiter and TrustedProxies are optional.
type Config struct {
	Store          store.Store
	Chat           http.Handler
	Signaling      http.Handler
	Objects        storage.ObjectStore
	UpgradeLimiter ratelimit.Limiter
	Origins        *util.OriginPolicy
	TrustedProxies *util.TrustedProxies
}

// Server exposes the WebSocket endpoints and a small JSON API.
type Server struct {
	store          store.Store
	chat           http.Handler
	signaling      http.Handler
	objects        storage.ObjectStore
	upgradeLimiter ratelimit.Limiter
	origins        *util.OriginPolicy
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: store required")
	}
	if cfg.Chat == nil || cfg.Signaling == nil {
		return nil, errors.New("server: chat and signaling handlers required")
	}
	origins := cfg.Origins
	if origins == nil {
		origins = util.NewOriginPolicy(nil)
	}
	s := &Server{
		store:          cfg.Store,
		chat:           cfg.Chat,
		signaling:      cfg.Signaling,
		objects:        cfg.Objects,
		upgradeLimiter: cfg.UpgradeLimiter,
		origins:        origins,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.origins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// websockets
	s.mux.Handle("GET /ws/chat/{roomID}", s.limitUpgrades(s.chat))
	s.mux.Handle("GET /ws/signaling", s.limitUpgrades(s.signaling))
	s.mux.Handle("GET /ws/signaling/{roomID}", s.limitUpgrades(s.signaling))

	// api
	s.mux.HandleFunc("GET /api/rooms/{roomID}/status", s.handleRoomStatus)
	s.mux.HandleFunc("GET /api/attachments/{id}", s.handleAttachment)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) limitUpgrades(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.upgradeLimiter != nil {
			ip := util.ClientIP(r, s.trustedProxies)
			if !s.upgradeLimiter.Allow(r.Context(), "upgrade:"+ip) {
				s.audit(r, "relay.upgrade", "rate_limited", "ip", ip)
				writeError(w, http.StatusTooManyRequests, "too many connection attempts")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type roomStatus struct {
	RoomID           string `json:"room_id"`
	ParticipantCount int    `json:"participant_count"`
	OnlineCount      int    `json:"online_count"`
	IsActive         bool   `json:"is_active"`
}

func (s *Server) handleRoomStatus(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(r.PathValue("roomID"))
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "room id required")
		return
	}
	room, ok, err := s.store.GetRoom(r.Context(), roomID)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("load room", "room_id", roomID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load room")
		return
	}
	status := roomStatus{RoomID: roomID}
	if ok {
		total, online, err := s.store.CountParticipants(r.Context(), roomID)
		if err != nil {
			util.LoggerFromContext(r.Context()).Error("count participants", "room_id", roomID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to load room")
			return
		}
		status.ParticipantCount = total
		status.OnlineCount = online
		status.IsActive = room.IsActive
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	att, ok, err := s.store.GetAttachment(r.Context(), id)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("load attachment", "attachment_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load attachment")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "attachment not found")
		return
	}
	switch {
	case att.FileURL != "":
		http.Redirect(w, r, att.FileURL, http.StatusFound)
	case att.StorageKey != "":
		if s.objects == nil {
			writeError(w, http.StatusServiceUnavailable, "object storage not configured")
			return
		}
		u, err := s.objects.PresignGet(r.Context(), att.StorageKey, storage.AttachmentURLExpiry)
		if err != nil {
			util.LoggerFromContext(r.Context()).Error("presign attachment", "attachment_id", id, "err", err)
			writeError(w, http.StatusBadGateway, "failed to sign attachment url")
			return
		}
		http.Redirect(w, r, u, http.StatusFound)
	default:
		contentType := att.FileType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(att.Data)))
		w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": att.OriginalFilename}))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(att.Data)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		util.LoggerFromContext(r.Context()).Info("security_event", logAttrs...)
		return
	}
	util.LoggerFromContext(r.Context()).Warn("security_event", logAttrs...)
}

package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"roomrelay/internal/registry"
	"roomrelay/internal/util"
	"roomrelay/internal/wsconn"
)

const storeTimeout = 10 * time.Second

type state int

const (
	stateConnected state = iota
	stateJoined
	stateClosed
)

// session is one signaling connection. Frames are handled on the read
// goroutine; Deliver may be called from any goroutine, so identity fields
// are guarded by mu.
type session struct {
	ctx         context.Context
	h           *Handler
	conn        *wsconn.Conn
	defaultRoom string
	logger      *slog.Logger

	mu       sync.Mutex
	state    state
	roomID   string
	memberID string

	closeOnce sync.Once
}

func newSession(ctx context.Context, h *Handler, conn *wsconn.Conn, defaultRoom string, logger *slog.Logger) *session {
	return &session{
		ctx:         ctx,
		h:           h,
		conn:        conn,
		defaultRoom: defaultRoom,
		logger:      logger,
		state:       stateConnected,
	}
}

// identity returns the current room and member id; ok is false unless joined.
func (s *session) identity() (roomID, memberID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID, s.memberID, s.state == stateJoined
}

// setState is the single place session identity changes.
func (s *session) setState(to state, roomID, memberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = to
	s.roomID = roomID
	s.memberID = memberID
}

// Deliver implements registry.Member. Relayed frames reach only the session
// they are addressed to and never bounce back to their sender.
func (s *session) Deliver(ev registry.Event) bool {
	if parseKind(ev.Type) == kindRelay {
		_, self, ok := s.identity()
		if !ok || ev.Target != self || ev.Actor == self {
			return true
		}
	}
	return s.conn.Send(ev.Frame)
}

func (s *session) run() {
	defer s.close()
	err := s.conn.ReadLoop(s.handleFrame)
	wsconn.LogReadEnd(s.logger, err)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.leave()
		s.setState(stateClosed, "", "")
		s.conn.Close()
	})
}

func (s *session) handleFrame(data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("signaling frame handler panic", "panic", rec, "stack", string(debug.Stack()))
			s.sendError(fmt.Sprintf("internal error: %v", rec))
		}
	}()
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		s.sendError("Invalid message format")
		return
	}
	switch parseKind(in.Type) {
	case kindJoinRoom:
		s.join(in)
	case kindLeaveRoom:
		if _, _, ok := s.identity(); !ok {
			s.logger.Debug("leave-room before join")
			return
		}
		s.leave()
	case kindRelay:
		s.relay(in)
	default:
		s.logger.Info("unknown signaling frame type", "type", in.Type)
	}
}

func (s *session) join(in inboundFrame) {
	roomID := strings.TrimSpace(in.RoomID)
	memberID := strings.TrimSpace(in.UserID)
	if len(in.Data) > 0 && (roomID == "" || memberID == "") {
		var nested joinData
		if err := json.Unmarshal(in.Data, &nested); err == nil {
			if roomID == "" {
				roomID = strings.TrimSpace(nested.RoomID)
			}
			if memberID == "" {
				memberID = strings.TrimSpace(nested.UserID)
			}
		}
	}
	if roomID == "" {
		roomID = s.defaultRoom
	}
	if roomID == "" {
		s.sendError("roomId is required")
		return
	}
	if memberID == "" {
		memberID = util.NewShortID(MemberIDLength)
	}
	if _, _, joined := s.identity(); joined {
		s.leave()
	}

	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	if _, err := s.h.store.GetOrCreateRoom(ctx, roomID); err != nil {
		s.logger.Error("get or create room", "room_id", roomID, "err", err)
		s.sendError("Failed to join room")
		return
	}
	if err := s.h.store.UpsertParticipant(ctx, roomID, memberID, true); err != nil {
		s.logger.Error("mark participant connected", "room_id", roomID, "user_id", memberID, "err", err)
		s.sendError("Failed to join room")
		return
	}

	key := GroupKey(roomID)
	existing := withoutMember(s.h.registry.Members(key, s), memberID)
	displaced := s.h.registry.Join(key, memberID, s)
	s.setState(stateJoined, roomID, memberID)
	if prev, ok := displaced.(*session); ok {
		prev.displace(roomID, memberID)
	}
	if _, id, ok := s.h.registry.FindByHandle(s); !ok || id != memberID {
		// Displaced by a newer connection before the state change landed.
		s.displace(roomID, memberID)
		return
	}
	s.logger.Info("peer joined room", "room_id", roomID, "user_id", memberID, "participants", len(existing))

	s.broadcastPresence(key, typeUserJoined, memberID)
	s.conn.SendJSON(roomJoinedFrame{
		Type:         typeRoomJoined,
		RoomID:       roomID,
		UserID:       memberID,
		Participants: existing,
	})
}

// displace drops the session back to Connected after another connection
// joined roomID under the same member id. The newcomer owns the registry entry
// and the participant row, so nothing is broadcast or persisted here.
func (s *session) displace(roomID, memberID string) {
	s.mu.Lock()
	if s.state != stateJoined || s.roomID != roomID || s.memberID != memberID {
		s.mu.Unlock()
		return
	}
	s.state = stateConnected
	s.roomID = ""
	s.memberID = ""
	s.mu.Unlock()
	s.logger.Info("member id taken over by another connection", "room_id", roomID, "user_id", memberID)
	s.sendError(fmt.Sprintf("userId %s joined from another connection", memberID))
}

func withoutMember(ids []string, memberID string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != memberID {
			out = append(out, id)
		}
	}
	return out
}

// leave deregisters the session, tells the room and marks the participant
// row disconnected. It is a no-op when the session is not registered.
func (s *session) leave() {
	roomID, memberID, joined := s.identity()
	s.setState(stateConnected, "", "")
	key, id, found := s.h.registry.FindByHandle(s)
	if !found {
		if joined {
			s.logger.Info("leave skipped, member id owned by another connection", "room_id", roomID, "user_id", memberID)
		}
		return
	}
	s.h.registry.Leave(key, id)
	memberID = id
	roomID = strings.TrimPrefix(key, "room_")

	s.broadcastPresence(key, typeUserLeft, memberID)
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	if err := s.h.store.UpsertParticipant(ctx, roomID, memberID, false); err != nil {
		s.logger.Error("mark participant disconnected", "room_id", roomID, "user_id", memberID, "err", err)
	}
	s.logger.Info("peer left room", "room_id", roomID, "user_id", memberID)
}

func (s *session) relay(in inboundFrame) {
	roomID, self, ok := s.identity()
	if !ok {
		s.logger.Info("relay before join ignored", "type", in.Type)
		return
	}
	to := strings.TrimSpace(in.To)
	if to == "" {
		s.logger.Info("relay without target ignored", "type", in.Type)
		return
	}
	frame, err := json.Marshal(relayFrame{Type: in.Type, From: self, To: to, Data: in.Data})
	if err != nil {
		s.sendError("Invalid message format")
		return
	}
	ev := registry.Event{Type: in.Type, Actor: self, Target: to, Frame: frame}
	if !s.h.registry.SendTo(GroupKey(roomID), to, ev) {
		s.logger.Debug("relay target not in room", "type", in.Type, "to", to)
	}
}

func (s *session) broadcastPresence(key, eventType, memberID string) {
	frame, err := json.Marshal(presenceFrame{Type: eventType, UserID: memberID, Data: peerData{UserID: memberID}})
	if err != nil {
		s.logger.Error("encode presence frame", "err", err)
		return
	}
	s.h.registry.Broadcast(key, registry.Event{Type: eventType, Actor: memberID, Frame: frame}, s)
}

func (s *session) sendError(msg string) {
	s.conn.SendJSON(errorFrame{Type: typeError, Message: msg})
}

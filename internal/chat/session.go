package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"roomrelay/internal/registry"
	"roomrelay/internal/util"
	"roomrelay/internal/wsconn"
	"roomrelay/pkg/domain"
)

type state int

const (
	stateConnecting state = iota
	stateAuthenticated
	stateActive
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticated:
		return "authenticated"
	case stateActive:
		return "active"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// session is one authenticated chat connection. Everything except Deliver
// runs on the connection's read goroutine.
type session struct {
	ctx    context.Context
	h      *Handler
	conn   *wsconn.Conn
	user   domain.User
	roomID string
	id     string
	logger *slog.Logger

	state     state
	closeOnce sync.Once

	// Events delivered before the initial history is sent wait in pending.
	mu      sync.Mutex
	live    bool
	pending []registry.Event
}

func newSession(ctx context.Context, h *Handler, conn *wsconn.Conn, user domain.User, roomID string, logger *slog.Logger) *session {
	return &session{
		ctx:    ctx,
		h:      h,
		conn:   conn,
		user:   user,
		roomID: roomID,
		id:     util.NewID(),
		logger: logger,
		state:  stateAuthenticated,
	}
}

func (s *session) transition(to state) bool {
	allowed := false
	switch to {
	case stateActive:
		allowed = s.state == stateAuthenticated
	case stateClosed:
		allowed = s.state != stateClosed
	}
	if !allowed {
		s.logger.Warn("invalid chat session transition", "from", s.state.String(), "to", to.String())
		return false
	}
	s.state = to
	return true
}

func (s *session) groupKey() string { return GroupKey(s.roomID) }

// Deliver implements registry.Member. Presence events about this session's
// own user are not echoed back to it.
func (s *session) Deliver(ev registry.Event) bool {
	if (ev.Type == typeUserJoin || ev.Type == typeUserLeave) && ev.Actor == s.user.ID {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live {
		if len(s.pending) >= wsconn.SendBuffer {
			return false
		}
		s.pending = append(s.pending, ev)
		return true
	}
	return s.conn.Send(ev.Frame)
}

// goLive flushes events that arrived while the initial history was loading,
// skipping messages the history already contained.
func (s *session) goLive(inHistory map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.pending {
		if _, dup := inHistory[ev.ID]; dup && ev.ID != "" {
			continue
		}
		s.conn.Send(ev.Frame)
	}
	s.pending = nil
	s.live = true
}

func (s *session) run() {
	defer s.close()
	if !s.activate() {
		return
	}
	err := s.conn.ReadLoop(s.handleFrame)
	wsconn.LogReadEnd(s.logger, err)
}

func (s *session) activate() bool {
	if !s.transition(stateActive) {
		return false
	}
	s.h.registry.Join(s.groupKey(), s.id, s)
	s.logger.Info("chat session active", "conn_id", s.id)

	s.conn.SendJSON(connectionEstablishedFrame{
		Type:    typeConnectionEstablished,
		Message: "Connected to chat room",
		UserID:  s.user.ID,
		RoomID:  s.roomID,
	})
	s.goLive(s.sendHistory(s.h.historyLimit, 0, false))
	s.broadcastPresence(typeUserJoin, "joined the chat")
	return true
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		wasActive := s.state == stateActive
		s.transition(stateClosed)
		if wasActive {
			s.h.registry.Leave(s.groupKey(), s.id)
			s.broadcastPresence(typeUserLeave, "left the chat")
		}
		s.conn.Close()
		s.logger.Info("chat session closed", "conn_id", s.id)
	})
}

func (s *session) handleFrame(data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("chat frame handler panic", "panic", rec, "stack", string(debug.Stack()))
			s.sendNotice(typeError, fmt.Sprintf("internal error: %v", rec))
		}
	}()
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		s.sendNotice(typeError, "Invalid message format")
		return
	}
	switch parseKind(in.Type) {
	case kindMessage:
		s.handleMessage(in)
	case kindFetchMessages:
		s.handleFetch(in)
	case kindRefreshToken:
		s.handleRefresh(in)
	case kindJoin:
		// already joined on connect
	default:
		s.logger.Info("unknown chat frame type", "type", in.Type)
		s.sendNotice(typeError, "Unknown message type: "+in.Type)
	}
}

func (s *session) handleMessage(in inboundFrame) {
	text := in.Message
	if strings.TrimSpace(text) == "" && len(in.Media) == 0 {
		return
	}
	if s.h.limiter != nil && !s.h.limiter.Allow(s.ctx, s.roomID+":"+s.user.ID) {
		s.sendNotice(typeError, "rate limit exceeded")
		return
	}
	var body *string
	if strings.TrimSpace(text) != "" {
		body = &text
	}
	results := decodeMedia(in.Media, s.h.maxAttachmentBytes)

	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	msg, err := s.h.store.CreateMessage(ctx, s.roomID, s.user.ID, body, domain.SenderTypeUser)
	if err != nil {
		s.logger.Error("persist chat message", "err", err)
		s.sendNotice(typeError, "Failed to save message")
		return
	}

	saved := make([]domain.Attachment, 0, len(results))
	for _, res := range results {
		if res.err != nil {
			s.logger.Warn("skip attachment", "index", res.index, "err", res.err)
			continue
		}
		att, err := placeAttachment(ctx, s.h.objects, msg, res.attachment)
		if err == nil {
			att, err = s.h.store.CreateAttachment(ctx, att)
		}
		if err != nil {
			s.logger.Warn("skip attachment", "index", res.index, "err", err)
			continue
		}
		saved = append(saved, att)
	}

	frame, err := json.Marshal(chatMessageFrame{
		Type:      typeChatMessage,
		ID:        msg.ID,
		Username:  displayName(s.user),
		Message:   msg.BodyText(),
		Media:     describeAttachments(ctx, s.h.objects, saved),
		SenderID:  s.user.ID,
		Timestamp: msg.CreatedAt,
	})
	if err != nil {
		s.sendNotice(typeError, "Failed to encode message")
		return
	}
	s.h.registry.Broadcast(s.groupKey(), registry.Event{Type: typeChatMessage, ID: msg.ID, Actor: s.user.ID, Frame: frame}, nil)
}

func (s *session) handleFetch(in inboundFrame) {
	limit := defaultPageSize
	if in.Limit != nil {
		limit = min(max(*in.Limit, 1), MaxPageSize)
	}
	offset := 0
	if in.Offset != nil && *in.Offset > 0 {
		offset = *in.Offset
	}
	s.sendHistory(limit, offset, true)
}

// sendHistory replies with one page in chronological order and returns the
// ids it contained. Paged replies also carry offset, limit and has_more.
func (s *session) sendHistory(limit, offset int, paged bool) map[string]struct{} {
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	msgs, err := s.h.store.ListMessages(ctx, s.roomID, limit, offset)
	if err == nil {
		var total int
		total, err = s.h.store.CountMessages(ctx, s.roomID)
		if err == nil {
			ids := make(map[string]struct{}, len(msgs))
			for _, m := range msgs {
				ids[m.ID] = struct{}{}
			}
			s.conn.SendJSON(s.historyPage(ctx, msgs, total, limit, offset, paged))
			return ids
		}
	}
	s.logger.Error("load chat history", "err", err)
	s.sendNotice(typeError, "Failed to load messages")
	return nil
}

func (s *session) historyPage(ctx context.Context, msgs []domain.Message, total, limit, offset int, paged bool) historyFrame {
	slices.Reverse(msgs)
	items := make([]historyMessage, 0, len(msgs))
	for _, m := range msgs {
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderID
		}
		items = append(items, historyMessage{
			ID:         m.ID,
			Message:    m.BodyText(),
			Sender:     sender,
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			CreatedAt:  m.CreatedAt,
			Media:      describeAttachments(ctx, s.h.objects, m.Attachments),
		})
	}
	frame := historyFrame{Type: typeMessageHistory, Messages: items, Total: total}
	if paged {
		hasMore := offset+len(items) < total
		frame.Offset = &offset
		frame.Limit = &limit
		frame.HasMore = &hasMore
	}
	return frame
}

func (s *session) handleRefresh(in inboundFrame) {
	if s.h.tokens == nil {
		s.sendNotice(typeTokenError, "Token refresh is not available")
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	pair, err := s.h.tokens.Refresh(ctx, in.RefreshToken)
	if err != nil {
		s.logger.Info("chat token refresh failed", "err", err)
		s.sendNotice(typeTokenError, "Invalid refresh token")
		return
	}
	s.conn.SendJSON(tokenRefreshedFrame{
		Type:         typeTokenRefreshed,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (s *session) broadcastPresence(eventType, verb string) {
	name := displayName(s.user)
	frame, err := json.Marshal(presenceFrame{
		Type:      eventType,
		Message:   name + " " + verb,
		UserID:    s.user.ID,
		UserName:  name,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("encode presence frame", "err", err)
		return
	}
	s.h.registry.Broadcast(s.groupKey(), registry.Event{Type: eventType, Actor: s.user.ID, Frame: frame}, s)
}

func (s *session) sendNotice(frameType, msg string) {
	s.conn.SendJSON(noticeFrame{Type: frameType, Message: msg})
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"roomrelay/pkg/domain"
)

type participantKey struct {
	roomID string
	userID string
}

// MemoryStore keeps rooms, messages and participants in-process.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]domain.User
	rooms        map[string]domain.Room
	messages     map[string][]domain.Message // room ID -> messages in creation order
	attachments  map[string]domain.Attachment
	byMessage    map[string][]string // message ID -> attachment IDs
	participants map[participantKey]domain.RoomParticipant
	now          func() time.Time
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]domain.User),
		rooms:        make(map[string]domain.Room),
		messages:     make(map[string][]domain.Message),
		attachments:  make(map[string]domain.Attachment),
		byMessage:    make(map[string][]string),
		participants: make(map[participantKey]domain.RoomParticipant),
		now:          time.Now,
	}
}

// SaveUser stores or replaces a user.
func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now().UTC()
	}
	m.users[u.ID] = u
	return nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetOrCreateRoom returns the room with id key, creating it when absent.
func (m *MemoryStore) GetOrCreateRoom(_ context.Context, key string) (domain.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureRoomLocked(key), nil
}

func (m *MemoryStore) ensureRoomLocked(key string) domain.Room {
	room, ok := m.rooms[key]
	if !ok {
		room = domain.Room{ID: key, Name: key, IsActive: true, CreatedAt: m.now().UTC()}
		m.rooms[key] = room
	}
	return room
}

// GetRoom returns a room by ID.
func (m *MemoryStore) GetRoom(_ context.Context, id string) (domain.Room, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	return room, ok, nil
}

// CreateMessage appends a message with a creation time strictly after the room's latest one.
func (m *MemoryStore) CreateMessage(_ context.Context, roomID, senderID string, body *string, senderType string) (domain.Message, error) {
	if senderType == "" {
		senderType = domain.SenderTypeUser
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureRoomLocked(roomID)

	createdAt := m.now().UTC().Truncate(time.Microsecond)
	if existing := m.messages[roomID]; len(existing) > 0 {
		latest := existing[len(existing)-1].CreatedAt
		if !createdAt.After(latest) {
			createdAt = latest.Add(time.Microsecond)
		}
	}
	msg := domain.Message{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		SenderID:   senderID,
		SenderName: m.users[senderID].Name,
		Body:       body,
		SenderType: senderType,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
	m.messages[roomID] = append(m.messages[roomID], msg)
	return msg, nil
}

// CreateAttachment stores an attachment for an existing message.
func (m *MemoryStore) CreateAttachment(_ context.Context, att domain.Attachment) (domain.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasMessageLocked(att.MessageID) {
		return domain.Attachment{}, ErrNotFound
	}
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = m.now().UTC()
	}
	m.attachments[att.ID] = att
	m.byMessage[att.MessageID] = append(m.byMessage[att.MessageID], att.ID)
	return att, nil
}

func (m *MemoryStore) hasMessageLocked(id string) bool {
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID == id {
				return true
			}
		}
	}
	return false
}

// GetAttachment returns an attachment by ID.
func (m *MemoryStore) GetAttachment(_ context.Context, id string) (domain.Attachment, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	att, ok := m.attachments[id]
	return att, ok, nil
}

// ListMessages returns a page of messages newest first.
func (m *MemoryStore) ListMessages(_ context.Context, roomID string, limit, offset int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	if offset < 0 {
		offset = 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.messages[roomID]
	out := make([]domain.Message, 0, limit)
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		msg := all[i]
		msg.SenderName = m.users[msg.SenderID].Name
		msg.Attachments = m.attachmentsLocked(msg.ID)
		out = append(out, msg)
	}
	return out, nil
}

func (m *MemoryStore) attachmentsLocked(messageID string) []domain.Attachment {
	ids := m.byMessage[messageID]
	out := make([]domain.Attachment, 0, len(ids))
	for _, id := range ids {
		att := m.attachments[id]
		att.Data = nil
		out = append(out, att)
	}
	return out
}

// CountMessages returns the number of messages stored for a room.
func (m *MemoryStore) CountMessages(_ context.Context, roomID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages[roomID]), nil
}

// UpsertParticipant records a participant as connected or disconnected.
func (m *MemoryStore) UpsertParticipant(_ context.Context, roomID, userID string, connected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	key := participantKey{roomID: roomID, userID: userID}
	p, ok := m.participants[key]
	if !ok || connected {
		p.JoinedAt = now
	}
	p.RoomID = roomID
	p.UserID = userID
	p.IsConnected = connected
	p.UpdatedAt = now
	m.participants[key] = p
	return nil
}

// CountParticipants returns the number of known and currently connected participants.
func (m *MemoryStore) CountParticipants(_ context.Context, roomID string) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total, connected := 0, 0
	for key, p := range m.participants {
		if key.roomID != roomID {
			continue
		}
		total++
		if p.IsConnected {
			connected++
		}
	}
	return total, connected, nil
}

// Participants returns the participant rows of a room ordered by user ID.
func (m *MemoryStore) Participants(roomID string) []domain.RoomParticipant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.RoomParticipant, 0)
	for key, p := range m.participants {
		if key.roomID == roomID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

package store

import (
	"context"
	"errors"

	"roomrelay/pkg/domain"
)

// ErrNotFound is returned by mutations that reference a missing record.
var ErrNotFound = errors.New("record not found")

// Store is the persistence gateway used by chat and signaling sessions.
type Store interface {
	// users
	SaveUser(ctx context.Context, u domain.User) error
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)

	// rooms
	GetOrCreateRoom(ctx context.Context, key string) (domain.Room, error)
	GetRoom(ctx context.Context, id string) (domain.Room, bool, error)

	// messages
	CreateMessage(ctx context.Context, roomID, senderID string, body *string, senderType string) (domain.Message, error)
	CreateAttachment(ctx context.Context, att domain.Attachment) (domain.Attachment, error)
	GetAttachment(ctx context.Context, id string) (domain.Attachment, bool, error)
	// ListMessages returns messages newest first with attachments and sender name loaded.
	ListMessages(ctx context.Context, roomID string, limit, offset int) ([]domain.Message, error)
	CountMessages(ctx context.Context, roomID string) (int, error)

	// participants
	UpsertParticipant(ctx context.Context, roomID, userID string, connected bool) error
	CountParticipants(ctx context.Context, roomID string) (total int, connected int, err error)
}

package domain

import "time"

// SenderTypeUser tags messages written by a connected user.
const SenderTypeUser = "user"

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	OwnerID     string    `json:"ownerId,omitempty"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Message is immutable once created except for IsRead.
// Body is nil for attachment-only messages.
type Message struct {
	ID          string       `json:"id"`
	RoomID      string       `json:"roomId"`
	SenderID    string       `json:"senderId"`
	SenderName  string       `json:"senderName"`
	Body        *string      `json:"body"`
	SenderType  string       `json:"senderType"`
	IsRead      bool         `json:"isRead"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	Attachments []Attachment `json:"attachments"`
}

// BodyText returns the message body or "" for attachment-only messages.
func (m Message) BodyText() string {
	if m.Body == nil {
		return ""
	}
	return *m.Body
}

// Attachment carries exactly one of Data, StorageKey or FileURL.
type Attachment struct {
	ID               string    `json:"id"`
	MessageID        string    `json:"messageId"`
	Data             []byte    `json:"-"`
	StorageKey       string    `json:"-"`
	FileURL          string    `json:"fileUrl,omitempty"`
	FileType         string    `json:"fileType"`
	OriginalFilename string    `json:"originalFilename"`
	FileSize         int64     `json:"fileSize"`
	CreatedAt        time.Time `json:"createdAt"`
}

type RoomParticipant struct {
	RoomID      string    `json:"roomId"`
	UserID      string    `json:"userId"`
	JoinedAt    time.Time `json:"joinedAt"`
	IsConnected bool      `json:"isConnected"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

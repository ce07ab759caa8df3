package chat

import (
	"time"

	"roomrelay/pkg/domain"
)

const (
	typeConnectionEstablished = "connection_established"
	typeMessageHistory        = "message_history"
	typeChatMessage           = "chat_message"
	typeUserJoin              = "user_join"
	typeUserLeave             = "user_leave"
	typeTokenRefreshed        = "token_refreshed"
	typeTokenError            = "token_error"
	typeError                 = "error"
)

type inboundKind int

const (
	kindUnknown inboundKind = iota
	kindMessage
	kindFetchMessages
	kindRefreshToken
	kindJoin
)

func parseKind(t string) inboundKind {
	switch t {
	case "", "message":
		return kindMessage
	case "fetch_messages":
		return kindFetchMessages
	case "refresh_token":
		return kindRefreshToken
	case "join":
		return kindJoin
	default:
		return kindUnknown
	}
}

type inboundFrame struct {
	Type         string      `json:"type"`
	Message      string      `json:"message"`
	Media        []mediaItem `json:"media"`
	Limit        *int        `json:"limit"`
	Offset       *int        `json:"offset"`
	RefreshToken string      `json:"refresh_token"`
}

// mediaItem is one attachment as sent by clients: either inline Data (a
// data URL or raw text) or an external URL.
type mediaItem struct {
	Data string `json:"data"`
	URL  string `json:"url"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

type mediaDescriptor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

type connectionEstablishedFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	UserID  string `json:"user_id"`
	RoomID  string `json:"room_id"`
}

type historyMessage struct {
	ID         string            `json:"id"`
	Message    string            `json:"message"`
	Sender     string            `json:"sender"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name"`
	CreatedAt  time.Time         `json:"created_at"`
	Media      []mediaDescriptor `json:"media"`
}

type historyFrame struct {
	Type     string           `json:"type"`
	Messages []historyMessage `json:"messages"`
	Total    int              `json:"total"`
	Offset   *int             `json:"offset,omitempty"`
	Limit    *int             `json:"limit,omitempty"`
	HasMore  *bool            `json:"has_more,omitempty"`
}

type chatMessageFrame struct {
	Type      string            `json:"type"`
	ID        string            `json:"id"`
	Username  string            `json:"username"`
	Message   string            `json:"message"`
	Media     []mediaDescriptor `json:"media"`
	SenderID  string            `json:"sender_id"`
	Timestamp time.Time         `json:"timestamp"`
}

type presenceFrame struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Timestamp time.Time `json:"timestamp"`
}

type tokenRefreshedFrame struct {
	Type         string `json:"type"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type noticeFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func displayName(u domain.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

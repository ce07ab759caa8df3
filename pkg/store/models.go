package store

import "time"

// GORM models used for persistence.
type UserModel struct {
	ID        string    `gorm:"primaryKey"`
	Name      string    `gorm:"not null"`
	Email     string    `gorm:"index"`
	CreatedAt time.Time `gorm:"not null"`
}

type RoomModel struct {
	ID          string `gorm:"primaryKey"`
	Name        string `gorm:"not null"`
	Description string
	OwnerID     string    `gorm:"index"`
	IsActive    bool      `gorm:"not null;default:true"`
	CreatedAt   time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID          string            `gorm:"primaryKey"`
	RoomID      string            `gorm:"not null;index:idx_message_room_created,priority:1"`
	SenderID    string            `gorm:"not null;index"`
	Body        *string           `gorm:"type:text"`
	SenderType  string            `gorm:"not null;default:user"`
	IsRead      bool              `gorm:"not null;default:false"`
	CreatedAt   time.Time         `gorm:"not null;index:idx_message_room_created,priority:2"`
	UpdatedAt   time.Time         `gorm:"not null"`
	Attachments []AttachmentModel `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE"`
}

type AttachmentModel struct {
	ID               string `gorm:"primaryKey"`
	MessageID        string `gorm:"not null;index"`
	Data             []byte
	StorageKey       string
	FileURL          string
	FileType         string    `gorm:"not null"`
	OriginalFilename string    `gorm:"not null"`
	FileSize         int64     `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null"`
}

type RoomParticipantModel struct {
	RoomID      string    `gorm:"primaryKey"`
	UserID      string    `gorm:"primaryKey"`
	JoinedAt    time.Time `gorm:"not null"`
	IsConnected bool      `gorm:"not null;default:true"`
	UpdatedAt   time.Time `gorm:"not null"`
}

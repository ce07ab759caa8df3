package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"roomrelay/pkg/domain"
)

const migrateLockID int64 = 73217321

// GormStore implements Store using GORM.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore opens a Postgres DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, autoMigrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db, now: time.Now}, nil
}

// NewGormStoreWithDialector opens db with an arbitrary dialector and migrates it.
// Used with sqlite in tests and local runs.
func NewGormStoreWithDialector(dialector gorm.Dialector) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := autoMigrate(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db, now: time.Now}, nil
}

func newGormLogger() gormlogger.Interface {
	return gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func autoMigrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&UserModel{}, &RoomModel{}, &MessageModel{}, &AttachmentModel{}, &RoomParticipantModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser upserts a user record.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = s.now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email"}),
	}).Create(&model).Error
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetOrCreateRoom returns the room with id key, creating an active room named after it when absent.
func (s *GormStore) GetOrCreateRoom(ctx context.Context, key string) (domain.Room, error) {
	db := s.db.WithContext(ctx)
	if err := ensureRoom(db, key, s.now()); err != nil {
		return domain.Room{}, err
	}
	var model RoomModel
	if err := db.First(&model, "id = ?", key).Error; err != nil {
		return domain.Room{}, err
	}
	return roomFromModel(model), nil
}

// GetRoom returns a room by ID.
func (s *GormStore) GetRoom(ctx context.Context, id string) (domain.Room, bool, error) {
	var model RoomModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Room{}, false, nil
		}
		return domain.Room{}, false, err
	}
	return roomFromModel(model), true, nil
}

func ensureRoom(db *gorm.DB, key string, now time.Time) error {
	model := RoomModel{ID: key, Name: key, IsActive: true, CreatedAt: now.UTC()}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error; err != nil {
		return fmt.Errorf("ensure room: %w", err)
	}
	return nil
}

// CreateMessage persists a message. Creation timestamps are strictly increasing per room.
func (s *GormStore) CreateMessage(ctx context.Context, roomID, senderID string, body *string, senderType string) (domain.Message, error) {
	if senderType == "" {
		senderType = domain.SenderTypeUser
	}
	var model MessageModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureRoom(tx, roomID, s.now()); err != nil {
			return err
		}
		if tx.Dialector.Name() == "postgres" {
			var room RoomModel
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&room, "id = ?", roomID).Error; err != nil {
				return fmt.Errorf("lock room: %w", err)
			}
		}
		createdAt, err := nextMessageTime(tx, roomID, s.now())
		if err != nil {
			return err
		}
		model = MessageModel{
			ID:         uuid.NewString(),
			RoomID:     roomID,
			SenderID:   senderID,
			Body:       body,
			SenderType: senderType,
			CreatedAt:  createdAt,
			UpdatedAt:  createdAt,
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.Message{}, err
	}
	msg := messageFromModel(model)
	names, err := s.userNames(ctx, []string{senderID})
	if err != nil {
		return domain.Message{}, err
	}
	msg.SenderName = names[senderID]
	return msg, nil
}

func nextMessageTime(tx *gorm.DB, roomID string, now time.Time) (time.Time, error) {
	now = now.UTC().Truncate(time.Microsecond)
	var latest MessageModel
	err := tx.Select("created_at").Where("room_id = ?", roomID).Order("created_at DESC").Take(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return now, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("latest message time: %w", err)
	}
	if !now.After(latest.CreatedAt) {
		return latest.CreatedAt.UTC().Add(time.Microsecond), nil
	}
	return now, nil
}

// CreateAttachment persists an attachment for an existing message.
func (s *GormStore) CreateAttachment(ctx context.Context, att domain.Attachment) (domain.Attachment, error) {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = s.now().UTC()
	}
	model := attachmentToModel(att)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Attachment{}, err
	}
	return att, nil
}

// GetAttachment returns an attachment including inline bytes.
func (s *GormStore) GetAttachment(ctx context.Context, id string) (domain.Attachment, bool, error) {
	var model AttachmentModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Attachment{}, false, nil
		}
		return domain.Attachment{}, false, err
	}
	return attachmentFromModel(model), true, nil
}

// ListMessages returns a page of messages newest first. Attachment bytes are not loaded.
func (s *GormStore) ListMessages(ctx context.Context, roomID string, limit, offset int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	if offset < 0 {
		offset = 0
	}
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Preload("Attachments", func(db *gorm.DB) *gorm.DB {
			return db.Select("id", "message_id", "storage_key", "file_url", "file_type", "original_filename", "file_size", "created_at").
				Order("created_at ASC, id ASC")
		}).
		Where("room_id = ?", roomID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&models).Error; err != nil {
		return nil, err
	}
	senderIDs := make([]string, 0, len(models))
	for _, m := range models {
		senderIDs = append(senderIDs, m.SenderID)
	}
	names, err := s.userNames(ctx, senderIDs)
	if err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msg := messageFromModel(m)
		msg.SenderName = names[m.SenderID]
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// CountMessages returns the number of messages stored for a room.
func (s *GormStore) CountMessages(ctx context.Context, roomID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&MessageModel{}).Where("room_id = ?", roomID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *GormStore) userNames(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []UserModel
	if err := s.db.WithContext(ctx).Select("id", "name").Where("id IN ?", uniqueStrings(ids)).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u.Name
	}
	return out, nil
}

// UpsertParticipant records a participant as connected or disconnected.
// Rows are never deleted; joined_at moves only when the participant connects again.
func (s *GormStore) UpsertParticipant(ctx context.Context, roomID, userID string, connected bool) error {
	now := s.now().UTC()
	model := RoomParticipantModel{
		RoomID:      roomID,
		UserID:      userID,
		JoinedAt:    now,
		IsConnected: connected,
		UpdatedAt:   now,
	}
	updates := []string{"is_connected", "updated_at"}
	if connected {
		updates = append(updates, "joined_at")
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&model).Error
}

// CountParticipants returns the number of known and currently connected participants.
func (s *GormStore) CountParticipants(ctx context.Context, roomID string) (int, int, error) {
	db := s.db.WithContext(ctx)
	var total, connected int64
	if err := db.Model(&RoomParticipantModel{}).Where("room_id = ?", roomID).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	if err := db.Model(&RoomParticipantModel{}).Where("room_id = ? AND is_connected = ?", roomID, true).Count(&connected).Error; err != nil {
		return 0, 0, err
	}
	return int(total), int(connected), nil
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		CreatedAt: u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:        m.ID,
		Name:      m.Name,
		Email:     m.Email,
		CreatedAt: m.CreatedAt,
	}
}

func roomFromModel(m RoomModel) domain.Room {
	return domain.Room{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		OwnerID:     m.OwnerID,
		IsActive:    m.IsActive,
		CreatedAt:   m.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	atts := make([]domain.Attachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		atts = append(atts, attachmentFromModel(a))
	}
	return domain.Message{
		ID:          m.ID,
		RoomID:      m.RoomID,
		SenderID:    m.SenderID,
		Body:        m.Body,
		SenderType:  m.SenderType,
		IsRead:      m.IsRead,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		Attachments: atts,
	}
}

func attachmentToModel(a domain.Attachment) AttachmentModel {
	return AttachmentModel{
		ID:               a.ID,
		MessageID:        a.MessageID,
		Data:             a.Data,
		StorageKey:       a.StorageKey,
		FileURL:          a.FileURL,
		FileType:         a.FileType,
		OriginalFilename: a.OriginalFilename,
		FileSize:         a.FileSize,
		CreatedAt:        a.CreatedAt,
	}
}

func attachmentFromModel(m AttachmentModel) domain.Attachment {
	return domain.Attachment{
		ID:               m.ID,
		MessageID:        m.MessageID,
		Data:             m.Data,
		StorageKey:       m.StorageKey,
		FileURL:          m.FileURL,
		FileType:         m.FileType,
		OriginalFilename: m.OriginalFilename,
		FileSize:         m.FileSize,
		CreatedAt:        m.CreatedAt,
	}
}

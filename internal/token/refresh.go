package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidRefreshToken indicates a refresh token that fails verification
	// or belongs to a revoked family.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrRefreshTokenReplay indicates reuse of an already rotated refresh token.
	ErrRefreshTokenReplay = errors.New("refresh token replay detected")
)

// RefreshStore records which refresh tokens (by jti) have been exchanged.
// Presenting a jti a second time revokes its whole family.
type RefreshStore interface {
	// Consume marks jti in familyID as used. ttl bounds how long the record
	// and any revocation are kept.
	Consume(ctx context.Context, familyID, jti string, ttl time.Duration) error
}

// MemoryRefreshStore keeps used jtis and revoked families in process memory.
type MemoryRefreshStore struct {
	mu      sync.Mutex
	used    map[string]time.Time // jti -> forget after
	revoked map[string]time.Time // familyID -> forget after
	now     func() time.Time
}

// NewMemoryRefreshStore constructs an in-memory refresh store.
func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{
		used:    make(map[string]time.Time),
		revoked: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Consume marks jti as used, or revokes familyID when jti was already used.
func (s *MemoryRefreshStore) Consume(_ context.Context, familyID, jti string, ttl time.Duration) error {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)
	if _, ok := s.revoked[familyID]; ok {
		return ErrInvalidRefreshToken
	}
	if _, ok := s.used[jti]; ok {
		s.revoked[familyID] = now.Add(ttl)
		return ErrRefreshTokenReplay
	}
	s.used[jti] = now.Add(ttl)
	return nil
}

func (s *MemoryRefreshStore) sweepLocked(now time.Time) {
	for k, until := range s.used {
		if now.After(until) {
			delete(s.used, k)
		}
	}
	for k, until := range s.revoked {
		if now.After(until) {
			delete(s.revoked, k)
		}
	}
}

// RedisRefreshStore keeps used jtis and revoked families in Redis.
type RedisRefreshStore struct {
	client *redis.Client
	prefix string
}

// NewRedisRefreshStore builds a Redis-backed refresh store on a shared client.
func NewRedisRefreshStore(client *redis.Client, prefix string) *RedisRefreshStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "relay:refresh"
	}
	return &RedisRefreshStore{client: client, prefix: prefix}
}

// Consume marks jti as used with SET NX, so concurrent exchanges of the same
// token cannot both succeed. The loser revokes the family.
func (s *RedisRefreshStore) Consume(ctx context.Context, familyID, jti string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	n, err := s.client.Exists(ctx, s.revokedKey(familyID)).Result()
	if err != nil {
		return fmt.Errorf("check refresh family: %w", err)
	}
	if n > 0 {
		return ErrInvalidRefreshToken
	}
	first, err := s.client.SetNX(ctx, s.usedKey(jti), familyID, ttl).Result()
	if err != nil {
		return fmt.Errorf("record refresh token: %w", err)
	}
	if !first {
		if err := s.client.Set(ctx, s.revokedKey(familyID), "1", ttl).Err(); err != nil {
			return fmt.Errorf("revoke refresh family: %w", err)
		}
		return ErrRefreshTokenReplay
	}
	return nil
}

func (s *RedisRefreshStore) usedKey(jti string) string {
	return fmt.Sprintf("%s:used:%s", s.prefix, refreshTokenHash(jti))
}

func (s *RedisRefreshStore) revokedKey(familyID string) string {
	return fmt.Sprintf("%s:revoked:%s", s.prefix, familyID)
}

func refreshTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

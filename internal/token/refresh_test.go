package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func refreshStores(t *testing.T) map[string]RefreshStore {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]RefreshStore{
		"memory": NewMemoryRefreshStore(),
		"redis":  NewRedisRefreshStore(client, "test:refresh"),
	}
}

func TestRefreshStoreConsumeOnce(t *testing.T) {
	for name, s := range refreshStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Consume(ctx, "fam-1", "jti-1", time.Minute); err != nil {
				t.Fatalf("first consume: %v", err)
			}
			if err := s.Consume(ctx, "fam-1", "jti-2", time.Minute); err != nil {
				t.Fatalf("second jti in family: %v", err)
			}
			if err := s.Consume(ctx, "fam-2", "jti-3", time.Minute); err != nil {
				t.Fatalf("other family: %v", err)
			}
		})
	}
}

func TestRefreshStoreReplayRevokesFamily(t *testing.T) {
	for name, s := range refreshStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Consume(ctx, "fam-1", "jti-1", time.Minute); err != nil {
				t.Fatalf("first consume: %v", err)
			}
			if err := s.Consume(ctx, "fam-1", "jti-1", time.Minute); !errors.Is(err, ErrRefreshTokenReplay) {
				t.Fatalf("expected replay detection, got %v", err)
			}
			if err := s.Consume(ctx, "fam-1", "jti-2", time.Minute); !errors.Is(err, ErrInvalidRefreshToken) {
				t.Fatalf("expected family revoked after replay, got %v", err)
			}
			if err := s.Consume(ctx, "fam-2", "jti-9", time.Minute); err != nil {
				t.Fatalf("unrelated family should be unaffected: %v", err)
			}
		})
	}
}

func TestMemoryRefreshStoreForgetsAfterTTL(t *testing.T) {
	s := NewMemoryRefreshStore()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()
	if err := s.Consume(ctx, "fam-1", "jti-1", time.Hour); err != nil {
		t.Fatalf("consume: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if err := s.Consume(ctx, "fam-1", "jti-2", time.Hour); err != nil {
		t.Fatalf("consume after ttl: %v", err)
	}
	if len(s.used) != 1 {
		t.Fatalf("expected expired jti swept, have %d", len(s.used))
	}
}

func TestRefreshStoreConcurrentConsumeAllowsOneWinner(t *testing.T) {
	for name, s := range refreshStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const workers = 8
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				success int
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := s.Consume(ctx, "fam-3", "jti-3", time.Minute); err == nil {
						mu.Lock()
						success++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if success != 1 {
				t.Fatalf("expected exactly one successful consume, got %d", success)
			}
		})
	}
}

func TestIssuerRefreshAcceptsExternallySignedToken(t *testing.T) {
	svc := newTestService(t, "test-secret")
	login := newTestService(t, "test-secret")
	issuer, err := NewIssuer(svc, NewMemoryRefreshStore())
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	ctx := context.Background()
	refresh, err := login.IssueRefresh("user-9", "")
	if err != nil {
		t.Fatalf("issue refresh: %v", err)
	}
	renewed, err := issuer.Refresh(ctx, refresh)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if renewed.ExpiresIn != 3600 {
		t.Fatalf("unexpected expires_in: %d", renewed.ExpiresIn)
	}
	if renewed.RefreshToken == refresh {
		t.Fatalf("refresh token should rotate")
	}
	claims, err := svc.Verify(renewed.AccessToken)
	if err != nil || claims.UserID != "user-9" {
		t.Fatalf("renewed access token invalid: %+v err %v", claims, err)
	}
	original, _ := svc.VerifyRefresh(refresh)
	next, err := svc.VerifyRefresh(renewed.RefreshToken)
	if err != nil {
		t.Fatalf("rotated refresh token invalid: %v", err)
	}
	if next.Family != original.ID {
		t.Fatalf("rotated token family = %q, want %q", next.Family, original.ID)
	}

	again, err := issuer.Refresh(ctx, renewed.RefreshToken)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if _, err := issuer.Refresh(ctx, refresh); !errors.Is(err, ErrRefreshTokenReplay) {
		t.Fatalf("expected replay detection, got %v", err)
	}
	if _, err := issuer.Refresh(ctx, again.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected descendants revoked after replay, got %v", err)
	}
}

func TestIssuerRefreshRejectsBadTokens(t *testing.T) {
	svc := newTestService(t, "test-secret")
	issuer, err := NewIssuer(svc, NewMemoryRefreshStore())
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	access, err := svc.Issue("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	foreign, err := newTestService(t, "other-secret").IssueRefresh("user-1", "")
	if err != nil {
		t.Fatalf("issue foreign: %v", err)
	}
	for name, raw := range map[string]string{"empty": "", "garbage": "nope", "access": access, "foreign": foreign} {
		if _, err := issuer.Refresh(context.Background(), raw); !errors.Is(err, ErrInvalidRefreshToken) {
			t.Fatalf("%s: expected ErrInvalidRefreshToken, got %v", name, err)
		}
	}
}

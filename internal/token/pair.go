package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Pair is an access token plus the refresh token that can renew it.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Issuer renews token pairs from refresh tokens signed with the shared secret,
// whether the relay or an external login service minted them.
type Issuer struct {
	tokens  *Service
	refresh RefreshStore
}

// NewIssuer combines a token service with a refresh store.
func NewIssuer(tokens *Service, refresh RefreshStore) (*Issuer, error) {
	if tokens == nil {
		return nil, errors.New("token service required")
	}
	if refresh == nil {
		return nil, errors.New("refresh store required")
	}
	return &Issuer{tokens: tokens, refresh: refresh}, nil
}

// Refresh exchanges refreshToken for a new pair for the same user. Each
// refresh token is accepted once; the replacement stays in the same family so
// replaying an exchanged token revokes every descendant.
func (i *Issuer) Refresh(ctx context.Context, refreshToken string) (Pair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Pair{}, ErrInvalidRefreshToken
	}
	claims, err := i.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return Pair{}, fmt.Errorf("%w: %v", ErrInvalidRefreshToken, err)
	}
	family := claims.Family
	if family == "" {
		family = claims.ID
	}
	ttl := i.tokens.RefreshTTL()
	if claims.ExpiresAt != nil {
		if remaining := claims.ExpiresAt.Sub(i.tokens.now()); remaining > 0 {
			ttl += remaining
		}
	}
	if err := i.refresh.Consume(ctx, family, claims.ID, ttl); err != nil {
		return Pair{}, err
	}

	access, err := i.tokens.Issue(claims.UserID)
	if err != nil {
		return Pair{}, err
	}
	next, err := i.tokens.IssueRefresh(claims.UserID, family)
	if err != nil {
		return Pair{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return Pair{
		AccessToken:  access,
		RefreshToken: next,
		ExpiresIn:    int64(i.tokens.AccessTTL().Seconds()),
	}, nil
}

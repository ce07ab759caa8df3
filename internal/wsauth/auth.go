// Package wsauth authenticates WebSocket handshakes from a token carried in
// the query string.
package wsauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"roomrelay/internal/token"
	"roomrelay/pkg/domain"
)

// CloseAuthFailed is the application close code sent when a handshake token
// is missing or rejected.
const CloseAuthFailed = 4001

var (
	// ErrUnauthenticated wraps every authentication failure.
	ErrUnauthenticated = errors.New("unauthenticated")
	errMissingToken    = errors.New("token missing")
	errUnknownUser     = errors.New("unknown user")
)

// UserLookup resolves user ids; store.Store satisfies it.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
}

// Authenticator verifies handshake tokens and resolves the user they name.
type Authenticator struct {
	tokens *token.Service
	users  UserLookup
}

// NewAuthenticator builds an authenticator.
func NewAuthenticator(tokens *token.Service, users UserLookup) (*Authenticator, error) {
	if tokens == nil {
		return nil, errors.New("token service required")
	}
	if users == nil {
		return nil, errors.New("user lookup required")
	}
	return &Authenticator{tokens: tokens, users: users}, nil
}

// TokenFromQuery returns the value after the last "token=" in rawQuery, cut
// at the next "&". It returns "" when no token is present.
func TokenFromQuery(rawQuery string) string {
	idx := strings.LastIndex(rawQuery, "token=")
	if idx < 0 {
		return ""
	}
	value := rawQuery[idx+len("token="):]
	if amp := strings.IndexByte(value, '&'); amp >= 0 {
		value = value[:amp]
	}
	return strings.TrimSpace(value)
}

// Authenticate resolves the user named by the token in rawQuery.
func (a *Authenticator) Authenticate(ctx context.Context, rawQuery string) (domain.User, error) {
	raw := TokenFromQuery(rawQuery)
	if raw == "" {
		return domain.User{}, fmt.Errorf("%w: %w", ErrUnauthenticated, errMissingToken)
	}
	claims, err := a.tokens.Verify(raw)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	user, ok, err := a.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: lookup user: %w", ErrUnauthenticated, err)
	}
	if !ok {
		return domain.User{}, fmt.Errorf("%w: %w", ErrUnauthenticated, errUnknownUser)
	}
	return user, nil
}

// Reason classifies an authentication error for logs.
func Reason(err error) string {
	switch {
	case errors.Is(err, errMissingToken):
		return "missing_token"
	case errors.Is(err, token.ErrExpired):
		return "expired"
	case errors.Is(err, token.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, token.ErrMalformed):
		return "malformed"
	case errors.Is(err, errUnknownUser):
		return "unknown_user"
	default:
		return "error"
	}
}

// Reject sends the auth-failure close frame and closes ws. Nothing else is
// written to the peer.
func Reject(ws *websocket.Conn, logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("websocket authentication failed", "reason", Reason(err))
	msg := websocket.FormatCloseMessage(CloseAuthFailed, "authentication failed")
	if werr := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second)); werr != nil {
		logger.Debug("write auth close frame", "err", werr)
	}
	_ = ws.Close()
}

package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 24 * time.Hour
)

// Values of the token_type claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var (
	// ErrExpired indicates a correctly signed token past its expiry.
	ErrExpired = errors.New("token expired")
	// ErrMalformed indicates a token that cannot be decoded or carries unusable claims.
	ErrMalformed = errors.New("token malformed")
	// ErrInvalidSignature indicates a token not signed with the process secret.
	ErrInvalidSignature = errors.New("token signature invalid")
)

// Claims carried by access and refresh tokens. user_id mirrors sub for
// clients that read it directly. Family links rotated refresh tokens to the
// token that started the chain.
type Claims struct {
	UserID    string `json:"user_id"`
	TokenType string `json:"token_type,omitempty"`
	Family    string `json:"fam,omitempty"`
	jwt.RegisteredClaims
}

// Config configures a Service.
type Config struct {
	Secret     string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Service signs and verifies HS256 session tokens with a process-wide secret.
type Service struct {
	secret     []byte
	issuer     string
	audience   string
	leeway     time.Duration
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewService builds a token service. Secret is required.
func NewService(cfg Config) (*Service, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("token secret required")
	}
	accessTTL := cfg.AccessTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	return &Service{
		secret:     []byte(secret),
		issuer:     strings.TrimSpace(cfg.Issuer),
		audience:   strings.TrimSpace(cfg.Audience),
		leeway:     cfg.Leeway,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

// AccessTTL returns the lifetime of tokens minted by Issue.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the lifetime used for refresh credentials.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// Issue creates an access token for userID.
func (s *Service) Issue(userID string) (string, error) {
	return s.IssueWithTTL(userID, s.accessTTL)
}

// IssueWithTTL creates an access token for userID that expires after ttl.
func (s *Service) IssueWithTTL(userID string, ttl time.Duration) (string, error) {
	return s.sign(userID, TypeAccess, "", ttl)
}

// IssueRefresh creates a refresh token for userID. An empty familyID starts a
// new rotation chain.
func (s *Service) IssueRefresh(userID, familyID string) (string, error) {
	return s.sign(userID, TypeRefresh, familyID, s.refreshTTL)
}

func (s *Service) sign(userID, tokenType, familyID string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id required")
	}
	now := s.now().UTC()
	claims := Claims{
		UserID:    userID,
		TokenType: tokenType,
		Family:    familyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        randomHexID(12),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks an access token. Signature is checked first and claims
// second, so a forged expired token reports ErrInvalidSignature rather than
// ErrExpired. Tokens without a token_type claim are treated as access tokens.
func (s *Service) Verify(raw string) (Claims, error) {
	claims, err := s.parse(raw)
	if err != nil {
		return Claims{}, err
	}
	if claims.TokenType != "" && claims.TokenType != TypeAccess {
		return Claims{}, fmt.Errorf("%w: token_type %q is not an access token", ErrMalformed, claims.TokenType)
	}
	return claims, nil
}

// VerifyRefresh checks a refresh token. The token_type claim must be
// "refresh" and the token must carry a jti.
func (s *Service) VerifyRefresh(raw string) (Claims, error) {
	claims, err := s.parse(raw)
	if err != nil {
		return Claims{}, err
	}
	if claims.TokenType != TypeRefresh {
		return Claims{}, fmt.Errorf("%w: token_type %q is not a refresh token", ErrMalformed, claims.TokenType)
	}
	if strings.TrimSpace(claims.ID) == "" {
		return Claims{}, fmt.Errorf("%w: jti missing", ErrMalformed)
	}
	return claims, nil
}

func (s *Service) parse(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrMalformed
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, classify(err)
	}
	if err := s.validator().Validate(claims); err != nil {
		return Claims{}, classify(err)
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return Claims{}, fmt.Errorf("%w: user id missing", ErrMalformed)
	}
	return *claims, nil
}

func (s *Service) validator() *jwt.Validator {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}
	return jwt.NewValidator(opts...)
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

func randomHexID(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

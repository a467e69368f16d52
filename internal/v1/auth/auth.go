// Package auth owns control-plane identities: user accounts with bcrypt
// passwords, HS256 access/refresh tokens, and the opaque API keys of the
// internal surface. Revocation is a store-side denylist keyed by token id,
// so a logout on one replica is visible to all of them.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/logging"
	"github.com/ovmeet/backend/internal/v1/storage"
	"github.com/ovmeet/backend/internal/v1/store"
	"github.com/ovmeet/backend/internal/v1/types"
)

// DenylistKeyPrefix marks revoked refresh-token ids. Entries expire with
// the token they revoke.
const DenylistKeyPrefix = "ov_meet:token_denylist:"

// Password bounds. bcrypt silently truncates at 72 bytes, so the upper
// bound is enforced rather than discovered.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 72
)

const bcryptCost = 10

const (
	tokenKindAccess  = "access"
	tokenKindRefresh = "refresh"
)

// Defaults applied when Options fields are zero.
const (
	DefaultIssuer          = "ov-meet"
	DefaultAccessTokenTTL  = 2 * time.Hour
	DefaultRefreshTokenTTL = 24 * time.Hour
)

// Claims is the payload of both token kinds. Subject carries the user id,
// ID the per-token nonce the denylist keys on.
type Claims struct {
	Role types.UserRole `json:"role"`
	Name string         `json:"name,omitempty"`
	Kind string         `json:"kind"`
	jwt.RegisteredClaims
}

// Options tune the service.
type Options struct {
	// JWTSecret signs every token. Required.
	JWTSecret       string
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// Service implements login, token refresh, logout, and API key management.
type Service struct {
	users storage.UserRepository
	keys  storage.APIKeyRepository
	st    *store.Service
	opts  Options
}

func NewService(users storage.UserRepository, keys storage.APIKeyRepository, st *store.Service, opts Options) *Service {
	if opts.Issuer == "" {
		opts.Issuer = DefaultIssuer
	}
	if opts.AccessTokenTTL <= 0 {
		opts.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if opts.RefreshTokenTTL <= 0 {
		opts.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	return &Service{users: users, keys: keys, st: st, opts: opts}
}

// LoginResult is what a successful login hands back.
type LoginResult struct {
	AccessToken        string         `json:"accessToken"`
	RefreshToken       string         `json:"refreshToken"`
	Role               types.UserRole `json:"role"`
	MustChangePassword bool           `json:"mustChangePassword"`
}

// Login checks credentials and mints a token pair. Unknown user and wrong
// password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, userID, password string) (*LoginResult, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, apperr.Unauthenticated("INVALID_CREDENTIALS", "invalid username or password")
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, apperr.Unauthenticated("INVALID_CREDENTIALS", "invalid username or password")
	}

	access, err := s.mintToken(user, tokenKindAccess, s.opts.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.mintToken(user, tokenKindRefresh, s.opts.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}

	logging.Info(ctx, "User logged in",
		zap.String("user_id", user.UserID),
		zap.String("role", string(user.Role)))
	return &LoginResult{
		AccessToken:        access,
		RefreshToken:       refresh,
		Role:               user.Role,
		MustChangePassword: user.MustChangePassword,
	}, nil
}

// RefreshResult carries the replacement access token. The refresh token
// itself is not rotated; it stays valid until expiry or logout.
type RefreshResult struct {
	AccessToken string `json:"accessToken"`
}

// Refresh trades a live refresh token for a fresh access token. Role and
// name are re-read from the user row so revoked accounts and role changes
// take effect at the next refresh, not at the next login.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	claims, err := s.parseToken(refreshToken, tokenKindRefresh)
	if err != nil {
		return nil, err
	}
	revoked, err := s.st.Exists(ctx, DenylistKeyPrefix+claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, apperr.Unauthenticated("TOKEN_REVOKED", "refresh token has been revoked")
	}

	user, err := s.users.Get(ctx, claims.Subject)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, apperr.Unauthenticated("INVALID_TOKEN", "token subject no longer exists")
		}
		return nil, err
	}

	access, err := s.mintToken(user, tokenKindAccess, s.opts.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	return &RefreshResult{AccessToken: access}, nil
}

// Logout revokes a refresh token. Tokens that no longer parse have nothing
// left to revoke, so logout never fails on them.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.parseToken(refreshToken, tokenKindRefresh)
	if err != nil {
		return nil
	}
	ttl := time.Until(claims.ExpiresAt.Time) + time.Minute
	if err := s.st.Set(ctx, DenylistKeyPrefix+claims.ID, "revoked", ttl); err != nil {
		return err
	}
	logging.Info(ctx, "User logged out", zap.String("user_id", claims.Subject))
	return nil
}

// ValidateAccessToken is the middleware entry point.
func (s *Service) ValidateAccessToken(raw string) (*Claims, error) {
	return s.parseToken(raw, tokenKindAccess)
}

// ChangePassword verifies the current password, then replaces it and clears
// the must-change flag.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)) != nil {
		return apperr.Unauthenticated("INVALID_CREDENTIALS", "current password is incorrect")
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	user.MustChangePassword = false
	if err := s.users.Update(ctx, user); err != nil {
		return err
	}
	logging.Info(ctx, "Password changed", zap.String("user_id", userID))
	return nil
}

// SeedAdmin inserts the bootstrap admin account when it does not exist yet.
// mustChange flags seeded defaults that should not survive the first login.
func (s *Service) SeedAdmin(ctx context.Context, userID, password string, mustChange bool) error {
	if _, err := s.users.Get(ctx, userID); err == nil {
		return nil
	} else if apperr.KindOf(err) != apperr.KindNotFound {
		return err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	user := &types.User{
		UserID:             userID,
		Name:               userID,
		Role:               types.UserRoleAdmin,
		PasswordHash:       hash,
		MustChangePassword: mustChange,
		SchemaVersion:      types.SchemaVersionUsers,
	}
	if err := s.users.Insert(ctx, user); err != nil {
		return err
	}
	logging.Info(ctx, "Seeded admin user", zap.String("user_id", userID))
	return nil
}

// HashPassword bcrypt-hashes a password after checking the length bounds.
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", apperr.Newf(apperr.KindValidation, "INVALID_PASSWORD",
			"password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return "", apperr.Newf(apperr.KindValidation, "INVALID_PASSWORD",
			"password must be at most %d characters", MaxPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (s *Service) mintToken(user *types.User, kind string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: user.Role,
		Name: user.Name,
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UserID,
			Issuer:    s.opts.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.opts.JWTSecret))
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindInternal, "TOKEN_MINT_FAILED", "failed to sign token")
	}
	return signed, nil
}

func (s *Service) parseToken(raw, kind string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.opts.JWTSecret), nil
	}, jwt.WithIssuer(s.opts.Issuer))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnauthenticated, "INVALID_TOKEN", "token is invalid or expired")
	}
	if !token.Valid || claims.Kind != kind {
		return nil, apperr.Unauthenticated("INVALID_TOKEN", "token is invalid or expired")
	}
	return claims, nil
}

package auth

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/logging"
	"github.com/ovmeet/backend/internal/v1/types"
)

// APIKeyPrefix makes keys recognizable in logs and support tickets without
// exposing which deployment minted them.
const APIKeyPrefix = "ovmeet-api-key-"

// CreateKeyOptions control key creation.
type CreateKeyOptions struct {
	// KeepExisting adds a key next to the current one instead of replacing
	// it. The community edition refuses this.
	KeepExisting bool
}

// CreateAPIKey mints a new internal-API key. The default path replaces
// whatever key exists, which is also how a leaked key gets rotated.
func (s *Service) CreateAPIKey(ctx context.Context, opts CreateKeyOptions) (*types.APIKey, error) {
	if opts.KeepExisting {
		existing, err := s.keys.List(ctx)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return nil, apperr.ProFeature("API_KEYS_LIMIT",
				"community edition supports a single active api key")
		}
	} else {
		if err := s.keys.DeleteAll(ctx); err != nil {
			return nil, err
		}
	}

	key := &types.APIKey{
		Key:          APIKeyPrefix + uuid.NewString(),
		CreationDate: time.Now().UnixMilli(),
	}
	if err := s.keys.Insert(ctx, key); err != nil {
		return nil, err
	}
	logging.Info(ctx, "API key created", zap.Int64("creation_date", key.CreationDate))
	return key, nil
}

// ListAPIKeys returns the active keys, newest first.
func (s *Service) ListAPIKeys(ctx context.Context) ([]*types.APIKey, error) {
	return s.keys.List(ctx)
}

// RevokeAPIKeys deletes every active key.
func (s *Service) RevokeAPIKeys(ctx context.Context) error {
	if err := s.keys.DeleteAll(ctx); err != nil {
		return err
	}
	logging.Info(ctx, "API keys revoked")
	return nil
}

// ValidateAPIKey checks a presented key against the active set in constant
// time per candidate.
func (s *Service) ValidateAPIKey(ctx context.Context, presented string) error {
	if presented == "" {
		return apperr.Unauthenticated("INVALID_API_KEY", "api key is missing or invalid")
	}
	keys, err := s.keys.List(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if subtle.ConstantTimeCompare([]byte(key.Key), []byte(presented)) == 1 {
			return nil
		}
	}
	return apperr.Unauthenticated("INVALID_API_KEY", "api key is missing or invalid")
}

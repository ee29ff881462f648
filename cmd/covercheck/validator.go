package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/matt-riley/covercheck/internal/core"
	"github.com/matt-riley/covercheck/internal/middleware"
	"github.com/matt-riley/covercheck/internal/repository"
)

type apiKeyLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (repository.APIKey, error)
}

// apiKeyTokenValidator authenticates "keyID.secret" bearer tokens against the
// api_keys table and returns the actor the key was issued to.
type apiKeyTokenValidator struct {
	lookup apiKeyLookup
}

func (v *apiKeyTokenValidator) ValidateToken(ctx context.Context, token string) (core.Actor, error) {
	if v == nil || v.lookup == nil {
		return core.Actor{}, errors.New("api key validator is nil")
	}

	keyID, secret, ok := middleware.SplitAPIKey(token)
	if !ok {
		return core.Actor{}, errors.New("invalid token format")
	}

	key, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return core.Actor{}, fmt.Errorf("lookup key hash: %w", err)
	}
	if !middleware.APIKeyMatchesHash(key.KeyHash, secret) {
		return core.Actor{}, errors.New("invalid token")
	}

	return core.Actor{
		UserID:     key.ID,
		Username:   key.Username,
		Scope:      key.Scope,
		Privileged: key.Privileged,
	}, nil
}

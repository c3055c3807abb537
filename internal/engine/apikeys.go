package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"go.uber.org/zap"

	"careerline/internal/audit"
	"careerline/internal/domain"
	"careerline/internal/engine/auth"
	"careerline/internal/repo"
)

const (
	apiKeyScheme    = "clk_"
	apiKeyPrefixLen = len(apiKeyScheme) + 8
)

// IssuedAPIKey carries the plaintext secret. It is returned once and never
// stored.
type IssuedAPIKey struct {
	Key    domain.APIKey `json:"key"`
	Secret string        `json:"secret"`
}

func (e Engine) IssueAPIKey(ctx context.Context, actorID, name string) (IssuedAPIKey, error) {
	if err := auth.RequireActor(actorID); err != nil {
		return IssuedAPIKey{}, err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return IssuedAPIKey{}, err
	}
	secret := apiKeyScheme + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        newID(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		Prefix:    secret[:apiKeyPrefixLen],
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.ts(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return IssuedAPIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKeyTx(ctx, tx, key); err != nil {
		return IssuedAPIKey{}, err
	}
	if err := e.audit(ctx, tx, "api_key.issued", "api_key", key.ID, actorID, audit.Payload{
		"name":   key.Name,
		"prefix": key.Prefix,
	}); err != nil {
		return IssuedAPIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return IssuedAPIKey{}, err
	}
	e.log().Info(ctx, "api key issued", zap.String("key_id", key.ID), zap.String("prefix", key.Prefix))
	return IssuedAPIKey{Key: key, Secret: secret}, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string, includeRevoked bool) ([]domain.APIKey, error) {
	if err := auth.RequireActor(actorID); err != nil {
		return nil, err
	}
	keys, err := e.Repo.ListAPIKeys(ctx, actorID, includeRevoked)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []domain.APIKey{}
	}
	return keys, nil
}

// RevokeAPIKey disables a key owned by actorID. Revoking twice is a
// conflict.
func (e Engine) RevokeAPIKey(ctx context.Context, actorID, id string) (domain.APIKey, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, err
	}
	defer tx.Rollback()
	key, err := e.Repo.GetAPIKeyTx(ctx, tx, id)
	if err != nil {
		return domain.APIKey{}, notFound(err, "APIKey", id)
	}
	if err := auth.RequireOwner(key.ActorID, actorID, "API key"); err != nil {
		return domain.APIKey{}, err
	}
	now := e.ts()
	ok, err := e.Repo.RevokeAPIKeyTx(ctx, tx, id, now)
	if err != nil {
		return domain.APIKey{}, err
	}
	if !ok {
		return domain.APIKey{}, CodedError{Code: CodeConflict, Message: "api key already revoked: " + id}
	}
	if err := e.audit(ctx, tx, "api_key.revoked", "api_key", id, actorID, audit.Payload{"prefix": key.Prefix}); err != nil {
		return domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, err
	}
	key.RevokedAt = &now
	e.log().Info(ctx, "api key revoked", zap.String("key_id", id))
	return key, nil
}

// AuthenticateAPIKey resolves a presented secret to its active key and
// stamps last use. A failed stamp does not reject the key.
func (e Engine) AuthenticateAPIKey(ctx context.Context, secret string) (domain.APIKey, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return domain.APIKey{}, auth.ErrActorRequired
	}
	key, err := e.Repo.GetActiveAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if err != nil {
		return domain.APIKey{}, err
	}
	if err := e.Repo.TouchAPIKey(ctx, key.ID, e.ts()); err != nil {
		e.log().Warn(ctx, "stamp api key use failed", zap.String("key_id", key.ID), zap.Error(err))
	}
	return key, nil
}

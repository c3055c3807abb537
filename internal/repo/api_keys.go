package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"

	"careerline/internal/domain"
)

const apiKeyColumns = `id,actor_id,name,prefix,key_hash,last_used_at,revoked_at,created_at`

// HashAPIKey is the digest stored for, and looked up by, a presented key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

func scanAPIKey(s rowScanner) (domain.APIKey, error) {
	var k domain.APIKey
	var name, lastUsed, revoked sql.NullString
	err := s.Scan(&k.ID, &k.ActorID, &name, &k.Prefix, &k.KeyHash, &lastUsed, &revoked, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	if err != nil {
		return k, err
	}
	k.Name = name.String
	k.LastUsedAt = stringPtr(lastUsed)
	k.RevokedAt = stringPtr(revoked)
	return k, nil
}

func (r Repo) InsertAPIKeyTx(ctx context.Context, tx *sql.Tx, k domain.APIKey) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO api_keys(`+apiKeyColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		k.ID, k.ActorID, nullable(k.Name), k.Prefix, k.KeyHash,
		nullableStringPtr(k.LastUsedAt), nullableStringPtr(k.RevokedAt), k.CreatedAt)
	return err
}

// GetActiveAPIKeyByHash ignores revoked keys.
func (r Repo) GetActiveAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	return scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=? AND revoked_at IS NULL`, hash))
}

func (r Repo) GetAPIKeyTx(ctx context.Context, tx *sql.Tx, id string) (domain.APIKey, error) {
	return scanAPIKey(r.q(tx).QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id=?`, id))
}

func (r Repo) TouchAPIKey(ctx context.Context, id, ts string) error {
	return affected(r.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE id=?`, ts, id))
}

// RevokeAPIKeyTx stamps revoked_at once; false means the key was already
// revoked.
func (r Repo) RevokeAPIKeyTx(ctx context.Context, tx *sql.Tx, id, ts string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE api_keys SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, ts, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListAPIKeys lists an actor's keys newest first.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string, includeRevoked bool) ([]domain.APIKey, error) {
	clauses := []string{"actor_id=?"}
	if !includeRevoked {
		clauses = append(clauses, "revoked_at IS NULL")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys`+where(clauses)+` ORDER BY created_at DESC, id DESC`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

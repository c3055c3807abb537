package repo

import (
	"context"
	"database/sql"

	"careerline/internal/domain"
)

const repositoryColumns = `id,user_id,github_repo_id,owner,name,full_name,is_private,connection_status,webhook_id,connected_at,disconnected_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(s rowScanner) (domain.Repository, error) {
	var r domain.Repository
	var private int
	var webhookID sql.NullInt64
	var connectedAt, disconnectedAt sql.NullString
	err := s.Scan(&r.ID, &r.UserID, &r.GitHubRepoID, &r.Owner, &r.Name, &r.FullName, &private, &r.ConnectionStatus,
		&webhookID, &connectedAt, &disconnectedAt, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.IsPrivate = private != 0
	if webhookID.Valid {
		id := webhookID.Int64
		r.WebhookID = &id
	}
	r.ConnectedAt = stringPtr(connectedAt)
	r.DisconnectedAt = stringPtr(disconnectedAt)
	return r, nil
}

func (r Repo) GetRepository(ctx context.Context, id string) (domain.Repository, error) {
	return r.GetRepositoryTx(ctx, nil, id)
}

func (r Repo) GetRepositoryTx(ctx context.Context, tx *sql.Tx, id string) (domain.Repository, error) {
	return scanRepository(r.q(tx).QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id=?`, id))
}

// GetRepositoryByFullName looks up a repository by its owner/name.
func (r Repo) GetRepositoryByFullName(ctx context.Context, fullName string) (domain.Repository, error) {
	return scanRepository(r.DB.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE full_name=?`, fullName))
}

// UpsertRepositoryTx inserts the repository or refreshes the connection
// fields of the row with the same full name. The stored row is returned.
func (r Repo) UpsertRepositoryTx(ctx context.Context, tx *sql.Tx, repo domain.Repository) (domain.Repository, error) {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO repositories(`+repositoryColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(full_name) DO UPDATE SET user_id=excluded.user_id, github_repo_id=excluded.github_repo_id, is_private=excluded.is_private,
connection_status=excluded.connection_status, webhook_id=excluded.webhook_id, connected_at=excluded.connected_at,
disconnected_at=NULL, updated_at=excluded.updated_at`,
		repo.ID, repo.UserID, repo.GitHubRepoID, repo.Owner, repo.Name, repo.FullName, boolInt(repo.IsPrivate), repo.ConnectionStatus,
		nullableInt64Ptr(repo.WebhookID), nullableStringPtr(repo.ConnectedAt), nullableStringPtr(repo.DisconnectedAt), repo.CreatedAt, repo.UpdatedAt)
	if err != nil {
		return domain.Repository{}, err
	}
	return scanRepository(r.q(tx).QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE full_name=?`, repo.FullName))
}

func (r Repo) DisconnectRepositoryTx(ctx context.Context, tx *sql.Tx, id, ts string) error {
	return affected(r.q(tx).ExecContext(ctx, `UPDATE repositories SET connection_status=?, webhook_id=NULL, disconnected_at=?, updated_at=? WHERE id=?`,
		domain.RepoDisconnected, ts, ts, id))
}

func (r Repo) ListRepositories(ctx context.Context, userID string) ([]domain.Repository, error) {
	query := `SELECT ` + repositoryColumns + ` FROM repositories`
	var args []any
	if userID != "" {
		query += ` WHERE user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, repo)
	}
	return res, rows.Err()
}

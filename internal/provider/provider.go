// Package provider talks to the repository host: pull request detail,
// unified diffs, webhook registration and repository creation.
package provider

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("provider: not found")

type PullRequest struct {
	Number  int
	Title   string
	Body    string
	Author  string
	URL     string
	HeadSHA string
	BaseSHA string
	Merged  bool
}

type Repository struct {
	ID       int64
	Owner    string
	Name     string
	FullName string
	Private  bool
	URL      string
}

// NewRepository describes a repository to create for the authenticated
// account.
type NewRepository struct {
	Name        string
	Description string
	Private     bool
}

type Provider interface {
	PullRequest(ctx context.Context, owner, name string, number int) (PullRequest, error)
	// PullRequestDiff returns the unified diff; headSHA keys the cache and
	// may be empty.
	PullRequestDiff(ctx context.Context, owner, name string, number int, headSHA string) (string, error)
	Repository(ctx context.Context, owner, name string) (Repository, error)
	CreateWebhook(ctx context.Context, owner, name, url, secret string) (int64, error)
	DeleteWebhook(ctx context.Context, owner, name string, hookID int64) error
	CreateRepository(ctx context.Context, r NewRepository) (Repository, error)
}

// StatusError carries the HTTP status of a failed provider call.
type StatusError struct {
	Op     string
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *StatusError) Unwrap() error { return e.Err }

// Status returns the HTTP status behind err, or 0.
func Status(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careerline/internal/config"
)

func newTestGitHub(t *testing.T, handler http.Handler) *GitHub {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	g, err := NewGitHub(context.Background(), config.GitHubConfig{
		BaseURL:       srv.URL,
		DiffCacheSize: 8,
		Retry: config.RetryConfig{
			MaxRetries:     2,
			InitialBackoff: config.Duration(time.Millisecond),
			MaxBackoff:     config.Duration(5 * time.Millisecond),
			Multiplier:     2,
		},
	}, nil)
	require.NoError(t, err)
	return g
}

func TestPullRequestAndDiff(t *testing.T) {
	var diffCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") == "application/vnd.github.v3.diff" {
			diffCalls.Add(1)
			_, _ = w.Write([]byte("diff --git a/x b/x\n+added"))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"number":   7,
			"title":    "Add cache",
			"body":     "LRU",
			"html_url": "https://github.com/acme/api/pull/7",
			"merged":   true,
			"user":     map[string]any{"login": "octo"},
			"head":     map[string]any{"sha": "head1"},
			"base":     map[string]any{"sha": "base1"},
		})
	})
	g := newTestGitHub(t, mux)
	ctx := context.Background()

	pr, err := g.PullRequest(ctx, "acme", "api", 7)
	require.NoError(t, err)
	assert.Equal(t, PullRequest{Number: 7, Title: "Add cache", Body: "LRU", Author: "octo",
		URL: "https://github.com/acme/api/pull/7", HeadSHA: "head1", BaseSHA: "base1", Merged: true}, pr)

	for i := 0; i < 3; i++ {
		diff, err := g.PullRequestDiff(ctx, "acme", "api", 7, "head1")
		require.NoError(t, err)
		assert.Equal(t, "diff --git a/x b/x\n+added", diff)
	}
	assert.Equal(t, int32(1), diffCalls.Load(), "diff should be cached by head sha")

	_, err = g.PullRequestDiff(ctx, "acme", "api", 7, "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), diffCalls.Load(), "empty head sha bypasses the cache")
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": 99, "name": "api", "full_name": "acme/api", "private": true,
			"owner": map[string]any{"login": "acme"},
		})
	})
	g := newTestGitHub(t, mux)
	repo, err := g.Repository(context.Background(), "acme", "api")
	require.NoError(t, err)
	assert.Equal(t, Repository{ID: 99, Owner: "acme", Name: "api", FullName: "acme/api", Private: true}, repo)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/missing", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	})
	g := newTestGitHub(t, mux)
	_, err := g.Repository(context.Background(), "acme", "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, http.StatusNotFound, Status(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateWebhookSendsConfig(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/hooks", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 1234})
	})
	g := newTestGitHub(t, mux)
	id, err := g.CreateWebhook(context.Background(), "acme", "api", "https://hooks.example/v1/webhooks/github", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), id)
	assert.Equal(t, []any{"pull_request"}, got["events"])
	cfg, _ := got["config"].(map[string]any)
	assert.Equal(t, "https://hooks.example/v1/webhooks/github", cfg["url"])
	assert.Equal(t, "json", cfg["content_type"])
}

func TestRetryStopsOnCancel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	g := newTestGitHub(t, mux)
	g.retry.InitialBackoff = config.Duration(time.Hour)
	g.retry.MaxBackoff = config.Duration(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Repository(ctx, "acme", "api")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCreateRepositoryForUser(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/user/repos", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":        77,
			"name":      "careerline-intent-1",
			"full_name": "octo/careerline-intent-1",
			"html_url":  "https://github.com/octo/careerline-intent-1",
			"owner":     map[string]any{"login": "octo"},
		})
	})
	g := newTestGitHub(t, mux)
	r, err := g.CreateRepository(context.Background(), NewRepository{Name: "careerline-intent-1", Description: "Provisioned by careerline"})
	require.NoError(t, err)
	assert.Equal(t, int64(77), r.ID)
	assert.Equal(t, "octo", r.Owner)
	assert.Equal(t, "https://github.com/octo/careerline-intent-1", r.URL)
	assert.Equal(t, "careerline-intent-1", got["name"])
	assert.Equal(t, false, got["private"])
	assert.Equal(t, true, got["auto_init"])
}

func TestMemoryCreateRepositoryRejectsDuplicate(t *testing.T) {
	m := NewMemory()
	m.Owner = "octo"
	r, err := m.CreateRepository(context.Background(), NewRepository{Name: "demo"})
	require.NoError(t, err)
	assert.Equal(t, "octo/demo", r.FullName)
	_, err = m.CreateRepository(context.Background(), NewRepository{Name: "demo"})
	assert.Equal(t, 422, Status(err))
	assert.Equal(t, 2, m.Calls["CreateRepository"])
}

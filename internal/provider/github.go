package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"careerline/internal/config"
	"careerline/internal/logging"
	"careerline/internal/metrics"
)

// GitHub implements Provider with go-github. Diffs are cached per head
// sha since a given commit's diff never changes.
type GitHub struct {
	client *github.Client
	retry  config.RetryConfig
	diffs  *lru.Cache[string, string]
	logger *logging.Logger
}

// NewGitHub builds a client from cfg. An unset token yields an
// unauthenticated client, enough for public repositories.
func NewGitHub(ctx context.Context, cfg config.GitHubConfig, logger *logging.Logger) (*GitHub, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if cfg.Token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
		httpClient = oauth2.NewClient(ctx, ts)
		httpClient.Timeout = 30 * time.Second
	}
	client := github.NewClient(httpClient)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		u, err := url.Parse(strings.TrimSuffix(base, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("github.base_url: %w", err)
		}
		client.BaseURL = u
	}
	size := cfg.DiffCacheSize
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("create diff cache: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &GitHub{client: client, retry: cfg.Retry, diffs: cache, logger: logger.Named("github")}, nil
}

func (g *GitHub) PullRequest(ctx context.Context, owner, name string, number int) (PullRequest, error) {
	var pr *github.PullRequest
	err := g.do(ctx, "pull_request", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = g.client.PullRequests.Get(ctx, owner, name, number)
		return resp, err
	})
	if err != nil {
		return PullRequest{}, err
	}
	return PullRequest{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		Body:    pr.GetBody(),
		Author:  pr.GetUser().GetLogin(),
		URL:     pr.GetHTMLURL(),
		HeadSHA: pr.GetHead().GetSHA(),
		BaseSHA: pr.GetBase().GetSHA(),
		Merged:  pr.GetMerged(),
	}, nil
}

func (g *GitHub) PullRequestDiff(ctx context.Context, owner, name string, number int, headSHA string) (string, error) {
	key := fmt.Sprintf("%s/%s#%d@%s", owner, name, number, headSHA)
	if headSHA != "" {
		if diff, ok := g.diffs.Get(key); ok {
			metrics.ProviderRequests.WithLabelValues("pull_request_diff", "cache_hit").Inc()
			return diff, nil
		}
	}
	var diff string
	err := g.do(ctx, "pull_request_diff", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		diff, resp, err = g.client.PullRequests.GetRaw(ctx, owner, name, number, github.RawOptions{Type: github.Diff})
		return resp, err
	})
	if err != nil {
		return "", err
	}
	if headSHA != "" {
		g.diffs.Add(key, diff)
	}
	return diff, nil
}

func (g *GitHub) Repository(ctx context.Context, owner, name string) (Repository, error) {
	var repo *github.Repository
	err := g.do(ctx, "repository", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		repo, resp, err = g.client.Repositories.Get(ctx, owner, name)
		return resp, err
	})
	if err != nil {
		return Repository{}, err
	}
	return Repository{
		ID:       repo.GetID(),
		Owner:    repo.GetOwner().GetLogin(),
		Name:     repo.GetName(),
		FullName: repo.GetFullName(),
		Private:  repo.GetPrivate(),
		URL:      repo.GetHTMLURL(),
	}, nil
}

func (g *GitHub) CreateRepository(ctx context.Context, nr NewRepository) (Repository, error) {
	var repo *github.Repository
	err := g.do(ctx, "create_repository", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		repo, resp, err = g.client.Repositories.Create(ctx, "", &github.Repository{
			Name:        github.String(nr.Name),
			Description: github.String(nr.Description),
			Private:     github.Bool(nr.Private),
			AutoInit:    github.Bool(true),
		})
		return resp, err
	})
	if err != nil {
		return Repository{}, err
	}
	return Repository{
		ID:       repo.GetID(),
		Owner:    repo.GetOwner().GetLogin(),
		Name:     repo.GetName(),
		FullName: repo.GetFullName(),
		Private:  repo.GetPrivate(),
		URL:      repo.GetHTMLURL(),
	}, nil
}

func (g *GitHub) CreateWebhook(ctx context.Context, owner, name, hookURL, secret string) (int64, error) {
	var hook *github.Hook
	err := g.do(ctx, "create_webhook", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		hook, resp, err = g.client.Repositories.CreateHook(ctx, owner, name, &github.Hook{
			Name:   github.String("web"),
			Active: github.Bool(true),
			Events: []string{"pull_request"},
			Config: map[string]interface{}{
				"url":          hookURL,
				"content_type": "json",
				"secret":       secret,
				"insecure_ssl": "0",
			},
		})
		return resp, err
	})
	if err != nil {
		return 0, err
	}
	return hook.GetID(), nil
}

func (g *GitHub) DeleteWebhook(ctx context.Context, owner, name string, hookID int64) error {
	return g.do(ctx, "delete_webhook", func() (*github.Response, error) {
		return g.client.Repositories.DeleteHook(ctx, owner, name, hookID)
	})
}

// do runs fn with exponential backoff on retryable failures and maps the
// final failure onto StatusError.
func (g *GitHub) do(ctx context.Context, op string, fn func() (*github.Response, error)) error {
	var (
		resp *github.Response
		err  error
	)
	for attempt := 0; ; attempt++ {
		resp, err = fn()
		if err == nil {
			metrics.ProviderRequests.WithLabelValues(op, "ok").Inc()
			return nil
		}
		if attempt >= g.retry.MaxRetries || !retryable(err, resp) {
			break
		}
		wait := g.retry.Backoff(attempt)
		if isRateLimited(resp) {
			wait = rateLimitBackoff(resp, g.retry.MaxBackoff.Duration())
		}
		g.logger.Info(ctx, "retrying github call",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Int("status", statusCode(resp)),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.ProviderRequests.WithLabelValues(op, "error").Inc()
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		case <-timer.C:
		}
	}
	metrics.ProviderRequests.WithLabelValues(op, "error").Inc()
	status := statusCode(resp)
	if status == http.StatusNotFound {
		err = fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return &StatusError{Op: op, Status: status, Err: err}
}

func retryable(err error, resp *github.Response) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}
	status := statusCode(resp)
	switch {
	case status == 0:
		// transport failure
		return true
	case status == http.StatusTooManyRequests:
		return true
	case status == http.StatusForbidden:
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	default:
		return status >= 500
	}
}

func isRateLimited(resp *github.Response) bool {
	status := statusCode(resp)
	return status == http.StatusTooManyRequests || (status == http.StatusForbidden && resp.Rate.Limit > 0 && resp.Rate.Remaining == 0)
}

func rateLimitBackoff(resp *github.Response, ceiling time.Duration) time.Duration {
	if resp == nil || resp.Rate.Reset.Time.IsZero() {
		return ceiling
	}
	wait := time.Until(resp.Rate.Reset.Time) + time.Second
	if wait < time.Second {
		wait = time.Second
	}
	if ceiling > 0 && wait > ceiling {
		wait = ceiling
	}
	return wait
}

func statusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
}

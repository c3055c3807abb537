package server

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"careerline/internal/logging"
	"careerline/internal/metrics"
	"careerline/internal/webhook"
)

// GitHub caps payloads at 25 MB.
const maxWebhookBody = 25 << 20

type webhookResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"eventId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   string `json:"ignored,omitempty"`
}

// registerGitHubWebhook mounts the delivery endpoint on the raw router: the
// signature covers the exact request bytes, so the body must not be
// decoded before verification.
func registerGitHubWebhook(r chi.Router, basePath string, s *api, verifier webhook.Verifier, limiter *ipLimiter) {
	r.Post(path.Join(basePath, "webhooks/github"), func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		if !limiter.allow(clientIP(req)) {
			metrics.WebhookDeliveries.WithLabelValues("rate_limited").Inc()
			respondStatusError(w, newAPIError(http.StatusTooManyRequests, "", "rate limit exceeded", nil))
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxWebhookBody))
		if err != nil {
			metrics.WebhookDeliveries.WithLabelValues("error").Inc()
			respondStatusError(w, newAPIError(http.StatusBadRequest, "INVALID_INPUT", "unreadable body", nil))
			return
		}

		delivery, err := verifier.Verify(req.Header, body)
		ctx = logging.WithFields(ctx, zap.String("delivery_id", delivery.ID), zap.String("github_event", delivery.Event))
		if err != nil {
			metrics.WebhookDeliveries.WithLabelValues("unauthorized").Inc()
			s.logger.Warn(ctx, "webhook rejected", zap.Error(err))
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", err.Error(), nil))
			return
		}
		if delivery.Event != webhook.EventPullRequest {
			metrics.WebhookDeliveries.WithLabelValues("ignored").Inc()
			s.logger.Debug(ctx, "ignoring non pull_request delivery")
			writeJSON(w, http.StatusOK, webhookResponse{Received: true, Ignored: "event_type"})
			return
		}

		evt, err := webhook.ParsePullRequest(body)
		if err != nil {
			metrics.WebhookDeliveries.WithLabelValues("error").Inc()
			s.logger.Warn(ctx, "invalid pull_request payload", zap.Error(err))
			respondStatusError(w, newAPIError(http.StatusBadRequest, "INVALID_INPUT", "invalid pull_request payload", nil))
			return
		}
		res, err := s.e.ReceivePullRequest(ctx, delivery.ID, webhook.Extract(evt), body)
		if err != nil {
			metrics.WebhookDeliveries.WithLabelValues("error").Inc()
			respondStatusError(w, s.handleError(ctx, err))
			return
		}

		out := webhookResponse{Received: true, Ignored: res.Ignored}
		switch {
		case res.Ignored != "":
			metrics.WebhookDeliveries.WithLabelValues("ignored").Inc()
		case !res.Created:
			metrics.WebhookDeliveries.WithLabelValues("duplicate").Inc()
			out.Duplicate = true
		default:
			metrics.WebhookDeliveries.WithLabelValues("accepted").Inc()
		}
		if res.Event != nil {
			out.EventID = res.Event.ID
		}
		writeJSON(w, http.StatusOK, out)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter keeps one token bucket per client address. Idle entries are
// dropped during lookups.
type ipLimiter struct {
	mu          sync.Mutex
	limit       rate.Limit
	burst       int
	entries     map[string]*limiterEntry
	ttl         time.Duration
	lastCleanup time.Time
}

// newIPLimiter returns nil, which allows everything, when perMinute <= 0.
func newIPLimiter(perMinute int) *ipLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &ipLimiter{
		limit:       rate.Every(time.Minute / time.Duration(perMinute)),
		burst:       perMinute,
		entries:     make(map[string]*limiterEntry),
		ttl:         15 * time.Minute,
		lastCleanup: time.Now(),
	}
}

func (l *ipLimiter) allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastCleanup) >= l.ttl {
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) > l.ttl {
				delete(l.entries, k)
			}
		}
		l.lastCleanup = now
	}
	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

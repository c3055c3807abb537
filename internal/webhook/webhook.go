// Package webhook authenticates GitHub deliveries and decodes their
// pull_request payloads.
package webhook

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"

	"careerline/internal/config"
)

const (
	HeaderSignature = "X-Hub-Signature-256"
	HeaderDelivery  = "X-GitHub-Delivery"
	HeaderEvent     = "X-GitHub-Event"

	EventPullRequest = "pull_request"

	signaturePrefix = "sha256="
)

var ErrUnauthorized = errors.New("unauthorized")

// Reasons carried by AuthError.
const (
	ReasonMissingHeaders = "missing_headers"
	ReasonNoSecret       = "secret_not_configured"
	ReasonBadSignature   = "invalid_signature"
)

// AuthError rejects a delivery before its payload is parsed.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	switch e.Reason {
	case ReasonMissingHeaders:
		return "Missing required headers"
	case ReasonNoSecret:
		return "Webhook secret not configured"
	default:
		return "Invalid signature"
	}
}

func (e *AuthError) Is(target error) bool {
	return target == ErrUnauthorized
}

// Delivery identifies a verified webhook request.
type Delivery struct {
	ID    string
	Event string
}

type Verifier struct {
	Secret config.Secret
}

// Verify checks the HMAC-SHA256 signature of body. The delivery id is
// returned even on failure so callers can log it.
func (v Verifier) Verify(headers http.Header, body []byte) (Delivery, error) {
	d := Delivery{
		ID:    strings.TrimSpace(headers.Get(HeaderDelivery)),
		Event: strings.TrimSpace(headers.Get(HeaderEvent)),
	}
	signature := strings.TrimSpace(headers.Get(HeaderSignature))
	if signature == "" || d.ID == "" {
		return d, &AuthError{Reason: ReasonMissingHeaders}
	}
	if !v.Secret.IsSet() {
		return d, &AuthError{Reason: ReasonNoSecret}
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		return d, &AuthError{Reason: ReasonBadSignature}
	}
	if err := github.ValidateSignature(signature, body, []byte(v.Secret.Value())); err != nil {
		return d, &AuthError{Reason: ReasonBadSignature}
	}
	return d, nil
}

// PullRequest is the subset of a pull_request payload the pipeline reads.
type PullRequest struct {
	Action       string
	Merged       bool
	Number       int
	Title        string
	Body         string
	Author       string
	URL          string
	HeadSHA      string
	RepoFullName string
}

// ParsePullRequest decodes a verified pull_request body.
func ParsePullRequest(body []byte) (*github.PullRequestEvent, error) {
	event, err := github.ParseWebHook(EventPullRequest, body)
	if err != nil {
		return nil, fmt.Errorf("parse pull_request payload: %w", err)
	}
	pr, ok := event.(*github.PullRequestEvent)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", event)
	}
	return pr, nil
}

// Extract flattens the fields of evt; missing fields are zero.
func Extract(evt *github.PullRequestEvent) PullRequest {
	out := PullRequest{
		Action:       evt.GetAction(),
		Number:       evt.GetNumber(),
		RepoFullName: evt.GetRepo().GetFullName(),
	}
	if pr := evt.GetPullRequest(); pr != nil {
		out.Merged = pr.GetMerged()
		if out.Number == 0 {
			out.Number = pr.GetNumber()
		}
		out.Title = pr.GetTitle()
		out.Body = pr.GetBody()
		out.Author = pr.GetUser().GetLogin()
		out.URL = pr.GetHTMLURL()
		out.HeadSHA = pr.GetHead().GetSHA()
	}
	return out
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(secret string, body []byte) string {
	return signaturePrefix + hmacHex(secret, body)
}

package engine

import (
	"context"
	"strings"

	"careerline/internal/audit"
	"careerline/internal/domain"
)

type EvidenceInput struct {
	LinkedType string `json:"linkedType" enum:"agent_run,intent"`
	LinkedID   string `json:"linkedId"`
	Kind       string `json:"kind"`
	URL        string `json:"url,omitempty"`
	Hash       string `json:"hash,omitempty"`
}

// CreateEvidence appends an evidence record to an existing run or intent.
func (e Engine) CreateEvidence(ctx context.Context, actorID string, in EvidenceInput) (domain.Evidence, error) {
	if strings.TrimSpace(in.Kind) == "" {
		return domain.Evidence{}, InvalidInputError{Field: "kind", Reason: "required"}
	}
	if err := e.requireLinked(ctx, in.LinkedType, in.LinkedID); err != nil {
		return domain.Evidence{}, err
	}
	ev := domain.Evidence{
		ID:         newID(),
		LinkedType: in.LinkedType,
		LinkedID:   in.LinkedID,
		Kind:       in.Kind,
		URL:        optionalString(in.URL),
		Hash:       optionalString(in.Hash),
		CreatedAt:  e.ts(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Evidence{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEvidence(ctx, tx, ev); err != nil {
		return domain.Evidence{}, err
	}
	if err := e.audit(ctx, tx, "evidence.created", ev.LinkedType, ev.LinkedID, actorID, audit.Payload{
		"evidence_id": ev.ID,
		"kind":        ev.Kind,
	}); err != nil {
		return domain.Evidence{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Evidence{}, err
	}
	return ev, nil
}

func (e Engine) requireLinked(ctx context.Context, linkedType, linkedID string) error {
	if linkedID == "" {
		return InvalidInputError{Field: "linkedId", Reason: "required"}
	}
	switch linkedType {
	case domain.LinkedAgentRun:
		if _, err := e.Repo.GetRun(ctx, linkedID); err != nil {
			return notFound(err, "AgentRun", linkedID)
		}
	case domain.LinkedIntent:
		if _, err := e.Repo.GetIntent(ctx, linkedID); err != nil {
			return notFound(err, "Intent", linkedID)
		}
	default:
		return InvalidInputError{Field: "linkedType", Reason: "must be agent_run or intent"}
	}
	return nil
}

// ListEvidence returns evidence linked to one entity, newest first.
func (e Engine) ListEvidence(ctx context.Context, linkedType, linkedID string) ([]domain.Evidence, error) {
	if linkedType != domain.LinkedAgentRun && linkedType != domain.LinkedIntent {
		return nil, InvalidInputError{Field: "linkedType", Reason: "must be agent_run or intent"}
	}
	items, err := e.Repo.ListEvidence(ctx, linkedType, linkedID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Evidence{}
	}
	return items, nil
}

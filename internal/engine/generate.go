package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"careerline/internal/audit"
	"careerline/internal/diffsum"
	"careerline/internal/domain"
	"careerline/internal/logging"
	"careerline/internal/metrics"
	"careerline/internal/pipeline"
	"careerline/internal/repo"
)

// GenerateArtifact produces the artifact for an event exactly once.
// Concurrent calls in this process share one run; across processes the
// unique source event column decides the winner.
func (e Engine) GenerateArtifact(ctx context.Context, eventID string) (domain.Artifact, error) {
	ctx = logging.WithFields(ctx, zap.String("event_id", eventID))
	if e.generating == nil {
		return e.generateArtifact(ctx, eventID)
	}
	v, err, shared := e.generating.Do(eventID, func() (any, error) {
		return e.generateArtifact(ctx, eventID)
	})
	if shared {
		e.log().Debug(ctx, "joined in-flight generation")
	}
	if err != nil {
		return domain.Artifact{}, err
	}
	return v.(domain.Artifact), nil
}

func (e Engine) generateArtifact(ctx context.Context, eventID string) (domain.Artifact, error) {
	existing, err := e.Repo.GetArtifactBySourceEvent(ctx, eventID)
	if err == nil {
		e.log().Info(ctx, "artifact already exists, returning existing", zap.String("artifact_id", existing.ID))
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Artifact{}, err
	}
	ev, err := e.Repo.GetEvent(ctx, eventID)
	if err != nil {
		return domain.Artifact{}, notFound(err, "PR event", eventID)
	}
	if ev.Status != domain.EventPending && ev.Status != domain.EventProcessing {
		return domain.Artifact{}, StateError{
			Entity:  "pr_event",
			ID:      ev.ID,
			Status:  ev.Status,
			Op:      "generate",
			Message: "PR event is not in processable state: " + ev.Status,
		}
	}

	diff := ev.DiffContent
	stats := ev.DiffStats
	if diff != "" {
		summary := diffsum.Summarize(diff, e.Config.Pipeline.MaxDiffLines)
		diff = summary.Content
		stats = summary.Stats
	}
	out, err := e.Pipeline.Run(ctx, pipeline.Input{Event: ev, Diff: diff, Stats: stats})
	if err != nil {
		e.log().Error(ctx, "generation failed", zap.Error(err))
		if serr := e.setEventStatus(ctx, ev.ID, domain.EventFailed, err.Error(), "pr_event.failed", audit.Payload{"stage": "generation"}); serr != nil {
			e.log().Error(ctx, "failed to mark event failed", zap.Error(serr))
		}
		return domain.Artifact{}, fmt.Errorf("generate artifact for event %s: %w", ev.ID, err)
	}

	card := pipeline.Coerce(out.Card)
	now := e.ts()
	a := domain.Artifact{
		ID:            newID(),
		UserID:        ev.UserID,
		SourceEventID: ev.ID,
		RepositoryID:  ev.RepositoryID,
		Status:        domain.ArtifactInbox,
		Title:         card.Title,
		Description:   card.Description,
		Impact:        card.Impact,
		Technologies:  card.Technologies,
		Contributions: card.Contributions,
		Metrics:       card.Metrics,
		SchemaVersion: domain.ArtifactSchemaVersion,
		GeneratedAt:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if !out.Valid {
		a.Status = domain.ArtifactFlagged
		a.ValidationErrors = out.Errors
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()
	stored, created, err := e.Repo.InsertArtifactIfAbsent(ctx, tx, a)
	if err != nil {
		return domain.Artifact{}, err
	}
	if created {
		if err := e.Repo.CompleteEventTx(ctx, tx, ev.ID, stored.ID, now); err != nil {
			return domain.Artifact{}, err
		}
		if err := e.audit(ctx, tx, "artifact.generated", "artifact", stored.ID, ev.UserID, audit.Payload{
			"source_event_id": ev.ID,
			"status":          stored.Status,
			"attempts":        out.Attempts,
			"errors":          pipeline.FormatErrors(out.Errors),
		}); err != nil {
			return domain.Artifact{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	if created {
		metrics.ArtifactsGenerated.WithLabelValues(stored.Status).Inc()
		e.log().Info(ctx, "artifact generated", zap.String("artifact_id", stored.ID), zap.String("status", stored.Status), zap.Int("attempts", out.Attempts))
	}
	return stored, nil
}

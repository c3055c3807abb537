package engine

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"

	"careerline/internal/audit"
	"careerline/internal/domain"
	"careerline/internal/engine/auth"
)

const (
	FormatReadme = "readme"
	FormatResume = "resume"
)

type Export struct {
	Format      string   `json:"format"`
	Content     string   `json:"content"`
	Count       int      `json:"count"`
	ArtifactIDs []string `json:"exportedAssetCardIds"`
	ExportedAt  string   `json:"exportedAt" format:"date-time"`
}

// ExportArtifacts renders the given reviewed artifacts in one format. Every
// id is checked before anything is written; the artifacts keep their
// status and gain exported_at and the format.
func (e Engine) ExportArtifacts(ctx context.Context, actorID string, ids []string, format string) (Export, error) {
	if err := auth.RequireActor(actorID); err != nil {
		return Export{}, err
	}
	if len(ids) == 0 {
		return Export{}, InvalidInputError{Field: "assetCardIds", Reason: "at least one id is required"}
	}
	for _, id := range ids {
		if id == "" {
			return Export{}, InvalidInputError{Field: "assetCardIds", Reason: "ids must be non-empty"}
		}
	}
	if format != FormatReadme && format != FormatResume {
		return Export{}, InvalidInputError{Field: "format", Reason: "must be readme or resume"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Export{}, err
	}
	defer tx.Rollback()

	found, err := e.Repo.GetArtifactsTx(ctx, tx, ids)
	if err != nil {
		return Export{}, err
	}
	var missing, foreign, notExportable []string
	cards := make([]domain.Artifact, 0, len(ids))
	for _, id := range ids {
		a, ok := found[id]
		switch {
		case !ok:
			missing = append(missing, id)
		case a.UserID != actorID:
			foreign = append(foreign, id)
		case a.Status != domain.ArtifactApproved && a.Status != domain.ArtifactEdited:
			notExportable = append(notExportable, id)
		default:
			cards = append(cards, a)
		}
	}
	if len(missing) > 0 {
		return Export{}, NotFoundError{Entity: "AssetCard(s)", ID: strings.Join(missing, ", ")}
	}
	if len(foreign) > 0 {
		return Export{}, auth.ForbiddenError{Reason: "AssetCard(s) do not belong to user: " + strings.Join(foreign, ", ")}
	}
	if len(notExportable) > 0 {
		return Export{}, StateError{
			Entity:  "artifact",
			Op:      "export",
			Message: "Only approved or edited AssetCards can be exported. Not exportable: " + strings.Join(notExportable, ", "),
		}
	}

	var content string
	if format == FormatReadme {
		content = RenderReadme(cards)
	} else {
		content = RenderResume(cards)
	}

	now := e.ts()
	exported := make([]string, 0, len(cards))
	for _, a := range cards {
		a.ExportedAt = &now
		if !slices.Contains(a.ExportFormats, format) {
			a.ExportFormats = append(a.ExportFormats, format)
		}
		a.UpdatedAt = now
		if err := e.Repo.UpdateArtifactTx(ctx, tx, a); err != nil {
			return Export{}, err
		}
		exported = append(exported, a.ID)
	}
	if err := e.audit(ctx, tx, "artifact.exported", "artifact", "", actorID, audit.Payload{
		"format": format,
		"ids":    exported,
	}); err != nil {
		return Export{}, err
	}
	if err := tx.Commit(); err != nil {
		return Export{}, err
	}
	e.log().Info(ctx, "export completed", zap.String("format", format), zap.Int("count", len(exported)))
	return Export{Format: format, Content: content, Count: len(exported), ArtifactIDs: exported, ExportedAt: now}, nil
}

// RenderReadme renders one markdown section per artifact.
func RenderReadme(cards []domain.Artifact) string {
	sections := make([]string, 0, len(cards))
	for _, a := range cards {
		parts := []string{"## " + a.Title, "", a.Description, ""}
		if a.Impact != "" {
			parts = append(parts, "**Impact:** "+a.Impact, "")
		}
		if len(a.Technologies) > 0 {
			parts = append(parts, "**Technologies:** "+strings.Join(a.Technologies, ", "), "")
		}
		if len(a.Contributions) > 0 {
			parts = append(parts, "**Contributions:**")
			for _, c := range a.Contributions {
				parts = append(parts, "- "+c)
			}
			parts = append(parts, "")
		}
		if a.Metrics != nil && *a.Metrics != "" {
			parts = append(parts, "**Metrics:** "+*a.Metrics, "")
		}
		sections = append(sections, strings.TrimRight(strings.Join(parts, "\n"), " \t\r\n"))
	}
	return strings.Join(sections, "\n---\n\n")
}

// RenderResume renders one bullet per artifact.
func RenderResume(cards []domain.Artifact) string {
	bullets := make([]string, 0, len(cards))
	for _, a := range cards {
		main := a.Description
		if main == "" {
			main = a.Title
		}
		var extras []string
		if a.Impact != "" {
			extras = append(extras, a.Impact)
		}
		if len(a.Technologies) > 0 {
			extras = append(extras, strings.Join(a.Technologies, ", "))
		}
		suffix := ""
		if len(extras) > 0 {
			suffix = " — " + strings.Join(extras, " · ")
		}
		bullets = append(bullets, "- **"+a.Title+"**"+suffix+"\n  "+main)
	}
	return strings.Join(bullets, "\n\n")
}

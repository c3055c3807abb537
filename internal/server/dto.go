package server

import (
	"careerline/internal/domain"
	"careerline/internal/engine"
)

// Request payloads. Fields are optional at the schema level; the engine
// reports missing values with its own codes.

type GenerateTaskRequest struct {
	EventID string `json:"eventId"`
}

type ExportRequest struct {
	AssetCardIDs []string `json:"assetCardIds,omitempty"`
	Format       string   `json:"format,omitempty" enum:"readme,resume"`
}

type CreateIntentRequest struct {
	Goal        string         `json:"goal,omitempty"`
	Constraints domain.Bag     `json:"constraints,omitempty"`
	Success     string         `json:"success,omitempty"`
	PRMeta      *domain.PRMeta `json:"prMeta,omitempty"`
}

type CreateApprovalRequest struct {
	IntentID        string     `json:"intentId,omitempty"`
	Decision        string     `json:"decision,omitempty" enum:"approved,rejected,sent_back"`
	TemplateAnswers domain.Bag `json:"templateAnswers,omitempty"`
	ValidTo         string     `json:"validTo,omitempty"`
}

type CreateRunRequest struct {
	RunID        string `json:"runId,omitempty"`
	IntentID     string `json:"intentId,omitempty"`
	ApprovalID   string `json:"approvalId,omitempty"`
	AgentName    string `json:"agentName,omitempty"`
	AgentVersion string `json:"agentVersion,omitempty"`
	Model        string `json:"model,omitempty"`
	RepoFullName string `json:"repoFullName,omitempty"`
	PRNumber     int    `json:"prNumber,omitempty"`
	PRURL        string `json:"prUrl,omitempty"`
	BaseSHA      string `json:"baseSha,omitempty"`
	HeadSHA      string `json:"headSha,omitempty"`
	DiffHash     string `json:"diffHash,omitempty"`
}

func (r CreateRunRequest) input() engine.RunInput {
	return engine.RunInput{
		RunID:        r.RunID,
		IntentID:     r.IntentID,
		ApprovalID:   r.ApprovalID,
		AgentName:    r.AgentName,
		AgentVersion: r.AgentVersion,
		Model:        r.Model,
		RepoFullName: r.RepoFullName,
		PRNumber:     r.PRNumber,
		PRURL:        r.PRURL,
		BaseSHA:      r.BaseSHA,
		HeadSHA:      r.HeadSHA,
		DiffHash:     r.DiffHash,
	}
}

type ResolveExceptionRequest struct {
	Resolution string `json:"resolution,omitempty"`
}

type BreakGlassRequest struct {
	IntentID string `json:"intentId,omitempty"`
	RunID    string `json:"runId,omitempty"`
}

type CreateEvidenceRequest struct {
	LinkedType string `json:"linkedType,omitempty"`
	LinkedID   string `json:"linkedId,omitempty"`
	Kind       string `json:"kind,omitempty"`
	URL        string `json:"url,omitempty"`
	Hash       string `json:"hash,omitempty"`
}

type ConnectRepositoryRequest struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// Response payloads

type GenerateTaskResponse struct {
	Success     bool   `json:"success"`
	AssetCardID string `json:"assetCardId"`
	Status      string `json:"status"`
}

type RejectResponse struct {
	Success     bool   `json:"success"`
	AssetCardID string `json:"assetCardId"`
}

type RunResponse struct {
	RunID     string  `json:"runId"`
	Status    string  `json:"status"`
	IntentID  string  `json:"intentId"`
	Existing  bool    `json:"existing"`
	ErrorCode *string `json:"errorCode,omitempty"`
}

type RunDetail struct {
	domain.AgentRun
	ReviewOutput *domain.ReviewOutput `json:"reviewOutput,omitempty"`
}

type ListResponse[T any] struct {
	Items []T `json:"items"`
}

func listOf[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items}
}

type ProvisioningRequest struct {
	IntentID       string `json:"intentId,omitempty"`
	ApprovalID     string `json:"approvalId,omitempty"`
	RepositoryName string `json:"repositoryName,omitempty"`
	StructureType  string `json:"structureType,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty" maxLength:"100"`
}

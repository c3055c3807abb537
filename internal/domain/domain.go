package domain

import "time"

// Bag is an opaque key-value document. Only the keys core logic reads
// are ever inspected.
type Bag map[string]any

type Repository struct {
	ID               string  `json:"id"`
	UserID           string  `json:"userId"`
	GitHubRepoID     int64   `json:"githubRepoId"`
	Owner            string  `json:"owner"`
	Name             string  `json:"name"`
	FullName         string  `json:"fullName"`
	IsPrivate        bool    `json:"isPrivate"`
	ConnectionStatus string  `json:"connectionStatus" enum:"connected,disconnected,error"`
	WebhookID        *int64  `json:"webhookId,omitempty"`
	ConnectedAt      *string `json:"connectedAt,omitempty" format:"date-time"`
	DisconnectedAt   *string `json:"disconnectedAt,omitempty" format:"date-time"`
	CreatedAt        string  `json:"createdAt" format:"date-time"`
	UpdatedAt        string  `json:"updatedAt" format:"date-time"`
}

type DiffStats struct {
	FilesChanged int `json:"filesChanged"`
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
	TotalLines   int `json:"totalLines"`
}

// InboundEvent is one stored pull_request delivery.
type InboundEvent struct {
	ID            string    `json:"id"`
	DeliveryID    string    `json:"deliveryId"`
	EventType     string    `json:"eventType" enum:"opened,synchronize,closed,merged"`
	UserID        string    `json:"userId"`
	RepositoryID  string    `json:"repositoryId"`
	PRNumber      int       `json:"prNumber"`
	PRTitle       string    `json:"prTitle"`
	PRDescription string    `json:"prDescription,omitempty"`
	PRAuthor      string    `json:"prAuthor"`
	PRURL         string    `json:"prUrl"`
	HeadSHA       string    `json:"headSha,omitempty"`
	PayloadJSON   string    `json:"-"`
	DiffContent   string    `json:"diffContent,omitempty"`
	DiffStats     DiffStats `json:"diffStats"`
	Status        string    `json:"status" enum:"pending,processing,completed,failed"`
	RetryCount    int       `json:"retryCount"`
	ArtifactID    *string   `json:"artifactId,omitempty"`
	ErrorMessage  *string   `json:"errorMessage,omitempty"`
	ReceivedAt    string    `json:"receivedAt" format:"date-time"`
	UpdatedAt     string    `json:"updatedAt" format:"date-time"`
	ProcessedAt   *string   `json:"processedAt,omitempty" format:"date-time"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Artifact struct {
	ID               string            `json:"id"`
	UserID           string            `json:"userId"`
	SourceEventID    string            `json:"sourceEventId"`
	RepositoryID     string            `json:"repositoryId"`
	Status           string            `json:"status" enum:"inbox,flagged,approved,edited,exported"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	Impact           string            `json:"impact"`
	Technologies     []string          `json:"technologies"`
	Contributions    []string          `json:"contributions"`
	Metrics          *string           `json:"metrics,omitempty"`
	ValidationErrors []ValidationError `json:"validationErrors,omitempty"`
	SchemaVersion    string            `json:"schemaVersion"`
	GeneratedAt      string            `json:"generatedAt" format:"date-time"`
	ApprovedAt       *string           `json:"approvedAt,omitempty" format:"date-time"`
	EditedAt         *string           `json:"editedAt,omitempty" format:"date-time"`
	ExportedAt       *string           `json:"exportedAt,omitempty" format:"date-time"`
	ExportFormats    []string          `json:"exportFormats,omitempty"`
	EditHistory      []ArtifactEdit    `json:"editHistory,omitempty"`
	CreatedAt        string            `json:"createdAt" format:"date-time"`
	UpdatedAt        string            `json:"updatedAt" format:"date-time"`
}

type ArtifactEdit struct {
	Timestamp string `json:"timestamp" format:"date-time"`
	Field     string `json:"field"`
	OldValue  string `json:"oldValue"`
	NewValue  string `json:"newValue"`
}

type FieldChange struct {
	OldValue any `json:"oldValue"`
	NewValue any `json:"newValue"`
}

type DecisionLog struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"userId"`
	ArtifactID   string                 `json:"artifactId"`
	Action       string                 `json:"action" enum:"approve,reject,edit"`
	EditedFields map[string]FieldChange `json:"editedFields,omitempty"`
	Timestamp    string                 `json:"timestamp" format:"date-time"`
}

type PRMeta struct {
	Repo     string `json:"repo,omitempty"`
	PR       int    `json:"pr,omitempty"`
	SHA      string `json:"sha,omitempty"`
	DiffHash string `json:"diffHash,omitempty"`
}

type Intent struct {
	ID               string  `json:"id"`
	Goal             string  `json:"goal"`
	Constraints      Bag     `json:"constraints"`
	Success          string  `json:"success"`
	PRMeta           *PRMeta `json:"prMeta,omitempty"`
	RiskLevel        string  `json:"riskLevel" enum:"Low,Med,High"`
	RiskReason       string  `json:"riskReason"`
	RequiresApproval bool    `json:"requiresApproval"`
	CreatorID        string  `json:"creatorId"`
	CreatedAt        string  `json:"createdAt" format:"date-time"`
	UpdatedAt        string  `json:"updatedAt" format:"date-time"`
}

type Approval struct {
	ID              string  `json:"id"`
	IntentID        string  `json:"intentId"`
	ApproverID      string  `json:"approverId"`
	Decision        string  `json:"decision" enum:"approved,rejected,sent_back"`
	TemplateAnswers Bag     `json:"templateAnswers"`
	ValidFrom       string  `json:"validFrom" format:"date-time"`
	ValidTo         *string `json:"validTo,omitempty" format:"date-time"`
	CreatedAt       string  `json:"createdAt" format:"date-time"`
	UpdatedAt       string  `json:"updatedAt" format:"date-time"`
}

// AgentRun is one execution of the review capability against a PR.
type AgentRun struct {
	ID           string   `json:"id"`
	IntentID     string   `json:"intentId"`
	ApprovalID   *string  `json:"approvalId,omitempty"`
	ActorType    string   `json:"actorType"`
	ActorID      string   `json:"actorId"`
	AgentName    string   `json:"agentName"`
	AgentVersion string   `json:"agentVersion"`
	Model        string   `json:"model"`
	RepoFullName string   `json:"repoFullName"`
	PRNumber     int      `json:"prNumber"`
	PRURL        string   `json:"prUrl,omitempty"`
	BaseSHA      string   `json:"baseSha,omitempty"`
	HeadSHA      string   `json:"headSha,omitempty"`
	DiffHash     string   `json:"diffHash"`
	Status       string   `json:"status" enum:"queued,running,completed,failed,cancelled"`
	StartedAt    *string  `json:"startedAt,omitempty" format:"date-time"`
	EndedAt      *string  `json:"endedAt,omitempty" format:"date-time"`
	ToolsSummary *string  `json:"toolsSummary,omitempty"`
	CostEstimate *float64 `json:"costEstimate,omitempty"`
	ErrorCode    *string  `json:"errorCode,omitempty"`
	CreatedAt    string   `json:"createdAt" format:"date-time"`
	UpdatedAt    string   `json:"updatedAt" format:"date-time"`
}

type Finding struct {
	ID             string  `json:"id"`
	Category       string  `json:"category"`
	Severity       string  `json:"severity" enum:"info,low,medium,high,critical"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	EvidenceRef    string  `json:"evidenceRef,omitempty"`
	Recommendation string  `json:"recommendation,omitempty"`
	Confidence     float64 `json:"confidence"`
}

type ReviewOutput struct {
	ID            string    `json:"id"`
	RunID         string    `json:"runId"`
	Summary       string    `json:"summary"`
	Findings      []Finding `json:"findings"`
	SafeToProceed bool      `json:"safeToProceed"`
	Status        string    `json:"status" enum:"completed,failed"`
	ErrorCode     *string   `json:"errorCode,omitempty"`
	CreatedAt     string    `json:"createdAt" format:"date-time"`
}

type ExceptionEvent struct {
	ID         string  `json:"id"`
	Type       string  `json:"type" enum:"unapproved_attempt,break_glass,approval_expired"`
	IntentID   *string `json:"intentId,omitempty"`
	RunID      *string `json:"runId,omitempty"`
	ApprovalID *string `json:"approvalId,omitempty"`
	ActorID    *string `json:"actorId,omitempty"`
	Resolution *string `json:"resolution,omitempty"`
	ResolvedBy *string `json:"resolvedBy,omitempty"`
	ResolvedAt *string `json:"resolvedAt,omitempty" format:"date-time"`
	CreatedAt  string  `json:"createdAt" format:"date-time"`
}

type Evidence struct {
	ID         string  `json:"id"`
	LinkedType string  `json:"linkedType" enum:"agent_run,intent"`
	LinkedID   string  `json:"linkedId"`
	Kind       string  `json:"kind"`
	URL        *string `json:"url,omitempty"`
	Hash       *string `json:"hash,omitempty"`
	CreatedAt  string  `json:"createdAt" format:"date-time"`
}

// Task is a row of the dispatcher outbox.
type Task struct {
	ID            string  `json:"id"`
	Queue         string  `json:"queue"`
	TargetURL     string  `json:"targetUrl"`
	PayloadJSON   string  `json:"payloadJson"`
	Status        string  `json:"status" enum:"queued,delivered,dead"`
	Attempts      int     `json:"attempts"`
	NextAttemptAt string  `json:"nextAttemptAt" format:"date-time"`
	LastError     *string `json:"lastError,omitempty"`
	CreatedAt     string  `json:"createdAt" format:"date-time"`
	UpdatedAt     string  `json:"updatedAt" format:"date-time"`
}

type AuditEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entityKind"`
	EntityID   string `json:"entityId,omitempty"`
	ActorID    string `json:"actorId"`
	Payload    string `json:"payloadJson"`
}

// APIKey is a stored credential. Only the hash of the secret is kept;
// Prefix identifies the key in listings.
type APIKey struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actorId"`
	Name       string  `json:"name,omitempty"`
	Prefix     string  `json:"prefix"`
	KeyHash    string  `json:"-"`
	LastUsedAt *string `json:"lastUsedAt,omitempty" format:"date-time"`
	RevokedAt  *string `json:"revokedAt,omitempty" format:"date-time"`
	CreatedAt  string  `json:"createdAt" format:"date-time"`
}

// ProvisioningEvent records a repository created for an approved intent.
type ProvisioningEvent struct {
	ID            string  `json:"eventId"`
	IntentID      string  `json:"intentId"`
	ApprovalID    string  `json:"approvalId"`
	ActorID       string  `json:"actorId"`
	ResourceType  string  `json:"resourceType"`
	ResourceID    string  `json:"resourceId"`
	ResourceURL   string  `json:"resourceUrl"`
	StructureType *string `json:"structureType,omitempty"`
	CreatedAt     string  `json:"createdAt" format:"date-time"`
}

// Status and enum values shared across packages.
const (
	EventPending    = "pending"
	EventProcessing = "processing"
	EventCompleted  = "completed"
	EventFailed     = "failed"

	ArtifactInbox    = "inbox"
	ArtifactFlagged  = "flagged"
	ArtifactApproved = "approved"
	ArtifactEdited   = "edited"
	ArtifactExported = "exported"

	RepoConnected    = "connected"
	RepoDisconnected = "disconnected"
	RepoError        = "error"

	RiskLow  = "Low"
	RiskMed  = "Med"
	RiskHigh = "High"

	DecisionApproved = "approved"
	DecisionRejected = "rejected"
	DecisionSentBack = "sent_back"

	RunQueued    = "queued"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"

	ExceptionUnapprovedAttempt = "unapproved_attempt"
	ExceptionBreakGlass        = "break_glass"
	ExceptionApprovalExpired   = "approval_expired"

	LinkedAgentRun = "agent_run"
	LinkedIntent   = "intent"

	TaskQueued    = "queued"
	TaskDelivered = "delivered"
	TaskDead      = "dead"

	ResourceRepository = "repository"

	ArtifactSchemaVersion = "1.0.0"
)

// TimeLayout is fixed-width so stored timestamps sort lexically in time
// order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in UTC with TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

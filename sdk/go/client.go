package careerlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Careerline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// AssetCard is the API artifact model (partial).
type AssetCard struct {
	ID            string   `json:"id"`
	Status        string   `json:"status"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Impact        string   `json:"impact"`
	Technologies  []string `json:"technologies"`
	Contributions []string `json:"contributions"`
	Metrics       *string  `json:"metrics,omitempty"`
	GeneratedAt   string   `json:"generatedAt"`
}

// AssetPage wraps inbox and library listings.
type AssetPage struct {
	Items      []AssetCard `json:"items"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

// AssetPatch changes only the fields that are set.
type AssetPatch struct {
	Title         *string  `json:"title,omitempty"`
	Description   *string  `json:"description,omitempty"`
	Impact        *string  `json:"impact,omitempty"`
	Technologies  []string `json:"technologies,omitempty"`
	Contributions []string `json:"contributions,omitempty"`
	Metrics       *string  `json:"metrics,omitempty"`
}

type Export struct {
	Format       string   `json:"format"`
	Content      string   `json:"content"`
	Count        int      `json:"count"`
	AssetCardIDs []string `json:"exportedAssetCardIds"`
	ExportedAt   string   `json:"exportedAt"`
}

type Intent struct {
	ID               string `json:"id"`
	Goal             string `json:"goal"`
	Success          string `json:"success"`
	RiskLevel        string `json:"riskLevel"`
	RiskReason       string `json:"riskReason"`
	RequiresApproval bool   `json:"requiresApproval"`
}

type Approval struct {
	ID         string  `json:"id"`
	IntentID   string  `json:"intentId"`
	ApproverID string  `json:"approverId"`
	Decision   string  `json:"decision"`
	ValidTo    *string `json:"validTo,omitempty"`
}

// RunRequest admits an agent run through the approval gate.
type RunRequest struct {
	RunID        string `json:"runId,omitempty"`
	IntentID     string `json:"intentId"`
	ApprovalID   string `json:"approvalId,omitempty"`
	AgentName    string `json:"agentName,omitempty"`
	AgentVersion string `json:"agentVersion,omitempty"`
	Model        string `json:"model,omitempty"`
	RepoFullName string `json:"repoFullName,omitempty"`
	PRNumber     int    `json:"prNumber,omitempty"`
	DiffHash     string `json:"diffHash,omitempty"`
}

type Run struct {
	RunID     string  `json:"runId"`
	Status    string  `json:"status"`
	IntentID  string  `json:"intentId"`
	Existing  bool    `json:"existing"`
	ErrorCode *string `json:"errorCode,omitempty"`
}

type KPISummary struct {
	LinkRate         float64 `json:"linkRate"`
	ApprovalRate     float64 `json:"approvalRate"`
	AuditSuccessRate float64 `json:"auditSuccessRate"`
	Runs             int     `json:"runs"`
}

type ProvisioningRequest struct {
	IntentID       string `json:"intentId"`
	ApprovalID     string `json:"approvalId"`
	RepositoryName string `json:"repositoryName,omitempty"`
	StructureType  string `json:"structureType,omitempty"`
}

type ProvisioningJob struct {
	JobID    string `json:"jobId"`
	IntentID string `json:"intentId"`
	Message  string `json:"message"`
}

type ProvisioningEvent struct {
	ID            string  `json:"eventId"`
	IntentID      string  `json:"intentId"`
	ApprovalID    string  `json:"approvalId"`
	ActorID       string  `json:"actorId"`
	ResourceType  string  `json:"resourceType"`
	ResourceID    string  `json:"resourceId"`
	ResourceURL   string  `json:"resourceUrl"`
	StructureType *string `json:"structureType,omitempty"`
	CreatedAt     string  `json:"createdAt"`
}

type APIKey struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Prefix     string  `json:"prefix"`
	LastUsedAt *string `json:"lastUsedAt,omitempty"`
	RevokedAt  *string `json:"revokedAt,omitempty"`
	CreatedAt  string  `json:"createdAt"`
}

// IssuedAPIKey is only returned by CreateAPIKey.
type IssuedAPIKey struct {
	Key    APIKey `json:"key"`
	Secret string `json:"secret"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Inbox lists AssetCards awaiting review.
func (c *Client) Inbox(ctx context.Context, limit int, cursor string) (AssetPage, error) {
	var resp AssetPage
	err := c.do(ctx, http.MethodGet, withPage("assets/inbox", limit, cursor), nil, &resp)
	return resp, err
}

// Library lists reviewed AssetCards.
func (c *Client) Library(ctx context.Context, limit int, cursor string) (AssetPage, error) {
	var resp AssetPage
	err := c.do(ctx, http.MethodGet, withPage("assets/library", limit, cursor), nil, &resp)
	return resp, err
}

func (c *Client) Asset(ctx context.Context, id string) (AssetCard, error) {
	var resp AssetCard
	err := c.do(ctx, http.MethodGet, "assets/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ApproveAsset(ctx context.Context, id string) (AssetCard, error) {
	var resp AssetCard
	err := c.do(ctx, http.MethodPost, "assets/"+url.PathEscape(id)+"/approve", nil, &resp)
	return resp, err
}

func (c *Client) EditAsset(ctx context.Context, id string, patch AssetPatch) (AssetCard, error) {
	var resp AssetCard
	err := c.do(ctx, http.MethodPatch, "assets/"+url.PathEscape(id), patch, &resp)
	return resp, err
}

// RejectAsset deletes the AssetCard.
func (c *Client) RejectAsset(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "assets/"+url.PathEscape(id), nil, nil)
}

// Export renders approved or edited AssetCards as readme or resume text.
func (c *Client) Export(ctx context.Context, ids []string, format string) (Export, error) {
	body := map[string]any{
		"assetCardIds": ids,
		"format":       format,
	}
	var resp Export
	err := c.do(ctx, http.MethodPost, "export", body, &resp)
	return resp, err
}

func (c *Client) CreateIntent(ctx context.Context, goal, success string) (Intent, error) {
	body := map[string]any{
		"goal":    goal,
		"success": success,
	}
	var resp Intent
	err := c.do(ctx, http.MethodPost, "intents", body, &resp)
	return resp, err
}

func (c *Client) CreateApproval(ctx context.Context, intentID, decision string, validTo time.Time) (Approval, error) {
	body := map[string]any{
		"intentId": intentID,
		"decision": decision,
		"validTo":  validTo.UTC().Format(time.RFC3339),
	}
	var resp Approval
	err := c.do(ctx, http.MethodPost, "approvals", body, &resp)
	return resp, err
}

// CreateRun submits a run. Gate rejections surface as *APIError with the
// gate code.
func (c *Client) CreateRun(ctx context.Context, in RunRequest) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "agent-runs", in, &resp)
	return resp, err
}

// AuditReport returns the markdown reconciliation report for the window.
func (c *Client) AuditReport(ctx context.Context, from, to time.Time, repo string) (string, error) {
	q := url.Values{}
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))
	if repo != "" {
		q.Set("repo", repo)
	}
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, "audit/report?"+q.Encode(), nil, &buf)
	return buf.String(), err
}

func (c *Client) KPISummary(ctx context.Context) (KPISummary, error) {
	var resp KPISummary
	err := c.do(ctx, http.MethodGet, "kpi/summary", nil, &resp)
	return resp, err
}

// RequestProvisioning enqueues repository creation for an approved intent.
func (c *Client) RequestProvisioning(ctx context.Context, in ProvisioningRequest) (ProvisioningJob, error) {
	var resp ProvisioningJob
	err := c.do(ctx, http.MethodPost, "provisioning", in, &resp)
	return resp, err
}

func (c *Client) ProvisioningEvents(ctx context.Context, intentID string, limit int) ([]ProvisioningEvent, error) {
	q := url.Values{}
	if intentID != "" {
		q.Set("intentId", intentID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "provisioning/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []ProvisioningEvent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateAPIKey(ctx context.Context, name string) (IssuedAPIKey, error) {
	var resp IssuedAPIKey
	err := c.do(ctx, http.MethodPost, "api-keys", map[string]any{"name": name}, &resp)
	return resp, err
}

func (c *Client) RevokeAPIKey(ctx context.Context, id string) (APIKey, error) {
	var resp APIKey
	err := c.do(ctx, http.MethodDelete, "api-keys/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func withPage(endpoint string, limit int, cursor string) string {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

// do sends the request. out may be a *bytes.Buffer to receive the raw body.
func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	switch dst := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		_, err := io.Copy(dst, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

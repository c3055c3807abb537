package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"careerline/internal/config"
	"careerline/internal/db"
	"careerline/internal/dispatch"
	"careerline/internal/domain"
	"careerline/internal/engine"
	"careerline/internal/llm"
	"careerline/internal/logging"
	"careerline/internal/migrate"
	"careerline/internal/pipeline"
	"careerline/internal/provider"
	"careerline/internal/webhook"
)

const (
	testWebhookSecret = "s3cret-webhook"
	testTaskToken     = "task-token"
	testJWTSecret     = "jwt-secret"
)

const validCard = `{"title":"Add LRU diff cache","description":"Cached PR diffs keyed by head sha.","impact":"Fewer API calls","technologies":["Go","SQLite"],"contributions":["Cache layer"],"metrics":"-40% API calls"}`

const sampleDiff = `diff --git a/cache.go b/cache.go
--- a/cache.go
+++ b/cache.go
@@ -1,2 +1,3 @@
+package cache
+var size = 128
-var size = 64`

const prPayload = `{
  "action": "opened",
  "number": 7,
  "pull_request": {
    "number": 7,
    "title": "Add cache",
    "body": "Adds a cache",
    "merged": false,
    "html_url": "https://github.com/acme/api/pull/7",
    "user": {"login": "octo"},
    "head": {"sha": "abc123"}
  },
  "repository": {"full_name": "acme/api"}
}`

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []dispatch.Task
}

func (d *recordingDispatcher) Enqueue(_ context.Context, t dispatch.Task) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, t)
	return t.IdempotencyKey, nil
}

func (d *recordingDispatcher) keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var keys []string
	for _, t := range d.tasks {
		keys = append(keys, t.IdempotencyKey)
	}
	return keys
}

type testServer struct {
	URL        string
	Engine     engine.Engine
	Logger     *logging.TestLogger
	Dispatcher *recordingDispatcher
	client     *http.Client
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Server.PublicURL = "https://careerline.test"
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return testNow }
	mem := provider.NewMemory()
	mem.AddPullRequest("acme", "api", provider.PullRequest{Number: 7, Title: "Add cache", Body: "Adds a cache", HeadSHA: "abc123"}, sampleDiff)
	e.Provider = mem
	disp := &recordingDispatcher{}
	e.Dispatcher = disp
	e.Pipeline = pipeline.NewRunner(&llm.Scripted{Responses: []any{"facts", validCard}}, logging.NewNop())

	ts := domain.FormatTime(testNow)
	if _, err := e.Repo.UpsertRepositoryTx(ctx, nil, domain.Repository{
		ID: "repo-1", UserID: "user-1", Owner: "acme", Name: "api", FullName: "acme/api",
		ConnectionStatus: domain.RepoConnected, CreatedAt: ts, UpdatedAt: ts,
	}); err != nil {
		t.Fatalf("seed repository: %v", err)
	}

	logger := logging.NewTestLogger()
	scfg := Config{
		Engine:        e,
		BasePath:      "/v1",
		Auth:          AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
		WebhookSecret: config.Secret(testWebhookSecret),
		TaskToken:     config.Secret(testTaskToken),
		Logger:        logger.Logger,
	}
	if mutate != nil {
		mutate(&scfg)
	}
	handler, err := New(scfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{
		URL:        "http://" + ln.Addr().String(),
		Engine:     e,
		Logger:     logger,
		Dispatcher: disp,
		client:     &http.Client{},
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asUser(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func taskHeadersFor(name string) map[string]string {
	return map[string]string{
		"X-Careerline-Task-Token":  testTaskToken,
		"X-Careerline-Task-Name":   name,
		"X-Careerline-Retry-Count": "0",
	}
}

func webhookHeaders(delivery, event string, body []byte) map[string]string {
	return map[string]string{
		webhook.HeaderDelivery:  delivery,
		webhook.HeaderEvent:     event,
		webhook.HeaderSignature: webhook.Sign(testWebhookSecret, body),
	}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %T: %v (%s)", out, err, string(data))
	}
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	return decode[apiError](t, data).Body.Code
}

// deliverAndGenerate pushes prPayload through the webhook and both task
// endpoints and returns the generated artifact id.
func deliverAndGenerate(t *testing.T, srv *testServer, delivery string) string {
	t.Helper()
	body := []byte(prPayload)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/webhooks/github", body, webhookHeaders(delivery, webhook.EventPullRequest, body))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	hook := decode[webhookResponse](t, data)
	require.NotEmpty(t, hook.EventID)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/pr-event-processor", engine.ProcessInput{
		EventID: hook.EventID, UserID: "user-1", RepositoryID: "repo-1",
	}, taskHeadersFor("processor"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.True(t, decode[engine.ProcessResult](t, data).Processed)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/asset-generator", GenerateTaskRequest{EventID: hook.EventID}, taskHeadersFor("generator"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	gen := decode[GenerateTaskResponse](t, data)
	require.True(t, gen.Success)
	require.Equal(t, domain.ArtifactInbox, gen.Status)
	return gen.AssetCardID
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t, nil)
	url := srv.URL + "/v1/repositories"

	res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, data))

	token, err := SignToken(testJWTSecret, "user-1", time.Hour)
	require.NoError(t, err)
	res, data = doJSON(t, srv.Client(), http.MethodGet, url, nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	list := decode[ListResponse[domain.Repository]](t, data)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "acme/api", list.Items[0].FullName)

	forged, err := SignToken("other-secret", "user-1", time.Hour)
	require.NoError(t, err)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, url, nil, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	issued, err := srv.Engine.IssueAPIKey(context.Background(), "user-2", "ci")
	require.NoError(t, err)
	res, data = doJSON(t, srv.Client(), http.MethodGet, url, nil, map[string]string{"X-Api-Key": issued.Secret})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Empty(t, decode[ListResponse[domain.Repository]](t, data).Items)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, url, nil, map[string]string{"X-Api-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, url, nil, asUser("user-1"))
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestLegacyActorHeaderCanBeDisabled(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.Auth.AllowLegacyActorHeader = false })
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/repositories", nil, asUser("user-1"))
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, data))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv := newTestServer(t, nil)
	body := []byte(prPayload)
	headers := webhookHeaders("d-1", webhook.EventPullRequest, body)
	headers[webhook.HeaderSignature] = webhook.Sign("not-the-secret", body)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/webhooks/github", body, headers)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, data))
	assert.Empty(t, srv.Dispatcher.keys())
	srv.Logger.AssertLogged(t, zapcore.WarnLevel, "webhook rejected")
	srv.Logger.AssertNoValue(t, testWebhookSecret)
}

func TestWebhookIngestsOnce(t *testing.T) {
	srv := newTestServer(t, nil)
	body := []byte(prPayload)
	url := srv.URL + "/v1/webhooks/github"

	res, data := doJSON(t, srv.Client(), http.MethodPost, url, body, webhookHeaders("d-1", webhook.EventPullRequest, body))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	first := decode[webhookResponse](t, data)
	assert.True(t, first.Received)
	assert.False(t, first.Duplicate)
	assert.NotEmpty(t, first.EventID)
	assert.Equal(t, []string{dispatch.ProcessorKey("d-1")}, srv.Dispatcher.keys())

	res, data = doJSON(t, srv.Client(), http.MethodPost, url, body, webhookHeaders("d-1", webhook.EventPullRequest, body))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	again := decode[webhookResponse](t, data)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.EventID, again.EventID)
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	srv := newTestServer(t, nil)
	body := []byte(`{"zen":"Keep it logically awesome."}`)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/webhooks/github", body, webhookHeaders("d-ping", "ping", body))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	out := decode[webhookResponse](t, data)
	assert.Equal(t, "event_type", out.Ignored)
	assert.Empty(t, srv.Dispatcher.keys())
}

func TestWebhookIgnoresUnknownRepository(t *testing.T) {
	srv := newTestServer(t, nil)
	body := []byte(strings.Replace(prPayload, `"full_name": "acme/api"`, `"full_name": "acme/other"`, 1))
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/webhooks/github", body, webhookHeaders("d-2", webhook.EventPullRequest, body))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	out := decode[webhookResponse](t, data)
	assert.Equal(t, engine.IgnoredRepositoryNotConnected, out.Ignored)
	assert.Empty(t, out.EventID)
}

func TestWebhookRateLimit(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.WebhookRatePerMinute = 1 })
	body := []byte(prPayload)
	url := srv.URL + "/v1/webhooks/github"

	res, _ := doJSON(t, srv.Client(), http.MethodPost, url, body, webhookHeaders("d-1", webhook.EventPullRequest, body))
	require.Equal(t, http.StatusOK, res.StatusCode)
	res, data := doJSON(t, srv.Client(), http.MethodPost, url, body, webhookHeaders("d-2", webhook.EventPullRequest, body))
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, data))
}

func TestTaskEndpointsRequireToken(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/asset-generator", GenerateTaskRequest{EventID: "missing"}, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/asset-generator", GenerateTaskRequest{EventID: "missing"}, taskHeadersFor("generator"))
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "NOT_FOUND", errorCode(t, data))
}

func TestAssetReviewFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	id := deliverAndGenerate(t, srv, "d-1")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/assets/inbox", nil, asUser("user-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	inbox := decode[engine.Page[domain.Artifact]](t, data)
	require.Len(t, inbox.Items, 1)
	assert.Equal(t, id, inbox.Items[0].ID)
	assert.Equal(t, "Add LRU diff cache", inbox.Items[0].Title)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/assets/"+id, nil, asUser("user-2"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "FORBIDDEN", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/assets/nope", nil, asUser("user-1"))
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/assets/"+id+"/approve", nil, asUser("user-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.ArtifactApproved, decode[domain.Artifact](t, data).Status)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/assets/"+id+"/approve", nil, asUser("user-1"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/assets/"+id+"/decisions", nil, asUser("user-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[ListResponse[domain.DecisionLog]](t, data).Items, 1)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/export", ExportRequest{AssetCardIDs: []string{id}, Format: "readme"}, asUser("user-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	out := decode[engine.Export](t, data)
	assert.Equal(t, 1, out.Count)
	assert.Contains(t, out.Content, "Add LRU diff cache")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/assets/library", nil, asUser("user-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[engine.Page[domain.Artifact]](t, data).Items, 1)
}

func TestRejectDeletesAsset(t *testing.T) {
	srv := newTestServer(t, nil)
	id := deliverAndGenerate(t, srv, "d-1")

	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/assets/"+id, nil, asUser("user-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, RejectResponse{Success: true, AssetCardID: id}, decode[RejectResponse](t, data))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/assets/"+id, nil, asUser("user-1"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestRunGate(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/intents", CreateIntentRequest{Goal: "fix security bug", Success: "tests pass"}, asUser("user-1"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	intent := decode[domain.Intent](t, data)
	require.Equal(t, domain.RiskHigh, intent.RiskLevel)

	run := CreateRunRequest{
		RunID: "run-1", IntentID: intent.ID, AgentName: "reviewer", AgentVersion: "1.0", Model: "stub",
		RepoFullName: "acme/api", PRNumber: 7, DiffHash: "h1",
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agent-runs", run, asUser("user-1"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "APPROVAL_REQUIRED", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agent-runs", CreateRunRequest{RunID: "run-x"}, asUser("user-1"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "MISSING_INTENT_ID", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/approvals", CreateApprovalRequest{
		IntentID: intent.ID, Decision: "approved", ValidTo: "2024-06-01T00:00:00Z",
	}, asUser("lead-1"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	approval := decode[domain.Approval](t, data)

	run.ApprovalID = approval.ID
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agent-runs", run, asUser("user-1"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	created := decode[RunResponse](t, data)
	assert.Equal(t, "run-1", created.RunID)
	assert.Equal(t, domain.RunCompleted, created.Status)
	assert.False(t, created.Existing)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agent-runs", run, asUser("user-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.True(t, decode[RunResponse](t, data).Existing)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/agent-runs/run-1", nil, asUser("user-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	detail := decode[RunDetail](t, data)
	assert.Equal(t, intent.ID, detail.IntentID)
	assert.NotNil(t, detail.ReviewOutput)
}

func TestResolveExceptionTwiceConflicts(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/intents", CreateIntentRequest{Goal: "fix security bug", Success: "tests pass"}, asUser("user-1"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	intent := decode[domain.Intent](t, data)
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agent-runs", CreateRunRequest{IntentID: intent.ID}, asUser("user-1"))
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/exceptions/inbox?type="+domain.ExceptionUnapprovedAttempt, nil, asUser("lead-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	items := decode[ListResponse[domain.ExceptionEvent]](t, data).Items
	require.Len(t, items, 1)

	url := srv.URL + "/v1/exceptions/" + items[0].ID + "/resolve"
	res, data = doJSON(t, client, http.MethodPost, url, ResolveExceptionRequest{Resolution: "reviewed"}, asUser("lead-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodPost, url, ResolveExceptionRequest{Resolution: "again"}, asUser("lead-1"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "CONFLICT", errorCode(t, data))
}

func TestAuditReportContentNegotiation(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	base := srv.URL + "/v1/audit/report?from=2023-12-01T00:00:00Z&to=2024-02-01T00:00:00Z"

	req, err := http.NewRequest(http.MethodGet, base, nil)
	require.NoError(t, err)
	req.Header.Set("X-Actor-Id", "auditor")
	res, err := client.Do(req)
	require.NoError(t, err)
	data, _ := io.ReadAll(res.Body)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, contentTypeMarkdown, res.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(string(data), "#"), string(data))

	res, data = doJSON(t, client, http.MethodGet, base, nil, map[string]string{"X-Actor-Id": "auditor", "Accept": "application/json"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Contains(t, res.Header.Get("Content-Type"), "application/json")
	report := decode[engine.Report](t, data)
	assert.Equal(t, 1, report.SuccessMetric)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/audit/report?from=yesterday&to=today", nil, asUser("auditor"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "INVALID_DATE_RANGE", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/audit/report?from=2024-02-01T00:00:00Z&to=2024-01-01T00:00:00Z", nil, asUser("auditor"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "FROM_AFTER_TO", errorCode(t, data))
}

func TestTaskTokenHeaderIsBound(t *testing.T) {
	srv := newTestServer(t, nil)
	url := srv.URL + "/v1/tasks/pr-event-processor"
	in := engine.ProcessInput{EventID: "missing", UserID: "user-1", RepositoryID: "repo-1"}

	headers := taskHeadersFor("processor")
	headers["X-Careerline-Task-Token"] = "wrong"
	res, data := doJSON(t, srv.Client(), http.MethodPost, url, in, headers)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, url, in, taskHeadersFor("processor"))
	require.NotEqual(t, http.StatusUnauthorized, res.StatusCode, string(data))
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/provisioning", engine.ProvisionInput{IntentID: "missing"}, taskHeadersFor("provisioning"))
	require.NotEqual(t, http.StatusUnauthorized, res.StatusCode, string(data))
}

func TestAPIKeyRevocation(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/api-keys", CreateAPIKeyRequest{Name: "laptop"}, asUser("user-1"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	issued := decode[engine.IssuedAPIKey](t, data)
	require.NotEmpty(t, issued.Secret)
	assert.NotContains(t, string(data), "keyHash")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/repositories", nil, map[string]string{"X-Api-Key": issued.Secret})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.Len(t, decode[ListResponse[domain.Repository]](t, data).Items, 1)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/api-keys", nil, asUser("user-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	keys := decode[ListResponse[domain.APIKey]](t, data).Items
	require.Len(t, keys, 1)
	assert.Equal(t, issued.Key.ID, keys[0].ID)
	assert.NotContains(t, string(data), issued.Secret)

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/api-keys/"+issued.Key.ID, nil, asUser("user-2"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/api-keys/"+issued.Key.ID, nil, asUser("user-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.NotNil(t, decode[domain.APIKey](t, data).RevokedAt)

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/api-keys/"+issued.Key.ID, nil, asUser("user-1"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/repositories", nil, map[string]string{"X-Api-Key": issued.Secret})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestProvisioningFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/intents", CreateIntentRequest{Goal: "Harden security boundaries"}, asUser("user-1"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	intent := decode[domain.Intent](t, data)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/provisioning", ProvisioningRequest{IntentID: intent.ID}, asUser("user-1"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/provisioning", ProvisioningRequest{IntentID: intent.ID, ApprovalID: "nope"}, asUser("user-1"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, engine.GateApprovalNotFound, errorCode(t, data))
	assert.Empty(t, srv.Dispatcher.keys())

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/approvals", CreateApprovalRequest{
		IntentID: intent.ID, Decision: domain.DecisionApproved, ValidTo: "2024-02-01T00:00:00Z",
	}, asUser("lead-1"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	approval := decode[domain.Approval](t, data)

	req := ProvisioningRequest{IntentID: intent.ID, ApprovalID: approval.ID, RepositoryName: "portfolio"}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/provisioning", req, asUser("user-1"))
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	job := decode[engine.ProvisioningJob](t, data)
	assert.Equal(t, dispatch.ProvisioningKey(intent.ID, ""), job.JobID)
	assert.Equal(t, []string{job.JobID}, srv.Dispatcher.keys())

	in := engine.ProvisionInput{IntentID: intent.ID, ApprovalID: approval.ID, ActorID: "user-1", RepositoryName: "portfolio"}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/provisioning", in, taskHeadersFor("provisioning"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	first := decode[engine.ProvisionResult](t, data)
	assert.True(t, first.OK)
	assert.False(t, first.AlreadyProvisioned)
	assert.Equal(t, "https://github.com/careerline/portfolio", first.ResourceURL)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/provisioning", in, taskHeadersFor("provisioning"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.True(t, decode[engine.ProvisionResult](t, data).AlreadyProvisioned)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/provisioning/events?intentId="+intent.ID, nil, asUser("user-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	events := decode[ListResponse[domain.ProvisioningEvent]](t, data).Items
	require.Len(t, events, 1)
	assert.Equal(t, first.ResourceID, events[0].ResourceID)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/provisioning/events?from=yesterday", nil, asUser("user-1"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

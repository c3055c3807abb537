package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"careerline/internal/config"
	"careerline/internal/db"
	"careerline/internal/dispatch"
	"careerline/internal/domain"
	"careerline/internal/engine"
	"careerline/internal/engine/auth"
	"careerline/internal/llm"
	"careerline/internal/logging"
	"careerline/internal/migrate"
	"careerline/internal/pipeline"
	"careerline/internal/provider"
	"careerline/internal/repo"
	"careerline/internal/webhook"
)

const validCard = `{"title":"Add LRU diff cache","description":"Cached PR diffs keyed by head sha.","impact":"Fewer API calls","technologies":["Go","SQLite"],"contributions":["Cache layer"],"metrics":"-40% API calls"}`

const sampleDiff = `diff --git a/cache.go b/cache.go
--- a/cache.go
+++ b/cache.go
@@ -1,2 +1,3 @@
+package cache
+var size = 128
-var size = 64`

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []dispatch.Task
	err   error
}

func (d *recordingDispatcher) Enqueue(_ context.Context, t dispatch.Task) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
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

type testEnv struct {
	Engine     engine.Engine
	Ctx        context.Context
	Provider   *provider.Memory
	Dispatcher *recordingDispatcher
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Server.PublicURL = "https://careerline.test"
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return testNow }
	mem := provider.NewMemory()
	disp := &recordingDispatcher{}
	eng.Provider = mem
	eng.Dispatcher = disp
	return testEnv{Engine: eng, Ctx: ctx, Provider: mem, Dispatcher: disp}
}

func (env testEnv) seedRepository(t *testing.T, id, userID, fullName string) domain.Repository {
	t.Helper()
	owner, name, _ := strings.Cut(fullName, "/")
	ts := domain.FormatTime(testNow)
	r, err := env.Engine.Repo.UpsertRepositoryTx(env.Ctx, nil, domain.Repository{
		ID: id, UserID: userID, Owner: owner, Name: name, FullName: fullName,
		ConnectionStatus: domain.RepoConnected, CreatedAt: ts, UpdatedAt: ts,
	})
	if err != nil {
		t.Fatalf("seed repository: %v", err)
	}
	return r
}

func testPR(action string) webhook.PullRequest {
	return webhook.PullRequest{
		Action: action, Number: 7, Title: "Add cache", Body: "Adds a cache", Author: "octo",
		URL: "https://github.com/acme/api/pull/7", HeadSHA: "abc123", RepoFullName: "acme/api",
	}
}

func (env testEnv) ingest(t *testing.T, delivery string) domain.InboundEvent {
	t.Helper()
	ev, _, err := env.Engine.Ingest(env.Ctx, engine.IngestInput{
		DeliveryID: delivery, RepositoryID: "repo-1", UserID: "user-1", PR: testPR("opened"), Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return ev
}

// generated runs an event through processing and generation with gen.
func (env testEnv) generated(t *testing.T, delivery string, gen llm.TextGenerator) domain.Artifact {
	t.Helper()
	env.Engine.Pipeline = pipeline.NewRunner(gen, logging.NewNop())
	ev := env.ingest(t, delivery)
	a, err := env.Engine.GenerateArtifact(env.Ctx, ev.ID)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return a
}

func TestMapAction(t *testing.T) {
	cases := []struct {
		action string
		merged bool
		want   string
	}{
		{"opened", false, "opened"},
		{"reopened", false, "opened"},
		{"synchronize", false, "synchronize"},
		{"closed", true, "merged"},
		{"closed", false, "closed"},
	}
	for _, tc := range cases {
		got, err := engine.MapAction(tc.action, tc.merged)
		if err != nil || got != tc.want {
			t.Fatalf("MapAction(%q,%v) = %q, %v; want %q", tc.action, tc.merged, got, err, tc.want)
		}
	}
	if _, err := engine.MapAction("labeled", false); !errors.Is(err, engine.ErrUnsupportedAction) {
		t.Fatalf("expected unsupported action, got %v", err)
	}
}

func TestIngestOncePerDelivery(t *testing.T) {
	env := newTestEnv(t)
	env.seedRepository(t, "repo-1", "user-1", "acme/api")

	in := engine.IngestInput{DeliveryID: "d-1", RepositoryID: "repo-1", UserID: "user-1", PR: testPR("opened")}
	first, created, err := env.Engine.Ingest(env.Ctx, in)
	if err != nil || !created {
		t.Fatalf("first ingest: created=%v err=%v", created, err)
	}
	if first.Status != domain.EventPending || first.RetryCount != 0 || first.EventType != "opened" {
		t.Fatalf("unexpected event: %+v", first)
	}
	in.PR.Title = "changed"
	second, created, err := env.Engine.Ingest(env.Ctx, in)
	if err != nil || created {
		t.Fatalf("second ingest: created=%v err=%v", created, err)
	}
	if second.ID != first.ID || second.PRTitle != "Add cache" {
		t.Fatalf("duplicate delivery changed the event: %+v", second)
	}
}

func TestIngestChecksRepository(t *testing.T) {
	env := newTestEnv(t)
	env.seedRepository(t, "repo-1", "user-1", "acme/api")

	_, _, err := env.Engine.Ingest(env.Ctx, engine.IngestInput{DeliveryID: "d-1", RepositoryID: "missing", UserID: "user-1", PR: testPR("opened")})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, _, err = env.Engine.Ingest(env.Ctx, engine.IngestInput{DeliveryID: "d-2", RepositoryID: "repo-1", UserID: "intruder", PR: testPR("opened")})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := env.Engine.DisconnectRepository(env.Ctx, "user-1", "repo-1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	_, _, err = env.Engine.Ingest(env.Ctx, engine.IngestInput{DeliveryID: "d-3", RepositoryID: "repo-1", UserID: "user-1", PR: testPR("opened")})
	var invalid engine.InvalidInputError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestReceivePullRequest(t *testing.T) {
	env := newTestEnv(t)
	env.seedRepository(t, "repo-1", "user-1", "acme/api")

	res, err := env.Engine.ReceivePullRequest(env.Ctx, "d-1", testPR("opened"), []byte(`{}`))
	if err != nil || !res.Created || res.Event == nil {
		t.Fatalf("receive: %+v %v", res, err)
	}
	res, err = env.Engine.ReceivePullRequest(env.Ctx, "d-1", testPR("opened"), []byte(`{}`))
	if err != nil || res.Created {
		t.Fatalf("duplicate receive: %+v %v", res, err)
	}
	if diff := cmp.Diff([]string{"pr-event-processor-d-1", "pr-event-processor-d-1"}, env.Dispatcher.keys()); diff != "" {
		t.Fatalf("enqueued keys (-want +got):\n%s", diff)
	}

	res, err = env.Engine.ReceivePullRequest(env.Ctx, "d-2", testPR("labeled"), nil)
	if err != nil || res.Ignored != engine.IgnoredUnsupportedAction {
		t.Fatalf("unsupported action: %+v %v", res, err)
	}
	other := testPR("opened")
	other.RepoFullName = "acme/unknown"
	res, err = env.Engine.ReceivePullRequest(env.Ctx, "d-3", other, nil)
	if err != nil || res.Ignored != engine.IgnoredRepositoryNotConnected {
		t.Fatalf("unknown repository: %+v %v", res, err)
	}
}

func TestReceivePullRequestSurvivesEnqueueFailure(t *testing.T) {
	env := newTestEnv(t)
	env.seedRepository(t, "repo-1", "user-1", "acme/api")
	env.Dispatcher.err = errors.New("queue down")

	res, err := env.Engine.ReceivePullRequest(env.Ctx, "d-1", testPR("opened"), nil)
	if err != nil || !res.Created {
		t.Fatalf("receive must succeed when enqueue fails: %+v %v", res, err)
	}
}

func TestProcessEventStoresDiffAndEnqueuesGenerator(t *testing.T) {
	env := newTestEnv(t)
	env.seedRepository(t, "repo-1", "user-1", "acme/api")
	env.Provider.AddPullRequest("acme", "api", provider.PullRequest{Number: 7, Title: "Add LRU cache", Body: "Refreshed", HeadSHA: "def456"}, sampleDiff)
	ev := env.ingest(t, "d-1")

	res, err := env.Engine.ProcessEvent(env.Ctx, engine.ProcessInput{EventID: ev.ID, UserID: "user-1", RepositoryID: "repo-1"})
	if err != nil || !res.Processed {
		t.Fatalf("process: %+v %v", res, err)
	}
	stored, err := env.Engine.Repo.GetEvent(env.Ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.EventProcessing || stored.PRTitle != "Add LRU cache" || stored.HeadSHA != "def456" {
		t.Fatalf("event not refreshed: %+v", stored)
	}
	if stored.DiffStats.FilesChanged != 1 || stored.DiffStats.Additions != 2 || stored.DiffStats.Deletions != 1 {
		t.Fatalf("unexpected stats: %+v", stored.DiffStats)
	}
	if diff := cmp.Diff([]string{"asset-generator-" + ev.ID}, env.Dispatcher.keys()); diff != "" {
		t.Fatalf("enqueued keys (-want +got):\n%s", diff)
	}
	if env.Dispatcher.tasks[0].Queue != dispatch.QueueGeneration {
		t.Fatalf("unexpected queue %q", env.Dispatcher.tasks[0].Queue)
	}
}

func TestProcessEventRepositoryMismatch(t *testing.T) {
	cases := []struct {
		name   string
		input  func(ev domain.InboundEvent) engine.ProcessInput
		reason string
	}{
		{"missing", func(ev domain.InboundEvent) engine.ProcessInput {
			return engine.ProcessInput{EventID: ev.ID, UserID: "user-1", RepositoryID: "nope"}
		}, engine.ReasonRepositoryNotFound},
		{"other owner", func(ev domain.InboundEvent) engine.ProcessInput {
			return engine.ProcessInput{EventID: ev.ID, UserID: "user-2", RepositoryID: "repo-1"}
		}, engine.ReasonAccessDenied},
		{"disconnected", func(ev domain.InboundEvent) engine.ProcessInput {
			return engine.ProcessInput{EventID: ev.ID, UserID: "user-1", RepositoryID: "repo-2"}
		}, engine.ReasonRepositoryNotConnected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.seedRepository(t, "repo-1", "user-1", "acme/api")
			env.seedRepository(t, "repo-2", "user-1", "acme/old")
			if _, err := env.Engine.DisconnectRepository(env.Ctx, "user-1", "repo-2"); err != nil {
				t.Fatal(err)
			}
			ev := env.ingest(t, "d-1")
			res, err := env.Engine.ProcessEvent(env.Ctx, tc.input(ev))
			if err != nil || res.Processed || res.Reason != tc.reason {
				t.Fatalf("process: %+v %v", res, err)
			}
			stored, _ := env.Engine.Repo.GetEvent(env.Ctx, ev.ID)
			if stored.Status != domain.EventFailed || stored.ErrorMessage == nil {
				t.Fatalf("event not failed: %+v", stored)
			}
			if len(env.Dispatcher.keys()) != 0 {
				t.Fatalf("nothing should be enqueued")
			}
		})
	}
}

func TestProcessEventShortCircuitsTerminalEvents(t *testing.T) {
	env := newTestEnv(t)
	env.seedRepository(t, "repo-1", "user-1", "acme/api")
	a := env.generated(t, "d-1", &llm.Scripted{Responses: []any{"facts", validCard}})

	res, err := env.Engine.ProcessEvent(env.Ctx, engine.ProcessInput{EventID: a.SourceEventID, UserID: "user-1", RepositoryID: "repo-1"})
	if err != nil || res.Processed || res.Reason != engine.ReasonAlreadyCompleted {
		t.Fatalf("completed event: %+v %v", res, err)
	}
	if env.Provider.Calls["PullRequest"] != 0 {
		t.Fatalf("provider must not be called for a completed event")
	}
}

func TestGenerateArtifactOncePerEvent(t *testing.T) {
	env := newTestEnv(t)
	env.seedRepository(t, "repo-1", "user-1", "acme/api")
	gen := &llm.Scripted{Responses: []any{"facts", validCard}}
	env.Engine.Pipeline = pipeline.NewRunner(gen, logging.NewNop())
	ev := env.ingest(t, "d-1")

	var wg sync.WaitGroup
	ids := make([]string, 5)
	errs := make([]error, 5)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := env.Engine.GenerateArtifact(env.Ctx, ev.ID)
			ids[i], errs[i] = a.ID, err
		}()
	}
	wg.Wait()
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("generate %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("generation produced two artifacts: %v", ids)
		}
	}
	if gen.Calls() != 2 {
		t.Fatalf("expected one extract/synthesize cycle, got %d calls", gen.Calls())
	}
	stored, _ := env.Engine.Repo.GetEvent(env.Ctx, ev.ID)
	if stored.Status != domain.EventCompleted || stored.ArtifactID == nil || *stored.ArtifactID != ids[0] || stored.ProcessedAt == nil {
		t.Fatalf("event not completed: %+v", stored)
	}
	a, err := env.Engine.GetArtifact(env.Ctx, ids[0], "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.ArtifactInbox || a.Title != "Add LRU diff cache" || a.SchemaVersion != "1.0.0" {
		t.Fatalf("unexpected artifact: %+v", a)
	}
}

func TestGenerateArtifactFlagsInvalidCard(t *testing.T) {
	env := newTestEnv(t)
	env.seedRepository(t, "repo-1", "user-1", "acme/api")
	a := env.generated(t, "d-1", &llm.Scripted{Responses: []any{"facts", `{"title":"x","technologies":[]}`}})

	if a.Status != domain.ArtifactFlagged || len(a.ValidationErrors) == 0 {
		t.Fatalf("expected flagged artifact with errors: %+v", a)
	}
	if a.Description != "" || a.Impact != "" || len(a.Technologies) != 0 {
		t.Fatalf("missing fields must be zero values: %+v", a)
	}
}

func TestGenerateArtifactErrorFailsEvent(t *testing.T) {
	env := newTestEnv(t)
	env.seedRepository(t, "repo-1", "user-1", "acme/api")
	env.Engine.Pipeline = pipeline.NewRunner(&llm.Scripted{Responses: []any{errors.New("model unavailable")}}, logging.NewNop())
	ev := env.ingest(t, "d-1")

	if _, err := env.Engine.GenerateArtifact(env.Ctx, ev.ID); err == nil {
		t.Fatalf("expected generation error")
	}
	stored, _ := env.Engine.Repo.GetEvent(env.Ctx, ev.ID)
	if stored.Status != domain.EventFailed || stored.ErrorMessage == nil || !strings.Contains(*stored.ErrorMessage, "model unavailable") {
		t.Fatalf("event not failed: %+v", stored)
	}
	_, err := env.Engine.GenerateArtifact(env.Ctx, ev.ID)
	var stateErr engine.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("redelivery must hit a state error, got %v", err)
	}
}

func TestArtifactReviewTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.seedRepository(t, "repo-1", "user-1", "acme/api")
	gen := &llm.Scripted{Responses: []any{"facts", validCard}}
	a := env.generated(t, "d-1", gen)

	var forbidden auth.ForbiddenError
	if _, err := env.Engine.ApproveArtifact(env.Ctx, a.ID, "user-2"); !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	approved, err := env.Engine.ApproveArtifact(env.Ctx, a.ID, "user-1")
	if err != nil || approved.Status != domain.ArtifactApproved || approved.ApprovedAt == nil {
		t.Fatalf("approve: %+v %v", approved, err)
	}
	var stateErr engine.StateError
	if _, err := env.Engine.ApproveArtifact(env.Ctx, a.ID, "user-1"); !errors.As(err, &stateErr) {
		t.Fatalf("second approve must fail with a state error, got %v", err)
	}
	if err := env.Engine.RejectArtifact(env.Ctx, a.ID, "user-1"); !errors.As(err, &stateErr) {
		t.Fatalf("reject of approved must fail, got %v", err)
	}

	b := env.generated(t, "d-2", gen)
	if err := env.Engine.RejectArtifact(env.Ctx, b.ID, "user-1"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := env.Engine.GetArtifact(env.Ctx, b.ID, "user-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("rejected artifact must be gone, got %v", err)
	}
	logs, err := env.Engine.ListDecisionLogs(env.Ctx, b.ID, "user-1")
	if err != nil || len(logs) != 1 || logs[0].Action != "reject" {
		t.Fatalf("decision log must survive the delete: %+v %v", logs, err)
	}
}

func TestEditArtifactRecordsChangedFields(t *testing.T) {
	env := newTestEnv(t)
	env.seedRepository(t, "repo-1", "user-1", "acme/api")
	a := env.generated(t, "d-1", &llm.Scripted{Responses: []any{"facts", `{"title":"Cache","description":"d","impact":"i","technologies":["Go"],"contributions":[]}`}})
	if a.Status != domain.ArtifactFlagged {
		t.Fatalf("expected flagged, got %s", a.Status)
	}

	if _, err := env.Engine.EditArtifact(env.Ctx, a.ID, "user-1", engine.ArtifactPatch{}); err == nil {
		t.Fatalf("empty patch must be rejected")
	}
	long := strings.Repeat("x", 101)
	if _, err := env.Engine.EditArtifact(env.Ctx, a.ID, "user-1", engine.ArtifactPatch{Title: &long}); err == nil {
		t.Fatalf("long title must be rejected")
	}

	title := "Cache"
	edited, err := env.Engine.EditArtifact(env.Ctx, a.ID, "user-1", engine.ArtifactPatch{
		Title:         &title,
		Contributions: []string{"Designed the cache"},
		Technologies:  []string{"Go", "SQLite"},
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Status != domain.ArtifactEdited || edited.EditedAt == nil || len(edited.ValidationErrors) != 0 {
		t.Fatalf("unexpected edited artifact: %+v", edited)
	}
	want := []domain.ArtifactEdit{
		{Timestamp: domain.FormatTime(testNow), Field: "technologies", OldValue: `["Go"]`, NewValue: `["Go","SQLite"]`},
		{Timestamp: domain.FormatTime(testNow), Field: "contributions", OldValue: `[]`, NewValue: `["Designed the cache"]`},
	}
	if diff := cmp.Diff(want, edited.EditHistory); diff != "" {
		t.Fatalf("edit history (-want +got):\n%s", diff)
	}
	logs, _ := env.Engine.ListDecisionLogs(env.Ctx, a.ID, "user-1")
	if len(logs) != 1 || logs[0].Action != "edit" || len(logs[0].EditedFields) != 2 {
		t.Fatalf("unexpected decision logs: %+v", logs)
	}
	if _, err := env.Engine.EditArtifact(env.Ctx, a.ID, "user-1", engine.ArtifactPatch{Title: &title}); err == nil {
		t.Fatalf("edited artifacts are no longer editable")
	}
}

func TestExportArtifacts(t *testing.T) {
	env := newTestEnv(t)
	env.seedRepository(t, "repo-1", "user-1", "acme/api")
	gen := &llm.Scripted{Responses: []any{"facts", validCard}}
	a := env.generated(t, "d-1", gen)
	pending := env.generated(t, "d-2", gen)
	if _, err := env.Engine.ApproveArtifact(env.Ctx, a.ID, "user-1"); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.ExportArtifacts(env.Ctx, "user-1", []string{a.ID, "ghost"}, engine.FormatReadme)
	if err == nil || err.Error() != "AssetCard(s) not found: ghost" {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = env.Engine.ExportArtifacts(env.Ctx, "user-2", []string{a.ID}, engine.FormatReadme)
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	_, err = env.Engine.ExportArtifacts(env.Ctx, "user-1", []string{a.ID, pending.ID}, engine.FormatReadme)
	if err == nil || err.Error() != "Only approved or edited AssetCards can be exported. Not exportable: "+pending.ID {
		t.Fatalf("unexpected error: %v", err)
	}
	untouched, _ := env.Engine.GetArtifact(env.Ctx, a.ID, "user-1")
	if untouched.ExportedAt != nil {
		t.Fatalf("failed export must not write")
	}

	out, err := env.Engine.ExportArtifacts(env.Ctx, "user-1", []string{a.ID}, engine.FormatReadme)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	wantReadme := "## Add LRU diff cache\n\nCached PR diffs keyed by head sha.\n\n**Impact:** Fewer API calls\n\n" +
		"**Technologies:** Go, SQLite\n\n**Contributions:**\n- Cache layer\n\n**Metrics:** -40% API calls"
	if diff := cmp.Diff(wantReadme, out.Content); diff != "" {
		t.Fatalf("readme (-want +got):\n%s", diff)
	}
	if _, err := env.Engine.ExportArtifacts(env.Ctx, "user-1", []string{a.ID}, engine.FormatReadme); err != nil {
		t.Fatal(err)
	}
	out, err = env.Engine.ExportArtifacts(env.Ctx, "user-1", []string{a.ID}, engine.FormatResume)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("- **Add LRU diff cache** — Fewer API calls · Go, SQLite\n  Cached PR diffs keyed by head sha.", out.Content); diff != "" {
		t.Fatalf("resume (-want +got):\n%s", diff)
	}
	stored, _ := env.Engine.GetArtifact(env.Ctx, a.ID, "user-1")
	if stored.Status != domain.ArtifactApproved || stored.ExportedAt == nil {
		t.Fatalf("export must keep status and set exported_at: %+v", stored)
	}
	if diff := cmp.Diff([]string{"readme", "resume"}, stored.ExportFormats); diff != "" {
		t.Fatalf("export formats (-want +got):\n%s", diff)
	}
}

func TestRenderReadmeJoinsSections(t *testing.T) {
	cards := []domain.Artifact{
		{Title: "A", Description: "first"},
		{Title: "B", Description: "second", Technologies: []string{"Go"}},
	}
	want := "## A\n\nfirst\n---\n\n## B\n\nsecond\n\n**Technologies:** Go"
	if diff := cmp.Diff(want, engine.RenderReadme(cards)); diff != "" {
		t.Fatalf("readme (-want +got):\n%s", diff)
	}
	if got := engine.RenderResume([]domain.Artifact{{Title: "Only"}}); got != "- **Only**\n  Only" {
		t.Fatalf("resume fallback: %q", got)
	}
}

func createIntent(t *testing.T, env testEnv, goal string) domain.Intent {
	t.Helper()
	it, err := env.Engine.CreateIntent(env.Ctx, "user-1", engine.IntentInput{Goal: goal, Success: "done"})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return it
}

func createApproval(t *testing.T, env testEnv, intentID, decision, validTo string) domain.Approval {
	t.Helper()
	a, err := env.Engine.CreateApproval(env.Ctx, "lead-1", engine.ApprovalInput{IntentID: intentID, Decision: decision, ValidTo: validTo})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	return a
}

func runInput(intentID, approvalID, runID string) engine.RunInput {
	return engine.RunInput{
		RunID: runID, IntentID: intentID, ApprovalID: approvalID, AgentName: "reviewer", AgentVersion: "1.0",
		Model: "stub", RepoFullName: "acme/api", PRNumber: 7, PRURL: "https://github.com/acme/api/pull/7", DiffHash: "h1",
	}
}

func TestCreateIntentClassifiesRisk(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateIntent(env.Ctx, "user-1", engine.IntentInput{Goal: "x"}); err == nil {
		t.Fatalf("success is required")
	}
	it := createIntent(t, env, "fix security bug")
	if it.RiskLevel != domain.RiskHigh || !it.RequiresApproval {
		t.Fatalf("unexpected risk: %+v", it)
	}
	if _, err := env.Engine.GetIntent(env.Ctx, it.ID, "user-2"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("other users must not see the intent, got %v", err)
	}
	page, err := env.Engine.ListIntents(env.Ctx, "user-1", engine.ListOptions{})
	if err != nil || len(page.Items) != 1 {
		t.Fatalf("list intents: %+v %v", page, err)
	}
}

func TestCreateApprovalRules(t *testing.T) {
	env := newTestEnv(t)
	low := createIntent(t, env, "fix typo")
	high := createIntent(t, env, "security review")

	codeOf := func(err error) string {
		var coded engine.CodedError
		if errors.As(err, &coded) {
			return coded.Code
		}
		return ""
	}
	_, err := env.Engine.CreateApproval(env.Ctx, "lead-1", engine.ApprovalInput{IntentID: "ghost", Decision: "approved", ValidTo: "2024-02-01T00:00:00Z"})
	if codeOf(err) != engine.CodeIntentNotFound {
		t.Fatalf("expected INTENT_NOT_FOUND, got %v", err)
	}
	_, err = env.Engine.CreateApproval(env.Ctx, "lead-1", engine.ApprovalInput{IntentID: low.ID, Decision: "approved", ValidTo: "2024-02-01T00:00:00Z"})
	if codeOf(err) != engine.CodeIntentNotApprovable {
		t.Fatalf("expected INTENT_NOT_APPROVABLE, got %v", err)
	}
	_, err = env.Engine.CreateApproval(env.Ctx, "lead-1", engine.ApprovalInput{IntentID: high.ID, Decision: "approved", ValidTo: "soon"})
	if codeOf(err) != engine.CodeInvalidValidTo {
		t.Fatalf("expected INVALID_VALID_TO, got %v", err)
	}

	inbox, err := env.Engine.ListApprovalInbox(env.Ctx, "lead-1", 0)
	if err != nil || len(inbox) != 1 || inbox[0].IntentID != high.ID {
		t.Fatalf("inbox: %+v %v", inbox, err)
	}
	createApproval(t, env, high.ID, domain.DecisionApproved, "2024-02-01T00:00:00Z")
	_, err = env.Engine.CreateApproval(env.Ctx, "lead-1", engine.ApprovalInput{IntentID: high.ID, Decision: "approved", ValidTo: "2024-03-01T00:00:00Z"})
	if codeOf(err) != engine.CodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
	inbox, _ = env.Engine.ListApprovalInbox(env.Ctx, "lead-1", 0)
	if len(inbox) != 0 {
		t.Fatalf("approved intent must leave the inbox: %+v", inbox)
	}
}

func TestApprovalGate(t *testing.T) {
	env := newTestEnv(t)
	high := createIntent(t, env, "security hardening")
	other := createIntent(t, env, "compliance check")
	rejected := createApproval(t, env, high.ID, domain.DecisionRejected, "2024-02-01T00:00:00Z")
	expired := createApproval(t, env, other.ID, domain.DecisionApproved, "2023-12-01T00:00:00Z")

	cases := []struct {
		name string
		in   engine.RunInput
		code string
	}{
		{"no approval", runInput(high.ID, "", "run-a"), engine.GateApprovalRequired},
		{"unknown approval", runInput(high.ID, "ghost", ""), engine.GateApprovalNotFound},
		{"approval of another intent", runInput(high.ID, expired.ID, ""), engine.GateApprovalNotFound},
		{"not approved", runInput(high.ID, rejected.ID, ""), engine.GateApprovalNotApproved},
		{"expired", runInput(other.ID, expired.ID, ""), engine.GateApprovalExpired},
	}
	for _, tc := range cases {
		_, err := env.Engine.CreateRun(env.Ctx, "user-1", tc.in)
		var gate engine.GateError
		if !errors.As(err, &gate) || gate.Code != tc.code {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}
	runs, _ := env.Engine.ListRuns(env.Ctx, 0)
	if len(runs) != 0 {
		t.Fatalf("rejected runs must not be stored: %+v", runs)
	}
	exceptions, err := env.Engine.ListExceptions(env.Ctx, domain.ExceptionUnapprovedAttempt, 0)
	if err != nil || len(exceptions) != len(cases) {
		t.Fatalf("expected %d unapproved attempts, got %d (%v)", len(cases), len(exceptions), err)
	}
	var withRun int
	for _, ex := range exceptions {
		if ex.ActorID == nil || *ex.ActorID != "user-1" || ex.IntentID == nil {
			t.Fatalf("exception missing links: %+v", ex)
		}
		if ex.RunID != nil && *ex.RunID == "run-a" {
			withRun++
		}
	}
	if withRun != 1 {
		t.Fatalf("supplied run id must be recorded once, got %d", withRun)
	}
}

func TestCreateRunAdmitsAndDedups(t *testing.T) {
	env := newTestEnv(t)
	low := createIntent(t, env, "fix typo")
	high := createIntent(t, env, "security patch")
	approval := createApproval(t, env, high.ID, domain.DecisionApproved, "2024-02-01T00:00:00Z")

	var coded engine.CodedError
	if _, err := env.Engine.CreateRun(env.Ctx, "user-1", runInput("", "", "")); !errors.As(err, &coded) || coded.Code != engine.CodeMissingIntentID {
		t.Fatalf("expected MISSING_INTENT_ID, got %v", err)
	}
	if _, err := env.Engine.CreateRun(env.Ctx, "user-1", runInput("ghost", "", "")); !errors.As(err, &coded) || coded.Code != engine.CodeIntentNotFound {
		t.Fatalf("expected INTENT_NOT_FOUND, got %v", err)
	}

	res, err := env.Engine.CreateRun(env.Ctx, "user-1", runInput(low.ID, approval.ID, "run-low"))
	if err != nil || res.Existing || res.Status != domain.RunQueued {
		t.Fatalf("low risk run: %+v %v", res, err)
	}
	run, _ := env.Engine.GetRun(env.Ctx, "run-low")
	if run.ApprovalID != nil {
		t.Fatalf("low risk runs carry no approval id: %+v", run)
	}

	res, err = env.Engine.CreateRun(env.Ctx, "user-1", runInput(high.ID, approval.ID, "run-high"))
	if err != nil || res.Existing {
		t.Fatalf("gated run: %+v %v", res, err)
	}
	run, _ = env.Engine.GetRun(env.Ctx, "run-high")
	if run.ApprovalID == nil || *run.ApprovalID != approval.ID {
		t.Fatalf("gated run must link its approval: %+v", run)
	}
	res, err = env.Engine.CreateRun(env.Ctx, "user-1", runInput(high.ID, approval.ID, "run-high"))
	if err != nil || !res.Existing || res.RunID != "run-high" {
		t.Fatalf("repeat run id: %+v %v", res, err)
	}
}

func TestApprovalExpiresAtUseTime(t *testing.T) {
	env := newTestEnv(t)
	high := createIntent(t, env, "security patch")
	approval := createApproval(t, env, high.ID, domain.DecisionApproved, "2024-01-01T01:00:00Z")

	if _, err := env.Engine.CreateRun(env.Ctx, "user-1", runInput(high.ID, approval.ID, "")); err != nil {
		t.Fatalf("valid approval: %v", err)
	}
	env.Engine.Now = func() time.Time { return testNow.Add(2 * time.Hour) }
	_, err := env.Engine.CreateRun(env.Ctx, "user-1", runInput(high.ID, approval.ID, ""))
	var gate engine.GateError
	if !errors.As(err, &gate) || gate.Code != engine.GateApprovalExpired {
		t.Fatalf("expected APPROVAL_EXPIRED, got %v", err)
	}
}

type failingReviewer struct{}

func (failingReviewer) Review(context.Context, domain.AgentRun) (engine.Review, error) {
	return engine.Review{}, errors.New("review backend down")
}

func TestExecuteRun(t *testing.T) {
	env := newTestEnv(t)
	low := createIntent(t, env, "fix typo")
	if _, err := env.Engine.CreateRun(env.Ctx, "user-1", runInput(low.ID, "", "run-1")); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.ExecuteRun(env.Ctx, "run-1")
	if err != nil || res.Status != domain.RunCompleted {
		t.Fatalf("execute: %+v %v", res, err)
	}
	out, err := env.Engine.GetReviewOutput(env.Ctx, "run-1")
	if err != nil || out.Summary != "MVP stub review completed. No AI analysis performed." || len(out.Findings) != 1 || !out.SafeToProceed {
		t.Fatalf("review output: %+v %v", out, err)
	}
	run, _ := env.Engine.GetRun(env.Ctx, "run-1")
	if run.ToolsSummary == nil || *run.ToolsSummary != "MVP stub (no tools)" || run.StartedAt == nil || run.EndedAt == nil {
		t.Fatalf("run not finished: %+v", run)
	}
	res, err = env.Engine.ExecuteRun(env.Ctx, "run-1")
	if err != nil || res.Status != domain.RunCompleted {
		t.Fatalf("second execute must report current status: %+v %v", res, err)
	}

	env.Engine.Reviewer = failingReviewer{}
	if _, err := env.Engine.CreateRun(env.Ctx, "user-1", runInput(low.ID, "", "run-2")); err != nil {
		t.Fatal(err)
	}
	res, err = env.Engine.ExecuteRun(env.Ctx, "run-2")
	if err != nil || res.Status != domain.RunFailed || res.ErrorCode == nil || *res.ErrorCode != "executor_error" {
		t.Fatalf("failed execute: %+v %v", res, err)
	}
	out, err = env.Engine.GetReviewOutput(env.Ctx, "run-2")
	if err != nil || out.Status != domain.RunFailed {
		t.Fatalf("failed run must still have an output: %+v %v", out, err)
	}
}

func TestLLMReviewerRepairsAndNormalizes(t *testing.T) {
	mem := provider.NewMemory()
	mem.AddPullRequest("acme", "api", provider.PullRequest{Number: 7}, sampleDiff)
	gen := &llm.Scripted{Responses: []any{`Review:
{"summary":"Looks fine","safeToProceed":true,"findings":[{"title":"Unbounded cache","severity":"HIGH","category":"perf","description":"d","confidence":0.8},]}`}}
	r := engine.LLMReviewer{Gen: gen, Provider: mem}

	review, err := r.Review(context.Background(), domain.AgentRun{RepoFullName: "acme/api", PRNumber: 7})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if review.Summary != "Looks fine" || len(review.Findings) != 1 {
		t.Fatalf("unexpected review: %+v", review)
	}
	if f := review.Findings[0]; f.ID != "finding-1" || f.Severity != "high" {
		t.Fatalf("finding not normalized: %+v", f)
	}
	if !strings.Contains(gen.Prompts[0], "+package cache") {
		t.Fatalf("prompt must carry the diff")
	}
}

func TestResolveExceptionOnce(t *testing.T) {
	env := newTestEnv(t)
	ex, err := env.Engine.LogBreakGlass(env.Ctx, "user-1", "", "run-9")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveException(env.Ctx, ex.ID, "lead-1", "  "); err == nil {
		t.Fatalf("empty resolution must be rejected")
	}
	resolved, err := env.Engine.ResolveException(env.Ctx, ex.ID, "lead-1", "post-hoc approved")
	if err != nil || resolved.Resolution == nil || *resolved.Resolution != "post-hoc approved" {
		t.Fatalf("resolve: %+v %v", resolved, err)
	}
	_, err = env.Engine.ResolveException(env.Ctx, ex.ID, "lead-2", "again")
	var coded engine.CodedError
	if !errors.As(err, &coded) || coded.Code != engine.CodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
	stored, _ := env.Engine.Repo.GetException(env.Ctx, ex.ID)
	if *stored.ResolvedBy != "lead-1" {
		t.Fatalf("resolution must be write-once: %+v", stored)
	}
}

func TestSweepExpiredApprovalsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	it := createIntent(t, env, "audit trail")
	expired := createApproval(t, env, it.ID, domain.DecisionApproved, "2023-12-31T00:00:00Z")

	list, err := env.Engine.ListExpiredApprovals(env.Ctx, 0)
	if err != nil || len(list) != 1 || list[0].ID != expired.ID {
		t.Fatalf("expired approvals: %+v %v", list, err)
	}
	for i, want := range []int{1, 0} {
		n, err := env.Engine.SweepExpiredApprovals(env.Ctx)
		if err != nil || n != want {
			t.Fatalf("sweep %d: n=%d err=%v", i, n, err)
		}
	}
	exceptions, _ := env.Engine.ListExceptions(env.Ctx, domain.ExceptionApprovalExpired, 0)
	if len(exceptions) != 1 {
		t.Fatalf("expected one expiry exception, got %d", len(exceptions))
	}
}

func TestCreateEvidence(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateEvidence(env.Ctx, "user-1", engine.EvidenceInput{LinkedType: "agent_run", LinkedID: "ghost", Kind: "log"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var invalid engine.InvalidInputError
	if _, err := env.Engine.CreateEvidence(env.Ctx, "user-1", engine.EvidenceInput{LinkedType: "task", LinkedID: "x", Kind: "log"}); !errors.As(err, &invalid) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	it := createIntent(t, env, "fix typo")
	if _, err := env.Engine.CreateEvidence(env.Ctx, "user-1", engine.EvidenceInput{LinkedType: "intent", LinkedID: it.ID, Kind: "doc", URL: "https://x"}); err != nil {
		t.Fatal(err)
	}
	list, err := env.Engine.ListEvidence(env.Ctx, "intent", it.ID)
	if err != nil || len(list) != 1 || list[0].URL == nil {
		t.Fatalf("list evidence: %+v %v", list, err)
	}
}

func TestAuditReportEmptyWindow(t *testing.T) {
	env := newTestEnv(t)
	rep, err := env.Engine.AuditReport(env.Ctx, engine.AuditParams{From: "2020-01-01", To: "2020-01-02"})
	if err != nil {
		t.Fatal(err)
	}
	want := "# Audit Report\n**Period**: 2020-01-01 — 2020-01-02\n**Runs**: 0\n---\nNo runs in the selected period.\n\n---\n\n" +
		"**Report success metric**: 1 (1 = no missing required links)"
	if diff := cmp.Diff(want, rep.Markdown); diff != "" {
		t.Fatalf("markdown (-want +got):\n%s", diff)
	}

	var coded engine.CodedError
	if _, err := env.Engine.AuditReport(env.Ctx, engine.AuditParams{From: "yesterday", To: "2020-01-02"}); !errors.As(err, &coded) || coded.Code != engine.CodeInvalidDateRange {
		t.Fatalf("expected INVALID_DATE_RANGE, got %v", err)
	}
	if _, err := env.Engine.AuditReport(env.Ctx, engine.AuditParams{From: "2020-01-03", To: "2020-01-02"}); !errors.As(err, &coded) || coded.Code != engine.CodeFromAfterTo {
		t.Fatalf("expected FROM_AFTER_TO, got %v", err)
	}
}

func TestAuditReportDeficits(t *testing.T) {
	env := newTestEnv(t)
	low := createIntent(t, env, "fix typo")
	high := createIntent(t, env, "security patch")
	approval := createApproval(t, env, high.ID, domain.DecisionApproved, "2024-02-01T00:00:00Z")

	if _, err := env.Engine.CreateRun(env.Ctx, "user-1", runInput(low.ID, "", "run-low")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ExecuteRun(env.Ctx, "run-low"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateEvidence(env.Ctx, "user-1", engine.EvidenceInput{LinkedType: "agent_run", LinkedID: "run-low", Kind: "ci", URL: "https://ci/1", Hash: "sha1"}); err != nil {
		t.Fatal(err)
	}
	params := engine.AuditParams{From: "2023-12-31T00:00:00Z", To: "2024-01-02T00:00:00Z", Repo: "acme/api"}
	rep, err := env.Engine.AuditReport(env.Ctx, params)
	if err != nil || rep.SuccessMetric != 1 || len(rep.Runs) != 1 {
		t.Fatalf("clean report: %+v %v", rep, err)
	}
	for _, line := range []string{
		"**Scope (repo)**: acme/api",
		"- **Approval**: N/A (Low risk)",
		"- **Evidence**: ci https://ci/1 (sha1)",
		"- **Review**: MVP stub review completed. No AI analysis performed.",
	} {
		if !strings.Contains(rep.Markdown, line) {
			t.Fatalf("markdown missing %q:\n%s", line, rep.Markdown)
		}
	}

	if _, err := env.Engine.CreateRun(env.Ctx, "user-1", runInput(high.ID, approval.ID, "run-high")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ExecuteRun(env.Ctx, "run-high"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.DeleteReviewOutputByRun(env.Ctx, "run-high"); err != nil {
		t.Fatal(err)
	}
	rep, err = env.Engine.AuditReport(env.Ctx, params)
	if err != nil || rep.SuccessMetric != 0 {
		t.Fatalf("report with deficit: %+v %v", rep, err)
	}
	if !strings.Contains(rep.Markdown, "❗ **Missing**: reviewOutput") || !strings.Contains(rep.Markdown, "- **Approval**: approved") {
		t.Fatalf("deficit not reported:\n%s", rep.Markdown)
	}
	again, _ := env.Engine.AuditReport(env.Ctx, params)
	if again.Markdown != rep.Markdown {
		t.Fatalf("report must be deterministic")
	}

	kpi, err := env.Engine.KPISummary(env.Ctx, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if kpi.Runs != 2 || kpi.LinkRate != 1 || kpi.ApprovalRate != 1 || kpi.AuditSuccessRate != 0.5 {
		t.Fatalf("unexpected kpi: %+v", kpi)
	}
}

func TestAuditReportFlagsDanglingApproval(t *testing.T) {
	env := newTestEnv(t)
	ts := domain.FormatTime(testNow)
	missing := "approval-gone"
	if _, _, err := env.Engine.Repo.InsertRunIfAbsent(env.Ctx, nil, domain.AgentRun{
		ID: "run-orphan", IntentID: "intent-gone", ApprovalID: &missing, ActorType: "user", ActorID: "user-1",
		AgentName: "reviewer", AgentVersion: "1.0", Model: "stub", RepoFullName: "acme/api", PRNumber: 7,
		DiffHash: "h1", Status: domain.RunQueued, CreatedAt: ts, UpdatedAt: ts,
	}); err != nil {
		t.Fatal(err)
	}
	rep, err := env.Engine.AuditReport(env.Ctx, engine.AuditParams{From: "2023-12-31T00:00:00Z", To: "2024-01-02T00:00:00Z"})
	if err != nil || len(rep.Runs) != 1 {
		t.Fatalf("report: %+v %v", rep, err)
	}
	want := []string{engine.DeficitIntent, engine.DeficitApprovalNotFound}
	if diff := cmp.Diff(want, rep.Runs[0].Deficits); diff != "" {
		t.Fatalf("deficits mismatch (-want +got):\n%s", diff)
	}
	if rep.SuccessMetric != 0 {
		t.Fatalf("success metric = %d", rep.SuccessMetric)
	}
}

func TestKPISummaryEmpty(t *testing.T) {
	env := newTestEnv(t)
	kpi, err := env.Engine.KPISummary(env.Ctx, "", "")
	if err != nil {
		t.Fatal(err)
	}
	want := engine.KPISummary{Period: engine.KPIPeriod{From: "2023-12-02T00:00:00.000Z", To: "2024-01-01T00:00:00.000Z"}}
	if diff := cmp.Diff(want, kpi); diff != "" {
		t.Fatalf("kpi (-want +got):\n%s", diff)
	}
}

func TestRetryEventBudget(t *testing.T) {
	env := newTestEnv(t)
	env.seedRepository(t, "repo-1", "user-1", "acme/api")
	env.Engine.Config.Pipeline.MaxEventRetries = 1
	ev := env.ingest(t, "d-1")

	var stateErr engine.StateError
	if _, err := env.Engine.RetryEvent(env.Ctx, "user-1", ev.ID); !errors.As(err, &stateErr) {
		t.Fatalf("pending events cannot be retried, got %v", err)
	}
	if _, err := env.Engine.ProcessEvent(env.Ctx, engine.ProcessInput{EventID: ev.ID, UserID: "user-2", RepositoryID: "repo-1"}); err != nil {
		t.Fatal(err)
	}
	retried, err := env.Engine.RetryEvent(env.Ctx, "user-1", ev.ID)
	if err != nil || retried.Status != domain.EventPending || retried.RetryCount != 1 || retried.ErrorMessage != nil {
		t.Fatalf("retry: %+v %v", retried, err)
	}
	if diff := cmp.Diff([]string{"pr-event-processor-d-1-r1"}, env.Dispatcher.keys()); diff != "" {
		t.Fatalf("enqueued keys (-want +got):\n%s", diff)
	}
	if _, err := env.Engine.ProcessEvent(env.Ctx, engine.ProcessInput{EventID: ev.ID, UserID: "user-2", RepositoryID: "repo-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RetryEvent(env.Ctx, "user-1", ev.ID); !errors.As(err, &stateErr) {
		t.Fatalf("retry past budget must fail, got %v", err)
	}
}

func TestSweepStaleEvents(t *testing.T) {
	env := newTestEnv(t)
	env.seedRepository(t, "repo-1", "user-1", "acme/api")
	env.Engine.Config.Pipeline.MaxEventRetries = 1
	ev := env.ingest(t, "d-1")

	res, err := env.Engine.SweepStaleEvents(env.Ctx)
	if err != nil || res != (engine.SweepResult{}) {
		t.Fatalf("fresh events are not stale: %+v %v", res, err)
	}
	env.Engine.Now = func() time.Time { return testNow.Add(time.Hour) }
	res, err = env.Engine.SweepStaleEvents(env.Ctx)
	if err != nil || res.Requeued != 1 {
		t.Fatalf("sweep: %+v %v", res, err)
	}
	env.Engine.Now = func() time.Time { return testNow.Add(2 * time.Hour) }
	res, err = env.Engine.SweepStaleEvents(env.Ctx)
	if err != nil || res.Failed != 1 {
		t.Fatalf("sweep past budget: %+v %v", res, err)
	}
	stored, _ := env.Engine.Repo.GetEvent(env.Ctx, ev.ID)
	if stored.Status != domain.EventFailed || *stored.ErrorMessage != "retry budget exhausted" {
		t.Fatalf("event not failed: %+v", stored)
	}
}

func TestConnectRepository(t *testing.T) {
	env := newTestEnv(t)
	var forbidden auth.ForbiddenError
	if _, err := env.Engine.ConnectRepository(env.Ctx, "user-1", "acme", "api"); !errors.As(err, &forbidden) {
		t.Fatalf("unknown repository must be forbidden, got %v", err)
	}
	env.Provider.AddRepository(provider.Repository{ID: 42, Owner: "acme", Name: "api", FullName: "acme/api", Private: true})
	r, err := env.Engine.ConnectRepository(env.Ctx, "user-1", "acme", "api")
	if err != nil || r.ConnectionStatus != domain.RepoConnected || r.WebhookID == nil || !r.IsPrivate {
		t.Fatalf("connect: %+v %v", r, err)
	}
	var coded engine.CodedError
	if _, err := env.Engine.ConnectRepository(env.Ctx, "user-1", "acme", "api"); !errors.As(err, &coded) || coded.Code != engine.CodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
	if _, err := env.Engine.DisconnectRepository(env.Ctx, "user-2", r.ID); !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	r, err = env.Engine.DisconnectRepository(env.Ctx, "user-1", r.ID)
	if err != nil || r.ConnectionStatus != domain.RepoDisconnected {
		t.Fatalf("disconnect: %+v %v", r, err)
	}
	if _, ok := env.Provider.Hook("acme", "api"); ok {
		t.Fatalf("webhook must be removed")
	}
	list, _ := env.Engine.ListRepositories(env.Ctx, "user-1")
	if len(list) != 1 {
		t.Fatalf("list repositories: %+v", list)
	}
}

func TestListInboxPaginates(t *testing.T) {
	env := newTestEnv(t)
	env.seedRepository(t, "repo-1", "user-1", "acme/api")
	gen := &llm.Scripted{Responses: []any{"facts", validCard}}
	for _, d := range []string{"d-1", "d-2", "d-3"} {
		env.generated(t, d, gen)
	}
	page, err := env.Engine.ListInbox(env.Ctx, "user-1", engine.ListOptions{Limit: 2})
	if err != nil || len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page: %+v %v", page, err)
	}
	next, err := env.Engine.ListInbox(env.Ctx, "user-1", engine.ListOptions{Limit: 2, Cursor: page.NextCursor})
	if err != nil || len(next.Items) != 1 || next.NextCursor != "" {
		t.Fatalf("second page: %+v %v", next, err)
	}
	seen := map[string]bool{}
	for _, a := range append(page.Items, next.Items...) {
		seen[a.ID] = true
	}
	if len(seen) != 3 {
		t.Fatalf("pages overlap: %v", seen)
	}
	if _, err := env.Engine.ListInbox(env.Ctx, "user-1", engine.ListOptions{Cursor: "garbage"}); err == nil {
		t.Fatalf("invalid cursor must be rejected")
	}
	lib, _ := env.Engine.ListLibrary(env.Ctx, "user-1", engine.ListOptions{})
	if len(lib.Items) != 0 {
		t.Fatalf("library must be empty")
	}
}

package engine_test

import (
	"errors"
	"testing"

	"careerline/internal/dispatch"
	"careerline/internal/domain"
	"careerline/internal/engine"
	"careerline/internal/repo"
)

func TestRequestProvisioningRunsTheGate(t *testing.T) {
	env := newTestEnv(t)
	high := createIntent(t, env, "security baseline repo")
	rejected := createApproval(t, env, high.ID, domain.DecisionRejected, "2024-02-01T00:00:00Z")

	if _, err := env.Engine.RequestProvisioning(env.Ctx, "user-1", engine.ProvisioningRequest{IntentID: high.ID}); !errors.As(err, new(engine.InvalidInputError)) {
		t.Fatalf("expected invalid input without approval id, got %v", err)
	}
	if _, err := env.Engine.RequestProvisioning(env.Ctx, "user-1", engine.ProvisioningRequest{IntentID: "ghost", ApprovalID: rejected.ID}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected intent not found, got %v", err)
	}
	cases := []struct {
		name       string
		approvalID string
		code       string
	}{
		{"unknown approval", "ghost", engine.GateApprovalNotFound},
		{"not approved", rejected.ID, engine.GateApprovalNotApproved},
	}
	for _, tc := range cases {
		_, err := env.Engine.RequestProvisioning(env.Ctx, "user-1", engine.ProvisioningRequest{IntentID: high.ID, ApprovalID: tc.approvalID})
		var gate engine.GateError
		if !errors.As(err, &gate) || gate.Code != tc.code {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}
	if keys := env.Dispatcher.keys(); len(keys) != 0 {
		t.Fatalf("rejected requests must not enqueue: %v", keys)
	}

	other := createIntent(t, env, "compliance sandbox")
	expired := createApproval(t, env, other.ID, domain.DecisionApproved, "2023-12-01T00:00:00Z")
	_, err := env.Engine.RequestProvisioning(env.Ctx, "user-1", engine.ProvisioningRequest{IntentID: other.ID, ApprovalID: expired.ID})
	var gate engine.GateError
	if !errors.As(err, &gate) || gate.Code != engine.GateApprovalExpired {
		t.Fatalf("expected APPROVAL_EXPIRED, got %v", err)
	}
}

func TestRequestProvisioningEnqueuesIdempotentTask(t *testing.T) {
	env := newTestEnv(t)
	it := createIntent(t, env, "security tooling")
	approval := createApproval(t, env, it.ID, domain.DecisionApproved, "2024-02-01T00:00:00Z")

	job, err := env.Engine.RequestProvisioning(env.Ctx, "user-1", engine.ProvisioningRequest{
		IntentID: " " + it.ID + " ", ApprovalID: approval.ID, RepositoryName: "tooling",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if want := "provisioning-" + it.ID + "-default"; job.JobID != want || job.IntentID != it.ID {
		t.Fatalf("unexpected job %+v, want id %s", job, want)
	}
	job2, err := env.Engine.RequestProvisioning(env.Ctx, "user-1", engine.ProvisioningRequest{
		IntentID: it.ID, ApprovalID: approval.ID, StructureType: "monorepo",
	})
	if err != nil || job2.JobID != dispatch.ProvisioningKey(it.ID, "monorepo") {
		t.Fatalf("structured request: %+v %v", job2, err)
	}

	env.Dispatcher.mu.Lock()
	task := env.Dispatcher.tasks[0]
	env.Dispatcher.mu.Unlock()
	if task.TargetURL != "https://careerline.test/v1/tasks/provisioning" {
		t.Fatalf("unexpected target %s", task.TargetURL)
	}
	payload, ok := task.Payload.(engine.ProvisionInput)
	if !ok || payload.ActorID != "user-1" || payload.RepositoryName != "tooling" || payload.ApprovalID != approval.ID {
		t.Fatalf("unexpected payload %#v", task.Payload)
	}
}

func TestProvisionRecordsOncePerIntent(t *testing.T) {
	env := newTestEnv(t)
	env.Provider.Owner = "octo"
	in := engine.ProvisionInput{IntentID: "0123456789abcdef", ApprovalID: "appr-1", ActorID: "user-1", StructureType: "service"}

	if _, err := env.Engine.Provision(env.Ctx, engine.ProvisionInput{IntentID: in.IntentID}); !errors.As(err, new(engine.InvalidInputError)) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	res, err := env.Engine.Provision(env.Ctx, in)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if res.AlreadyProvisioned || res.ResourceURL != "https://github.com/octo/careerline-01234567" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.StructureType == nil || *res.StructureType != "service" {
		t.Fatalf("structure type not echoed: %+v", res)
	}

	again, err := env.Engine.Provision(env.Ctx, in)
	if err != nil || !again.AlreadyProvisioned || again.ResourceID != res.ResourceID {
		t.Fatalf("repeat provision: %+v %v", again, err)
	}
	if n := env.Provider.Calls["CreateRepository"]; n != 1 {
		t.Fatalf("repository created %d times", n)
	}

	items, err := env.Engine.ListProvisioningEvents(env.Ctx, engine.ProvisioningListOptions{IntentID: in.IntentID})
	if err != nil || len(items) != 1 || items[0].ResourceType != domain.ResourceRepository {
		t.Fatalf("list: %+v %v", items, err)
	}
	var coded engine.CodedError
	if _, err := env.Engine.ListProvisioningEvents(env.Ctx, engine.ProvisioningListOptions{From: "yesterday"}); !errors.As(err, &coded) || coded.Code != engine.CodeInvalidDateRange {
		t.Fatalf("expected INVALID_DATE_RANGE, got %v", err)
	}
}

func TestProvisionSurfacesProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Provider.Err = errors.New("github unavailable")
	_, err := env.Engine.Provision(env.Ctx, engine.ProvisionInput{IntentID: "intent-1", ApprovalID: "appr-1", ActorID: "user-1"})
	if err == nil || !errors.Is(err, env.Provider.Err) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if _, err := env.Engine.Repo.GetProvisioningByIntent(env.Ctx, "intent-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("failed provisioning must not be recorded, got %v", err)
	}
}

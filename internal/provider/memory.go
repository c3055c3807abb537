package provider

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Provider over fixed data. It backs local runs
// without GitHub access and the engine tests.
type Memory struct {
	mu       sync.Mutex
	prs      map[string]PullRequest
	diffs    map[string]string
	repos    map[string]Repository
	hooks    map[string]int64
	nextHook int64
	nextRepo int64
	// Owner is the login new repositories are created under.
	Owner string
	// Err, when set, fails every call.
	Err error
	// Calls counts provider calls by method name.
	Calls map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		prs:   map[string]PullRequest{},
		diffs: map[string]string{},
		repos: map[string]Repository{},
		hooks: map[string]int64{},
		Calls: map[string]int{},
	}
}

func prKey(owner, name string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, name, number)
}

func (m *Memory) AddPullRequest(owner, name string, pr PullRequest, diff string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prs[prKey(owner, name, pr.Number)] = pr
	m.diffs[prKey(owner, name, pr.Number)] = diff
}

func (m *Memory) AddRepository(r Repository) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos[r.Owner+"/"+r.Name] = r
}

// Hook returns the webhook id registered for owner/name.
func (m *Memory) Hook(owner, name string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.hooks[owner+"/"+name]
	return id, ok
}

func (m *Memory) call(method string) error {
	m.Calls[method]++
	return m.Err
}

func (m *Memory) PullRequest(_ context.Context, owner, name string, number int) (PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("PullRequest"); err != nil {
		return PullRequest{}, err
	}
	pr, ok := m.prs[prKey(owner, name, number)]
	if !ok {
		return PullRequest{}, &StatusError{Op: "pull_request", Status: 404, Err: ErrNotFound}
	}
	return pr, nil
}

func (m *Memory) PullRequestDiff(_ context.Context, owner, name string, number int, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("PullRequestDiff"); err != nil {
		return "", err
	}
	diff, ok := m.diffs[prKey(owner, name, number)]
	if !ok {
		return "", &StatusError{Op: "pull_request_diff", Status: 404, Err: ErrNotFound}
	}
	return diff, nil
}

func (m *Memory) Repository(_ context.Context, owner, name string) (Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("Repository"); err != nil {
		return Repository{}, err
	}
	r, ok := m.repos[owner+"/"+name]
	if !ok {
		return Repository{}, &StatusError{Op: "repository", Status: 404, Err: ErrNotFound}
	}
	return r, nil
}

func (m *Memory) CreateWebhook(_ context.Context, owner, name, _, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("CreateWebhook"); err != nil {
		return 0, err
	}
	m.nextHook++
	m.hooks[owner+"/"+name] = m.nextHook
	return m.nextHook, nil
}

func (m *Memory) DeleteWebhook(_ context.Context, owner, name string, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("DeleteWebhook"); err != nil {
		return err
	}
	delete(m.hooks, owner+"/"+name)
	return nil
}

func (m *Memory) CreateRepository(_ context.Context, nr NewRepository) (Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("CreateRepository"); err != nil {
		return Repository{}, err
	}
	owner := m.Owner
	if owner == "" {
		owner = "careerline"
	}
	if _, ok := m.repos[owner+"/"+nr.Name]; ok {
		return Repository{}, &StatusError{Op: "create_repository", Status: 422, Err: fmt.Errorf("repository %s/%s already exists", owner, nr.Name)}
	}
	m.nextRepo++
	r := Repository{
		ID:       1000 + m.nextRepo,
		Owner:    owner,
		Name:     nr.Name,
		FullName: owner + "/" + nr.Name,
		Private:  nr.Private,
		URL:      "https://github.com/" + owner + "/" + nr.Name,
	}
	m.repos[r.FullName] = r
	return r, nil
}

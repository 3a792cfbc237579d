package bootstrap

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local Store and CredentialStore used by tests and
// by the API when no database is configured.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]*Run
	credentials map[string]Credential
	now         func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]*Run),
		credentials: make(map[string]Credential),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreateRun(_ context.Context, run *Run) (*Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.activeLocked(run.ProjectID); existing != nil {
		return existing.Clone(), false, nil
	}
	m.runs[run.ID] = run.Clone()
	return run.Clone(), true, nil
}

func (m *MemoryStore) GetRun(_ context.Context, runID string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[strings.TrimSpace(runID)]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run.Clone(), nil
}

func (m *MemoryStore) ActiveRun(_ context.Context, projectID string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if run := m.activeLocked(projectID); run != nil {
		return run.Clone(), nil
	}
	return nil, ErrRunNotFound
}

func (m *MemoryStore) LatestRun(ctx context.Context, projectID string) (*Run, error) {
	runs, err := m.ListRuns(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrRunNotFound
	}
	return runs[0], nil
}

// ListRuns returns the project's runs, newest first.
func (m *MemoryStore) ListRuns(_ context.Context, projectID string) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Run
	for _, run := range m.runs {
		if run.ProjectID == projectID {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) SaveRun(_ context.Context, run *Run, appended ...LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.runs[run.ID]
	if !ok {
		return ErrRunNotFound
	}

	next := run.Clone()
	next.Logs = append(append([]LogEntry(nil), existing.Logs...), appended...)
	m.runs[run.ID] = next
	return nil
}

func (m *MemoryStore) activeLocked(projectID string) *Run {
	var found *Run
	for _, run := range m.runs {
		if run.ProjectID != projectID || !run.Status.Active() {
			continue
		}
		if found == nil || run.CreatedAt.After(found.CreatedAt) {
			found = run
		}
	}
	return found
}

func (m *MemoryStore) GetCredential(_ context.Context, projectID string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cred, ok := m.credentials[projectID]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return &cred, nil
}

func (m *MemoryStore) UpsertCredential(_ context.Context, cred Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.credentials[cred.ProjectID]; ok {
		cred.CreatedAt = existing.CreatedAt
	} else {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now
	m.credentials[cred.ProjectID] = cred
	return nil
}

func (m *MemoryStore) ListCredentials(_ context.Context) ([]Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Credential, 0, len(m.credentials))
	for _, c := range m.credentials {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

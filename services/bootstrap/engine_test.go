package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentboard/pkg/secretbox"
)

const testProject = "acme/widgets"

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	events   []Event
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	if evt, ok := v.(Event); ok {
		p.events = append(p.events, evt)
	}
	return nil
}

type recordingArchive struct {
	mu   sync.Mutex
	keys []string
}

func (a *recordingArchive) Put(_ context.Context, key string, _ any) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, key)
	return "mem://" + key, nil
}

type failingSink struct{}

func (failingSink) WriteAudit(context.Context, AuditEntry) error {
	return errors.New("audit sink unavailable")
}

// ctxCheckingStore rejects writes made with a cancelled context.
type ctxCheckingStore struct {
	*MemoryStore
}

func (s ctxCheckingStore) SaveRun(ctx context.Context, run *Run, appended ...LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.SaveRun(ctx, run, appended...)
}

type harness struct {
	engine  *Engine
	store   *MemoryStore
	cipher  *secretbox.Cipher
	audit   *MemoryAuditSink
	events  *recordingPublisher
	archive *recordingArchive
}

func succeed(meta map[string]any) Adapter {
	return AdapterFunc(func(context.Context, Input) Outcome { return Success(meta) })
}

func databaseAdapter() Adapter {
	return AdapterFunc(func(_ context.Context, in Input) Outcome {
		if in.Credentials.SupabaseAccessToken == "" {
			return Fail(KindInvalidCredentials, "Database management token is required", "")
		}
		ref := "abcdefghijklmnop"
		if in.Database != nil {
			ref = in.Database.Ref
		}
		return Outcome{
			Metadata: map[string]any{"ref": ref, "url": "https://" + ref + ".supabase.co", "reused": in.Database != nil},
			Keys: &DatabaseKeys{
				DatabaseProject: DatabaseProject{Ref: ref, URL: "https://" + ref + ".supabase.co", Region: "us-east-1"},
				ServiceRoleKey:  "service-role-secret",
				AnonKey:         "anon-secret",
			},
		}
	})
}

func defaultAdapters() map[StepID]Adapter {
	return map[StepID]Adapter{
		StepEnsureRepoInitialized:        succeed(map[string]any{"initialized": false, "default_branch": "main"}),
		StepCreateBackingDatabaseProject: databaseAdapter(),
		StepCreateHostingProject:         succeed(map[string]any{"deployment_url": "https://widgets.vercel.app"}),
		StepVerifyDeployment:             succeed(map[string]any{"status_code": 200}),
	}
}

func newHarness(t *testing.T, adapters map[StepID]Adapter, mutate ...func(*Options)) *harness {
	t.Helper()

	cipher, err := secretbox.New("unit-test-passphrase")
	require.NoError(t, err)

	var tick int64
	var mu sync.Mutex
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	h := &harness{
		store:   NewMemoryStore(),
		cipher:  cipher,
		audit:   &MemoryAuditSink{},
		events:  &recordingPublisher{},
		archive: &recordingArchive{},
	}
	opts := Options{
		Store:       h.store,
		Credentials: h.store,
		Cipher:      cipher,
		Adapters:    adapters,
		Auditor:     NewAuditor(h.audit, zerolog.Nop()),
		Events:      h.events,
		Archive:     h.archive,
		Metrics:     NewMetrics(nil),
		Logger:      zerolog.Nop(),
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	h.engine, err = NewEngine(opts)
	require.NoError(t, err)
	return h
}

func (h *harness) create(t *testing.T) *Run {
	t.Helper()
	run, created, err := h.engine.CreateRun(context.Background(), testProject)
	require.NoError(t, err)
	require.True(t, created)
	return run
}

func (h *harness) exec(t *testing.T, runID string, step StepID, creds Credentials) (*Run, *StepResult) {
	t.Helper()
	run, res, err := h.engine.ExecuteStep(context.Background(), ExecuteRequest{RunID: runID, Step: step, Credentials: creds})
	require.NoError(t, err)
	return run, res
}

func TestNewEngineValidates(t *testing.T) {
	t.Parallel()

	cipher, err := secretbox.New("k")
	require.NoError(t, err)
	store := NewMemoryStore()

	_, err = NewEngine(Options{Credentials: store, Cipher: cipher, Adapters: defaultAdapters()})
	assert.Error(t, err)
	_, err = NewEngine(Options{Store: store, Cipher: cipher, Adapters: defaultAdapters()})
	assert.Error(t, err)
	_, err = NewEngine(Options{Store: store, Credentials: store, Adapters: defaultAdapters()})
	assert.Error(t, err)
	_, err = NewEngine(Options{Store: store, Credentials: store, Cipher: cipher})
	assert.Error(t, err)
	_, err = NewEngine(Options{Store: store, Credentials: store, Cipher: cipher, Adapters: map[StepID]Adapter{"bogus": succeed(nil)}})
	assert.Error(t, err)
}

func TestCreateRunIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultAdapters())
	ctx := context.Background()

	first, created, err := h.engine.CreateRun(ctx, testProject)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := h.engine.CreateRun(ctx, "  "+testProject+" ")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, StatusPending, first.Status)
	require.NotNil(t, first.CurrentStep)
	assert.Equal(t, StepEnsureRepoInitialized, *first.CurrentStep)
	require.Len(t, first.Steps, len(Steps()))
	for i, rec := range first.Steps {
		assert.Equal(t, StepIDs()[i], rec.Step)
		assert.Equal(t, StatusPending, rec.Status)
	}
	assert.Nil(t, first.CompletedAt)

	runs, err := h.engine.ListRuns(ctx, testProject)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	assert.Equal(t, []string{SubjectRunCreated}, h.events.subjects)
	entries := h.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, ActionStart, entries[0].Action)
}

func TestCreateRunRequiresProject(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultAdapters())

	_, _, err := h.engine.CreateRun(context.Background(), " ")
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, KindOf(err))

	_, err = h.engine.GetRun(context.Background(), "")
	assert.Equal(t, KindInvalidInput, KindOf(err))

	_, err = h.engine.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestBootstrapScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultAdapters())
	ctx := context.Background()
	run := h.create(t)

	// step 1: repository already has a commit
	run, res := h.exec(t, run.ID, "", Credentials{GitHubToken: "ghp_x"})
	assert.Equal(t, StepEnsureRepoInitialized, res.Step)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, StatusRunning, run.Status)
	require.NotNil(t, run.CurrentStep)
	assert.Equal(t, StepCreateBackingDatabaseProject, *run.CurrentStep)

	// step 2 without a management token
	run, res = h.exec(t, run.ID, "", Credentials{})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, KindInvalidCredentials, res.Kind)
	assert.Equal(t, StatusFailed, run.Status)
	require.NotNil(t, run.CurrentStep)
	assert.Equal(t, StepCreateBackingDatabaseProject, *run.CurrentStep)
	rec := run.Step(StepCreateBackingDatabaseProject)
	require.NotNil(t, rec.ErrorSummary)
	assert.Equal(t, "Database management token is required", *rec.ErrorSummary)
	require.NotNil(t, rec.ErrorKind)
	assert.Equal(t, KindInvalidCredentials, *rec.ErrorKind)
	assert.NotNil(t, run.CompletedAt)

	// CreateRun does not hand back a failed run
	active, err := h.store.ActiveRun(ctx, testProject)
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.Nil(t, active)

	run, err = h.engine.RetryStep(ctx, run.ID, StepCreateBackingDatabaseProject)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Equal(t, StatusPending, run.Step(StepCreateBackingDatabaseProject).Status)
	assert.Nil(t, run.CompletedAt)

	run, res = h.exec(t, run.ID, "", Credentials{SupabaseAccessToken: "sbp_token", SupabaseOrgID: "org"})
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, StatusRunning, run.Status)
	require.NotNil(t, run.CurrentStep)
	assert.Equal(t, StepCreateHostingProject, *run.CurrentStep)

	rec = run.Step(StepCreateBackingDatabaseProject)
	assert.Nil(t, rec.ErrorSummary)
	assert.Nil(t, rec.ErrorDetails)
	assert.Nil(t, rec.ErrorKind)

	// keys are stored encrypted and never appear in the run
	cred, err := h.store.GetCredential(ctx, testProject)
	require.NoError(t, err)
	assert.NotEqual(t, "service-role-secret", cred.ServiceRoleKey)
	assert.True(t, secretbox.LooksEncrypted(cred.ServiceRoleKey))
	plain, err := h.cipher.Decrypt(cred.ServiceRoleKey)
	require.NoError(t, err)
	assert.Equal(t, "service-role-secret", plain)
	assert.NotContains(t, fmt.Sprintf("%+v", run), "service-role-secret")
	assert.NotContains(t, fmt.Sprintf("%+v", h.audit.Entries()), "service-role-secret")
}

func TestSequentialGating(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultAdapters())
	run := h.create(t)

	_, _, err := h.engine.ExecuteStep(context.Background(), ExecuteRequest{RunID: run.ID, Step: StepCreateHostingProject})
	require.ErrorIs(t, err, ErrStepBlocked)
	assert.Equal(t, KindInvalidInput, KindOf(err))

	stored, err := h.engine.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	for _, rec := range stored.Steps {
		assert.Equal(t, StatusPending, rec.Status)
	}
}

func TestUnknownStepRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultAdapters())
	run := h.create(t)

	_, _, err := h.engine.ExecuteStep(context.Background(), ExecuteRequest{RunID: run.ID, Step: "drop_database"})
	assert.ErrorIs(t, err, ErrUnknownStep)

	_, err = h.engine.RetryStep(context.Background(), run.ID, "drop_database")
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestTerminalIdempotence(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultAdapters())
	ctx := context.Background()
	run := h.create(t)

	h.exec(t, run.ID, StepEnsureRepoInitialized, Credentials{})

	_, _, err := h.engine.ExecuteStep(ctx, ExecuteRequest{RunID: run.ID, Step: StepEnsureRepoInitialized})
	assert.ErrorIs(t, err, ErrStepNotRunnable)

	_, err = h.engine.RetryStep(ctx, run.ID, StepEnsureRepoInitialized)
	assert.ErrorIs(t, err, ErrRetryNotAllowed)

	// pending steps cannot be retried either
	_, err = h.engine.RetryStep(ctx, run.ID, StepCreateBackingDatabaseProject)
	assert.ErrorIs(t, err, ErrRetryNotAllowed)
}

func TestRetryNarrowsScope(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultAdapters())
	ctx := context.Background()
	run := h.create(t)

	h.exec(t, run.ID, "", Credentials{})
	before, _ := h.exec(t, run.ID, "", Credentials{})
	require.Equal(t, StatusFailed, before.Status)

	after, err := h.engine.RetryStep(ctx, run.ID, StepCreateBackingDatabaseProject)
	require.NoError(t, err)

	for i := range before.Steps {
		b, a := before.Steps[i], after.Steps[i]
		if b.Step == StepCreateBackingDatabaseProject {
			assert.Equal(t, StatusFailed, b.Status)
			assert.Equal(t, StatusPending, a.Status)
			assert.Equal(t, b.StartedAt, a.StartedAt)
			continue
		}
		assert.Equal(t, b, a)
	}
	assert.Equal(t, StatusRunning, after.Status)
	require.NotNil(t, after.CurrentStep)
	assert.Equal(t, StepCreateBackingDatabaseProject, *after.CurrentStep)
	assert.Len(t, after.Logs, len(before.Logs)+1)
	assert.Equal(t, before.Logs, after.Logs[:len(before.Logs)])
}

func TestFailedStepCanBeExecutedDirectly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultAdapters())
	run := h.create(t)

	h.exec(t, run.ID, "", Credentials{})
	failed, _ := h.exec(t, run.ID, "", Credentials{})
	require.Equal(t, StatusFailed, failed.Status)

	run, res := h.exec(t, run.ID, "", Credentials{SupabaseAccessToken: "sbp_token"})
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, StatusRunning, run.Status)
}

func TestCompletion(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultAdapters())
	ctx := context.Background()
	run := h.create(t)

	creds := Credentials{SupabaseAccessToken: "sbp_token"}
	for i, id := range StepIDs() {
		var res *StepResult
		run, res = h.exec(t, run.ID, "", creds)
		assert.Equal(t, id, res.Step)
		if i < len(StepIDs())-1 {
			assert.Equal(t, StatusRunning, run.Status, "after %s", id)
		}
	}

	assert.Equal(t, StatusSucceeded, run.Status)
	assert.Nil(t, run.CurrentStep)
	require.NotNil(t, run.CompletedAt)
	for _, rec := range run.Steps {
		assert.Equal(t, StatusSucceeded, rec.Status)
		assert.NotNil(t, rec.CompletedAt)
	}
	assert.Equal(t, "Bootstrap completed successfully", run.Logs[len(run.Logs)-1].Message)

	_, _, err := h.engine.ExecuteStep(ctx, ExecuteRequest{RunID: run.ID})
	assert.ErrorIs(t, err, ErrStepNotRunnable)

	var actions []string
	for _, e := range h.audit.Entries() {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, ActionStart, actions[0])
	assert.Equal(t, ActionComplete, actions[len(actions)-1])

	assert.Equal(t, SubjectRunCompleted, h.events.subjects[len(h.events.subjects)-1])
	assert.Equal(t, []string{TranscriptKey(run)}, h.archive.keys)

	// a finished project gets a fresh run
	next, created, err := h.engine.CreateRun(ctx, testProject)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, run.ID, next.ID)

	latest, err := h.engine.GetRunByProject(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, next.ID, latest.ID)
}

func TestRunSucceedsOnlyWhenAllStepsSucceed(t *testing.T) {
	t.Parallel()

	ids := StepIDs()
	for failing := range ids {
		run := &Run{Status: StatusRunning}
		for i, id := range ids {
			status := StatusSucceeded
			if i == failing {
				status = StatusFailed
			}
			run.Steps = append(run.Steps, StepRecord{Step: id, Status: status})
		}
		recompute(run, ids[failing], time.Now())
		assert.Equal(t, StatusFailed, run.Status)
		require.NotNil(t, run.CurrentStep)
		assert.Equal(t, ids[failing], *run.CurrentStep)
	}

	run := &Run{Status: StatusRunning}
	for _, id := range ids {
		run.Steps = append(run.Steps, StepRecord{Step: id, Status: StatusSucceeded})
	}
	recompute(run, ids[len(ids)-1], time.Now())
	assert.Equal(t, StatusSucceeded, run.Status)
	assert.Nil(t, run.CurrentStep)
}

func TestHostingStepReceivesDecryptedKeys(t *testing.T) {
	t.Parallel()

	var got Input
	adapters := defaultAdapters()
	adapters[StepCreateHostingProject] = AdapterFunc(func(_ context.Context, in Input) Outcome {
		got = in
		return Success(map[string]any{"deployment_url": "https://x.vercel.app"})
	})
	h := newHarness(t, adapters)
	run := h.create(t)
	creds := Credentials{SupabaseAccessToken: "sbp_token"}

	h.exec(t, run.ID, "", creds)
	h.exec(t, run.ID, "", creds)
	_, res := h.exec(t, run.ID, "", creds)
	require.Equal(t, StatusSucceeded, res.Status)

	require.NotNil(t, got.DatabaseKeys)
	assert.Equal(t, "service-role-secret", got.DatabaseKeys.ServiceRoleKey)
	assert.Equal(t, "anon-secret", got.DatabaseKeys.AnonKey)
	assert.Equal(t, "abcdefghijklmnop", got.DatabaseKeys.Ref)
	assert.Equal(t, "main", got.OutputString(StepEnsureRepoInitialized, "default_branch"))
}

func TestHostingStepWithTamperedCredentials(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultAdapters())
	ctx := context.Background()
	run := h.create(t)
	creds := Credentials{SupabaseAccessToken: "sbp_token"}

	h.exec(t, run.ID, "", creds)
	h.exec(t, run.ID, "", creds)

	cred, err := h.store.GetCredential(ctx, testProject)
	require.NoError(t, err)
	other, err := secretbox.New("a different key")
	require.NoError(t, err)
	cred.ServiceRoleKey, err = other.Encrypt("service-role-secret")
	require.NoError(t, err)
	require.NoError(t, h.store.UpsertCredential(ctx, *cred))

	run, res := h.exec(t, run.ID, "", creds)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, KindIntegrity, res.Kind)
	assert.Equal(t, StatusFailed, run.Status)
}

func TestDatabaseStepReusesRecordedProject(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultAdapters())
	ctx := context.Background()

	require.NoError(t, h.store.UpsertCredential(ctx, Credential{ProjectID: testProject, DatabaseRef: "existingref"}))

	run := h.create(t)
	creds := Credentials{SupabaseAccessToken: "sbp_token"}
	h.exec(t, run.ID, "", creds)
	_, res := h.exec(t, run.ID, "", creds)

	assert.Equal(t, true, res.Output["reused"])
	assert.Equal(t, "existingref", res.Output["ref"])
}

func TestAdapterPanicBecomesFailure(t *testing.T) {
	t.Parallel()

	adapters := defaultAdapters()
	adapters[StepEnsureRepoInitialized] = AdapterFunc(func(context.Context, Input) Outcome {
		panic("boom")
	})
	h := newHarness(t, adapters)
	run := h.create(t)

	run, res := h.exec(t, run.ID, "", Credentials{})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, KindUnknown, res.Kind)
	assert.Contains(t, res.Details, "boom")
	assert.Equal(t, StatusFailed, run.Status)
}

func TestAuditFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultAdapters(), func(o *Options) {
		o.Auditor = NewAuditor(failingSink{}, zerolog.Nop())
	})
	run := h.create(t)

	run, res := h.exec(t, run.ID, "", Credentials{})
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, StatusRunning, run.Status)
}

func TestStepResultPersistsAfterCallerCancels(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	adapters := defaultAdapters()
	adapters[StepEnsureRepoInitialized] = AdapterFunc(func(context.Context, Input) Outcome {
		cancel()
		return Success(map[string]any{"initialized": true})
	})
	h := newHarness(t, adapters, func(o *Options) {
		o.Store = ctxCheckingStore{MemoryStore: o.Store.(*MemoryStore)}
	})
	run := h.create(t)

	_, res, err := h.engine.ExecuteStep(ctx, ExecuteRequest{RunID: run.ID})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)

	stored, err := h.engine.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, stored.Step(StepEnsureRepoInitialized).Status)
}

func TestReviveRejectedWhileAnotherRunIsActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultAdapters())
	ctx := context.Background()
	run := h.create(t)

	h.exec(t, run.ID, "", Credentials{})
	failed, _ := h.exec(t, run.ID, "", Credentials{})
	require.Equal(t, StatusFailed, failed.Status)

	_, created, err := h.engine.CreateRun(ctx, testProject)
	require.NoError(t, err)
	require.True(t, created)

	_, err = h.engine.RetryStep(ctx, run.ID, StepCreateBackingDatabaseProject)
	assert.ErrorIs(t, err, ErrActiveRunExists)

	_, _, err = h.engine.ExecuteStep(ctx, ExecuteRequest{RunID: run.ID, Credentials: Credentials{SupabaseAccessToken: "t"}})
	assert.ErrorIs(t, err, ErrActiveRunExists)
}

func TestStepOutputIsRedacted(t *testing.T) {
	t.Parallel()

	adapters := defaultAdapters()
	adapters[StepEnsureRepoInitialized] = succeed(map[string]any{"api_key": "leaky", "default_branch": "main"})
	h := newHarness(t, adapters)
	run := h.create(t)

	run, _ = h.exec(t, run.ID, "", Credentials{})
	out := run.Step(StepEnsureRepoInitialized).Output
	assert.Equal(t, "main", out["default_branch"])
	assert.NotEqual(t, "leaky", out["api_key"])
}

func TestCredentialStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultAdapters())
	ctx := context.Background()

	_, err := h.engine.CredentialStatus(ctx, testProject)
	assert.ErrorIs(t, err, ErrCredentialNotFound)

	run := h.create(t)
	creds := Credentials{SupabaseAccessToken: "sbp_token"}
	h.exec(t, run.ID, "", creds)
	h.exec(t, run.ID, "", creds)

	summary, err := h.engine.CredentialStatus(ctx, testProject)
	require.NoError(t, err)
	assert.True(t, summary.HasServiceRoleKey)
	assert.True(t, summary.HasAnonKey)
	assert.Equal(t, "abcdefghijklmnop", summary.DatabaseRef)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failNthSaveStore fails exactly one SaveRun call.
type failNthSaveStore struct {
	*MemoryStore
	fail  int32
	calls atomic.Int32
}

func (s *failNthSaveStore) SaveRun(ctx context.Context, run *Run, appended ...LogEntry) error {
	if s.calls.Add(1) == s.fail {
		return errors.New("connection reset by peer")
	}
	return s.MemoryStore.SaveRun(ctx, run, appended...)
}

// flakyCredentials fails the first N credential writes.
type flakyCredentials struct {
	*MemoryStore
	failures atomic.Int32
}

func (c *flakyCredentials) UpsertCredential(ctx context.Context, cred Credential) error {
	if c.failures.Add(-1) >= 0 {
		return errors.New("deadlock detected")
	}
	return c.MemoryStore.UpsertCredential(ctx, cred)
}

// countingDatabaseAdapter creates a new upstream project whenever no
// recorded project is passed in.
func countingDatabaseAdapter(created *atomic.Int32) Adapter {
	return AdapterFunc(func(_ context.Context, in Input) Outcome {
		ref := "reusedrefxxxxxxx"
		if in.Database == nil {
			ref = fmt.Sprintf("createdref%06d", created.Add(1))
		}
		return Outcome{
			Metadata: map[string]any{"ref": ref, "reused": in.Database != nil},
			Keys: &DatabaseKeys{
				DatabaseProject: DatabaseProject{Ref: ref, URL: "https://" + ref + ".supabase.co", Region: "us-east-1"},
				ServiceRoleKey:  "service-role-secret",
				AnonKey:         "anon-secret",
			},
		}
	})
}

func TestDatabaseStepNeedsEncryptionKey(t *testing.T) {
	t.Parallel()

	var created atomic.Int32
	adapters := defaultAdapters()
	adapters[StepCreateBackingDatabaseProject] = countingDatabaseAdapter(&created)
	h := newHarness(t, adapters, func(o *Options) {
		unconfigured, err := secretbox.New("")
		require.NoError(t, err)
		o.Cipher = unconfigured
	})
	run := h.create(t)
	creds := Credentials{SupabaseAccessToken: "sbp_token"}

	h.exec(t, run.ID, "", creds)
	for i := 0; i < 2; i++ {
		_, res := h.exec(t, run.ID, StepCreateBackingDatabaseProject, creds)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Equal(t, KindConfiguration, res.Kind)
	}
	assert.Equal(t, int32(0), created.Load())

	_, err := h.engine.CredentialStatus(context.Background(), testProject)
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestDatabaseProjectRecordedWhenKeysCannotBeStored(t *testing.T) {
	t.Parallel()

	var created atomic.Int32
	adapters := defaultAdapters()
	adapters[StepCreateBackingDatabaseProject] = countingDatabaseAdapter(&created)
	creds := &flakyCredentials{}
	creds.failures.Store(1)
	h := newHarness(t, adapters, func(o *Options) {
		creds.MemoryStore = o.Store.(*MemoryStore)
		o.Credentials = creds
	})
	run := h.create(t)
	provisioning := Credentials{SupabaseAccessToken: "sbp_token"}

	h.exec(t, run.ID, "", provisioning)
	_, first := h.exec(t, run.ID, "", provisioning)
	require.Equal(t, StatusFailed, first.Status)
	assert.Equal(t, "Failed to store database credentials", first.Error)

	recorded, err := h.store.GetCredential(context.Background(), testProject)
	require.NoError(t, err)
	assert.Equal(t, "createdref000001", recorded.DatabaseRef)
	assert.Empty(t, recorded.ServiceRoleKey)

	_, second := h.exec(t, run.ID, StepCreateBackingDatabaseProject, provisioning)
	require.Equal(t, StatusSucceeded, second.Status)
	assert.Equal(t, true, second.Output["reused"])
	assert.Equal(t, int32(1), created.Load())
}

func TestStoreKeysRecordsProjectWithoutCipher(t *testing.T) {
	t.Parallel()
	h := newHarness(t, defaultAdapters(), func(o *Options) {
		unconfigured, err := secretbox.New("")
		require.NoError(t, err)
		o.Cipher = unconfigured
	})
	ctx := context.Background()

	err := h.engine.storeKeys(ctx, testProject, &DatabaseKeys{
		DatabaseProject: DatabaseProject{Ref: "orphanref", URL: "https://orphanref.supabase.co", Region: "eu-west-1"},
		ServiceRoleKey:  "service-role-secret",
	})
	assert.ErrorIs(t, err, secretbox.ErrNotConfigured)

	cred, err := h.store.GetCredential(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, "orphanref", cred.DatabaseRef)
	assert.Equal(t, "eu-west-1", cred.DatabaseRegion)
	assert.Empty(t, cred.ServiceRoleKey)
	assert.Empty(t, cred.AnonKey)
}

func newInterruptedRun(t *testing.T) (*harness, *testClock, *Run) {
	t.Helper()

	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	h := newHarness(t, defaultAdapters(), func(o *Options) {
		o.Store = &failNthSaveStore{MemoryStore: o.Store.(*MemoryStore), fail: 2}
		o.Now = clock.Now
		o.StaleAfter = time.Minute
	})
	run := h.create(t)

	_, _, err := h.engine.ExecuteStep(context.Background(), ExecuteRequest{RunID: run.ID})
	require.Error(t, err)

	stored, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, stored.Status)
	require.Equal(t, StatusRunning, stored.Step(StepEnsureRepoInitialized).Status)
	return h, clock, run
}

func TestInterruptedStepIsRecoveredOnExecute(t *testing.T) {
	t.Parallel()
	h, clock, run := newInterruptedRun(t)
	ctx := context.Background()

	_, _, err := h.engine.ExecuteStep(ctx, ExecuteRequest{RunID: run.ID})
	assert.ErrorIs(t, err, ErrStepNotRunnable)

	clock.Advance(2 * time.Minute)

	again, created, err := h.engine.CreateRun(ctx, testProject)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, run.ID, again.ID)

	resumed, res, err := h.engine.ExecuteStep(ctx, ExecuteRequest{RunID: run.ID})
	require.NoError(t, err)
	assert.Equal(t, StepEnsureRepoInitialized, res.Step)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, StatusRunning, resumed.Status)
	require.NotNil(t, resumed.CurrentStep)
	assert.Equal(t, StepCreateBackingDatabaseProject, *resumed.CurrentStep)

	var messages []string
	for _, entry := range resumed.Logs {
		messages = append(messages, entry.Message)
	}
	assert.Contains(t, messages, "Step interrupted: Initialize repository")
}

func TestInterruptedStepCanBeRetried(t *testing.T) {
	t.Parallel()
	h, clock, run := newInterruptedRun(t)
	ctx := context.Background()

	_, err := h.engine.RetryStep(ctx, run.ID, StepEnsureRepoInitialized)
	assert.ErrorIs(t, err, ErrRetryNotAllowed)

	clock.Advance(2 * time.Minute)

	retried, err := h.engine.RetryStep(ctx, run.ID, StepEnsureRepoInitialized)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, retried.Status)
	assert.Equal(t, StatusPending, retried.Step(StepEnsureRepoInitialized).Status)

	stored, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	rec := stored.Step(StepEnsureRepoInitialized)
	assert.Equal(t, StatusPending, rec.Status)

	var interrupted bool
	for _, entry := range h.audit.Entries() {
		if entry.Summary == "Step interrupted: "+string(StepEnsureRepoInitialized) {
			interrupted = true
		}
	}
	assert.True(t, interrupted)
}

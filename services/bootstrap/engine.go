package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agentboard/pkg/redact"
	"agentboard/pkg/secretbox"
)

// Options wires an Engine. Store, Credentials, Cipher and Adapters are
// required; everything else is optional.
type Options struct {
	Store       Store
	Credentials CredentialStore
	Cipher      *secretbox.Cipher
	Adapters    map[StepID]Adapter

	Auditor  *Auditor
	Events   Publisher
	Archive  Archiver
	Metrics  *Metrics
	Logger   zerolog.Logger
	Now      func() time.Time
	NewRunID func() string
	// StaleAfter is how long a step may stay running before it is treated
	// as interrupted. Defaults to DefaultStaleAfter.
	StaleAfter time.Duration
}

// DefaultStaleAfter bounds how long a running step is trusted when no
// result was ever recorded for it.
const DefaultStaleAfter = 15 * time.Minute

// Engine drives bootstrap runs through the step registry.
type Engine struct {
	store    Store
	creds    CredentialStore
	cipher   *secretbox.Cipher
	adapters map[StepID]Adapter

	auditor *Auditor
	events  Publisher
	archive Archiver
	metrics *Metrics
	log     zerolog.Logger
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() string
	stale   time.Duration
}

// ExecuteRequest selects the step to run and carries its inputs.
type ExecuteRequest struct {
	RunID       string
	Step        StepID
	Parameters  map[string]string
	Credentials Credentials
}

// NewEngine validates opts and returns an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("credential store is required")
	}
	if opts.Cipher == nil {
		return nil, errors.New("cipher is required")
	}
	if len(opts.Adapters) == 0 {
		return nil, errors.New("adapters are required")
	}
	for id := range opts.Adapters {
		if !IsKnownStep(id) {
			return nil, fmt.Errorf("adapter registered for unknown step %q", id)
		}
	}

	e := &Engine{
		store:    opts.Store,
		creds:    opts.Credentials,
		cipher:   opts.Cipher,
		adapters: opts.Adapters,
		auditor:  opts.Auditor,
		events:   opts.Events,
		archive:  opts.Archive,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		tracer:   otel.Tracer("agentboard/services/bootstrap"),
		now:      opts.Now,
		newID:    opts.NewRunID,
		stale:    opts.StaleAfter,
	}
	if e.stale <= 0 {
		e.stale = DefaultStaleAfter
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.newID == nil {
		e.newID = func() string { return uuid.NewString() }
	}
	return e, nil
}

// CreateRun returns the active run for projectID, creating one when none
// exists. created reports whether a new run was inserted.
func (e *Engine) CreateRun(ctx context.Context, projectID string) (run *Run, created bool, err error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, false, newError(KindInvalidInput, nil, "project_id is required")
	}

	now := e.now()
	first := StepIDs()[0]
	fresh := &Run{
		ID:          e.newID(),
		ProjectID:   projectID,
		Status:      StatusPending,
		CurrentStep: &first,
		CreatedAt:   now,
		UpdatedAt:   now,
		Logs: []LogEntry{{
			Timestamp: now,
			Level:     LevelInfo,
			Message:   "Bootstrap run created",
		}},
	}
	for _, id := range StepIDs() {
		fresh.Steps = append(fresh.Steps, StepRecord{Step: id, Status: StatusPending})
	}

	run, created, err = e.store.CreateRun(ctx, fresh)
	if err != nil {
		return nil, false, fmt.Errorf("create run: %w", err)
	}
	if !created {
		return run, false, nil
	}

	e.log.Info().Str("run_id", run.ID).Str("project_id", projectID).Msg("bootstrap run created")
	e.metrics.observeRun("created")
	e.auditor.Record(ctx, AuditEntry{
		ProjectID: projectID,
		Action:    ActionStart,
		Status:    string(run.Status),
		Summary:   "Bootstrap run created",
		Metadata:  map[string]any{"run_id": run.ID},
	})
	e.publish(ctx, SubjectRunCreated, Event{
		RunID:       run.ID,
		ProjectID:   projectID,
		Status:      run.Status,
		CurrentStep: run.CurrentStep,
		At:          now,
	})
	return run, true, nil
}

// GetRun returns a run by id.
func (e *Engine) GetRun(ctx context.Context, runID string) (*Run, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, newError(KindInvalidInput, nil, "run_id is required")
	}
	return e.store.GetRun(ctx, runID)
}

// GetRunByProject returns the project's most recent run.
func (e *Engine) GetRunByProject(ctx context.Context, projectID string) (*Run, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, newError(KindInvalidInput, nil, "project_id is required")
	}
	return e.store.LatestRun(ctx, projectID)
}

// ListRuns returns every run for the project, newest first.
func (e *Engine) ListRuns(ctx context.Context, projectID string) ([]*Run, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, newError(KindInvalidInput, nil, "project_id is required")
	}
	return e.store.ListRuns(ctx, projectID)
}

// CredentialStatus reports which keys are stored for a project without
// exposing them.
func (e *Engine) CredentialStatus(ctx context.Context, projectID string) (*CredentialSummary, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, newError(KindInvalidInput, nil, "project_id is required")
	}
	cred, err := e.creds.GetCredential(ctx, projectID)
	if err != nil {
		return nil, err
	}
	summary := cred.Summary()
	return &summary, nil
}

// ExecuteStep runs req.Step, or the run's current step when req.Step is
// empty. Adapter failures are recorded on the run and reported through the
// returned StepResult; the error return is reserved for requests that were
// rejected before the adapter ran or for storage failures.
func (e *Engine) ExecuteStep(ctx context.Context, req ExecuteRequest) (*Run, *StepResult, error) {
	run, err := e.loadRun(ctx, req.RunID)
	if err != nil {
		return nil, nil, err
	}

	stepID := StepID(strings.TrimSpace(string(req.Step)))
	if stepID == "" {
		if run.CurrentStep == nil {
			return nil, nil, newError(KindInvalidInput, ErrStepNotRunnable, "run %s has no step left to execute", run.ID)
		}
		stepID = *run.CurrentStep
	}
	if err := e.checkRunnable(ctx, run, stepID); err != nil {
		return nil, nil, err
	}

	adapter, ok := e.adapters[stepID]
	if !ok || adapter == nil {
		return nil, nil, newError(KindConfiguration, nil, "no adapter configured for step %s", stepID)
	}

	ctx, span := e.tracer.Start(ctx, "bootstrap.step", trace.WithAttributes(
		attribute.String("bootstrap.run_id", run.ID),
		attribute.String("bootstrap.project_id", run.ProjectID),
		attribute.String("bootstrap.step", string(stepID)),
	))
	defer span.End()

	def, _ := LookupStep(stepID)
	startedAt := e.now()
	rec := run.Step(stepID)
	rec.Status = StatusRunning
	rec.StartedAt = &startedAt
	rec.CompletedAt = nil
	rec.ErrorSummary = nil
	rec.ErrorDetails = nil
	rec.ErrorKind = nil
	run.Status = StatusRunning
	run.CurrentStep = &stepID
	run.CompletedAt = nil
	run.UpdatedAt = startedAt
	startLog := e.appendLog(run, startedAt, LevelInfo, fmt.Sprintf("Starting step: %s", def.Name))

	if err := e.store.SaveRun(ctx, run, startLog); err != nil {
		return nil, nil, fmt.Errorf("mark step running: %w", err)
	}
	e.auditor.Record(ctx, AuditEntry{
		ProjectID: run.ProjectID,
		Action:    ActionStep,
		Status:    string(StatusRunning),
		Summary:   "Step started: " + string(stepID),
		Metadata:  map[string]any{"run_id": run.ID, "step": string(stepID)},
	})

	outcome := e.runAdapter(ctx, adapter, run, stepID, req)

	// The adapter may have changed external state; persist the result even
	// if the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)

	// A failed outcome may still carry a created project without keys; it is
	// recorded so the next attempt reuses it instead of creating another.
	if outcome.Keys != nil {
		if err := e.storeKeys(persistCtx, run.ProjectID, outcome.Keys); err != nil {
			e.log.Error().Err(err).Str("run_id", run.ID).Msg("store database credentials")
			if outcome.Succeeded() {
				outcome = Fail(KindOf(err), "Failed to store database credentials", err.Error())
			}
		}
	}

	finishedAt := e.now()
	elapsed := finishedAt.Sub(startedAt)
	result := &StepResult{Step: stepID, Duration: elapsed.Milliseconds()}
	var appended []LogEntry

	rec = run.Step(stepID)
	rec.CompletedAt = &finishedAt
	if outcome.Succeeded() {
		rec.Status = StatusSucceeded
		rec.Output = redact.Map(outcome.Metadata)
		result.Status = StatusSucceeded
		result.Output = rec.Output
		appended = append(appended, e.appendLog(run, finishedAt, LevelInfo, fmt.Sprintf("Step succeeded: %s", def.Name)))
		span.SetStatus(codes.Ok, "")
	} else {
		f := outcome.Failure
		kind := f.Kind
		if kind == "" {
			kind = KindUnknown
		}
		summary := redact.String(f.Message)
		if summary == "" {
			summary = "Step failed"
		}
		details := redact.String(f.Details)

		rec.Status = StatusFailed
		rec.ErrorSummary = &summary
		rec.ErrorDetails = stringPtr(details)
		rec.ErrorKind = &kind
		rec.Output = nil
		result.Status = StatusFailed
		result.Error = summary
		result.Details = details
		result.Kind = kind
		appended = append(appended, e.appendLog(run, finishedAt, LevelError, fmt.Sprintf("Step failed: %s: %s", def.Name, summary)))
		span.SetStatus(codes.Error, summary)
		span.SetAttributes(attribute.String("bootstrap.error_kind", string(kind)))
	}

	recompute(run, stepID, finishedAt)
	run.UpdatedAt = finishedAt
	if run.Status == StatusSucceeded {
		appended = append(appended, e.appendLog(run, finishedAt, LevelInfo, "Bootstrap completed successfully"))
	}

	if err := e.store.SaveRun(persistCtx, run, appended...); err != nil {
		e.log.Error().Err(err).Str("run_id", run.ID).Str("step", string(stepID)).Msg("persist step result")
		return nil, nil, fmt.Errorf("persist step result: %w", err)
	}

	e.afterStep(persistCtx, run, result, elapsed)
	return run, result, nil
}

// RetryStep resets a failed step to pending and resumes the run at it.
func (e *Engine) RetryStep(ctx context.Context, runID string, stepID StepID) (*Run, error) {
	stepID = StepID(strings.TrimSpace(string(stepID)))
	if stepID == "" {
		return nil, newError(KindInvalidInput, nil, "step is required")
	}
	if !IsKnownStep(stepID) {
		return nil, newError(KindInvalidInput, ErrUnknownStep, "unknown step %q", stepID)
	}

	run, err := e.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	rec := run.Step(stepID)
	if rec == nil {
		return nil, newError(KindInvalidInput, ErrUnknownStep, "run %s does not track step %q", run.ID, stepID)
	}
	if rec.Status != StatusFailed {
		return nil, newError(KindInvalidInput, ErrRetryNotAllowed, "step %s is %s", stepID, rec.Status)
	}
	if err := e.ensureSoleActive(ctx, run); err != nil {
		return nil, err
	}

	now := e.now()
	rec.Status = StatusPending
	run.Status = StatusRunning
	run.CurrentStep = &stepID
	run.CompletedAt = nil
	run.UpdatedAt = now
	entry := e.appendLog(run, now, LevelInfo, fmt.Sprintf("Retry requested for step: %s", stepID))

	if err := e.store.SaveRun(ctx, run, entry); err != nil {
		return nil, fmt.Errorf("save retry: %w", err)
	}

	e.auditor.Record(ctx, AuditEntry{
		ProjectID: run.ProjectID,
		Action:    ActionStep,
		Status:    string(StatusPending),
		Summary:   "Retry requested: " + string(stepID),
		Metadata:  map[string]any{"run_id": run.ID, "step": string(stepID)},
	})
	e.log.Info().Str("run_id", run.ID).Str("step", string(stepID)).Msg("step retry requested")
	return run, nil
}

// loadRun fetches a run and fails any step left running past the stale
// threshold, which happens when the process dies mid-step or the final
// write is lost.
func (e *Engine) loadRun(ctx context.Context, runID string) (*Run, error) {
	run, err := e.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var appended []LogEntry
	var interrupted []StepID
	for i := range run.Steps {
		rec := &run.Steps[i]
		if rec.Status != StatusRunning {
			continue
		}
		if rec.StartedAt != nil && now.Sub(*rec.StartedAt) <= e.stale {
			continue
		}

		def, _ := LookupStep(rec.Step)
		kind := KindUnknown
		summary := "Step was interrupted"
		details := "no result was recorded for this attempt"
		if rec.StartedAt != nil {
			details = fmt.Sprintf("started at %s; no result was recorded for this attempt", rec.StartedAt.UTC().Format(time.RFC3339))
		}
		rec.Status = StatusFailed
		rec.CompletedAt = &now
		rec.ErrorSummary = &summary
		rec.ErrorDetails = &details
		rec.ErrorKind = &kind
		rec.Output = nil
		appended = append(appended, e.appendLog(run, now, LevelError, fmt.Sprintf("Step interrupted: %s", def.Name)))
		interrupted = append(interrupted, rec.Step)
	}
	if len(interrupted) == 0 {
		return run, nil
	}

	for _, id := range interrupted {
		recompute(run, id, now)
	}
	run.UpdatedAt = now
	if err := e.store.SaveRun(ctx, run, appended...); err != nil {
		return nil, fmt.Errorf("recover interrupted step: %w", err)
	}

	for _, id := range interrupted {
		e.log.Warn().Str("run_id", run.ID).Str("step", string(id)).Msg("recovered interrupted step")
		e.auditor.Record(ctx, AuditEntry{
			ProjectID: run.ProjectID,
			Action:    ActionStep,
			Status:    string(StatusFailed),
			Summary:   "Step interrupted: " + string(id),
			Metadata:  map[string]any{"run_id": run.ID, "step": string(id), "kind": string(KindUnknown)},
		})
	}
	return run, nil
}

func (e *Engine) checkRunnable(ctx context.Context, run *Run, stepID StepID) error {
	if !IsKnownStep(stepID) {
		return newError(KindInvalidInput, ErrUnknownStep, "unknown step %q", stepID)
	}
	if run.Status == StatusSucceeded {
		return newError(KindInvalidInput, ErrStepNotRunnable, "run %s already succeeded", run.ID)
	}

	rec := run.Step(stepID)
	if rec == nil {
		return newError(KindInvalidInput, ErrUnknownStep, "run %s does not track step %q", run.ID, stepID)
	}
	if rec.Status != StatusPending && rec.Status != StatusFailed {
		return newError(KindInvalidInput, ErrStepNotRunnable, "step %s is %s", stepID, rec.Status)
	}

	idx := StepIndex(stepID)
	for _, prior := range StepIDs()[:idx] {
		if p := run.Step(prior); p == nil || p.Status != StatusSucceeded {
			return newError(KindInvalidInput, ErrStepBlocked, "step %s must succeed before %s", prior, stepID)
		}
	}

	return e.ensureSoleActive(ctx, run)
}

// ensureSoleActive rejects reviving a terminal run while the project has
// another active run.
func (e *Engine) ensureSoleActive(ctx context.Context, run *Run) error {
	if run.Status.Active() {
		return nil
	}
	active, err := e.store.ActiveRun(ctx, run.ProjectID)
	switch {
	case errors.Is(err, ErrRunNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("look up active run: %w", err)
	case active.ID != run.ID:
		return newError(KindInvalidInput, ErrActiveRunExists, "project %s has active run %s", run.ProjectID, active.ID)
	}
	return nil
}

func (e *Engine) runAdapter(ctx context.Context, adapter Adapter, run *Run, stepID StepID, req ExecuteRequest) Outcome {
	in := Input{
		RunID:       run.ID,
		ProjectID:   run.ProjectID,
		Step:        stepID,
		Parameters:  req.Parameters,
		Credentials: req.Credentials,
		Outputs:     make(map[StepID]map[string]any),
	}
	for _, s := range run.Steps {
		if s.Status == StatusSucceeded && s.Output != nil {
			in.Outputs[s.Step] = s.Output
		}
	}

	if stepID == StepCreateBackingDatabaseProject && !e.cipher.Configured() {
		return Fail(KindConfiguration, "Secrets encryption key is not configured",
			"database keys cannot be stored; set SECRETS_ENCRYPTION_KEY before creating the database project")
	}

	switch stepID {
	case StepCreateBackingDatabaseProject, StepCreateHostingProject:
		cred, err := e.creds.GetCredential(ctx, run.ProjectID)
		switch {
		case errors.Is(err, ErrCredentialNotFound):
		case err != nil:
			return Fail(KindUnknown, "Failed to load project credentials", err.Error())
		default:
			project := cred.Project()
			in.Database = &project
			if stepID == StepCreateHostingProject {
				keys, err := e.openKeys(cred)
				if err != nil {
					return Fail(KindOf(err), "Failed to decrypt stored database credentials", err.Error())
				}
				in.DatabaseKeys = keys
			}
		}
	}

	return e.invoke(ctx, adapter, in)
}

func (e *Engine) invoke(ctx context.Context, adapter Adapter, in Input) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("run_id", in.RunID).Str("step", string(in.Step)).Interface("panic", r).Msg("adapter panicked")
			out = Fail(KindUnknown, "Step failed unexpectedly", redact.String(fmt.Sprint(r)))
		}
	}()
	return adapter.Execute(ctx, in)
}

func (e *Engine) storeKeys(ctx context.Context, projectID string, keys *DatabaseKeys) error {
	serviceRole, err := e.encryptOptional(keys.ServiceRoleKey)
	if err == nil {
		var anon string
		if anon, err = e.encryptOptional(keys.AnonKey); err == nil {
			err = e.creds.UpsertCredential(ctx, Credential{
				ProjectID:      projectID,
				DatabaseRef:    keys.Ref,
				DatabaseURL:    keys.URL,
				DatabaseRegion: keys.Region,
				ServiceRoleKey: serviceRole,
				AnonKey:        anon,
			})
		}
	}
	if err == nil {
		return nil
	}

	// The project exists upstream either way; remember it so the next
	// attempt reuses it.
	if recErr := e.recordProject(ctx, projectID, keys.DatabaseProject); recErr != nil {
		e.log.Error().Err(recErr).Str("project_id", projectID).Str("database_ref", keys.Ref).Msg("record database project")
	}
	return err
}

// recordProject upserts the non-secret part of a credential record and
// keeps whatever ciphertext is already stored.
func (e *Engine) recordProject(ctx context.Context, projectID string, project DatabaseProject) error {
	if project.Ref == "" {
		return nil
	}
	cred := Credential{ProjectID: projectID}
	existing, err := e.creds.GetCredential(ctx, projectID)
	switch {
	case errors.Is(err, ErrCredentialNotFound):
	case err != nil:
		return err
	default:
		cred = *existing
	}
	cred.DatabaseRef = project.Ref
	cred.DatabaseURL = project.URL
	cred.DatabaseRegion = project.Region
	return e.creds.UpsertCredential(ctx, cred)
}

func (e *Engine) encryptOptional(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return e.cipher.Encrypt(plaintext)
}

func (e *Engine) openKeys(cred *Credential) (*DatabaseKeys, error) {
	keys := &DatabaseKeys{DatabaseProject: cred.Project()}
	var err error
	if cred.ServiceRoleKey != "" {
		if keys.ServiceRoleKey, err = e.cipher.Decrypt(cred.ServiceRoleKey); err != nil {
			return nil, err
		}
	}
	if cred.AnonKey != "" {
		if keys.AnonKey, err = e.cipher.Decrypt(cred.AnonKey); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func (e *Engine) appendLog(run *Run, at time.Time, level LogLevel, message string) LogEntry {
	entry := LogEntry{Timestamp: at, Level: level, Message: message}
	run.Logs = append(run.Logs, entry)
	return entry
}

func (e *Engine) afterStep(ctx context.Context, run *Run, result *StepResult, elapsed time.Duration) {
	e.metrics.observeStep(result.Step, result.Status, elapsed)

	level := zerolog.InfoLevel
	if result.Status == StatusFailed {
		level = zerolog.WarnLevel
	}
	e.log.WithLevel(level).
		Str("run_id", run.ID).
		Str("project_id", run.ProjectID).
		Str("step", string(result.Step)).
		Str("status", string(result.Status)).
		Str("kind", string(result.Kind)).
		Dur("elapsed", elapsed).
		Msg("bootstrap step finished")

	meta := map[string]any{
		"run_id":      run.ID,
		"step":        string(result.Step),
		"duration_ms": result.Duration,
	}
	summary := "Step succeeded: " + string(result.Step)
	if result.Status == StatusFailed {
		meta["kind"] = string(result.Kind)
		meta["error"] = result.Error
		summary = "Step failed: " + string(result.Step)
	} else if len(result.Output) > 0 {
		meta["output"] = result.Output
	}
	e.auditor.Record(ctx, AuditEntry{
		ProjectID: run.ProjectID,
		Action:    ActionStep,
		Status:    string(result.Status),
		Summary:   summary,
		Metadata:  meta,
	})
	e.publish(ctx, SubjectStepFinished, Event{
		RunID:       run.ID,
		ProjectID:   run.ProjectID,
		Status:      run.Status,
		Step:        result.Step,
		StepStatus:  result.Status,
		Kind:        result.Kind,
		CurrentStep: run.CurrentStep,
		At:          run.UpdatedAt,
	})

	if !run.Status.Terminal() {
		return
	}
	e.metrics.observeRun(string(run.Status))
	if run.Status == StatusSucceeded {
		e.auditor.Record(ctx, AuditEntry{
			ProjectID: run.ProjectID,
			Action:    ActionComplete,
			Status:    string(run.Status),
			Summary:   "Bootstrap completed",
			Metadata:  map[string]any{"run_id": run.ID},
		})
	}
	e.publish(ctx, SubjectRunCompleted, Event{
		RunID:       run.ID,
		ProjectID:   run.ProjectID,
		Status:      run.Status,
		Step:        result.Step,
		CurrentStep: run.CurrentStep,
		At:          run.UpdatedAt,
	})
	e.archiveTranscript(ctx, run)
}

func (e *Engine) publish(ctx context.Context, subject string, evt Event) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, subject, evt); err != nil {
		e.log.Warn().Err(err).Str("subject", subject).Str("run_id", evt.RunID).Msg("publish bootstrap event")
	}
}

func (e *Engine) archiveTranscript(ctx context.Context, run *Run) {
	if e.archive == nil {
		return
	}
	location, err := e.archive.Put(ctx, TranscriptKey(run), run)
	if err != nil {
		e.log.Warn().Err(err).Str("run_id", run.ID).Msg("archive run transcript")
		return
	}
	e.log.Debug().Str("run_id", run.ID).Str("location", location).Msg("run transcript archived")
}

// recompute derives run status and current step after stepID finished.
func recompute(run *Run, executed StepID, now time.Time) {
	var next *StepID
	allSucceeded := true
	for _, id := range StepIDs() {
		rec := run.Step(id)
		if rec == nil || rec.Status != StatusSucceeded {
			allSucceeded = false
		}
		if next == nil && rec != nil && rec.Status == StatusPending {
			next = &id
		}
	}
	if next == nil {
		for _, id := range StepIDs() {
			if rec := run.Step(id); rec != nil && rec.Status == StatusFailed {
				next = &id
				break
			}
		}
	}

	switch {
	case next == nil && allSucceeded:
		run.Status = StatusSucceeded
		run.CurrentStep = nil
		run.CompletedAt = &now
	case run.Step(executed) != nil && run.Step(executed).Status == StatusFailed:
		failed := executed
		run.Status = StatusFailed
		run.CurrentStep = &failed
		run.CompletedAt = &now
	default:
		run.Status = StatusRunning
		run.CurrentStep = next
		run.CompletedAt = nil
	}
}

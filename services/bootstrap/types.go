package bootstrap

import (
	"time"
)

// Status is the lifecycle state shared by runs and steps.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Active reports whether a run in this status blocks creation of another run
// for the same project.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Terminal reports whether the status is final for a run.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// LogLevel classifies run log entries.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// Run is one end-to-end bootstrap attempt for a project.
type Run struct {
	ID          string       `json:"id" yaml:"id"`
	ProjectID   string       `json:"project_id" yaml:"project_id"`
	Status      Status       `json:"status" yaml:"status"`
	CurrentStep *StepID      `json:"current_step" yaml:"current_step"`
	Steps       []StepRecord `json:"step_history" yaml:"step_history"`
	Logs        []LogEntry   `json:"logs" yaml:"logs"`
	CreatedAt   time.Time    `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" yaml:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at" yaml:"completed_at"`
}

// StepRecord tracks a single registry step within a run.
type StepRecord struct {
	Step         StepID         `json:"step" yaml:"step"`
	Status       Status         `json:"status" yaml:"status"`
	StartedAt    *time.Time     `json:"started_at" yaml:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at" yaml:"completed_at"`
	ErrorSummary *string        `json:"error_summary" yaml:"error_summary"`
	ErrorDetails *string        `json:"error_details" yaml:"error_details"`
	ErrorKind    *Kind          `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Output       map[string]any `json:"output,omitempty" yaml:"output,omitempty"`
}

// LogEntry is an append-only run log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Level     LogLevel  `json:"level" yaml:"level"`
	Message   string    `json:"message" yaml:"message"`
}

// Step returns the record for id, or nil when the run does not track it.
func (r *Run) Step(id StepID) *StepRecord {
	if r == nil {
		return nil
	}
	for i := range r.Steps {
		if r.Steps[i].Step == id {
			return &r.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy so stores can hand out runs without sharing
// mutable state with callers.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	if r.CurrentStep != nil {
		cur := *r.CurrentStep
		out.CurrentStep = &cur
	}
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.Steps = make([]StepRecord, len(r.Steps))
	for i, s := range r.Steps {
		out.Steps[i] = s.clone()
	}
	out.Logs = append([]LogEntry(nil), r.Logs...)
	return &out
}

func (s StepRecord) clone() StepRecord {
	out := s
	out.StartedAt = cloneTime(s.StartedAt)
	out.CompletedAt = cloneTime(s.CompletedAt)
	out.ErrorSummary = cloneString(s.ErrorSummary)
	out.ErrorDetails = cloneString(s.ErrorDetails)
	if s.ErrorKind != nil {
		k := *s.ErrorKind
		out.ErrorKind = &k
	}
	if s.Output != nil {
		out.Output = make(map[string]any, len(s.Output))
		for k, v := range s.Output {
			out.Output[k] = v
		}
	}
	return out
}

// StepResult describes the outcome of a single ExecuteStep call.
type StepResult struct {
	Step     StepID         `json:"step"`
	Status   Status         `json:"status"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Details  string         `json:"errorDetails,omitempty"`
	Kind     Kind           `json:"kind,omitempty"`
	Duration int64          `json:"duration_ms"`
}

// Credentials are caller supplied provider secrets. They live only for the
// duration of a request and are never persisted.
type Credentials struct {
	GitHubToken         string `json:"github_token,omitempty"`
	SupabaseAccessToken string `json:"supabase_access_token,omitempty"`
	SupabaseOrgID       string `json:"supabase_organization_id,omitempty"`
	VercelToken         string `json:"vercel_token,omitempty"`
	VercelTeamID        string `json:"vercel_team_id,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

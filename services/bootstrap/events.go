package bootstrap

import (
	"context"
	"time"
)

const (
	SubjectRunCreated   = "agentboard.bootstrap.run.created"
	SubjectStepFinished = "agentboard.bootstrap.step.finished"
	SubjectRunCompleted = "agentboard.bootstrap.run.completed"
)

// Publisher emits lifecycle events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Event is the payload published on every lifecycle subject.
type Event struct {
	RunID       string    `json:"run_id"`
	ProjectID   string    `json:"project_id"`
	Status      Status    `json:"status"`
	Step        StepID    `json:"step,omitempty"`
	StepStatus  Status    `json:"step_status,omitempty"`
	Kind        Kind      `json:"kind,omitempty"`
	CurrentStep *StepID   `json:"current_step,omitempty"`
	At          time.Time `json:"at"`
}

// Archiver stores a serialisable transcript under key and returns where it
// was written.
type Archiver interface {
	Put(ctx context.Context, key string, v any) (string, error)
}

// TranscriptKey is the archive key for a run transcript.
func TranscriptKey(run *Run) string {
	return "bootstrap/" + run.ProjectID + "/" + run.ID + ".json.zst"
}

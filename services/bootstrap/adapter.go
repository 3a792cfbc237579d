package bootstrap

import (
	"context"
	"strings"
)

// Adapter performs the external work behind one step. Implementations must
// not panic on bad input and must translate vendor responses into an
// Outcome before returning.
type Adapter interface {
	Execute(ctx context.Context, in Input) Outcome
}

// AdapterFunc lets a plain function satisfy Adapter.
type AdapterFunc func(ctx context.Context, in Input) Outcome

func (f AdapterFunc) Execute(ctx context.Context, in Input) Outcome { return f(ctx, in) }

// Input is everything an adapter may use for a single invocation.
type Input struct {
	RunID       string
	ProjectID   string
	Step        StepID
	Parameters  map[string]string
	Credentials Credentials

	// Database is the recorded backing database project, if any.
	Database *DatabaseProject
	// DatabaseKeys holds decrypted keys and is only populated for steps that
	// push them to another service.
	DatabaseKeys *DatabaseKeys
	// Outputs holds the output metadata of steps that already succeeded.
	Outputs map[StepID]map[string]any
}

// Param returns the trimmed parameter value for key.
func (in Input) Param(key string) string {
	if in.Parameters == nil {
		return ""
	}
	return strings.TrimSpace(in.Parameters[key])
}

// OutputString returns a string field from a previous step's output.
func (in Input) OutputString(step StepID, key string) string {
	out, ok := in.Outputs[step]
	if !ok {
		return ""
	}
	s, _ := out[key].(string)
	return s
}

// DatabaseProject is the non-secret description of a provisioned database.
type DatabaseProject struct {
	Ref    string `json:"ref"`
	URL    string `json:"url"`
	Region string `json:"region"`
}

// DatabaseKeys are the secrets issued for a database project.
type DatabaseKeys struct {
	DatabaseProject
	ServiceRoleKey string `json:"-"`
	AnonKey        string `json:"-"`
}

// Failure is a classified adapter error.
type Failure struct {
	Kind    Kind
	Message string
	Details string
}

func (f *Failure) Error() string {
	if f.Details != "" {
		return f.Message + ": " + f.Details
	}
	return f.Message
}

// Outcome is either a success carrying metadata (and optionally issued keys)
// or a Failure.
type Outcome struct {
	Metadata map[string]any
	Keys     *DatabaseKeys
	Failure  *Failure
}

// Succeeded reports whether the outcome carries no failure.
func (o Outcome) Succeeded() bool { return o.Failure == nil }

// Success builds a successful Outcome.
func Success(metadata map[string]any) Outcome {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Outcome{Metadata: metadata}
}

// Fail builds a failed Outcome.
func Fail(kind Kind, message, details string) Outcome {
	return Outcome{Failure: &Failure{Kind: kind, Message: message, Details: details}}
}

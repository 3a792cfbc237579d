package bootstrapctl

import (
	"context"
	"errors"
	"fmt"
	"os"

	"filippo.io/age"

	"agentboard/pkg/archive"
	"agentboard/services/bootstrap"
)

// TranscriptReader is satisfied by *archive.Archive.
type TranscriptReader interface {
	Get(ctx context.Context, key string, v any, identities ...age.Identity) error
}

// TranscriptKey returns the object key of a run transcript. Sealed
// transcripts carry the age suffix.
func TranscriptKey(projectID, runID string, sealed bool) string {
	key := bootstrap.TranscriptKey(&bootstrap.Run{ID: runID, ProjectID: projectID})
	if sealed {
		key += archive.EncryptedSuffix
	}
	return key
}

// FetchTranscript downloads and decodes the archived transcript of a run.
// Passing identities selects the sealed object.
func FetchTranscript(ctx context.Context, arc TranscriptReader, projectID, runID string, identities ...age.Identity) (*bootstrap.Run, error) {
	if arc == nil {
		return nil, errors.New("archive is required")
	}
	if projectID == "" || runID == "" {
		return nil, errors.New("project and run id are required")
	}

	var run bootstrap.Run
	if err := arc.Get(ctx, TranscriptKey(projectID, runID, len(identities) > 0), &run, identities...); err != nil {
		return nil, fmt.Errorf("fetch transcript: %w", err)
	}
	return &run, nil
}

// LoadIdentities reads age identities from path. An empty path yields none.
func LoadIdentities(path string) ([]age.Identity, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return archive.ParseIdentities(f)
}


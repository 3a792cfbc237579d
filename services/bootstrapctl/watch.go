package bootstrapctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"agentboard/pkg/bus"
	"agentboard/services/bootstrap"
)

// Subscriber is satisfied by *bus.Bus.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// Watch prints lifecycle events until ctx is cancelled. An empty projectID
// follows every project.
func Watch(ctx context.Context, sub Subscriber, projectID string, w io.Writer) error {
	if sub == nil {
		return errors.New("subscriber is required")
	}

	var mu sync.Mutex
	closer, err := sub.Subscribe(ctx, bus.StreamSubjects, "", func(_ context.Context, data []byte) error {
		var ev bootstrap.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			// Unreadable payloads would be redelivered forever on Nak.
			return nil
		}
		if projectID != "" && ev.ProjectID != projectID {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		_, err := fmt.Fprintln(w, formatEvent(ev))
		return err
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer closer.Close()

	<-ctx.Done()
	return nil
}

func formatEvent(ev bootstrap.Event) string {
	line := fmt.Sprintf("%s  run %s  project %s  status %s", ev.At.UTC().Format(time.RFC3339), ev.RunID, ev.ProjectID, ev.Status)
	if ev.Step != "" {
		line += fmt.Sprintf("  step %s=%s", ev.Step, ev.StepStatus)
	}
	if ev.Kind != "" {
		line += "  kind " + string(ev.Kind)
	}
	return line
}

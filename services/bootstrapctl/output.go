package bootstrapctl

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"agentboard/services/bootstrap"
)

// Output formats accepted by the -o flag.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Write renders v in the requested format. Text is only defined for runs
// and falls back to YAML for anything else.
func Write(w io.Writer, format string, v any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case FormatText, "":
		if run, ok := v.(*bootstrap.Run); ok {
			return writeRunText(w, run)
		}
		return Write(w, FormatYAML, v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeRunText(w io.Writer, run *bootstrap.Run) error {
	current := "-"
	if run.CurrentStep != nil {
		current = string(*run.CurrentStep)
	}
	if _, err := fmt.Fprintf(w, "run %s  project %s  status %s  current %s\n\n", run.ID, run.ProjectID, run.Status, current); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATUS\tFINISHED\tERROR")
	for _, rec := range run.Steps {
		finished := "-"
		if rec.CompletedAt != nil {
			finished = rec.CompletedAt.UTC().Format(time.RFC3339)
		}
		errText := "-"
		if rec.ErrorSummary != nil {
			errText = *rec.ErrorSummary
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rec.Step, rec.Status, finished, errText)
	}
	return tw.Flush()
}

package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pithecene-io/tributary/metrics"
	"github.com/pithecene-io/tributary/types"
)

// ThreadReport is the structured JSON report written by run --report.
type ThreadReport struct {
	ThreadID   string              `json:"thread_id"`
	Turn       int                 `json:"turn"`
	Outcome    types.OutcomeStatus `json:"outcome"`
	Message    string              `json:"message"`
	ExitCode   int                 `json:"exit_code"`
	DurationMs int64               `json:"duration_ms"`
	EventCount int64               `json:"event_count"`

	Ingestion *ReportIngestion `json:"ingestion"`
	Policy    *ReportPolicy    `json:"policy"`
	Metrics   *metrics.Snapshot `json:"metrics"`

	Usage  map[string]any `json:"usage,omitempty"`
	Stderr string         `json:"stderr,omitempty"`
}

// ReportIngestion holds ingestion and condensation counts.
type ReportIngestion struct {
	Received      int64 `json:"received"`
	Ignored       int64 `json:"ignored"`
	Condensed     int64 `json:"condensed"`
	PassedThrough int64 `json:"passed_through"`
	Filtered      int64 `json:"filtered"`
	Dropped       int64 `json:"dropped"`
}

// ReportPolicy holds policy stats in the report.
type ReportPolicy struct {
	Name            string `json:"name"`
	EventsReceived  int64  `json:"events_received"`
	EventsPersisted int64  `json:"events_persisted"`
	Flushes         int64  `json:"flushes"`
	Errors          int64  `json:"errors"`
}

// BuildThreadReport composes a ThreadReport from a ThreadResult and a
// metrics snapshot. exitCode is the process exit code the CLI will return.
func BuildThreadReport(result *ThreadResult, snap metrics.Snapshot, policyName string, exitCode int) *ThreadReport {
	in := result.Ingestion
	return &ThreadReport{
		ThreadID:   result.Meta.ThreadID,
		Turn:       result.Meta.Turn,
		Outcome:    result.Outcome.Status,
		Message:    result.Outcome.Message,
		ExitCode:   exitCode,
		DurationMs: result.Duration.Milliseconds(),
		EventCount: result.EventCount,
		Ingestion: &ReportIngestion{
			Received:      in.Received,
			Ignored:       in.Ignored,
			Condensed:     in.Condense.Emitted,
			PassedThrough: in.Condense.PassedThrough,
			Filtered:      in.Condense.Filtered,
			Dropped:       in.Condense.Dropped,
		},
		Policy: &ReportPolicy{
			Name:            policyName,
			EventsReceived:  result.PolicyStats.TotalEvents,
			EventsPersisted: result.PolicyStats.EventsPersisted,
			Flushes:         result.PolicyStats.FlushCount,
			Errors:          result.PolicyStats.Errors,
		},
		Metrics: &snap,
		Usage:   result.Usage,
		Stderr:  result.StderrOutput,
	}
}

// WriteThreadReport writes the report as JSON to path.
// If path is "-", writes to stderr.
func WriteThreadReport(report *ThreadReport, path string) error {
	if path == "" {
		return errors.New("report path must not be empty")
	}
	if path == "-" {
		if err := writeThreadReportTo(report, os.Stderr); err != nil {
			return fmt.Errorf("failed to write report to stderr: %w", err)
		}
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report %s: %w", path, err)
	}
	if err := writeThreadReportTo(report, f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	return f.Close()
}

func writeThreadReportTo(report *ThreadReport, w io.Writer) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

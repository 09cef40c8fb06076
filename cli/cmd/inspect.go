package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tributary/cli/render"
	"github.com/pithecene-io/tributary/threadlog"
	"github.com/pithecene-io/tributary/types"
)

// ThreadSummary is a deep view of one stored thread.
type ThreadSummary struct {
	ThreadID  string           `json:"thread_id"`
	Blueprint map[string]any   `json:"blueprint,omitempty"`
	Events    int              `json:"events"`
	ByType    map[string]int   `json:"by_type"`
	FirstTs   string           `json:"first_ts,omitempty"`
	LastTs    string           `json:"last_ts,omitempty"`
	ToolCalls []ToolCallDigest `json:"tool_calls"`
	Sources   map[string]int   `json:"mutation_sources,omitempty"`
	Errors    []string         `json:"errors,omitempty"`
}

// ToolCallDigest is one tool call and how it ended.
type ToolCallDigest struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Result     string `json:"result"`
}

// Tool call results as reported by inspect.
const (
	toolResultPending = "pending"
	toolResultOutput  = "output"
	toolResultError   = "error"
	toolResultDenied  = "denied"
)

// InspectCommand returns the inspect command.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Summarize a stored thread (event counts, tool calls, mutations)",
		ArgsUsage: "<thread-id>",
		Flags: append(StoreFlags(),
			&cli.StringFlag{
				Name:  "file",
				Usage: "Inspect this JSONL log instead of a stored thread",
			},
		),
		Action: inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	_, events, err := threadEvents(c)
	if err != nil {
		return err
	}

	threadID := c.Args().First()
	if path := c.String("file"); path != "" {
		threadID = threadIDFromPath(path)
	}
	return r.Render(summarizeThread(threadID, events))
}

// summarizeThread folds a thread log into a ThreadSummary.
func summarizeThread(threadID string, events []types.Event) *ThreadSummary {
	blueprint, events := threadlog.SplitBlueprint(events)

	s := &ThreadSummary{
		ThreadID:  threadID,
		Events:    len(events),
		ByType:    make(map[string]int),
		ToolCalls: []ToolCallDigest{},
	}
	if blueprint != nil {
		s.Blueprint = blueprint.Flatten()
	}

	calls := make(map[string]int)
	for _, ev := range events {
		s.ByType[string(ev.Type)]++
		if ts := ev.StringField(types.FieldTimestamp); ts != "" {
			if s.FirstTs == "" {
				s.FirstTs = ts
			}
			s.LastTs = ts
		}

		switch ev.Type {
		case types.EventTypeToolInputAvailable:
			id := ev.ToolCallID()
			if _, seen := calls[id]; seen {
				continue
			}
			calls[id] = len(s.ToolCalls)
			s.ToolCalls = append(s.ToolCalls, ToolCallDigest{
				ToolCallID: id,
				ToolName:   ev.StringField(types.FieldToolName),
				Result:     toolResultPending,
			})
		case types.EventTypeToolOutputAvailable:
			setToolResult(s, calls, ev.ToolCallID(), toolResultOutput)
		case types.EventTypeToolOutputError:
			setToolResult(s, calls, ev.ToolCallID(), toolResultError)
		case types.EventTypeToolOutputDenied:
			setToolResult(s, calls, ev.ToolCallID(), toolResultDenied)
		case types.EventTypeMutation:
			m, err := types.MutationFromEvent(ev)
			if err != nil {
				s.Errors = append(s.Errors, fmt.Sprintf("mutation: %v", err))
				continue
			}
			if s.Sources == nil {
				s.Sources = make(map[string]int)
			}
			s.Sources[m.Prefix()]++
		case types.EventTypeError:
			s.Errors = append(s.Errors, ev.StringField(types.FieldErrorText))
		}
	}

	return s
}

func setToolResult(s *ThreadSummary, calls map[string]int, id, result string) {
	if i, ok := calls[id]; ok && s.ToolCalls[i].Result == toolResultPending {
		s.ToolCalls[i].Result = result
	}
}

package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tributary/cli/render"
	"github.com/pithecene-io/tributary/ipc"
	"github.com/pithecene-io/tributary/types"
)

// FramesReport summarizes a captured engine frame stream.
type FramesReport struct {
	Frames       int            `json:"frames"`
	Events       int            `json:"events"`
	ByType       map[string]int `json:"by_type"`
	ThreadIDs    []string       `json:"thread_ids"`
	FirstSeq     int64          `json:"first_seq"`
	LastSeq      int64          `json:"last_seq"`
	SeqGaps      int            `json:"seq_gaps"`
	DecodeErrors int            `json:"decode_errors"`
	Result       *ResultView    `json:"result,omitempty"`
	// Error is set when a fatal framing error stopped the scan.
	Error string `json:"error,omitempty"`

	Detail []FrameView `json:"detail,omitempty"`
}

// ResultView is the engine's thread_result control frame.
type ResultView struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// FrameView is one decoded frame, listed with --verbose.
type FrameView struct {
	Index int    `json:"index"`
	Kind  string `json:"kind"`
	Seq   int64  `json:"seq,omitempty"`
	Type  string `json:"type,omitempty"`
	Error string `json:"error,omitempty"`
}

// DebugCommand returns the debug command with subcommands.
// Debug commands are read-only diagnostics.
func DebugCommand() *cli.Command {
	return &cli.Command{
		Name:  "debug",
		Usage: "Diagnostic tools (frames)",
		Subcommands: []*cli.Command{
			debugFramesCommand(),
		},
	}
}

func debugFramesCommand() *cli.Command {
	return &cli.Command{
		Name:      "frames",
		Usage:     "Decode a captured engine stdout stream of msgpack frames",
		ArgsUsage: "<file|->",
		Flags: append(ReadOnlyFlags(),
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "List every frame",
			},
		),
		Action: debugFramesAction,
	}
}

func debugFramesAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("capture file required (- for stdin)", 1)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	in, closeIn, err := openInput(c.Args().First(), c.App.Reader)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer closeIn()

	report := scanFrames(in, c.Bool("verbose"))
	if err := r.Render(report); err != nil {
		return err
	}
	if report.Error != "" || report.DecodeErrors > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

// scanFrames decodes frames until EOF or a fatal framing error.
func scanFrames(r io.Reader, verbose bool) *FramesReport {
	report := &FramesReport{ByType: make(map[string]int)}
	threads := make(map[string]struct{})
	dec := ipc.NewFrameDecoder(r)

	for {
		payload, err := dec.ReadFrame()
		// A wrapped EOF means a truncated payload, not a clean end.
		if err == io.EOF {
			break
		}
		if err != nil {
			report.Error = err.Error()
			break
		}

		view := FrameView{Index: report.Frames}
		report.Frames++

		frame, err := ipc.DecodeFrame(payload)
		if err != nil {
			report.DecodeErrors++
			view.Kind = "invalid"
			view.Error = err.Error()
		}

		switch f := frame.(type) {
		case *types.EventFrame:
			view.Kind = types.EventFrameType
			view.Seq = f.Seq
			view.Type = string(f.Event.Type)
			report.Events++
			report.ByType[string(f.Event.Type)]++
			threads[f.ThreadID] = struct{}{}
			if report.FirstSeq == 0 {
				report.FirstSeq = f.Seq
			} else if f.Seq != report.LastSeq+1 {
				report.SeqGaps++
			}
			report.LastSeq = f.Seq
		case *types.ThreadResultFrame:
			view.Kind = types.ThreadResultFrameType
			report.Result = &ResultView{Status: string(f.Status)}
			if f.Message != nil {
				report.Result.Message = *f.Message
			}
		}

		if verbose {
			report.Detail = append(report.Detail, view)
		}
	}

	for id := range threads {
		report.ThreadIDs = append(report.ThreadIDs, id)
	}
	sort.Strings(report.ThreadIDs)
	return report
}

// openInput opens path, or stdin when path is "-".
func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}

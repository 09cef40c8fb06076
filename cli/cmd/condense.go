package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tributary/cli/render"
	"github.com/pithecene-io/tributary/condense"
	"github.com/pithecene-io/tributary/ipc"
	"github.com/pithecene-io/tributary/threadlog"
	"github.com/pithecene-io/tributary/types"
)

// CondenseCommand returns the condense command.
func CondenseCommand() *cli.Command {
	return &cli.Command{
		Name:      "condense",
		Usage:     "Condense a raw event stream into complete events (JSONL on stdout)",
		ArgsUsage: "<file|->",
		Flags: []cli.Flag{
			NoColorFlag,
			&cli.BoolFlag{
				Name:  "frames",
				Usage: "Input is a captured engine stream of msgpack frames instead of JSONL",
			},
		},
		Action: condenseAction,
	}
}

func condenseAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("input file required (- for stdin)", 1)
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

	var events []types.Event
	if c.Bool("frames") {
		events, err = readFrameEvents(in)
	} else {
		events, err = threadlog.Decode(in)
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("read input: %v", err), 1)
	}

	stats, open, err := condenseTo(c.App.Writer, events)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	r.Status(render.LevelInfo, "%d in, %d emitted, %d passed through, %d filtered, %d dropped",
		len(events), stats.Emitted, stats.PassedThrough, stats.Filtered, stats.Dropped)
	if open > 0 {
		r.Status(render.LevelWarn, "%d parts or tool calls still open at end of input", open)
	}
	return nil
}

// condenseTo condenses events in order and writes each output as one JSON
// line. It returns the condenser's stats and how many accumulators were
// left open.
func condenseTo(w io.Writer, events []types.Event) (condense.Stats, int, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	cd := condense.New()
	for _, ev := range events {
		out, ok := cd.Process(ev)
		if !ok {
			continue
		}
		if err := enc.Encode(out); err != nil {
			return cd.Stats(), cd.Open(), err
		}
	}
	return cd.Stats(), cd.Open(), bw.Flush()
}

// readFrameEvents decodes the raw events carried by event frames. Control
// frames are skipped.
func readFrameEvents(r io.Reader) ([]types.Event, error) {
	dec := ipc.NewFrameDecoder(r)
	var events []types.Event
	for {
		payload, err := dec.ReadFrame()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		frame, err := ipc.DecodeFrame(payload)
		if err != nil {
			return events, err
		}
		if ef, ok := frame.(*types.EventFrame); ok {
			events = append(events, ef.Event)
		}
	}
}

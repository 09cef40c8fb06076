package policy

import (
	"context"
	"fmt"
	"testing"

	"github.com/pithecene-io/tributary/types"
)

// noopSink is a zero-allocation sink for benchmarks.
type noopSink struct{}

func (noopSink) WriteEvents(context.Context, []types.Event) error { return nil }
func (noopSink) Close() error                                     { return nil }

func benchEvent(n int) types.Event {
	return types.NewEvent(types.EventTypeTextComplete, map[string]any{
		"id":      fmt.Sprintf("t%d", n),
		"content": "a condensed paragraph of model output",
	})
}

func BenchmarkStrictPolicy_IngestEvent(b *testing.B) {
	pol := NewStrictPolicy(noopSink{})
	ctx := context.Background()
	ev := benchEvent(1)

	b.ReportAllocs()
	for range b.N {
		if err := pol.IngestEvent(ctx, ev); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkStreamingPolicy_IngestEvent(b *testing.B) {
	for _, count := range []int{1, 64, 1024} {
		b.Run(fmt.Sprintf("flush=%d", count), func(b *testing.B) {
			pol, err := NewStreamingPolicy(noopSink{}, StreamingConfig{FlushCount: count})
			if err != nil {
				b.Fatal(err)
			}
			defer pol.Close()
			ctx := context.Background()
			ev := benchEvent(1)

			b.ReportAllocs()
			for range b.N {
				if err := pol.IngestEvent(ctx, ev); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

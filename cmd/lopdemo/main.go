// Command lopdemo generates a demonstration trace.
//
// It runs a configurable multi-worker workload that exercises every event
// kind - spans, separators, immediates, counters and cross-goroutine flows -
// then flushes the trace file for inspection in Perfetto.
//
// Usage:
//
//	lopdemo --workers 4 --items 10000 --output-dir /tmp
//	lopdemo --mode lossless --items 100000
package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/kolkov/lopprofiler/lop"
)

var (
	flagWorkers   int
	flagItems     int
	flagMode      string
	flagOutputDir string
)

func main() {
	root := &cobra.Command{
		Use:   "lopdemo",
		Short: "Generate a demonstration trace",
		Long: `lopdemo runs a synthetic multi-worker workload under the tracer and
writes a Chrome-Trace-Event file consumable by https://ui.perfetto.dev.`,
		RunE: run,
	}

	root.Flags().IntVar(&flagWorkers, "workers", 4, "concurrent worker goroutines")
	root.Flags().IntVar(&flagItems, "items", 10000, "work items per worker")
	root.Flags().StringVar(&flagMode, "mode", "", "tracer mode: fast, safer or lossless (default from LOP_MODE)")
	root.Flags().StringVar(&flagOutputDir, "output-dir", "", "trace file directory (default from LOP_OUTPUT_DIR)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	// The tracer reads its configuration from the environment on first use;
	// flags are a convenience layer over the same knobs.
	if flagMode != "" {
		os.Setenv("LOP_MODE", flagMode)
	}
	if flagOutputDir != "" {
		os.Setenv("LOP_OUTPUT_DIR", flagOutputDir)
	}

	defer lop.Shutdown()
	lop.Enable()

	lop.EmitBegin("demo")
	workload()
	lop.EmitEnd("demo")

	lop.Disable()
	lop.Flush("demo")
	return nil
}

func workload() {
	items := make(chan uint64)

	var wg sync.WaitGroup
	for w := 0; w < flagWorkers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			name := fmt.Sprintf("worker_%d", worker)
			processed := uint64(0)
			for item := range items {
				lop.EmitFlowFinish("item", item)

				lop.EmitBegin(name)
				burn(200)
				lop.EmitEndBegin(name, "bookkeeping")
				processed++
				lop.EmitCounter("processed", processed)
				burn(50)
				lop.EmitEnd("bookkeeping")

				if item%1000 == 0 {
					lop.EmitImmediateMeta("milestone", item)
				}
			}
		}(w)
	}

	func() {
		defer lop.Scope("produce")()
		for i := 0; i < flagWorkers*flagItems; i++ {
			id := uint64(i)
			lop.EmitFlowStart("item", id)
			items <- id
		}
		close(items)
	}()

	wg.Wait()
}

// burn spins for roughly n iterations so spans have visible width.
func burn(n int) {
	acc := 1
	for i := 0; i < n; i++ {
		acc = acc*31 + i
	}
	_ = acc
}

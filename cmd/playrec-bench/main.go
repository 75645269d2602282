// playrec-bench measures the forward-pass throughput of a play recognition model over
// synthetic batches. Batches run concurrently up to -parallelism, and the program
// reports wall-clock throughput and per-batch latency percentiles.
//
// The -prof and -cpu_profile flags (see internal/profilers) attach the Go profilers.
//
// Example:
//
//	$ playrec-bench -config="trajectory,n_agents=22" -num_batches=500 -parallelism=4
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/janpfeifer/must"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/playrec/playrec/internal/models"
	"github.com/playrec/playrec/internal/parameters"
	"github.com/playrec/playrec/internal/profilers"
	"github.com/playrec/playrec/internal/ui/spinning"
)

var (
	flagConfig     = flag.String("config", "", "Model configuration string, e.g. \"trajectory,n_agents=22\".")
	flagNumBatches = flag.Int("num_batches", 100, "Number of batches to run.")
	flagBatchSize  = flag.Int("batch_size", 0, "Batch size. If 0, uses the model's configured batch size.")
	flagLength     = flag.Int("length", 50, "Number of time steps of the synthetic sequences.")
	flagBeta       = flag.Float64("beta", 1.0, "Sharpness of the soft distance comparisons, for models "+
		"with an input transform.")
	flagParallelism = flag.Int("parallelism", 0, "If > 0 ignore GOMAXPROCS and run these many "+
		"forward passes simultaneously.")
)

// Globals
var (
	// globalCtx used everywhere. It is cancelled when the program is about to exit either by
	// an interrupt (ctrl+C) or by reaching the end.
	globalCtx = context.Background()
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagConfig == "" {
		klog.Fatal("You must configure the model to benchmark with -config")
	}

	// Capture Control+C
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, 5*time.Second)
	defer globalCancel()

	// Profilers: HTTP profiler server and CPU profile.
	profilers.Setup(globalCtx)
	defer profilers.OnQuit()

	params := parameters.NewFromConfigString(*flagConfig)
	c := must.M1(models.New(params))
	if c == nil {
		klog.Exitf("-config=%q selects no model variant: start it with \"trajectory\" or \"observation\"", *flagConfig)
	}
	if len(params) > 0 {
		klog.Exitf("Unknown parameters in -config: %v", params.Keys())
	}
	must.M(runBenchmark(globalCtx, c))
}

type Results struct {
	mu          sync.Mutex
	start       time.Time
	done, total int
	latencies   []time.Duration
}

func (r *Results) String() string {
	return fmt.Sprintf("Ran %d of %d batches - %s\x1b[0K", r.done, r.total, time.Since(r.start).Round(time.Millisecond))
}

func runBenchmark(ctx context.Context, c *models.Classifier) error {
	batchSize := *flagBatchSize
	if batchSize <= 0 {
		batchSize = c.BatchSize()
	}
	parallelism := getParallelism()
	hp := &models.HParams{Beta: float32(*flagBeta)}

	// A small pool of pre-built batches keeps tensor assembly out of the measured loop,
	// while concurrent workers still see distinct data.
	rng := rand.New(rand.NewPCG(42, 0))
	batches := make([]*models.Batch, min(*flagNumBatches, parallelism))
	for i := range batches {
		batches[i] = c.RandomBatch(batchSize, *flagLength, rng)
	}
	fmt.Printf("%s: %d batches of %d sequences x %d steps, parallelism %d\n",
		c, *flagNumBatches, batchSize, *flagLength, parallelism)

	r := &Results{
		start:     time.Now(),
		total:     *flagNumBatches,
		latencies: make([]time.Duration, 0, *flagNumBatches),
	}
	var wg errgroup.Group
	wg.SetLimit(parallelism)
	fmt.Printf("\r%s", r)

	for batchIdx := range r.total {
		wg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			batch := batches[batchIdx%len(batches)]
			start := time.Now()
			_, err := c.Forward(batch, hp)
			if err != nil || ctx.Err() != nil {
				return err
			}
			elapsed := time.Since(start)
			r.mu.Lock()
			defer r.mu.Unlock()
			r.latencies = append(r.latencies, elapsed)
			r.done++
			fmt.Printf("\r%s", r)
			return nil
		})
	}
	err := wg.Wait()
	wall := time.Since(r.start)
	fmt.Printf("\r%s", r)
	fmt.Println()
	if ctx.Err() != nil {
		fmt.Printf("Interrupted: %s\n", ctx.Err())
		return nil
	}
	if err != nil {
		return err
	}
	printStats(r, batchSize, wall)
	return nil
}

func printStats(r *Results, batchSize int, wall time.Duration) {
	if r.done == 0 {
		return
	}
	slices.Sort(r.latencies)
	seconds := wall.Seconds()
	fmt.Printf("Throughput: %.1f batches/s, %.1f sequences/s\n",
		float64(r.done)/seconds, float64(r.done*batchSize)/seconds)
	var sum time.Duration
	for _, latency := range r.latencies {
		sum += latency
	}
	fmt.Printf("Latency per batch: mean %s, p50 %s, p90 %s, max %s\n",
		(sum / time.Duration(r.done)).Round(time.Microsecond),
		percentile(r.latencies, 0.50).Round(time.Microsecond),
		percentile(r.latencies, 0.90).Round(time.Microsecond),
		r.latencies[len(r.latencies)-1].Round(time.Microsecond))
}

// percentile of already sorted latencies.
func percentile(sorted []time.Duration, q float64) time.Duration {
	return sorted[int(q*float64(len(sorted)-1))]
}

// getParallelism returns the parallelism.
func getParallelism() (parallelism int) {
	parallelism = runtime.GOMAXPROCS(0)
	if *flagParallelism > 0 {
		parallelism = *flagParallelism
	}
	return
}

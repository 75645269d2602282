// playrec builds a play recognition model from a configuration string, feeds it a
// synthetic batch and prints a summary of the resulting network: its configuration,
// trainable weights per scope and the distribution of the predicted classes.
//
// Examples:
//
//	$ playrec -config=trajectory
//	$ playrec -config="trajectory,n_agents=22,noise=0.05,kernel_size=9x9" -train_steps=100
//	$ playrec -config="observation,edge_importance" -batch_size=4
//	$ playrec -config=trajectory=-help
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/playrec/playrec/internal/generics"
	"github.com/playrec/playrec/internal/models"
	"github.com/playrec/playrec/internal/parameters"
	"github.com/playrec/playrec/internal/ui/cli"
	"github.com/playrec/playrec/internal/ui/spinning"
)

var (
	flagConfig = flag.String("config", "", "Model configuration: a comma-separated list of key[=value] "+
		"entries starting with the variant name, e.g. \"trajectory,n_agents=13,noise=0.05\". "+
		"Use \"trajectory=-help\" to list the hyperparameters a variant takes.")
	flagBatchSize = flag.Int("batch_size", 0, "Size of the synthetic batch. If 0, uses the model's "+
		"configured batch size.")
	flagLength = flag.Int("length", 50, "Number of time steps of the synthetic sequences.")
	flagBeta   = flag.Float64("beta", 1.0, "Sharpness of the soft distance comparisons, for models "+
		"with an input transform.")
	flagEstimate = flag.Bool("estimate_thresholds", false, "Estimate the input transform distance "+
		"thresholds from the synthetic batch before the forward pass.")
	flagTrainSteps = flag.Int("train_steps", 0, "If > 0, run this many training steps on the "+
		"synthetic batch before the summary, and report the loss trajectory.")
	flagSeed = flag.Uint64("seed", 42, "Seed for the synthetic batch.")
)

// globalCtx is cancelled when the program is interrupted (ctrl+C).
var globalCtx = context.Background()

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagConfig == "" {
		klog.Exitf("You must select a model with -config, e.g. -config=trajectory " +
			"or -config=observation")
	}

	// Capture Control+C.
	var cancel func()
	globalCtx, cancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(cancel, 3*time.Second)
	defer cancel()

	params := parameters.NewFromConfigString(*flagConfig)
	fmt.Printf("Building model ")
	spinner := spinning.New(globalCtx)
	c, err := models.New(params)
	spinner.Done()
	fmt.Println()
	if err != nil {
		klog.Exitf("Failed to build model from -config=%q: %v", *flagConfig, err)
	}
	if c == nil {
		klog.Exitf("-config=%q selects no model variant: start it with \"trajectory\" or \"observation\"", *flagConfig)
	}
	if len(params) > 0 {
		klog.Exitf("Unknown parameters in -config: %v", params.Keys())
	}

	rng := rand.New(rand.NewPCG(*flagSeed, 0))
	batchSize := *flagBatchSize
	if batchSize <= 0 {
		batchSize = c.BatchSize()
	}
	batch := c.RandomBatch(batchSize, *flagLength, rng)
	hp := &models.HParams{Beta: float32(*flagBeta)}

	if *flagEstimate {
		must.M1(c.Forward(batch, &models.HParams{Beta: hp.Beta, EstimateThresholds: true}))
	}
	if *flagTrainSteps > 0 {
		train(c, batch, hp)
	}

	res := must.M1(c.Forward(batch, hp))
	loss := must.M1(c.Loss(batch, hp))
	printSummary(c, batchSize, res, loss)
}

// train runs -train_steps optimizer steps over the synthetic batch.
func train(c *models.Classifier, batch *models.Batch, hp *models.HParams) {
	fmt.Printf("Training %d steps on the synthetic batch ", *flagTrainSteps)
	spinner := spinning.New(globalCtx)
	var first, last float32
	for step := range *flagTrainSteps {
		if globalCtx.Err() != nil {
			break
		}
		loss := must.M1(c.TrainStep(batch, hp))
		if step == 0 {
			first = loss
		}
		last = loss
	}
	spinner.Done()
	fmt.Printf(" loss %.4f -> %.4f\n", first, last)
}

func printSummary(c *models.Classifier, batchSize int, res *models.Result, loss float32) {
	cli.PrintTitle("playrec")
	cli.PrintKeyValues([]cli.KV{
		{Key: "Model", Value: c.String()},
		{Key: "Batch", Value: fmt.Sprintf("%d sequences of %d steps", batchSize, *flagLength)},
		{Key: "Logits", Value: res.Output.Shape().String()},
		{Key: "Loss", Value: fmt.Sprintf("%.4f", loss)},
		{Key: "Graph compilations", Value: fmt.Sprintf("%d", c.NumCompilations)},
	})

	cli.PrintSection("Configuration")
	var rows []cli.KV
	for key, value := range generics.SortedKeysAndValues(c.Config()) {
		rows = append(rows, cli.KV{Key: key, Value: fmt.Sprintf("%v", value)})
	}
	cli.PrintKeyValues(rows)

	cli.PrintSection("Trainable weights")
	counts := c.ParameterCounts()
	total := 0
	rows = rows[:0]
	for scope, count := range generics.SortedKeysAndValues(counts) {
		rows = append(rows, cli.KV{Key: scope, Value: fmt.Sprintf("%d", count)})
		total += count
	}
	rows = append(rows, cli.KV{Key: "total", Value: fmt.Sprintf("%d", total)})
	cli.PrintKeyValues(rows)

	cli.PrintSection("Predicted classes")
	labels, histogram := predictionHistogram(res.Output)
	cli.PrintHistogram(labels, histogram)
	fmt.Println()
}

// predictionHistogram counts the argmax class of each row of the logits.
func predictionHistogram(logits *tensors.Tensor) (labels []string, counts []int) {
	flat := tensors.CopyFlatData[float32](logits)
	rows, classes := logits.Shape().Dim(0), logits.Shape().Dim(1)
	counts = make([]int, classes)
	for row := range rows {
		best := 0
		for class := 1; class < classes; class++ {
			if flat[row*classes+class] > flat[row*classes+best] {
				best = class
			}
		}
		counts[best]++
	}
	labels = make([]string, classes)
	for class := range labels {
		labels[class] = fmt.Sprintf("class %d", class)
	}
	return labels, counts
}

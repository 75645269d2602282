package models

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/playrec/playrec/internal/config"
	"github.com/playrec/playrec/internal/generics"
	"github.com/playrec/playrec/internal/parameters"
)

// Classifier wraps one of the models with compiled executors, checkpointing and the
// optimizer, exposing host-side Forward/Loss/TrainStep over Batch values.
//
// It is just a wrapper around one of the models implemented.
type Classifier struct {
	Type ModelType

	// filePath passed to the model, where it is saved.
	filePath string

	model Model

	// Executors.
	forwardExec, lossExec, trainStepExec *context.Exec

	// Number of input tensors for the executors: they are defined at the first call to
	// Model.CreateInputs and Model.CreateLabels, and must remain constant.
	// Before they are defined, they are temporarily set as -1.
	numInputTensors, numLabelTensors int

	// checkpoint handler, if model is being saved/loaded to/from disk.
	checkpoint *checkpoints.Handler

	// checkpointsToKeep is the number of copies of older checkpoints to keep around.
	// Default to 10.
	checkpointsToKeep int

	// Hyperparameters cached values: they should also be set in the model context.
	batchSize int

	// muLearning "write" for learning and parameter surgery, "read" for inference.
	muLearning sync.RWMutex

	// optimizer used when training the model.
	optimizer optimizers.Interface

	// numCompilations of computation graphs.
	NumCompilations int

	// muSave makes saving sequential.
	muSave sync.Mutex
}

// newClassifier returns a Classifier wrapping the given model.
func newClassifier(modelType ModelType, filePath string, model Model, params parameters.Params) (*Classifier, error) {
	s := &Classifier{
		Type:            modelType,
		filePath:        filePath,
		model:           model,
		numInputTensors: -1,
		numLabelTensors: -1,
	}

	// Help if requested.
	if slices.Index([]string{"help", "--help", "-help", "-h"}, filePath) != -1 {
		s.writeHyperparametersHelp()
		return nil, fmt.Errorf("model type %s help requested", modelType)
	}

	// Checkpoint model.
	var err error
	s.checkpointsToKeep, err = parameters.PopParamOr(params, "keep", 10)
	if err != nil {
		return nil, err
	}
	err = s.connectCheckpointHandler()
	if err != nil {
		return nil, err
	}

	// Create the backend.
	_ = backend()

	// Overwrite hyperparameters from given params.
	err = extractParams(s.Type.String(), params, s.model.Context())
	if err != nil {
		return nil, err
	}
	ctx := s.model.Context()
	s.batchSize = context.GetParamOr(ctx, "batch_size", 32)

	// Create optimizer to be used in training.
	s.optimizer = optimizers.FromContext(ctx)
	s.createExecutors()
	return s, nil
}

func (s *Classifier) connectCheckpointHandler() error {
	if s.filePath == "" {
		return nil
	}
	if err := s.createCheckpoint(s.filePath); err != nil {
		return errors.WithMessagef(err, "failed to build checkpoint for model %s in path %s",
			s.Type, s.filePath)
	}
	return nil
}

func (s *Classifier) createExecutors() {
	muNewClient.Lock()
	defer muNewClient.Unlock()
	ctx := s.model.Context().Checked(false)
	s.forwardExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			s.NumCompilations++
			return s.model.ForwardGraph(ctx, inputs)
		})
	s.lossExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) *graph.Node {
			s.NumCompilations++
			inputs := inputsAndLabels[:s.numInputTensors]
			labels := inputsAndLabels[s.numInputTensors:]
			loss := s.model.LossGraph(ctx, inputs, labels)
			if !loss.IsScalar() {
				// Some losses may return one value per example of the batch.
				loss = graph.ReduceAllMean(loss)
			}
			return loss
		})
	s.lossExec.SetMaxCache(100)
	s.trainStepExec = context.NewExec(backend(), s.model.Context(),
		func(ctx *context.Context, inputsAndLabels []*graph.Node) *graph.Node {
			s.NumCompilations++
			g := inputsAndLabels[0].Graph()
			ctx.SetTraining(g, true)
			inputs := inputsAndLabels[:s.numInputTensors]
			labels := inputsAndLabels[s.numInputTensors:]
			loss := s.model.LossGraph(ctx, inputs, labels)
			s.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})
	s.trainStepExec.SetMaxCache(100)

	// Force creating/loading of variables without race conditions first.
	batch := s.RandomBatch(2, 8, rand.New(rand.NewPCG(42, 17)))
	inputs, err := s.createInputs(batch, &HParams{Beta: 1})
	if err != nil {
		exceptions.Panicf("model %s failed to consume its own synthetic batch: %+v", s, err)
	}
	_ = s.forwardExec.Call(asAnyTensors(inputs)...)
}

// String implements fmt.Stringer.
func (s *Classifier) String() string {
	if s == nil {
		return "<nil>[GoMLX]"
	}
	gomlxName := fmt.Sprintf("[GoMLX/%s]", backend().Name())
	if s.checkpoint == nil || s.checkpoint.Dir() == "" {
		return fmt.Sprintf("%s%s", s.Type, gomlxName)
	}
	return fmt.Sprintf("%s%s@%s", s.Type, gomlxName, s.checkpoint.Dir())
}

// Model returns the wrapped model.
func (s *Classifier) Model() Model { return s.model }

// Config returns the completed configuration of the wrapped model.
func (s *Classifier) Config() config.Config { return s.model.Config() }

// createInputs is a wrapper over Model.CreateInputs that asserts the number of inputs
// hasn't changed.
func (s *Classifier) createInputs(batch *Batch, hp *HParams) ([]*tensors.Tensor, error) {
	inputs, err := s.model.CreateInputs(batch, hp)
	if err != nil {
		return nil, err
	}
	if s.numInputTensors == -1 {
		s.numInputTensors = len(inputs)
	} else if len(inputs) != s.numInputTensors {
		exceptions.Panicf("model %s: expected %d input tensors, got %d",
			s, s.numInputTensors, len(inputs))
	}
	return inputs, nil
}

// Forward runs inference on the batch and returns the logits along with the batch's
// own labels. If hp requests threshold estimation it only fits the input transform
// thresholds and returns a nil Result.
//
// The batch tensors stay owned by the caller and can be reused.
func (s *Classifier) Forward(batch *Batch, hp *HParams) (*Result, error) {
	if hp == nil {
		hp = &HParams{Beta: 1}
	}
	if hp.EstimateThresholds {
		if err := s.model.EstimateThresholds(batch); err != nil {
			return nil, err
		}
		return nil, nil
	}
	inputs, err := s.createInputs(batch, hp)
	if err != nil {
		return nil, err
	}
	s.muLearning.RLock()
	defer s.muLearning.RUnlock()
	output := s.forwardExec.Call(asAnyTensors(inputs)...)[0]
	return &Result{
		Output: output,
		Target: batch.Actions,
		Loss:   tensors.FromScalar(float32(0)),
	}, nil
}

// Loss returns the mean loss of the batch without updating any weights.
func (s *Classifier) Loss(batch *Batch, hp *HParams) (float32, error) {
	inputsAndLabels, err := s.createInputsAndLabels(batch, hp)
	if err != nil {
		return 0, err
	}
	s.muLearning.RLock()
	defer s.muLearning.RUnlock()
	lossT := s.lossExec.Call(inputsAndLabels...)[0]
	return tensors.ToScalar[float32](lossT), nil
}

// TrainStep performs one training step on the batch and returns its loss.
func (s *Classifier) TrainStep(batch *Batch, hp *HParams) (float32, error) {
	inputsAndLabels, err := s.createInputsAndLabels(batch, hp)
	if err != nil {
		return 0, err
	}
	s.muLearning.Lock()
	defer s.muLearning.Unlock()
	lossT := s.trainStepExec.Call(inputsAndLabels...)[0]
	return tensors.ToScalar[float32](lossT), nil
}

func (s *Classifier) createInputsAndLabels(batch *Batch, hp *HParams) ([]any, error) {
	if hp == nil {
		hp = &HParams{Beta: 1}
	}
	inputs, err := s.createInputs(batch, hp)
	if err != nil {
		return nil, err
	}
	labels, err := s.model.CreateLabels(batch)
	if err != nil {
		return nil, err
	}
	if s.numLabelTensors == -1 {
		s.numLabelTensors = len(labels)
	} else if len(labels) != s.numLabelTensors {
		exceptions.Panicf("model %s: expected %d label tensors, got %d", s, s.numLabelTensors, len(labels))
	}
	return asAnyTensors(append(inputs, labels...)), nil
}

// asAnyTensors converts the tensors for Exec.Call. The tensors are caller owned, so
// their buffers are not donated.
func asAnyTensors(inputs []*tensors.Tensor) []any {
	return generics.SliceMap(inputs, func(t *tensors.Tensor) any { return t })
}

// SetGrad switches which weights the next TrainStep calls update: "all", "none" or
// "gfootball_finetune" (only the first backbone block). The compiled executors are
// rebuilt so cached graphs don't keep the previous setting.
func (s *Classifier) SetGrad(mode string) error {
	s.muLearning.Lock()
	defer s.muLearning.Unlock()
	if err := s.model.SetGrad(mode); err != nil {
		return err
	}
	s.rebuildExecutors()
	return nil
}

// ResetParameters re-initializes the first backbone block, the part swapped out when
// adapting a pretrained model to a new domain.
func (s *Classifier) ResetParameters() {
	s.muLearning.Lock()
	defer s.muLearning.Unlock()
	s.model.ResetParameters()
	s.rebuildExecutors()
}

func (s *Classifier) rebuildExecutors() {
	s.forwardExec.Finalize()
	s.lossExec.Finalize()
	s.trainStepExec.Finalize()
	s.createExecutors()
}

// ClearOptimizer variables and the global step.
func (s *Classifier) ClearOptimizer() {
	s.muLearning.Lock()
	defer s.muLearning.Unlock()
	ctx := s.model.Context()
	optimizers.DeleteGlobalStep(ctx)
	s.optimizer.Clear(ctx)
}

// Save a checkpoint of the model weights and hyperparameters.
func (s *Classifier) Save() error {
	s.muSave.Lock()
	defer s.muSave.Unlock()
	if s.checkpoint == nil {
		klog.Warningf("This %s model is not associated to a checkpoint directory, not saving", s.Type)
		return nil
	}
	return s.checkpoint.Save()
}

// BatchSize returns the recommended batch size.
func (s *Classifier) BatchSize() int {
	return s.batchSize
}

// ParameterCounts returns the number of trainable weights per top-level variable
// scope, e.g. "stgcn" or "decoder". Optimizer slots and normalization statistics are
// not trainable and not counted.
func (s *Classifier) ParameterCounts() map[string]int {
	counts := make(map[string]int)
	s.model.Context().EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		scope := strings.TrimPrefix(v.Scope(), "/")
		if idx := strings.Index(scope, "/"); idx != -1 {
			scope = scope[:idx]
		}
		counts[scope] += v.Shape().Size()
	})
	return counts
}

// writeHyperparametersHelp enumerates all the hyperparameters set in the context.
func (s *Classifier) writeHyperparametersHelp() {
	buf := &bytes.Buffer{}
	_, _ = fmt.Fprintf(buf, "Model %s parameters:\n", s.Type)
	_, _ = fmt.Fprintf(buf, "\t%s=<path_to_model> to load/save the model at the given directory, or\n", s.Type)
	_, _ = fmt.Fprintf(buf, "\t%s=-help to show this help message\n", s.Type)
	s.model.Context().EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		_, _ = fmt.Fprintf(buf, "\t%q: default value is %v\n", key, value)
	})
	klog.Info(buf)
}

func (s *Classifier) createCheckpoint(filePath string) error {
	checkpoint, err := checkpoints.
		Build(s.model.Context()).
		Immediate().
		Keep(s.checkpointsToKeep).
		Dir(filePath).
		Done()
	if err != nil {
		return err
	}
	s.checkpoint = checkpoint
	return nil
}

// Finalize associated model, and leaves the classifier in an invalid state, but
// immediately frees resources.
func (s *Classifier) Finalize() {
	s.forwardExec.Finalize()
	s.lossExec.Finalize()
	s.trainStepExec.Finalize()
	s.model.Context().Finalize()
}

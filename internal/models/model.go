package models

import (
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/playrec/playrec/internal/config"
)

// Model is a GoMLX supported model, the backend of the models.Classifier: the graph
// builders plus the host-side assembly of their input tensors.
type Model interface {
	// Context used by the model: with both its weights and hyperparameters.
	Context() *context.Context

	// Config the model was completed with.
	Config() config.Config

	// CreateInputs assembles the input tensors for a batch. The number of tensors
	// returned is constant per model, independent of which optional batch fields are
	// set.
	CreateInputs(batch *Batch, hp *HParams) ([]*tensors.Tensor, error)

	// CreateLabels returns the label tensors for a batch.
	CreateLabels(batch *Batch) ([]*tensors.Tensor, error)

	// ForwardGraph is the GoMLX model graph function with the forward path.
	// It must return the classification logits, shaped [batch, nActions].
	ForwardGraph(ctx *context.Context, inputs []*graph.Node) *graph.Node

	// LossGraph calculates the training loss given inputs and labels.
	LossGraph(ctx *context.Context, inputs, labels []*graph.Node) *graph.Node

	// EstimateThresholds fits the input-transform length thresholds on the batch
	// statistics. Models without a transform return an error.
	EstimateThresholds(batch *Batch) error

	// SetGrad selects which weights receive gradient updates: "all", "none" or
	// "gfootball_finetune" (only the first backbone block trains).
	SetGrad(mode string) error

	// ResetParameters re-initializes the first backbone block. Compiled executors
	// built before the call must be recreated.
	ResetParameters()
}

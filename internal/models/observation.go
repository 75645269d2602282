package models

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/playrec/playrec/internal/config"
	"github.com/playrec/playrec/internal/stgcn"
)

// ObservationDefaults returns the default configuration of the observation model.
func ObservationDefaults() config.Config {
	return config.Config{
		"name":                      "observation",
		"n_agents":                  45,
		"state_dim":                 []int{14, 14}, // (nullary, per-object)
		"object_name_dim":           194,
		"n_actions":                 2,
		"h_dim":                     128,
		"n_features":                256,
		"kernel_size":               []int{7, 7},
		"edge_importance_weighting": false,
	}
}

// ObservationModel classifies sequences of structured observations: one global
// (nullary) state vector per step plus one vector per observed object, the object
// vectors carrying the per-object state concatenated with a one-hot object name. The
// nullary state becomes an extra graph node, giving the backbone n_agents+1 nodes,
// with the nullary and per-object features kept in disjoint feature columns.
type ObservationModel struct {
	cfg config.Config
	ctx *context.Context

	backbone *stgcn.Backbone

	agents, nullaryDim, unaryDim, nameDim, actions int

	trainable map[string]bool
}

var _ Model = (*ObservationModel)(nil)

// NewObservationModel completes the configuration update against ObservationDefaults
// and builds the model with a fresh context.
func NewObservationModel(upd config.Update) (*ObservationModel, error) {
	cfg, err := config.Complete(ObservationDefaults(), upd)
	if err != nil {
		return nil, err
	}
	nullaryDim, unaryDim := cfg.IntPair("state_dim")
	m := &ObservationModel{
		cfg:        cfg,
		agents:     cfg.Int("n_agents"),
		nullaryDim: nullaryDim,
		unaryDim:   unaryDim,
		nameDim:    cfg.Int("object_name_dim"),
		actions:    cfg.Int("n_actions"),
	}
	if m.nullaryDim < 1 || m.unaryDim < 1 {
		return nil, errors.Errorf("state_dim must be a pair of positive dims, got (%d, %d)", m.nullaryDim, m.unaryDim)
	}
	if m.nameDim < 1 {
		return nil, errors.Errorf("object_name_dim must be >= 1, got %d", m.nameDim)
	}

	m.ctx = context.New()
	m.ctx.RngStateReset()
	m.ctx.SetParams(map[string]any{
		"batch_size": 32,

		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    0.001,
		optimizers.ParamAdamEpsilon:     1e-7,
		optimizers.ParamAdamDType:       "",
		cosineschedule.ParamPeriodSteps: 0,
		layers.ParamDropoutRate:         0.0,
		regularizers.ParamL2:            0.0,
		regularizers.ParamL1:            0.0,
	})
	m.ctx = m.ctx.Checked(false)

	temporalKernel, spatialKernel := cfg.IntPair("kernel_size")
	m.backbone, err = stgcn.New(stgcn.Config{
		Agents:         m.agents + 1, // objects plus the nullary node
		InDim:          m.featureDim(),
		OutFeatures:    cfg.Int("n_features"),
		HiddenDim:      cfg.Int("h_dim"),
		TemporalKernel: temporalKernel,
		SpatialKernel:  spatialKernel,
		EdgeImportance: cfg.Bool("edge_importance_weighting"),
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// featureDim is the padded per-node feature width shared by the nullary node and the
// object nodes.
func (m *ObservationModel) featureDim() int {
	return m.nullaryDim + m.unaryDim + m.nameDim
}

// Context implements Model.
func (m *ObservationModel) Context() *context.Context { return m.ctx }

// Config implements Model.
func (m *ObservationModel) Config() config.Config { return m.cfg }

// CreateInputs implements Model. The inputs are the nullary states, the unary states
// and the sequence lengths (filled with the padded length when the batch has none),
// in that order.
func (m *ObservationModel) CreateInputs(batch *Batch, hp *HParams) ([]*tensors.Tensor, error) {
	if batch == nil {
		return nil, errors.New("batch is nil")
	}
	if err := checkTensor(batch.NullaryStates, "nullary states", dtypes.Float32, -1, -1, m.nullaryDim); err != nil {
		return nil, err
	}
	dims := batch.NullaryStates.Shape().Dimensions
	batchSize, length := dims[0], dims[1]
	if err := checkTensor(batch.UnaryStates, "unary states", dtypes.Float32,
		batchSize, length, m.agents, m.unaryDim+m.nameDim); err != nil {
		return nil, err
	}
	if err := checkTensor(batch.Actions, "actions", dtypes.Int32, batchSize); err != nil {
		return nil, err
	}

	lengths := batch.Lengths
	if lengths == nil {
		lengths = fillInt32(int32(length), batchSize)
	} else {
		if err := checkTensor(lengths, "lengths", dtypes.Int32, batchSize); err != nil {
			return nil, err
		}
		for _, n := range tensors.CopyFlatData[int32](lengths) {
			if n < 0 || int(n) > length {
				return nil, errors.Errorf("sequence length %d out of range for padded length %d", n, length)
			}
		}
	}
	return []*tensors.Tensor{batch.NullaryStates, batch.UnaryStates, lengths}, nil
}

// CreateLabels implements Model.
func (m *ObservationModel) CreateLabels(batch *Batch) ([]*tensors.Tensor, error) {
	if err := checkTensor(batch.Actions, "actions", dtypes.Int32, -1); err != nil {
		return nil, err
	}
	return []*tensors.Tensor{batch.Actions}, nil
}

// ForwardGraph implements Model. The nullary state is prepended as node 0 and both
// kinds of node are zero-padded into disjoint columns of the shared feature width
// before running the backbone.
func (m *ObservationModel) ForwardGraph(ctx *context.Context, inputs []*Node) *Node {
	nullary, unary, lengths := inputs[0], inputs[1], inputs[2]
	nullary.AssertRank(3)
	dims := nullary.Shape().Dimensions
	batch, length := dims[0], dims[1]
	nullary.AssertDims(batch, length, m.nullaryDim)
	unary.AssertDims(batch, length, m.agents, m.unaryDim+m.nameDim)
	// Sequences are padded to a common length; the true lengths ride along for
	// interface compatibility but do not enter the computation.
	lengths.AssertDims(batch)

	x := m.stackNodes(nullary, unary)
	x.AssertDims(batch, length, m.agents+1, m.featureDim())

	x = m.backbone.ForwardGraph(ctx.In("stgcn"), x, nil)
	x = ReduceMean(x, 1, 2)
	logits := layers.DenseWithBias(ctx.In("decoder"), x, m.actions)
	logits.AssertDims(batch, m.actions)
	return logits
}

// stackNodes prepends the nullary state as node 0 and pads both node kinds into
// disjoint columns of the shared feature width: the nullary state occupies the
// leading columns, the object states the rest.
func (m *ObservationModel) stackNodes(nullary, unary *Node) *Node {
	g := nullary.Graph()
	dims := nullary.Shape().Dimensions
	batch, length := dims[0], dims[1]
	globalNode := Concatenate([]*Node{
		ExpandAxes(nullary, 2),
		Zeros(g, shapes.Make(dtypes.Float32, batch, length, 1, m.unaryDim+m.nameDim)),
	}, -1)
	objectNodes := Concatenate([]*Node{
		Zeros(g, shapes.Make(dtypes.Float32, batch, length, m.agents, m.nullaryDim)),
		unary,
	}, -1)
	return Concatenate([]*Node{globalNode, objectNodes}, 2)
}

// LossGraph implements Model: sparse categorical cross-entropy of the logits against
// the integer action labels.
func (m *ObservationModel) LossGraph(ctx *context.Context, inputs, labels []*Node) *Node {
	logits := m.ForwardGraph(ctx, inputs)
	labels[0].AssertDims(logits.Shape().Dim(0))
	return losses.SparseCategoricalCrossEntropyLogits(labels, []*Node{logits})
}

// EstimateThresholds implements Model: the observation model has no input transform.
func (m *ObservationModel) EstimateThresholds(batch *Batch) error {
	return errors.New("observation model has no input transform thresholds to estimate")
}

// SetGrad implements Model. Weights exist after the first graph build; calling it
// earlier is a no-op.
func (m *ObservationModel) SetGrad(mode string) error {
	if m.trainable == nil {
		m.trainable = captureParameters(m.ctx)
	}
	return applyGradMode(m.ctx, m.trainable, mode, firstBlockScope())
}

// ResetParameters implements Model: the first backbone block is re-initialized on the
// next graph build.
func (m *ObservationModel) ResetParameters() {
	deleteScope(m.ctx, firstBlockScope())
}

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
	"github.com/playrec/playrec/internal/features"
	"github.com/playrec/playrec/internal/stgcn"
)

// typeClasses is the number of synthetic agent classes substituted when a designated
// player is moved first: the player itself, the second agent, teammates, opponents.
const typeClasses = 4

// TrajectoryDefaults returns the default configuration of the trajectory model.
func TrajectoryDefaults() config.Config {
	return config.Config{
		"name":                      "trajectory",
		"n_agents":                  13,
		"state_dim":                 3,
		"image_dim":                 nil,
		"type_dim":                  4,
		"n_actions":                 9,
		"h_dim":                     128,
		"n_features":                256,
		"kernel_size":               []int{7, 7}, // (temporal, spatial partitions)
		"edge_importance_weighting": true,
		"noise":                     0.0,
		"input_feature":             "physical",
		"cmp_dim":                   5,
		"max_gcn":                   false,
	}
}

// TrajectoryModel classifies multi-agent trajectories: agent states plus type labels
// run through the st-gcn backbone, are mean-pooled over time and agents, and decoded
// to per-action logits. With input_feature "physical" the pairwise features derived by
// the input transform drive the backbone's dynamic edges.
type TrajectoryModel struct {
	cfg config.Config
	ctx *context.Context

	transform *features.Physical
	backbone  *stgcn.Backbone

	agents, stateDim, typeDim, actions int
	noise                              float64

	trainable map[string]bool
}

var _ Model = (*TrajectoryModel)(nil)

// NewTrajectoryModel completes the configuration update against TrajectoryDefaults
// and builds the model with a fresh context.
func NewTrajectoryModel(upd config.Update) (*TrajectoryModel, error) {
	cfg, err := config.Complete(TrajectoryDefaults(), upd)
	if err != nil {
		return nil, err
	}
	m := &TrajectoryModel{
		cfg:      cfg,
		agents:   cfg.Int("n_agents"),
		stateDim: cfg.Int("state_dim"),
		typeDim:  cfg.Int("type_dim"),
		actions:  cfg.Int("n_actions"),
		noise:    cfg.Float64("noise"),
	}
	if m.noise < 0 {
		return nil, errors.Errorf("noise must be >= 0, got %g", m.noise)
	}
	if cfg["image_dim"] != nil {
		return nil, errors.Errorf("image inputs are not supported, image_dim must stay unset")
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

	binaryDim := 0
	switch inputFeature := cfg.Str("input_feature"); inputFeature {
	case "physical":
		m.transform, err = features.NewPhysical(m.ctx.In("transform"),
			m.stateDim, m.typeDim, cfg.Int("cmp_dim"))
		if err != nil {
			return nil, err
		}
		binaryDim = m.transform.OutDims()[2]
	case "none":
		// Raw states only, no pairwise branch.
	default:
		return nil, errors.Errorf("unknown input_feature %q, want \"physical\" or \"none\"", inputFeature)
	}

	temporalKernel, spatialKernel := cfg.IntPair("kernel_size")
	m.backbone, err = stgcn.New(stgcn.Config{
		Agents:         m.agents,
		InDim:          m.stateDim + m.typeDim,
		OutFeatures:    cfg.Int("n_features"),
		HiddenDim:      cfg.Int("h_dim"),
		TemporalKernel: temporalKernel,
		SpatialKernel:  spatialKernel,
		EdgeImportance: cfg.Bool("edge_importance_weighting"),
		BinaryInDim:    binaryDim,
		BinaryOutDim:   binaryDim,
		MaxAggregation: cfg.Bool("max_gcn"),
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Context implements Model.
func (m *TrajectoryModel) Context() *context.Context { return m.ctx }

// Config implements Model.
func (m *TrajectoryModel) Config() config.Config { return m.cfg }

// CreateInputs implements Model. The inputs are trajectories, types, player ids
// (filled with -1 when the batch has none) and the beta scalar, in that order.
func (m *TrajectoryModel) CreateInputs(batch *Batch, hp *HParams) ([]*tensors.Tensor, error) {
	if batch == nil {
		return nil, errors.New("batch is nil")
	}
	if hp == nil {
		hp = &HParams{}
	}
	if err := checkTensor(batch.Trajectories, "trajectories", dtypes.Float32, -1, -1, m.agents, m.stateDim); err != nil {
		return nil, err
	}
	batchSize := batch.Trajectories.Shape().Dimensions[0]
	if err := checkTensor(batch.Types, "types", dtypes.Float32, batchSize, m.agents, m.typeDim); err != nil {
		return nil, err
	}
	if err := checkTensor(batch.Actions, "actions", dtypes.Int32, batchSize); err != nil {
		return nil, err
	}
	if m.transform != nil && hp.Beta <= 0 {
		return nil, errors.Errorf("beta must be > 0 for the physical input transform, got %g", hp.Beta)
	}

	playerID := batch.PlayerID
	if playerID == nil {
		playerID = fillInt32(-1, batchSize)
	} else {
		if err := checkTensor(playerID, "playerid", dtypes.Int32, batchSize); err != nil {
			return nil, err
		}
		for _, id := range tensors.CopyFlatData[int32](playerID) {
			if int(id) >= m.agents {
				return nil, errors.Errorf("playerid %d out of range for %d agents", id, m.agents)
			}
			if id >= 0 && m.typeDim != typeClasses {
				return nil, errors.Errorf("moving a player first substitutes %d synthetic type classes, but type_dim is %d",
					typeClasses, m.typeDim)
			}
		}
	}
	return []*tensors.Tensor{batch.Trajectories, batch.Types, playerID, tensors.FromScalar(hp.Beta)}, nil
}

// CreateLabels implements Model.
func (m *TrajectoryModel) CreateLabels(batch *Batch) ([]*tensors.Tensor, error) {
	if err := checkTensor(batch.Actions, "actions", dtypes.Int32, -1); err != nil {
		return nil, err
	}
	return []*tensors.Tensor{batch.Actions}, nil
}

// ForwardGraph implements Model. It optionally perturbs the agent positions with
// noise, moves the designated player first, derives the pairwise features, runs the
// backbone and decodes the pooled features into logits.
func (m *TrajectoryModel) ForwardGraph(ctx *context.Context, inputs []*Node) *Node {
	trajectories, types, playerID, beta := inputs[0], inputs[1], inputs[2], inputs[3]
	g := trajectories.Graph()
	trajectories.AssertRank(4)
	dims := trajectories.Shape().Dimensions
	batch, length := dims[0], dims[1]
	trajectories.AssertDims(batch, length, m.agents, m.stateDim)
	types.AssertDims(batch, m.agents, m.typeDim)
	playerID.AssertDims(batch)

	if m.noise > 0 {
		// Perturb only the positions, the leading two state dims.
		mask := ConvertDType(
			LessThan(Iota(g, shapes.Make(dtypes.Int32, 1, 1, 1, m.stateDim), 3), Const(g, int32(2))),
			dtypes.Float32)
		sample := ctx.RandomNormal(g, trajectories.Shape())
		trajectories = Add(trajectories, Mul(sample, MulScalar(mask, m.noise)))
	}

	states, types := m.movePlayerFirst(trajectories, types, playerID)

	var edges *Node
	if m.transform != nil {
		edges = m.transform.BinaryGraph(states, beta)
	}

	perStepTypes := BroadcastToDims(ExpandAxes(types, 1), batch, length, m.agents, m.typeDim)
	x := Concatenate([]*Node{states, perStepTypes}, -1)
	x = m.backbone.ForwardGraph(ctx.In("stgcn"), x, edges)

	x = ReduceMean(x, 1, 2)
	x.AssertDims(batch, m.backbone.Config().OutFeatures)
	logits := layers.DenseWithBias(ctx.In("decoder"), x, m.actions)
	logits.AssertDims(batch, m.actions)
	return logits
}

// movePlayerFirst reorders agents so that, per sequence with playerID >= 0, the
// designated agent comes first and the others shift up keeping their order; those
// sequences also get synthetic one-hot types: class 0 for the moved player, 1 for the
// agent now second, 2 for the rest of the first half (teammates), 3 for the remainder
// (opponents). Sequences with playerID < 0 pass through untouched.
func (m *TrajectoryModel) movePlayerFirst(trajectories, types, playerID *Node) (*Node, *Node) {
	g := trajectories.Graph()
	batch := trajectories.Shape().Dim(0)

	slot := Iota(g, shapes.Make(dtypes.Int32, batch, m.agents), 1) // [batch, agents]
	player := ExpandAxes(playerID, -1)                             // [batch, 1]
	hasPlayer := GreaterOrEqual(player, Const(g, int32(0)))        // [batch, 1]

	// Source index per slot: the player at slot 0, then the original order with the
	// player's old position removed.
	shifted := AddScalar(slot, -1)
	shifted = Add(shifted, ConvertDType(GreaterOrEqual(shifted, player), dtypes.Int32))
	source := Where(Equal(slot, Const(g, int32(0))), BroadcastToDims(player, batch, m.agents), shifted)
	source = Where(BroadcastToDims(hasPlayer, batch, m.agents), source, slot)

	perm := OneHot(source, m.agents, dtypes.Float32) // [batch, agents, agents]
	states := Einsum("bij,btjc->btic", perm, trajectories)

	if m.typeDim == typeClasses {
		nPlayers := m.agents / 2
		class := Where(LessOrEqual(slot, Const(g, int32(nPlayers))), Const(g, int32(2)), Const(g, int32(3)))
		class = Where(Equal(slot, Const(g, int32(1))), Const(g, int32(1)), class)
		class = Where(Equal(slot, Const(g, int32(0))), Const(g, int32(0)), class)
		synthetic := OneHot(class, m.typeDim, dtypes.Float32)
		replace := BroadcastToDims(ExpandAxes(hasPlayer, -1), batch, m.agents, m.typeDim)
		types = Where(replace, synthetic, types)
	}
	return states, types
}

// LossGraph implements Model: sparse categorical cross-entropy of the logits against
// the integer action labels.
func (m *TrajectoryModel) LossGraph(ctx *context.Context, inputs, labels []*Node) *Node {
	logits := m.ForwardGraph(ctx, inputs)
	labels[0].AssertDims(logits.Shape().Dim(0))
	return losses.SparseCategoricalCrossEntropyLogits(labels, []*Node{logits})
}

// EstimateThresholds implements Model: it fits the transform's length thresholds on
// the batch's pairwise distances. The distances are invariant to the player reorder,
// so the raw trajectories are used directly.
func (m *TrajectoryModel) EstimateThresholds(batch *Batch) error {
	if m.transform == nil {
		return errors.Errorf("input_feature %q has no thresholds to estimate", m.cfg.Str("input_feature"))
	}
	if err := checkTensor(batch.Trajectories, "trajectories", dtypes.Float32, -1, -1, m.agents, m.stateDim); err != nil {
		return err
	}
	return m.transform.EstimateThresholds(batch.Trajectories)
}

// SetGrad implements Model. Weights exist after the first graph build; calling it
// earlier is a no-op.
func (m *TrajectoryModel) SetGrad(mode string) error {
	if m.trainable == nil {
		m.trainable = captureParameters(m.ctx)
	}
	return applyGradMode(m.ctx, m.trainable, mode, firstBlockScope())
}

// ResetParameters implements Model: the first backbone block is re-initialized on the
// next graph build.
func (m *TrajectoryModel) ResetParameters() {
	deleteScope(m.ctx, firstBlockScope())
}

// firstBlockScope is the absolute context scope of the first backbone block.
func firstBlockScope() string {
	return "/stgcn/" + stgcn.BlockScope(0)
}

// Package stgcn implements the spatio-temporal graph-convolutional backbone shared by
// the play-recognition models: a stack of blocks that alternate graph convolution over
// the agents with strided temporal convolution over the sequence, rising to a
// configured number of output features.
//
// The backbone is a pure graph builder: all variables live in the *context.Context
// scope it is called with, so the same Backbone value can build training and inference
// graphs alike. Inputs and outputs are channels-last, [batch, length, agents,
// channels]; pooling and decoding belong to the model wrappers.
package stgcn

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// baseChannels is the channel width of the first blocks of the ladder.
const baseChannels = 64

// Config describes a Backbone.
type Config struct {
	// Agents is the number of graph nodes V.
	Agents int
	// InDim is the per-agent input channel count.
	InDim int
	// OutFeatures is the channel count of the last blocks.
	OutFeatures int
	// HiddenDim is the channel count of the middle blocks.
	HiddenDim int
	// TemporalKernel is the kernel size of the temporal convolutions.
	TemporalKernel int
	// SpatialKernel is the number of adjacency partitions K.
	SpatialKernel int
	// EdgeImportance enables the learned per-edge multipliers applied to the
	// adjacency in every block.
	EdgeImportance bool
	// BinaryInDim is the per-pair dimension of the dynamic pairwise features fed to
	// the first block; 0 disables the dynamic-edge branch.
	BinaryInDim int
	// BinaryOutDim is the per-pair dimension the pairwise features are re-projected
	// to between blocks. Required when BinaryInDim > 0.
	BinaryOutDim int
	// MaxAggregation switches neighbor aggregation from sum to max.
	MaxAggregation bool
}

type blockSpec struct {
	outChannels int
	stride      int
	residual    bool
}

// Backbone builds the st-gcn stack. Create it with New; it is stateless apart from the
// host-side adjacency tensor, so it is safe to share across graph builds.
type Backbone struct {
	cfg       Config
	adjacency *tensors.Tensor
	blocks    []blockSpec
}

// New validates the configuration and assembles the block ladder: two blocks at the
// base width, two at HiddenDim and two at OutFeatures, with temporal stride 2 on each
// width change. The first block has no residual connection.
func New(cfg Config) (*Backbone, error) {
	if cfg.InDim < 1 {
		return nil, errors.Errorf("backbone needs InDim >= 1, got %d", cfg.InDim)
	}
	if cfg.OutFeatures < 1 {
		return nil, errors.Errorf("backbone needs OutFeatures >= 1, got %d", cfg.OutFeatures)
	}
	if cfg.TemporalKernel < 1 {
		return nil, errors.Errorf("backbone needs TemporalKernel >= 1, got %d", cfg.TemporalKernel)
	}
	if cfg.BinaryInDim < 0 {
		return nil, errors.Errorf("BinaryInDim must be >= 0, got %d", cfg.BinaryInDim)
	}
	if cfg.BinaryInDim > 0 && cfg.BinaryOutDim < 1 {
		return nil, errors.Errorf("BinaryOutDim must be set when pairwise features are used, got %d", cfg.BinaryOutDim)
	}
	if cfg.HiddenDim == 0 {
		cfg.HiddenDim = 2 * baseChannels
	}
	adjacency, err := Adjacency(cfg.Agents, cfg.SpatialKernel)
	if err != nil {
		return nil, err
	}
	b := &Backbone{
		cfg:       cfg,
		adjacency: adjacency,
		blocks: []blockSpec{
			{baseChannels, 1, false},
			{baseChannels, 1, true},
			{cfg.HiddenDim, 2, true},
			{cfg.HiddenDim, 1, true},
			{cfg.OutFeatures, 2, true},
			{cfg.OutFeatures, 1, true},
		},
	}
	klog.V(2).Infof("stgcn backbone: %d agents, %d partitions, %d blocks, %d -> %d channels",
		cfg.Agents, cfg.SpatialKernel, len(b.blocks), cfg.InDim, cfg.OutFeatures)
	return b, nil
}

// Config returns the backbone configuration, with defaults filled in.
func (b *Backbone) Config() Config { return b.cfg }

// NumBlocks returns the number of st-gcn blocks in the ladder.
func (b *Backbone) NumBlocks() int { return len(b.blocks) }

// BlockScope is the context scope name of block i, relative to the scope ForwardGraph
// is called with.
func BlockScope(i int) string {
	return fmt.Sprintf("layer_%d", i)
}

// ForwardGraph builds the backbone onto x, shaped [batch, length, Agents, InDim].
// edges carries the dynamic pairwise features [batch, length, Agents, Agents,
// BinaryInDim]; it must be nil iff BinaryInDim is 0. The result is shaped
// [batch, length', Agents, OutFeatures] where length' reflects the temporal strides.
func (b *Backbone) ForwardGraph(ctx *context.Context, x, edges *Node) *Node {
	g := x.Graph()
	x.AssertRank(4)
	dims := x.Shape().Dimensions
	batch, length := dims[0], dims[1]
	if dims[2] != b.cfg.Agents || dims[3] != b.cfg.InDim {
		exceptions.Panicf("stgcn: input must be shaped [batch, length, %d, %d], got %s",
			b.cfg.Agents, b.cfg.InDim, x.Shape())
	}
	if b.cfg.BinaryInDim > 0 {
		if edges == nil {
			exceptions.Panicf("stgcn: backbone expects pairwise features of dimension %d, got none",
				b.cfg.BinaryInDim)
		}
		edges.AssertDims(batch, length, b.cfg.Agents, b.cfg.Agents, b.cfg.BinaryInDim)
	} else if edges != nil {
		exceptions.Panicf("stgcn: backbone got pairwise features but BinaryInDim is 0")
	}

	// Normalize inputs per (agent, channel) pair, as the reference architecture does.
	x = Reshape(x, batch, length, b.cfg.Agents*b.cfg.InDim)
	x = batchnorm.New(ctx.In("input_norm"), x, -1).Done()
	x = Reshape(x, batch, length, b.cfg.Agents, b.cfg.InDim)

	adjacency := Const(g, b.adjacency)
	for i, spec := range b.blocks {
		blockCtx := ctx.In(BlockScope(i))
		x = b.block(blockCtx, x, edges, adjacency, spec)
		if edges != nil {
			edges = updateEdges(blockCtx, edges, b.cfg.BinaryOutDim, spec.stride)
		}
	}
	return x
}

// block builds one st-gcn unit: spatial graph convolution (static adjacency plus the
// optional dynamic-edge branch), then norm, relu, strided temporal convolution, norm,
// dropout, residual add and a final relu.
func (b *Backbone) block(ctx *context.Context, x, edges, adjacency *Node, spec blockSpec) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	batch, length, agents, inChannels := dims[0], dims[1], dims[2], dims[3]
	k := b.cfg.SpatialKernel

	residual := x

	// Per-partition 1x1 projection, then contraction against the adjacency. The
	// learned edge importance multiplies into the adjacency before aggregation.
	spatial := layers.DenseWithBias(ctx.In("gcn"), x, k*spec.outChannels)
	spatial = Reshape(spatial, batch, length, agents, k, spec.outChannels)
	a := adjacency
	if b.cfg.EdgeImportance {
		importance := ctx.In("gcn").VariableWithValue("edge_importance",
			tensors.FromScalarAndDimensions(float32(1), k, agents, agents))
		a = Mul(a, importance.ValueGraph(g))
	}
	if b.cfg.MaxAggregation {
		// Keep per-sender contributions and take the strongest one per receiver.
		spatial = ReduceMax(Einsum("btvkc,kvw->btvwc", spatial, a), 2)
	} else {
		spatial = Einsum("btvkc,kvw->btwc", spatial, a)
	}

	if edges != nil {
		// Dynamic edges: pairwise features become per-timestep attention over
		// senders, aggregating a separate projection of the node states.
		weights := Softmax(Squeeze(layers.DenseWithBias(ctx.In("edge_logits"), edges, 1), -1), 2)
		values := layers.DenseWithBias(ctx.In("edge_proj"), x, spec.outChannels)
		spatial = Add(spatial, Einsum("btvw,btvc->btwc", weights, values))
	}

	y := batchnorm.New(ctx.In("gcn_norm"), spatial, -1).Done()
	y = activations.Relu(y)
	y = layers.Convolution(ctx.In("tcn"), y).
		Filters(spec.outChannels).
		KernelSizePerDim(b.cfg.TemporalKernel, 1).
		StridePerDim(spec.stride, 1).
		PadSame().
		Done()
	y = batchnorm.New(ctx.In("tcn_norm"), y, -1).Done()
	y = layers.DropoutFromContext(ctx, y)

	if spec.residual {
		if spec.stride != 1 || inChannels != spec.outChannels {
			residual = layers.Convolution(ctx.In("residual"), residual).
				Filters(spec.outChannels).
				KernelSizePerDim(1, 1).
				StridePerDim(spec.stride, 1).
				PadSame().
				Done()
		}
		y = Add(y, residual)
	}
	return activations.Relu(y)
}

// updateEdges re-projects the pairwise features for the next block and strides them in
// time alongside the node features.
func updateEdges(ctx *context.Context, edges *Node, outDim, stride int) *Node {
	edges = activations.Relu(layers.DenseWithBias(ctx.In("edge_update"), edges, outDim))
	if stride > 1 {
		edges = Slice(edges, AxisRange(), AxisRange().Stride(stride), AxisRange(), AxisRange(), AxisRange())
	}
	return edges
}

// Package features implements the input transform shared by the trajectory models: it
// derives relational ("binary", in the arity sense) features from raw per-agent states.
//
// For every pair of agents and every time step it emits the pairwise distance, the
// relative planar position, and a set of soft threshold comparisons of the distance
// against learned length scales. The comparisons are tempered by a runtime
// inverse-temperature `beta`, so they sharpen towards hard predicates as beta grows.
//
// Feature dimensions are organized by arity: nullary (global), unary (per agent),
// binary (per pair). OutDims reports all three, so models can size their pairwise
// branch without hard-coding dimensions.
package features

import (
	"runtime"
	"slices"
	"sync"

	"github.com/chewxy/math32"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// planarDims is the number of leading state dimensions holding positions. Distances
// and relative positions are computed on these.
const planarDims = 2

// Physical derives physically meaningful pairwise features from agent states.
//
// The soft-comparison length thresholds are context variables: they are trainable, and
// they can also be set directly from data statistics with EstimateThresholds.
type Physical struct {
	stateDim, typeDim, cmpDim int

	mu         sync.Mutex
	thresholds *context.Variable
}

// NewPhysical creates the transform and its threshold variable under the given context
// scope. stateDim and typeDim describe the unary inputs and are used only for
// dimension bookkeeping; cmpDim is the number of soft distance comparisons.
func NewPhysical(ctx *context.Context, stateDim, typeDim, cmpDim int) (*Physical, error) {
	if stateDim < planarDims {
		return nil, errors.Errorf("physical transform needs at least %d state dims for positions, got %d", planarDims, stateDim)
	}
	if cmpDim < 0 {
		return nil, errors.Errorf("cmp_dim must be >= 0, got %d", cmpDim)
	}
	p := &Physical{stateDim: stateDim, typeDim: typeDim, cmpDim: cmpDim}
	if cmpDim > 0 {
		// Default thresholds are a crude ramp; EstimateThresholds replaces them with
		// data quantiles before any serious training.
		defaults := make([]float32, cmpDim)
		for i := range defaults {
			defaults[i] = float32(i + 1)
		}
		p.thresholds = ctx.VariableWithValue("distance_thresholds",
			tensors.FromFlatDataAndDimensions(defaults, cmpDim))
	}
	return p, nil
}

// OutDims returns the feature dimensions per arity: nullary, unary and binary.
func (p *Physical) OutDims() [3]int {
	return [3]int{0, p.stateDim + p.typeDim, p.BinaryDim()}
}

// BinaryDim is the per-pair feature dimension: distance, relative position and the
// soft comparisons.
func (p *Physical) BinaryDim() int {
	return 1 + planarDims + p.cmpDim
}

// BinaryGraph builds the pairwise features for states shaped
// [batch, length, agents, stateDim]. beta must be a float32 scalar node. The result is
// shaped [batch, length, agents, agents, BinaryDim()], indexed (from, to).
func (p *Physical) BinaryGraph(states, beta *Node) *Node {
	g := states.Graph()
	states.AssertRank(4)
	dims := states.Shape().Dimensions
	batch, length, agents := dims[0], dims[1], dims[2]

	pos := Slice(states, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, planarDims))
	from := ExpandAxes(pos, 3) // [batch, length, agents, 1, planar]
	to := ExpandAxes(pos, 2)   // [batch, length, 1, agents, planar]
	relative := Sub(to, from)  // Broadcasts to [batch, length, agents, agents, planar].

	// The epsilon keeps the gradient of sqrt finite on the zero diagonal.
	distance := Sqrt(AddScalar(ReduceSum(Square(relative), -1), 1e-12))
	distance = ExpandAxes(distance, -1)

	parts := []*Node{distance, relative}
	if p.cmpDim > 0 {
		thresholds := Reshape(p.thresholds.ValueGraph(g), 1, 1, 1, 1, p.cmpDim)
		soft := Sigmoid(Mul(Sub(thresholds, distance), beta))
		parts = append(parts, soft)
	}
	out := Concatenate(parts, -1)
	out.AssertDims(batch, length, agents, agents, p.BinaryDim())
	return out
}

// EstimateThresholds sets the comparison thresholds to evenly spaced quantiles of the
// pairwise distances observed in the given trajectories, shaped [batch, length,
// agents, stateDim] float32. It is the data-driven alternative to learning the
// thresholds by gradient.
func (p *Physical) EstimateThresholds(trajectories *tensors.Tensor) error {
	if p.cmpDim == 0 {
		return nil
	}
	shape := trajectories.Shape()
	if shape.Rank() != 4 || shape.Dimensions[3] < planarDims {
		return errors.Errorf("trajectories must be shaped [batch, length, agents, stateDim>=%d], got %s", planarDims, shape)
	}
	batch := shape.Dimensions[0]
	length := shape.Dimensions[1]
	agents := shape.Dimensions[2]
	stateDim := shape.Dimensions[3]
	if agents < 2 {
		return errors.Errorf("cannot estimate pairwise thresholds with %d agent(s)", agents)
	}

	flat := tensors.CopyFlatData[float32](trajectories)
	perSequence := make([][]float32, batch)
	var group errgroup.Group
	group.SetLimit(runtime.GOMAXPROCS(0))
	for b := range batch {
		group.Go(func() error {
			distances := make([]float32, 0, length*agents*(agents-1)/2)
			base := b * length * agents * stateDim
			for t := range length {
				frame := base + t*agents*stateDim
				for i := range agents {
					pi := frame + i*stateDim
					for j := i + 1; j < agents; j++ {
						pj := frame + j*stateDim
						distances = append(distances,
							math32.Hypot(flat[pj]-flat[pi], flat[pj+1]-flat[pi+1]))
					}
				}
			}
			perSequence[b] = distances
			return nil
		})
	}
	_ = group.Wait() // Workers never fail, the group only bounds parallelism.

	all := make([]float32, 0, batch*length*agents*(agents-1)/2)
	for _, distances := range perSequence {
		all = append(all, distances...)
	}
	slices.Sort(all)

	values := make([]float32, p.cmpDim)
	for c := range p.cmpDim {
		q := float32(c+1) / float32(p.cmpDim+1)
		values[c] = all[int(q*float32(len(all)-1))]
	}
	klog.V(1).Infof("Estimated %d distance thresholds from %d pairwise samples: %v",
		p.cmpDim, len(all), values)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.thresholds.SetValue(tensors.FromFlatDataAndDimensions(values, p.cmpDim))
	return nil
}

// Thresholds returns a copy of the current threshold values, or nil if cmpDim is 0.
func (p *Physical) Thresholds() []float32 {
	if p.thresholds == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return tensors.CopyFlatData[float32](p.thresholds.Value())
}

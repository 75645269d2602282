package stgcn

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

// rampTensor builds a deterministic non-constant float32 tensor.
func rampTensor(dims ...int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, dims...))
	tensors.MutableFlatData(t, func(flat []float32) {
		for i := range flat {
			flat[i] = float32(i%13)/6.5 - 1
		}
	})
	return t
}

func TestAdjacency(t *testing.T) {
	// Single partition: uniform attention, self included.
	a, err := Adjacency(4, 1)
	require.NoError(t, err)
	a.Shape().AssertDims(1, 4, 4)
	for _, v := range tensors.CopyFlatData[float32](a) {
		assert.InDelta(t, 0.25, v, 1e-6)
	}

	// Multiple partitions: identity first, then row-normalized neighbors.
	a, err = Adjacency(4, 3)
	require.NoError(t, err)
	a.Shape().AssertDims(3, 4, 4)
	flat := tensors.CopyFlatData[float32](a)
	for i := range 4 {
		for j := range 4 {
			want := float32(0)
			if i == j {
				want = 1
			}
			assert.Equal(t, want, flat[i*4+j])
		}
	}
	for k := 1; k < 3; k++ {
		for i := range 4 {
			var rowSum float32
			for j := range 4 {
				v := flat[k*16+i*4+j]
				if i == j {
					assert.Zero(t, v)
				} else {
					assert.InDelta(t, 1.0/3.0, v, 1e-6)
				}
				rowSum += v
			}
			assert.InDeltaf(t, 1.0, rowSum, 1e-5, "partition %d row %d is not normalized", k, i)
		}
	}

	_, err = Adjacency(0, 1)
	assert.Error(t, err)
	_, err = Adjacency(3, 0)
	assert.Error(t, err)
	_, err = Adjacency(1, 2)
	assert.Error(t, err, "neighbor partitions are empty with a single agent")
}

func TestNewValidation(t *testing.T) {
	base := Config{Agents: 3, InDim: 5, OutFeatures: 16, TemporalKernel: 3, SpatialKernel: 2}

	b, err := New(base)
	require.NoError(t, err)
	assert.Equal(t, 2*baseChannels, b.Config().HiddenDim)
	assert.Equal(t, 6, b.NumBlocks())
	assert.Equal(t, "layer_0", BlockScope(0))

	for name, mutate := range map[string]func(*Config){
		"no agents":          func(c *Config) { c.Agents = 0 },
		"no input dims":      func(c *Config) { c.InDim = 0 },
		"no output features": func(c *Config) { c.OutFeatures = 0 },
		"no temporal kernel": func(c *Config) { c.TemporalKernel = 0 },
		"no partitions":      func(c *Config) { c.SpatialKernel = 0 },
		"negative binary":    func(c *Config) { c.BinaryInDim = -1 },
		"binary without out": func(c *Config) { c.BinaryInDim = 4 },
	} {
		cfg := base
		mutate(&cfg)
		_, err := New(cfg)
		assert.Errorf(t, err, "config %q should be rejected", name)
	}
}

func TestBackboneForward(t *testing.T) {
	cfg := Config{
		Agents: 3, InDim: 5, OutFeatures: 16, HiddenDim: 8,
		TemporalKernel: 3, SpatialKernel: 2, EdgeImportance: true,
	}
	b, err := New(cfg)
	require.NoError(t, err)

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	x := rampTensor(2, 8, 3, 5)
	out := context.ExecOnce(backend, ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
		return b.ForwardGraph(ctx.In("stgcn"), x, nil)
	}, x)

	// Two stride-2 blocks halve the sequence twice: 8 -> 4 -> 2.
	out.Shape().AssertDims(2, 2, 3, 16)

	// One edge-importance variable per block, under its gcn scope.
	var scopes []string
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Name() == "edge_importance" {
			scopes = append(scopes, v.Scope())
		}
	})
	require.Len(t, scopes, b.NumBlocks())
	assert.Contains(t, scopes, "/stgcn/"+BlockScope(0)+"/gcn")
}

func TestBackboneNoEdgeImportance(t *testing.T) {
	cfg := Config{
		Agents: 3, InDim: 5, OutFeatures: 8, HiddenDim: 4,
		TemporalKernel: 3, SpatialKernel: 2,
	}
	b, err := New(cfg)
	require.NoError(t, err)

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	x := rampTensor(1, 4, 3, 5)
	out := context.ExecOnce(backend, ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
		return b.ForwardGraph(ctx.In("stgcn"), x, nil)
	}, x)
	out.Shape().AssertDims(1, 1, 3, 8)

	count := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Name() == "edge_importance" {
			count++
		}
	})
	assert.Zero(t, count)
}

func TestBackboneMaxAggregation(t *testing.T) {
	cfg := Config{
		Agents: 4, InDim: 3, OutFeatures: 8, HiddenDim: 4,
		TemporalKernel: 3, SpatialKernel: 2, MaxAggregation: true,
	}
	b, err := New(cfg)
	require.NoError(t, err)

	backend := graphtest.BuildTestBackend()
	out := context.ExecOnce(backend, context.New(), func(ctx *context.Context, x *graph.Node) *graph.Node {
		return b.ForwardGraph(ctx.In("stgcn"), x, nil)
	}, rampTensor(2, 4, 4, 3))
	out.Shape().AssertDims(2, 1, 4, 8)
}

func TestBackboneDynamicEdges(t *testing.T) {
	cfg := Config{
		Agents: 4, InDim: 3, OutFeatures: 8, HiddenDim: 4,
		TemporalKernel: 3, SpatialKernel: 1,
		BinaryInDim: 2, BinaryOutDim: 2,
	}
	b, err := New(cfg)
	require.NoError(t, err)

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x, edges *graph.Node) *graph.Node {
		return b.ForwardGraph(ctx.In("stgcn"), x, edges)
	})

	x := rampTensor(1, 4, 4, 3)
	edges := rampTensor(1, 4, 4, 4, 2)
	flatEdges := tensors.CopyFlatData[float32](exec.Call(x, edges)[0])
	noEdges := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 4, 4, 4, 2))
	flatNoEdges := tensors.CopyFlatData[float32](exec.Call(x, noEdges)[0])

	require.Len(t, flatEdges, 1*1*4*8)
	var maxDiff float32
	for i := range flatEdges {
		maxDiff = max(maxDiff, math32.Abs(flatEdges[i]-flatNoEdges[i]))
	}
	assert.Greater(t, maxDiff, float32(1e-6), "pairwise features should steer the output")

	// Pairwise features are mandatory once the branch is configured.
	require.Panics(t, func() {
		_ = context.ExecOnce(backend, context.New(), func(ctx *context.Context, x *graph.Node) *graph.Node {
			return b.ForwardGraph(ctx.In("stgcn"), x, nil)
		}, x)
	})
}

package models

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"

	"github.com/playrec/playrec/internal/config"
	"github.com/playrec/playrec/internal/generics"
)

func smallObservationUpdate() config.Update {
	return config.Update{
		"n_agents":        3,
		"state_dim":       []int{4, 4},
		"object_name_dim": 6,
		"h_dim":           8,
		"n_features":      8,
		"kernel_size":     []int{3, 3},
	}
}

func newSmallObservationModel(t *testing.T) *ObservationModel {
	m, err := NewObservationModel(smallObservationUpdate())
	require.NoError(t, err)
	return m
}

func TestObservationModelConfig(t *testing.T) {
	m := newSmallObservationModel(t)
	cfg := m.Config()
	require.Equal(t, 3, cfg.Int("n_agents"))
	require.Equal(t, 2, cfg.Int("n_actions")) // Default survived the update.
	require.False(t, cfg.Bool("edge_importance_weighting"))
	require.Equal(t, 14, m.featureDim())

	_, err := NewObservationModel(config.Update{"state_dim": []int{0, 14}})
	require.ErrorContains(t, err, "state_dim")
	_, err = NewObservationModel(config.Update{"object_name_dim": 0})
	require.ErrorContains(t, err, "object_name_dim")
}

func TestObservationCreateInputs(t *testing.T) {
	m := newSmallObservationModel(t)
	rng := rand.New(rand.NewPCG(42, 0)) // Ensure reproducibility.
	batch := RandomObservationBatch(m.Config(), 2, 6, rng)

	inputs, err := m.CreateInputs(batch, &HParams{Beta: 1})
	require.NoError(t, err)
	require.Len(t, inputs, 3)
	require.Same(t, batch.NullaryStates, inputs[0])
	require.Same(t, batch.UnaryStates, inputs[1])
	// Lengths default to the padded length.
	require.Equal(t, []int32{6, 6}, tensors.CopyFlatData[int32](inputs[2]))

	batch.Lengths = tensors.FromFlatDataAndDimensions([]int32{6, 4}, 2)
	inputs, err = m.CreateInputs(batch, &HParams{Beta: 1})
	require.NoError(t, err)
	require.Same(t, batch.Lengths, inputs[2])

	batch.Lengths = fillInt32(99, 2)
	_, err = m.CreateInputs(batch, &HParams{Beta: 1})
	require.ErrorContains(t, err, "out of range")

	_, err = m.CreateInputs(&Batch{}, &HParams{Beta: 1})
	require.ErrorContains(t, err, "nullary")

	bad := RandomObservationBatch(m.Config(), 2, 6, rng)
	bad.UnaryStates = randomNormal(rng, 2, 6, 3, 9)
	_, err = m.CreateInputs(bad, &HParams{Beta: 1})
	require.ErrorContains(t, err, "unary")
}

func TestObservationForward(t *testing.T) {
	m := newSmallObservationModel(t)
	rng := rand.New(rand.NewPCG(42, 0))
	batch := RandomObservationBatch(m.Config(), 2, 6, rng)
	inputs, err := m.CreateInputs(batch, &HParams{})
	require.NoError(t, err)
	inputsAny := generics.SliceMap(inputs, func(t *tensors.Tensor) any { return t })

	backend := graphtest.BuildTestBackend()
	logitsT := context.ExecOnce(backend, m.Context(), func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		return m.ForwardGraph(ctx, inputs)
	}, inputsAny...)
	fmt.Printf("Logits: %s\n", logitsT)
	logitsT.Shape().AssertDims(2, 2)
}

func TestObservationNodePadding(t *testing.T) {
	m := newSmallObservationModel(t)
	rng := rand.New(rand.NewPCG(42, 0))
	batch := RandomObservationBatch(m.Config(), 1, 2, rng)
	inputs, err := m.CreateInputs(batch, &HParams{})
	require.NoError(t, err)
	inputsAny := generics.SliceMap(inputs, func(t *tensors.Tensor) any { return t })

	// The nullary state becomes node 0 and the two node kinds occupy disjoint
	// feature columns.
	backend := graphtest.BuildTestBackend()
	stackedT := context.ExecOnce(backend, m.Context(), func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		return m.stackNodes(inputs[0], inputs[1])
	}, inputsAny...)
	stackedT.Shape().AssertDims(1, 2, 4, 14)

	stacked := tensors.CopyFlatData[float32](stackedT)
	nullary := tensors.CopyFlatData[float32](batch.NullaryStates)
	unary := tensors.CopyFlatData[float32](batch.UnaryStates)
	width, nodes := 14, 4
	for step := range 2 {
		node0 := stacked[step*nodes*width : step*nodes*width+width]
		require.Equal(t, nullary[step*4:(step+1)*4], node0[:4], "step %d nullary columns", step)
		require.Equal(t, make([]float32, 10), node0[4:], "step %d nullary padding", step)
		for obj := range 3 {
			node := stacked[(step*nodes+1+obj)*width : (step*nodes+2+obj)*width]
			require.Equal(t, make([]float32, 4), node[:4], "step %d object %d padding", step, obj)
			require.Equal(t, unary[(step*3+obj)*10:(step*3+obj+1)*10], node[4:], "step %d object %d columns", step, obj)
		}
	}
}

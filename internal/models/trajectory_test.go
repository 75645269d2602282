package models

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/playrec/playrec/internal/config"
	"github.com/playrec/playrec/internal/generics"
)

// smallTrajectoryUpdate keeps the graphs tiny so the tests compile fast.
func smallTrajectoryUpdate() config.Update {
	return config.Update{
		"n_agents":    4,
		"n_actions":   5,
		"h_dim":       16,
		"n_features":  8,
		"cmp_dim":     2,
		"kernel_size": []int{3, 3},
	}
}

func newSmallTrajectoryModel(t *testing.T, extra config.Update) *TrajectoryModel {
	upd := smallTrajectoryUpdate()
	for key, value := range extra {
		upd[key] = value
	}
	m, err := NewTrajectoryModel(upd)
	require.NoError(t, err)
	return m
}

func TestTrajectoryModelConfig(t *testing.T) {
	m := newSmallTrajectoryModel(t, nil)
	cfg := m.Config()
	require.Equal(t, 4, cfg.Int("n_agents"))
	require.Equal(t, "physical", cfg.Str("input_feature")) // Default survived the update.
	require.Equal(t, 3, cfg.Int("state_dim"))
	tk, sk := cfg.IntPair("kernel_size")
	require.Equal(t, 3, tk)
	require.Equal(t, 3, sk)

	_, err := NewTrajectoryModel(config.Update{"input_feature": "bogus"})
	require.ErrorContains(t, err, "input_feature")
	_, err = NewTrajectoryModel(config.Update{"noise": -0.1})
	require.ErrorContains(t, err, "noise")
	_, err = NewTrajectoryModel(config.Update{"image_dim": 32})
	require.ErrorContains(t, err, "image")
}

func TestTrajectoryCreateInputs(t *testing.T) {
	m := newSmallTrajectoryModel(t, nil)
	rng := rand.New(rand.NewPCG(42, 0)) // Ensure reproducibility.
	batch := RandomTrajectoryBatch(m.Config(), 3, 6, rng)

	inputs, err := m.CreateInputs(batch, &HParams{Beta: 1})
	require.NoError(t, err)
	require.Len(t, inputs, 4)
	require.Same(t, batch.Trajectories, inputs[0])
	require.Equal(t, []int32{-1, -1, -1}, tensors.CopyFlatData[int32](inputs[2]))
	require.Equal(t, float32(1), tensors.ToScalar[float32](inputs[3]))

	labels, err := m.CreateLabels(batch)
	require.NoError(t, err)
	require.Len(t, labels, 1)
	require.Same(t, batch.Actions, labels[0])

	// The physical transform needs a positive beta.
	_, err = m.CreateInputs(batch, &HParams{})
	require.ErrorContains(t, err, "beta")

	// Player ids must address an existing agent.
	batch.PlayerID = fillInt32(99, 3)
	_, err = m.CreateInputs(batch, &HParams{Beta: 1})
	require.ErrorContains(t, err, "out of range")

	// Missing or misshaped tensors are rejected.
	_, err = m.CreateInputs(&Batch{}, &HParams{Beta: 1})
	require.ErrorContains(t, err, "trajectories")
	bad := RandomTrajectoryBatch(m.Config(), 3, 6, rng)
	bad.Types = randomNormal(rng, 3, 2, 4)
	_, err = m.CreateInputs(bad, &HParams{Beta: 1})
	require.ErrorContains(t, err, "types")

	// Moving a player first needs the 4 synthetic type classes.
	m5 := newSmallTrajectoryModel(t, config.Update{"type_dim": 5})
	batch5 := RandomTrajectoryBatch(m5.Config(), 2, 4, rng)
	batch5.PlayerID = fillInt32(1, 2)
	_, err = m5.CreateInputs(batch5, &HParams{Beta: 1})
	require.ErrorContains(t, err, "type_dim")
}

func TestTrajectoryForward(t *testing.T) {
	m := newSmallTrajectoryModel(t, nil)
	rng := rand.New(rand.NewPCG(42, 0))
	batch := RandomTrajectoryBatch(m.Config(), 3, 6, rng)
	inputs, err := m.CreateInputs(batch, &HParams{Beta: 1})
	require.NoError(t, err)
	inputsAny := generics.SliceMap(inputs, func(t *tensors.Tensor) any { return t })

	backend := graphtest.BuildTestBackend()
	logitsT := context.ExecOnce(backend, m.Context(), func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		return m.ForwardGraph(ctx, inputs)
	}, inputsAny...)
	fmt.Printf("Logits: %s\n", logitsT)
	logitsT.Shape().AssertDims(3, 5)
}

func TestTrajectoryMovePlayerFirst(t *testing.T) {
	m := newSmallTrajectoryModel(t, nil)

	// Agent k carries the constant feature (k, 10k, 100k), so the reorder can be read
	// back from the states.
	trajectories := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 1, 4, 3))
	tensors.MutableFlatData(trajectories, func(flat []float32) {
		for seq := range 2 {
			for agent := range 4 {
				base := (seq*4 + agent) * 3
				flat[base] = float32(agent)
				flat[base+1] = float32(agent) * 10
				flat[base+2] = float32(agent) * 100
			}
		}
	})
	// All agents of both sequences start as class 3.
	types := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 4, 4))
	tensors.MutableFlatData(types, func(flat []float32) {
		for i := 3; i < len(flat); i += 4 {
			flat[i] = 1
		}
	})
	playerID := tensors.FromFlatDataAndDimensions([]int32{2, -1}, 2)

	backend := graphtest.BuildTestBackend()
	outputs := context.ExecOnceN(backend, m.Context(), func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
		states, reTypes := m.movePlayerFirst(inputs[0], inputs[1], inputs[2])
		return []*graph.Node{states, reTypes}
	}, trajectories, types, playerID)
	states := tensors.CopyFlatData[float32](outputs[0])
	reTypes := tensors.CopyFlatData[float32](outputs[1])

	// Sequence 0: player 2 moves first, the others keep their relative order.
	wantOrder := []float32{2, 0, 1, 3}
	for slot, agent := range wantOrder {
		base := slot * 3
		require.Equal(t, agent, states[base])
		require.Equal(t, agent*10, states[base+1])
		require.Equal(t, agent*100, states[base+2])
	}
	// And its types become the synthetic classes 0..3, one-hot: the identity matrix.
	for slot := range 4 {
		for class := range 4 {
			want := float32(0)
			if class == slot {
				want = 1
			}
			require.Equal(t, want, reTypes[slot*4+class], "sequence 0, slot %d, class %d", slot, class)
		}
	}

	// Sequence 1 has no designated player: states and types pass through.
	for agent := range 4 {
		base := (4 + agent) * 3
		require.Equal(t, float32(agent), states[base])
		for class := range 4 {
			want := float32(0)
			if class == 3 {
				want = 1
			}
			require.Equal(t, want, reTypes[(4+agent)*4+class], "sequence 1, agent %d, class %d", agent, class)
		}
	}
}

func TestTrajectoryNoise(t *testing.T) {
	// Runs the forward pass twice inside a single graph, so the two runs share the
	// exact same weights and differ only through the noise samples.
	runTwice := func(m *TrajectoryModel, batch *Batch) float32 {
		inputs, err := m.CreateInputs(batch, &HParams{Beta: 1})
		require.NoError(t, err)
		inputsAny := generics.SliceMap(inputs, func(t *tensors.Tensor) any { return t })
		backend := graphtest.BuildTestBackend()
		outputs := context.ExecOnceN(backend, m.Context(), func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			return []*graph.Node{m.ForwardGraph(ctx, inputs), m.ForwardGraph(ctx, inputs)}
		}, inputsAny...)
		a := tensors.CopyFlatData[float32](outputs[0])
		b := tensors.CopyFlatData[float32](outputs[1])
		var diff float32
		for i := range a {
			diff = max(diff, math32.Abs(a[i]-b[i]))
		}
		return diff
	}

	rng := rand.New(rand.NewPCG(42, 0))

	// Without noise the two runs are identical.
	m := newSmallTrajectoryModel(t, nil)
	batch := RandomTrajectoryBatch(m.Config(), 2, 6, rng)
	require.Zero(t, runTwice(m, batch))

	// With noise the logits change between runs.
	noisy := newSmallTrajectoryModel(t, config.Update{"noise": 0.5})
	batch = RandomTrajectoryBatch(noisy.Config(), 2, 6, rng)
	diff := runTwice(noisy, batch)
	fmt.Printf("Max logit difference across noisy runs: %g\n", diff)
	require.Greater(t, diff, float32(1e-6))
}

func TestTrajectoryEstimateThresholds(t *testing.T) {
	m := newSmallTrajectoryModel(t, nil)
	rng := rand.New(rand.NewPCG(42, 0))
	batch := RandomTrajectoryBatch(m.Config(), 2, 6, rng)

	before := m.transform.Thresholds()
	require.NoError(t, m.EstimateThresholds(batch))
	after := m.transform.Thresholds()
	require.Len(t, after, 2)
	require.NotEqual(t, before, after)

	raw := newSmallTrajectoryModel(t, config.Update{"input_feature": "none"})
	require.ErrorContains(t, raw.EstimateThresholds(batch), "thresholds")
}

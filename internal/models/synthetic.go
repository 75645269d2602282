package models

import (
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/playrec/playrec/internal/config"
)

// Synthetic batches, used to warm up the executors and by benchmarks and tests.

// RandomTrajectoryBatch builds a random batch matching a trajectory model
// configuration: normal agent states, one-hot agent types and uniform action labels.
func RandomTrajectoryBatch(cfg config.Config, batchSize, length int, rng *rand.Rand) *Batch {
	agents := cfg.Int("n_agents")
	typeDim := cfg.Int("type_dim")
	return &Batch{
		Trajectories: randomNormal(rng, batchSize, length, agents, cfg.Int("state_dim")),
		Types:        randomOneHot(rng, typeDim, batchSize, agents, typeDim),
		Actions:      randomLabels(rng, cfg.Int("n_actions"), batchSize),
	}
}

// RandomObservationBatch builds a random batch matching an observation model
// configuration: normal nullary and unary states, the unary ones ending in a one-hot
// object name, and uniform action labels.
func RandomObservationBatch(cfg config.Config, batchSize, length int, rng *rand.Rand) *Batch {
	nullaryDim, unaryDim := cfg.IntPair("state_dim")
	nameDim := cfg.Int("object_name_dim")
	agents := cfg.Int("n_agents")

	unary := randomNormal(rng, batchSize, length, agents, unaryDim+nameDim)
	tensors.MutableFlatData(unary, func(flat []float32) {
		width := unaryDim + nameDim
		for base := 0; base < len(flat); base += width {
			for i := unaryDim; i < width; i++ {
				flat[base+i] = 0
			}
			flat[base+unaryDim+rng.IntN(nameDim)] = 1
		}
	})
	return &Batch{
		NullaryStates: randomNormal(rng, batchSize, length, nullaryDim),
		UnaryStates:   unary,
		Actions:       randomLabels(rng, cfg.Int("n_actions"), batchSize),
	}
}

// RandomBatch builds a random batch matching the wrapped model's configuration.
func (s *Classifier) RandomBatch(batchSize, length int, rng *rand.Rand) *Batch {
	switch s.Type {
	case ModelTrajectory:
		return RandomTrajectoryBatch(s.model.Config(), batchSize, length, rng)
	case ModelObservation:
		return RandomObservationBatch(s.model.Config(), batchSize, length, rng)
	default:
		exceptions.Panicf("model type %s cannot generate random batches", s.Type)
		return nil
	}
}

func randomNormal(rng *rand.Rand, dims ...int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, dims...))
	tensors.MutableFlatData(t, func(flat []float32) {
		for i := range flat {
			flat[i] = float32(rng.NormFloat64())
		}
	})
	return t
}

// randomOneHot fills rows of the trailing axis, sized classes, with one-hot vectors.
func randomOneHot(rng *rand.Rand, classes int, dims ...int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, dims...))
	tensors.MutableFlatData(t, func(flat []float32) {
		for base := 0; base < len(flat); base += classes {
			flat[base+rng.IntN(classes)] = 1
		}
	})
	return t
}

func randomLabels(rng *rand.Rand, classes int, dims ...int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Int32, dims...))
	tensors.MutableFlatData(t, func(flat []int32) {
		for i := range flat {
			flat[i] = int32(rng.IntN(classes))
		}
	})
	return t
}

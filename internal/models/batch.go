package models

import (
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Batch is the named-tensor input of the models. Which fields are required depends on
// the model variant; optional fields may be nil.
type Batch struct {
	// Trajectories [batch, length, agents, stateDim] float32, required by the
	// trajectory model. Positions are the leading two state dims.
	Trajectories *tensors.Tensor

	// PlayerID [batch] int32, optional: the agent to move first in each sequence,
	// or -1 to keep the original order.
	PlayerID *tensors.Tensor

	// Types [batch, agents, typeDim] float32 agent type labels, required by the
	// trajectory model. Replaced by synthetic labels for rows with PlayerID >= 0.
	Types *tensors.Tensor

	// Actions [batch] int32 ground-truth action labels.
	Actions *tensors.Tensor

	// Images are accepted for interface compatibility and not consumed by any
	// current model.
	Images *tensors.Tensor

	// NullaryStates [batch, length, stateDims[0]] float32 global states, required by
	// the observation model.
	NullaryStates *tensors.Tensor

	// UnaryStates [batch, length, agents, stateDims[1]+objectNameDim] float32
	// per-agent states, required by the observation model.
	UnaryStates *tensors.Tensor

	// Lengths [batch] int32 true sequence lengths, optional. Accepted but not used
	// by the pooling.
	Lengths *tensors.Tensor
}

// HParams are the per-call hyperparameters of a forward pass.
type HParams struct {
	// Beta is the inverse temperature of the input transform's soft comparisons.
	Beta float32

	// EstimateThresholds asks the model to fit its transform thresholds on this
	// batch instead of running the forward pass.
	EstimateThresholds bool
}

// Result is the output of a forward pass.
type Result struct {
	// Output holds the classification logits, shaped [batch, nActions].
	Output *tensors.Tensor

	// Target passes the batch's ground-truth labels through.
	Target *tensors.Tensor

	// Loss is a zero scalar placeholder: the training loss is computed separately
	// (Classifier.Loss) by whoever drives the training.
	Loss *tensors.Tensor
}

// checkTensor validates dtype and dimensions of one batch field. Negative wanted
// dimensions are not checked.
func checkTensor(t *tensors.Tensor, name string, dtype dtypes.DType, want ...int) error {
	if t == nil {
		return errors.Errorf("batch is missing %s", name)
	}
	shape := t.Shape()
	if shape.DType != dtype {
		return errors.Errorf("%s must be %s, got %s", name, dtype, shape.DType)
	}
	if shape.Rank() != len(want) {
		return errors.Errorf("%s must be rank %d, got shape %s", name, len(want), shape)
	}
	for axis, dim := range want {
		if dim >= 0 && shape.Dimensions[axis] != dim {
			return errors.Errorf("%s must have dimension %d on axis %d, got shape %s",
				name, dim, axis, shape)
		}
	}
	return nil
}

// fillInt32 builds an int32 tensor of the given dimensions with every element set
// to value. Used for the defaults of optional batch fields.
func fillInt32(value int32, dims ...int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Int32, dims...))
	tensors.MutableFlatData(t, func(flat []int32) {
		for i := range flat {
			flat[i] = value
		}
	})
	return t
}

package stgcn

import (
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Adjacency builds the stacked adjacency tensor [partitions, agents, agents] the
// spatial graph convolution contracts against. Agents form a fully-connected graph
// (there is no skeleton): with a single partition every agent attends uniformly to
// every agent, itself included. With more partitions the first holds the self-loops
// (identity) and each remaining partition carries the row-normalized uniform
// neighbor support; partitions share support and specialize through their
// per-partition kernels and learned edge importance.
func Adjacency(agents, partitions int) (*tensors.Tensor, error) {
	if agents < 1 {
		return nil, errors.Errorf("adjacency needs at least one agent, got %d", agents)
	}
	if partitions < 1 {
		return nil, errors.Errorf("adjacency needs at least one partition, got %d", partitions)
	}
	if partitions > 1 && agents < 2 {
		return nil, errors.Errorf("neighbor partitions need at least 2 agents, got %d agent(s) for %d partitions", agents, partitions)
	}
	t := tensors.FromShape(shapes.Make(dtypes.Float32, partitions, agents, agents))
	tensors.MutableFlatData(t, func(flat []float32) {
		if partitions == 1 {
			uniform := 1 / float32(agents)
			for i := range flat {
				flat[i] = uniform
			}
			return
		}
		for i := range agents {
			flat[i*agents+i] = 1
		}
		neighbor := 1 / float32(agents-1)
		for k := 1; k < partitions; k++ {
			base := k * agents * agents
			for i := range agents {
				for j := range agents {
					if i != j {
						flat[base+i*agents+j] = neighbor
					}
				}
			}
		}
	})
	return t, nil
}

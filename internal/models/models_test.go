package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playrec/playrec/internal/parameters"
)

func TestModelTypeStrings(t *testing.T) {
	assert.Equal(t, "trajectory", ModelTrajectory.String())
	assert.Equal(t, "observation", ModelObservation.String())
	mt, err := ModelTypeString("observation")
	require.NoError(t, err)
	assert.Equal(t, ModelObservation, mt)
	assert.False(t, ModelType(99).IsAModelType())
}

func TestParseDims(t *testing.T) {
	dims, err := parseDims("7x7")
	require.NoError(t, err)
	assert.Equal(t, []int{7, 7}, dims)

	dims, err = parseDims("9")
	require.NoError(t, err)
	assert.Equal(t, []int{9}, dims)

	dims, err = parseDims(" 3 x 5 ")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 5}, dims)

	_, err = parseDims("ax7")
	require.Error(t, err)
}

func TestConfigUpdateFromParams(t *testing.T) {
	params := parameters.NewFromConfigString(
		"n_agents=7,kernel_size=5x3,noise=0.25,edge_importance_weighting=false,input_feature=none,max_depth=3")
	upd, err := configUpdateFromParams(params, TrajectoryDefaults())
	require.NoError(t, err)
	assert.Equal(t, 7, upd["n_agents"])
	assert.Equal(t, []int{5, 3}, upd["kernel_size"])
	assert.Equal(t, 0.25, upd["noise"])
	assert.Equal(t, false, upd["edge_importance_weighting"])
	assert.Equal(t, "none", upd["input_feature"])
	// Keys not in the defaults stay in params for someone else to consume.
	assert.Equal(t, []string{"max_depth"}, params.Keys())

	// Keys absent from params don't make it into the update at all.
	assert.NotContains(t, upd, "n_actions")

	_, err = configUpdateFromParams(parameters.NewFromConfigString("kernel_size=ax7"), TrajectoryDefaults())
	require.ErrorContains(t, err, "kernel_size")

	_, err = configUpdateFromParams(parameters.NewFromConfigString("n_agents=many"), TrajectoryDefaults())
	require.ErrorContains(t, err, "n_agents")
}

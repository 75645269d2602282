// Package models implements spatio-temporal graph-convolutional classifiers for
// multi-agent play recognition.
//
// Two model variants are provided, both thin wrappers over the shared backbone in
// internal/stgcn: the trajectory model classifies raw per-agent trajectories
// (optionally deriving pairwise relational features with internal/features), and the
// observation model classifies sequences of global-plus-per-agent observations.
// Classifier wraps either variant with compiled GoMLX executors for scoring, loss
// evaluation and single training steps, plus checkpointing.
package models

import (
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"

	"github.com/playrec/playrec/internal/config"
	"github.com/playrec/playrec/internal/generics"
	"github.com/playrec/playrec/internal/parameters"
)

// ModelType selects one of the implemented model variants.
type ModelType int

const (
	ModelNone ModelType = iota
	ModelTrajectory
	ModelObservation
)

//go:generate go tool enumer -type=ModelType -trimprefix=Model -transform=snake -values -text -json -yaml models.go

var (
	// Backend is a singleton, the same for all classifiers.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })

	// muNewClient is a Mutex used to synchronize access to GoMLX client
	// initialization or related critical sections.
	muNewClient sync.Mutex
)

const notSpecified = "#<not_specified>"

// New creates a Classifier if a supported model variant is selected in params.
//
// The variant is selected by its name appearing as a parameter key, mapping to the
// directory the model weights are checkpointed in: for example
// "trajectory=/tmp/play0,n_actions=11". An empty value runs the model without
// checkpoints, and "-help" lists its hyperparameters. The variant's configuration keys
// and the context hyperparameters are popped from params.
//
// If no known model variant is configured, it returns nil, nil.
func New(params parameters.Params) (*Classifier, error) {
	for _, modelType := range ModelTypeValues() {
		if modelType == ModelNone {
			continue
		}
		key := modelType.String()
		filePath, _ := parameters.PopParamOr(params, key, notSpecified)
		if filePath == notSpecified {
			continue
		}

		var model Model
		var err error
		switch modelType {
		case ModelTrajectory:
			var upd config.Update
			upd, err = configUpdateFromParams(params, TrajectoryDefaults())
			if err == nil {
				model, err = NewTrajectoryModel(upd)
			}
		case ModelObservation:
			var upd config.Update
			upd, err = configUpdateFromParams(params, ObservationDefaults())
			if err == nil {
				model, err = NewObservationModel(upd)
			}
		default:
			err = errors.Errorf("model type %s defined but not implemented", modelType)
		}
		if err != nil {
			return nil, err
		}
		return newClassifier(modelType, filePath, model, params)
	}
	return nil, nil
}

// configUpdateFromParams pops the defaults' keys present in params and parses them
// into a configuration update, typed after each default value.
func configUpdateFromParams(params parameters.Params, defaults config.Config) (config.Update, error) {
	upd := config.Update{}
	for _, key := range generics.SortedKeys(defaults) {
		if _, found := params[key]; !found {
			continue
		}
		var value any
		var err error
		switch def := defaults[key].(type) {
		case string:
			value, err = parameters.PopParamOr(params, key, def)
		case bool:
			value, err = parameters.PopParamOr(params, key, def)
		case int:
			value, err = parameters.PopParamOr(params, key, def)
		case float64:
			value, err = parameters.PopParamOr(params, key, def)
		case []int:
			var raw string
			raw, err = parameters.PopParamOr(params, key, "")
			if err == nil {
				value, err = parseDims(raw)
			}
		default:
			err = errors.Errorf("configuration key %q cannot be set from parameters", key)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "parsing configuration key %q", key)
		}
		upd[key] = value
	}
	return upd, nil
}

// parseDims parses dimension tuples formatted like "7x7".
func parseDims(raw string) ([]int, error) {
	parts := strings.Split(raw, "x")
	dims := make([]int, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid dimensions %q, want e.g. \"7x7\"", raw)
		}
		dims = append(dims, v)
	}
	return dims, nil
}

// extractParams and write them as context hyperparameters.
func extractParams(modelName string, params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil {
			// If error happened skip the rest.
			return
		}
		if scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (int) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case float64:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float64) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case float32:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float32) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case bool:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (bool) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("model %s parameter %q is of unknown type %T", modelName, key, defaultValue)
		}
	})
	return err
}

// captureParameters snapshots which variables are gradient-trained, keyed by
// scope/name. It is taken before the first grad-mode flip so that optimizer slots and
// normalization statistics, which are never trainable, stay untouched.
func captureParameters(ctx *context.Context) map[string]bool {
	trainable := make(map[string]bool)
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			trainable[v.Scope()+"/"+v.Name()] = true
		}
	})
	return trainable
}

// applyGradMode flips Trainable on the captured parameters. Mode "gfootball_finetune"
// trains only the variables under finetunePrefix.
func applyGradMode(ctx *context.Context, trainable map[string]bool, mode, finetunePrefix string) error {
	switch mode {
	case "all", "none", "gfootball_finetune":
	default:
		return errors.Errorf("unknown set_grad mode %q, want \"all\", \"none\" or \"gfootball_finetune\"", mode)
	}
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !trainable[v.Scope()+"/"+v.Name()] {
			return
		}
		switch mode {
		case "all":
			v.Trainable = true
		case "none":
			v.Trainable = false
		case "gfootball_finetune":
			v.Trainable = scopeHasPrefix(v.Scope(), finetunePrefix)
		}
	})
	return nil
}

func scopeHasPrefix(scope, prefix string) bool {
	return scope == prefix || strings.HasPrefix(scope, prefix+"/")
}

// deleteScope removes every variable under the scope prefix, so the next graph build
// re-initializes them.
func deleteScope(ctx *context.Context, prefix string) {
	type scopedName struct{ scope, name string }
	var doomed []scopedName
	ctx.EnumerateVariables(func(v *context.Variable) {
		if scopeHasPrefix(v.Scope(), prefix) {
			doomed = append(doomed, scopedName{v.Scope(), v.Name()})
		}
	})
	for _, v := range doomed {
		ctx.DeleteVariable(v.scope, v.name)
	}
}

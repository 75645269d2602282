// Package config implements the nested key/value configuration carried by every model
// variant: a map of hyperparameters with per-variant defaults, overridable through a
// generic update mechanism.
//
// Each model publishes its defaults as a Config. Callers describe overrides with an
// Update, and Complete merges the two: nested sections merge recursively, plain values
// are replaced, and any default key left untouched survives. Values are plain Go
// values (int, float64, bool, string, []int or a nested Config).
//
// Typed accessors fail immediately and fatally on a missing key or a type mismatch:
// configuration mistakes are programming errors, there is nothing to recover.
package config

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Config is a nested key/value configuration, usually created by cloning a model's
// defaults and applying an Update on top.
type Config map[string]any

// Update holds intentional configuration overrides, keyed like the Config it is
// applied to. Nested overrides are expressed with nested Updates.
type Update map[string]any

// Complete clones the given defaults and applies the update on top. Keys absent from
// the update keep their default value.
func Complete(defaults Config, upd Update) (Config, error) {
	cfg := defaults.Clone()
	if err := cfg.Apply(upd); err != nil {
		return nil, err
	}
	cfg.FillMissing(defaults)
	return cfg, nil
}

// Apply merges the update into the config: if both sides hold a nested section the
// merge recurses, otherwise the updated value replaces (or extends) the config entry.
//
// It fails when the update nests a section under a key that holds a plain value.
func (c Config) Apply(upd Update) error {
	for key, value := range upd {
		switch nested := value.(type) {
		case Update:
			section, ok := c[key].(Config)
			if !ok {
				if _, exists := c[key]; exists {
					return errors.Errorf("config key %q holds a plain value, cannot apply a nested update to it", key)
				}
				section = make(Config)
				c[key] = section
			}
			if err := section.Apply(nested); err != nil {
				return errors.WithMessagef(err, "in config section %q", key)
			}
		default:
			c[key] = cloneValue(value)
		}
	}
	return nil
}

// FillMissing adds (deep copies of) any defaults key absent from the config. Present
// keys are left alone.
func (c Config) FillMissing(defaults Config) {
	for key, value := range defaults {
		if _, exists := c[key]; !exists {
			c[key] = cloneValue(value)
		}
	}
}

// Clone returns a deep copy: nested sections and slices are copied, so updates to the
// clone never leak back into the defaults it came from.
func (c Config) Clone() Config {
	clone := make(Config, len(c))
	for key, value := range c {
		clone[key] = cloneValue(value)
	}
	return clone
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case Config:
		return v.Clone()
	case Update:
		cfg := make(Config, len(v))
		for key, value := range v {
			cfg[key] = cloneValue(value)
		}
		return cfg
	case []int:
		cp := make([]int, len(v))
		copy(cp, v)
		return cp
	case []float64:
		cp := make([]float64, len(v))
		copy(cp, v)
		return cp
	default:
		return value
	}
}

// Has reports whether the key is set.
func (c Config) Has(key string) bool {
	_, exists := c[key]
	return exists
}

// Int returns the key as an int. It panics if the key is missing or holds another type.
func (c Config) Int(key string) int {
	value, exists := c[key]
	if !exists {
		exceptions.Panicf("config: missing key %q", key)
	}
	i, ok := value.(int)
	if !ok {
		exceptions.Panicf("config: key %q holds %T (%v), expected int", key, value, value)
	}
	return i
}

// Float64 returns the key as a float64. Int values are accepted and converted, so
// defaults like `"noise": 0` read back fine.
func (c Config) Float64(key string) float64 {
	value, exists := c[key]
	if !exists {
		exceptions.Panicf("config: missing key %q", key)
	}
	switch v := value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	exceptions.Panicf("config: key %q holds %T (%v), expected float64", key, value, value)
	return 0
}

// Bool returns the key as a bool. It panics if the key is missing or holds another type.
func (c Config) Bool(key string) bool {
	value, exists := c[key]
	if !exists {
		exceptions.Panicf("config: missing key %q", key)
	}
	b, ok := value.(bool)
	if !ok {
		exceptions.Panicf("config: key %q holds %T (%v), expected bool", key, value, value)
	}
	return b
}

// Str returns the key as a string. It panics if the key is missing or holds another type.
func (c Config) Str(key string) string {
	value, exists := c[key]
	if !exists {
		exceptions.Panicf("config: missing key %q", key)
	}
	s, ok := value.(string)
	if !ok {
		exceptions.Panicf("config: key %q holds %T (%v), expected string", key, value, value)
	}
	return s
}

// Ints returns the key as an []int (a copy). It panics if the key is missing or holds
// another type.
func (c Config) Ints(key string) []int {
	value, exists := c[key]
	if !exists {
		exceptions.Panicf("config: missing key %q", key)
	}
	s, ok := value.([]int)
	if !ok {
		exceptions.Panicf("config: key %q holds %T (%v), expected []int", key, value, value)
	}
	cp := make([]int, len(s))
	copy(cp, s)
	return cp
}

// IntPair returns the key as a pair of ints, e.g. a (temporal, spatial) kernel size.
// It panics if the key is missing, holds another type or the slice is not length 2.
func (c Config) IntPair(key string) (int, int) {
	s := c.Ints(key)
	if len(s) != 2 {
		exceptions.Panicf("config: key %q holds %d ints, expected exactly 2", key, len(s))
	}
	return s[0], s[1]
}

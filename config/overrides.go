package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ApplyOverrides applies KEY VALUE pairs, e.g.
// ["SOLVER.BASE_LR", "0.02", "DATASETS.TRAIN", "[a, b]"]. Values are parsed
// as YAML scalars or flow sequences and coerced to the type of the key's
// default. Unknown keys are an error.
func ApplyOverrides(v *viper.Viper, opts []string) error {
	if len(opts)%2 != 0 {
		return fmt.Errorf("overrides must be KEY VALUE pairs, got %d items", len(opts))
	}
	for i := 0; i < len(opts); i += 2 {
		key := strings.ToLower(opts[i])
		current := v.Get(key)
		if current == nil && !v.IsSet(key) {
			return fmt.Errorf("unknown config key %q", opts[i])
		}
		value, err := coerce(current, opts[i+1])
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", opts[i], err)
		}
		v.Set(key, value)
	}
	return nil
}

// coerce parses raw into the type of current
func coerce(current any, raw string) (any, error) {
	var parsed any
	if err := yaml.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, err
	}
	if parsed == nil {
		parsed = raw
	}

	switch current.(type) {
	case bool:
		return cast.ToBoolE(parsed)
	case int, int64:
		return cast.ToInt64E(parsed)
	case float64:
		return cast.ToFloat64E(parsed)
	case string:
		return cast.ToStringE(parsed)
	case []string:
		return cast.ToStringSliceE(listOf(parsed))
	case []int:
		return cast.ToIntSliceE(listOf(parsed))
	case []float64:
		items := listOf(parsed)
		out := make([]float64, len(items))
		for i, item := range items {
			f, err := cast.ToFloat64E(item)
			if err != nil {
				return nil, err
			}
			out[i] = f
		}
		return out, nil
	default:
		return parsed, nil
	}
}

// listOf wraps a scalar in a one-element list
func listOf(v any) []any {
	if items, ok := v.([]any); ok {
		return items
	}
	return []any{v}
}

// Package params resolves the effective invocation parameters of a workflow step.
package params

import "github.com/rendis/stepwise/pkg/schema"

// Parameters are the effective model parameters for one tool invocation.
type Parameters struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Overrides are per-call values supplied by the caller. Zero values and nil mean "not set".
type Overrides struct {
	Model       string
	Temperature *float64
	MaxTokens   int
}

// Defaults are the system-level fallbacks.
type Defaults struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// DefaultSystem returns the built-in system defaults.
func DefaultSystem() Defaults {
	return Defaults{Model: "default", Temperature: 0.7, MaxTokens: 4096}
}

// Resolve applies precedence override > step > workflow settings > system default
// to each parameter independently. Out-of-range values fall through to the next level.
func Resolve(step *schema.WorkflowStep, settings schema.Settings, ov Overrides, def Defaults) Parameters {
	var stepModel string
	var stepTemp *float64
	var stepMax int
	if step != nil {
		stepModel, stepTemp, stepMax = step.Model, step.Temperature, step.MaxTokens
	}

	return Parameters{
		Model:       firstString(ov.Model, stepModel, settings.DefaultModel, def.Model),
		Temperature: firstTemperature(def.Temperature, ov.Temperature, stepTemp, settings.DefaultTemperature),
		MaxTokens:   firstPositive(ov.MaxTokens, stepMax, settings.DefaultMaxTokens, def.MaxTokens),
	}
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstTemperature(fallback float64, vals ...*float64) float64 {
	for _, v := range vals {
		if v != nil && *v >= 0 && *v <= 2 {
			return *v
		}
	}
	return fallback
}

package params

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/stepwise/pkg/schema"
)

func ptr(f float64) *float64 { return &f }

func TestResolve_Precedence(t *testing.T) {
	settings := schema.Settings{DefaultModel: "wf-model", DefaultTemperature: ptr(0.3), DefaultMaxTokens: 1000}
	step := &schema.WorkflowStep{Model: "step-model", Temperature: ptr(0.5), MaxTokens: 2000}
	def := DefaultSystem()

	tests := []struct {
		name string
		step *schema.WorkflowStep
		set  schema.Settings
		ov   Overrides
		want Parameters
	}{
		{"override wins", step, settings, Overrides{Model: "ov", Temperature: ptr(0.9), MaxTokens: 10},
			Parameters{Model: "ov", Temperature: 0.9, MaxTokens: 10}},
		{"step over workflow", step, settings, Overrides{},
			Parameters{Model: "step-model", Temperature: 0.5, MaxTokens: 2000}},
		{"workflow over system", &schema.WorkflowStep{}, settings, Overrides{},
			Parameters{Model: "wf-model", Temperature: 0.3, MaxTokens: 1000}},
		{"system fallback", &schema.WorkflowStep{}, schema.Settings{}, Overrides{},
			Parameters{Model: "default", Temperature: 0.7, MaxTokens: 4096}},
		{"nil step", nil, schema.Settings{}, Overrides{MaxTokens: 5},
			Parameters{Model: "default", Temperature: 0.7, MaxTokens: 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.step, tt.set, tt.ov, def))
		})
	}
}

func TestResolve_IndependentPerParameter(t *testing.T) {
	step := &schema.WorkflowStep{Model: "step-model"}
	settings := schema.Settings{DefaultMaxTokens: 1234}

	got := Resolve(step, settings, Overrides{Temperature: ptr(0)}, DefaultSystem())
	assert.Equal(t, Parameters{Model: "step-model", Temperature: 0, MaxTokens: 1234}, got)
}

func TestResolve_InvalidValuesFallThrough(t *testing.T) {
	step := &schema.WorkflowStep{Temperature: ptr(5), MaxTokens: -1}
	settings := schema.Settings{DefaultTemperature: ptr(-1), DefaultMaxTokens: 0}

	got := Resolve(step, settings, Overrides{}, DefaultSystem())
	assert.Equal(t, 0.7, got.Temperature)
	assert.Equal(t, 4096, got.MaxTokens)
}

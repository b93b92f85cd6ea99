package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestStepInput_DecodeJSON(t *testing.T) {
	var step WorkflowStep
	require.NoError(t, json.Unmarshal([]byte(`{"name":"a","tool":"echo","input":"hello ${topic}"}`), &step))
	assert.Equal(t, InputText, step.Input.Kind())
	assert.Equal(t, "hello ${topic}", step.Input.Text())

	require.NoError(t, json.Unmarshal([]byte(`{"name":"b","tool":"echo","input":{"prompt":"x","n":2}}`), &step))
	assert.Equal(t, InputStructured, step.Input.Kind())
	assert.Equal(t, "x", step.Input.Fields()["prompt"])
	assert.Equal(t, float64(2), step.Input.Fields()["n"])

	var bare WorkflowStep
	require.NoError(t, json.Unmarshal([]byte(`{"name":"c","tool":"echo"}`), &bare))
	assert.True(t, bare.Input.IsZero())
}

func TestStepInput_RejectsOtherShapes(t *testing.T) {
	var in StepInput
	err := json.Unmarshal([]byte(`[1,2]`), &in)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestStepInput_DecodeYAML(t *testing.T) {
	src := `
name: review
steps:
  - name: draft
    tool: echo
    input: "Write about ${topic}"
  - name: critique
    tool: echo
    input:
      prompt: "Critique ${draft}"
      criteria: [clarity, accuracy]
`
	var def WorkflowDefinition
	require.NoError(t, yaml.Unmarshal([]byte(src), &def))
	require.Len(t, def.Steps, 2)
	assert.Equal(t, InputText, def.Steps[0].Input.Kind())
	assert.Equal(t, InputStructured, def.Steps[1].Input.Kind())
	assert.Equal(t, []any{"clarity", "accuracy"}, def.Steps[1].Input.Fields()["criteria"])

	step, idx := def.StepByName("critique")
	require.NotNil(t, step)
	assert.Equal(t, 1, idx)
}

func TestStepInput_RoundTripJSON(t *testing.T) {
	b, err := json.Marshal(StructuredInput(map[string]any{"k": "v"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, string(b))

	b, err = json.Marshal(TextInput("hi"))
	require.NoError(t, err)
	assert.Equal(t, `"hi"`, string(b))
	assert.Equal(t, `{"k":"v"}`, StructuredInput(map[string]any{"k": "v"}).String())
}

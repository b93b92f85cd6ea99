package schema

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// InputKind tags the variant held by a StepInput.
type InputKind int

const (
	InputEmpty InputKind = iota
	InputText
	InputStructured
)

func (k InputKind) String() string {
	switch k {
	case InputText:
		return "text"
	case InputStructured:
		return "structured"
	default:
		return "empty"
	}
}

// StepInput is the closed set of step input shapes: free text or a structured map.
// The zero value is the empty input.
type StepInput struct {
	kind   InputKind
	text   string
	fields map[string]any
}

// TextInput returns a text-variant input.
func TextInput(s string) StepInput {
	return StepInput{kind: InputText, text: s}
}

// StructuredInput returns a structured-variant input. A nil map yields an empty structured input.
func StructuredInput(fields map[string]any) StepInput {
	if fields == nil {
		fields = map[string]any{}
	}
	return StepInput{kind: InputStructured, fields: fields}
}

func (in StepInput) Kind() InputKind { return in.kind }

// Text returns the text variant's content, "" for other kinds.
func (in StepInput) Text() string { return in.text }

// Fields returns the structured variant's map, nil for other kinds.
func (in StepInput) Fields() map[string]any { return in.fields }

func (in StepInput) IsZero() bool { return in.kind == InputEmpty }

// String renders the input for tools that only accept free text.
func (in StepInput) String() string {
	switch in.kind {
	case InputText:
		return in.text
	case InputStructured:
		b, err := json.Marshal(in.fields)
		if err != nil {
			return fmt.Sprintf("%v", in.fields)
		}
		return string(b)
	default:
		return ""
	}
}

func (in StepInput) MarshalJSON() ([]byte, error) {
	switch in.kind {
	case InputText:
		return json.Marshal(in.text)
	case InputStructured:
		return json.Marshal(in.fields)
	default:
		return []byte("null"), nil
	}
}

func (in *StepInput) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return in.assign(raw)
}

func (in StepInput) MarshalYAML() (any, error) {
	switch in.kind {
	case InputText:
		return in.text, nil
	case InputStructured:
		return in.fields, nil
	default:
		return nil, nil
	}
}

func (in *StepInput) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return in.assign(raw)
}

func (in *StepInput) assign(raw any) error {
	switch v := raw.(type) {
	case nil:
		*in = StepInput{}
	case string:
		*in = TextInput(v)
	case map[string]any:
		*in = StructuredInput(v)
	default:
		return NewErrorf(ErrCodeValidation, "step input must be a string or a mapping, got %T", raw)
	}
	return nil
}

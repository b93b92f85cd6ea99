package expressions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/stepwise/pkg/schema"
)

// refPattern matches a single ${name} or ${a.b.c} reference.
var refPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_\-]*(?:\.[A-Za-z0-9_\-]+)*)\}`)

// Interpolator resolves ${...} references in step inputs against a Bindings namespace.
//
// A template that is exactly one reference resolves to the bound value with its
// original type. Otherwise every resolved reference is stringified in place.
// Unresolved references are left verbatim.
type Interpolator struct {
	logger *slog.Logger
}

// NewInterpolator creates an Interpolator. A nil logger discards unresolved-reference diagnostics.
func NewInterpolator(logger *slog.Logger) *Interpolator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Interpolator{logger: logger}
}

// Interpolate resolves references in a single string template.
func (interp *Interpolator) Interpolate(template string, b Bindings) (any, error) {
	if !strings.Contains(template, "${") {
		return template, nil
	}

	if m := refPattern.FindStringSubmatchIndex(template); m != nil && m[0] == 0 && m[1] == len(template) {
		path := template[m[2]:m[3]]
		val, ok := b.Lookup(path)
		if !ok {
			interp.logger.Debug("unresolved reference left verbatim", slog.String("ref", path))
			return template, nil
		}
		return resolveHandle(val)
	}

	var firstErr error
	out := refPattern.ReplaceAllStringFunc(template, func(token string) string {
		if firstErr != nil {
			return token
		}
		path := token[2 : len(token)-1]
		val, ok := b.Lookup(path)
		if !ok {
			interp.logger.Debug("unresolved reference left verbatim", slog.String("ref", path))
			return token
		}
		resolved, err := resolveHandle(val)
		if err != nil {
			firstErr = err
			return token
		}
		return marshalInline(resolved)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// InterpolateString is Interpolate with the result always stringified.
func (interp *Interpolator) InterpolateString(template string, b Bindings) (string, error) {
	v, err := interp.Interpolate(template, b)
	if err != nil {
		return "", err
	}
	return marshalInline(v), nil
}

// InterpolateInput resolves a step input, preserving its variant.
func (interp *Interpolator) InterpolateInput(in schema.StepInput, b Bindings) (schema.StepInput, error) {
	switch in.Kind() {
	case schema.InputText:
		s, err := interp.InterpolateString(in.Text(), b)
		if err != nil {
			return schema.StepInput{}, err
		}
		return schema.TextInput(s), nil
	case schema.InputStructured:
		v, err := interp.Deep(in.Fields(), b)
		if err != nil {
			return schema.StepInput{}, err
		}
		fields, _ := v.(map[string]any)
		return schema.StructuredInput(fields), nil
	default:
		return in, nil
	}
}

// References lists the distinct reference paths appearing in a template, in order.
func References(template string) []string {
	var refs []string
	seen := make(map[string]bool)
	for _, m := range refPattern.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			refs = append(refs, m[1])
		}
	}
	return refs
}

// resolveHandle loads the full text behind a TextHandle; other values pass through.
func resolveHandle(val any) (any, error) {
	h, ok := val.(TextHandle)
	if !ok {
		return val, nil
	}
	text, err := h.Text()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "load bound output: %s", err.Error()).WithCause(err)
	}
	return text, nil
}

// marshalInline converts a resolved value into its in-place string form.
// Maps and slices are JSON-encoded.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case fmt.Stringer:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

package expressions

import (
	"reflect"
	"unsafe"

	"github.com/rendis/stepwise/pkg/schema"
)

// nodeKind is the closed classification the deep interpolator dispatches on.
type nodeKind int

const (
	kindOpaque nodeKind = iota
	kindString
	kindArray
	kindMap
)

func classify(v any) nodeKind {
	switch v.(type) {
	case string:
		return kindString
	case []any, []string:
		return kindArray
	case map[string]any, map[string]string:
		return kindMap
	default:
		return kindOpaque
	}
}

// containerID identifies a map, or a slice by backing array and length so
// that a shorter view of an open slice is not mistaken for the slice itself.
type containerID struct {
	kind nodeKind
	ptr  unsafe.Pointer
	len  int
}

func identity(v any) (containerID, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		return containerID{kind: kindMap, ptr: rv.UnsafePointer()}, true
	case reflect.Slice:
		if rv.Len() == 0 {
			return containerID{}, false
		}
		return containerID{kind: kindArray, ptr: rv.UnsafePointer(), len: rv.Len()}, true
	default:
		return containerID{}, false
	}
}

// Deep resolves references in every string leaf of a nested value.
// Arrays and plain maps are rebuilt (inputs are never mutated), other values pass through.
// Re-entering a container that is already open on the current path fails with
// CIRCULAR_INTERPOLATION; shared non-cyclic children are allowed.
func (interp *Interpolator) Deep(v any, b Bindings) (any, error) {
	return interp.deep(v, b, make(map[containerID]struct{}))
}

func (interp *Interpolator) deep(v any, b Bindings, open map[containerID]struct{}) (any, error) {
	kind := classify(v)
	if kind == kindOpaque {
		return v, nil
	}
	if kind == kindString {
		return interp.Interpolate(v.(string), b)
	}

	id, tracked := identity(v)
	if tracked {
		if _, seen := open[id]; seen {
			return nil, schema.NewError(schema.ErrCodeCircularInput,
				"circular reference detected in step input")
		}
		open[id] = struct{}{}
		defer delete(open, id)
	}

	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := interp.deep(item, b, open)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := interp.Interpolate(item, b)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := interp.deep(item, b, open)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := interp.Interpolate(item, b)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	}
	return v, nil
}

package evaltrack

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sourcegraph/conc/panics"
)

// Renderer turns the inputs and outcome of an instrumented call into values
// that can be stored in a trace. Each method may return any value that encodes
// to JSON. Errors and panics from a renderer never reach the caller of the
// instrumented function; the affected value is replaced with a placeholder
// string instead.
type Renderer interface {
	// RenderArgs renders the call's arguments, in order.
	RenderArgs(args []any) (any, error)

	// RenderData renders the value returned by a successful call.
	RenderData(v any) (any, error)

	// RenderError renders the error returned by a failed call.
	RenderError(err error) (any, error)
}

// DebugRenderer renders everything as human-readable strings. Arguments become
// a parenthesized tuple like `(42, "test")`, values are formatted with %+v, and
// errors are rendered by their Error method. It's the default renderer.
type DebugRenderer struct{}

var _ Renderer = DebugRenderer{}

// RenderArgs implements Renderer.
func (DebugRenderer) RenderArgs(args []any) (any, error) {
	return debugTuple(args), nil
}

// RenderData implements Renderer.
func (DebugRenderer) RenderData(v any) (any, error) {
	return fmt.Sprintf("%+v", v), nil
}

// RenderError implements Renderer.
func (DebugRenderer) RenderError(err error) (any, error) {
	return err.Error(), nil
}

// JSONRenderer renders arguments and values as structured JSON, so a trace of
// a call returning a struct carries that struct's fields rather than a string.
// Values that can't be JSON encoded fall back to their debug rendering.
type JSONRenderer struct{}

var _ Renderer = JSONRenderer{}

// RenderArgs implements Renderer, producing a JSON array.
func (JSONRenderer) RenderArgs(args []any) (any, error) {
	out := make([]any, len(args))
	for i, arg := range args {
		out[i] = jsonOrDebug(arg, debugArg)
	}
	return out, nil
}

// RenderData implements Renderer.
func (JSONRenderer) RenderData(v any) (any, error) {
	return jsonOrDebug(v, func(v any) string { return fmt.Sprintf("%+v", v) }), nil
}

// RenderError implements Renderer.
func (JSONRenderer) RenderError(err error) (any, error) {
	return err.Error(), nil
}

//
//
//

// renderSafely calls fn and returns its result as JSON. It never fails: if fn
// returns an error, panics, or produces something that doesn't encode, the
// result is a placeholder string describing the problem.
func renderSafely(fn func() (any, error)) json.RawMessage {
	var (
		pc  panics.Catcher
		out json.RawMessage
	)

	pc.Try(func() {
		v, err := fn()
		if err != nil {
			out = placeholder(err)
			return
		}
		data, err := json.Marshal(v)
		if err != nil {
			out = placeholder(err)
			return
		}
		out = data
	})

	if rec := pc.Recovered(); rec != nil {
		out = placeholder(fmt.Errorf("panic: %v", rec.Value))
	}

	return out
}

func placeholder(err error) json.RawMessage {
	data, _ := json.Marshal("<unrenderable: " + err.Error() + ">") // strings always encode
	return data
}

func jsonOrDebug(v any, debug func(any) string) any {
	data, err := json.Marshal(v)
	if err != nil {
		return debug(v)
	}
	return json.RawMessage(data)
}

func debugTuple(args []any) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, arg := range args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(debugArg(arg))
	}
	sb.WriteByte(')')
	return sb.String()
}

func debugArg(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case error:
		return strconv.Quote(x.Error())
	default:
		return fmt.Sprintf("%+v", v)
	}
}

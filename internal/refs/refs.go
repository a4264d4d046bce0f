// Package refs implements the @ref data-flow expression language used to
// wire step outputs into subsequent step inputs and trigger inputs.
//
// A ref is any string beginning with '@'. After the '@':
//
//	item[.<path>]          current forEach item
//	index                  current forEach index
//	input.<path>           workflow input
//	output.<path>          final workflow output (trigger inputs only)
//	<step>[.output].<path> a prior step's output; the literal "output"
//	                       segment is optional and stripped when present
//
// Resolution is pure: it walks an in-memory Context and reports per-ref
// errors as values instead of failing the whole document.
package refs

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Context is the per-execution resolution scope.
type Context struct {
	// Input is the workflow input, addressed as @input.<path>.
	Input map[string]any

	// Steps maps completed step names to their outputs.
	Steps map[string]any

	// Output is the final workflow output; HasOutput gates @output so it
	// only resolves when trigger inputs are being evaluated.
	Output    any
	HasOutput bool

	// Loop is non-nil inside forEach fan-out.
	Loop *LoopScope
}

// LoopScope binds @item and @index for one forEach iteration.
type LoopScope struct {
	Item  any
	Index int
}

// Error is a per-ref resolution failure. An empty error list from
// ResolveAll means the value resolved fully.
type Error struct {
	Ref     string
	Message string
}

func (e Error) Error() string { return e.Message }

// pattern matches one @ref occurrence inside a string: an identifier head
// followed by dotted path segments (identifiers or numeric indexes).
var pattern = regexp.MustCompile(`@[A-Za-z_][A-Za-z0-9_-]*(?:\.[A-Za-z0-9_-]+)*`)

// IsRef reports whether s is exactly one ref expression.
func IsRef(s string) bool {
	return strings.HasPrefix(s, "@") && pattern.FindString(s) == s
}

// Extract returns every ref expression occurring in string leaves of v, in
// encounter order, without duplicates.
func Extract(v any) []string {
	var out []string
	seen := map[string]bool{}
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			for _, m := range pattern.FindAllString(t, -1) {
				if !seen[m] {
					seen[m] = true
					out = append(out, m)
				}
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		case map[string]any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(v)
	return out
}

// StepDeps returns the step names referenced by refs in v, restricted to
// the given step set. Heads outside the set are not dependencies: they
// resolve to workflow input, loop context, or trigger output instead.
func StepDeps(v any, steps map[string]bool) map[string]bool {
	deps := map[string]bool{}
	for _, ref := range Extract(v) {
		head := strings.TrimPrefix(ref, "@")
		if i := strings.IndexByte(head, '.'); i >= 0 {
			head = head[:i]
		}
		switch head {
		case "item", "index", "input", "output":
			continue
		}
		if steps[head] {
			deps[head] = true
		}
	}
	return deps
}

// Resolve evaluates a single ref expression (with leading '@') against ctx.
func Resolve(ref string, ctx *Context) (any, error) {
	expr := strings.TrimPrefix(ref, "@")
	segs := strings.Split(expr, ".")
	head, rest := segs[0], segs[1:]

	switch head {
	case "item":
		if ctx.Loop == nil {
			return nil, Error{Ref: ref, Message: "@item used outside of forEach loop"}
		}
		return traverse(ctx.Loop.Item, rest, ref)
	case "index":
		if ctx.Loop == nil {
			return nil, Error{Ref: ref, Message: "@index used outside of forEach loop"}
		}
		return traverse(ctx.Loop.Index, rest, ref)
	case "input":
		return traverse(ctx.Input, rest, ref)
	case "output":
		if !ctx.HasOutput {
			return nil, Error{Ref: ref, Message: "@output is only available in trigger inputs"}
		}
		return traverse(ctx.Output, rest, ref)
	default:
		out, ok := ctx.Steps[head]
		if !ok {
			return nil, Error{Ref: ref, Message: "Step not found or not completed: " + head}
		}
		// @step.output.x and @step.x are the same path.
		if len(rest) > 0 && rest[0] == "output" {
			rest = rest[1:]
		}
		return traverse(out, rest, ref)
	}
}

// traverse walks dotted segments through objects and numeric-indexed
// arrays. Walking through null or into a primitive is a per-ref error,
// never a panic.
func traverse(root any, segs []string, ref string) (any, error) {
	cur := root
	for _, seg := range segs {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, Error{Ref: ref, Message: fmt.Sprintf("key %q not found in %s", seg, ref)}
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, Error{Ref: ref, Message: fmt.Sprintf("invalid array index %q in %s", seg, ref)}
			}
			cur = v[idx]
		case nil:
			return nil, Error{Ref: ref, Message: fmt.Sprintf("cannot traverse into null at %q in %s", seg, ref)}
		default:
			return nil, Error{Ref: ref, Message: fmt.Sprintf("cannot traverse into %T at %q in %s", cur, seg, ref)}
		}
	}
	return cur, nil
}

// ResolveAll recursively resolves refs in v: a string that is exactly one
// ref is replaced by the ref's raw value of any type; a string containing
// ref occurrences is interpolated with each value stringified; arrays and
// objects are resolved element- and property-wise. The returned error list
// is empty iff v resolved fully; failed refs keep their literal text.
func ResolveAll(v any, ctx *Context) (any, []Error) {
	var errs []Error

	var walk func(any) any
	walk = func(v any) any {
		switch t := v.(type) {
		case string:
			if IsRef(t) {
				val, err := Resolve(t, ctx)
				if err != nil {
					errs = append(errs, asRefError(t, err))
					return t
				}
				return val
			}
			if !strings.Contains(t, "@") {
				return t
			}
			return pattern.ReplaceAllStringFunc(t, func(m string) string {
				val, err := Resolve(m, ctx)
				if err != nil {
					errs = append(errs, asRefError(m, err))
					return m
				}
				return stringify(val)
			})
		case []any:
			out := make([]any, len(t))
			for i, e := range t {
				out[i] = walk(e)
			}
			return out
		case map[string]any:
			out := make(map[string]any, len(t))
			for k, e := range t {
				out[k] = walk(e)
			}
			return out
		default:
			return v
		}
	}

	return walk(v), errs
}

// CanResolveAll reports whether every ref in v resolves against ctx. Used
// by trigger fan-out to decide skip-vs-fire.
func CanResolveAll(v any, ctx *Context) bool {
	_, errs := ResolveAll(v, ctx)
	return len(errs) == 0
}

func asRefError(ref string, err error) Error {
	if re, ok := err.(Error); ok {
		return re
	}
	return Error{Ref: ref, Message: err.Error()}
}

// stringify renders an interpolated value inside a larger string.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// Package jsonwalk implements a schema-agnostic recursive visitor over
// decoded JSON values. Id/ServerId substitution is expressed as a
// directive-returning callback so both request and response rewriting, and
// read-only hint extraction, share one traversal.
package jsonwalk

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// maxDepth guards against pathological input. JSON cannot be cyclic, but an
// attacker-controlled body could still nest thousands of levels deep.
const maxDepth = 64

// Directive is the callback's verdict for a single field.
type Directive int

const (
	// Keep leaves the value unchanged.
	Keep Directive = iota
	// Replace substitutes NewValue for the current value.
	Replace
	// Rename changes the field's key to NewKey, keeping its value.
	Rename
	// Remove deletes the field from its parent object.
	Remove
)

// Visit is returned by a Visitor callback.
type Visit struct {
	Directive Directive
	NewValue  interface{}
	NewKey    string
	// Siblings are additional key/value pairs added to the parent object
	// alongside this field. Ignored for array elements.
	Siblings map[string]interface{}
}

// keep is the zero-value no-op verdict, returned by visitors that only
// want to inspect a field without mutating it (e.g. an Analyzer).
var keep = Visit{Directive: Keep}

// KeepVisit is a convenience constructor for an unchanged-value verdict.
func KeepVisit() Visit { return keep }

// ReplaceVisit substitutes v for the current value.
func ReplaceVisit(v interface{}) Visit {
	return Visit{Directive: Replace, NewValue: v}
}

// Context describes the field a Visitor callback is being invoked for.
type Context struct {
	// Path is the dotted/bracketed address of this field, e.g. "a.b[3].c".
	Path string
	// Key is the field name within Parent, or "" for array elements.
	Key string
	// ParentPath is Path without the trailing key/index segment.
	ParentPath string
	Depth      int
	IsArrayItem bool
	ArrayIndex  int
	// Parent is the enclosing map or slice, exposed so a callback can
	// inspect sibling fields (e.g. "only rewrite Id if Type == Movie").
	Parent interface{}
}

// Visitor is called once per scalar-or-container field encountered during
// traversal, before recursing into it. The returned Visit controls whether
// traversal continues into the (possibly replaced) value.
type Visitor func(ctx Context, value interface{}) Visit

// Error records a non-fatal problem encountered during a walk. Errors are
// aggregated rather than aborting the traversal, matching the "non-fatal by
// default" contract.
type Error struct {
	Path string
	Err  error
}

func (e Error) Error() string { return fmt.Sprintf("jsonwalk: %s: %v", e.Path, e.Err) }

// Result is returned by Process and Analyze.
type Result struct {
	Errors []Error
}

// Process mutates a decoded JSON value (the output of json.Unmarshal into
// an interface{}) in place by applying visit to every field, depth-first.
// Use for rewriting request/response bodies.
func Process(v interface{}, visit Visitor) Result {
	w := &walker{visit: visit, mode: modeProcessor}
	w.walk(v, Context{Path: "$", ParentPath: "", Depth: 0})
	return Result{Errors: w.errors}
}

// Analyze performs a read-only traversal, invoking visit for every field
// but discarding any mutation directive it returns — only Keep/inspect
// semantics matter. Use to extract hints (embedded UserId, MediaSourceId,
// provider IDs) into a caller-owned accumulator closed over by visit.
func Analyze(v interface{}, visit Visitor) Result {
	w := &walker{visit: visit, mode: modeAnalyzer}
	w.walk(v, Context{Path: "$", ParentPath: "", Depth: 0})
	return Result{Errors: w.errors}
}

// ProcessJSON is a convenience wrapper: unmarshal, Process, re-marshal.
func ProcessJSON(body []byte, visit Visitor) ([]byte, Result, error) {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, Result{}, fmt.Errorf("jsonwalk: unmarshal: %w", err)
	}
	res := Process(v, visit)
	out, err := json.Marshal(v)
	if err != nil {
		return nil, res, fmt.Errorf("jsonwalk: marshal: %w", err)
	}
	return out, res, nil
}

// AnalyzeJSON is the read-only counterpart of ProcessJSON.
func AnalyzeJSON(body []byte, visit Visitor) (Result, error) {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return Result{}, fmt.Errorf("jsonwalk: unmarshal: %w", err)
	}
	return Analyze(v, visit), nil
}

type mode int

const (
	modeProcessor mode = iota
	modeAnalyzer
)

type walker struct {
	visit  Visitor
	mode   mode
	errors []Error
}

func (w *walker) addError(path string, err error) {
	w.errors = append(w.errors, Error{Path: path, Err: err})
}

// walk recurses depth-first over objects and arrays. obj/arr mutation
// happens in place; the caller must have unmarshalled into interface{} so
// maps and slices are addressable through their headers.
func (w *walker) walk(v interface{}, ctx Context) {
	if ctx.Depth > maxDepth {
		w.addError(ctx.Path, fmt.Errorf("max depth %d exceeded", maxDepth))
		return
	}

	switch val := v.(type) {
	case map[string]interface{}:
		w.walkObject(val, ctx)
	case []interface{}:
		w.walkArray(val, ctx)
	}
}

func (w *walker) walkObject(obj map[string]interface{}, ctx Context) {
	// Collect keys first: the visitor may rename/remove entries, which
	// would otherwise disturb a live range over the map.
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}

	var removed []string
	renames := map[string]string{}
	siblingAdds := map[string]interface{}{}

	for _, k := range keys {
		child := obj[k]
		childCtx := Context{
			Path:        childPath(ctx.Path, k, false, 0),
			Key:         k,
			ParentPath:  ctx.Path,
			Depth:       ctx.Depth + 1,
			IsArrayItem: false,
			Parent:      obj,
		}

		verdict := w.visit(childCtx, child)

		if w.mode == modeProcessor {
			switch verdict.Directive {
			case Replace:
				obj[k] = verdict.NewValue
				child = verdict.NewValue
			case Rename:
				if verdict.NewKey != "" && verdict.NewKey != k {
					renames[k] = verdict.NewKey
				}
			case Remove:
				removed = append(removed, k)
			}
			for sk, sv := range verdict.Siblings {
				siblingAdds[sk] = sv
			}
		}

		// Recurse into the (possibly replaced) value unless it was removed.
		if verdict.Directive != Remove {
			w.walk(child, childCtx)
		}
	}

	if w.mode != modeProcessor {
		return
	}
	for _, k := range removed {
		delete(obj, k)
	}
	for from, to := range renames {
		if v, ok := obj[from]; ok {
			delete(obj, from)
			obj[to] = v
		}
	}
	for k, v := range siblingAdds {
		obj[k] = v
	}
}

func (w *walker) walkArray(arr []interface{}, ctx Context) {
	for i, elem := range arr {
		childCtx := Context{
			Path:        childPath(ctx.Path, "", true, i),
			Key:         "",
			ParentPath:  ctx.Path,
			Depth:       ctx.Depth + 1,
			IsArrayItem: true,
			ArrayIndex:  i,
			Parent:      arr,
		}

		verdict := w.visit(childCtx, elem)
		if w.mode == modeProcessor && verdict.Directive == Replace {
			arr[i] = verdict.NewValue
			elem = verdict.NewValue
		}
		w.walk(elem, childCtx)
	}
}

func childPath(parent, key string, isArray bool, index int) string {
	var b strings.Builder
	b.WriteString(parent)
	if isArray {
		b.WriteByte('[')
		b.WriteString(strconv.Itoa(index))
		b.WriteByte(']')
		return b.String()
	}
	if parent != "" && parent != "$" {
		b.WriteByte('.')
	} else if parent == "$" {
		b.WriteByte('.')
	}
	b.WriteString(key)
	return b.String()
}

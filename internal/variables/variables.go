// Package variables implements VariableStore: the translation from CDP
// RemoteObject/PropertyDescriptor payloads to the DAP variable tree,
// including the variables_reference handle table.
package variables

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/go-jsdap/jsdap/internal/cdp"
)

// arrayBucketThreshold is the indexed-property count above which
// Variables synthesizes interval sub-containers rather than returning
// every index in one response, per SPEC_FULL.md §4.9.
const arrayBucketThreshold = 100

// Variable is one DAP-presentable name/value pair. Reference is non-zero
// when Value names a compound object further expandable via another
// Variables call.
type Variable struct {
	Name      string
	Value     string
	Type      string
	Reference int
	objectID  string // backing CDP remote object id, for setVariable/paging
}

type handleKind int

const (
	// handleObject resolves to a CDP objectId whose own properties are
	// fetched directly.
	handleObject handleKind = iota
	// handleInterval resolves to a synthetic "[start...end)" slice of an
	// array handle's indexed properties.
	handleInterval
)

// handle is what a non-zero Reference resolves to.
type handle struct {
	kind     handleKind
	objectID string
	subtype  string // only meaningful for handleObject

	start, end int // interval bounds, handleInterval only
}

// Store is one paused Thread's VariableStore: a monotone-id table handed
// out per evaluate/variables call, reset on every resume (invariant 7:
// every non-zero reference emitted since the last resume is resolvable).
type Store struct {
	client    *cdp.Client
	sessionID string

	mu      sync.Mutex
	next    int
	handles map[int]handle
}

// New creates an empty Store.
func New(client *cdp.Client, sessionID string) *Store {
	return &Store{client: client, sessionID: sessionID, next: 1, handles: map[int]handle{}}
}

// Reset discards every handle, called when the thread resumes: any
// reference issued before the resume is no longer meaningful.
func (s *Store) Reset() {
	s.mu.Lock()
	s.next = 1
	s.handles = map[int]handle{}
	s.mu.Unlock()
}

// Reference allocates (or reuses, for the same objectId within this pause)
// a variables_reference for a compound remote object. Reusing by objectId
// keeps repeated `variables` calls against the same expansion idempotent
// rather than growing the table unboundedly across a single pause.
// subtype is the RemoteObject's `subtype` ("array", "map", ... or "" for
// a plain object); it decides whether Variables buckets the result.
func (s *Store) Reference(objectID, subtype string) int {
	if objectID == "" {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range s.handles {
		if h.kind == handleObject && h.objectID == objectID {
			return id
		}
	}
	id := s.next
	s.next++
	s.handles[id] = handle{kind: handleObject, objectID: objectID, subtype: subtype}
	return id
}

// intervalReference allocates (or reuses) a reference for the [start, end)
// slice of objectID's indexed properties.
func (s *Store) intervalReference(objectID string, start, end int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range s.handles {
		if h.kind == handleInterval && h.objectID == objectID && h.start == start && h.end == end {
			return id
		}
	}
	id := s.next
	s.next++
	s.handles[id] = handle{kind: handleInterval, objectID: objectID, start: start, end: end}
	return id
}

func (s *Store) lookup(ref int) (handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[ref]
	return h, ok
}

// FromRemoteObject converts a single CDP RemoteObject (as found at
// `result` in an evaluate response, or as a property's `value`) into a
// Variable, allocating a reference if the object is compound.
func (s *Store) FromRemoteObject(name string, obj gjson.Result) Variable {
	typ := obj.Get("type").String()
	v := Variable{Name: name, Type: typ}

	switch typ {
	case "object", "function":
		subtype := obj.Get("subtype").String()
		v.objectID = obj.Get("objectId").String()
		v.Reference = s.Reference(v.objectID, subtype)
		if desc := obj.Get("description"); desc.Exists() {
			v.Value = desc.String()
		} else if subtype == "null" {
			v.Value = "null"
		} else {
			v.Value = typ
		}
	case "undefined":
		v.Value = "undefined"
	case "string":
		v.Value = fmt.Sprintf("%q", obj.Get("value").String())
	default:
		v.Value = obj.Get("value").Raw
		if v.Value == "" {
			v.Value = obj.Get("description").String()
		}
	}
	return v
}

// propertyVariable converts one Runtime.getProperties PropertyDescriptor
// into a Variable, representing an accessor with no cached value by its
// getter rather than evaluating it eagerly.
func (s *Store) propertyVariable(name string, prop gjson.Result) Variable {
	value := prop.Get("value")
	if !value.Exists() {
		return Variable{Name: name, Type: "accessor", Value: "(...)"}
	}
	return s.FromRemoteObject(name, value)
}

// arrayIndex reports whether name is a dense-array index ("0", "1", ...).
func arrayIndex(name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	n, err := strconv.Atoi(name)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *Store) getProperties(ctx context.Context, objectID string) (gjson.Result, error) {
	raw, err := s.client.CallRaw(ctx, s.sessionID, "Runtime.getProperties", map[string]interface{}{
		"objectId":               objectID,
		"ownProperties":          true,
		"accessorPropertiesOnly": false,
		"generatePreview":        true,
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(raw), nil
}

// Variables fetches the contents behind ref. For an object handle this
// groups own properties into indexed, named, and internal buckets per
// DAP's `filter` convention and, for an array past arrayBucketThreshold
// indices, synthesizes "[start...end]" interval sub-containers instead of
// the raw index list; filter/start/count subset an array's indexed bucket
// the way a `variables` request paging through it expects. For an
// interval handle it re-fetches the backing object's properties and
// returns just the slice that handle names.
func (s *Store) Variables(ctx context.Context, ref int, filter string, start, count int) ([]Variable, error) {
	h, ok := s.lookup(ref)
	if !ok {
		return nil, fmt.Errorf("variables: unresolvable reference %d", ref)
	}
	if h.kind == handleInterval {
		return s.intervalVariables(ctx, h)
	}
	return s.objectVariables(ctx, h, filter, start, count)
}

func (s *Store) objectVariables(ctx context.Context, h handle, filter string, start, count int) ([]Variable, error) {
	parsed, err := s.getProperties(ctx, h.objectID)
	if err != nil {
		return nil, err
	}

	var named, indexed []Variable
	parsed.Get("result").ForEach(func(_, prop gjson.Result) bool {
		if !prop.Get("enumerable").Bool() {
			return true
		}
		name := prop.Get("name").String()
		v := s.propertyVariable(name, prop)
		if _, ok := arrayIndex(name); ok && h.subtype == "array" {
			indexed = append(indexed, v)
		} else {
			named = append(named, v)
		}
		return true
	})

	var internal []Variable
	parsed.Get("internalProperties").ForEach(func(_, prop gjson.Result) bool {
		value := prop.Get("value")
		if !value.Exists() {
			return true
		}
		internal = append(internal, s.FromRemoteObject(fmt.Sprintf("[[%s]]", prop.Get("name").String()), value))
		return true
	})

	if h.subtype == "array" {
		indexed = s.withBuckets(h.objectID, indexed)
	}
	if count > 0 && filter == "indexed" {
		indexed = pageSlice(indexed, start, count)
	}

	switch filter {
	case "named":
		return named, nil
	case "indexed":
		return indexed, nil
	}

	out := make([]Variable, 0, len(indexed)+len(named)+len(internal))
	out = append(out, indexed...)
	out = append(out, named...)
	out = append(out, internal...)
	return out, nil
}

// withBuckets replaces a flat indexed-property list with "[start...end]"
// interval sub-containers once it exceeds arrayBucketThreshold, growing
// the bucket size so the number of top-level buckets stays bounded for
// very large arrays rather than producing thousands of tiny ones.
func (s *Store) withBuckets(objectID string, indexed []Variable) []Variable {
	n := len(indexed)
	if n <= arrayBucketThreshold {
		return indexed
	}
	bucketSize := arrayBucketThreshold
	for n/bucketSize > arrayBucketThreshold {
		bucketSize *= arrayBucketThreshold
	}

	out := make([]Variable, 0, (n+bucketSize-1)/bucketSize)
	for lo := 0; lo < n; lo += bucketSize {
		hi := lo + bucketSize
		if hi > n {
			hi = n
		}
		out = append(out, Variable{
			Name:      fmt.Sprintf("[%d...%d]", lo, hi-1),
			Value:     fmt.Sprintf("Array(%d)", hi-lo),
			Type:      "array",
			Reference: s.intervalReference(objectID, lo, hi),
		})
	}
	return out
}

func (s *Store) intervalVariables(ctx context.Context, h handle) ([]Variable, error) {
	parsed, err := s.getProperties(ctx, h.objectID)
	if err != nil {
		return nil, err
	}
	var out []Variable
	parsed.Get("result").ForEach(func(_, prop gjson.Result) bool {
		if !prop.Get("enumerable").Bool() {
			return true
		}
		name := prop.Get("name").String()
		idx, ok := arrayIndex(name)
		if !ok || idx < h.start || idx >= h.end {
			return true
		}
		out = append(out, s.propertyVariable(name, prop))
		return true
	})
	return out, nil
}

func pageSlice(vars []Variable, start, count int) []Variable {
	if start < 0 {
		start = 0
	}
	if start >= len(vars) {
		return nil
	}
	end := start + count
	if end > len(vars) {
		end = len(vars)
	}
	return vars[start:end]
}

// SetVariable issues Runtime.callFunctionOn against the parent object to
// assign name = value (parsed as a JS expression), then re-reads the
// resulting property to return its new Variable representation --
// matching scenario S2's setVariable round-trip, including surfacing a
// parse-style error for an invalid expression.
func (s *Store) SetVariable(ctx context.Context, parentRef int, name, valueExpr string) (Variable, error) {
	h, ok := s.lookup(parentRef)
	if !ok {
		return Variable{}, fmt.Errorf("variables: unresolvable reference %d", parentRef)
	}

	raw, err := s.client.CallRaw(ctx, s.sessionID, "Runtime.callFunctionOn", map[string]interface{}{
		"objectId":            h.objectID,
		"functionDeclaration": fmt.Sprintf("function() { this[%q] = (%s); return this[%q]; }", name, valueExpr, name),
		"returnByValue":       false,
	})
	if err != nil {
		return Variable{}, err
	}
	parsed := gjson.ParseBytes(raw)
	if exc := parsed.Get("exceptionDetails"); exc.Exists() {
		return Variable{}, fmt.Errorf("%s", exc.Get("exception.description").String())
	}
	return s.FromRemoteObject(name, parsed.Get("result")), nil
}

// Package stacktrace implements the lazy, async-linked call stack
// presented to the client via the DAP `stackTrace` request.
package stacktrace

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"github.com/go-jsdap/jsdap/internal/cdp"
	"github.com/go-jsdap/jsdap/internal/source"
)

// Frame is one materialized stack frame. AsyncSeparator frames are
// synthetic: they carry no call-frame id and exist only to mark a
// transition across an async boundary in the presented stack.
type Frame struct {
	ID              int
	Name            string
	CallFrameID     string
	Location        source.UiLocation
	ScopeChain      gjson.Result
	AsyncSeparator  bool
	AsyncLabel      string
}

// handlesMap is the same monotone-id-to-value table shape used
// throughout the DAP layer for frame/variable handles, generalized here
// to frames instead of the teacher's goroutine/variable handles.
type handlesMap struct {
	mu   sync.Mutex
	next int
	byID map[int]*Frame
}

func newHandlesMap() *handlesMap {
	return &handlesMap{next: 1, byID: map[int]*Frame{}}
}

// lastFrameID numbers frames across every Trace, so a frame id names one
// frame within the whole process rather than within one paused thread.
var lastFrameID int64

func (h *handlesMap) create(f *Frame) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := int(atomic.AddInt64(&lastFrameID, 1))
	f.ID = id
	h.byID[id] = f
	return id
}

func (h *handlesMap) get(id int) (*Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.byID[id]
	return f, ok
}

func (h *handlesMap) reset() {
	h.mu.Lock()
	h.next = 1
	h.byID = map[int]*Frame{}
	h.mu.Unlock()
}

// Locator resolves a raw (scriptId, line, column) position to a
// presentable UiLocation, preferring an authored sibling when one is
// registered. Satisfied by *thread.Thread, which combines its
// scriptId->Source table with its source.Container.
type Locator interface {
	Locate(scriptID string, line, column int) source.UiLocation
}

// Trace is a lazy sequence of frames for one paused Thread: an inline
// head materialized directly from the Debugger.paused event, and zero or
// more async continuations fetched on demand via
// Debugger.getStackTrace (scenario S6).
type Trace struct {
	client    *cdp.Client
	sessionID string
	locator   Locator

	mu         sync.Mutex
	handles    *handlesMap
	segments   []segment // materialized so far, in presentation order
	nextParent string    // StackTraceId to fetch for the next segment, "" if none
	exhausted  bool
}

type segment struct {
	frames []*Frame
}

// New builds a Trace from the inline call frames of a Debugger.paused
// event (or an equivalent Runtime.getProperties-adjacent payload), plus
// the optional async stack continuation token CDP reports alongside it.
func New(client *cdp.Client, sessionID string, locator Locator, callFrames gjson.Result, asyncStackTraceID string) *Trace {
	t := &Trace{client: client, sessionID: sessionID, locator: locator, handles: newHandlesMap()}
	t.segments = append(t.segments, segment{frames: t.decodeCallFrames(callFrames, "")})
	t.nextParent = asyncStackTraceID
	if asyncStackTraceID == "" {
		t.exhausted = true
	}
	return t
}

func (t *Trace) decodeCallFrames(frames gjson.Result, asyncLabel string) []*Frame {
	var out []*Frame
	if asyncLabel != "" {
		sep := &Frame{Name: asyncLabel, AsyncSeparator: true, AsyncLabel: asyncLabel}
		t.handles.create(sep)
		out = append(out, sep)
	}
	frames.ForEach(func(_, f gjson.Result) bool {
		loc := t.locator.Locate(
			f.Get("location.scriptId").String(),
			int(f.Get("location.lineNumber").Int()),
			int(f.Get("location.columnNumber").Int()),
		)
		frame := &Frame{
			Name:        f.Get("functionName").String(),
			CallFrameID: f.Get("callFrameId").String(),
			Location:    loc,
			ScopeChain:  f.Get("scopeChain"),
		}
		t.handles.create(frame)
		out = append(out, frame)
		return true
	})
	return out
}

// Frames returns the first levels materialized frames (fewer only if the
// stack is shorter), fetching additional async continuations via
// Debugger.getStackTrace as needed.
func (t *Trace) Frames(ctx context.Context, levels int) ([]*Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for t.count() < levels && !t.exhausted {
		if err := t.fetchNextSegment(ctx); err != nil {
			return nil, err
		}
	}

	out := make([]*Frame, 0, levels)
	for _, seg := range t.segments {
		out = append(out, seg.frames...)
		if len(out) >= levels {
			break
		}
	}
	if len(out) > levels {
		out = out[:levels]
	}
	return out, nil
}

func (t *Trace) count() int {
	n := 0
	for _, seg := range t.segments {
		n += len(seg.frames)
	}
	return n
}

func (t *Trace) fetchNextSegment(ctx context.Context) error {
	if t.nextParent == "" {
		t.exhausted = true
		return nil
	}
	raw, err := t.client.CallRaw(ctx, t.sessionID, "Debugger.getStackTrace", map[string]string{"stackTraceId": t.nextParent})
	if err != nil {
		t.exhausted = true
		return err
	}
	parsed := gjson.ParseBytes(raw)
	label := parsed.Get("description").String()
	if label == "" {
		label = "async"
	}
	frames := t.decodeCallFrames(parsed.Get("callFrames"), label)
	t.segments = append(t.segments, segment{frames: frames})

	if next := parsed.Get("parentId"); next.Exists() {
		t.nextParent = next.String()
	} else {
		t.nextParent = ""
		t.exhausted = true
	}
	return nil
}

// FrameByID resolves a DAP frameId back to its Frame, for `scopes` and
// `evaluate` requests scoped to a specific stack frame.
func (t *Trace) FrameByID(id int) (*Frame, bool) {
	return t.handles.get(id)
}

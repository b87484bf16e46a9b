// Package thread implements one CDP execution context as seen by the
// debug adapter: its script table, pause state machine, and the
// step/evaluate/console operations that act on it.
package thread

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/go-jsdap/jsdap/internal/cdp"
	"github.com/go-jsdap/jsdap/internal/skip"
	"github.com/go-jsdap/jsdap/internal/source"
	"github.com/go-jsdap/jsdap/internal/sourcepath"
)

// State is the Thread's pause state machine, per SPEC_FULL.md §4.4:
// Initializing -> Running <-> Paused -> Disposed.
type State int

const (
	Initializing State = iota
	Running
	Paused
	Disposed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// RawLocation is a 0-based position inside a script, as CDP reports it.
type RawLocation struct {
	ScriptID string
	Line     int
	Column   int
}

// PauseReason mirrors CDP's Debugger.paused "reason" field.
type PauseReason string

// PauseEvent is the information available immediately when a Thread
// enters Paused, before any stack trace materialization.
type PauseEvent struct {
	Reason      PauseReason
	HitBreakpointIDs []string
	CallFrames  gjson.Result
	AsyncStackTraceID string
}

// RemoteLoader adapts source.Loader for script registration; Thread only
// needs Load, so it is satisfied directly by *sourcemap.Fetcher.
type RemoteLoader = source.Loader

// Thread is one attached execution context.
type Thread struct {
	sessionID string
	client    *cdp.Client
	log       *logrus.Entry

	sources     *source.Container
	skipper     *skip.Skipper
	scriptsByID map[string]*source.Source

	mu    sync.Mutex
	state State

	pauseHandlers   []func(PauseEvent)
	resumeHandlers  []func()
	consoleHandlers []func(gjson.Result)
	exceptionHandlers []func(gjson.Result)
	scriptParsedHandlers []func(compiled *source.Source, added []*source.Source)
}

// Config configures a new Thread.
type Config struct {
	SessionID string
	Client    *cdp.Client
	Resolver  *sourcepath.Resolver
	Loader    RemoteLoader
	Skipper   *skip.Skipper
	Log       *logrus.Entry
}

// New creates a Thread bound to one CDP session and wires Debugger and
// Runtime event handlers for it.
func New(cfg Config) *Thread {
	t := &Thread{
		sessionID:   cfg.SessionID,
		client:      cfg.Client,
		log:         cfg.Log,
		sources:     source.NewContainer(cfg.Resolver, cfg.Loader),
		skipper:     cfg.Skipper,
		scriptsByID: map[string]*source.Source{},
		state:       Initializing,
	}
	cfg.Client.OnEvent(t.handleEvent)
	return t
}

// State returns the thread's current pause state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Sources exposes the thread's SourceContainer, scoped to this execution
// context since script ids are not meaningful across sessions.
func (t *Thread) Sources() *source.Container { return t.sources }

// OnPause registers a callback invoked every time the thread stops.
func (t *Thread) OnPause(f func(PauseEvent)) {
	t.mu.Lock()
	t.pauseHandlers = append(t.pauseHandlers, f)
	t.mu.Unlock()
}

// OnResume registers a callback invoked every time the thread resumes.
func (t *Thread) OnResume(f func()) {
	t.mu.Lock()
	t.resumeHandlers = append(t.resumeHandlers, f)
	t.mu.Unlock()
}

// OnConsoleMessage registers a callback for Runtime.consoleAPICalled.
func (t *Thread) OnConsoleMessage(f func(gjson.Result)) {
	t.mu.Lock()
	t.consoleHandlers = append(t.consoleHandlers, f)
	t.mu.Unlock()
}

// OnException registers a callback for Runtime.exceptionThrown.
func (t *Thread) OnException(f func(gjson.Result)) {
	t.mu.Lock()
	t.exceptionHandlers = append(t.exceptionHandlers, f)
	t.mu.Unlock()
}

// OnScriptParsed registers a handler fired every time RegisterScript adds a
// compiled source, with the authored siblings (if any) it resolved through
// a source map. The server uses this to re-set breakpoints against newly
// discovered authored sources; the runtime is not paused while it runs.
func (t *Thread) OnScriptParsed(f func(compiled *source.Source, added []*source.Source)) {
	t.mu.Lock()
	t.scriptParsedHandlers = append(t.scriptParsedHandlers, f)
	t.mu.Unlock()
}

func (t *Thread) handleEvent(sessionID, method string, params gjson.Result) {
	if sessionID != t.sessionID {
		return
	}
	switch method {
	case "Debugger.scriptParsed":
		t.handleScriptParsed(params)
	case "Debugger.paused":
		t.handlePaused(params)
	case "Debugger.resumed":
		t.handleResumed()
	case "Runtime.consoleAPICalled":
		t.dispatchConsole(params)
	case "Runtime.exceptionThrown":
		t.dispatchException(params)
	}
}

func (t *Thread) handleScriptParsed(params gjson.Result) {
	scriptURL := params.Get("url").String()
	mapURL := params.Get("sourceMapURL").String()
	scriptID := params.Get("scriptId").String()

	compiled, added, err := t.sources.RegisterScript(context.Background(), scriptURL, mapURL, func(ctx context.Context) (string, error) {
		return t.getScriptSource(ctx, scriptID)
	})
	if err != nil && t.log != nil {
		t.log.WithError(err).WithField("url", scriptURL).Warn("failed to resolve source map for script")
	}

	t.mu.Lock()
	t.scriptsByID[scriptID] = compiled
	handlers := append([]func(*source.Source, []*source.Source){}, t.scriptParsedHandlers...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(compiled, added)
	}
}

// getScriptSource fetches a script's text lazily via Debugger.getScriptSource.
func (t *Thread) getScriptSource(ctx context.Context, scriptID string) (string, error) {
	var result struct {
		ScriptSource string `json:"scriptSource"`
	}
	if err := t.client.Call(ctx, t.sessionID, "Debugger.getScriptSource", map[string]string{"scriptId": scriptID}, &result); err != nil {
		return "", err
	}
	return result.ScriptSource, nil
}

func (t *Thread) handlePaused(params gjson.Result) {
	t.mu.Lock()
	t.state = Paused
	handlers := append([]func(PauseEvent){}, t.pauseHandlers...)
	t.mu.Unlock()

	var hitIDs []string
	params.Get("hitBreakpoints").ForEach(func(_, v gjson.Result) bool {
		hitIDs = append(hitIDs, v.String())
		return true
	})
	evt := PauseEvent{
		Reason:            PauseReason(params.Get("reason").String()),
		HitBreakpointIDs:  hitIDs,
		CallFrames:        params.Get("callFrames"),
		AsyncStackTraceID: params.Get("asyncStackTraceId").Raw,
	}
	for _, h := range handlers {
		h(evt)
	}
}

func (t *Thread) handleResumed() {
	t.mu.Lock()
	t.state = Running
	handlers := append([]func(){}, t.resumeHandlers...)
	t.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

func (t *Thread) dispatchConsole(params gjson.Result) {
	t.mu.Lock()
	handlers := append([]func(gjson.Result){}, t.consoleHandlers...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(params)
	}
}

func (t *Thread) dispatchException(params gjson.Result) {
	t.mu.Lock()
	handlers := append([]func(gjson.Result){}, t.exceptionHandlers...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(params)
	}
}

// Continue resumes execution.
func (t *Thread) Continue(ctx context.Context) error {
	return t.client.Call(ctx, t.sessionID, "Debugger.resume", struct{}{}, nil)
}

// StepKind selects which of Debugger's three step commands to issue.
type StepKind string

const (
	StepNext StepKind = "Debugger.stepOver"
	StepIn   StepKind = "Debugger.stepInto"
	StepOut  StepKind = "Debugger.stepOut"
)

// Step issues one of the Debugger step commands.
func (t *Thread) Step(ctx context.Context, kind StepKind) error {
	return t.client.Call(ctx, t.sessionID, string(kind), struct{}{}, nil)
}

// Pause requests an asynchronous break as soon as possible.
func (t *Thread) Pause(ctx context.Context) error {
	return t.client.Call(ctx, t.sessionID, "Debugger.pause", struct{}{}, nil)
}

// EvaluateResult is a simplified view of Runtime's RemoteObject.
type EvaluateResult struct {
	Type                 string
	Subtype              string
	Value                gjson.Result
	ObjectID             string
	Description          string
	ExceptionDescription string
}

// Evaluate evaluates expr in the context of callFrameID if non-empty
// (pause-scoped evaluation), or in the global context otherwise.
func (t *Thread) Evaluate(ctx context.Context, expr, callFrameID string) (EvaluateResult, error) {
	method := "Runtime.evaluate"
	params := map[string]interface{}{"expression": expr, "generatePreview": true}
	if callFrameID != "" {
		method = "Debugger.evaluateOnCallFrame"
		params["callFrameId"] = callFrameID
	}
	raw, err := t.client.CallRaw(ctx, t.sessionID, method, params)
	if err != nil {
		return EvaluateResult{}, err
	}
	parsed := gjson.ParseBytes(raw)
	if exc := parsed.Get("exceptionDetails"); exc.Exists() {
		return EvaluateResult{ExceptionDescription: exc.Get("exception.description").String()},
			fmt.Errorf("%s", exc.Get("exception.description").String())
	}
	res := parsed.Get("result")
	return EvaluateResult{
		Type:        res.Get("type").String(),
		Subtype:     res.Get("subtype").String(),
		Value:       res.Get("value"),
		ObjectID:    res.Get("objectId").String(),
		Description: res.Get("description").String(),
	}, nil
}

// Locate resolves a raw (scriptId, line, column) position -- as reported
// inside a call frame's `location` -- to a presentable UiLocation,
// preferring an authored sibling over the compiled script when the script
// has a resolved source map. Satisfies stacktrace.Locator.
func (t *Thread) Locate(scriptID string, line, column int) source.UiLocation {
	t.mu.Lock()
	compiled, ok := t.scriptsByID[scriptID]
	t.mu.Unlock()
	if !ok {
		return source.UiLocation{}
	}
	loc := source.UiLocation{Source: compiled, Line: line + 1, Column: column + 1}
	if sibs := t.sources.CurrentSiblingUiLocations(loc, nil); len(sibs) > 0 {
		return sibs[0]
	}
	return loc
}

// Dispose marks the thread torn down and drops its script table; called
// once the owning Target has been detached. The thread's event handler
// stays registered on the client.
func (t *Thread) Dispose() {
	t.mu.Lock()
	t.state = Disposed
	t.scriptsByID = map[string]*source.Source{}
	t.mu.Unlock()
}

// Package breakpoint reconciles the client's desired breakpoint set
// against the runtime's installed breakpoints across three independent
// resolution strategies.
package breakpoint

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-jsdap/jsdap/internal/cdp"
	"github.com/go-jsdap/jsdap/internal/predictor"
	"github.com/go-jsdap/jsdap/internal/source"
)

// Key is the idempotence key of SPEC_FULL.md §4.6: a breakpoint's
// identity is its (url, line, column) triple, independent of which of the
// three strategies resolved it.
type Key struct {
	URL    string
	Line   int
	Column int
}

// Breakpoint is one client-requested breakpoint, possibly resolved
// against the runtime through more than one strategy at once.
type Breakpoint struct {
	ID        int
	Source    *source.Source
	Line      int // 1-based, UI coordinates
	Column    int
	Condition string
	LogMessage string

	mu        sync.Mutex
	verified  bool
	cdpIDs    map[string]struct{} // runtime breakpoint ids currently installed
	inFlight  int                 // count of in-progress setters; remove() awaits this reaching 0
	removedCh chan struct{}
}

// Verified reports whether at least one strategy has resolved this
// breakpoint against the runtime.
func (b *Breakpoint) Verified() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.verified
}

// RuntimeIDs returns a snapshot of the runtime breakpoint ids currently
// registered to this Breakpoint (invariant 1).
func (b *Breakpoint) RuntimeIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.cdpIDs))
	for id := range b.cdpIDs {
		out = append(out, id)
	}
	return out
}

// effectiveCondition returns the expression installed as this
// breakpoint's runtime `condition`, per SPEC_FULL.md §4.6. A plain
// breakpoint uses bp.Condition unchanged; a log-point is rewritten to a
// falsy side-effecting expression that logs its interpolated message and
// never evaluates truthy, so the runtime's own condition evaluation
// never actually stops execution on it -- the console.log call itself
// surfaces the message through the normal Runtime.consoleAPICalled
// event path, not through a pause.
func (bp *Breakpoint) effectiveCondition() string {
	if bp.LogMessage == "" {
		return bp.Condition
	}
	logExpr := "console.log(" + templateLiteral(bp.LogMessage) + ")"
	combined := logExpr
	if bp.Condition != "" {
		combined = "(" + bp.Condition + ") && (" + logExpr + ")"
	}
	return combined + "\n//# sourceURL=logpoint.cdp"
}

// templateLiteral converts a log message template's `{expr}` segments
// into a JS template literal's `${expr}` interpolations, so the runtime
// evaluates each expression fresh every time the breakpoint is hit
// rather than once when the breakpoint was set.
func templateLiteral(template string) string {
	var b strings.Builder
	b.WriteByte('`')
	i := 0
	for i < len(template) {
		if template[i] == '{' {
			if end := indexByteFrom(template, '}', i+1); end >= 0 {
				b.WriteString("${")
				b.WriteString(template[i+1 : end])
				b.WriteByte('}')
				i = end + 1
				continue
			}
		}
		c := template[i]
		if c == '`' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
		i++
	}
	b.WriteByte('`')
	return b.String()
}

func (b *Breakpoint) addRuntimeID(id string) {
	b.mu.Lock()
	if b.cdpIDs == nil {
		b.cdpIDs = map[string]struct{}{}
	}
	b.cdpIDs[id] = struct{}{}
	b.verified = true
	b.mu.Unlock()
}

// Manager is the SPEC_FULL.md §4.6 BreakpointManager: the single writer
// of byKey and resolverIndex, reconciling client-desired
// breakpoints against a Thread's runtime breakpoints.
type Manager struct {
	client    *cdp.Client
	sessionID string
	sources   *source.Container
	predictor *predictor.Predictor

	mu sync.Mutex
	// byKey is indexed by the idempotence key and is the set of all
	// Breakpoints currently desired, regardless of which script URL they
	// end up resolving against.
	byKey map[Key]*Breakpoint
	// resolverIndex maps a runtime breakpoint id to the Breakpoint that
	// owns it -- this is the index invariant 1 in SPEC_FULL.md §8 refers
	// to.
	resolverIndex map[string]*Breakpoint

	nextID int
}

// Config configures a Manager.
type Config struct {
	Client    *cdp.Client
	SessionID string
	Sources   *source.Container
	Predictor *predictor.Predictor
}

// New creates a Manager.
func New(cfg Config) *Manager {
	return &Manager{
		client:        cfg.Client,
		sessionID:     cfg.SessionID,
		sources:       cfg.Sources,
		predictor:     cfg.Predictor,
		byKey:         map[Key]*Breakpoint{},
		resolverIndex: map[string]*Breakpoint{},
		nextID:        1,
	}
}

// Request is one client-desired breakpoint within a SetBreakpoints call.
type Request struct {
	Line, Column          int
	Condition, LogMessage string
}

// SetBreakpoints replaces every desired breakpoint for one UI source with
// the given list, removing every breakpoint previously set in that source
// (invariant 6), and returns the resulting Breakpoints in request order.
// Each call creates new Breakpoints with fresh ids, even for a line that
// was already set; duplicate lines within one call share a Breakpoint.
func (m *Manager) SetBreakpoints(ctx context.Context, src *source.Source, lines []Request) ([]*Breakpoint, error) {
	m.mu.Lock()
	var stale []*Breakpoint
	for k, bp := range m.byKey {
		if bp.Source == src {
			stale = append(stale, bp)
			delete(m.byKey, k)
		}
	}
	m.mu.Unlock()
	for _, bp := range stale {
		m.remove(ctx, bp)
	}

	out := make([]*Breakpoint, 0, len(lines))
	for _, l := range lines {
		bp := m.create(src, l.Line, l.Column, l.Condition, l.LogMessage)
		m.set(ctx, bp)
		out = append(out, bp)
	}
	return out, nil
}

func (m *Manager) create(src *source.Source, line, col int, condition, logMessage string) *Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := Key{URL: src.URL, Line: line, Column: col}
	if existing, ok := m.byKey[key]; ok {
		return existing
	}
	bp := &Breakpoint{
		ID:         m.nextID,
		Source:     src,
		Line:       line,
		Column:     col,
		Condition:  condition,
		LogMessage: logMessage,
	}
	m.nextID++
	m.byKey[key] = bp
	return bp
}

// set fans out the three resolution strategies for bp, best-effort: a
// failure in one strategy does not prevent the others from contributing a
// runtime id (SPEC_FULL.md §7 propagation policy).
func (m *Manager) set(ctx context.Context, bp *Breakpoint) {
	bp.mu.Lock()
	bp.inFlight++
	bp.mu.Unlock()
	defer func() {
		bp.mu.Lock()
		bp.inFlight--
		bp.mu.Unlock()
	}()

	m.setByURL(ctx, bp)
	m.setByCurrentSibling(ctx, bp)
	m.setByPrediction(ctx, bp)
}

// setByURL installs the breakpoint against every past and future script
// whose URL matches bp.Source.URL exactly, via Debugger.setBreakpointByUrl.
// This is the strategy that works once the script carrying this UI
// source's compiled sibling has already loaded, or for a non-authored
// source set directly against a runtime URL.
func (m *Manager) setByURL(ctx context.Context, bp *Breakpoint) {
	var result struct {
		BreakpointID string `json:"breakpointId"`
		Locations    []struct {
			ScriptID string `json:"scriptId"`
			LineNumber int `json:"lineNumber"`
			ColumnNumber int `json:"columnNumber"`
		} `json:"locations"`
	}
	params := map[string]interface{}{
		"urlRegex":     "^" + regexp.QuoteMeta(bp.Source.URL) + "$",
		"lineNumber":   bp.Line - 1,
		"columnNumber": bp.Column - 1,
	}
	if cond := bp.effectiveCondition(); cond != "" {
		params["condition"] = cond
	}
	if err := m.client.Call(ctx, m.sessionID, "Debugger.setBreakpointByUrl", params, &result); err != nil || result.BreakpointID == "" {
		return
	}
	m.registerRuntimeID(bp, result.BreakpointID)
}

// setByCurrentSibling sets directly against the compiled sibling already
// known through SourceContainer.CurrentSiblingUiLocations, when bp.Source
// is an authored source whose compiled sibling is already loaded.
func (m *Manager) setByCurrentSibling(ctx context.Context, bp *Breakpoint) {
	if m.sources == nil {
		return
	}
	locs := m.sources.CurrentSiblingUiLocations(source.UiLocation{Source: bp.Source, Line: bp.Line, Column: bp.Column}, nil)
	for _, loc := range locs {
		var result struct {
			BreakpointID string `json:"breakpointId"`
		}
		params := map[string]interface{}{
			"urlRegex":     "^" + regexp.QuoteMeta(loc.Source.URL) + "$",
			"lineNumber":   loc.Line - 1,
			"columnNumber": loc.Column - 1,
		}
		if cond := bp.effectiveCondition(); cond != "" {
			params["condition"] = cond
		}
		if err := m.client.Call(ctx, m.sessionID, "Debugger.setBreakpointByUrl", params, &result); err != nil || result.BreakpointID == "" {
			continue
		}
		m.registerRuntimeID(bp, result.BreakpointID)
	}
}

// setByPrediction uses the workspace-wide BreakpointPredictor to resolve a
// breakpoint in an authored source that has never been loaded by the
// runtime at all yet, so neither of the other two strategies has anything
// to match against.
func (m *Manager) setByPrediction(ctx context.Context, bp *Breakpoint) {
	if m.predictor == nil || bp.Source.Path == "" {
		return
	}
	loc, ok := m.predictor.Predict(bp.Source.Path, bp.Line, bp.Column)
	if !ok {
		return
	}
	var result struct {
		BreakpointID string `json:"breakpointId"`
	}
	params := map[string]interface{}{
		"urlRegex":     "^" + regexp.QuoteMeta(loc.URL) + "$",
		"lineNumber":   loc.Line,
		"columnNumber": loc.Column,
	}
	if cond := bp.effectiveCondition(); cond != "" {
		params["condition"] = cond
	}
	if err := m.client.Call(ctx, m.sessionID, "Debugger.setBreakpointByUrl", params, &result); err != nil || result.BreakpointID == "" {
		return
	}
	m.registerRuntimeID(bp, result.BreakpointID)
}

func (m *Manager) registerRuntimeID(bp *Breakpoint, id string) {
	m.mu.Lock()
	m.resolverIndex[id] = bp
	m.mu.Unlock()
	bp.addRuntimeID(id)
}

// remove waits for every in-flight setter on bp to finish, then removes
// every runtime breakpoint id currently registered to it (SPEC_FULL.md §5
// "remove awaits every active setter before issuing
// Debugger.removeBreakpoint").
func (m *Manager) remove(ctx context.Context, bp *Breakpoint) {
	for waiting := true; waiting; {
		bp.mu.Lock()
		waiting = bp.inFlight > 0
		bp.mu.Unlock()
		if waiting {
			select {
			case <-ctx.Done():
				waiting = false
			case <-time.After(time.Millisecond):
			}
		}
	}
	ids := bp.RuntimeIDs()
	for _, id := range ids {
		_ = m.client.Call(ctx, m.sessionID, "Debugger.removeBreakpoint", map[string]string{"breakpointId": id}, nil)
		m.mu.Lock()
		delete(m.resolverIndex, id)
		m.mu.Unlock()
	}
	bp.mu.Lock()
	bp.cdpIDs = map[string]struct{}{}
	bp.verified = false
	bp.mu.Unlock()
}

// ByRuntimeID looks up the Breakpoint a Debugger.paused hitBreakpoints
// entry refers to.
func (m *Manager) ByRuntimeID(id string) (*Breakpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp, ok := m.resolverIndex[id]
	return bp, ok
}

// HandleScriptParsed implements the source-map-driven re-set gate of
// SPEC_FULL.md §5: a newly parsed script whose map resolves authored
// sources with desired breakpoints must have those breakpoints re-set
// before the caller lets the runtime resume. remainPaused reports whether
// any affected breakpoint was requested at line/column <= 1, in which case
// the Thread should stay paused so the user sees the stop; the locations
// the runtime resolved those breakpoints to are not consulted.
func (m *Manager) HandleScriptParsed(ctx context.Context, newlyRegistered []*source.Source) (remainPaused bool) {
	m.mu.Lock()
	var affected []*Breakpoint
	for _, bp := range m.byKey {
		for _, s := range newlyRegistered {
			if bp.Source == s {
				affected = append(affected, bp)
			}
		}
	}
	m.mu.Unlock()

	for _, bp := range affected {
		m.set(ctx, bp)
		if bp.Line <= 1 && bp.Column <= 1 {
			remainPaused = true
		}
	}
	return remainPaused
}

// VerifiedEvent reports a breakpoint's resolution state for the DAP
// `breakpoint` event.
type VerifiedEvent struct {
	Breakpoint *Breakpoint
	Verified   bool
	Line       int
}

// Describe summarizes bp for a DAP breakpoint/setBreakpoints response.
func (bp *Breakpoint) Describe() VerifiedEvent {
	return VerifiedEvent{Breakpoint: bp, Verified: bp.Verified(), Line: bp.Line}
}

// ExceptionFilter selects which uncaught/caught exceptions pause
// execution, mirroring Debugger.setPauseOnExceptions' state enum.
type ExceptionFilter string

const (
	ExceptionsNone ExceptionFilter = "none"
	ExceptionsUncaught ExceptionFilter = "uncaught"
	ExceptionsAll      ExceptionFilter = "all"
)

// SetExceptionBreakpoints configures pause-on-exception behavior for the
// session.
func (m *Manager) SetExceptionBreakpoints(ctx context.Context, filter ExceptionFilter) error {
	return m.client.Call(ctx, m.sessionID, "Debugger.setPauseOnExceptions", map[string]string{"state": string(filter)}, nil)
}

// HitBreakpoints resolves the hitBreakpoints ids of a Debugger.paused
// event to their owning Breakpoints. Log-point breakpoints never appear
// here: their runtime condition (effectiveCondition) is unconditionally
// falsy, so the runtime never actually pauses on them in the first
// place -- their message reaches the client through the console.log
// call's own Runtime.consoleAPICalled event, not through this path.
func (m *Manager) HitBreakpoints(ids []string) []*Breakpoint {
	var hit []*Breakpoint
	for _, id := range ids {
		if bp, ok := m.ByRuntimeID(id); ok {
			hit = append(hit, bp)
		}
	}
	return hit
}

func indexByteFrom(s string, b byte, from int) int {
	for i := from; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}


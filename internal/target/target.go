// Package target maintains the tree of CDP sessions attached to a
// runtime's target tree: browser tabs, iframes, workers, service
// workers, and Node processes, each identified by a flatten-mode
// sessionId. It owns target lifecycle (attach/detach) and leaves
// everything else -- building a Thread, wiring breakpoints -- to its
// OnAttached/OnDetached callers, per SPEC_FULL.md §4.5.
package target

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/go-jsdap/jsdap/internal/cdp"
)

// executableTypes are the target types SPEC_FULL.md §4.5 says get a
// Thread; iframes and pages share the page's Debugger/Runtime session
// shape, workers and node processes run their own isolated one.
var executableTypes = map[string]bool{
	"page":           true,
	"iframe":         true,
	"worker":         true,
	"service_worker": true,
	"node":           true,
}

// Info is the subset of CDP's TargetInfo the adapter cares about.
type Info struct {
	TargetID string
	Type     string
	Title    string
	URL      string
}

// Target is one CDP session attachment. Children are owned through a
// map so the tree can be walked and torn down from the root; the
// parent link is a non-owning handle, which detach reads only to remove
// the target from its parent's children map (SPEC_FULL.md §9).
type Target struct {
	Info      Info
	SessionID string

	parent *Target

	mu       sync.Mutex
	children map[string]*Target
	disposed bool
	onDispose []func()
}

// Executable reports whether this target type gets its own Thread.
func (t *Target) Executable() bool { return executableTypes[t.Info.Type] }

// Parent returns the target's parent, or nil for a root (browser-level)
// target. Only ever read; never walked during detach.
func (t *Target) Parent() *Target { return t.parent }

// OnDispose registers a callback run once, when the target is detached.
// Callers use this to tear down a Thread or other per-target state they
// built in an OnAttached handler.
func (t *Target) OnDispose(f func()) {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		f()
		return
	}
	t.onDispose = append(t.onDispose, f)
	t.mu.Unlock()
}

func (t *Target) dispose() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	handlers := t.onDispose
	t.onDispose = nil
	t.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

func (t *Target) addChild(c *Target) {
	t.mu.Lock()
	t.children[c.Info.TargetID] = c
	t.mu.Unlock()
}

func (t *Target) removeChild(id string) {
	t.mu.Lock()
	delete(t.children, id)
	t.mu.Unlock()
}

func (t *Target) childSnapshot() []*Target {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Target, 0, len(t.children))
	for _, c := range t.children {
		out = append(out, c)
	}
	return out
}

// DetachedEvent is emitted for every target removed from the tree, in
// the post-order SPEC_FULL.md §4.5's detach algorithm requires
// (children before parents).
type DetachedEvent struct {
	Target *Target
}

// Manager owns the target tree rooted at a single CDP connection's
// browser session. It is the single writer of the tree; OnAttached and
// OnDetached callers only read it.
type Manager struct {
	client *cdp.Client
	log    *logrus.Entry

	mu         sync.Mutex
	byID       map[string]*Target
	bySession  map[string]*Target
	mainTarget *Target

	attachedHandlers []func(*Target)
	detachedHandlers []func(DetachedEvent)
}

// NewManager creates a Manager that discovers and attaches to targets
// over client, and starts listening for Target.* events.
func NewManager(client *cdp.Client, log *logrus.Entry) *Manager {
	m := &Manager{
		client:    client,
		log:       log,
		byID:      map[string]*Target{},
		bySession: map[string]*Target{},
	}
	client.OnEvent(m.handleEvent)
	return m
}

// OnAttached registers a callback invoked once a new Target has joined
// the tree and its recursive auto-attach/discover commands have been
// issued, but before a target paused on start (waitForDebuggerOnStart)
// is allowed to run -- so a caller can finish wiring a Thread first.
func (m *Manager) OnAttached(f func(*Target)) {
	m.mu.Lock()
	m.attachedHandlers = append(m.attachedHandlers, f)
	m.mu.Unlock()
}

// OnDetached registers a callback invoked once per target removed from
// the tree, children before parents.
func (m *Manager) OnDetached(f func(DetachedEvent)) {
	m.mu.Lock()
	m.detachedHandlers = append(m.detachedHandlers, f)
	m.mu.Unlock()
}

// MainTarget returns the first page target attached, or nil if none
// has attached yet. SPEC_FULL.md §4.5 flags this heuristic as wrong
// for multi-session scenarios; it is kept as specified (see DESIGN.md
// Open Question 3) rather than guessed at further.
func (m *Manager) MainTarget() *Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mainTarget
}

// TargetBySession looks up the currently attached target owning
// sessionID.
func (m *Manager) TargetBySession(sessionID string) (*Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.bySession[sessionID]
	return t, ok
}

func (m *Manager) handleEvent(sessionID, method string, params gjson.Result) {
	switch method {
	case "Target.attachedToTarget":
		m.handleAttached(sessionID, params)
	case "Target.detachedFromTarget":
		m.handleDetached(params)
	case "Target.targetInfoChanged":
		m.handleInfoChanged(params)
	}
}

// handleAttached builds a Target for a newly attached session, arms
// discovery/auto-attach recursively on it, notifies OnAttached
// handlers, and only then lets a target paused on start resume --
// mirroring TargetManager.OnAttached's ordering in the teacher's own
// attach flow for debugger-created threads.
func (m *Manager) handleAttached(parentSessionID string, params gjson.Result) {
	info := params.Get("targetInfo")
	targetID := info.Get("targetId").String()
	if targetID == "" {
		// Some worker attach events precede a real target id; mint one
		// and patch it back into the raw event so every field read
		// below (and any caller that re-parses params.Raw later) sees
		// the same minted value rather than just this function's local
		// variable.
		targetID = uuid.NewString()
		if patched, err := cdp.SetSessionField([]byte(params.Raw), "targetInfo.targetId", targetID); err == nil {
			params = gjson.ParseBytes(patched)
			info = params.Get("targetInfo")
		} else if m.log != nil {
			m.log.WithError(err).Debug("target: failed to patch synthetic targetId")
		}
	}
	newSessionID := params.Get("sessionId").String()
	waitingForDebugger := params.Get("waitingForDebugger").Bool()

	m.mu.Lock()
	var parent *Target
	if parentSessionID != "" {
		parent = m.bySession[parentSessionID]
	}
	t := &Target{
		Info: Info{
			TargetID: targetID,
			Type:     info.Get("type").String(),
			Title:    info.Get("title").String(),
			URL:      info.Get("url").String(),
		},
		SessionID: newSessionID,
		parent:    parent,
		children:  map[string]*Target{},
	}
	m.byID[targetID] = t
	m.bySession[newSessionID] = t
	if m.mainTarget == nil && t.Info.Type == "page" {
		m.mainTarget = t
	}
	handlers := append([]func(*Target){}, m.attachedHandlers...)
	m.mu.Unlock()

	if parent != nil {
		parent.addChild(t)
	}

	ctx := context.Background()
	if err := m.client.Call(ctx, newSessionID, "Target.setDiscoverTargets", map[string]interface{}{"discover": true}, nil); err != nil && m.log != nil {
		m.log.WithError(err).WithField("targetId", targetID).Debug("target: setDiscoverTargets failed")
	}
	if err := m.client.Call(ctx, newSessionID, "Target.setAutoAttach", map[string]interface{}{
		"autoAttach":             true,
		"waitForDebuggerOnStart": true,
		"flatten":                true,
	}, nil); err != nil && m.log != nil {
		m.log.WithError(err).WithField("targetId", targetID).Debug("target: setAutoAttach failed")
	}

	for _, h := range handlers {
		h(t)
	}

	if waitingForDebugger {
		if err := m.client.Call(ctx, newSessionID, "Runtime.runIfWaitingForDebugger", struct{}{}, nil); err != nil && m.log != nil {
			m.log.WithError(err).WithField("targetId", targetID).Debug("target: runIfWaitingForDebugger failed")
		}
	}
}

func (m *Manager) handleInfoChanged(params gjson.Result) {
	info := params.Get("targetInfo")
	targetID := info.Get("targetId").String()
	m.mu.Lock()
	t, ok := m.byID[targetID]
	m.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	t.Info.Title = info.Get("title").String()
	t.Info.URL = info.Get("url").String()
	t.mu.Unlock()
}

func (m *Manager) handleDetached(params gjson.Result) {
	sessionID := params.Get("sessionId").String()
	m.mu.Lock()
	t, ok := m.bySession[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.detach(t)
}

// detach implements SPEC_FULL.md §4.5's detach algorithm: depth-first
// over children first, then this target's own Thread disposed, removed
// from its parent's children map, removed from the global table, and
// TargetDetached emitted -- in that order, so a detach handler never
// observes a target whose children are still considered attached.
func (m *Manager) detach(t *Target) {
	for _, child := range t.childSnapshot() {
		m.detach(child)
	}

	t.dispose()

	m.mu.Lock()
	if parent := t.parent; parent != nil {
		parent.removeChild(t.Info.TargetID)
	}
	delete(m.byID, t.Info.TargetID)
	delete(m.bySession, t.SessionID)
	if m.mainTarget == t {
		m.mainTarget = nil
	}
	handlers := append([]func(DetachedEvent){}, m.detachedHandlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(DetachedEvent{Target: t})
	}
}

package dap

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-jsdap/jsdap/service/dap/daptest"
)

// fakeRuntime stands in for a JavaScript runtime's remote-debugging
// endpoint: it answers /json/version like a real browser/Node process
// would, and replies to every CDP command it receives over the single
// upgraded WebSocket connection, by default with an empty result. Tests
// override specific methods via On, and push synthetic events with Emit.
type fakeRuntime struct {
	server *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]func(id float64, params json.RawMessage)
	calls    []string
}

func newFakeRuntime(t *testing.T) *fakeRuntime {
	r := &fakeRuntime{handlers: map[string]func(float64, json.RawMessage){}}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, req *http.Request) {
		wsURL := "ws://" + req.Host + "/devtools/browser/fake"
		json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
	})
	upgrader := websocket.Upgrader{}
	mux.HandleFunc("/devtools/browser/fake", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("fakeRuntime: upgrade failed: %v", err)
			return
		}
		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()
		r.serve(t, conn)
	})
	r.server = httptest.NewServer(mux)
	return r
}

func (r *fakeRuntime) serve(t *testing.T, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			ID     float64         `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		r.mu.Lock()
		r.calls = append(r.calls, req.Method)
		h := r.handlers[req.Method]
		r.mu.Unlock()
		if h != nil {
			h(req.ID, req.Params)
			continue
		}
		r.reply(req.ID, map[string]interface{}{})
	}
}

// On installs a canned reply for method, used in place of the default
// empty-object response.
func (r *fakeRuntime) On(method string, handler func(id float64, params json.RawMessage)) {
	r.mu.Lock()
	r.handlers[method] = handler
	r.mu.Unlock()
}

func (r *fakeRuntime) reply(id float64, result interface{}) {
	r.write(map[string]interface{}{"id": id, "result": result})
}

// Emit sends a CDP event as if it came from the runtime.
func (r *fakeRuntime) Emit(sessionID, method string, params interface{}) {
	msg := map[string]interface{}{"method": method, "params": params}
	if sessionID != "" {
		msg["sessionId"] = sessionID
	}
	r.write(msg)
}

func (r *fakeRuntime) write(v interface{}) {
	data, _ := json.Marshal(v)
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	conn.WriteMessage(websocket.TextMessage, data)
}

// CallCount reports how many times method was received.
func (r *fakeRuntime) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.calls {
		if m == method {
			n++
		}
	}
	return n
}

func (r *fakeRuntime) Close() { r.server.Close() }

func (r *fakeRuntime) addr() (host string, port int) {
	u := r.server.Listener.Addr().(*net.TCPAddr)
	return u.IP.String(), u.Port
}

// startTestServer wires a dap.Server to a local listener and returns a
// connected daptest.Client, tearing both down on test cleanup.
func startTestServer(t *testing.T) (*Server, *daptest.Client) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	server := NewServer(Config{Listener: listener})
	go server.Run()
	t.Cleanup(func() { listener.Close() })

	client := daptest.NewClient(listener.Addr().String())
	t.Cleanup(client.Close)
	return server, client
}

func initializeAndAttach(t *testing.T, client *daptest.Client, rt *fakeRuntime) {
	client.InitializeRequest()
	client.ExpectInitializeResponse(t)
	client.ExpectInitializedEvent(t)

	host, port := rt.addr()
	client.AttachRequest(map[string]interface{}{"address": host, "port": float64(port)})
	client.ExpectAttachResponse(t)
}

func TestInitializeHandshake(t *testing.T) {
	_, client := startTestServer(t)

	client.InitializeRequest()
	resp := client.ExpectInitializeResponse(t)
	if !resp.Body.SupportsConditionalBreakpoints || !resp.Body.SupportsLogPoints {
		t.Fatalf("got %#v, want conditional breakpoint and log point support advertised", resp.Body)
	}
	client.ExpectInitializedEvent(t)
}

// TestAttachLifecycle exercises scenario S5's single-target slice: an
// attach produces a `thread` started event, and tearing the session down
// produces a `thread` exited event followed by `terminated` once no
// threads remain.
func TestAttachLifecycle(t *testing.T) {
	rt := newFakeRuntime(t)
	defer rt.Close()

	_, client := startTestServer(t)
	initializeAndAttach(t, client, rt)

	rt.Emit("", "Target.attachedToTarget", map[string]interface{}{
		"sessionId": "sess1",
		"targetInfo": map[string]interface{}{
			"targetId": "target1",
			"type":     "page",
			"url":      "http://example.com",
		},
		"waitingForDebugger": false,
	})

	started := client.ExpectThreadEvent(t)
	if started.Body.Reason != "started" {
		t.Fatalf("got reason %q, want started", started.Body.Reason)
	}

	rt.Emit("", "Target.detachedFromTarget", map[string]interface{}{"sessionId": "sess1"})

	exited := client.ExpectThreadEvent(t)
	if exited.Body.Reason != "exited" || exited.Body.ThreadId != started.Body.ThreadId {
		t.Fatalf("got %#v, want exited event for thread %d", exited.Body, started.Body.ThreadId)
	}
	client.ExpectTerminatedEvent(t)
}

// TestSetBreakpointsVerifiesAgainstAttachedSession exercises the
// setByUrl resolution strategy succeeding immediately, the common case
// of scenario S3 once the compiled script is already loaded.
func TestSetBreakpointsVerifiesAgainstAttachedSession(t *testing.T) {
	rt := newFakeRuntime(t)
	defer rt.Close()
	rt.On("Debugger.setBreakpointByUrl", func(id float64, params json.RawMessage) {
		rt.reply(id, map[string]interface{}{"breakpointId": "bp-1", "locations": []interface{}{}})
	})

	_, client := startTestServer(t)
	initializeAndAttach(t, client, rt)

	rt.Emit("", "Target.attachedToTarget", map[string]interface{}{
		"sessionId":   "sess1",
		"targetInfo":  map[string]interface{}{"targetId": "t1", "type": "page", "url": "http://example.com"},
		"waitingForDebugger": false,
	})
	client.ExpectThreadEvent(t)

	client.SetBreakpointsRequest("/app/main.js", []int{5})
	resp := client.ExpectSetBreakpointsResponse(t)
	if len(resp.Body.Breakpoints) != 1 || !resp.Body.Breakpoints[0].Verified {
		t.Fatalf("got %#v, want one verified breakpoint", resp.Body.Breakpoints)
	}
}

// TestSetBreakpointsBeforeAttachReplaysLater exercises SPEC_FULL.md
// §4.2's broadcast requirement: a breakpoint set before any session is
// attached must be replayed against a session that attaches afterward.
func TestSetBreakpointsBeforeAttachReplaysLater(t *testing.T) {
	rt := newFakeRuntime(t)
	defer rt.Close()
	rt.On("Debugger.setBreakpointByUrl", func(id float64, params json.RawMessage) {
		rt.reply(id, map[string]interface{}{"breakpointId": "bp-1", "locations": []interface{}{}})
	})

	server, client := startTestServer(t)
	client.InitializeRequest()
	client.ExpectInitializeResponse(t)
	client.ExpectInitializedEvent(t)

	client.SetBreakpointsRequest("/app/main.js", []int{5})
	resp := client.ExpectSetBreakpointsResponse(t)
	if len(resp.Body.Breakpoints) != 1 || resp.Body.Breakpoints[0].Verified {
		t.Fatalf("got %#v, want one unverified breakpoint with no session attached yet", resp.Body.Breakpoints)
	}

	host, port := rt.addr()
	client.AttachRequest(map[string]interface{}{"address": host, "port": float64(port)})
	client.ExpectAttachResponse(t)
	rt.Emit("", "Target.attachedToTarget", map[string]interface{}{
		"sessionId":   "sess1",
		"targetInfo":  map[string]interface{}{"targetId": "t1", "type": "page", "url": "http://example.com"},
		"waitingForDebugger": false,
	})
	client.ExpectThreadEvent(t)

	deadline := time.Now().Add(2 * time.Second)
	for rt.CallCount("Debugger.setBreakpointByUrl") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rt.CallCount("Debugger.setBreakpointByUrl") == 0 {
		t.Fatal("expected the replayed breakpoint to re-issue Debugger.setBreakpointByUrl against the newly attached session")
	}

	server.mu.Lock()
	nThreads := len(server.threadsByID)
	server.mu.Unlock()
	if nThreads != 1 {
		t.Fatalf("got %d threads, want 1", nThreads)
	}
}

// TestLogPointInstalledAsFalsyCondition exercises the log-point half of
// SPEC_FULL.md §4.6: setting a logpoint must install it against the
// runtime as a falsy, side-effecting `condition` expression -- never a
// breakpoint the adapter itself has to notice and resume past. The
// message itself reaches the client through the runtime's own
// Runtime.consoleAPICalled, relayed separately by onConsoleMessage, not
// through anything onThreadPaused does.
func TestLogPointInstalledAsFalsyCondition(t *testing.T) {
	rt := newFakeRuntime(t)
	defer rt.Close()

	var gotCondition string
	rt.On("Debugger.setBreakpointByUrl", func(id float64, params json.RawMessage) {
		var p struct {
			Condition string `json:"condition"`
		}
		json.Unmarshal(params, &p)
		gotCondition = p.Condition
		rt.reply(id, map[string]interface{}{"breakpointId": "bp-log", "locations": []interface{}{}})
	})

	_, client := startTestServer(t)
	initializeAndAttach(t, client, rt)

	rt.Emit("", "Target.attachedToTarget", map[string]interface{}{
		"sessionId":          "sess1",
		"targetInfo":         map[string]interface{}{"targetId": "t1", "type": "page", "url": "http://example.com"},
		"waitingForDebugger": false,
	})
	client.ExpectThreadEvent(t)

	client.SetLogpointsRequest("/app/main.js", []int{7}, []string{"hit is {x}"})
	client.ExpectSetBreakpointsResponse(t)

	if gotCondition == "" {
		t.Fatal("expected the logpoint to be installed with a condition")
	}
	if !strings.Contains(gotCondition, "console.log(`hit is ${x}`)") {
		t.Fatalf("expected the condition to log the interpolated message, got %q", gotCondition)
	}
	if !strings.HasSuffix(gotCondition, "//# sourceURL=logpoint.cdp") {
		t.Fatalf("expected the condition to end with the logpoint sourceURL tag, got %q", gotCondition)
	}

	// A log point's console.log call surfaces through the runtime's own
	// console event, independent of any pause.
	rt.Emit("sess1", "Runtime.consoleAPICalled", map[string]interface{}{
		"type": "log",
		"args": []interface{}{map[string]interface{}{"type": "string", "value": "hit is 1"}},
	})
	out := client.ExpectOutputEvent(t)
	if out.Body.Output != "hit is 1\n" {
		t.Fatalf("got output %q, want %q", out.Body.Output, "hit is 1\n")
	}
}

// TestEvaluateScalar exercises scenario S1's scalar case: evaluating an
// expression with no compound result carries no variablesReference.
func TestEvaluateScalar(t *testing.T) {
	rt := newFakeRuntime(t)
	defer rt.Close()
	rt.On("Runtime.evaluate", func(id float64, params json.RawMessage) {
		rt.reply(id, map[string]interface{}{"result": map[string]interface{}{"type": "number", "value": 42}})
	})

	_, client := startTestServer(t)
	initializeAndAttach(t, client, rt)

	rt.Emit("", "Target.attachedToTarget", map[string]interface{}{
		"sessionId":   "sess1",
		"targetInfo":  map[string]interface{}{"targetId": "t1", "type": "page", "url": "http://example.com"},
		"waitingForDebugger": false,
	})
	client.ExpectThreadEvent(t)

	client.EvaluateRequest("42", 0, "repl")
	resp := client.ExpectEvaluateResponse(t)
	if resp.Body.VariablesReference != 0 {
		t.Fatalf("got variablesReference %d, want 0 for a scalar result", resp.Body.VariablesReference)
	}
}

// TestEvaluateObjectAllocatesReference is the object half of scenario
// S1: a compound result gets a non-zero variablesReference that
// `variables` can then expand.
func TestEvaluateObjectAllocatesReference(t *testing.T) {
	rt := newFakeRuntime(t)
	defer rt.Close()
	rt.On("Runtime.evaluate", func(id float64, params json.RawMessage) {
		rt.reply(id, map[string]interface{}{"result": map[string]interface{}{
			"type": "object", "objectId": "obj-1", "description": "Object",
		}})
	})
	rt.On("Runtime.getProperties", func(id float64, params json.RawMessage) {
		rt.reply(id, map[string]interface{}{"result": []interface{}{
			map[string]interface{}{"name": "foo", "enumerable": true, "value": map[string]interface{}{"type": "number", "value": 42}},
		}})
	})

	_, client := startTestServer(t)
	initializeAndAttach(t, client, rt)

	rt.Emit("", "Target.attachedToTarget", map[string]interface{}{
		"sessionId":   "sess1",
		"targetInfo":  map[string]interface{}{"targetId": "t1", "type": "page", "url": "http://example.com"},
		"waitingForDebugger": false,
	})
	client.ExpectThreadEvent(t)

	client.EvaluateRequest("({foo:42})", 0, "repl")
	resp := client.ExpectEvaluateResponse(t)
	if resp.Body.VariablesReference == 0 {
		t.Fatal("got variablesReference 0, want non-zero for an object result")
	}

	client.VariablesRequest(resp.Body.VariablesReference)
	vresp := client.ExpectVariablesResponse(t)
	if len(vresp.Body.Variables) != 1 || vresp.Body.Variables[0].Name != "foo" {
		t.Fatalf("got %#v, want a single foo variable", vresp.Body.Variables)
	}
}

// TestSetExceptionBreakpointsFanOut verifies every currently attached
// session receives Debugger.setPauseOnExceptions when the client changes
// its exception filter.
func TestSetExceptionBreakpointsFanOut(t *testing.T) {
	rt := newFakeRuntime(t)
	defer rt.Close()

	_, client := startTestServer(t)
	initializeAndAttach(t, client, rt)

	rt.Emit("", "Target.attachedToTarget", map[string]interface{}{
		"sessionId":   "sess1",
		"targetInfo":  map[string]interface{}{"targetId": "t1", "type": "page", "url": "http://example.com"},
		"waitingForDebugger": false,
	})
	client.ExpectThreadEvent(t)

	client.SetExceptionBreakpointsRequest([]string{"uncaught"})
	client.ExpectSetExceptionBreakpointsResponse(t)

	deadline := time.Now().Add(2 * time.Second)
	for rt.CallCount("Debugger.setPauseOnExceptions") < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// Once for the attach-time default filter, once for this request.
	if rt.CallCount("Debugger.setPauseOnExceptions") < 2 {
		t.Fatalf("got %d calls, want at least 2", rt.CallCount("Debugger.setPauseOnExceptions"))
	}
}

func TestDisconnectTearsDownSessions(t *testing.T) {
	rt := newFakeRuntime(t)
	defer rt.Close()

	_, client := startTestServer(t)
	initializeAndAttach(t, client, rt)

	rt.Emit("", "Target.attachedToTarget", map[string]interface{}{
		"sessionId":   "sess1",
		"targetInfo":  map[string]interface{}{"targetId": "t1", "type": "page", "url": "http://example.com"},
		"waitingForDebugger": false,
	})
	client.ExpectThreadEvent(t)

	client.DisconnectRequest()
	client.ExpectDisconnectResponse(t)
}

// TestBadlyFormattedMessageClosesConnection mirrors the teacher's own
// coverage for this case: a request carrying a command go-dap's decoder
// doesn't recognize at all fails to decode, and the server closes the
// connection rather than attempting to respond.
func TestBadlyFormattedMessageClosesConnection(t *testing.T) {
	_, client := startTestServer(t)
	client.InitializeRequest()
	client.ExpectInitializeResponse(t)
	client.ExpectInitializedEvent(t)

	client.UnknownRequest()
	time.Sleep(100 * time.Millisecond)

	if _, err := client.ReadMessage(); err != io.EOF {
		t.Fatalf("got err=%v, want io.EOF", err)
	}
}

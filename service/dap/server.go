// Package dap implements the debug adapter: the DAP-facing server that
// mediates between a DAP client (an editor) and a JavaScript runtime
// speaking the Chrome DevTools Protocol.
package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/go-jsdap/jsdap/internal/breakpoint"
	"github.com/go-jsdap/jsdap/internal/cdp"
	"github.com/go-jsdap/jsdap/internal/predictor"
	"github.com/go-jsdap/jsdap/internal/skip"
	"github.com/go-jsdap/jsdap/internal/source"
	"github.com/go-jsdap/jsdap/internal/sourcemap"
	"github.com/go-jsdap/jsdap/internal/sourcepath"
	"github.com/go-jsdap/jsdap/internal/stacktrace"
	"github.com/go-jsdap/jsdap/internal/target"
	"github.com/go-jsdap/jsdap/internal/thread"
	"github.com/go-jsdap/jsdap/internal/variables"
	"github.com/go-jsdap/jsdap/pkg/config"
	"github.com/go-jsdap/jsdap/pkg/logflags"
)

// Config configures a Server.
type Config struct {
	// Listener accepts client connections. The server accepts and
	// serves one client connection at a time, same as the teacher's
	// dap.Server.
	Listener net.Listener
	Log      *logrus.Entry

	// Defaults seeds any field a launch/attach request leaves unset,
	// loaded once at process startup from the on-disk config file.
	// A nil Defaults behaves as if every field were unset.
	Defaults *config.Config
}

// dapThread is the DAP-facing presentation of one attached CDP session:
// SPEC_FULL.md's mapping is that one CDP Target/session is one DAP
// "thread", regardless of whether the runtime multiplexes real OS
// threads underneath it.
type dapThread struct {
	id        int
	sessionID string
	target    *target.Target
	th        *thread.Thread
	bp        *breakpoint.Manager
	vars      *variables.Store

	mu    sync.Mutex
	trace *stacktrace.Trace // only set while paused
}

// bpRecord is one client-desired breakpoint, identified by a DAP id the
// server owns independently of any per-session breakpoint.Manager's own
// (session-local) id numbering, since the same client breakpoint may
// resolve against several attached sessions at once.
type bpRecord struct {
	dapID      int
	req        breakpoint.Request
	perSession map[string]*breakpoint.Breakpoint
	verified   bool
}

// Server is the DAP debug adapter.
type Server struct {
	config Config
	log    *logrus.Entry

	conn   net.Conn
	reader *bufio.Reader

	sendingMu sync.Mutex
	seq       int

	// clientLinesStartAt1/clientColumnsStartAt1 record how the connected
	// client wants to exchange 1- vs 0-based positions; this adapter
	// always assumes both are true (the overwhelming default) but keeps
	// the fields to make that assumption explicit rather than implicit.
	clientLinesStartAt1   bool
	clientColumnsStartAt1 bool

	mu sync.Mutex

	resolver *sourcepath.Resolver
	pred     *predictor.Predictor
	skipper  *skip.Skipper
	blackbox *skip.BlackboxManager
	loader   *sourcemap.CachingLoader

	cdpClient *cdp.Client
	targets   *target.Manager

	stopOnEntry     bool
	stackTraceDepth int

	nextThreadID     int
	threadsByID      map[int]*dapThread
	threadsBySession map[string]*dapThread

	desiredByPath      map[string][]*bpRecord
	bpByObj            map[*breakpoint.Breakpoint]*bpRecord
	nextBpID           int
	exceptionFilter    breakpoint.ExceptionFilter

	launchCmd  *exec.Cmd
	redirector *redirector

	configDoneCh chan struct{}
	stopped      bool
}

// NewServer creates a Server that will serve one client connection
// accepted from config.Listener.
func NewServer(config Config) *Server {
	log := config.Log
	if log == nil {
		log = logflags.DAPLogger()
	}
	return &Server{
		config:           config,
		log:              log,
		threadsByID:      map[int]*dapThread{},
		threadsBySession: map[string]*dapThread{},
		desiredByPath:    map[string][]*bpRecord{},
		bpByObj:          map[*breakpoint.Breakpoint]*bpRecord{},
		nextBpID:         1,
		exceptionFilter:  breakpoint.ExceptionsNone,
		configDoneCh:     make(chan struct{}),
	}
}

// Run accepts and serves client connections until the listener is
// closed.
func (s *Server) Run() {
	for {
		conn, err := s.config.Listener.Accept()
		if err != nil {
			if s.log != nil {
				s.log.WithError(err).Debug("dap: listener closed")
			}
			return
		}
		s.serveDAPCodec(conn)
	}
}

// serveDAPCodec reads and dispatches one client's messages until it
// disconnects or the connection errors.
func (s *Server) serveDAPCodec(conn net.Conn) {
	s.conn = conn
	s.reader = bufio.NewReader(conn)
	defer conn.Close()

	for {
		msg, err := dap.ReadProtocolMessage(s.reader)
		if err != nil {
			if err != io.EOF && s.log != nil {
				s.log.WithError(err).Debug("dap: read error")
			}
			return
		}
		s.handleRequest(msg)
	}
}

func (s *Server) nextSeq() int {
	s.sendingMu.Lock()
	s.seq++
	n := s.seq
	s.sendingMu.Unlock()
	return n
}

func (s *Server) send(message dap.Message) {
	s.sendingMu.Lock()
	defer s.sendingMu.Unlock()
	if err := dap.WriteProtocolMessage(s.conn, message); err != nil && s.log != nil {
		s.log.WithError(err).Warn("dap: write failed")
	}
}

func (s *Server) newResponse(request dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.nextSeq(), Type: "response"},
		RequestSeq:      request.Seq,
		Success:         true,
		Command:         request.Command,
	}
}

func (s *Server) newEvent(event string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.nextSeq(), Type: "event"},
		Event:           event,
	}
}

func (s *Server) sendErrorResponse(request dap.Request, id int, summary, details string) {
	er := &dap.ErrorResponse{Response: s.newResponse(request)}
	er.Success = false
	er.Message = summary
	er.Body.Error = &dap.ErrorMessage{Id: id, Format: details, ShowUser: true}
	if s.log != nil {
		s.log.WithFields(logrus.Fields{"command": request.Command, "summary": summary}).WithError(errors.New(details)).Warn("dap: request failed")
	}
	s.send(er)
}

// handleRequest dispatches one decoded message to its handler.
// SPEC_FULL.md's command set; unrecognized commands get the same
// UnsupportedCommand response the teacher's server issues.
func (s *Server) handleRequest(message dap.Message) {
	request, ok := message.(dap.RequestMessage)
	if !ok {
		return
	}
	req := *request.GetRequest()
	if s.log != nil {
		s.log.WithField("command", req.Command).Debug("dap: received request")
	}

	switch r := request.(type) {
	case *dap.InitializeRequest:
		s.onInitializeRequest(r)
	case *dap.LaunchRequest:
		s.onLaunchRequest(r)
	case *dap.AttachRequest:
		s.onAttachRequest(r)
	case *dap.SetBreakpointsRequest:
		s.onSetBreakpointsRequest(r)
	case *dap.SetExceptionBreakpointsRequest:
		s.onSetExceptionBreakpointsRequest(r)
	case *dap.BreakpointLocationsRequest:
		s.onBreakpointLocationsRequest(r)
	case *dap.ConfigurationDoneRequest:
		s.onConfigurationDoneRequest(r)
	case *dap.ThreadsRequest:
		s.onThreadsRequest(r)
	case *dap.StackTraceRequest:
		s.onStackTraceRequest(r)
	case *dap.ScopesRequest:
		s.onScopesRequest(r)
	case *dap.VariablesRequest:
		s.onVariablesRequest(r)
	case *dap.SetVariableRequest:
		s.onSetVariableRequest(r)
	case *dap.EvaluateRequest:
		s.onEvaluateRequest(r)
	case *dap.ContinueRequest:
		s.onContinueRequest(r)
	case *dap.NextRequest:
		s.onNextRequest(r)
	case *dap.StepInRequest:
		s.onStepInRequest(r)
	case *dap.StepOutRequest:
		s.onStepOutRequest(r)
	case *dap.PauseRequest:
		s.onPauseRequest(r)
	case *dap.SourceRequest:
		s.onSourceRequest(r)
	case *dap.LoadedSourcesRequest:
		s.onLoadedSourcesRequest(r)
	case *dap.DisconnectRequest:
		s.onDisconnectRequest(r)
	case *dap.TerminateRequest:
		s.onTerminateRequest(r)
	case *dap.RestartRequest:
		s.onRestartRequest(r)
	default:
		s.sendErrorResponse(req, UnsupportedCommand, "Unsupported command", fmt.Sprintf("%q is not yet supported", req.Command))
	}
}

// -- initialize --------------------------------------------------------

func (s *Server) onInitializeRequest(request *dap.InitializeRequest) {
	s.clientLinesStartAt1 = request.Arguments.LinesStartAt1
	s.clientColumnsStartAt1 = request.Arguments.ColumnsStartAt1

	response := &dap.InitializeResponse{Response: s.newResponse(request.Request)}
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsConditionalBreakpoints = true
	response.Body.SupportsLogPoints = true
	response.Body.SupportsSetVariable = true
	response.Body.SupportsEvaluateForHovers = true
	response.Body.SupportsBreakpointLocationsRequest = true
	response.Body.SupportsTerminateRequest = true
	response.Body.SupportsRestartRequest = true
	response.Body.SupportsLoadedSourcesRequest = true
	response.Body.ExceptionBreakpointFilters = []dap.ExceptionBreakpointsFilter{
		{Filter: "all", Label: "All Exceptions", Default: false},
		{Filter: "uncaught", Label: "Uncaught Exceptions", Default: true},
	}
	s.send(response)
	s.send(&dap.InitializedEvent{Event: s.newEvent("initialized")})
}

// -- launch / attach ----------------------------------------------------

func (s *Server) onLaunchRequest(request *dap.LaunchRequest) {
	var cfg LaunchConfig
	var args map[string]interface{}
	if err := json.Unmarshal(request.Arguments, &args); err != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", "malformed launch arguments")
		return
	}
	if err := unmarshalLaunchAttachArgs(args, &cfg); err != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
		return
	}
	s.applyDefaults(&cfg.LaunchAttachCommonConfig)

	ctx := context.Background()
	wsURL, err := s.launchRuntime(ctx, cfg)
	if err != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
		return
	}
	if err := s.afterConnect(ctx, wsURL, cfg.LaunchAttachCommonConfig); err != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
		return
	}
	s.send(&dap.LaunchResponse{Response: s.newResponse(request.Request)})
}

func (s *Server) onAttachRequest(request *dap.AttachRequest) {
	var cfg AttachConfig
	var args map[string]interface{}
	if err := json.Unmarshal(request.Arguments, &args); err != nil {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach", "malformed attach arguments")
		return
	}
	if err := unmarshalLaunchAttachArgs(args, &cfg); err != nil {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach", err.Error())
		return
	}
	s.applyDefaults(&cfg.LaunchAttachCommonConfig)
	if cfg.Address == "" {
		cfg.Address = "localhost"
	}

	ctx := context.Background()
	wsURL, err := discoverWebSocketURL(ctx, cfg.Address, cfg.Port)
	if err != nil {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach", err.Error())
		return
	}
	if err := s.afterConnect(ctx, wsURL, cfg.LaunchAttachCommonConfig); err != nil {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach", err.Error())
		return
	}
	s.send(&dap.AttachResponse{Response: s.newResponse(request.Request)})
}

// applyDefaults fills in any field common still left zero-valued after
// unmarshalling the client's request with the adapter's on-disk
// defaults, so a launch/attach request never has to repeat settings
// that rarely change between sessions (webRoot, skipFiles, and so on).
func (s *Server) applyDefaults(common *LaunchAttachCommonConfig) {
	d := s.config.Defaults
	if d == nil {
		return
	}
	if common.WebRoot == "" {
		common.WebRoot = d.WebRoot
	}
	if common.BaseURL == "" {
		common.BaseURL = d.BaseURL
	}
	if len(common.SkipFiles) == 0 {
		common.SkipFiles = d.SkipFiles
	}
	if !common.SkipFilesWithNoMap {
		common.SkipFilesWithNoMap = d.SkipFilesWithNoMap
	}
	if common.StackTraceDepth == 0 {
		common.StackTraceDepth = d.StackTraceDepth
	}
	if len(common.SourceMapPathOverrides) == 0 {
		for _, r := range d.SourceMapPathOverrides {
			common.SourceMapPathOverrides = append(common.SourceMapPathOverrides, SourceMapPathOverride{
				Pattern:     r.From,
				Replacement: r.To,
			})
		}
	}
}

// pickFreePort asks the OS for an ephemeral loopback port, then releases
// it immediately for the launched runtime to bind.
func pickFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// discoverWebSocketURL polls a runtime's /json/version endpoint until it
// answers, matching the handshake every CDP-speaking browser exposes once
// its remote-debugging port is open.
func discoverWebSocketURL(ctx context.Context, address string, port int) (string, error) {
	endpoint := fmt.Sprintf("http://%s:%d/json/version", address, port)
	deadline := time.Now().Add(10 * time.Second)
	for {
		if resp, err := http.Get(endpoint); err == nil {
			var body struct {
				WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
			}
			derr := json.NewDecoder(resp.Body).Decode(&body)
			resp.Body.Close()
			if derr == nil && body.WebSocketDebuggerURL != "" {
				return body.WebSocketDebuggerURL, nil
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("dap: timed out waiting for runtime debug endpoint at %s", endpoint)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// launchRuntime starts cfg.Runtime with a fresh remote-debugging port and
// returns its CDP WebSocket URL once the endpoint answers.
func (s *Server) launchRuntime(ctx context.Context, cfg LaunchConfig) (string, error) {
	if cfg.Runtime == "" {
		return "", errors.New("launch config requires 'runtime'")
	}
	port, err := pickFreePort()
	if err != nil {
		return "", err
	}

	args := append([]string{}, cfg.RuntimeArgs...)
	args = append(args, fmt.Sprintf("--remote-debugging-port=%d", port))
	navURL := cfg.URL
	if cfg.File != "" {
		navURL = "file://" + cfg.File
	}
	if navURL != "" {
		args = append(args, navURL)
	}

	cmd := exec.Command(cfg.Runtime, args...)

	redir, err := NewRedirector()
	if err != nil {
		return "", err
	}
	s.redirector = redir
	stdoutPath, stderrPath := redir.Paths()

	go redir.Relay("stdout", func(r io.Reader) { s.relayProcessOutput("stdout", r) })
	go redir.Relay("stderr", func(r io.Reader) { s.relayProcessOutput("stderr", r) })

	stdoutFile, err := os.OpenFile(stdoutPath, os.O_WRONLY, 0)
	if err != nil {
		return "", err
	}
	stderrFile, err := os.OpenFile(stderrPath, os.O_WRONLY, 0)
	if err != nil {
		stdoutFile.Close()
		return "", err
	}
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile

	if err := cmd.Start(); err != nil {
		stdoutFile.Close()
		stderrFile.Close()
		return "", err
	}
	stdoutFile.Close()
	stderrFile.Close()
	s.launchCmd = cmd

	return discoverWebSocketURL(ctx, "127.0.0.1", port)
}

// relayProcessOutput forwards a launched runtime's own OS-level
// stdout/stderr (not the debuggee's console.log traffic, which arrives
// over Runtime.consoleAPICalled) as DAP `output` events, line by line.
func (s *Server) relayProcessOutput(category string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		evt := &dap.OutputEvent{Event: s.newEvent("output")}
		evt.Body.Category = category
		evt.Body.Output = scanner.Text() + "\n"
		s.send(evt)
	}
}

// afterConnect finishes adapter setup common to launch and attach, once
// a CDP connection to the runtime has been established.
func (s *Server) afterConnect(ctx context.Context, wsURL string, common LaunchAttachCommonConfig) error {
	transport, err := cdp.DialWebSocket(wsURL)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cdpClient = cdp.NewClient(transport, logflags.CDPLogger())
	s.resolver = sourcepath.New(sourcepath.Config{
		RootPath:  common.WebRoot,
		WebRoot:   common.WebRoot,
		BaseURL:   common.BaseURL,
		Overrides: convertOverrides(common.SourceMapPathOverrides),
		Remote:    common.Remote,
	})
	s.pred = predictor.New(common.WebRoot, logflags.PredictorLogger())
	s.skipper = skip.New(skip.Config{SkipFiles: common.SkipFiles, SkipUnmapped: common.SkipFilesWithNoMap}, logflags.DAPLogger())
	s.blackbox = skip.NewBlackboxManager(s.skipper, logflags.DAPLogger())
	loader, err := sourcemap.NewCachingLoader(0)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.loader = loader
	s.stopOnEntry = common.StopOnEntry
	s.stackTraceDepth = common.StackTraceDepth
	if s.stackTraceDepth <= 0 {
		s.stackTraceDepth = 50
	}
	s.targets = target.NewManager(s.cdpClient, logflags.TargetLogger())
	s.mu.Unlock()

	s.targets.OnAttached(s.onTargetAttached)
	s.targets.OnDetached(s.onTargetDetached)

	return s.cdpClient.Call(ctx, "", "Target.setAutoAttach", map[string]interface{}{
		"autoAttach":             true,
		"waitForDebuggerOnStart": true,
		"flatten":                true,
	}, nil)
}

// convertOverrides adapts the client's sourceMapPathOverrides config
// attribute to sourcepath.Override. An empty list yields nil, which keeps
// the resolver's built-in webpack rule set; a non-empty list replaces it.
func convertOverrides(in []SourceMapPathOverride) []sourcepath.Override {
	if len(in) == 0 {
		return nil
	}
	out := make([]sourcepath.Override, 0, len(in))
	for _, o := range in {
		out = append(out, sourcepath.Override{Pattern: o.Pattern, Replacement: o.Replacement})
	}
	return out
}

// -- target attach/detach ----------------------------------------------

// onTargetAttached wires a newly attached CDP session into a dapThread:
// its own Thread (script table + pause state machine), breakpoint
// manager, and variable store, then replays the currently desired
// breakpoints and exception filter against it, per SPEC_FULL.md §4.2's
// "sent to every attached Thread and to every Thread attached
// afterward".
func (s *Server) onTargetAttached(t *target.Target) {
	ctx := context.Background()

	th := thread.New(thread.Config{
		SessionID: t.SessionID,
		Client:    s.cdpClient,
		Resolver:  s.resolver,
		Loader:    s.loader,
		Skipper:   s.skipper,
		Log:       logflags.DAPLogger(),
	})

	s.mu.Lock()
	s.nextThreadID++
	id := s.nextThreadID
	dt := &dapThread{
		id:        id,
		sessionID: t.SessionID,
		target:    t,
		th:        th,
		bp: breakpoint.New(breakpoint.Config{
			Client:    s.cdpClient,
			SessionID: t.SessionID,
			Sources:   th.Sources(),
			Predictor: s.pred,
		}),
		vars: variables.New(s.cdpClient, t.SessionID),
	}
	s.threadsByID[id] = dt
	s.threadsBySession[t.SessionID] = dt
	s.mu.Unlock()

	th.OnPause(func(evt thread.PauseEvent) { s.onThreadPaused(dt, evt) })
	th.OnResume(func() { s.onThreadResumed(dt) })
	th.OnConsoleMessage(func(params gjson.Result) { s.onConsoleMessage(dt, params) })
	th.OnException(func(params gjson.Result) { s.onException(dt, params) })
	th.OnScriptParsed(func(compiled *source.Source, added []*source.Source) {
		s.onScriptParsed(ctx, dt, compiled, added)
	})

	s.blackbox.AddSession(cdpBlackboxSetter{client: s.cdpClient, sessionID: t.SessionID})

	s.replayDesiredBreakpoints(ctx, dt)
	_ = dt.bp.SetExceptionBreakpoints(ctx, s.currentExceptionFilter())

	t.OnDispose(func() { _ = s.cdpClient.Call(ctx, "", "Target.detachFromTarget", map[string]string{"sessionId": t.SessionID}, nil) })

	s.send(&dap.ThreadEvent{Event: s.newEvent("thread"), Body: dap.ThreadEventBody{Reason: "started", ThreadId: id}})
}

func (s *Server) onTargetDetached(evt target.DetachedEvent) {
	s.mu.Lock()
	dt, ok := s.threadsBySession[evt.Target.SessionID]
	if ok {
		delete(s.threadsBySession, evt.Target.SessionID)
		delete(s.threadsByID, dt.id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	dt.th.Dispose()
	s.send(&dap.ThreadEvent{Event: s.newEvent("thread"), Body: dap.ThreadEventBody{Reason: "exited", ThreadId: dt.id}})

	s.mu.Lock()
	remaining := len(s.threadsByID)
	s.mu.Unlock()
	if remaining == 0 {
		s.send(&dap.TerminatedEvent{Event: s.newEvent("terminated")})
	}
}

// currentExceptionFilter returns the exception filter currently desired,
// applied to every session (including ones attached in the future).
func (s *Server) currentExceptionFilter() breakpoint.ExceptionFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exceptionFilter
}

// cdpBlackboxSetter adapts *cdp.Client to skip.BlackboxSetter for one
// session.
type cdpBlackboxSetter struct {
	client    *cdp.Client
	sessionID string
}

func (b cdpBlackboxSetter) SetBlackboxPatterns(patterns []string) error {
	return b.client.Call(context.Background(), b.sessionID, "Debugger.setBlackboxPatterns", map[string]interface{}{"patterns": patterns}, nil)
}

// -- pause/resume --------------------------------------------------------

func (s *Server) onThreadPaused(dt *dapThread, evt thread.PauseEvent) {
	dt.vars.Reset()
	trace := stacktrace.New(s.cdpClient, dt.sessionID, dt.th, evt.CallFrames, evt.AsyncStackTraceID)
	dt.mu.Lock()
	dt.trace = trace
	dt.mu.Unlock()

	hit := dt.bp.HitBreakpoints(evt.HitBreakpointIDs)
	reason := string(evt.Reason)
	if len(hit) > 0 {
		reason = "breakpoint"
	}
	se := &dap.StoppedEvent{Event: s.newEvent("stopped")}
	se.Body.Reason = reason
	se.Body.ThreadId = dt.id
	se.Body.AllThreadsStopped = false
	s.send(se)
}

func (s *Server) onThreadResumed(dt *dapThread) {
	dt.mu.Lock()
	dt.trace = nil
	dt.mu.Unlock()
	dt.vars.Reset()
	ce := &dap.ContinuedEvent{Event: s.newEvent("continued")}
	ce.Body.ThreadId = dt.id
	ce.Body.AllThreadsContinued = false
	s.send(ce)
}

// onScriptParsed re-sets any breakpoints against sources added alongside
// a newly parsed script, and re-checks/reports verification state
// changes. The runtime is not paused for script parsing, so the script
// keeps running while this happens.
func (s *Server) onScriptParsed(ctx context.Context, dt *dapThread, compiled *source.Source, added []*source.Source) {
	loaded := append([]*source.Source{compiled}, added...)
	for _, src := range loaded {
		le := &dap.LoadedSourceEvent{Event: s.newEvent("loadedSource")}
		le.Body.Reason = "new"
		le.Body.Source = s.dapSource(src)
		s.send(le)
	}

	remainPaused := dt.bp.HandleScriptParsed(ctx, added)
	s.refreshBreakpointVerification(dt)
	if remainPaused {
		// Nothing to do: the runtime is never paused for script
		// parsing, so there is no pause here to keep or to resume from.
		return
	}
}

// refreshBreakpointVerification recomputes each desired breakpoint's
// aggregated verified status for dt and emits a `breakpoint` event for
// anything that changed.
func (s *Server) refreshBreakpointVerification(dt *dapThread) {
	s.mu.Lock()
	var changed []*bpRecord
	for _, records := range s.desiredByPath {
		for _, rec := range records {
			bp, ok := rec.perSession[dt.sessionID]
			if !ok {
				continue
			}
			v := bp.Verified()
			if v != rec.verified && v {
				rec.verified = true
				changed = append(changed, rec)
			}
		}
	}
	s.mu.Unlock()

	for _, rec := range changed {
		be := &dap.BreakpointEvent{Event: s.newEvent("breakpoint")}
		be.Body.Reason = "changed"
		be.Body.Breakpoint = dap.Breakpoint{Id: rec.dapID, Verified: true, Line: rec.req.Line}
		s.send(be)
	}
}

// -- breakpoints ----------------------------------------------------------

func (s *Server) onSetBreakpointsRequest(request *dap.SetBreakpointsRequest) {
	ctx := context.Background()
	src := request.Arguments.Source
	path := src.Path
	if path == "" {
		path = src.Name
	}

	reqs := make([]breakpoint.Request, len(request.Arguments.Breakpoints))
	for i, b := range request.Arguments.Breakpoints {
		reqs[i] = breakpoint.Request{Line: b.Line, Column: b.Column, Condition: b.Condition, LogMessage: b.LogMessage}
	}

	s.mu.Lock()
	records := make([]*bpRecord, len(reqs))
	for i, r := range reqs {
		records[i] = &bpRecord{dapID: s.nextBpID, req: r, perSession: map[string]*breakpoint.Breakpoint{}}
		s.nextBpID++
	}
	s.desiredByPath[path] = records
	threads := make([]*dapThread, 0, len(s.threadsByID))
	for _, dt := range s.threadsByID {
		threads = append(threads, dt)
	}
	s.mu.Unlock()

	for _, dt := range threads {
		srcObj := dt.th.Sources().RegisterAuthoredPath(path, "")
		bps, err := dt.bp.SetBreakpoints(ctx, srcObj, reqs)
		if err != nil {
			continue
		}
		s.mu.Lock()
		for i, bp := range bps {
			if i < len(records) {
				records[i].perSession[dt.sessionID] = bp
				s.bpByObj[bp] = records[i]
			}
		}
		s.mu.Unlock()
	}

	out := make([]dap.Breakpoint, len(records))
	for i, rec := range records {
		out[i] = dap.Breakpoint{Id: rec.dapID, Verified: s.recordVerified(rec), Line: rec.req.Line}
	}
	response := &dap.SetBreakpointsResponse{Response: s.newResponse(request.Request)}
	response.Body.Breakpoints = out
	s.send(response)
}

func (s *Server) recordVerified(rec *bpRecord) bool {
	for _, bp := range rec.perSession {
		if bp.Verified() {
			rec.verified = true
			return true
		}
	}
	return false
}

// replayDesiredBreakpoints re-sets every currently desired breakpoint
// against a newly attached session.
func (s *Server) replayDesiredBreakpoints(ctx context.Context, dt *dapThread) {
	s.mu.Lock()
	type job struct {
		path    string
		records []*bpRecord
	}
	var jobs []job
	for path, records := range s.desiredByPath {
		jobs = append(jobs, job{path: path, records: records})
	}
	s.mu.Unlock()

	for _, j := range jobs {
		srcObj := dt.th.Sources().RegisterAuthoredPath(j.path, "")
		reqs := make([]breakpoint.Request, len(j.records))
		for i, r := range j.records {
			reqs[i] = r.req
		}
		bps, err := dt.bp.SetBreakpoints(ctx, srcObj, reqs)
		if err != nil {
			continue
		}
		s.mu.Lock()
		for i, bp := range bps {
			if i < len(j.records) {
				j.records[i].perSession[dt.sessionID] = bp
				s.bpByObj[bp] = j.records[i]
			}
		}
		s.mu.Unlock()
	}
}

func (s *Server) onSetExceptionBreakpointsRequest(request *dap.SetExceptionBreakpointsRequest) {
	filter := breakpoint.ExceptionsNone
	for _, f := range request.Arguments.Filters {
		switch f {
		case "all":
			filter = breakpoint.ExceptionsAll
		case "uncaught":
			if filter != breakpoint.ExceptionsAll {
				filter = breakpoint.ExceptionsUncaught
			}
		}
	}

	s.mu.Lock()
	s.exceptionFilter = filter
	threads := make([]*dapThread, 0, len(s.threadsByID))
	for _, dt := range s.threadsByID {
		threads = append(threads, dt)
	}
	s.mu.Unlock()

	ctx := context.Background()
	for _, dt := range threads {
		_ = dt.bp.SetExceptionBreakpoints(ctx, filter)
	}
	s.send(&dap.SetExceptionBreakpointsResponse{Response: s.newResponse(request.Request)})
}

// onBreakpointLocationsRequest derives candidate breakpoint positions for
// the requested range from the target source's compiled siblings' source
// maps. A source with no map (or no sibling at all) carries no sub-line
// position data of its own, so the request's line/column is returned
// unchanged in that case -- there is nothing finer to offer.
func (s *Server) onBreakpointLocationsRequest(request *dap.BreakpointLocationsRequest) {
	args := request.Arguments

	var src *source.Source
	s.mu.Lock()
	for _, dt := range s.threadsByID {
		if args.Source.Path != "" {
			if found, ok := dt.th.Sources().ByPath(args.Source.Path); ok {
				src = found
				break
			}
		}
		if args.Source.SourceReference != 0 {
			if found, ok := dt.th.Sources().BySource(args.Source.SourceReference); ok {
				src = found
				break
			}
		}
	}
	s.mu.Unlock()

	endLine := args.EndLine
	if endLine == 0 {
		endLine = args.Line
	}

	var locs []dap.BreakpointLocation
	if src != nil && src.Kind == source.Authored {
		for _, compiled := range src.Siblings() {
			sm := compiled.SourceMap()
			if sm == nil {
				continue
			}
			for _, e := range sm.EntriesForSource(src.URL, args.Line-1, endLine-1) {
				locs = append(locs, dap.BreakpointLocation{Line: e.SourceLine + 1, Column: e.SourceColumn + 1})
			}
		}
	}
	if len(locs) == 0 {
		locs = []dap.BreakpointLocation{{Line: args.Line, Column: args.Column}}
	}

	response := &dap.BreakpointLocationsResponse{Response: s.newResponse(request.Request)}
	response.Body.Breakpoints = locs
	s.send(response)
}

func (s *Server) onConfigurationDoneRequest(request *dap.ConfigurationDoneRequest) {
	s.mu.Lock()
	if !s.stopped {
		close(s.configDoneCh)
		s.stopped = true
	}
	s.mu.Unlock()
	s.send(&dap.ConfigurationDoneResponse{Response: s.newResponse(request.Request)})
}

// -- threads / stack / scopes / variables --------------------------------

func (s *Server) onThreadsRequest(request *dap.ThreadsRequest) {
	s.mu.Lock()
	out := make([]dap.Thread, 0, len(s.threadsByID))
	for id, dt := range s.threadsByID {
		name := dt.target.Info.Title
		if name == "" {
			name = dt.target.Info.URL
		}
		out = append(out, dap.Thread{Id: id, Name: name})
	}
	s.mu.Unlock()
	response := &dap.ThreadsResponse{Response: s.newResponse(request.Request)}
	response.Body.Threads = out
	s.send(response)
}

func (s *Server) threadByID(id int) (*dapThread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dt, ok := s.threadsByID[id]
	return dt, ok
}

func (s *Server) onStackTraceRequest(request *dap.StackTraceRequest) {
	dt, ok := s.threadByID(request.Arguments.ThreadId)
	if !ok {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", "unknown thread")
		return
	}
	dt.mu.Lock()
	trace := dt.trace
	dt.mu.Unlock()
	if trace == nil {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", "thread is not paused")
		return
	}

	levels := request.Arguments.Levels
	if levels <= 0 {
		levels = s.stackTraceDepth
	}
	frames, err := trace.Frames(context.Background(), levels)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", err.Error())
		return
	}

	out := make([]dap.StackFrame, 0, len(frames))
	for _, f := range frames {
		if f.AsyncSeparator {
			out = append(out, dap.StackFrame{Id: f.ID, Name: "--- " + f.AsyncLabel + " ---", PresentationHint: "label"})
			continue
		}
		if s.skipper != nil && s.skipper.ShouldSkip(f.Location.Source.Path, f.Location.Source.Kind == source.Authored) {
			continue
		}
		sf := dap.StackFrame{
			Id:   f.ID,
			Name: f.Name,
			Line: f.Location.Line,
			Column: f.Location.Column,
		}
		if f.Location.Source != nil {
			src := s.dapSource(f.Location.Source)
			sf.Source = &src
		}
		out = append(out, sf)
	}

	response := &dap.StackTraceResponse{Response: s.newResponse(request.Request)}
	response.Body.StackFrames = out
	response.Body.TotalFrames = len(out)
	s.send(response)
}

// dapSource builds a dap.Source referencing src: by Path when one is
// resolved, by SourceReference (for the `source` request) otherwise.
func (s *Server) dapSource(src *source.Source) dap.Source {
	name := filepath.Base(src.Path)
	if name == "" || name == "." {
		name = filepath.Base(src.URL)
	}
	ds := dap.Source{Name: name}
	if src.Path != "" {
		ds.Path = src.Path
	} else {
		ds.SourceReference = src.Reference
	}
	return ds
}

func (s *Server) onScopesRequest(request *dap.ScopesRequest) {
	dt, frame := s.frameByGlobalID(request.Arguments.FrameId)
	if frame == nil {
		s.sendErrorResponse(request.Request, UnableToListScopes, "Unable to list scopes", "unknown frame")
		return
	}

	var scopes []dap.Scope
	frame.ScopeChain.ForEach(func(_, sc gjson.Result) bool {
		objID := sc.Get("object.objectId").String()
		if objID == "" {
			return true
		}
		typ := sc.Get("type").String()
		name := typ
		switch typ {
		case "local":
			name = "Locals"
		case "closure":
			name = "Closure"
		case "global":
			name = "Global"
		case "block":
			name = "Block"
		}
		scopes = append(scopes, dap.Scope{
			Name:               name,
			VariablesReference: dt.vars.Reference(objID, ""),
			Expensive:          typ == "global",
		})
		return true
	})

	response := &dap.ScopesResponse{Response: s.newResponse(request.Request)}
	response.Body.Scopes = scopes
	s.send(response)
}

// frameByGlobalID finds the stack frame handed out with id frameID and
// the dapThread whose VariableStore can resolve its scope objects. Frame
// handles are minted by internal/stacktrace per paused thread but are
// unique across the whole session, so a linear scan over attached
// threads is enough to find the owner.
func (s *Server) frameByGlobalID(frameID int) (*dapThread, *stacktrace.Frame) {
	s.mu.Lock()
	threads := make([]*dapThread, 0, len(s.threadsByID))
	for _, dt := range s.threadsByID {
		threads = append(threads, dt)
	}
	s.mu.Unlock()
	for _, dt := range threads {
		dt.mu.Lock()
		trace := dt.trace
		dt.mu.Unlock()
		if trace == nil {
			continue
		}
		if f, ok := trace.FrameByID(frameID); ok {
			return dt, f
		}
	}
	return nil, nil
}

// onConsoleMessage relays a Runtime.consoleAPICalled event as a DAP
// `output` event, the category matching the console method used
// ("error"/"warning" route to stderr, everything else to stdout).
func (s *Server) onConsoleMessage(dt *dapThread, params gjson.Result) {
	var parts []string
	params.Get("args").ForEach(func(_, arg gjson.Result) bool {
		if desc := arg.Get("description"); desc.Exists() {
			parts = append(parts, desc.String())
		} else if v := arg.Get("value"); v.Exists() {
			parts = append(parts, v.String())
		}
		return true
	})
	text := ""
	for i, p := range parts {
		if i > 0 {
			text += " "
		}
		text += p
	}

	category := "stdout"
	switch params.Get("type").String() {
	case "error", "warning":
		category = "stderr"
	}
	evt := &dap.OutputEvent{Event: s.newEvent("output")}
	evt.Body.Category = category
	evt.Body.Output = text + "\n"
	s.send(evt)
}

// onException relays a Runtime.exceptionThrown event as a DAP `output`
// event; SPEC_FULL.md treats a raised-but-unhandled exception as
// diagnostic output rather than a stop, independent of whether
// Debugger.setPauseOnExceptions causes the runtime to also pause (which
// onThreadPaused handles separately through the ordinary `stopped` path).
func (s *Server) onException(dt *dapThread, params gjson.Result) {
	desc := params.Get("exceptionDetails.exception.description").String()
	if desc == "" {
		desc = params.Get("exceptionDetails.text").String()
	}
	evt := &dap.OutputEvent{Event: s.newEvent("output")}
	evt.Body.Category = "stderr"
	evt.Body.Output = desc + "\n"
	s.send(evt)
}

// -- variables ------------------------------------------------------------

// threadForVarsRef finds the single dapThread whose VariableStore could
// plausibly resolve ref: a paused thread, or, when none is paused (a
// reference handed out by a global `evaluate`), an attached one.
// references are allocated per Store, so in the presence of more than one
// simultaneously paused (or, with none paused, attached) thread a
// reference could collide; the common single-thread case this adapter is
// designed for has exactly one candidate.
func (s *Server) threadForVarsRef(ref int) *dapThread {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *dapThread
	for _, dt := range s.threadsByID {
		dt.mu.Lock()
		paused := dt.trace != nil
		dt.mu.Unlock()
		if paused {
			found = dt
		}
	}
	if found == nil {
		for _, dt := range s.threadsByID {
			return dt
		}
	}
	return found
}

func (s *Server) onVariablesRequest(request *dap.VariablesRequest) {
	dt := s.threadForVarsRef(request.Arguments.VariablesReference)
	if dt == nil {
		s.sendErrorResponse(request.Request, UnableToListVariables, "Unable to list variables", "no attached thread")
		return
	}
	vars, err := dt.vars.Variables(context.Background(), request.Arguments.VariablesReference, request.Arguments.Filter, request.Arguments.Start, request.Arguments.Count)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToListVariables, "Unable to list variables", err.Error())
		return
	}
	out := make([]dap.Variable, len(vars))
	for i, v := range vars {
		out[i] = dap.Variable{Name: v.Name, Value: v.Value, Type: v.Type, VariablesReference: v.Reference}
	}
	response := &dap.VariablesResponse{Response: s.newResponse(request.Request)}
	response.Body.Variables = out
	s.send(response)
}

func (s *Server) onSetVariableRequest(request *dap.SetVariableRequest) {
	dt := s.threadForVarsRef(request.Arguments.VariablesReference)
	if dt == nil {
		s.sendErrorResponse(request.Request, UnableToSetVariable, "Unable to set variable", "no attached thread")
		return
	}
	v, err := dt.vars.SetVariable(context.Background(), request.Arguments.VariablesReference, request.Arguments.Name, request.Arguments.Value)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToSetVariable, "Unable to set variable", err.Error())
		return
	}
	response := &dap.SetVariableResponse{Response: s.newResponse(request.Request)}
	response.Body.Value = v.Value
	response.Body.Type = v.Type
	response.Body.VariablesReference = v.Reference
	s.send(response)
}

// -- evaluate ---------------------------------------------------------------

func (s *Server) onEvaluateRequest(request *dap.EvaluateRequest) {
	dt, frame := s.frameByGlobalID(request.Arguments.FrameId)
	var callFrameID string
	if frame != nil {
		callFrameID = frame.CallFrameID
	}
	if dt == nil {
		dt = s.anyThread()
	}
	if dt == nil {
		s.sendErrorResponse(request.Request, UnableToEvaluateExpression, "Unable to evaluate expression", "no attached thread")
		return
	}

	res, err := dt.th.Evaluate(context.Background(), request.Arguments.Expression, callFrameID)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToEvaluateExpression, "Unable to evaluate expression", err.Error())
		return
	}
	response := &dap.EvaluateResponse{Response: s.newResponse(request.Request)}
	value := res.Description
	if value == "" {
		value = res.Value.String()
	}
	response.Body.Result = value
	response.Body.Type = res.Type
	response.Body.VariablesReference = dt.vars.Reference(res.ObjectID, res.Subtype)
	s.send(response)
}

func (s *Server) anyThread() *dapThread {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dt := range s.threadsByID {
		return dt
	}
	return nil
}

// -- execution control ------------------------------------------------------

func (s *Server) onContinueRequest(request *dap.ContinueRequest) {
	dt, ok := s.threadByID(request.Arguments.ThreadId)
	if !ok {
		s.sendErrorResponse(request.Request, InternalError, "Unable to continue", "unknown thread")
		return
	}
	if err := dt.th.Continue(context.Background()); err != nil {
		s.sendErrorResponse(request.Request, InternalError, "Unable to continue", err.Error())
		return
	}
	s.send(&dap.ContinueResponse{Response: s.newResponse(request.Request)})
}

func (s *Server) onNextRequest(request *dap.NextRequest) {
	s.step(request.Request, request.Arguments.ThreadId, thread.StepNext, func() dap.Message {
		return &dap.NextResponse{Response: s.newResponse(request.Request)}
	})
}

func (s *Server) onStepInRequest(request *dap.StepInRequest) {
	s.step(request.Request, request.Arguments.ThreadId, thread.StepIn, func() dap.Message {
		return &dap.StepInResponse{Response: s.newResponse(request.Request)}
	})
}

func (s *Server) onStepOutRequest(request *dap.StepOutRequest) {
	s.step(request.Request, request.Arguments.ThreadId, thread.StepOut, func() dap.Message {
		return &dap.StepOutResponse{Response: s.newResponse(request.Request)}
	})
}

func (s *Server) step(request dap.Request, threadID int, kind thread.StepKind, response func() dap.Message) {
	dt, ok := s.threadByID(threadID)
	if !ok {
		s.sendErrorResponse(request, InternalError, "Unable to step", "unknown thread")
		return
	}
	if err := dt.th.Step(context.Background(), kind); err != nil {
		s.sendErrorResponse(request, InternalError, "Unable to step", err.Error())
		return
	}
	s.send(response())
}

func (s *Server) onPauseRequest(request *dap.PauseRequest) {
	dt, ok := s.threadByID(request.Arguments.ThreadId)
	if !ok {
		s.sendErrorResponse(request.Request, InternalError, "Unable to halt execution", "unknown thread")
		return
	}
	if err := dt.th.Pause(context.Background()); err != nil {
		s.sendErrorResponse(request.Request, InternalError, "Unable to halt execution", err.Error())
		return
	}
	s.send(&dap.PauseResponse{Response: s.newResponse(request.Request)})
}

// -- source -----------------------------------------------------------------

func (s *Server) onSourceRequest(request *dap.SourceRequest) {
	ref := request.Arguments.SourceReference
	path := request.Arguments.Source.Path

	var src *source.Source
	s.mu.Lock()
	for _, dt := range s.threadsByID {
		if path != "" {
			if found, ok := dt.th.Sources().ByPath(path); ok {
				src = found
				break
			}
		}
		if ref != 0 {
			if found, ok := dt.th.Sources().BySource(ref); ok {
				src = found
				break
			}
		}
	}
	s.mu.Unlock()

	if src == nil {
		s.sendErrorResponse(request.Request, NoSourceAvailable, "Unable to fetch source", "source not found")
		return
	}
	content, err := src.Content(context.Background())
	if err != nil {
		s.sendErrorResponse(request.Request, NoSourceAvailable, "Unable to fetch source", err.Error())
		return
	}
	response := &dap.SourceResponse{Response: s.newResponse(request.Request)}
	response.Body.Content = content
	response.Body.MimeType = "text/javascript"
	s.send(response)
}

// onLoadedSourcesRequest lists every Source registered across every
// attached thread's SourceContainer. Sources with a resolved path are
// deduplicated by path; those without one (pure runtime sources with no
// local file) are kept per thread, since their SourceReference is only
// unique within its own container.
func (s *Server) onLoadedSourcesRequest(request *dap.LoadedSourcesRequest) {
	s.mu.Lock()
	threads := make([]*dapThread, 0, len(s.threadsByID))
	for _, dt := range s.threadsByID {
		threads = append(threads, dt)
	}
	s.mu.Unlock()

	seenPath := map[string]bool{}
	var sources []dap.Source
	for _, dt := range threads {
		for _, src := range dt.th.Sources().All() {
			if src.Path != "" {
				if seenPath[src.Path] {
					continue
				}
				seenPath[src.Path] = true
			}
			sources = append(sources, s.dapSource(src))
		}
	}
	response := &dap.LoadedSourcesResponse{Response: s.newResponse(request.Request)}
	response.Body.Sources = sources
	s.send(response)
}

// -- disconnect / terminate / restart ---------------------------------------

func (s *Server) onDisconnectRequest(request *dap.DisconnectRequest) {
	s.teardown()
	s.send(&dap.DisconnectResponse{Response: s.newResponse(request.Request)})
}

func (s *Server) onTerminateRequest(request *dap.TerminateRequest) {
	s.teardown()
	s.send(&dap.TerminateResponse{Response: s.newResponse(request.Request)})
	s.send(&dap.TerminatedEvent{Event: s.newEvent("terminated")})
}

func (s *Server) onRestartRequest(request *dap.RestartRequest) {
	s.sendErrorResponse(request.Request, UnsupportedCommand, "Unable to restart", "restart is not supported; disconnect and relaunch instead")
}

// teardown disconnects every attached session, kills a launched runtime
// process, and releases the redirector's pipes.
func (s *Server) teardown() {
	ctx := context.Background()
	s.mu.Lock()
	threads := make([]*dapThread, 0, len(s.threadsByID))
	for _, dt := range s.threadsByID {
		threads = append(threads, dt)
	}
	cmd := s.launchCmd
	redir := s.redirector
	cdpClient := s.cdpClient
	s.mu.Unlock()

	for _, dt := range threads {
		_ = cdpClient.Call(ctx, "", "Target.detachFromTarget", map[string]string{"sessionId": dt.sessionID}, nil)
	}
	if cdpClient != nil {
		cdpClient.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if redir != nil {
		redir.Close()
	}
}

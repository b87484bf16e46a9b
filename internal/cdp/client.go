// Package cdp is the outward-facing transport to a JavaScript runtime
// speaking the Chrome DevTools Protocol: command/response correlation,
// event dispatch, and flatten-mode session multiplexing.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// message is the wire shape of every CDP command, response, and event.
// Flatten mode (SPEC_FULL.md §6) puts sessionId alongside id/method so a
// single transport can carry every attached target's traffic.
type message struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *cdpError) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// EventHandler is invoked for every CDP event, with the session it
// belongs to (empty for the browser-level session) and its raw params.
// Handlers use gjson to pick individual fields out of the payload rather
// than unmarshaling into a fully-typed struct per event: SPEC_FULL.md §9
// calls for "define strict variant types... unknown fields preserved, not
// relied on", which a schemaless accessor satisfies more directly than a
// struct with `json:"-"` escape hatches for every CDP protocol revision.
type EventHandler func(sessionID string, method string, params gjson.Result)

// Client is one CDP transport connection carrying every flattened
// session for a single browser instance.
type Client struct {
	transport Transport
	log       *logrus.Entry

	nextID int64

	mu      sync.Mutex
	pending map[int64]chan message
	closed  bool

	handlersMu sync.RWMutex
	handlers   []EventHandler

	events chan message

	doneOnce sync.Once
	done     chan struct{}
}

// NewClient wraps transport and starts its read loop.
//
// Events are handed off to a dedicated goroutine rather than dispatched
// inline from the read loop: a handler that itself calls Call (onTargetAttached
// replaying breakpoints against a freshly attached session, a detach
// handler issuing Target.detachFromTarget) would otherwise deadlock waiting for a
// response only the read loop -- blocked running that same handler --
// could ever deliver.
func NewClient(transport Transport, log *logrus.Entry) *Client {
	c := &Client{
		transport: transport,
		log:       log,
		pending:   map[int64]chan message{},
		events:    make(chan message, 64),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	go c.eventLoop()
	return c
}

// OnEvent registers a handler invoked for every event from any session.
// Callers filter by method/sessionId themselves; this mirrors how few
// distinct event shapes CDP actually has relative to the breadth of
// domains, and avoids a combinatorial per-method registration API.
func (c *Client) OnEvent(h EventHandler) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlersMu.Unlock()
}

// Done is closed when the underlying transport has disconnected.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop() {
	defer c.markClosed()
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			if c.log != nil {
				c.log.WithError(err).Debug("cdp transport closed")
			}
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			if c.log != nil {
				c.log.WithError(err).Warn("cdp: malformed message")
			}
			continue
		}
		if msg.ID != 0 {
			c.dispatchResponse(msg)
			continue
		}
		select {
		case c.events <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) dispatchResponse(msg message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// eventLoop runs every registered EventHandler, one event at a time and in
// arrival order, on a goroutine separate from readLoop so a handler is free
// to call back into Call.
func (c *Client) eventLoop() {
	for {
		select {
		case msg := <-c.events:
			parsed := gjson.ParseBytes(msg.Params)
			c.handlersMu.RLock()
			handlers := append([]EventHandler(nil), c.handlers...)
			c.handlersMu.RUnlock()
			for _, h := range handlers {
				h(msg.SessionID, msg.Method, parsed)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) markClosed() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = map[int64]chan message{}
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	c.doneOnce.Do(func() { close(c.done) })
}

// Call issues method with params against sessionID (empty for the
// browser-level session) and decodes the JSON result into out (which may
// be nil to discard it).
func (c *Client) Call(ctx context.Context, sessionID, method string, params interface{}, out interface{}) error {
	raw, err := c.CallRaw(ctx, sessionID, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// CallRaw is Call without a typed result, returning the raw "result"
// payload for callers that want to pick fields out with gjson.
func (c *Client) CallRaw(ctx context.Context, sessionID, method string, params interface{}) (json.RawMessage, error) {
	paramBytes, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	id := atomic.AddInt64(&c.nextID, 1)
	msg := message{ID: id, SessionID: sessionID, Method: method, Params: paramBytes}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	ch := make(chan message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("cdp: client closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.transport.WriteMessage(data); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("cdp: connection closed before response to %s", method)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Close tears down the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// SetSessionField sets a single dotted field path within a raw CDP
// event's payload before re-parsing it -- used by the target layer to
// patch a synthetic id into an attach event the runtime sent without
// one, so every downstream consumer of the event sees the same minted
// value rather than just the in-memory Target built from it.
func SetSessionField(raw []byte, path string, value string) ([]byte, error) {
	return sjson.SetBytes(raw, path, value)
}

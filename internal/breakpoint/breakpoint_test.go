package breakpoint

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-jsdap/jsdap/internal/cdp"
	"github.com/go-jsdap/jsdap/internal/source"
)

type memTransport struct {
	in  chan []byte
	out chan []byte
}

func newPair() (cdp.Transport, cdp.Transport) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	return &memTransport{in: a, out: b}, &memTransport{in: b, out: a}
}

func (p *memTransport) ReadMessage() ([]byte, error) {
	data, ok := <-p.in
	if !ok {
		return nil, errClosed
	}
	return data, nil
}
func (p *memTransport) WriteMessage(data []byte) error { p.out <- data; return nil }
func (p *memTransport) Close() error                   { close(p.out); return nil }

type closedErr struct{}

func (*closedErr) Error() string { return "closed" }

var errClosed = &closedErr{}

// server answers every Debugger.setBreakpointByUrl call with a fresh
// synthetic id, and every Debugger.removeBreakpoint with an empty
// result, so Manager's synchronous Call()s never block.
func server(t *testing.T, transport cdp.Transport) {
	t.Helper()
	go func() {
		next := 1
		for {
			data, err := transport.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID     int64  `json:"id"`
				Method string `json:"method"`
			}
			json.Unmarshal(data, &req)
			var result json.RawMessage
			switch req.Method {
			case "Debugger.setBreakpointByUrl":
				result = json.RawMessage(`{"breakpointId":"bp` + itoa(next) + `","locations":[]}`)
				next++
			default:
				result = json.RawMessage(`{}`)
			}
			resp, _ := json.Marshal(map[string]interface{}{"id": req.ID, "result": result})
			if err := transport.WriteMessage(resp); err != nil {
				return
			}
		}
	}()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func newManager(t *testing.T) (*Manager, cdp.Transport) {
	t.Helper()
	clientSide, serverSide := newPair()
	client := cdp.NewClient(clientSide, nil)
	t.Cleanup(func() { client.Close() })
	server(t, serverSide)
	return New(Config{Client: client, SessionID: "sess1"}), serverSide
}

func TestSetBreakpointsResolvesByURL(t *testing.T) {
	m, _ := newManager(t)
	src := &source.Source{URL: "http://localhost/app.js"}

	bps, err := m.SetBreakpoints(context.Background(), src, []Request{
		{Line: 10, Column: 0},
		{Line: 20, Column: 4, Condition: "x > 1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(bps) != 2 {
		t.Fatalf("expected 2 breakpoints, got %d", len(bps))
	}
	for _, bp := range bps {
		if !bp.Verified() {
			t.Fatalf("expected breakpoint %+v to be verified", bp)
		}
		if len(bp.RuntimeIDs()) != 1 {
			t.Fatalf("expected exactly one runtime id, got %v", bp.RuntimeIDs())
		}
	}
}

func TestSetBreakpointsIsIdempotentByKey(t *testing.T) {
	m, _ := newManager(t)
	src := &source.Source{URL: "http://localhost/app.js"}

	first, err := m.SetBreakpoints(context.Background(), src, []Request{{Line: 5, Column: 0}})
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.SetBreakpoints(context.Background(), src, []Request{{Line: 5, Column: 0}})
	if err != nil {
		t.Fatal(err)
	}
	if first[0].ID != second[0].ID {
		t.Fatalf("expected re-setting the same line to return the same breakpoint identity")
	}
}

func TestSetBreakpointsRemovesStaleOnes(t *testing.T) {
	m, _ := newManager(t)
	src := &source.Source{URL: "http://localhost/app.js"}

	first, err := m.SetBreakpoints(context.Background(), src, []Request{{Line: 5, Column: 0}})
	if err != nil {
		t.Fatal(err)
	}
	stale := first[0]
	staleID := stale.RuntimeIDs()[0]

	if _, err := m.SetBreakpoints(context.Background(), src, []Request{{Line: 9, Column: 0}}); err != nil {
		t.Fatal(err)
	}
	if stale.Verified() {
		t.Fatal("expected the dropped breakpoint to be un-verified after removal")
	}
	if _, ok := m.ByRuntimeID(staleID); ok {
		t.Fatal("expected the stale breakpoint's runtime id removed from the resolver index")
	}
}

func TestHitBreakpointsResolvesRuntimeIDs(t *testing.T) {
	m, _ := newManager(t)
	src := &source.Source{URL: "http://localhost/app.js"}

	bps, err := m.SetBreakpoints(context.Background(), src, []Request{
		{Line: 1, Column: 0},
		{Line: 2, Column: 0, LogMessage: "hit"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var allIDs []string
	for _, bp := range bps {
		allIDs = append(allIDs, bp.RuntimeIDs()...)
	}

	hit := m.HitBreakpoints(allIDs)
	if len(hit) != 2 {
		t.Fatalf("expected both runtime ids to resolve, got %d", len(hit))
	}
}

func TestEffectiveConditionInjectsLogPoint(t *testing.T) {
	bp := &Breakpoint{LogMessage: "x is {x}, y is {y}"}
	cond := bp.effectiveCondition()
	want := "console.log(`x is ${x}, y is ${y}`)\n//# sourceURL=logpoint.cdp"
	if cond != want {
		t.Fatalf("expected %q, got %q", want, cond)
	}
}

func TestEffectiveConditionCombinesConditionAndLogPoint(t *testing.T) {
	bp := &Breakpoint{Condition: "n > 10", LogMessage: "n is {n}"}
	cond := bp.effectiveCondition()
	want := "(n > 10) && (console.log(`n is ${n}`))\n//# sourceURL=logpoint.cdp"
	if cond != want {
		t.Fatalf("expected %q, got %q", want, cond)
	}
}

func TestEffectiveConditionPlainBreakpointUnchanged(t *testing.T) {
	bp := &Breakpoint{Condition: "n > 10"}
	if got := bp.effectiveCondition(); got != "n > 10" {
		t.Fatalf("expected condition unchanged, got %q", got)
	}
}

package thread

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-jsdap/jsdap/internal/cdp"
)

type memTransport struct {
	in  chan []byte
	out chan []byte
}

func newPair() (cdp.Transport, cdp.Transport) {
	a := make(chan []byte, 16)
	b := make(chan []byte, 16)
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

func TestPauseResumeStateMachine(t *testing.T) {
	clientSide, serverSide := newPair()
	client := cdp.NewClient(clientSide, nil)
	defer client.Close()

	th := New(Config{SessionID: "sess1", Client: client})
	if th.State() != Initializing {
		t.Fatalf("expected Initializing, got %v", th.State())
	}

	paused := make(chan PauseEvent, 1)
	th.OnPause(func(e PauseEvent) { paused <- e })
	resumed := make(chan struct{}, 1)
	th.OnResume(func() { resumed <- struct{}{} })

	sendEvent(t, serverSide, "sess1", "Debugger.paused", `{"reason":"other","hitBreakpoints":["bp1"],"callFrames":[]}`)

	select {
	case e := <-paused:
		if th.State() != Paused {
			t.Fatalf("expected Paused, got %v", th.State())
		}
		if len(e.HitBreakpointIDs) != 1 || e.HitBreakpointIDs[0] != "bp1" {
			t.Fatalf("unexpected hit breakpoints: %v", e.HitBreakpointIDs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pause handler")
	}

	sendEvent(t, serverSide, "sess1", "Debugger.resumed", `{}`)
	select {
	case <-resumed:
		if th.State() != Running {
			t.Fatalf("expected Running, got %v", th.State())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resume handler")
	}
}

func TestEventFromOtherSessionIgnored(t *testing.T) {
	clientSide, serverSide := newPair()
	client := cdp.NewClient(clientSide, nil)
	defer client.Close()

	th := New(Config{SessionID: "sess1", Client: client})
	sendEvent(t, serverSide, "other-session", "Debugger.paused", `{"reason":"other"}`)
	time.Sleep(50 * time.Millisecond)
	if th.State() != Initializing {
		t.Fatalf("expected state unaffected by another session's event, got %v", th.State())
	}
}

func TestEvaluateReturnsScalar(t *testing.T) {
	clientSide, serverSide := newPair()
	client := cdp.NewClient(clientSide, nil)
	defer client.Close()

	th := New(Config{SessionID: "sess1", Client: client})

	go func() {
		data, err := serverSide.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			ID int64 `json:"id"`
		}
		json.Unmarshal(data, &req)
		resp := map[string]interface{}{
			"id":     req.ID,
			"result": json.RawMessage(`{"result":{"type":"number","value":42}}`),
		}
		out, _ := json.Marshal(resp)
		serverSide.WriteMessage(out)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := th.Evaluate(ctx, "40+2", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != "number" || res.Value.Num != 42 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func sendEvent(t *testing.T, transport cdp.Transport, sessionID, method, params string) {
	t.Helper()
	evt := map[string]interface{}{
		"sessionId": sessionID,
		"method":    method,
		"params":    json.RawMessage(params),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatal(err)
	}
	if err := transport.WriteMessage(data); err != nil {
		t.Fatal(err)
	}
}

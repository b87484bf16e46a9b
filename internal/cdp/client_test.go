package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

// pairTransport is an in-memory Transport used to drive both ends of a
// Client in tests without a real websocket or pipe.
type pairTransport struct {
	in  chan []byte
	out chan []byte
}

func newPairTransports() (Transport, Transport) {
	a := make(chan []byte, 16)
	b := make(chan []byte, 16)
	return &pairTransport{in: a, out: b}, &pairTransport{in: b, out: a}
}

var errPairClosed = errors.New("pairTransport closed")

func (p *pairTransport) ReadMessage() ([]byte, error) {
	data, ok := <-p.in
	if !ok {
		return nil, errPairClosed
	}
	return data, nil
}

func (p *pairTransport) WriteMessage(data []byte) error {
	p.out <- data
	return nil
}

func (p *pairTransport) Close() error {
	close(p.out)
	return nil
}

func TestCallRoundTrip(t *testing.T) {
	clientSide, serverSide := newPairTransports()
	client := NewClient(clientSide, nil)
	defer client.Close()

	// Fake runtime: reply to Runtime.evaluate with a canned result.
	go func() {
		data, err := serverSide.ReadMessage()
		if err != nil {
			return
		}
		var req message
		json.Unmarshal(data, &req)
		resp := message{ID: req.ID, Result: json.RawMessage(`{"result":{"type":"number","value":42}}`)}
		out, _ := json.Marshal(resp)
		serverSide.WriteMessage(out)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var result struct {
		Result struct {
			Type  string  `json:"type"`
			Value float64 `json:"value"`
		} `json:"result"`
	}
	if err := client.Call(ctx, "", "Runtime.evaluate", map[string]string{"expression": "40+2"}, &result); err != nil {
		t.Fatal(err)
	}
	if result.Result.Value != 42 {
		t.Fatalf("got %v", result)
	}
}

func TestEventDispatch(t *testing.T) {
	clientSide, serverSide := newPairTransports()
	client := NewClient(clientSide, nil)
	defer client.Close()

	received := make(chan gjson.Result, 1)
	var gotSession, gotMethod string
	client.OnEvent(func(sessionID, method string, params gjson.Result) {
		gotSession, gotMethod = sessionID, method
		received <- params
	})

	evt := message{SessionID: "sess1", Method: "Debugger.paused", Params: json.RawMessage(`{"reason":"other"}`)}
	data, _ := json.Marshal(evt)
	serverSide.WriteMessage(data)

	select {
	case params := <-received:
		if gotSession != "sess1" || gotMethod != "Debugger.paused" {
			t.Fatalf("unexpected dispatch target: session=%q method=%q", gotSession, gotMethod)
		}
		if params.Get("reason").String() != "other" {
			t.Fatalf("unexpected params: %s", params.Raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event dispatch")
	}
}

func TestCallContextCancellation(t *testing.T) {
	clientSide, _ := newPairTransports()
	client := NewClient(clientSide, nil)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.Call(ctx, "", "Runtime.evaluate", map[string]string{"expression": "1"}, nil)
	if err == nil {
		t.Fatal("expected an error from a canceled context")
	}
}

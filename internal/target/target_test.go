package target

import (
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

// runAutoAck answers every command Manager issues (setDiscoverTargets,
// setAutoAttach, runIfWaitingForDebugger) with an empty result so its
// synchronous Call()s inside handleAttached never block the test.
func runAutoAck(t *testing.T, transport cdp.Transport) {
	t.Helper()
	go func() {
		for {
			data, err := transport.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID int64 `json:"id"`
			}
			json.Unmarshal(data, &req)
			resp, _ := json.Marshal(map[string]interface{}{"id": req.ID, "result": json.RawMessage(`{}`)})
			if err := transport.WriteMessage(resp); err != nil {
				return
			}
		}
	}()
}

func sendEvent(t *testing.T, transport cdp.Transport, sessionID, method string, params interface{}) {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	evt := map[string]interface{}{"method": method, "params": json.RawMessage(raw)}
	if sessionID != "" {
		evt["sessionId"] = sessionID
	}
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatal(err)
	}
	if err := transport.WriteMessage(data); err != nil {
		t.Fatal(err)
	}
}

func TestAttachBuildsTargetTree(t *testing.T) {
	clientSide, serverSide := newPair()
	client := cdp.NewClient(clientSide, nil)
	defer client.Close()
	runAutoAck(t, serverSide)

	m := NewManager(client, nil)

	attached := make(chan *Target, 8)
	m.OnAttached(func(tg *Target) { attached <- tg })

	sendEvent(t, serverSide, "", "Target.attachedToTarget", map[string]interface{}{
		"sessionId":           "page-sess",
		"waitingForDebugger":  false,
		"targetInfo": map[string]interface{}{
			"targetId": "page1",
			"type":     "page",
			"title":    "blank",
			"url":      "about:blank",
		},
	})

	var page *Target
	select {
	case page = <-attached:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for page attach")
	}
	if page.Info.Type != "page" || page.SessionID != "page-sess" {
		t.Fatalf("unexpected page target: %+v", page)
	}
	if got := m.MainTarget(); got != page {
		t.Fatalf("expected first page to become main target, got %+v", got)
	}

	sendEvent(t, serverSide, "page-sess", "Target.attachedToTarget", map[string]interface{}{
		"sessionId":          "worker-sess",
		"waitingForDebugger": true,
		"targetInfo": map[string]interface{}{
			"targetId": "worker1",
			"type":     "worker",
			"url":      "worker.js",
		},
	})

	var worker *Target
	select {
	case worker = <-attached:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker attach")
	}
	if worker.Parent() != page {
		t.Fatalf("expected worker's parent to be the page target")
	}
	found := false
	for _, c := range page.childSnapshot() {
		if c == worker {
			found = true
		}
	}
	if !found {
		t.Fatal("expected worker to be registered in page's children")
	}
}

func TestAttachMintsSyntheticTargetIDWhenMissing(t *testing.T) {
	clientSide, serverSide := newPair()
	client := cdp.NewClient(clientSide, nil)
	defer client.Close()
	runAutoAck(t, serverSide)

	m := NewManager(client, nil)
	attached := make(chan *Target, 1)
	m.OnAttached(func(tg *Target) { attached <- tg })

	sendEvent(t, serverSide, "", "Target.attachedToTarget", map[string]interface{}{
		"sessionId": "worker-sess",
		"targetInfo": map[string]interface{}{
			"type": "worker",
			"url":  "worker.js",
		},
	})

	var worker *Target
	select {
	case worker = <-attached:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker attach")
	}
	if worker.Info.TargetID == "" {
		t.Fatal("expected a synthetic target id to be minted")
	}
	if got, ok := m.byID[worker.Info.TargetID]; !ok || got != worker {
		t.Fatal("expected the minted target id to key the global index")
	}
}

func TestDetachIsPostOrder(t *testing.T) {
	clientSide, serverSide := newPair()
	client := cdp.NewClient(clientSide, nil)
	defer client.Close()
	runAutoAck(t, serverSide)

	m := NewManager(client, nil)
	attached := make(chan *Target, 8)
	m.OnAttached(func(tg *Target) { attached <- tg })

	sendEvent(t, serverSide, "", "Target.attachedToTarget", map[string]interface{}{
		"sessionId": "page-sess",
		"targetInfo": map[string]interface{}{"targetId": "page1", "type": "page"},
	})
	<-attached
	sendEvent(t, serverSide, "page-sess", "Target.attachedToTarget", map[string]interface{}{
		"sessionId": "worker-sess",
		"targetInfo": map[string]interface{}{"targetId": "worker1", "type": "worker"},
	})
	<-attached

	var order []string
	detached := make(chan struct{}, 8)
	m.OnDetached(func(evt DetachedEvent) {
		order = append(order, evt.Target.Info.TargetID)
		detached <- struct{}{}
	})

	sendEvent(t, serverSide, "page-sess", "Target.detachedFromTarget", map[string]interface{}{"sessionId": "page-sess"})

	for i := 0; i < 2; i++ {
		select {
		case <-detached:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for detach %d", i)
		}
	}
	if len(order) != 2 || order[0] != "worker1" || order[1] != "page1" {
		t.Fatalf("expected [worker1 page1] post-order, got %v", order)
	}
	if m.MainTarget() != nil {
		t.Fatal("expected main target to be cleared after its detach")
	}
	if _, ok := m.TargetBySession("page-sess"); ok {
		t.Fatal("expected page-sess removed from the session index")
	}
	if _, ok := m.TargetBySession("worker-sess"); ok {
		t.Fatal("expected worker-sess removed from the session index")
	}
}

func TestOnDisposeFiresOnDetach(t *testing.T) {
	clientSide, serverSide := newPair()
	client := cdp.NewClient(clientSide, nil)
	defer client.Close()
	runAutoAck(t, serverSide)

	m := NewManager(client, nil)
	attached := make(chan *Target, 1)
	m.OnAttached(func(tg *Target) {
		disposed := make(chan struct{}, 1)
		tg.OnDispose(func() { disposed <- struct{}{} })
		go func() {
			select {
			case <-disposed:
			case <-time.After(2 * time.Second):
				t.Error("timed out waiting for dispose callback")
			}
		}()
		attached <- tg
	})

	sendEvent(t, serverSide, "", "Target.attachedToTarget", map[string]interface{}{
		"sessionId": "page-sess",
		"targetInfo": map[string]interface{}{"targetId": "page1", "type": "page"},
	})
	<-attached

	sendEvent(t, serverSide, "page-sess", "Target.detachedFromTarget", map[string]interface{}{"sessionId": "page-sess"})
	time.Sleep(50 * time.Millisecond)
}

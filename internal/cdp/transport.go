package cdp

import (
	"bufio"
	"io"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Transport sends and receives whole CDP JSON messages, one per call.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// wsTransport is the WebSocket-backed Transport used for the default
// --remote-debugging-port connection.
type wsTransport struct {
	conn *websocket.Conn
}

// DialWebSocket connects to a CDP WebSocket debugger URL, as reported by
// the runtime's /json/version or /json/list HTTP endpoints.
func DialWebSocket(wsURL string) (Transport, error) {
	if _, err := url.Parse(wsURL); err != nil {
		return nil, err
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		// CDP messages for Runtime.getProperties on a large object graph
		// can exceed the default 32KiB; no practical message is unbounded,
		// so a generous ceiling beats disabling the check.
		ReadBufferSize:  1 << 20,
		WriteBufferSize: 1 << 20,
	}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// pipeTransport is the NUL-delimited-JSON Transport used when the
// runtime is launched with --remote-debugging-pipe: fd 3 is for reading,
// fd 4 for writing. Each message is terminated by a NUL byte, not a
// newline, matching Chromium's pipe protocol.
type pipeTransport struct {
	r     *bufio.Reader
	w     io.Writer
	wc    io.Closer
}

// NewPipeTransport wraps a read/write pipe pair.
func NewPipeTransport(r io.Reader, w io.WriteCloser) Transport {
	return &pipeTransport{r: bufio.NewReaderSize(r, 1<<20), w: w, wc: w}
}

func (t *pipeTransport) ReadMessage() ([]byte, error) {
	data, err := t.r.ReadBytes(0)
	if len(data) > 0 && data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	return data, err
}

func (t *pipeTransport) WriteMessage(data []byte) error {
	_, err := t.w.Write(append(data, 0))
	return err
}

func (t *pipeTransport) Close() error {
	return t.wc.Close()
}

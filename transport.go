package agentsocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// CloseNormal is the close code of a deliberate, client-initiated disconnect.
const CloseNormal = websocket.StatusNormalClosure

// Transport carries frames for one socket lifetime. Receive returns raw
// frames; decoding happens in the session so that a malformed frame can be
// dropped without tearing the connection down. Implementations must be safe
// for concurrent use.
type Transport interface {
	Send(ctx context.Context, req *ChatRequest) error
	Receive(ctx context.Context) ([]byte, error)
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a Transport to url. A new transport is dialed for every
// (re)connect attempt.
type Dialer func(ctx context.Context, url string) (Transport, error)

// DialOptions configures the WebSocket connection.
type DialOptions struct {
	// HTTPHeader specifies additional HTTP headers to send during handshake.
	HTTPHeader http.Header

	// HTTPClient is the HTTP client used for the handshake.
	// If nil, http.DefaultClient is used.
	HTTPClient *http.Client
}

// Dial connects to the agent gateway and returns a Transport.
func Dial(ctx context.Context, url string, opts *DialOptions) (Transport, error) {
	dialOpts := &websocket.DialOptions{}
	if opts != nil {
		if opts.HTTPHeader != nil {
			dialOpts.HTTPHeader = opts.HTTPHeader.Clone()
		}
		dialOpts.HTTPClient = opts.HTTPClient
	}

	conn, _, err := websocket.Dial(ctx, url, dialOpts)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", URL: redactURL(url), Err: err}
	}

	// Set a large read limit for potentially large responses
	conn.SetReadLimit(32 * 1024 * 1024) // 32MB

	return &wsTransport{conn: conn}, nil
}

// NewDialer returns a Dialer using Dial with opts.
func NewDialer(opts *DialOptions) Dialer {
	return func(ctx context.Context, url string) (Transport, error) {
		return Dial(ctx, url, opts)
	}
}

// IsNormalClosure reports whether err is a close initiated with the normal
// close code, i.e. a deliberate disconnect rather than a drop.
func IsNormalClosure(err error) bool {
	return websocket.CloseStatus(err) == websocket.StatusNormalClosure
}

// wsTransport implements Transport over WebSocket.
type wsTransport struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

// Send sends a request to the server.
func (t *wsTransport) Send(ctx context.Context, req *ChatRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	data, err := json.Marshal(req)
	if err != nil {
		return &SendError{Op: "marshal", Err: err}
	}

	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}

	return nil
}

// Receive receives one raw frame from the server.
func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return nil, errors.Join(ErrClosed, websocket.CloseError{Code: websocket.StatusNormalClosure})
		}
		return nil, &ConnectionError{Op: "read", Err: err}
	}
	return data, nil
}

// Close closes the transport with code.
func (t *wsTransport) Close(code websocket.StatusCode, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	return t.conn.Close(code, reason)
}

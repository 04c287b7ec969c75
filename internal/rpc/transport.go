// Package rpc implements the server side of the LSP base protocol:
// JSON-RPC 2.0 messages framed with Content-Length headers over a
// byte stream, typically stdin/stdout.
package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
)

// Message is an incoming request or notification from the client.
// ID is nil for notifications. The raw ID bytes are echoed back in
// replies, so string and numeric request ids round-trip unchanged.
type Message struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// IsNotification reports whether the message expects no response.
func (m *Message) IsNotification() bool {
	return m.ID == nil
}

// Transport reads client messages and writes responses and
// server-initiated notifications. Reads are single-consumer; writes
// are safe for concurrent use.
type Transport struct {
	reader *bufio.Reader

	writeMu sync.Mutex
	writer  io.Writer

	closer io.Closer
	closed atomic.Bool
}

// outgoing is the shape of every message the server sends.
type outgoing struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// response is used instead of outgoing when a reply carries a null
// result, which omitempty would otherwise drop.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

// NewTransport creates a transport over the given streams.
// c may be nil when the caller owns stream lifetime.
func NewTransport(r io.Reader, w io.Writer, c io.Closer) *Transport {
	return &Transport{
		reader: bufio.NewReaderSize(r, 64*1024),
		writer: w,
		closer: c,
	}
}

// Read blocks until the next request or notification arrives.
// Response messages (which a server never expects) are skipped.
// Returns io.EOF when the client closes the stream.
func (t *Transport) Read() (*Message, error) {
	for {
		if t.closed.Load() {
			return nil, ErrClosed
		}

		body, err := t.readFrame()
		if err != nil {
			return nil, err
		}

		if !gjson.ValidBytes(body) {
			continue
		}

		method := gjson.GetBytes(body, "method")
		if !method.Exists() {
			// A response to a request we never sent; drop it.
			continue
		}

		msg := &Message{Method: method.String()}

		if id := gjson.GetBytes(body, "id"); id.Exists() {
			msg.ID = json.RawMessage(id.Raw)
		}
		if params := gjson.GetBytes(body, "params"); params.Exists() {
			msg.Params = json.RawMessage(params.Raw)
		}

		return msg, nil
	}
}

// readFrame reads one Content-Length framed message body.
func (t *Transport) readFrame() (json.RawMessage, error) {
	contentLength := -1
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break // End of headers
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			length, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length: %w", err)
			}
			contentLength = length
		}
		// Ignore Content-Type and other headers
	}

	if contentLength < 0 {
		return nil, ErrMissingContentLength
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return body, nil
}

// Reply sends a successful response for the given request id.
// A nil result is encoded as JSON null per the LSP shutdown contract.
func (t *Transport) Reply(id json.RawMessage, result any) error {
	return t.send(response{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

// ReplyError sends an error response for the given request id.
func (t *Transport) ReplyError(id json.RawMessage, code int, message string) error {
	return t.send(outgoing{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	})
}

// Notify sends a server-initiated notification.
func (t *Transport) Notify(method string, params any) error {
	return t.send(outgoing{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
}

// send writes a message with the LSP Content-Length header.
func (t *Transport) send(msg any) error {
	if t.closed.Load() {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := io.WriteString(t.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := t.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	return nil
}

// Close closes the transport and the underlying closer, if any.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil // Already closed
	}
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// IsClosed returns true if the transport has been closed.
func (t *Transport) IsClosed() bool {
	return t.closed.Load()
}

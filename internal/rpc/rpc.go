// Package rpc implements the binary request/response framing shared by
// meta-service RPC and journal read RPC: a 4-byte big-endian length
// prefix followed by a msgpack-encoded Envelope.
package rpc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds a single RPC frame to guard against a corrupt
// length prefix causing an unbounded allocation.
const MaxFrameSize = 64 << 20

// Envelope is the outer shape of every RPC request and response.
type Envelope struct {
	Method  string `msgpack:"method"`
	ReqID   uint64 `msgpack:"req_id"`
	Payload []byte `msgpack:"payload"` // msgpack-encoded method-specific body
	Err     string `msgpack:"err,omitempty"`
}

// Encode marshals v into an Envelope.Payload.
func Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode unmarshals an Envelope.Payload into v.
func Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// WriteFrame writes one length-prefixed Envelope to w.
func WriteFrame(w io.Writer, env Envelope) error {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("rpc: frame too large: %d bytes", len(data))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed Envelope from r.
func ReadFrame(r *bufio.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return Envelope{}, fmt.Errorf("rpc: frame too large: %d bytes", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Handler processes one decoded request payload and returns a response
// payload to encode back, or an error to propagate as Envelope.Err.
type Handler func(method string, payload []byte) ([]byte, error)

// Serve reads frames from conn in a loop, dispatching each to handler
// and writing back the response frame, until the connection closes (a
// clean EOF returns nil) or a frame read or write fails. A handler error
// does not end the loop: it goes back to the caller in Envelope.Err.
func Serve(conn io.ReadWriter, handler Handler) error {
	r := bufio.NewReader(conn)
	for {
		req, err := ReadFrame(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		resp := Envelope{Method: req.Method, ReqID: req.ReqID}
		payload, herr := handler(req.Method, req.Payload)
		if herr != nil {
			resp.Err = herr.Error()
		} else {
			resp.Payload = payload
		}
		if err := WriteFrame(conn, resp); err != nil {
			return err
		}
	}
}

// Client issues request/response RPC calls over one persistent
// connection. The bufio.Reader must be kept across calls rather than
// reconstructed per call, since a fresh reader would discard whatever
// the previous one had already buffered past the last frame boundary.
type Client struct {
	conn io.ReadWriter
	r    *bufio.Reader
}

// NewClient wraps conn for synchronous, one-request-in-flight-at-a-time
// RPC calls.
func NewClient(conn io.ReadWriter) *Client {
	return &Client{conn: conn, r: bufio.NewReader(conn)}
}

// Call writes req and blocks for the matching response.
func (c *Client) Call(req Envelope) (Envelope, error) {
	if err := WriteFrame(c.conn, req); err != nil {
		return Envelope{}, err
	}
	return ReadFrame(c.r)
}

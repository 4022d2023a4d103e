/*Package comm provides the request/reply command channel used to talk to
instruments running under the Levylab Instrument Framework.

Every exchange is a JSON-RPC 2.0 envelope carried over a ZeroMQ REQ socket.
Most usages of this package will boil down to:
	1.  create a ZMQDevice with the instrument's address, e.g.
		tcp://localhost:29170 for the multichannel lock-in
	2.  embed it (or anything else satisfying Caller) in a driver type
	3.  write methods that call Call with the instrument's method names

A minimal example for an instrument answering "getState" with a bare string:

	type MyInstrument struct {
		comm.Caller
	}

	func (mi *MyInstrument) State(ctx context.Context) (string, error) {
		var s string
		err := mi.Call(ctx, "getState", nil, &s)
		return s, err
	}

Calls are never retried.  A command such as "start sweep" is not idempotent
and a silent retry could actuate hardware twice.
*/
package comm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// Version is the protocol version tag placed in every request
const Version = "2.0"

var (
	// ErrTimeout is generated when no reply arrives within the per-request timeout
	ErrTimeout = errors.New("comm: no reply within timeout")

	// ErrRejected is the cause of every RemoteError
	ErrRejected = errors.New("comm: remote rejected request")

	// ErrIDMismatch is generated when a reply does not echo the request's correlation id
	ErrIDMismatch = errors.New("comm: reply id does not match request id")

	// ErrMethodNotFound is returned by handlers for methods they do not implement
	ErrMethodNotFound = errors.New("comm: method not found")

	// ErrClosed is generated when a device is used after Close
	ErrClosed = errors.New("comm: device closed")
)

// Caller sends a structured request and decodes the structured reply.
// result may be nil when the reply carries nothing of interest.
type Caller interface {
	Call(ctx context.Context, method string, params, result interface{}) error
}

// Request is the envelope sent to the instrument
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      string      `json:"id"`
}

// Response is the envelope returned by the instrument
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// RemoteError is an error indicator returned by the instrument
type RemoteError struct {
	Method  string
	Code    int
	Message string
}

// Error implements the error interface
func (e *RemoteError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("%s: remote error: %s", e.Method, e.Message)
	}
	return fmt.Sprintf("%s: remote error %d: %s", e.Method, e.Code, e.Message)
}

// Unwrap makes errors.Is(err, ErrRejected) true for every RemoteError
func (e *RemoteError) Unwrap() error {
	return ErrRejected
}

// NewRequest builds a request envelope.  nil params become an empty mapping,
// which is what the framework expects for parameterless methods.
func NewRequest(method string, params interface{}, id uint64) Request {
	if params == nil {
		params = struct{}{}
	}
	return Request{JSONRPC: Version, Method: method, Params: params, ID: strconv.FormatUint(id, 10)}
}

// DecodeResponse checks a raw reply against the request that produced it and
// unmarshals the result payload into result, if result is not nil.
func DecodeResponse(req Request, raw []byte, result interface{}) error {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return errors.Wrapf(err, "%s: malformed reply", req.Method)
	}
	if hasValue(resp.Error) {
		return parseRemoteError(req.Method, resp.Error)
	}
	if hasValue(resp.ID) {
		if id := idString(resp.ID); id != req.ID {
			return errors.Wrapf(ErrIDMismatch, "%s: sent %s, got %s", req.Method, req.ID, id)
		}
	}
	if result == nil || !hasValue(resp.Result) {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return errors.Wrapf(err, "%s: decoding result", req.Method)
	}
	return nil
}

func hasValue(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// idString renders a reply id, which some servers send as a number
func idString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

func parseRemoteError(method string, raw json.RawMessage) error {
	var obj struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return &RemoteError{Method: method, Code: obj.Code, Message: obj.Message}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &RemoteError{Method: method, Message: s}
	}
	return &RemoteError{Method: method, Message: string(raw)}
}

// Help issues the framework's HELP command.  With an empty method the
// instrument lists the methods it understands, otherwise it describes one.
func Help(ctx context.Context, c Caller, method string) ([]string, error) {
	var params interface{}
	if method != "" {
		params = map[string]string{"method": method}
	}
	var raw json.RawMessage
	if err := c.Call(ctx, "HELP", params, &raw); err != nil {
		return nil, err
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errors.Wrap(err, "HELP: decoding result")
	}
	return []string{s}, nil
}

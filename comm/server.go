package comm

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
)

// JSON-RPC error codes used when answering requests
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeServerError    = -32000
)

// Handler answers requests on the instrument side of the channel
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	return f(ctx, method, params)
}

type incoming struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type outgoing struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Respond decodes one raw request, dispatches it to h and encodes the reply
func Respond(ctx context.Context, h Handler, raw []byte) []byte {
	var in incoming
	if err := json.Unmarshal(raw, &in); err != nil {
		b, _ := json.Marshal(outgoing{JSONRPC: Version, Error: &rpcError{Code: CodeParseError, Message: err.Error()}})
		return b
	}
	out := outgoing{JSONRPC: Version, ID: in.ID}
	res, err := h.Handle(ctx, in.Method, in.Params)
	if err != nil {
		out.Error = toRPCError(err)
	} else {
		out.Result = res
	}
	b, err := json.Marshal(out)
	if err != nil {
		out.Result = nil
		out.Error = &rpcError{Code: CodeServerError, Message: err.Error()}
		b, _ = json.Marshal(out)
	}
	return b
}

func toRPCError(err error) *rpcError {
	var re *RemoteError
	if errors.As(err, &re) {
		return &rpcError{Code: re.Code, Message: re.Message}
	}
	if errors.Is(err, ErrMethodNotFound) {
		return &rpcError{Code: CodeMethodNotFound, Message: err.Error()}
	}
	return &rpcError{Code: CodeServerError, Message: err.Error()}
}

// Serve answers requests arriving on a REP socket until ctx is done or the
// socket fails.  It returns nil when stopped by ctx.
func Serve(ctx context.Context, sock zmq4.Socket, h Handler) error {
	for {
		msg, err := sock.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "serve: recv")
		}
		var raw []byte
		if len(msg.Frames) > 0 {
			raw = msg.Frames[0]
		}
		if err := sock.Send(zmq4.NewMsg(Respond(ctx, h, raw))); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "serve: send")
		}
	}
}

// Loopback is an in-process Caller that hands requests straight to a Handler.
// Every exchange is encoded and decoded exactly as it would be on the wire.
type Loopback struct {
	Handler Handler

	id uint64
}

// Call implements Caller
func (l *Loopback) Call(ctx context.Context, method string, params, result interface{}) error {
	req := NewRequest(method, params, atomic.AddUint64(&l.id, 1))
	payload, err := json.Marshal(req)
	if err != nil {
		return errors.Wrapf(err, "%s: encoding request", method)
	}
	return DecodeResponse(req, Respond(ctx, l.Handler, payload), result)
}

package comm

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
)

const (
	// DefaultTimeout is the per-request timeout used by NewZMQDevice
	DefaultTimeout = 5 * time.Second

	idleTimeout = time.Minute
)

// BackingOffREQMaker returns a CreationFunc which dials a REQ socket to addr.
// We use an exponential backoff; the framework takes a moment to bind its
// sockets after an instrument is launched.
func BackingOffREQMaker(addr string, maxElapsed time.Duration) CreationFunc[zmq4.Socket] {
	return func() (zmq4.Socket, error) {
		var sock zmq4.Socket
		op := func() error {
			s := zmq4.NewReq(context.Background())
			if err := s.Dial(addr); err != nil {
				s.Close()
				return err
			}
			sock = s
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      maxElapsed,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, errors.Wrapf(err, "connecting to %s", addr)
		}
		return sock, nil
	}
}

/*ZMQDevice is a Caller talking to a remote instrument over a ZeroMQ REQ socket.

The device is concurrent safe, but holds a single socket and so has at most
one request outstanding; concurrent callers queue.  A REQ socket that missed
a reply is stuck in the "awaiting reply" state, so after a timeout the socket
is destroyed and a fresh one is dialed by the next call.
*/
type ZMQDevice struct {
	// Addr is the ZMQ endpoint, e.g. tcp://localhost:29170
	Addr string

	pool    *Pool[zmq4.Socket]
	id      uint64
	mu      sync.Mutex
	timeout time.Duration
	closed  bool
}

// NewZMQDevice creates a new device.  No connection is made until the first call.
func NewZMQDevice(addr string, timeout time.Duration) *ZMQDevice {
	maker := BackingOffREQMaker(addr, 3*time.Second)
	return &ZMQDevice{
		Addr:    addr,
		pool:    NewPool(1, idleTimeout, maker),
		timeout: timeout,
	}
}

// SetTimeout sets the per-request timeout.  Zero waits forever.
func (d *ZMQDevice) SetTimeout(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeout = timeout
}

// Timeout returns the per-request timeout
func (d *ZMQDevice) Timeout() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeout
}

// Open establishes the connection ahead of the first call
func (d *ZMQDevice) Open(ctx context.Context) error {
	sock, err := d.pool.Get(ctx)
	if err != nil {
		return err
	}
	d.pool.Put(sock)
	return nil
}

// Close tears down the connection.  The device cannot be used afterwards.
func (d *ZMQDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.pool.Close()
}

// Call implements Caller
func (d *ZMQDevice) Call(ctx context.Context, method string, params, result interface{}) error {
	d.mu.Lock()
	closed, timeout := d.closed, d.timeout
	d.mu.Unlock()
	if closed {
		return errors.Wrap(ErrClosed, method)
	}

	req := NewRequest(method, params, atomic.AddUint64(&d.id, 1))
	payload, err := json.Marshal(req)
	if err != nil {
		return errors.Wrapf(err, "%s: encoding request", method)
	}
	sock, err := d.pool.Get(ctx)
	if err != nil {
		return errors.Wrap(err, method)
	}
	reply, err := exchange(ctx, sock, payload, timeout)
	if err != nil {
		d.pool.Destroy(sock)
		if errors.Is(err, ErrTimeout) {
			return errors.Wrapf(err, "%s after %v", method, timeout)
		}
		return errors.Wrap(err, method)
	}
	d.pool.Put(sock)
	return DecodeResponse(req, reply, result)
}

type recvResult struct {
	b   []byte
	err error
}

// exchange performs one send/recv pair, bounded by timeout and ctx
func exchange(ctx context.Context, sock zmq4.Socket, payload []byte, timeout time.Duration) ([]byte, error) {
	done := make(chan recvResult, 1)
	go func() {
		if err := sock.Send(zmq4.NewMsg(payload)); err != nil {
			done <- recvResult{err: err}
			return
		}
		msg, err := sock.Recv()
		if err != nil {
			done <- recvResult{err: err}
			return
		}
		if len(msg.Frames) == 0 {
			done <- recvResult{err: errors.New("empty reply")}
			return
		}
		done <- recvResult{b: msg.Frames[0]}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case r := <-done:
		return r.b, r.err
	case <-expired:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

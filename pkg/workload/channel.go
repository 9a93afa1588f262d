package workload

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/project-edge/ens/pkg/wire"
)

// ErrChannelClosed is returned by channel operations after the channel is
// closed or the peer goes away.
var ErrChannelClosed = errors.New("inter-workload channel closed")

// Channel is the transport between a workload and its local dispatcher. Recv
// blocks until a message is available; Waiters reports how many callers are
// currently blocked in Recv, which the reactor uses to size its worker pool.
type Channel interface {
	Send(m wire.Message) error
	Recv() (wire.Message, error)
	Waiters() int
	Close() error
}

const pipeBacklog = 64

type pipeEnd struct {
	in      chan wire.Message
	out     chan wire.Message
	waiters atomic.Int32

	closeOnce sync.Once
	done      chan struct{}
}

// Pipe returns a connected pair of in-memory channels. Closing either end
// closes both.
func Pipe() (Channel, Channel) {
	ab := make(chan wire.Message, pipeBacklog)
	ba := make(chan wire.Message, pipeBacklog)
	done := make(chan struct{})
	a := &pipeEnd{in: ba, out: ab, done: done}
	b := &pipeEnd{in: ab, out: ba, done: done}
	return a, b
}

func (p *pipeEnd) Send(m wire.Message) error {
	select {
	case <-p.done:
		return ErrChannelClosed
	case p.out <- m:
		return nil
	}
}

func (p *pipeEnd) Recv() (wire.Message, error) {
	p.waiters.Add(1)
	defer p.waiters.Add(-1)
	select {
	case <-p.done:
		return wire.Message{}, ErrChannelClosed
	case m := <-p.in:
		return m, nil
	}
}

func (p *pipeEnd) Waiters() int {
	return int(p.waiters.Load())
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

// StreamChannel carries inter-workload messages over a byte stream using the
// 16-byte framed encoding from pkg/wire.
type StreamChannel struct {
	conn net.Conn

	wmu     sync.Mutex
	rmu     sync.Mutex
	waiters atomic.Int32

	closeOnce sync.Once
	closeErr  error
}

// NewStreamChannel wraps an established connection to the dispatcher.
func NewStreamChannel(conn net.Conn) *StreamChannel {
	return &StreamChannel{conn: conn}
}

// Dial connects a stream channel to the dispatcher at addr.
func Dial(network, addr string) (*StreamChannel, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return NewStreamChannel(conn), nil
}

func (c *StreamChannel) Send(m wire.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := wire.WriteMessage(c.conn, m); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrChannelClosed
		}
		return err
	}
	return nil
}

func (c *StreamChannel) Recv() (wire.Message, error) {
	c.waiters.Add(1)
	defer c.waiters.Add(-1)
	c.rmu.Lock()
	defer c.rmu.Unlock()
	m, err := wire.ReadMessage(c.conn)
	if err != nil {
		if err == io.EOF || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return wire.Message{}, ErrChannelClosed
		}
		return wire.Message{}, err
	}
	return m, nil
}

func (c *StreamChannel) Waiters() int {
	return int(c.waiters.Load())
}

func (c *StreamChannel) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.conn.Close() })
	return c.closeErr
}

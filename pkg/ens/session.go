package ens

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/project-edge/ens/pkg/discovery"
	"github.com/project-edge/ens/pkg/wire"
)

var (
	// ErrSessionClosed is returned for operations on a closed session, and
	// from Request when the session is torn down while the request is
	// outstanding.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionState is returned when an operation is attempted in the wrong
	// session state.
	ErrSessionState = errors.New("invalid session state")
)

// Session states.
const (
	stateIdle int32 = iota
	stateStarting
	stateActive
	stateClosed
)

// Notify is a one-way message received on a session. The sequence number is
// application-defined and not correlated with any response.
type Notify struct {
	Seq     uint32
	Payload []byte
}

type waiter struct {
	ch chan []byte // buffered; closed on session teardown
}

// Session is an event session to a microservice interface: a framed duplex
// TCP connection carrying sequence-correlated request/response exchanges and
// uncorrelated notifies. A dedicated reader goroutine correlates responses to
// outstanding requests and queues notifies for GetNotify.
//
// Sessions are created by Client.Connect and are safe for concurrent use.
type Session struct {
	app      string
	cloudlet string
	iface    string
	binding  discovery.EventBinding

	log zerolog.Logger
	m   *clientMetrics // may be nil

	reqSeq atomic.Uint32

	// mu guards conn, state, and pending, making close and state transitions
	// atomic with respect to senders and the reader.
	mu      sync.Mutex
	conn    net.Conn
	state   int32
	pending map[uint32]*waiter

	notifyMu    sync.Mutex
	notifyQ     []Notify
	notifyReady chan struct{}

	done chan struct{}
}

func newSession(app, cloudlet, iface string, binding discovery.EventBinding, log zerolog.Logger, m *clientMetrics) *Session {
	return &Session{
		app:         app,
		cloudlet:    cloudlet,
		iface:       iface,
		binding:     binding,
		log:         log.With().Str("interface", iface).Logger(),
		m:           m,
		pending:     make(map[uint32]*waiter),
		notifyReady: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Interface returns the interface name the session is connected to.
func (s *Session) Interface() string { return s.iface }

// Done is closed when the session reaches its terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Connect opens the session: it dials the first resolved address of the
// binding endpoint, performs the SESSION_START handshake, and spawns the
// reader. A partially opened socket is closed on any failure.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return fmt.Errorf("%w: connect on non-idle session", ErrSessionState)
	}
	s.state = stateStarting
	s.mu.Unlock()

	conn, err := s.open(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = stateIdle
		s.mu.Unlock()
		s.log.Error().Err(err).Msg("failed to connect session")
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.state = stateActive
	s.mu.Unlock()

	go s.reader(conn)
	s.log.Info().Str("endpoint", s.binding.Endpoint.String()).Msg("session connected")
	return nil
}

func (s *Session) open(ctx context.Context) (net.Conn, error) {
	addr, err := s.binding.Endpoint.First()
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("dial interface endpoint: %w", err)
	}
	if err := wire.WriteFrame(conn, wire.Frame{MsgID: wire.SessionStart, Payload: []byte(s.iface)}); err != nil {
		conn.Close()
		return nil, err
	}
	// The STARTED acknowledgement should carry no payload, but any payload is
	// read and discarded.
	if _, err := wire.ReadFrame(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read session start ack: %w", err)
	}
	return conn, nil
}

// reader is the per-session receive loop. It exits on any decode or socket
// error, tearing the session down and releasing every outstanding waiter.
func (s *Session) reader(conn net.Conn) {
	for {
		f, err := wire.ReadFrame(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.log.Debug().Err(err).Msg("session reader terminated")
			}
			break
		}
		switch f.MsgID {
		case wire.Response:
			s.mu.Lock()
			w, ok := s.pending[f.Seq]
			if ok {
				select {
				case w.ch <- f.Payload:
				default: // duplicate response for this seq
				}
			}
			s.mu.Unlock()
			if !ok {
				s.log.Warn().Uint32("seq", f.Seq).Msg("received unknown response")
			}
		case wire.Notify:
			s.notifyMu.Lock()
			s.notifyQ = append(s.notifyQ, Notify{Seq: f.Seq, Payload: f.Payload})
			s.notifyMu.Unlock()
			select {
			case s.notifyReady <- struct{}{}:
			default:
			}
		default:
			s.log.Warn().Str("msg", wire.MsgName(f.MsgID)).Uint32("seq", f.Seq).Msg("unknown message on session")
		}
	}
	s.teardown(false)
}

// Request sends a request frame and blocks until the matching response
// arrives, the context is done, or the session is torn down. On context
// expiry the waiter is deregistered before returning, so a late response is
// dropped instead of writing into released state.
func (s *Session) Request(ctx context.Context, payload []byte) ([]byte, error) {
	s.mu.Lock()
	if s.state != stateActive {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	seq := s.reqSeq.Add(1)
	w := &waiter{ch: make(chan []byte, 1)}
	s.pending[seq] = w
	conn := s.conn
	s.mu.Unlock()

	if err := wire.WriteFrame(conn, wire.Frame{MsgID: wire.Request, Seq: seq, Payload: payload}); err != nil {
		s.m.countRequest(false)
		s.teardown(false)
		return nil, err
	}

	select {
	case resp, ok := <-w.ch:
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
		if !ok {
			s.m.countRequest(false)
			return nil, ErrSessionClosed
		}
		s.m.countRequest(true)
		return resp, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
		s.m.countRequest(false)
		return nil, ctx.Err()
	}
}

// Notify sends a one-way notify frame. The sequence number does not have to
// be increasing or unique; it is available to the application to correlate or
// order notifies in each direction.
func (s *Session) Notify(seq uint32, payload []byte) error {
	s.mu.Lock()
	if s.state != stateActive {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	conn := s.conn
	s.mu.Unlock()

	if err := wire.WriteFrame(conn, wire.Frame{MsgID: wire.Notify, Seq: seq, Payload: payload}); err != nil {
		s.teardown(false)
		return err
	}
	s.m.countNotify()
	return nil
}

// GetNotify dequeues the next received notify, blocking until one arrives,
// the context is done, or the session closes. Notifies are delivered in
// arrival order.
func (s *Session) GetNotify(ctx context.Context) (Notify, error) {
	for {
		if n, ok := s.TryGetNotify(); ok {
			return n, nil
		}
		select {
		case <-s.notifyReady:
		case <-ctx.Done():
			return Notify{}, ctx.Err()
		case <-s.done:
			// drain anything queued before the close
			if n, ok := s.TryGetNotify(); ok {
				return n, nil
			}
			return Notify{}, ErrSessionClosed
		}
	}
}

// TryGetNotify dequeues the next received notify without blocking.
func (s *Session) TryGetNotify() (Notify, bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if len(s.notifyQ) == 0 {
		return Notify{}, false
	}
	n := s.notifyQ[0]
	s.notifyQ = s.notifyQ[1:]
	return n, true
}

// Close terminates the session, sending a SESSION_STOP frame and shutting the
// connection down. It is idempotent; subsequent Request and Notify calls
// return ErrSessionClosed.
func (s *Session) Close() error {
	s.teardown(true)
	return nil
}

// teardown transitions the session to its terminal state, closes the
// connection, and releases every outstanding waiter. It is safe to call from
// any goroutine and does nothing after the first call takes effect.
func (s *Session) teardown(sendStop bool) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	wasActive := s.state == stateActive
	s.state = stateClosed
	conn := s.conn
	s.conn = nil
	for seq, w := range s.pending {
		delete(s.pending, seq)
		close(w.ch)
	}
	s.mu.Unlock()

	if conn != nil {
		if sendStop {
			wire.WriteFrame(conn, wire.Frame{MsgID: wire.SessionStop})
		}
		conn.Close()
	}
	if wasActive {
		s.log.Info().Msg("session closed")
	}
	close(s.done)
}

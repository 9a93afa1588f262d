package workload

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"github.com/project-edge/ens/pkg/wire"
)

var (
	// ErrSessionInactive is returned for data transfer on a session that is
	// not (or no longer) active.
	ErrSessionInactive = errors.New("session inactive")
	// ErrUnknownSession is returned for operations on a session id not in the
	// runtime's session table.
	ErrUnknownSession = errors.New("unknown session")
)

// Session is one entry in the runtime's session table. Incoming sessions are
// created by the dispatcher delivering a SESSION_START; outgoing sessions by
// Runtime.SessionStart.
type Session struct {
	id uint32
	r  *Runtime

	// mu guards eventFn, pending, and active.
	mu      sync.Mutex
	eventFn Handler
	pending map[uint32]*waiter
	active  bool
}

type waiter struct {
	ch chan []byte // buffered; closed when the session deactivates
}

func newWorkloadSession(r *Runtime, id uint32) *Session {
	return &Session{
		id:      id,
		r:       r,
		pending: make(map[uint32]*waiter),
	}
}

func (s *Session) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// start sends SESSION_START for an outbound session and blocks until the
// dispatcher delivers SESSION_STARTED.
func (s *Session) start(ctx context.Context, iface string, fn Handler) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return errors.New("session already active")
	}
	if fn == nil {
		fn = s.r.events[""]
	}
	s.eventFn = fn
	w := &waiter{ch: make(chan []byte, 1)}
	s.pending[0] = w
	s.mu.Unlock()

	s.r.log.Debug().Uint32("session", s.id).Str("interface", iface).Msg("send session start")
	if err := s.r.send(s.id, wire.SessionStart, 0, []byte(iface)); err != nil {
		s.deleteWaiter(0)
		return err
	}
	select {
	case _, ok := <-w.ch:
		s.deleteWaiter(0)
		if !ok {
			return ErrSessionInactive
		}
		return nil
	case <-ctx.Done():
		s.deleteWaiter(0)
		return ctx.Err()
	}
}

// sendRequest sends a request and blocks until the correlated response
// arrives, the session deactivates (ErrSessionInactive), or the context is
// done.
func (s *Session) sendRequest(ctx context.Context, seq uint32, data []byte) ([]byte, error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil, ErrSessionInactive
	}
	w := &waiter{ch: make(chan []byte, 1)}
	s.pending[seq] = w
	s.mu.Unlock()

	if err := s.r.send(s.id, wire.Request, seq, data); err != nil {
		s.deleteWaiter(seq)
		return nil, err
	}
	select {
	case resp, ok := <-w.ch:
		s.deleteWaiter(seq)
		if !ok {
			return nil, ErrSessionInactive
		}
		return resp, nil
	case <-ctx.Done():
		s.deleteWaiter(seq)
		return nil, ctx.Err()
	}
}

func (s *Session) sendNotify(seq uint32, data []byte) error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return ErrSessionInactive
	}
	return s.r.send(s.id, wire.Notify, seq, data)
}

// end deactivates the session and tells the dispatcher to stop it.
func (s *Session) end() {
	s.disconnect()
	s.r.send(s.id, wire.SessionStop, 0, nil)
}

func (s *Session) deleteWaiter(seq uint32) {
	s.mu.Lock()
	delete(s.pending, seq)
	s.mu.Unlock()
}

// disconnect deactivates the session and releases every outstanding waiter
// with an empty payload.
func (s *Session) disconnect() {
	s.mu.Lock()
	s.active = false
	for seq, w := range s.pending {
		delete(s.pending, seq)
		close(w.ch)
	}
	s.mu.Unlock()
}

// processMsg dispatches one inter-workload message to this session. A handler
// panic is logged; if the session was active, SESSION_STOP is sent on its
// behalf and the session deactivates. An inactive session is removed from the
// table after dispatch.
func (s *Session) processMsg(msgID, seq uint32, payload []byte) {
	defer func() {
		if p := recover(); p != nil {
			s.r.log.Error().Interface("panic", p).Bytes("stack", debug.Stack()).
				Uint32("session", s.id).Msg("handler panic")
			s.r.m().handler_panics_total.Inc()
			if s.isActive() {
				s.disconnect()
				s.r.send(s.id, wire.SessionStop, 0, nil)
			}
		}
		if !s.isActive() {
			s.r.removeSession(s.id)
		}
	}()

	switch msgID {
	case wire.Request:
		s.r.m().dispatch_total.request.Inc()
		rsp := s.handler()(s.id, EventRequest, seq, payload)
		s.r.send(s.id, wire.Response, seq, rsp)
	case wire.Notify:
		s.r.m().dispatch_total.notify.Inc()
		s.handler()(s.id, EventNotify, seq, payload)
	case wire.Response:
		s.r.m().dispatch_total.response.Inc()
		s.mu.Lock()
		w, ok := s.pending[seq]
		if ok {
			select {
			case w.ch <- payload:
			default:
			}
		}
		s.mu.Unlock()
		if !ok {
			s.r.log.Warn().Uint32("session", s.id).Uint32("seq", seq).Msg("received unknown response")
		}
	case wire.SessionStart:
		s.r.m().dispatch_total.lifecycle.Inc()
		fn, err := s.r.handler(string(payload))
		if err != nil {
			s.r.log.Error().Err(err).Uint32("session", s.id).Msg("session start for unknown interface")
			return
		}
		s.mu.Lock()
		s.active = true
		s.eventFn = fn
		s.mu.Unlock()
		fn(s.id, EventSessionStart, seq, nil)
		s.r.send(s.id, wire.SessionStarted, seq, nil)
	case wire.SessionStarted:
		s.r.m().dispatch_total.lifecycle.Inc()
		s.mu.Lock()
		s.active = true
		if w, ok := s.pending[0]; ok {
			select {
			case w.ch <- nil:
			default:
			}
		}
		s.mu.Unlock()
	case wire.SessionStop:
		s.r.m().dispatch_total.lifecycle.Inc()
		s.disconnect()
		s.handler()(s.id, EventSessionEnd, seq, nil)
	case wire.SessionDisconnected:
		s.r.m().dispatch_total.lifecycle.Inc()
		s.disconnect()
		s.handler()(s.id, EventSessionDisconnect, seq, nil)
	default:
		s.r.log.Warn().Uint32("session", s.id).Str("msg", wire.MsgName(msgID)).Msg("unknown message")
	}
}

// handler returns the session's event function, falling back to the
// workload's default handler.
func (s *Session) handler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventFn != nil {
		return s.eventFn
	}
	return s.r.events[""]
}

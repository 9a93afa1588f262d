// Package workload implements the ENS workload runtime: it routes messages
// from the inter-workload channel to per-session state, invokes configured
// event handlers on an elastic reactor pool, and lets handlers originate
// outbound sessions and requests.
package workload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/project-edge/ens/pkg/wire"
)

// ErrTerminated is returned by Run after the dispatcher signals workload
// shutdown.
var ErrTerminated = errors.New("workload terminated")

// idleTime is how long the session table must stay empty before the runtime
// reports itself idle.
const idleTime = 10 * time.Second

// Runtime is the workload runtime. Create one with NewRuntime and drive it
// with Run; handlers may call the Session* methods concurrently from any
// goroutine.
type Runtime struct {
	ch     Channel
	events map[string]Handler // keyed by microservice.interface; "" is the default
	log    zerolog.Logger

	// mu guards sessions, nextSessionID, and lastActive.
	mu            sync.Mutex
	sessions      map[uint32]*Session
	nextSessionID uint32
	lastActive    time.Time

	workers atomic.Int32

	termOnce sync.Once
	term     chan struct{}

	metricsInit sync.Once
	metricsObj  workloadMetrics
}

// NewRuntime builds a runtime from a parsed configuration. Every event entry
// must name a registered handler. The default handler for notifies on
// outbound sessions is the entry marked default, or the first entry.
func NewRuntime(cfg Config, ch Channel, log zerolog.Logger) (*Runtime, error) {
	if len(cfg.Events) == 0 {
		return nil, fmt.Errorf("workload config: no events")
	}
	events := make(map[string]Handler, len(cfg.Events)+1)
	var def Handler
	for _, e := range cfg.Events {
		h, ok := lookupHandler(e.Fn)
		if !ok {
			return nil, fmt.Errorf("workload config: unknown handler %q for event %q", e.Fn, e.Name)
		}
		events[cfg.Microservice+"."+e.Name] = h
		if e.Default || def == nil {
			def = h
		}
	}
	events[""] = def
	return &Runtime{
		ch:            ch,
		events:        events,
		log:           log,
		sessions:      make(map[uint32]*Session),
		nextSessionID: 1,
		lastActive:    time.Now(),
		term:          make(chan struct{}),
	}, nil
}

// Run starts the reactor and blocks until the dispatcher terminates the
// workload or ctx is done. The channel is closed on return.
func (r *Runtime) Run(ctx context.Context) error {
	r.startWorker()
	select {
	case <-ctx.Done():
		r.terminate()
		return ctx.Err()
	case <-r.term:
		return ErrTerminated
	}
}

// Workers reports the current size of the reactor pool.
func (r *Runtime) Workers() int {
	return int(r.workers.Load())
}

// Idle reports whether the runtime has had no sessions for a while.
func (r *Runtime) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions) == 0 && time.Since(r.lastActive) > idleTime
}

func (r *Runtime) terminate() {
	r.termOnce.Do(func() {
		close(r.term)
		r.ch.Close()
	})
}

// startWorker adds a reactor worker. Workers loop in poll until the channel
// closes or the workload is terminated.
func (r *Runtime) startWorker() {
	r.workers.Add(1)
	r.m() // ensure the pool gauge exists before it is first read
	go func() {
		defer r.workers.Add(-1)
		r.log.Debug().Msg("new reactor worker")
		for {
			if err := r.poll(); err != nil {
				if !errors.Is(err, ErrTerminated) && !errors.Is(err, ErrChannelClosed) {
					r.log.Error().Err(err).Msg("reactor poll failed")
				}
				break
			}
		}
		r.log.Debug().Msg("reactor worker terminated")
	}()
}

// poll receives and dispatches one message. The pool grows before dispatch:
// if no other receiver is left blocked in Recv, this worker is the last idle
// one and spawns its replacement before it can get stuck in a slow handler.
func (r *Runtime) poll() error {
	m, err := r.ch.Recv()
	if err != nil {
		return err
	}
	if m.MsgID == wire.WorkloadTerminated {
		r.log.Debug().Msg("workload terminated by dispatcher")
		r.terminate()
		return ErrTerminated
	}
	if r.ch.Waiters() == 0 {
		r.startWorker()
	}
	r.session(m.SessionID).processMsg(m.MsgID, m.Seq, m.Payload)
	return nil
}

// session returns the session for id, creating an inactive entry for ids the
// dispatcher introduces.
func (r *Runtime) session(id uint32) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = newWorkloadSession(r, id)
		r.sessions[id] = s
	}
	return s
}

// newSession allocates a fresh outbound session. Ids are strictly increasing
// from 1 and never reused.
func (r *Runtime) newSession() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSessionID
	r.nextSessionID++
	s := newWorkloadSession(r, id)
	r.sessions[id] = s
	return s
}

func (r *Runtime) lookup(id uint32) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	return s, nil
}

// removeSession drops a session from the table, stamping lastActive when the
// table empties.
func (r *Runtime) removeSession(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	r.log.Debug().Uint32("session", id).Int("remaining", len(r.sessions)).Msg("removed session")
	if len(r.sessions) == 0 {
		r.lastActive = time.Now()
	}
}

func (r *Runtime) send(sessionID, msgID, seq uint32, payload []byte) error {
	return r.ch.Send(wire.Message{SessionID: sessionID, MsgID: msgID, Seq: seq, Payload: payload})
}

func (r *Runtime) handler(name string) (Handler, error) {
	h, ok := r.events[name]
	if !ok {
		return nil, fmt.Errorf("unknown interface name %q", name)
	}
	return h, nil
}

// SessionStart starts a new outbound session with the named interface on
// another workload and blocks until the dispatcher confirms it. fn handles
// lifecycle and notify events on the session; if nil, the workload's default
// handler is used. The returned id identifies the session to the other
// Session* methods.
func (r *Runtime) SessionStart(ctx context.Context, iface string, fn Handler) (uint32, error) {
	s := r.newSession()
	if err := s.start(ctx, iface, fn); err != nil {
		r.removeSession(s.id)
		return 0, err
	}
	return s.id, nil
}

// SessionRequest sends a request on the session and blocks waiting for the
// response. If the session is torn down while the request is outstanding, it
// returns ErrSessionInactive.
func (r *Runtime) SessionRequest(ctx context.Context, sessionID, seq uint32, data []byte) ([]byte, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return s.sendRequest(ctx, seq, data)
}

// SessionNotify sends a one-way notify on the session.
func (r *Runtime) SessionNotify(sessionID, seq uint32, data []byte) error {
	s, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	return s.sendNotify(seq, data)
}

// SessionEnd ends the session and removes it from the session table.
func (r *Runtime) SessionEnd(sessionID uint32) error {
	s, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	s.end()
	r.removeSession(sessionID)
	return nil
}

package ens

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/project-edge/ens/pkg/discovery"
	"github.com/project-edge/ens/pkg/endpoint"
	"github.com/project-edge/ens/pkg/wire"
)

// startEventServer accepts a single session, performs the SESSION_START
// handshake, and hands the connection to script.
func startEventServer(t *testing.T, script func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		f, err := wire.ReadFrame(conn)
		if err != nil || f.MsgID != wire.SessionStart {
			return
		}
		wire.WriteFrame(conn, wire.Frame{MsgID: wire.SessionStarted, Seq: f.Seq})
		if script != nil {
			script(conn)
		}
	}()
	return fmt.Sprintf("tcp://%s", ln.Addr())
}

func dialSession(t *testing.T, addr string) *Session {
	t.Helper()
	ep, err := endpoint.Parse(addr)
	if err != nil {
		t.Fatal(err)
	}
	s := newSession("dev.app", "cl-1", "ms.iface", discovery.EventBinding{Endpoint: ep}, zerolog.Nop(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRequestResponseEcho(t *testing.T) {
	addr := startEventServer(t, func(conn net.Conn) {
		for {
			f, err := wire.ReadFrame(conn)
			if err != nil {
				return
			}
			if f.MsgID == wire.Request {
				wire.WriteFrame(conn, wire.Frame{MsgID: wire.Response, Seq: f.Seq, Payload: f.Payload})
			}
		}
	})
	s := dialSession(t, addr)

	resp, err := s.Request(context.Background(), []byte("ping"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(resp) != "ping" {
		t.Errorf("response = %q, want ping", resp)
	}
}

func TestRequestSequenceNumbers(t *testing.T) {
	seqs := make(chan uint32, 3)
	addr := startEventServer(t, func(conn net.Conn) {
		for {
			f, err := wire.ReadFrame(conn)
			if err != nil {
				return
			}
			if f.MsgID == wire.Request {
				seqs <- f.Seq
				wire.WriteFrame(conn, wire.Frame{MsgID: wire.Response, Seq: f.Seq})
			}
		}
	})
	s := dialSession(t, addr)

	for want := uint32(1); want <= 3; want++ {
		if _, err := s.Request(context.Background(), []byte("x")); err != nil {
			t.Fatalf("Request %d: %v", want, err)
		}
		if got := <-seqs; got != want {
			t.Errorf("request seq = %d, want %d", got, want)
		}
	}
}

func TestNotifyWhileRequestPending(t *testing.T) {
	addr := startEventServer(t, func(conn net.Conn) {
		f, err := wire.ReadFrame(conn)
		if err != nil || f.MsgID != wire.Request {
			return
		}
		// two notifies before the response for the outstanding request
		wire.WriteFrame(conn, wire.Frame{MsgID: wire.Notify, Seq: 7, Payload: []byte("n7")})
		wire.WriteFrame(conn, wire.Frame{MsgID: wire.Notify, Seq: 8, Payload: []byte("n8")})
		wire.WriteFrame(conn, wire.Frame{MsgID: wire.Response, Seq: f.Seq, Payload: []byte("done")})
		wire.ReadFrame(conn) // hold the connection open until the client closes
	})
	s := dialSession(t, addr)

	resp, err := s.Request(context.Background(), []byte("req"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(resp) != "done" {
		t.Errorf("response = %q, want done", resp)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, want := range []uint32{7, 8} {
		n, err := s.GetNotify(ctx)
		if err != nil {
			t.Fatalf("GetNotify: %v", err)
		}
		if n.Seq != want {
			t.Errorf("notify seq = %d, want %d", n.Seq, want)
		}
	}
}

func TestPeerDisconnectReleasesRequest(t *testing.T) {
	addr := startEventServer(t, func(conn net.Conn) {
		// close without responding to the outstanding request
		wire.ReadFrame(conn)
	})
	s := dialSession(t, addr)

	_, err := s.Request(context.Background(), []byte("req"))
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Request = %v, want ErrSessionClosed", err)
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}

	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
}

func TestUnknownResponseDropped(t *testing.T) {
	addr := startEventServer(t, func(conn net.Conn) {
		// a response nothing is waiting for must not kill the reader
		wire.WriteFrame(conn, wire.Frame{MsgID: wire.Response, Seq: 99, Payload: []byte("stray")})
		wire.WriteFrame(conn, wire.Frame{MsgID: wire.Notify, Seq: 1, Payload: []byte("alive")})
		wire.ReadFrame(conn)
	})
	s := dialSession(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := s.GetNotify(ctx)
	if err != nil {
		t.Fatalf("GetNotify: %v", err)
	}
	if string(n.Payload) != "alive" {
		t.Errorf("notify payload = %q, want alive", n.Payload)
	}
}

func TestCloseIdempotent(t *testing.T) {
	stopped := make(chan uint32, 1)
	addr := startEventServer(t, func(conn net.Conn) {
		f, err := wire.ReadFrame(conn)
		if err == nil {
			stopped <- f.MsgID
		}
	})
	s := dialSession(t, addr)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case id := <-stopped:
		if id != wire.SessionStop {
			t.Errorf("peer received %s, want SESSION_STOP", wire.MsgName(id))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("peer never received SESSION_STOP")
	}

	if _, err := s.Request(context.Background(), []byte("x")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Request after close = %v, want ErrSessionClosed", err)
	}
	if err := s.Notify(1, []byte("x")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Notify after close = %v, want ErrSessionClosed", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	addr := startEventServer(t, func(conn net.Conn) {
		// swallow the request and never respond
		wire.ReadFrame(conn)
		wire.ReadFrame(conn)
	})
	s := dialSession(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Request(ctx, []byte("req")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Request = %v, want deadline exceeded", err)
	}

	// the waiter must be deregistered so a late response writes nowhere
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
}

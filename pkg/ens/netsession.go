package ens

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/project-edge/ens/pkg/discovery"
)

// NetworkSession is a raw TCP session to a network interface binding. There
// is no framing; the application payload is the wire payload.
type NetworkSession struct {
	app      string
	cloudlet string
	iface    string
	binding  discovery.NetworkBinding

	log zerolog.Logger

	mu   sync.Mutex
	conn net.Conn
	br   *bufio.Reader
}

func newNetworkSession(app, cloudlet, iface string, binding discovery.NetworkBinding, log zerolog.Logger) *NetworkSession {
	return &NetworkSession{
		app:      app,
		cloudlet: cloudlet,
		iface:    iface,
		binding:  binding,
		log:      log.With().Str("interface", iface).Logger(),
	}
}

// Interface returns the interface name the session is connected to.
func (s *NetworkSession) Interface() string { return s.iface }

// Connect opens the TCP connection to the first resolved address of the
// binding endpoint.
func (s *NetworkSession) Connect(ctx context.Context) error {
	addr, err := s.binding.Endpoint.First()
	if err != nil {
		s.log.Error().Err(err).Msg("invalid network binding endpoint")
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to connect network session")
		return fmt.Errorf("dial network endpoint: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.br = bufio.NewReader(conn)
	s.mu.Unlock()
	return nil
}

// Request sends the payload and reads the peer's response until it closes its
// write side.
func (s *NetworkSession) Request(payload []byte) ([]byte, error) {
	s.mu.Lock()
	conn, br := s.conn, s.br
	s.mu.Unlock()
	if conn == nil {
		return nil, ErrSessionClosed
	}
	if _, err := conn.Write(payload); err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	return io.ReadAll(br)
}

// Close releases the connection. It is idempotent.
func (s *NetworkSession) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn, s.br = nil, nil
	s.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

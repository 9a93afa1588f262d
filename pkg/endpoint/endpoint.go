// Package endpoint parses ENS endpoint strings of the form scheme://host:port
// and resolves them to socket addresses.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

var (
	// ErrBadEndpoint is returned when an endpoint string is malformed.
	ErrBadEndpoint = errors.New("invalid endpoint")
	// ErrNoAddrs is returned when an endpoint did not resolve to any address.
	ErrNoAddrs = errors.New("endpoint has no resolved addresses")
)

// Endpoint is a parsed ENS endpoint. It is immutable after Parse.
type Endpoint struct {
	Scheme string
	Host   string
	Port   uint16

	// Addrs contains all IPv4 and IPv6 stream addresses the host resolved to,
	// in resolver order. It is empty if resolution failed at parse time;
	// consumers see the failure from First when they actually need an address.
	Addrs []netip.AddrPort

	raw string
}

// Parse parses an endpoint string. The scheme must be one of tcp, udp, http or
// https, and the host may be a dotted-quad IPv4 address, a bracketed or
// unbracketed IPv6 address, or a DNS name.
func Parse(s string) (*Endpoint, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return nil, fmt.Errorf("%w %q: missing scheme", ErrBadEndpoint, s)
	}
	switch scheme {
	case "tcp", "udp", "http", "https":
	default:
		return nil, fmt.Errorf("%w %q: unsupported scheme %q", ErrBadEndpoint, s, scheme)
	}

	host, portStr, err := splitHostPort(rest)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrBadEndpoint, s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w %q: invalid port %q", ErrBadEndpoint, s, portStr)
	}
	if !validHost(host) {
		return nil, fmt.Errorf("%w %q: invalid host %q", ErrBadEndpoint, s, host)
	}

	e := &Endpoint{
		Scheme: scheme,
		Host:   host,
		Port:   uint16(port),
		raw:    s,
	}
	e.Addrs = resolve(host, uint16(port))
	return e, nil
}

// First returns the first resolved address for the endpoint.
func (e *Endpoint) First() (netip.AddrPort, error) {
	if len(e.Addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrNoAddrs, e.raw)
	}
	return e.Addrs[0], nil
}

// String returns the original endpoint string.
func (e *Endpoint) String() string {
	return e.raw
}

// splitHostPort splits the authority into host and port. Unlike
// net.SplitHostPort, it also accepts unbracketed IPv6 addresses, taking the
// final colon as the port separator.
func splitHostPort(authority string) (host, port string, err error) {
	if authority == "" {
		return "", "", errors.New("empty authority")
	}
	if authority[0] == '[' {
		end := strings.IndexByte(authority, ']')
		if end < 0 || end+1 >= len(authority) || authority[end+1] != ':' {
			return "", "", errors.New("malformed bracketed host")
		}
		return authority[1:end], authority[end+2:], nil
	}
	i := strings.LastIndexByte(authority, ':')
	if i < 0 || i+1 == len(authority) {
		return "", "", errors.New("missing port")
	}
	return authority[:i], authority[i+1:], nil
}

func validHost(host string) bool {
	if host == "" {
		return false
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return true
	}
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '.':
		default:
			return false
		}
	}
	return true
}

func resolve(host string, port uint16) []netip.AddrPort {
	// note: LookupIP preserves resolver order
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil
	}
	addrs := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		if a, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, netip.AddrPortFrom(a.Unmap(), port))
		}
	}
	return addrs
}

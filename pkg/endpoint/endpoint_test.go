package endpoint

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in     string
		ok     bool
		scheme string
		host   string
		port   uint16
	}{
		{"tcp://1.2.3.4:80", true, "tcp", "1.2.3.4", 80},
		{"udp://1.2.3.4:9999", true, "udp", "1.2.3.4", 9999},
		{"http://example.com:8080", true, "http", "example.com", 8080},
		{"https://some-host.example.com:443", true, "https", "some-host.example.com", 443},
		{"tcp://[fe80::1]:80", true, "tcp", "fe80::1", 80},
		{"tcp://fe80::1:80", true, "tcp", "fe80::1", 80},
		{"tcp://127.0.0.1:65535", true, "tcp", "127.0.0.1", 65535},

		{"ftp://1.2.3.4:80", false, "", "", 0},
		{"1.2.3.4:80", false, "", "", 0},
		{"tcp://1.2.3.4", false, "", "", 0},
		{"tcp://1.2.3.4:", false, "", "", 0},
		{"tcp://1.2.3.4:70000", false, "", "", 0},
		{"tcp://1.2.3.4:http", false, "", "", 0},
		{"tcp://:80", false, "", "", 0},
		{"tcp://host_name:80", false, "", "", 0},
		{"tcp://[fe80::1:80", false, "", "", 0},
		{"", false, "", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			e, err := Parse(tt.in)
			if !tt.ok {
				if err == nil {
					t.Fatalf("Parse(%q) = %+v, want error", tt.in, e)
				}
				if !errors.Is(err, ErrBadEndpoint) {
					t.Errorf("error %v does not wrap ErrBadEndpoint", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.in, err)
			}
			if e.Scheme != tt.scheme {
				t.Errorf("Scheme = %q, want %q", e.Scheme, tt.scheme)
			}
			if e.Host != tt.host {
				t.Errorf("Host = %q, want %q", e.Host, tt.host)
			}
			if e.Port != tt.port {
				t.Errorf("Port = %d, want %d", e.Port, tt.port)
			}
			if e.String() != tt.in {
				t.Errorf("String = %q, want %q", e.String(), tt.in)
			}
		})
	}
}

func TestFirst(t *testing.T) {
	e, err := Parse("tcp://127.0.0.1:8080")
	if err != nil {
		t.Fatal(err)
	}
	addr, err := e.First()
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	if addr.String() != "127.0.0.1:8080" {
		t.Errorf("First = %s, want 127.0.0.1:8080", addr)
	}
}

func TestFirstNoAddrs(t *testing.T) {
	if _, err := (&Endpoint{raw: "tcp://x:1"}).First(); !errors.Is(err, ErrNoAddrs) {
		t.Errorf("First on unresolved endpoint = %v, want ErrNoAddrs", err)
	}
}

package ens

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/project-edge/ens/pkg/discovery"
)

// ErrMethodNotSupported is returned by HTTPSession.Request for methods other
// than GET. Support for further methods is an extension point.
var ErrMethodNotSupported = errors.New("http method not supported")

// HTTPSession is a thin adapter over an HTTP interface binding. Requests
// carry the binding's access token in the API-KEY header.
type HTTPSession struct {
	app      string
	cloudlet string
	iface    string
	binding  discovery.HTTPBinding

	hc  *http.Client
	log zerolog.Logger
}

func newHTTPSession(app, cloudlet, iface string, binding discovery.HTTPBinding, hc *http.Client, log zerolog.Logger) *HTTPSession {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPSession{
		app:      app,
		cloudlet: cloudlet,
		iface:    iface,
		binding:  binding,
		hc:       hc,
		log:      log.With().Str("interface", iface).Logger(),
	}
}

// Interface returns the interface name the session is connected to.
func (s *HTTPSession) Interface() string { return s.iface }

// Request performs an HTTP call against the binding endpoint with api
// appended to its path and returns the response body on a 200.
func (s *HTTPSession) Request(ctx context.Context, method, api string, body []byte) ([]byte, error) {
	if !strings.EqualFold(method, http.MethodGet) {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotSupported, method)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.binding.Endpoint.String()+api, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("API-KEY", s.binding.AccessToken)

	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.log.Error().Int("status", resp.StatusCode).Str("api", api).Msg("service error")
		return nil, fmt.Errorf("service error: %d (%s)", resp.StatusCode, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// Close releases the session. HTTP sessions hold no connection state.
func (s *HTTPSession) Close() error { return nil }

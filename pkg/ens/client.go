// Package ens is the ENS client SDK. A client application creates a Client,
// calls Init to authenticate with the platform, select the lowest-latency
// cloudlet and instantiate the hosted application there, and then opens typed
// sessions to the application's interfaces with Connect.
package ens

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/project-edge/ens/pkg/discovery"
	"github.com/project-edge/ens/pkg/probe"
)

var (
	// ErrNotInitialized is returned by Connect before a successful Init.
	ErrNotInitialized = errors.New("client not initialized")
	// ErrUnknownInterface is returned by Connect for an interface that no
	// microservice of the deployment exposes.
	ErrUnknownInterface = errors.New("unknown interface")
)

// Conn is a connected session of any variant, returned by Connect. The
// concrete type is *Session, *HTTPSession or *NetworkSession depending on the
// interface binding.
type Conn interface {
	Interface() string
	Close() error
}

// Client represents a client application on the ENS platform.
//
// The exported fields may be set after New and before Init.
type Client struct {
	// Log is used for SDK logging. The zero value discards everything.
	Log zerolog.Logger

	// HTTPClient overrides the HTTP client used for discovery and HTTP
	// sessions. If nil, http.DefaultClient is used.
	HTTPClient *http.Client

	// SaveHAR, if provided, is passed through to the discovery client to
	// record each REST exchange as a HAR archive.
	SaveHAR func(write func(w io.Writer) error, err error)

	// Prober overrides probing parameters. If nil, defaults are used.
	Prober *probe.Prober

	app       string
	developer string
	appID     string
	clientID  string
	cfg       Config

	aac        string
	cloudlet   string
	probedRTT  time.Duration
	deployment *discovery.Deployment

	metricsInit sync.Once
	metricsObj  clientMetrics
}

// New creates a client for the application identified by app, which has the
// form developer-id.app-id. A fresh client id is generated per client
// instance.
func New(app string, cfg Config) (*Client, error) {
	developer, appID, ok := strings.Cut(app, ".")
	if !ok || developer == "" || appID == "" {
		return nil, fmt.Errorf("invalid application identifier %q", app)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		app:       app,
		developer: developer,
		appID:     appID,
		clientID:  strings.ReplaceAll(uuid.New().String(), "-", ""),
		cfg:       cfg,
	}, nil
}

func (c *Client) m() *clientMetrics {
	c.metricsInit.Do(c.metricsObj.init)
	return &c.metricsObj
}

// ClientID returns the generated client identifier.
func (c *Client) ClientID() string { return c.clientID }

// Cloudlet returns the id of the selected cloudlet after a successful Init.
func (c *Client) Cloudlet() string { return c.cloudlet }

// ProbedRTT returns the mean RTT of the selected cloudlet measured during
// Init.
func (c *Client) ProbedRTT() time.Duration { return c.probedRTT }

// Init initializes the hosted application on the ENS platform: it discovers
// candidate cloudlets, probes them concurrently, selects the one with the
// lowest mean RTT, and instantiates the application there. In localhost mode
// it instantiates via the local workload-tester instead.
func (c *Client) Init(ctx context.Context) error {
	dc := c.discoveryClient()

	if c.cfg.Environment == "localhost" {
		d, err := dc.InstantiateLocal(ctx, c.developer, c.appID)
		if err != nil {
			c.Log.Error().Err(err).Msg("failed to initialize application")
			return err
		}
		c.deployment = d
		return nil
	}

	cloudlets, aac, err := dc.Discover(ctx, c.developer, c.appID)
	if err != nil {
		c.Log.Error().Err(err).Msg("discovery failed")
		return err
	}
	c.aac = aac
	if len(cloudlets) == 0 {
		c.Log.Error().Msg("no cloudlets to probe")
		return probe.ErrNoCloudlets
	}

	p := c.Prober
	if p == nil {
		p = &probe.Prober{Log: c.Log}
	}
	candidates := make([]probe.Candidate, len(cloudlets))
	for i, cl := range cloudlets {
		candidates[i] = probe.Candidate{CloudletID: cl.ID, Endpoint: cl.Probe}
	}
	c.Log.Debug().Int("cloudlets", len(candidates)).Msg("probing cloudlets")
	best, _, err := p.Run(ctx, c.app, candidates)
	if err != nil {
		c.m().probe_runs_total.fail.Inc()
		return err
	}
	c.m().probe_runs_total.success.Inc()
	c.cloudlet = best.CloudletID
	c.probedRTT = best.RTT()
	c.Log.Info().Str("cloudlet", c.cloudlet).Dur("rtt", c.probedRTT).Msg("cloudlet selected")

	d, err := dc.Instantiate(ctx, c.aac, c.developer, c.appID, c.cloudlet, c.clientID)
	if err != nil {
		c.Log.Error().Err(err).Msg("failed to initialize application")
		return err
	}
	c.deployment = d
	return nil
}

// Connect opens a session to the named interface, which has the form
// microservice.interface. The session variant is determined by which binding
// map of the microservice contains the interface: event, then HTTP, then
// network.
func (c *Client) Connect(ctx context.Context, iface string) (Conn, error) {
	if c.deployment == nil {
		return nil, ErrNotInitialized
	}
	msName, _, _ := strings.Cut(iface, ".")
	ms, ok := c.deployment.Microservices[msName]
	if !ok {
		return nil, fmt.Errorf("%w: no microservice %q", ErrUnknownInterface, msName)
	}

	if b, ok := ms.EventBindings[iface]; ok {
		s := newSession(c.app, c.cloudlet, iface, b, c.Log, c.m())
		if err := s.Connect(ctx); err != nil {
			return nil, err
		}
		c.m().sessions_connected_total.event.Inc()
		return s, nil
	}
	if b, ok := ms.HTTPBindings[iface]; ok {
		c.m().sessions_connected_total.http.Inc()
		return newHTTPSession(c.app, c.cloudlet, iface, b, c.HTTPClient, c.Log), nil
	}
	if b, ok := ms.NetworkBindings[iface]; ok {
		s := newNetworkSession(c.app, c.cloudlet, iface, b, c.Log)
		if err := s.Connect(ctx); err != nil {
			return nil, err
		}
		c.m().sessions_connected_total.network.Inc()
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownInterface, iface)
}

// ConnectEvent is Connect for interfaces known to be event bindings.
func (c *Client) ConnectEvent(ctx context.Context, iface string) (*Session, error) {
	conn, err := c.Connect(ctx, iface)
	if err != nil {
		return nil, err
	}
	s, ok := conn.(*Session)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("%w: %s is not an event interface", ErrUnknownInterface, iface)
	}
	return s, nil
}

// Close terminates the application deployment. It does not close sessions
// obtained from Connect; those are owned by their callers.
func (c *Client) Close(ctx context.Context) error {
	if c.deployment == nil {
		return nil
	}
	if c.cfg.Environment == "localhost" {
		c.deployment = nil
		return nil
	}
	err := c.discoveryClient().Terminate(ctx, c.aac, c.developer, c.appID, c.cloudlet, c.clientID, c.deployment.ID)
	if err != nil {
		c.Log.Error().Err(err).Str("deployment", c.deployment.ID).Msg("failed to delete deployment")
		return err
	}
	c.Log.Debug().Str("deployment", c.deployment.ID).Msg("deployment deleted")
	c.deployment = nil
	return nil
}

func (c *Client) discoveryClient() *discovery.Client {
	return &discovery.Client{
		Base:       c.cfg.DiscoveryURL,
		SDKVersion: c.cfg.SDKVersion,
		APIKey:     c.cfg.APIKey,
		HTTPClient: c.HTTPClient,
		SaveHAR:    c.SaveHAR,
		Log:        c.Log,
	}
}

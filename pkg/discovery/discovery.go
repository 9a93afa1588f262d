// Package discovery is a client for the ENS Discovery Service and the
// app@cloud deployment API.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/cardigann/harhar"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/project-edge/ens/pkg/endpoint"
)

var (
	// ErrDiscovery is returned for non-200 responses or responses missing
	// required fields.
	ErrDiscovery = errors.New("discovery error")
	// ErrInvalidResponse is returned when a response body cannot be parsed.
	ErrInvalidResponse = errors.New("invalid discovery response")
)

// LocalBase is the base URL of the workload-tester used in localhost mode.
var LocalBase = "http://127.0.0.1:8080"

// Cloudlet is a candidate edge node returned by Discover.
type Cloudlet struct {
	ID    string
	Probe *endpoint.Endpoint
}

// EventBinding is the runtime coordinates of an event interface.
type EventBinding struct {
	Endpoint *endpoint.Endpoint
}

// HTTPBinding is the runtime coordinates of an HTTP interface.
type HTTPBinding struct {
	Endpoint    *endpoint.Endpoint
	AccessToken string
}

// NetworkBinding is the runtime coordinates of a raw network interface.
type NetworkBinding struct {
	Endpoint *endpoint.Endpoint
}

// Microservice is a named application component and its interface bindings.
// Binding keys are always the microservice name joined to the interface id
// with a dot.
type Microservice struct {
	Name            string
	EventBindings   map[string]EventBinding
	HTTPBindings    map[string]HTTPBinding
	NetworkBindings map[string]NetworkBinding
}

// Deployment is an instantiated application on a cloudlet. It is created by
// Instantiate and destroyed by Terminate.
type Deployment struct {
	ID            string
	CloudletID    string
	ClientID      string
	Microservices map[string]Microservice
}

// Client speaks the discovery and app@cloud REST APIs.
type Client struct {
	// Base is the discovery service base URL.
	Base string

	// SDKVersion is sent as the sdkversion query parameter on Discover.
	SDKVersion string

	// APIKey is sent as a bearer token on Discover.
	APIKey string

	// HTTPClient overrides the HTTP client used for requests. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client

	// SaveHAR, if provided, is called after every API call with a function
	// writing a HAR archive of the exchange. Use WriteGzippedHAR to compress
	// the archive.
	SaveHAR func(write func(w io.Writer) error, err error)

	// Log is used for debug logging. The zero value discards everything.
	Log zerolog.Logger
}

// Discover fetches the candidate cloudlet list and the app@cloud endpoint for
// an application.
func (c *Client) Discover(ctx context.Context, developer, app string) (cloudlets []Cloudlet, appAtCloud string, err error) {
	var obj struct {
		Cloudlets map[string]struct {
			Endpoints map[string]string `json:"endpoints"`
		} `json:"cloudlets"`
		Cloud struct {
			Endpoints map[string]string `json:"endpoints"`
		} `json:"cloud"`
	}
	u := fmt.Sprintf("%s/api/v1.0/discover/%s/%s?sdkversion=%s", c.Base, url.PathEscape(developer), url.PathEscape(app), url.QueryEscape(c.SDKVersion))
	if err := c.getJSON(ctx, http.MethodGet, u, map[string]string{
		"Authorization": "Bearer " + c.APIKey,
	}, &obj); err != nil {
		return nil, "", err
	}
	if obj.Cloudlets == nil {
		return nil, "", fmt.Errorf("%w: no cloudlets element", ErrDiscovery)
	}
	aac, ok := obj.Cloud.Endpoints["app@cloud"]
	if !ok {
		return nil, "", fmt.Errorf("%w: no app@cloud element", ErrDiscovery)
	}
	for id, cfg := range obj.Cloudlets {
		probe, ok := cfg.Endpoints["probe"]
		if !ok {
			c.Log.Warn().Str("cloudlet", id).Msg("missing probe endpoint, skipping cloudlet")
			continue
		}
		ep, err := endpoint.Parse(probe)
		if err != nil {
			c.Log.Warn().Str("cloudlet", id).Err(err).Msg("invalid probe endpoint, skipping cloudlet")
			continue
		}
		cloudlets = append(cloudlets, Cloudlet{ID: id, Probe: ep})
	}
	return cloudlets, aac, nil
}

// Instantiate asks app@cloud to instantiate the application on a cloudlet and
// returns the resulting deployment and its binding catalogue.
func (c *Client) Instantiate(ctx context.Context, appAtCloud, developer, app, cloudlet, clientID string) (*Deployment, error) {
	u := fmt.Sprintf("%s/api/v1.0/app_cloud/%s/%s/%s/%s", appAtCloud, url.PathEscape(developer), url.PathEscape(app), url.PathEscape(cloudlet), url.PathEscape(clientID))
	d, err := c.instantiate(ctx, u)
	if err != nil {
		return nil, err
	}
	d.CloudletID = cloudlet
	d.ClientID = clientID
	return d, nil
}

// InstantiateLocal instantiates the application via the local workload-tester
// instead of a cloudlet. The response has the same shape as Instantiate.
func (c *Client) InstantiateLocal(ctx context.Context, developer, app string) (*Deployment, error) {
	u := fmt.Sprintf("%s/api/v1.0/workload-tester/%s/%s", LocalBase, url.PathEscape(developer), url.PathEscape(app))
	return c.instantiate(ctx, u)
}

func (c *Client) instantiate(ctx context.Context, u string) (*Deployment, error) {
	var obj struct {
		DeploymentID struct {
			UUID string `json:"uuid"`
		} `json:"deploymentId"`
		Microservices []struct {
			Name         string `json:"name"`
			EventGateway []struct {
				EventID  string `json:"eventId"`
				Endpoint string `json:"endpoint"`
			} `json:"eventGateway"`
			HTTPGateway []struct {
				HTTPAPIID   string `json:"httpApiId"`
				Endpoint    string `json:"endpoint"`
				AccessToken string `json:"accessToken"`
			} `json:"httpGateway"`
			NetworkBinding []struct {
				NetworkID string `json:"networkId"`
				Endpoint  string `json:"endpoint"`
			} `json:"networkBinding"`
		} `json:"microservices"`
	}
	if err := c.getJSON(ctx, http.MethodPost, u, nil, &obj); err != nil {
		return nil, err
	}
	if obj.DeploymentID.UUID == "" {
		return nil, fmt.Errorf("%w: missing deploymentId", ErrDiscovery)
	}

	d := &Deployment{
		ID:            obj.DeploymentID.UUID,
		Microservices: make(map[string]Microservice, len(obj.Microservices)),
	}
	for _, msObj := range obj.Microservices {
		ms := Microservice{
			Name:            msObj.Name,
			EventBindings:   map[string]EventBinding{},
			HTTPBindings:    map[string]HTTPBinding{},
			NetworkBindings: map[string]NetworkBinding{},
		}
		for _, b := range msObj.EventGateway {
			ep, err := endpoint.Parse(b.Endpoint)
			if err != nil {
				return nil, fmt.Errorf("%w: event binding %s.%s: %v", ErrInvalidResponse, ms.Name, b.EventID, err)
			}
			ms.EventBindings[ms.Name+"."+b.EventID] = EventBinding{Endpoint: ep}
		}
		for _, b := range msObj.HTTPGateway {
			ep, err := endpoint.Parse(b.Endpoint)
			if err != nil {
				return nil, fmt.Errorf("%w: http binding %s.%s: %v", ErrInvalidResponse, ms.Name, b.HTTPAPIID, err)
			}
			ms.HTTPBindings[ms.Name+"."+b.HTTPAPIID] = HTTPBinding{Endpoint: ep, AccessToken: b.AccessToken}
		}
		for _, b := range msObj.NetworkBinding {
			ep, err := endpoint.Parse(b.Endpoint)
			if err != nil {
				return nil, fmt.Errorf("%w: network binding %s.%s: %v", ErrInvalidResponse, ms.Name, b.NetworkID, err)
			}
			ms.NetworkBindings[ms.Name+"."+b.NetworkID] = NetworkBinding{Endpoint: ep}
		}
		d.Microservices[ms.Name] = ms
	}
	return d, nil
}

// Terminate deletes a deployment previously created by Instantiate.
func (c *Client) Terminate(ctx context.Context, appAtCloud, developer, app, cloudlet, clientID, deploymentUUID string) error {
	u := fmt.Sprintf("%s/api/v1.0/app_cloud/%s/%s/%s/%s/%s", appAtCloud, url.PathEscape(developer), url.PathEscape(app), url.PathEscape(cloudlet), url.PathEscape(clientID), url.PathEscape(deploymentUUID))
	return c.getJSON(ctx, http.MethodDelete, u, nil, nil)
}

// getJSON performs a request and decodes a 200 JSON response into out (which
// may be nil to discard the body). Responses are requested and transparently
// decoded as gzip.
func (c *Client) getJSON(ctx context.Context, method, u string, hdr map[string]string, out any) (err error) {
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	if c.SaveHAR != nil {
		t := hc.Transport
		if t == nil {
			t = http.DefaultTransport
		}
		rec := harhar.NewRecorder()
		rec.RoundTripper = t
		clone := *hc
		clone.Transport = rec
		hc = &clone
		defer func() {
			go c.SaveHAR(func(w io.Writer) error {
				return json.NewEncoder(w).Encode(rec.HAR)
			}, err)
		}()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body := resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: bad gzip body: %v", ErrInvalidResponse, err)
		}
		defer zr.Close()
		body = zr
	}
	buf, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: response status %d (%s)", ErrDiscovery, resp.StatusCode, resp.Status)
	}
	c.Log.Debug().Str("url", u).Int("bytes", len(buf)).Msg("discovery response")
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("%w: invalid json response %#q: %v", ErrInvalidResponse, string(buf), err)
	}
	return nil
}

// WriteGzippedHAR writes a HAR archive produced by a SaveHAR callback to w
// through a gzip writer.
func WriteGzippedHAR(w io.Writer, write func(w io.Writer) error) error {
	z := gzip.NewWriter(w)
	if err := write(z); err != nil {
		z.Close()
		return err
	}
	return z.Close()
}

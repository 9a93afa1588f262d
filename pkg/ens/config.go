package ens

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-envparse"
	"golang.org/x/mod/semver"
)

// DefaultConfigPath is the SDK configuration file read by LoadConfig when no
// path is given.
const DefaultConfigPath = "mecsdk.conf"

// Config contains the MEC SDK settings loaded from the key=value
// configuration file.
type Config struct {
	// DiscoveryURL is the base URL of the ENS discovery service. Required.
	DiscoveryURL string

	// SDKVersion is reported to the discovery service and must be valid
	// semver. Required.
	SDKVersion string

	// APIKey authenticates the client to the discovery service. Required.
	APIKey string

	// Environment switches the SDK to the local workload-tester when set to
	// "localhost". Optional.
	Environment string
}

// LoadConfig reads an SDK configuration file. Missing required keys are fatal.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open sdk config: %w", err)
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return Config{}, fmt.Errorf("parse sdk config %s: %w", path, err)
	}
	c := Config{
		DiscoveryURL: m["DiscoveryURL"],
		SDKVersion:   m["SdkVersion"],
		APIKey:       m["ApiKey"],
		Environment:  m["Environment"],
	}
	return c, c.Validate()
}

// Validate checks that all required settings are present and well-formed.
func (c Config) Validate() error {
	for _, kv := range []struct{ k, v string }{
		{"DiscoveryURL", c.DiscoveryURL},
		{"SdkVersion", c.SDKVersion},
		{"ApiKey", c.APIKey},
	} {
		if kv.v == "" {
			return fmt.Errorf("missing %s in sdk config", kv.k)
		}
	}
	if !semver.IsValid("v" + strings.TrimPrefix(c.SDKVersion, "v")) {
		return fmt.Errorf("invalid SdkVersion semver %q", c.SDKVersion)
	}
	return nil
}

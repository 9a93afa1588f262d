package ens

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mecsdk.conf")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, "DiscoveryURL=http://disc.example.com:8080\nSdkVersion=1.0.0\nApiKey=secret\n")
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.DiscoveryURL != "http://disc.example.com:8080" || c.SDKVersion != "1.0.0" || c.APIKey != "secret" {
		t.Errorf("config = %+v", c)
	}
	if c.Environment != "" {
		t.Errorf("Environment = %q, want empty", c.Environment)
	}
}

func TestLoadConfigLocalhost(t *testing.T) {
	path := writeConfig(t, "DiscoveryURL=http://disc:1\nSdkVersion=0.9.1\nApiKey=k\nEnvironment=localhost\n")
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.Environment != "localhost" {
		t.Errorf("Environment = %q, want localhost", c.Environment)
	}
}

func TestLoadConfigMissingKeys(t *testing.T) {
	tests := []struct {
		missing string
		content string
	}{
		{"DiscoveryURL", "SdkVersion=1.0.0\nApiKey=k\n"},
		{"SdkVersion", "DiscoveryURL=http://d:1\nApiKey=k\n"},
		{"ApiKey", "DiscoveryURL=http://d:1\nSdkVersion=1.0.0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.missing, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := LoadConfig(path)
			if err == nil || !strings.Contains(err.Error(), tt.missing) {
				t.Errorf("LoadConfig = %v, want error naming %s", err, tt.missing)
			}
		})
	}
}

func TestLoadConfigInvalidSemver(t *testing.T) {
	path := writeConfig(t, "DiscoveryURL=http://d:1\nSdkVersion=not-a-version\nApiKey=k\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig accepted invalid SdkVersion")
	}
}

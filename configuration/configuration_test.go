package configuration

import (
	"testing"
	"time"
)

const minimalTOML = `
[storage]
location = "/var/cache/portcache"

[fetcher]
mirrors = ["https://distfiles.example.org"]
`

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse([]byte(minimalTOML))
	if err != nil {
		t.Fatal(err)
	}
	if c.Fetcher.ConnectTimeout != 30*time.Second {
		t.Errorf("ConnectTimeout = %v", c.Fetcher.ConnectTimeout)
	}
	if c.Server.Port != 8080 {
		t.Errorf("Server.Port = %d", c.Server.Port)
	}
	if c.Server.Address != "0.0.0.0" {
		t.Errorf("Server.Address = %q", c.Server.Address)
	}
	if c.Repo.SyncInterval != 60 {
		t.Errorf("SyncInterval = %d", c.Repo.SyncInterval)
	}
	if c.Log.Level != "info" || c.Log.Formatter != "text" {
		t.Errorf("Log defaults = %+v", c.Log)
	}
	if c.Debug.PrometheusPath != "/metrics" {
		t.Errorf("Debug.PrometheusPath = %q", c.Debug.PrometheusPath)
	}
}

func TestParseRejectsMissingStorageLocation(t *testing.T) {
	_, err := Parse([]byte(`[fetcher]
mirrors = ["https://distfiles.example.org"]
`))
	if err == nil {
		t.Fatal("expected error for missing storage.location")
	}
}

func TestParseRejectsEmptyMirrorList(t *testing.T) {
	_, err := Parse([]byte(`[storage]
location = "/var/cache/portcache"
`))
	if err == nil {
		t.Fatal("expected error for empty fetcher.mirrors")
	}
}

func TestParseHonorsExplicitOverrides(t *testing.T) {
	c, err := Parse([]byte(`
[storage]
location = "/srv/portcache"

[fetcher]
mirrors = ["https://a.example", "https://b.example"]
connect_timeout = "5s"

[server]
port = 9090

[log]
level = "debug"
formatter = "json"
`))
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Fetcher.Mirrors) != 2 {
		t.Fatalf("Mirrors = %v", c.Fetcher.Mirrors)
	}
	if c.Fetcher.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v", c.Fetcher.ConnectTimeout)
	}
	if c.Server.Port != 9090 {
		t.Errorf("Port = %d", c.Server.Port)
	}
	if c.Log.Level != "debug" || c.Log.Formatter != "json" {
		t.Errorf("Log = %+v", c.Log)
	}
}

func TestParseFileMissing(t *testing.T) {
	if _, err := ParseFile("/nonexistent/portcache.toml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transgate.toml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[service]
jid = "gw.example.net"
password = "secret"
backend = "/usr/bin/backend-null"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Backend.Host != "localhost" || cfg.Backend.Port != 10000 {
		t.Fatalf("unexpected backend defaults: %+v", cfg.Backend)
	}
	if cfg.Service.Port != 5347 {
		t.Fatalf("expected default component port 5347, got %d", cfg.Service.Port)
	}
	if !cfg.Service.JIDEscaping {
		t.Fatalf("jid_escaping should default to true")
	}
	if cfg.Path == "" {
		t.Fatalf("config path should be recorded")
	}
}

func TestLoadRejectsMissingBackend(t *testing.T) {
	path := writeConfig(t, `
[service]
jid = "gw.example.net"
password = "secret"
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing service.backend")
	}
}

func TestLoadRejectsMissingComponentPassword(t *testing.T) {
	path := writeConfig(t, `
[service]
jid = "gw.example.net"
backend = "/usr/bin/backend-null"
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing service.password")
	}
}

func TestServerModeNeedsNoPassword(t *testing.T) {
	path := writeConfig(t, `
[service]
jid = "gw.example.net"
backend = "/usr/bin/backend-null"
server_mode = true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !cfg.Service.ServerMode {
		t.Fatalf("server_mode not parsed")
	}
}

func TestLoadRejectsMissingCertFile(t *testing.T) {
	path := writeConfig(t, `
[service]
jid = "gw.example.net"
password = "secret"
backend = "/usr/bin/backend-null"
cert = "/nonexistent/bundle.p12"
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing cert file")
	}
}

func TestFeatureAndStorageTables(t *testing.T) {
	path := writeConfig(t, `
[service]
jid = "gw.example.net"
password = "secret"
backend = "/usr/bin/backend-null"
jid_escaping = false

[features]
rawxml = true

[storage]
database = "/var/lib/transgate/gw.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Service.JIDEscaping {
		t.Fatalf("jid_escaping=false not honored")
	}
	if !cfg.Features.RawXML {
		t.Fatalf("features.rawxml not parsed")
	}
	if cfg.Storage.Database != "/var/lib/transgate/gw.db" {
		t.Fatalf("storage.database not parsed: %q", cfg.Storage.Database)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != DefaultHost || cfg.Server.Port != DefaultPort {
		t.Errorf("listener = %s:%d, want %s:%d", cfg.Server.Host, cfg.Server.Port, DefaultHost, DefaultPort)
	}
	if cfg.Server.Region != DefaultRegion {
		t.Errorf("region = %q", cfg.Server.Region)
	}
	if cfg.Server.MaxObjectSize != DefaultMaxObjectSize {
		t.Errorf("max object size = %d", cfg.Server.MaxObjectSize)
	}
	if cfg.Auth.AccessKey != DefaultAccessKey || cfg.Auth.SecretKey != DefaultSecretKey {
		t.Errorf("auth = %s/%s", cfg.Auth.AccessKey, cfg.Auth.SecretKey)
	}
	if cfg.Metadata.Engine != "sqlite" || cfg.Storage.Backend != "local" {
		t.Errorf("engines = %s/%s, want sqlite/local", cfg.Metadata.Engine, cfg.Storage.Backend)
	}
	if cfg.Cluster.Enabled {
		t.Error("cluster enabled by default")
	}
}

func TestLoadFillsUnsetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bleepstore.yaml")
	doc := []byte(`
server:
  port: 9999
metadata:
  engine: memory
storage:
  backend: aws
  aws:
    bucket: upstream-bucket
    region: eu-west-1
`)
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Server.Host != DefaultHost {
		t.Errorf("host = %q, want default", cfg.Server.Host)
	}
	if cfg.Metadata.Engine != "memory" {
		t.Errorf("metadata engine = %q", cfg.Metadata.Engine)
	}
	if cfg.Storage.Backend != "aws" || cfg.Storage.AWS.Bucket != "upstream-bucket" || cfg.Storage.AWS.Region != "eu-west-1" {
		t.Errorf("aws storage = %+v", cfg.Storage.AWS)
	}
	// Unrelated sections still pick up their defaults.
	if cfg.Metadata.SQLite.Path != DefaultMetadataPath {
		t.Errorf("sqlite path = %q", cfg.Metadata.SQLite.Path)
	}
	if cfg.Storage.Memory.Persistence != "none" {
		t.Errorf("memory persistence = %q", cfg.Storage.Memory.Persistence)
	}
}

func TestLoadFallsBackToExampleFile(t *testing.T) {
	dir := t.TempDir()
	doc := []byte("server:\n  port: 7070\n")
	if err := os.WriteFile(filepath.Join(dir, "bleepstore.example.yaml"), doc, 0o644); err != nil {
		t.Fatalf("writing example config: %v", err)
	}

	cfg, err := Load(filepath.Join(dir, "bleepstore.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want 7070 from the example file", cfg.Server.Port)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bleepstore.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted malformed YAML")
	}
}

func TestListenAddr(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 9000
	if got := cfg.ListenAddr(); got != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %q", got)
	}
}

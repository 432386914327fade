package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ListenAddr != ":5000" {
		t.Errorf("ListenAddr = %q, want :5000", cfg.ListenAddr)
	}
	if cfg.Adapter != "hci0" {
		t.Errorf("Adapter = %q, want hci0", cfg.Adapter)
	}
	if cfg.RequestTimeout() != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want 10s", cfg.RequestTimeout())
	}
	if !cfg.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen_addr: ":8080"
adapter: hci1
device_address: "AA:BB:CC:DD:EE:FF"
history_db: /var/lib/flysightd/history.db
request_timeout_sec: 30
auto_reconnect: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.DeviceAddress != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("DeviceAddress = %q", cfg.DeviceAddress)
	}
	if cfg.RequestTimeout() != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", cfg.RequestTimeout())
	}
	if cfg.AutoReconnect {
		t.Error("AutoReconnect = true, want false")
	}
}

func TestLoadConfigZeroTimeoutFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("request_timeout_sec: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.RequestTimeout() != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want default 10s", cfg.RequestTimeout())
	}
}

func TestLoadConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: [broken\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Error("loadConfig succeeded on malformed yaml")
	}
}

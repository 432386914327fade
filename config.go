package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flysight/flysightd/bluetooth"
)

// Config holds the daemon configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// Adapter is the Bluetooth adapter to use, e.g. "hci0".
	Adapter string `yaml:"adapter"`

	// DeviceAddress is the Bluetooth address of the FlySight, e.g.
	// "AA:BB:CC:DD:EE:FF". Required.
	DeviceAddress string `yaml:"device_address"`

	// DeviceName is the advertised name, used only for log output.
	DeviceName string `yaml:"device_name"`

	// HistoryDB is the path of the start-event history database.
	HistoryDB string `yaml:"history_db"`

	// RequestTimeoutSec bounds an outstanding device exchange, in seconds.
	RequestTimeoutSec int `yaml:"request_timeout_sec"`

	// AutoReconnect re-establishes the device link after loss.
	AutoReconnect bool `yaml:"auto_reconnect"`
}

// RequestTimeout returns the configured exchange timeout as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":5000",
		Adapter:           "hci0",
		DeviceName:        bluetooth.DeviceName,
		HistoryDB:         "flysightd.db",
		RequestTimeoutSec: int(bluetooth.DefaultRequestTimeout / time.Second),
		AutoReconnect:     true,
	}
}

// loadConfig reads the YAML config at path. A missing file yields the
// defaults; DeviceAddress must still be set somewhere.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.RequestTimeoutSec <= 0 {
		cfg.RequestTimeoutSec = int(bluetooth.DefaultRequestTimeout / time.Second)
	}
	return cfg, nil
}

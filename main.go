package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/flysight/flysightd/bluetooth"
	"github.com/flysight/flysightd/server"
	"github.com/flysight/flysightd/storage"
	"github.com/flysight/flysightd/utils"
)

func main() {
	configPath := flag.String("config", "/etc/flysightd/config.yaml", "path to config file")
	deviceAddr := flag.String("device", "", "FlySight Bluetooth address (overrides config)")
	listenAddr := flag.String("listen", "", "HTTP listen address (overrides config)")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *deviceAddr != "" {
		cfg.DeviceAddress = *deviceAddr
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if cfg.DeviceAddress == "" {
		log.Fatal("No device address configured (set device_address or pass -device)")
	}

	history, err := storage.Open(cfg.HistoryDB)
	if err != nil {
		log.Fatalf("Failed to open history store: %v", err)
	}
	defer history.Close()

	wsHub := utils.NewWebSocketHub()

	transport, err := bluetooth.NewBluezTransport(cfg.Adapter, cfg.DeviceAddress)
	if err != nil {
		log.Fatalf("Failed to initialize Bluetooth transport: %v", err)
	}

	session := bluetooth.NewSession(transport, wsHub, cfg.RequestTimeout())
	defer session.Close()

	// Persist start results as they arrive and push them to UI clients.
	go func() {
		for ev := range session.StartEvents() {
			payload := utils.StartEventPayload{
				FiredAt: ev.FiredAt.Format(time.RFC3339Nano),
			}
			if rec, err := history.Append(ev.FiredAt); err != nil {
				log.Printf("HISTORY: failed to record start event: %v", err)
				payload.RecordedAt = time.Now().UTC().Format(time.RFC3339Nano)
			} else {
				payload.RecordedAt = rec.RecordedAt.Format(time.RFC3339Nano)
				log.Printf("HISTORY: recorded start event fired at %s", rec.FiredAt.Format(time.RFC3339Nano))
			}
			wsHub.Broadcast(utils.WebSocketEvent{Type: "flysight/start_result", Payload: payload})
		}
	}()

	if cfg.AutoReconnect {
		log.Printf("Managing %s at %s", cfg.DeviceName, cfg.DeviceAddress)
		go maintainConnection(session, cfg.DeviceAddress)
	}

	srv := server.NewServer(cfg.ListenAddr, session, history, wsHub)
	srv.Start()
}

// maintainConnection keeps the device link up, retrying after loss with a
// capped number of consecutive attempts.
func maintainConnection(session *bluetooth.Session, address string) {
	attempts := 0
	for {
		if session.Snapshot().Phase != bluetooth.PhaseDisconnected {
			attempts = 0
			time.Sleep(bluetooth.ReconnectDelay)
			continue
		}

		if attempts >= bluetooth.MaxReconnectAttempts {
			log.Printf("SESSION: giving up on %s after %d attempts", address, attempts)
			return
		}
		attempts++

		log.Printf("SESSION: connecting to %s (attempt %d/%d)", address, attempts, bluetooth.MaxReconnectAttempts)
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(bluetooth.ConnectTimeoutSec+bluetooth.ScanTimeoutSec)*time.Second)
		err := session.Connect(ctx)
		cancel()

		if err != nil && err != bluetooth.ErrAlreadyConnected {
			log.Printf("SESSION: connect failed: %v", err)
			time.Sleep(bluetooth.ReconnectDelay)
			continue
		}
		attempts = 0
		time.Sleep(bluetooth.ReconnectDelay)
	}
}

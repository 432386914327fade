package bluetooth

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	BLUEZ_BUS_NAME          = "org.bluez"
	BLUEZ_ADAPTER_INTERFACE = "org.bluez.Adapter1"
	BLUEZ_DEVICE_INTERFACE  = "org.bluez.Device1"
	BLUEZ_SERVICE_INTERFACE = "org.bluez.GattService1"
	BLUEZ_CHAR_INTERFACE    = "org.bluez.GattCharacteristic1"
)

// BluezTransport implements Transport over the BlueZ GATT D-Bus API.
type BluezTransport struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	address string

	mu             sync.Mutex
	devicePath     dbus.ObjectPath
	servicePath    dbus.ObjectPath
	commandRxPath  dbus.ObjectPath
	responseTxPath dbus.ObjectPath
	connected      bool
	stopChan       chan struct{}

	notifications chan Notification
	linkLoss      chan error
}

// NewBluezTransport creates a transport bound to one adapter and one device
// address, sharing the system bus connection.
func NewBluezTransport(adapter, address string) (*BluezTransport, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	if adapter == "" {
		adapter = "hci0"
	}
	return &BluezTransport{
		conn:          conn,
		adapter:       dbus.ObjectPath("/org/bluez/" + adapter),
		address:       address,
		notifications: make(chan Notification, 32),
		linkLoss:      make(chan error, 1),
	}, nil
}

func formatDevicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(address, ":", "_"))
}

func (t *BluezTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return ErrAlreadyConnected
	}

	t.devicePath = formatDevicePath(t.adapter, t.address)
	obj := t.conn.Object(BLUEZ_BUS_NAME, t.devicePath)

	var connected bool
	variant, err := obj.GetProperty(BLUEZ_DEVICE_INTERFACE + ".Connected")
	if err == nil {
		connected, _ = variant.Value().(bool)
	}

	if !connected {
		log.Printf("BLE: connecting to %s", t.address)
		if err := obj.Call(BLUEZ_DEVICE_INTERFACE+".Connect", 0).Err; err != nil {
			if !strings.Contains(err.Error(), "InProgress") {
				return fmt.Errorf("failed to connect to device: %w", err)
			}
			log.Println("BLE: connection already in progress, waiting...")
		}

		// Wait for the Connected property to flip.
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(1 * time.Second):
			}
			variant, err := obj.GetProperty(BLUEZ_DEVICE_INTERFACE + ".Connected")
			if err == nil {
				if v, ok := variant.Value().(bool); ok && v {
					connected = true
				}
			}
			if connected {
				break
			}
		}
	}

	t.connected = true
	t.stopChan = make(chan struct{})

	// Drop any link-loss report left over from a previous connection.
	select {
	case <-t.linkLoss:
	default:
	}

	log.Printf("BLE: connected to %s", t.address)
	return nil
}

func (t *BluezTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	t.connected = false
	close(t.stopChan)

	if t.responseTxPath != "" {
		charObj := t.conn.Object(BLUEZ_BUS_NAME, t.responseTxPath)
		charObj.Call(BLUEZ_CHAR_INTERFACE+".StopNotify", 0)
	}
	t.servicePath = ""
	t.commandRxPath = ""
	t.responseTxPath = ""

	obj := t.conn.Object(BLUEZ_BUS_NAME, t.devicePath)
	if err := obj.Call(BLUEZ_DEVICE_INTERFACE+".Disconnect", 0).Err; err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	log.Printf("BLE: disconnected from %s", t.address)
	return nil
}

func (t *BluezTransport) DiscoverCharacteristics(ctx context.Context) (Characteristics, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return Characteristics{}, ErrNotConnected
	}

	if err := t.waitServicesResolved(ctx); err != nil {
		return Characteristics{}, err
	}

	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := t.conn.Object(BLUEZ_BUS_NAME, "/")
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects); err != nil {
		return Characteristics{}, fmt.Errorf("failed to get managed objects: %w", err)
	}

	// Locate the FlySight CRS service under our device.
	devicePrefix := string(t.devicePath) + "/service"
	for path, interfaces := range objects {
		if !strings.HasPrefix(string(path), devicePrefix) {
			continue
		}
		svcIface, ok := interfaces[BLUEZ_SERVICE_INTERFACE]
		if !ok {
			continue
		}
		if uuidVariant, ok := svcIface["UUID"]; ok {
			if uuid, ok := uuidVariant.Value().(string); ok && strings.EqualFold(uuid, FlySightServiceUUID) {
				t.servicePath = path
				break
			}
		}
	}
	if t.servicePath == "" {
		return Characteristics{}, fmt.Errorf("FlySight service %s not found", FlySightServiceUUID)
	}
	log.Printf("BLE: found FlySight service at %s", t.servicePath)

	// Locate the two characteristics under the service.
	servicePrefix := string(t.servicePath) + "/char"
	for path, interfaces := range objects {
		if !strings.HasPrefix(string(path), servicePrefix) {
			continue
		}
		charIface, ok := interfaces[BLUEZ_CHAR_INTERFACE]
		if !ok {
			continue
		}
		uuidVariant, ok := charIface["UUID"]
		if !ok {
			continue
		}
		uuid, _ := uuidVariant.Value().(string)
		switch {
		case strings.EqualFold(uuid, CommandRxCharUUID):
			t.commandRxPath = path
			log.Println("BLE: found command RX characteristic")
		case strings.EqualFold(uuid, ResponseTxCharUUID):
			t.responseTxPath = path
			log.Println("BLE: found response TX characteristic")
		}
	}
	if t.commandRxPath == "" {
		return Characteristics{}, fmt.Errorf("command RX characteristic not found")
	}
	if t.responseTxPath == "" {
		return Characteristics{}, fmt.Errorf("response TX characteristic not found")
	}

	charObj := t.conn.Object(BLUEZ_BUS_NAME, t.responseTxPath)
	if err := charObj.Call(BLUEZ_CHAR_INTERFACE+".StartNotify", 0).Err; err != nil {
		return Characteristics{}, fmt.Errorf("failed to enable notifications: %w", err)
	}

	go t.monitorNotifications(t.responseTxPath, t.stopChan)
	go t.monitorConnection(t.stopChan)

	return Characteristics{
		CommandRx:  CharacteristicID(t.commandRxPath),
		ResponseTx: CharacteristicID(t.responseTxPath),
	}, nil
}

func (t *BluezTransport) waitServicesResolved(ctx context.Context) error {
	obj := t.conn.Object(BLUEZ_BUS_NAME, t.devicePath)
	for attempt := 0; attempt < 10; attempt++ {
		variant, err := obj.GetProperty(BLUEZ_DEVICE_INTERFACE + ".ServicesResolved")
		if err == nil {
			if resolved, ok := variant.Value().(bool); ok && resolved {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	return fmt.Errorf("timeout waiting for services to be resolved")
}

func (t *BluezTransport) WriteValue(char CharacteristicID, data []byte) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	obj := t.conn.Object(BLUEZ_BUS_NAME, dbus.ObjectPath(char))
	options := map[string]interface{}{"type": "command"} // write-without-response
	if err := obj.Call(BLUEZ_CHAR_INTERFACE+".WriteValue", 0, data, options).Err; err != nil {
		return fmt.Errorf("failed to write value: %w", err)
	}
	return nil
}

func (t *BluezTransport) Address() string {
	return t.address
}

func (t *BluezTransport) Notifications() <-chan Notification {
	return t.notifications
}

func (t *BluezTransport) LinkLoss() <-chan error {
	return t.linkLoss
}

// monitorNotifications subscribes to PropertiesChanged on the response
// characteristic and forwards Value updates as notification frames.
func (t *BluezTransport) monitorNotifications(charPath dbus.ObjectPath, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("BLE: PANIC in notification monitor: %v", r)
			t.reportLinkLoss(fmt.Errorf("notification monitor panic: %v", r))
		}
	}()

	rule := fmt.Sprintf("type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',path='%s'", charPath)
	if err := t.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		log.Printf("BLE: failed to add match rule: %v", err)
		t.reportLinkLoss(err)
		return
	}

	sigChan := make(chan *dbus.Signal, 32)
	t.conn.Signal(sigChan)
	log.Println("BLE: monitoring notifications")

	for {
		select {
		case <-stop:
			t.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
			t.conn.RemoveSignal(sigChan)
			return

		case sig := <-sigChan:
			if sig == nil || sig.Name != "org.freedesktop.DBus.Properties.PropertiesChanged" || sig.Path != charPath {
				continue
			}
			if len(sig.Body) < 2 {
				continue
			}
			changedProps, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			valueVariant, exists := changedProps["Value"]
			if !exists {
				continue
			}
			value, ok := valueVariant.Value().([]byte)
			if !ok {
				continue
			}
			data := make([]byte, len(value))
			copy(data, value)

			select {
			case t.notifications <- Notification{Characteristic: CharacteristicID(charPath), Data: data}:
			case <-stop:
				return
			}
		}
	}
}

// monitorConnection polls the Connected property and reports link loss after
// three consecutive failed checks or an explicit disconnect.
func (t *BluezTransport) monitorConnection(stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			obj := t.conn.Object(BLUEZ_BUS_NAME, t.devicePath)
			variant, err := obj.GetProperty(BLUEZ_DEVICE_INTERFACE + ".Connected")
			if err != nil {
				failures++
				log.Printf("BLE: connection check failed (%d/3): %v", failures, err)
				if failures >= 3 {
					t.reportLinkLoss(fmt.Errorf("connection check failed: %w", err))
					return
				}
				continue
			}
			if connected, ok := variant.Value().(bool); ok && !connected {
				log.Println("BLE: connection lost")
				t.reportLinkLoss(ErrDisconnected)
				return
			}
			failures = 0
		}
	}
}

func (t *BluezTransport) reportLinkLoss(err error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	close(t.stopChan)
	// Discovery must start from scratch on reconnect; BlueZ may re-number
	// the object paths.
	t.servicePath = ""
	t.commandRxPath = ""
	t.responseTxPath = ""
	t.mu.Unlock()

	select {
	case t.linkLoss <- err:
	default:
	}
}

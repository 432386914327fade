package bluetooth

import "context"

// CharacteristicID identifies one GATT characteristic within a transport.
type CharacteristicID string

// Characteristics holds the handles located during service discovery.
type Characteristics struct {
	CommandRx  CharacteristicID
	ResponseTx CharacteristicID
}

// Notification is one inbound value push from the peripheral.
type Notification struct {
	Characteristic CharacteristicID
	Data           []byte
}

// Transport wraps the platform BLE central stack. Implementations deliver
// notifications and link loss asynchronously; the session serializes them.
type Transport interface {
	// Connect establishes the link to the configured peripheral.
	Connect(ctx context.Context) error

	// Disconnect tears the link down. Safe to call when not connected.
	Disconnect() error

	// Address identifies the configured peripheral, for logs and events.
	Address() string

	// DiscoverCharacteristics locates the command and response
	// characteristics and subscribes to response notifications.
	DiscoverCharacteristics(ctx context.Context) (Characteristics, error)

	// WriteValue writes one frame to a characteristic without response.
	WriteValue(char CharacteristicID, data []byte) error

	// Notifications is the stream of inbound notification frames.
	Notifications() <-chan Notification

	// LinkLoss delivers at most one error when the link drops unexpectedly.
	LinkLoss() <-chan error
}

package bluetooth

import "time"

const (
	// FlySight CRS service and characteristic UUIDs
	FlySightServiceUUID = "00000000-cc7a-482a-984a-7f2ed5b3e58f"
	ResponseTxCharUUID  = "00000001-cc7a-482a-984a-7f2ed5b3e58f"
	CommandRxCharUUID   = "00000002-cc7a-482a-984a-7f2ed5b3e58f"

	// Device identification
	DeviceName = "FlySight"

	// BLE configuration
	ConnectTimeoutSec = 10
	ScanTimeoutSec    = 30

	// Reconnection configuration
	MaxReconnectAttempts = 20
	ReconnectDelay       = 5 * time.Second
)

const (
	// DefaultRequestTimeout bounds how long an outstanding exchange may sit
	// without response activity before it fails. Chunk arrival during a
	// transfer counts as activity and resets the clock.
	DefaultRequestTimeout = 10 * time.Second

	// UploadChunkSize is the data payload per upload chunk frame.
	UploadChunkSize = 400

	// MaskStatusClearDelay is how long a mask-set success/failure status stays
	// visible before reverting to idle.
	MaskStatusClearDelay = 3 * time.Second
)

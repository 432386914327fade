package bluetooth

import "time"

// GNSS live field mask bits. These are the bits the firmware supports;
// no other bit may ever be set in an outbound mask.
const (
	GNSSTimeOfWeek GNSSMask = 0x01
	GNSSPosition   GNSSMask = 0x02
	GNSSVelocity   GNSSMask = 0x04
	GNSSAccuracy   GNSSMask = 0x08
	GNSSNumSV      GNSSMask = 0x10

	GNSSSupportedMask GNSSMask = 0x1F
)

// GNSSMask selects which optional telemetry fields the device streams.
// It round-trips bit-for-bit through its wire form (a single byte).
type GNSSMask byte

// Has reports whether every bit in field is set.
func (m GNSSMask) Has(field GNSSMask) bool {
	return m&field == field
}

// Supported reports whether the mask uses only firmware-supported bits.
func (m GNSSMask) Supported() bool {
	return m&^GNSSSupportedMask == 0
}

// LiveTelemetrySample is one decoded GNSS push. Fields are nil when the
// corresponding mask bit is clear. Each inbound sample fully replaces the
// previous one.
type LiveTelemetrySample struct {
	Mask GNSSMask `json:"mask"`

	TimeOfWeek *uint32 `json:"timeOfWeek,omitempty"` // seconds

	Latitude  *float64 `json:"latitude,omitempty"`  // degrees
	Longitude *float64 `json:"longitude,omitempty"` // degrees
	Height    *float64 `json:"height,omitempty"`    // metres

	VelocityNorth *float64 `json:"velocityNorth,omitempty"` // m/s
	VelocityEast  *float64 `json:"velocityEast,omitempty"`  // m/s
	VelocityDown  *float64 `json:"velocityDown,omitempty"`  // m/s

	HorizontalAccuracy *float64 `json:"horizontalAccuracy,omitempty"` // metres
	VerticalAccuracy   *float64 `json:"verticalAccuracy,omitempty"`   // metres
	SpeedAccuracy      *float64 `json:"speedAccuracy,omitempty"`      // m/s

	NumSV *uint8 `json:"numSV,omitempty"`
}

// TransferProgress tracks one direction of an active file transfer.
type TransferProgress struct {
	BytesTransferred uint32 `json:"bytesTransferred"`
	BytesTotal       uint32 `json:"bytesTotal"`
}

// Fraction returns progress in [0, 1]. Unknown totals report 0 until done.
func (p TransferProgress) Fraction() float64 {
	if p.BytesTotal == 0 {
		return 0
	}
	f := float64(p.BytesTransferred) / float64(p.BytesTotal)
	if f > 1 {
		return 1
	}
	return f
}

// StartEvent is the device's report of the exact UTC instant the starting
// pistol fired. The wire form carries 1/32768 s resolution.
type StartEvent struct {
	FiredAt time.Time `json:"firedAt"`
}

// MaskStatusKind enumerates the externally visible outcome of a mask update.
type MaskStatusKind string

const (
	MaskStatusIdle    MaskStatusKind = "idle"
	MaskStatusPending MaskStatusKind = "pending"
	MaskStatusSuccess MaskStatusKind = "success"
	MaskStatusFailure MaskStatusKind = "failure"
)

// MaskStatus is the published state of the last mask-set exchange.
// Message is set only for failures.
type MaskStatus struct {
	Kind    MaskStatusKind `json:"kind"`
	Message string         `json:"message,omitempty"`
}

// SessionPhase is the protocol session's externally visible state.
type SessionPhase string

const (
	PhaseDisconnected SessionPhase = "disconnected"
	PhaseDiscovering  SessionPhase = "discovering"
	PhaseReady        SessionPhase = "ready"
	PhaseListing      SessionPhase = "listing"
	PhaseDownloading  SessionPhase = "downloading"
	PhaseUploading    SessionPhase = "uploading"
	PhaseFetchingMask SessionPhase = "fetchingMask"
	PhaseSettingMask  SessionPhase = "settingMask"
)

// State is an immutable snapshot of the session, published to subscribers
// after every change. Slices are copies; mutating them has no effect.
type State struct {
	Phase      SessionPhase         `json:"phase"`
	Path       []string             `json:"path"`
	Entries    []DirectoryEntry     `json:"entries"`
	Mask       GNSSMask             `json:"mask"`
	MaskStatus MaskStatus           `json:"maskStatus"`
	Counting   bool                 `json:"counting"`
	Download   TransferProgress     `json:"download"`
	Upload     TransferProgress     `json:"upload"`
	Telemetry  *LiveTelemetrySample `json:"telemetry,omitempty"`
}

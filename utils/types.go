package utils

// WebSocket
type WebSocketEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type DeviceConnectedPayload struct {
	Address string `json:"address"`
}

type DeviceDisconnectedPayload struct {
	Address string `json:"address"`
}

type StartEventPayload struct {
	FiredAt    string `json:"firedAt"`
	RecordedAt string `json:"recordedAt"`
}

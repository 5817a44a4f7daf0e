package models

import "time"

type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"
)

// ConnectionState is the process-wide transport link state. All room
// sessions are multiplexed over one transport, so there is exactly one of
// these per orchestrator, published through a replayed stream.
type ConnectionState struct {
	Status    ConnectionStatus `json:"status"`
	LastError string           `json:"last_error,omitempty"`
	ChangedAt time.Time        `json:"changed_at"`
}

func (s ConnectionState) IsConnected() bool {
	return s.Status == ConnectionStatusConnected
}

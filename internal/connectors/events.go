package connectors

import "time"

// ConnectionState describes a transport manager lifecycle state.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
	ConnectionStateShuttingDown ConnectionState = "shutting_down"
)

// Transport names used in status snapshots, logs and metrics.
const (
	TransportRadio = "radio"
	TransportChat  = "chat"
)

// ConnectionStatus is a bus event snapshot of a manager's state.
type ConnectionStatus struct {
	Transport string
	State     ConnectionState
	Err       string
	Target    string
	Timestamp time.Time
}

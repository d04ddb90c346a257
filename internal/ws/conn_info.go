package ws

import "time"

// ConnInfo describes an authenticated websocket connection. The user id is
// bound at handshake time and trusted for the lifetime of the connection.
type ConnInfo struct {
	ConnID      string
	UserID      int
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

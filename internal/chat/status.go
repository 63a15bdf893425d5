package chat

import "fmt"

// ConnState is the state of the session's current connection.
type ConnState int32

const (
	// ConnClosed means there is no connection, though a reconnect may be scheduled.
	ConnClosed ConnState = iota
	// ConnConnecting means a dial is in flight.
	ConnConnecting
	// ConnOpen means frames can be sent and received.
	ConnOpen
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	default:
		return "closed"
	}
}

// StatusKind classifies a connection status event.
type StatusKind int

const (
	// StatusConnected follows a successful dial.
	StatusConnected StatusKind = iota
	// StatusError reports a failed dial or a broken connection. Err holds the cause.
	StatusError
	// StatusDisconnected is emitted whenever a connection ends or a dial is abandoned.
	StatusDisconnected
	// StatusReconnecting announces automatic attempt Attempt of Max.
	StatusReconnecting
	// StatusFailed is terminal: no automatic attempt follows it.
	StatusFailed
)

// Status is a connection status event. Text is what the renderer displays.
type Status struct {
	Kind    StatusKind
	Text    string
	Attempt int
	Max     int
	Err     error
}

const (
	notConnectedText = "Not connected to server. Please wait..."
	sendFailedText   = "Error sending message"
)

func connectedStatus() Status {
	return Status{Kind: StatusConnected, Text: "Connected"}
}

func errorStatus(err error) Status {
	return Status{Kind: StatusError, Text: "Connection error", Err: err}
}

func disconnectedStatus() Status {
	return Status{Kind: StatusDisconnected, Text: "Disconnected"}
}

func reconnectingStatus(attempt, maxAttempts int) Status {
	return Status{
		Kind:    StatusReconnecting,
		Text:    fmt.Sprintf("Reconnecting... (%d/%d)", attempt, maxAttempts),
		Attempt: attempt,
		Max:     maxAttempts,
	}
}

func failedStatus(maxAttempts int) Status {
	return Status{
		Kind: StatusFailed,
		Text: "Connection failed",
		Max:  maxAttempts,
		Err:  ErrReconnectExhausted,
	}
}

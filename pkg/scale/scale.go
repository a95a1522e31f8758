package scale

import "time"

// Basic denotes a basic weighing scale
type Basic interface {

	// ConnectionStatus returns the current connection status of the scale device
	ConnectionStatus() ConnectionStatus

	// Reading returns the most recent reading (empty if not connected)
	Reading() Reading

	// Tare tares the scale
	Tare() error

	// SetStateChangeHandler defines a handler function that is called upon state change
	SetStateChangeHandler(fn func(status ConnectionStatus))

	// SetStateChangeChannel defines a channel that receives state changes
	SetStateChangeChannel(ch chan ConnectionStatus)

	// SetDataHandler defines a handler function that is called upon retrieval of data
	SetDataHandler(fn func(data DataPoint))

	// SetDataChannel defines a channel that receives data points
	SetDataChannel(ch chan DataPoint)

	// Close terminates the connection to the device
	Close() error
}

// Link denotes control over the connection lifecycle
type Link interface {

	// Disconnect tears down the connection and stays idle
	Disconnect() error

	// Reconnect restarts the scan / connect cycle from idle
	Reconnect() error

	// StatusMessage returns a human-readable description of the current state
	StatusMessage() string

	// ConnectedFor returns the duration of the current connection
	ConnectedFor() time.Duration
}

// Scale denotes the "default" scale containing all functionality
type Scale interface {
	Basic
	Link
}

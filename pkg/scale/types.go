package scale

import "time"

// State denotes a connection state (phase) of the scale link
type State int

const (

	// StateIdle is active before the first scan and after an explicit disconnect
	StateIdle State = iota

	// StateBluetoothOff is active while the radio is not powered on
	StateBluetoothOff

	// StateScanning is active while scanning for a bluetooth device
	StateScanning

	// StateConnecting is active during a first-time connection attempt
	StateConnecting

	// StateConnected is active while being connected to the scale
	StateConnected

	// StateReconnecting is active after a link loss until the scale is back
	StateReconnecting

	// StateError is active after a failed first-time connection or if permissions were denied
	StateError
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBluetoothOff:
		return "bluetooth_off"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionStatus denotes the current status of the bluetooth device
type ConnectionStatus struct {
	Error error
	State
}

// Reading denotes a single decoded scale notification. Absent values are
// flagged via HasBattery / HasWeight
type Reading struct {
	Battery    int
	HasBattery bool

	Weight    int
	HasWeight bool
}

// IsEmpty returns if neither battery nor weight are present
func (r Reading) IsEmpty() bool {
	return !r.HasBattery && !r.HasWeight
}

// Merge overlays the present values of next onto r
func (r Reading) Merge(next Reading) Reading {
	if next.HasBattery {
		r.Battery, r.HasBattery = next.Battery, true
	}
	if next.HasWeight {
		r.Weight, r.HasWeight = next.Weight, true
	}
	return r
}

// DataPoint denotes a weight measurement at a certain point in time
type DataPoint struct {
	TimeStamp time.Time
	Reading
}

// Value provides a method to retrieve the current value (for interface use)
func (d DataPoint) Value() int {
	return d.Weight
}

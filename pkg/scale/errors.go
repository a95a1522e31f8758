package scale

import "errors"

var (

	// ErrPermissionDenied denotes that bluetooth permissions were not granted
	ErrPermissionDenied = errors.New("bluetooth permissions not granted")

	// ErrRadioOff denotes that the bluetooth radio is not powered on
	ErrRadioOff = errors.New("bluetooth is not powered on")

	// ErrScan denotes a failure while scanning for devices
	ErrScan = errors.New("scan error")

	// ErrConnect denotes a failed connection attempt (timeout / rejection)
	ErrConnect = errors.New("connection error")

	// ErrDiscovery denotes a failed service / characteristic discovery
	ErrDiscovery = errors.New("discovery error")

	// ErrWrite denotes a failed command write
	ErrWrite = errors.New("write error")

	// ErrDecode denotes a notification payload that could not be decoded
	ErrDecode = errors.New("decode error")

	// ErrNotConnected denotes an operation that requires a connected device
	ErrNotConnected = errors.New("device not connected")
)

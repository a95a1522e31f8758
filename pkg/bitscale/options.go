package bitscale

import (
	"time"

	"github.com/fako1024/bitscale/pkg/protocol"
	"github.com/fako1024/bitscale/pkg/scale"
)

// WithProfile sets the profile used to identify and talk to the scale
func WithProfile(profile protocol.Profile) func(*Scale) {
	return func(s *Scale) {
		s.profile = profile
	}
}

// WithLogger sets a logger
func WithLogger(logger scale.Logger) func(*Scale) {
	return func(s *Scale) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDeviceID sets the Bluetooth device ID of a known scale, which is then
// reconnected to directly instead of scanning for any matching device
func WithDeviceID(deviceID string) func(*Scale) {
	return func(s *Scale) {
		s.deviceID = deviceID
	}
}

// WithRetryInterval sets the interval between reconnection attempts
func WithRetryInterval(interval time.Duration) func(*Scale) {
	return func(s *Scale) {
		s.retryInterval = interval
	}
}

// WithConnectTimeout sets the timeout of a single connection attempt
func WithConnectTimeout(timeout time.Duration) func(*Scale) {
	return func(s *Scale) {
		s.connectTimeout = timeout
	}
}

// WithClock sets the clock used to timestamp data points
func WithClock(now func() time.Time) func(*Scale) {
	return func(s *Scale) {
		if now != nil {
			s.now = now
		}
	}
}

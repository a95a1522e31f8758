package session

import (
	"github.com/fako1024/bitscale/pkg/ledger"
	"github.com/fako1024/bitscale/pkg/scale"
	"github.com/fako1024/bitscale/pkg/stability"
)

// Option denotes a functional option of a session
type Option func(*Session)

// WithLedger sets the ledger committed weights are kept in
func WithLedger(l *ledger.Ledger) Option {
	return func(s *Session) {
		s.ledger = l
	}
}

// WithDetectorConfig sets the thresholds of the auto-save detector
func WithDetectorConfig(cfg stability.Config) Option {
	return func(s *Session) {
		s.detectorConfig = cfg
	}
}

// WithAutoSave sets the initial auto-save state
func WithAutoSave(enabled bool) Option {
	return func(s *Session) {
		s.autoSave = enabled
	}
}

// WithLowBattery sets the battery level (in percent) considered low
func WithLowBattery(percent int) Option {
	return func(s *Session) {
		s.lowBattery = percent
	}
}

// WithSink sets a sink receiving session events
func WithSink(sink Sink) Option {
	return func(s *Session) {
		s.sink = sink
	}
}

// WithLogger sets a logger
func WithLogger(logger scale.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Package session ties a scale to a stability detector and a ledger, forming
// a weighing session with auto-save
package session

import (
	"errors"
	"time"

	"github.com/fako1024/bitscale/pkg/ledger"
	"github.com/fako1024/bitscale/pkg/scale"
	"github.com/fako1024/bitscale/pkg/stability"
	"github.com/oklog/ulid/v2"
)

const defaultLowBattery = 10

// ErrNoReading denotes a manual save without a weight reading
var ErrNoReading = errors.New("no weight reading available")

// Device denotes the functionality of a scale used by a session
type Device interface {
	ConnectionStatus() scale.ConnectionStatus
	Reading() scale.Reading
	Tare() error
	Disconnect() error
	Reconnect() error
	StatusMessage() string
	ConnectedFor() time.Duration
	SetStateChangeHandler(fn func(status scale.ConnectionStatus))
	SetDataHandler(fn func(data scale.DataPoint))
}

// Sink receives session events, e.g. for publishing them to a broker
type Sink interface {
	PublishCommit(entry ledger.Entry)
	PublishStatus(snapshot Snapshot)
}

// Snapshot denotes the observable state of a session
type Snapshot struct {
	State            string         `json:"state"`
	Message          string         `json:"message"`
	Error            string         `json:"error,omitempty"`
	Battery          *int           `json:"battery,omitempty"`
	Weight           *int           `json:"weight,omitempty"`
	LowBattery       bool           `json:"low_battery"`
	AutoSave         bool           `json:"auto_save"`
	ConnectedSeconds float64        `json:"connected_seconds"`
	Entries          []ledger.Entry `json:"entries,omitempty"`
}

// Session denotes a weighing session
type Session struct {
	device   Device
	detector *stability.Detector
	ledger   *ledger.Ledger
	sink     Sink

	detectorConfig stability.Config
	autoSave       bool
	lowBattery     int

	logger scale.Logger
}

// New instantiates a new session on top of a device, taking over its data and
// state change handlers
func New(device Device, options ...Option) *Session {
	s := &Session{
		device:         device,
		detectorConfig: stability.DefaultConfig(),
		autoSave:       true,
		lowBattery:     defaultLowBattery,
		logger:         &scale.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(s)
	}
	if s.ledger == nil {
		s.ledger = ledger.New()
	}
	s.detector = stability.New(stability.CommitterFunc(s.commitAuto),
		stability.WithConfig(s.detectorConfig),
		stability.WithEnabled(s.autoSave),
	)

	device.SetDataHandler(s.onData)
	device.SetStateChangeHandler(s.onStateChange)

	// State changes of the device prior to this point were not observed
	s.publishStatus()

	return s
}

// Save commits the current weight to the ledger
func (s *Session) Save() (ledger.Entry, error) {
	reading := s.device.Reading()
	if !reading.HasWeight {
		return ledger.Entry{}, ErrNoReading
	}

	entry := s.ledger.Commit(reading.Weight, ledger.SourceManual)
	s.detector.MarkCommitted(reading.Weight)
	s.logger.Infof("saved weight %dg", reading.Weight)
	s.publishCommit(entry)

	return entry, nil
}

// SaveAndTare commits the current weight and tares the scale afterwards
func (s *Session) SaveAndTare() (ledger.Entry, error) {
	entry, err := s.Save()
	if err != nil {
		return entry, err
	}

	return entry, s.device.Tare()
}

// Tare disarms auto-save and tares the scale
func (s *Session) Tare() error {
	s.detector.Disarm()
	return s.device.Tare()
}

// Disconnect disconnects the scale
func (s *Session) Disconnect() error {
	s.detector.Reset()
	return s.device.Disconnect()
}

// Reconnect restarts the connection cycle of the scale
func (s *Session) Reconnect() error {
	return s.device.Reconnect()
}

// SetAutoSave enables or disables auto-save
func (s *Session) SetAutoSave(enabled bool) {
	s.detector.SetEnabled(enabled)
	s.logger.Debugf("auto-save enabled: %v", enabled)
	s.publishStatus()
}

// AutoSave returns if auto-save is enabled
func (s *Session) AutoSave() bool {
	return s.detector.Enabled()
}

// Delete removes the entry at the given index in commit order, the first
// committed entry having index 0. This is not the order of Entries(), use
// Remove() to delete an entry obtained from there
func (s *Session) Delete(index int) bool {
	return s.ledger.Delete(index)
}

// Remove removes the entry with the given ID
func (s *Session) Remove(id ulid.ULID) bool {
	return s.ledger.Remove(id)
}

// Clear removes all entries
func (s *Session) Clear() {
	s.ledger.Clear()
}

// Entries returns all entries, most recent first
func (s *Session) Entries() []ledger.Entry {
	return s.ledger.Entries()
}

// Export renders all entries as plain text
func (s *Session) Export() string {
	return s.ledger.Export()
}

// Snapshot returns the current state of the session
func (s *Session) Snapshot() Snapshot {
	snapshot := s.status()
	snapshot.Entries = s.ledger.Entries()
	return snapshot
}

////////////////////////////////////////////////////////////////////////////////

func (s *Session) status() Snapshot {
	status := s.device.ConnectionStatus()
	reading := s.device.Reading()

	snapshot := Snapshot{
		State:            status.State.String(),
		Message:          s.device.StatusMessage(),
		AutoSave:         s.detector.Enabled(),
		ConnectedSeconds: s.device.ConnectedFor().Seconds(),
	}
	if status.Error != nil {
		snapshot.Error = status.Error.Error()
	}
	if reading.HasBattery {
		battery := reading.Battery
		snapshot.Battery = &battery
		snapshot.LowBattery = battery <= s.lowBattery
	}
	if reading.HasWeight {
		weight := reading.Weight
		snapshot.Weight = &weight
	}

	return snapshot
}

func (s *Session) onData(dp scale.DataPoint) {
	connected := s.device.ConnectionStatus().State == scale.StateConnected
	s.detector.Observe(dp, connected)
}

func (s *Session) onStateChange(status scale.ConnectionStatus) {
	if status.State != scale.StateConnected {
		s.detector.Reset()
	}
	if status.Error != nil {
		s.logger.Debugf("scale state `%s`: %s", status.State, status.Error)
	} else {
		s.logger.Debugf("scale state `%s`", status.State)
	}

	s.publishStatus()
}

func (s *Session) commitAuto(grams int) {
	entry := s.ledger.Commit(grams, ledger.SourceAuto)
	s.logger.Infof("auto-saved settled weight %dg", grams)
	s.publishCommit(entry)
}

func (s *Session) publishCommit(entry ledger.Entry) {
	if s.sink == nil {
		return
	}
	s.sink.PublishCommit(entry)
	s.sink.PublishStatus(s.status())
}

func (s *Session) publishStatus() {
	if s.sink == nil {
		return
	}
	s.sink.PublishStatus(s.status())
}

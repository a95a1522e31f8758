// Package bitscale implements the connection lifecycle of a PROZIS Bit Scale:
// scanning, connecting, streaming weight notifications and reconnecting to the
// same unit after the link was lost
package bitscale

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fako1024/bitscale/pkg/protocol"
	"github.com/fako1024/bitscale/pkg/scale"
	"github.com/fako1024/bitscale/pkg/transport"
	"github.com/fatih/stopwatch"
)

const (
	defaultRetryInterval  = 1200 * time.Millisecond
	defaultConnectTimeout = 10 * time.Second
)

// ErrClosed denotes an operation on a closed scale
var ErrClosed = errors.New("scale has been closed")

// event denotes a pending state change or data point for the handlers
type event struct {
	status *scale.ConnectionStatus
	data   *scale.DataPoint
}

// Scale denotes a PROZIS Bit Scale connected via bluetooth
type Scale struct {
	adapter transport.Adapter
	profile protocol.Profile

	mu               sync.Mutex
	connectionStatus scale.ConnectionStatus
	reading          scale.Reading
	deviceID         string
	device           transport.Device
	epoch            uint64
	scanning         bool
	closed           bool
	timer            *stopwatch.Stopwatch

	// connecting guards against concurrent connection attempts, regardless of phase
	connecting atomic.Bool

	// afterEstablish is invoked between the setup of a connection and its commit
	afterEstablish func()

	radioSub      transport.Subscription
	disconnectSub transport.Subscription
	notifySub     transport.Subscription

	retryInterval  time.Duration
	connectTimeout time.Duration
	now            func() time.Time

	stateChangeHandler func(status scale.ConnectionStatus)
	stateChangeChan    chan scale.ConnectionStatus

	dataHandler func(data scale.DataPoint)
	dataChan    chan scale.DataPoint

	events     []event
	wakeChan   chan struct{}
	doneChan   chan struct{}
	dispatchWG sync.WaitGroup
	workerWG   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	logger scale.Logger
}

// New instantiates a new Scale on top of the provided adapter, executing
// functional options, if any. The scan / connect cycle is started immediately
func New(adapter transport.Adapter, options ...func(*Scale)) (*Scale, error) {
	if adapter == nil {
		return nil, errors.New("no bluetooth adapter provided")
	}

	// Initialize a new instance of a scale
	s := &Scale{
		adapter:        adapter,
		profile:        protocol.DefaultProfile(),
		retryInterval:  defaultRetryInterval,
		connectTimeout: defaultConnectTimeout,
		now:            time.Now,
		wakeChan:       make(chan struct{}, 1),
		doneChan:       make(chan struct{}),
		logger:         &scale.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(s)
	}
	if s.retryInterval <= 0 {
		s.retryInterval = defaultRetryInterval
	}
	if s.connectTimeout <= 0 {
		s.connectTimeout = defaultConnectTimeout
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	return s, s.subscribe()
}

// ConnectionStatus returns the current status of the bluetooth device
func (s *Scale) ConnectionStatus() scale.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionStatus
}

// State returns the current connection state
func (s *Scale) State() scale.State {
	return s.ConnectionStatus().State
}

// Connected returns if the scale is currently connected
func (s *Scale) Connected() bool {
	return s.State() == scale.StateConnected
}

// Reading returns the current reading (empty unless connected)
func (s *Scale) Reading() scale.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading
}

// DeviceID returns the ID of the device used for reconnection (if any)
func (s *Scale) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// Profile returns the profile used to identify and talk to the scale
func (s *Scale) Profile() protocol.Profile {
	return s.profile
}

// ConnectedFor returns the duration of the current connection
func (s *Scale) ConnectedFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		return s.timer.ElapsedTime()
	}

	return 0
}

// StatusMessage returns a human-readable description of the current state
func (s *Scale) StatusMessage() string {
	return StatusMessage(s.ConnectionStatus(), s.profile.Label)
}

// SetStateChangeHandler defines a handler function that is called upon state change
func (s *Scale) SetStateChangeHandler(fn func(status scale.ConnectionStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateChangeHandler = fn
}

// SetStateChangeChannel defines a channel that receives state changes
func (s *Scale) SetStateChangeChannel(ch chan scale.ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateChangeChan = ch
}

// SetDataHandler defines a handler function that is called upon retrieval of data
func (s *Scale) SetDataHandler(fn func(data scale.DataPoint)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataHandler = fn
}

// SetDataChannel defines a channel that receives data points
func (s *Scale) SetDataChannel(ch chan scale.DataPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataChan = ch
}

// Tare tares the scale. If no scale is connected, this is a no-op
func (s *Scale) Tare() error {
	s.mu.Lock()
	dev := s.device
	s.mu.Unlock()

	if dev == nil {
		return nil
	}

	return s.write(dev, s.profile.TareCommand())
}

// Disconnect terminates the connection to the device and stays idle. The
// device is forgotten, so no automatic reconnection takes place
func (s *Scale) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.epoch++
	l := s.detachLocked()
	s.deviceID = ""
	wasScanning := s.scanning
	s.scanning = false
	s.setStatusLocked(scale.StateIdle, nil)
	s.mu.Unlock()

	if wasScanning {
		if err := s.adapter.StopScan(); err != nil {
			s.logger.Warnf("failed to stop scanning: %s", err)
		}
	}

	s.logger.Debugf("disconnected from scale on request")
	return l.release(s.adapter)
}

// Reconnect restarts the scan / connect cycle after an explicit disconnect or
// a failed first-time connection. In any other state this is a no-op
func (s *Scale) Reconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	state := s.connectionStatus.State
	s.mu.Unlock()

	if state != scale.StateIdle && state != scale.StateError {
		return nil
	}

	s.resume()
	return nil
}

// Close terminates the connection to the device and releases the adapter
func (s *Scale) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.epoch++
	radioSub := s.radioSub
	s.radioSub = nil
	l := s.detachLocked()
	s.scanning = false
	s.mu.Unlock()

	// Stop the retry timer (and any in-flight attempt) first
	s.cancel()
	s.workerWG.Wait()

	// Release subscriptions: radio state / disconnect, then notifications
	unsubscribe(radioSub, s.logger)
	unsubscribe(l.disconnectSub, s.logger)
	unsubscribe(l.notifySub, s.logger)

	if err := s.adapter.StopScan(); err != nil {
		s.logger.Warnf("failed to stop scanning: %s", err)
	}

	var err error
	if l.device != nil {
		err = s.adapter.Disconnect(l.device)
	}
	if cerr := s.adapter.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}

	// Deliver all pending events, then stop the dispatcher
	close(s.doneChan)
	s.dispatchWG.Wait()

	return err
}

////////////////////////////////////////////////////////////////////////////////

func (s *Scale) subscribe() error {

	s.dispatchWG.Add(1)
	go s.dispatch()

	s.workerWG.Add(1)
	go s.retryLoop()

	sub := s.adapter.OnRadioStateChange(s.onRadioStateChanged)
	s.mu.Lock()
	s.radioSub = sub
	s.mu.Unlock()

	s.resume()
	return nil
}

func (s *Scale) setStatusLocked(state scale.State, err error) {
	s.connectionStatus = scale.ConnectionStatus{
		State: state,
		Error: err,
	}
	status := s.connectionStatus
	s.enqueueLocked(event{status: &status})
}

func (s *Scale) publishLocked(dp scale.DataPoint) {
	s.enqueueLocked(event{data: &dp})
}

func (s *Scale) enqueueLocked(ev event) {
	s.events = append(s.events, ev)
	select {
	case s.wakeChan <- struct{}{}:
	default:
	}
}

// dispatch delivers events to the handlers in the order they occurred, outside
// of the lock so that handlers may call back into the scale
func (s *Scale) dispatch() {
	defer s.dispatchWG.Done()

	for {
		select {
		case <-s.wakeChan:
			s.deliver()
		case <-s.doneChan:
			s.deliver()
			return
		}
	}
}

func (s *Scale) deliver() {
	s.mu.Lock()
	events := s.events
	s.events = nil
	stateChangeHandler, stateChangeChan := s.stateChangeHandler, s.stateChangeChan
	dataHandler, dataChan := s.dataHandler, s.dataChan
	s.mu.Unlock()

	for _, ev := range events {
		if ev.status != nil {

			// Call handler function, if any
			if stateChangeHandler != nil {
				stateChangeHandler(*ev.status)
			}

			// Put state change on channel, if any
			if stateChangeChan != nil {
				select {
				case stateChangeChan <- *ev.status:
				default:
				}
			}
		}

		if ev.data != nil {
			if dataHandler != nil {
				dataHandler(*ev.data)
			}
			if dataChan != nil {
				select {
				case dataChan <- *ev.data:
				default:
					s.logger.Debugf("data channel full, dropping data point")
				}
			}
		}
	}
}

func (s *Scale) write(dev transport.Device, cmd []byte) error {
	return s.adapter.WriteCommand(dev, s.profile.ServiceUUID, s.profile.WriteCharUUID, cmd)
}

// link denotes the resources held for a connected device
type link struct {
	device        transport.Device
	notifySub     transport.Subscription
	disconnectSub transport.Subscription
}

// detachLocked hands over the current device and its subscriptions and clears
// all values that must not survive a disconnect
func (s *Scale) detachLocked() link {
	l := link{
		device:        s.device,
		notifySub:     s.notifySub,
		disconnectSub: s.disconnectSub,
	}
	s.device, s.notifySub, s.disconnectSub = nil, nil, nil
	s.reading = scale.Reading{}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	return l
}

func (l link) release(adapter transport.Adapter) error {
	unsubscribe(l.disconnectSub, nil)
	unsubscribe(l.notifySub, nil)
	if l.device != nil {
		return adapter.Disconnect(l.device)
	}

	return nil
}

func unsubscribe(sub transport.Subscription, logger scale.Logger) {
	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil && logger != nil {
		logger.Warnf("failed to release subscription: %s", err)
	}
}

package bitscale

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fako1024/bitscale/pkg/protocol"
	"github.com/fako1024/bitscale/pkg/scale"
	"github.com/fako1024/bitscale/pkg/transport"
	"github.com/fatih/stopwatch"
)

// resume evaluates the radio state and (re-)enters the scan / connect cycle
func (s *Scale) resume() {
	switch s.adapter.RadioState() {
	case transport.RadioPoweredOn:
		s.start()
	case transport.RadioUnauthorized:
		s.halt(scale.StateError, scale.ErrPermissionDenied)
	default:
		s.halt(scale.StateBluetoothOff, scale.ErrRadioOff)
	}
}

func (s *Scale) onRadioStateChanged(state transport.RadioState) {
	s.logger.Debugf("radio state changed to `%s`", state)

	switch state {
	case transport.RadioPoweredOn:
		s.mu.Lock()
		resumable := !s.closed && s.connectionStatus.State == scale.StateBluetoothOff
		s.mu.Unlock()

		if resumable {
			s.start()
		}
	case transport.RadioUnauthorized:
		s.halt(scale.StateError, scale.ErrPermissionDenied)
	default:
		s.halt(scale.StateBluetoothOff, scale.ErrRadioOff)
	}
}

// halt drops any connection or scan and parks the scale in the given state
func (s *Scale) halt(state scale.State, err error) {
	s.mu.Lock()
	if s.closed || (s.connectionStatus.State == state && errors.Is(s.connectionStatus.Error, err)) {
		s.mu.Unlock()
		return
	}
	s.epoch++
	l := s.detachLocked()
	wasScanning := s.scanning
	s.scanning = false
	s.setStatusLocked(state, err)
	s.mu.Unlock()

	s.logger.Warnf("bluetooth unavailable (%s): %s", state, err)

	if wasScanning {
		if err := s.adapter.StopScan(); err != nil {
			s.logger.Debugf("failed to stop scanning: %s", err)
		}
	}
	if err := l.release(s.adapter); err != nil {
		s.logger.Debugf("failed to release device: %s", err)
	}
}

// start enters the scan / connect cycle, either for a known device (reconnect)
// or for any matching device (first-time connection)
func (s *Scale) start() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.epoch++
	id := s.deviceID
	if id != "" {
		s.setStatusLocked(scale.StateReconnecting, nil)
		s.mu.Unlock()

		s.logger.Debugf("reconnecting to device `%s`", id)
		s.tryReconnect()
		return
	}
	s.setStatusLocked(scale.StateScanning, nil)
	s.mu.Unlock()

	s.startScan()
}

func (s *Scale) startScan() {
	s.mu.Lock()
	if s.closed || s.scanning || !s.seekingLocked() {
		s.mu.Unlock()
		return
	}
	s.scanning = true
	s.mu.Unlock()

	s.logger.Debugf("scanning for devices")
	if err := s.adapter.Scan(s.onCandidate); err != nil {
		s.mu.Lock()
		s.scanning = false
		first := !s.closed && s.connectionStatus.State == scale.StateScanning && s.connectionStatus.Error == nil
		if first {
			s.setStatusLocked(scale.StateScanning, err)
		}
		s.mu.Unlock()

		if first {
			s.logger.Warnf("failed to start scanning: %s", err)
		} else {
			s.logger.Debugf("failed to start scanning: %s", err)
		}
		return
	}

	// The state may have changed while the scan was being started
	s.mu.Lock()
	stale := s.closed || !s.scanning || !s.seekingLocked()
	if !stale && s.connectionStatus.State == scale.StateScanning && s.connectionStatus.Error != nil {
		s.setStatusLocked(scale.StateScanning, nil)
	}
	s.mu.Unlock()
	if stale {
		if err := s.adapter.StopScan(); err != nil {
			s.logger.Debugf("failed to stop scanning: %s", err)
		}
	}
}

func (s *Scale) stopScan() {
	s.mu.Lock()
	wasScanning := s.scanning
	s.scanning = false
	s.mu.Unlock()

	if wasScanning {
		if err := s.adapter.StopScan(); err != nil {
			s.logger.Debugf("failed to stop scanning: %s", err)
		}
	}
}

func (s *Scale) seekingLocked() bool {
	return s.connectionStatus.State == scale.StateScanning ||
		s.connectionStatus.State == scale.StateReconnecting
}

// onCandidate is called for every advertisement received during a scan
func (s *Scale) onCandidate(c transport.Candidate) {
	if !s.profile.Matches(c.Name) {
		return
	}

	s.mu.Lock()
	if s.closed || !s.seekingLocked() {
		s.mu.Unlock()
		return
	}

	// Only a single connection attempt may be in flight at any time
	if !s.connecting.CompareAndSwap(false, true) {
		s.mu.Unlock()
		s.logger.Debugf("ignoring device `%s/%s`, connection attempt in progress", c.Name, c.ID)
		return
	}

	sticky := s.connectionStatus.State == scale.StateReconnecting
	if !sticky {
		s.setStatusLocked(scale.StateConnecting, nil)
	}
	epoch := s.epoch
	s.workerWG.Add(1)
	s.mu.Unlock()

	s.logger.Infof("found device `%s/%s` (RSSI %d)", c.Name, c.ID, c.RSSI)
	s.stopScan()

	go func() {
		defer s.workerWG.Done()
		s.attempt(epoch, c.ID, sticky)
	}()
}

// attempt performs a single connection attempt and applies its outcome unless
// it was superseded in the meantime
func (s *Scale) attempt(epoch uint64, id string, sticky bool) {
	defer s.connecting.Store(false)

	ctx, cancel := context.WithTimeout(s.ctx, s.connectTimeout)
	defer cancel()

	s.logger.Debugf("connecting to device `%s`", id)
	l, lost, err := s.establish(ctx, id)
	if s.afterEstablish != nil {
		s.afterEstablish()
	}

	s.mu.Lock()
	if s.closed || s.epoch != epoch {
		s.mu.Unlock()

		s.logger.Debugf("discarding outdated connection attempt to `%s`", id)
		s.release(l)
		return
	}

	// onLinkLoss ignores the device until it is committed below. A loss
	// reported after this check waits for the lock and is handled there
	if err == nil && lost.Load() {
		err = fmt.Errorf("%w: link lost during setup", scale.ErrConnect)
	}

	if err != nil {
		if sticky {
			s.mu.Unlock()
			s.logger.Debugf("failed to reconnect to device `%s`, retrying: %s", id, err)
		} else {
			s.setStatusLocked(scale.StateError, err)
			s.mu.Unlock()
			s.logger.Errorf("failed to connect to device `%s`: %s", id, err)
		}
		s.release(l)
		return
	}

	s.device, s.notifySub, s.disconnectSub = l.device, l.notifySub, l.disconnectSub
	s.deviceID = id
	s.reading = scale.Reading{}
	s.timer = stopwatch.Start(0)
	wasScanning := s.scanning
	s.scanning = false
	s.setStatusLocked(scale.StateConnected, nil)
	s.workerWG.Add(1)
	s.mu.Unlock()

	s.logger.Infof("connected to device `%s/%s`", l.device.Name(), id)
	if wasScanning {
		if err := s.adapter.StopScan(); err != nil {
			s.logger.Debugf("failed to stop scanning: %s", err)
		}
	}

	go s.tareOnConnect(l.device)
}

// establish connects to the device, registers for link loss, starts the
// stream and subscribes to notifications. On error all partially acquired
// resources are released
func (s *Scale) establish(ctx context.Context, id string) (link, *atomic.Bool, error) {
	lost := new(atomic.Bool)

	dev, err := s.adapter.Connect(ctx, id)
	if err != nil {
		return link{}, lost, err
	}
	l := link{device: dev}

	l.disconnectSub = s.adapter.OnDisconnected(dev, func() {
		lost.Store(true)
		s.onLinkLoss(dev)
	})

	if err := s.adapter.DiscoverServices(ctx, dev); err != nil {
		s.release(l)
		return link{}, lost, err
	}

	if err := s.write(dev, s.profile.StartCommand()); err != nil {
		s.release(l)
		return link{}, lost, err
	}

	// At most one notification subscription may be active
	s.mu.Lock()
	prev := s.notifySub
	s.notifySub = nil
	s.mu.Unlock()
	unsubscribe(prev, s.logger)

	l.notifySub, err = s.adapter.SubscribeNotifications(dev, s.profile.ServiceUUID, s.profile.NotifyCharUUID, func(payload []byte, err error) {
		s.onNotification(dev, payload, err)
	})
	if err != nil {
		s.release(l)
		return link{}, lost, err
	}

	return l, lost, nil
}

func (s *Scale) tareOnConnect(dev transport.Device) {
	defer s.workerWG.Done()

	if err := s.write(dev, s.profile.TareCommand()); err != nil {
		s.logger.Warnf("failed to tare scale after connecting: %s", err)
		s.warn(dev, err)
	}
}

// warn attaches a non-fatal error to the connected state
func (s *Scale) warn(dev transport.Device, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.device != dev || s.connectionStatus.State != scale.StateConnected {
		return
	}
	s.setStatusLocked(scale.StateConnected, err)
}

func (s *Scale) onNotification(dev transport.Device, payload []byte, err error) {
	if err != nil {
		s.logger.Warnf("failed to receive notification: %s", err)
		s.warn(dev, err)
		return
	}

	reading, err := protocol.Decode(payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Nothing is published before the connection is fully established
	if s.closed || s.device != dev || s.connectionStatus.State != scale.StateConnected {
		return
	}

	if err != nil {
		s.logger.Warnf("failed to decode notification `%x`: %s", payload, err)
		s.setStatusLocked(scale.StateConnected, err)
		return
	}

	if s.connectionStatus.Error != nil {
		s.setStatusLocked(scale.StateConnected, nil)
	}
	s.reading = s.reading.Merge(reading)
	s.publishLocked(scale.DataPoint{
		TimeStamp: s.now(),
		Reading:   s.reading,
	})
}

func (s *Scale) onLinkLoss(dev transport.Device) {
	s.mu.Lock()
	if s.closed || s.device != dev {
		s.mu.Unlock()
		return
	}
	s.epoch++
	l := s.detachLocked()
	s.setStatusLocked(scale.StateReconnecting, nil)
	s.mu.Unlock()

	s.logger.Warnf("lost connection to device `%s`, reconnecting", dev.ID())
	s.release(l)
	s.tryReconnect()
}

// tryReconnect starts a reconnection attempt unless one is in flight already
func (s *Scale) tryReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.connectionStatus.State != scale.StateReconnecting {
		return
	}
	if !s.connecting.CompareAndSwap(false, true) {
		return
	}

	s.workerWG.Add(1)
	go s.reconnect(s.epoch, s.deviceID)
}

// reconnect connects directly to the known device and falls back to scanning
// for it if that fails
func (s *Scale) reconnect(epoch uint64, id string) {
	defer s.workerWG.Done()

	if id != "" {
		s.attempt(epoch, id, true)
	} else {
		s.connecting.Store(false)
	}

	s.mu.Lock()
	fallback := !s.closed && s.epoch == epoch && s.connectionStatus.State == scale.StateReconnecting
	s.mu.Unlock()

	if fallback {
		s.startScan()
	}
}

func (s *Scale) retryLoop() {
	defer s.workerWG.Done()

	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tryReconnect()
			s.retryScan()
		}
	}
}

// retryScan restarts a scan that failed to start
func (s *Scale) retryScan() {
	s.mu.Lock()
	failed := !s.closed && !s.scanning && s.connectionStatus.State == scale.StateScanning
	s.mu.Unlock()

	if failed {
		s.startScan()
	}
}

func (s *Scale) release(l link) {
	if err := l.release(s.adapter); err != nil {
		s.logger.Debugf("failed to release device: %s", err)
	}
}

// Package mock provides an in-memory BLE adapter that can be scripted from tests
// and used to run the scale without any hardware
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/fako1024/bitscale/pkg/scale"
	"github.com/fako1024/bitscale/pkg/transport"
)

// Write denotes a single command written to a peripheral
type Write struct {
	Service        string
	Characteristic string
	Data           []byte
}

// Peripheral denotes a mock bluetooth peripheral
type Peripheral struct {
	id   string
	name string

	mu           sync.Mutex
	connected    bool
	connectErr   error
	discoverErr  error
	writeErr     error
	commandErrs  map[string]error
	subscribeErr error
	dropDuring   string
	writes       []Write
	notifyFn     func([]byte, error)
	notifyGen    int

	disconnectHandlers transport.Registry[func()]
}

// ID returns the device ID of the peripheral
func (p *Peripheral) ID() string {
	return p.id
}

// Name returns the advertised name of the peripheral
func (p *Peripheral) Name() string {
	return p.name
}

// Candidate returns the advertisement of the peripheral
func (p *Peripheral) Candidate() transport.Candidate {
	return transport.Candidate{ID: p.id, Name: p.name, RSSI: -50}
}

// SetConnectError causes subsequent connection attempts to fail
func (p *Peripheral) SetConnectError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

// SetDiscoverError causes subsequent service discoveries to fail
func (p *Peripheral) SetDiscoverError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoverErr = err
}

// SetWriteError causes subsequent command writes to fail
func (p *Peripheral) SetWriteError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// SetCommandError causes subsequent writes of a specific command to fail
func (p *Peripheral) SetCommandError(cmd string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.commandErrs == nil {
		p.commandErrs = make(map[string]error)
	}
	p.commandErrs[cmd] = err
}

// SetSubscribeError causes subsequent notification subscriptions to fail
func (p *Peripheral) SetSubscribeError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribeErr = err
}

// DropLinkDuring causes the link to be lost once while handling the next
// "discover" or "subscribe" call. The call itself succeeds
func (p *Peripheral) DropLinkDuring(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropDuring = call
}

// Notify delivers a notification payload, returning if a subscriber received it
func (p *Peripheral) Notify(payload []byte) bool {
	p.mu.Lock()
	fn := p.notifyFn
	p.mu.Unlock()

	if fn == nil {
		return false
	}
	fn(payload, nil)
	return true
}

// NotifyError delivers a notification error, returning if a subscriber received it
func (p *Peripheral) NotifyError(err error) bool {
	p.mu.Lock()
	fn := p.notifyFn
	p.mu.Unlock()

	if fn == nil {
		return false
	}
	fn(nil, err)
	return true
}

// DropLink simulates a remote disconnect (e.g. scale turned off / out of range)
func (p *Peripheral) DropLink() {
	p.mu.Lock()
	p.connected = false
	p.notifyFn = nil
	p.mu.Unlock()

	for _, fn := range p.disconnectHandlers.Snapshot() {
		fn()
	}
}

// IsConnected returns if the peripheral is currently connected
func (p *Peripheral) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// IsSubscribed returns if a notification subscription is active
func (p *Peripheral) IsSubscribed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notifyFn != nil
}

// DisconnectHandlers returns the number of registered link loss handlers
func (p *Peripheral) DisconnectHandlers() int {
	return p.disconnectHandlers.Len()
}

// Writes returns all commands written to the peripheral so far
func (p *Peripheral) Writes() []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Write(nil), p.writes...)
}

// Adapter denotes a mock BLE adapter
type Adapter struct {
	mu          sync.Mutex
	radio       transport.RadioState
	scanFn      func(transport.Candidate)
	scanErr     error
	peripherals map[string]*Peripheral
	gate        chan struct{}
	connects    []string
	calls       []string
	closed      bool

	radioHandlers transport.Registry[func(transport.RadioState)]
}

// New instantiates a new mock adapter with a powered on radio
func New() *Adapter {
	return &Adapter{
		radio:       transport.RadioPoweredOn,
		peripherals: make(map[string]*Peripheral),
	}
}

// AddPeripheral makes a peripheral reachable for connection attempts
func (a *Adapter) AddPeripheral(id, name string) *Peripheral {
	p := &Peripheral{id: id, name: name}

	a.mu.Lock()
	a.peripherals[id] = p
	a.mu.Unlock()

	return p
}

// RemovePeripheral makes a peripheral unreachable
func (a *Adapter) RemovePeripheral(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.peripherals, id)
}

// SetRadioState changes the radio state and notifies all subscribers
func (a *Adapter) SetRadioState(state transport.RadioState) {
	a.mu.Lock()
	a.radio = state
	a.mu.Unlock()

	for _, fn := range a.radioHandlers.Snapshot() {
		fn(state)
	}
}

// SetScanError causes subsequent scans to fail
func (a *Adapter) SetScanError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanErr = err
}

// Advertise delivers an advertisement to an ongoing scan, returning if a scan was active
func (a *Adapter) Advertise(c transport.Candidate) bool {
	a.mu.Lock()
	fn := a.scanFn
	a.mu.Unlock()

	if fn == nil {
		return false
	}
	fn(c)
	return true
}

// HoldConnects blocks all subsequent connection attempts until ReleaseConnects is called
func (a *Adapter) HoldConnects() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gate = make(chan struct{})
}

// ReleaseConnects unblocks all held connection attempts
func (a *Adapter) ReleaseConnects() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gate != nil {
		close(a.gate)
		a.gate = nil
	}
}

// IsScanning returns if a scan is currently active
func (a *Adapter) IsScanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanFn != nil
}

// IsClosed returns if the adapter was closed
func (a *Adapter) IsClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// ConnectCalls returns the device IDs of all connection attempts so far
func (a *Adapter) ConnectCalls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.connects...)
}

// Calls returns the ordered log of adapter operations
func (a *Adapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

// RadioHandlers returns the number of registered radio state handlers
func (a *Adapter) RadioHandlers() int {
	return a.radioHandlers.Len()
}

////////////////////////////////////////////////////////////////////////////////

// RadioState returns the current state of the radio
func (a *Adapter) RadioState() transport.RadioState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.radio
}

// OnRadioStateChange registers a callback for radio state changes
func (a *Adapter) OnRadioStateChange(fn func(transport.RadioState)) transport.Subscription {
	sub := a.radioHandlers.Add(fn)
	return transport.SubscriptionFunc(func() error {
		a.record("unsubscribe_radio")
		return sub.Unsubscribe()
	})
}

// Scan starts a scan
func (a *Adapter) Scan(fn func(transport.Candidate)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "scan")

	if a.scanErr != nil {
		return fmt.Errorf("%w: %w", scale.ErrScan, a.scanErr)
	}
	a.scanFn = fn
	return nil
}

// StopScan stops an ongoing scan
func (a *Adapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "stop_scan")
	a.scanFn = nil
	return nil
}

// Connect connects to a reachable peripheral
func (a *Adapter) Connect(ctx context.Context, id string) (transport.Device, error) {
	a.mu.Lock()
	a.connects = append(a.connects, id)
	a.calls = append(a.calls, "connect")
	gate := a.gate
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", scale.ErrConnect, ctx.Err())
		}
	}

	a.mu.Lock()
	p, exists := a.peripherals[id]
	a.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("%w: device `%s` not reachable", scale.ErrConnect, id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		return nil, fmt.Errorf("%w: %w", scale.ErrConnect, p.connectErr)
	}
	p.connected = true

	return p, nil
}

// DiscoverServices discovers the services of a connected peripheral
func (a *Adapter) DiscoverServices(_ context.Context, d transport.Device) error {
	a.record("discover")

	p, err := a.peripheral(d)
	if err != nil {
		return fmt.Errorf("%w: %w", scale.ErrDiscovery, err)
	}

	p.mu.Lock()
	if p.discoverErr != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %w", scale.ErrDiscovery, p.discoverErr)
	}
	drop := p.takeDrop("discover")
	p.mu.Unlock()

	if drop {
		p.DropLink()
	}
	return nil
}

// WriteCommand records a command written to a connected peripheral
func (a *Adapter) WriteCommand(d transport.Device, service, characteristic string, data []byte) error {
	a.record("write")

	p, err := a.peripheral(d)
	if err != nil {
		return fmt.Errorf("%w: %w", scale.ErrWrite, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return fmt.Errorf("%w: %w", scale.ErrWrite, scale.ErrNotConnected)
	}
	if p.writeErr != nil {
		return fmt.Errorf("%w: %w", scale.ErrWrite, p.writeErr)
	}
	if err := p.commandErrs[string(data)]; err != nil {
		return fmt.Errorf("%w: %w", scale.ErrWrite, err)
	}
	p.writes = append(p.writes, Write{
		Service:        service,
		Characteristic: characteristic,
		Data:           append([]byte(nil), data...),
	})

	return nil
}

// SubscribeNotifications installs the notification callback of a connected peripheral
func (a *Adapter) SubscribeNotifications(d transport.Device, _, _ string, fn func([]byte, error)) (transport.Subscription, error) {
	a.record("subscribe")

	p, err := a.peripheral(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", scale.ErrDiscovery, err)
	}

	p.mu.Lock()
	if p.subscribeErr != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", scale.ErrDiscovery, p.subscribeErr)
	}
	p.notifyFn = fn
	p.notifyGen++
	gen := p.notifyGen
	drop := p.takeDrop("subscribe")
	p.mu.Unlock()

	if drop {
		p.DropLink()
	}

	return transport.SubscriptionFunc(func() error {
		a.record("unsubscribe_notify")
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.notifyGen == gen {
			p.notifyFn = nil
		}
		return nil
	}), nil
}

// OnDisconnected registers a link loss callback
func (a *Adapter) OnDisconnected(d transport.Device, fn func()) transport.Subscription {
	p, err := a.peripheral(d)
	if err != nil {
		return transport.SubscriptionFunc(nil)
	}

	sub := p.disconnectHandlers.Add(fn)
	return transport.SubscriptionFunc(func() error {
		a.record("unsubscribe_disconnect")
		return sub.Unsubscribe()
	})
}

// Disconnect terminates the connection to a peripheral
func (a *Adapter) Disconnect(d transport.Device) error {
	a.record("disconnect")

	p, err := a.peripheral(d)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	p.notifyFn = nil

	return nil
}

// Close releases the adapter
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "close")
	a.closed = true
	return nil
}

////////////////////////////////////////////////////////////////////////////////

func (a *Adapter) record(call string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
}

func (a *Adapter) peripheral(d transport.Device) (*Peripheral, error) {
	p, ok := d.(*Peripheral)
	if !ok || p == nil {
		return nil, scale.ErrNotConnected
	}
	return p, nil
}

func (p *Peripheral) takeDrop(call string) bool {
	if p.dropDuring != call {
		return false
	}
	p.dropDuring = ""
	return true
}

var _ transport.Adapter = (*Adapter)(nil)

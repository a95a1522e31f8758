//go:build linux

package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fako1024/bitscale/pkg/scale"
	"github.com/fako1024/gatt"
)

const gattMTU = 500

var (
	defaultGattOptions = []gatt.Option{
		gatt.LnxMaxConnections(1),
		gatt.LnxDeviceID(-1, true),
	}
)

type gattConnectResult struct {
	p   gatt.Peripheral
	err error
}

// gattDevice denotes a connected peripheral and its discovered characteristics
type gattDevice struct {
	p     gatt.Peripheral
	name  string
	chars map[string]*gatt.Characteristic

	disconnectHandlers Registry[func()]
}

func (d *gattDevice) ID() string {
	return d.p.ID()
}

func (d *gattDevice) Name() string {
	return d.name
}

// Gatt denotes a BLE adapter based on the gatt (HCI) stack
type Gatt struct {
	btDevice gatt.Device

	mu          sync.Mutex
	state       gatt.State
	scanFn      func(Candidate)
	peripherals map[string]gatt.Peripheral
	names       map[string]string
	pending     map[string]chan gattConnectResult
	devices     map[string]*gattDevice

	radioHandlers Registry[func(RadioState)]

	logger scale.Logger
}

// NewGatt initializes the local HCI device and returns a new adapter on top of it
func NewGatt(logger scale.Logger, options ...gatt.Option) (*Gatt, error) {
	if logger == nil {
		logger = &scale.NullLogger{}
	}
	if len(options) == 0 {
		options = defaultGattOptions
	}

	btDevice, err := gatt.NewDevice(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize bluetooth device: %w", err)
	}

	g := &Gatt{
		btDevice:    btDevice,
		peripherals: make(map[string]gatt.Peripheral),
		names:       make(map[string]string),
		pending:     make(map[string]chan gattConnectResult),
		devices:     make(map[string]*gattDevice),
		logger:      logger,
	}

	// Register handlers
	btDevice.Handle(
		gatt.AddPeripheralDiscovered(g.onPeriphDiscovered),
		gatt.AddPeripheralConnected(g.onPeriphConnected),
		gatt.AddPeripheralDisconnected(g.onPeriphDisconnected),
	)

	// Initialize the device
	if err := btDevice.Init(g.onStateChanged); err != nil {
		return nil, fmt.Errorf("failed to initialize bluetooth device: %w", err)
	}

	return g, nil
}

// RadioState returns the current state of the radio
func (g *Gatt) RadioState() RadioState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return radioStateFromGatt(g.state)
}

// OnRadioStateChange registers a callback for radio state changes
func (g *Gatt) OnRadioStateChange(fn func(RadioState)) Subscription {
	return g.radioHandlers.Add(fn)
}

// Scan starts scanning for peripherals
func (g *Gatt) Scan(fn func(Candidate)) error {
	g.mu.Lock()
	g.scanFn = fn
	g.mu.Unlock()

	if err := g.btDevice.Scan([]gatt.UUID{}, false); err != nil {
		return fmt.Errorf("%w: %w", scale.ErrScan, err)
	}
	return nil
}

// StopScan stops scanning for peripherals
func (g *Gatt) StopScan() error {
	g.mu.Lock()
	g.scanFn = nil
	g.mu.Unlock()

	if err := g.btDevice.StopScanning(); err != nil {
		return fmt.Errorf("%w: %w", scale.ErrScan, err)
	}
	return nil
}

// Connect connects to a previously discovered peripheral
func (g *Gatt) Connect(ctx context.Context, id string) (Device, error) {
	g.mu.Lock()
	p, exists := g.peripherals[strings.ToLower(id)]
	if !exists {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: peripheral `%s` has not been discovered", scale.ErrConnect, id)
	}
	resChan := make(chan gattConnectResult, 1)
	g.pending[strings.ToLower(id)] = resChan
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, strings.ToLower(id))
		g.mu.Unlock()
	}()

	if err := g.btDevice.Connect(p); err != nil {
		return nil, fmt.Errorf("%w: %w", scale.ErrConnect, err)
	}

	select {
	case <-ctx.Done():
		_ = g.btDevice.CancelConnection(p)
		return nil, fmt.Errorf("%w: %w", scale.ErrConnect, ctx.Err())
	case res := <-resChan:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %w", scale.ErrConnect, res.err)
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		dev := &gattDevice{
			p:     res.p,
			name:  g.names[strings.ToLower(id)],
			chars: make(map[string]*gatt.Characteristic),
		}
		if dev.name == "" {
			dev.name = res.p.Name()
		}
		g.devices[strings.ToLower(id)] = dev

		return dev, nil
	}
}

// DiscoverServices discovers all services, characteristics and descriptors
func (g *Gatt) DiscoverServices(ctx context.Context, d Device) error {
	dev, err := g.device(d)
	if err != nil {
		return fmt.Errorf("%w: %w", scale.ErrDiscovery, err)
	}
	p := dev.p

	// Set connection MTU
	if err := p.SetMTU(gattMTU); err != nil {
		g.logger.Debugf("failed to set MTU for `%s/%s`: %s", p.Name(), p.ID(), err)
	}

	chars := make(map[string]*gatt.Characteristic)
	if err := runContext(ctx, func() error {
		ss, err := p.DiscoverServices(nil)
		if err != nil {
			return fmt.Errorf("failed to discover services: %w", err)
		}

		for _, s := range ss {
			cs, err := p.DiscoverCharacteristics(nil, s)
			if err != nil {
				return fmt.Errorf("failed to discover characteristics: %w", err)
			}
			for _, c := range cs {

				// Descriptors are required to enable notifications
				if _, err := p.DiscoverDescriptors(nil, c); err != nil {
					return fmt.Errorf("failed to discover descriptors: %w", err)
				}
				chars[CharKey(s.UUID().String(), c.UUID().String())] = c
			}
		}
		return nil
	}, func() {
		_ = g.btDevice.CancelConnection(p)
	}); err != nil {
		return fmt.Errorf("%w: %w", scale.ErrDiscovery, err)
	}

	g.mu.Lock()
	dev.chars = chars
	g.mu.Unlock()

	return nil
}

// WriteCommand writes data to a characteristic
func (g *Gatt) WriteCommand(d Device, service, characteristic string, data []byte) error {
	dev, c, err := g.characteristic(d, service, characteristic)
	if err != nil {
		return fmt.Errorf("%w: %w", scale.ErrWrite, err)
	}

	if err := dev.p.WriteCharacteristic(c, data, true); err != nil {
		return fmt.Errorf("%w: %w", scale.ErrWrite, err)
	}
	return nil
}

// SubscribeNotifications enables notifications on a characteristic
func (g *Gatt) SubscribeNotifications(d Device, service, characteristic string, fn func([]byte, error)) (Subscription, error) {
	dev, c, err := g.characteristic(d, service, characteristic)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", scale.ErrDiscovery, err)
	}

	if err := dev.p.SetNotifyValue(c, func(_ *gatt.Characteristic, data []byte, err error) {
		fn(data, err)
	}); err != nil {
		return nil, fmt.Errorf("%w: failed to subscribe characteristic: %w", scale.ErrDiscovery, err)
	}

	return SubscriptionFunc(func() error {
		return dev.p.SetNotifyValue(c, nil)
	}), nil
}

// OnDisconnected registers a callback that is called upon link loss
func (g *Gatt) OnDisconnected(d Device, fn func()) Subscription {
	dev, err := g.device(d)
	if err != nil {
		return SubscriptionFunc(nil)
	}
	return dev.disconnectHandlers.Add(fn)
}

// Disconnect terminates the connection to a device
func (g *Gatt) Disconnect(d Device) error {
	dev, err := g.device(d)
	if err != nil {
		return err
	}

	g.mu.Lock()
	delete(g.devices, strings.ToLower(dev.ID()))
	g.mu.Unlock()

	return g.btDevice.CancelConnection(dev.p)
}

// Close releases the local HCI device
func (g *Gatt) Close() error {
	_ = g.btDevice.StopScanning()
	return g.btDevice.RemoveAllServices()
}

////////////////////////////////////////////////////////////////////////////////

func (g *Gatt) device(d Device) (*gattDevice, error) {
	if d == nil {
		return nil, scale.ErrNotConnected
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	dev, exists := g.devices[strings.ToLower(d.ID())]
	if !exists {
		return nil, fmt.Errorf("%w: `%s`", scale.ErrNotConnected, d.ID())
	}
	return dev, nil
}

func (g *Gatt) characteristic(d Device, service, characteristic string) (*gattDevice, *gatt.Characteristic, error) {
	dev, err := g.device(d)
	if err != nil {
		return nil, nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	c, exists := dev.chars[CharKey(service, characteristic)]
	if !exists {
		return nil, nil, fmt.Errorf("characteristic `%s` of service `%s` not found", characteristic, service)
	}
	return dev, c, nil
}

func (g *Gatt) onStateChanged(_ gatt.Device, s gatt.State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()

	g.logger.Debugf("bluetooth device state changed to `%s`", s)

	state := radioStateFromGatt(s)
	for _, fn := range g.radioHandlers.Snapshot() {
		fn(state)
	}
}

func (g *Gatt) onPeriphDiscovered(p gatt.Peripheral, adv *gatt.Advertisement, rssi int) {
	name := p.Name()
	if adv != nil && adv.LocalName != "" {
		name = adv.LocalName
	}

	g.logger.Debugf("discovered device `%s/%s`", name, p.ID())

	g.mu.Lock()
	g.peripherals[strings.ToLower(p.ID())] = p
	g.names[strings.ToLower(p.ID())] = name
	fn := g.scanFn
	g.mu.Unlock()

	if fn != nil {
		fn(Candidate{
			ID:   p.ID(),
			Name: name,
			RSSI: rssi,
		})
	}
}

func (g *Gatt) onPeriphConnected(p gatt.Peripheral, err error) {
	g.mu.Lock()
	resChan, exists := g.pending[strings.ToLower(p.ID())]
	g.mu.Unlock()

	// Nobody is waiting for this connection (anymore), release it
	if !exists {
		g.logger.Debugf("releasing unsolicited connection to `%s/%s`", p.Name(), p.ID())
		_ = g.btDevice.CancelConnection(p)
		return
	}

	select {
	case resChan <- gattConnectResult{p: p, err: err}:
	default:
	}
}

func (g *Gatt) onPeriphDisconnected(p gatt.Peripheral, _ error) {
	g.mu.Lock()
	dev, exists := g.devices[strings.ToLower(p.ID())]
	delete(g.devices, strings.ToLower(p.ID()))
	g.mu.Unlock()

	if !exists {
		return
	}

	g.logger.Debugf("disconnected peripheral `%s/%s`", p.Name(), p.ID())
	for _, fn := range dev.disconnectHandlers.Snapshot() {
		fn()
	}
}

func radioStateFromGatt(s gatt.State) RadioState {
	switch s {
	case gatt.StatePoweredOn:
		return RadioPoweredOn
	case gatt.StatePoweredOff:
		return RadioPoweredOff
	case gatt.StateUnauthorized:
		return RadioUnauthorized
	case gatt.StateUnsupported:
		return RadioUnsupported
	default:
		return RadioUnknown
	}
}

var _ Adapter = (*Gatt)(nil)

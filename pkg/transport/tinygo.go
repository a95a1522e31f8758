//go:build darwin

package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fako1024/bitscale/pkg/scale"
	"tinygo.org/x/bluetooth"
)

// tinyGoDevice denotes a connected peripheral and its discovered characteristics.
// On macOS the device ID is a CoreBluetooth UUID, not a MAC address
type tinyGoDevice struct {
	id     string
	name   string
	device bluetooth.Device
	chars  map[string]bluetooth.DeviceCharacteristic

	disconnectHandlers Registry[func()]
}

func (d *tinyGoDevice) ID() string {
	return d.id
}

func (d *tinyGoDevice) Name() string {
	return d.name
}

// TinyGo denotes a BLE adapter based on CoreBluetooth (via tinygo bluetooth)
type TinyGo struct {
	adapter *bluetooth.Adapter

	mu      sync.Mutex
	state   RadioState
	names   map[string]string
	devices map[string]*tinyGoDevice

	radioHandlers Registry[func(RadioState)]

	logger scale.Logger
}

// NewTinyGo enables the default adapter and returns a new adapter on top of it
func NewTinyGo(logger scale.Logger) (*TinyGo, error) {
	if logger == nil {
		logger = &scale.NullLogger{}
	}

	t := &TinyGo{
		adapter: bluetooth.DefaultAdapter,
		state:   RadioPoweredOn,
		names:   make(map[string]string),
		devices: make(map[string]*tinyGoDevice),
		logger:  logger,
	}

	if err := t.adapter.Enable(); err != nil {
		logger.Warnf("failed to enable bluetooth adapter: %s", err)
		t.state = RadioPoweredOff
	}

	// Register the adapter-level connect / disconnect handler, which fires
	// with connected == false when a peripheral drops
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		t.onDisconnected(device.Address.String())
	})

	return t, nil
}

// RadioState returns the current state of the radio
func (t *TinyGo) RadioState() RadioState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnRadioStateChange registers a callback for radio state changes
func (t *TinyGo) OnRadioStateChange(fn func(RadioState)) Subscription {
	return t.radioHandlers.Add(fn)
}

// Scan starts scanning in the background
func (t *TinyGo) Scan(fn func(Candidate)) error {
	if t.RadioState() != RadioPoweredOn {
		return fmt.Errorf("%w: %w", scale.ErrScan, scale.ErrRadioOff)
	}

	// adapter.Scan blocks until StopScan() or error
	go func() {
		err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			id := result.Address.String()
			name := result.LocalName()

			t.mu.Lock()
			t.names[strings.ToLower(id)] = name
			t.mu.Unlock()

			fn(Candidate{
				ID:   id,
				Name: name,
				RSSI: int(result.RSSI),
			})
		})
		if err != nil {
			t.logger.Warnf("%s: %s", scale.ErrScan, err)
		}
	}()

	return nil
}

// StopScan stops scanning
func (t *TinyGo) StopScan() error {
	if err := t.adapter.StopScan(); err != nil {
		return fmt.Errorf("%w: %w", scale.ErrScan, err)
	}
	return nil
}

// Connect connects to the device with the given CoreBluetooth UUID
func (t *TinyGo) Connect(ctx context.Context, id string) (Device, error) {
	var addr bluetooth.Address
	addr.Set(id)

	// tinygo/bluetooth's Connect blocks internally with its own timeout, wrap
	// it to also respect ctx cancellation
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	resChan := make(chan connectResult, 1)
	go func() {
		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		resChan <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", scale.ErrConnect, ctx.Err())
	case res := <-resChan:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %w", scale.ErrConnect, res.err)
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		dev := &tinyGoDevice{
			id:     id,
			name:   t.names[strings.ToLower(id)],
			device: res.device,
			chars:  make(map[string]bluetooth.DeviceCharacteristic),
		}
		t.devices[strings.ToLower(id)] = dev

		return dev, nil
	}
}

// DiscoverServices discovers all services and characteristics
func (t *TinyGo) DiscoverServices(ctx context.Context, d Device) error {
	dev, err := t.device(d)
	if err != nil {
		return fmt.Errorf("%w: %w", scale.ErrDiscovery, err)
	}

	chars := make(map[string]bluetooth.DeviceCharacteristic)
	if err := runContext(ctx, func() error {
		svcs, err := dev.device.DiscoverServices(nil)
		if err != nil {
			return fmt.Errorf("failed to discover services: %w", err)
		}

		for _, svc := range svcs {
			cs, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				return fmt.Errorf("failed to discover characteristics: %w", err)
			}
			for _, c := range cs {
				chars[CharKey(svc.UUID().String(), c.UUID().String())] = c
			}
		}
		return nil
	}, func() {
		_ = dev.device.Disconnect()
	}); err != nil {
		return fmt.Errorf("%w: %w", scale.ErrDiscovery, err)
	}

	t.mu.Lock()
	dev.chars = chars
	t.mu.Unlock()

	return nil
}

// WriteCommand writes data to a characteristic (without response)
func (t *TinyGo) WriteCommand(d Device, service, characteristic string, data []byte) error {
	c, err := t.characteristic(d, service, characteristic)
	if err != nil {
		return fmt.Errorf("%w: %w", scale.ErrWrite, err)
	}

	if _, err := c.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("%w: %w", scale.ErrWrite, err)
	}
	return nil
}

// SubscribeNotifications enables notifications on a characteristic
func (t *TinyGo) SubscribeNotifications(d Device, service, characteristic string, fn func([]byte, error)) (Subscription, error) {
	c, err := t.characteristic(d, service, characteristic)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", scale.ErrDiscovery, err)
	}

	if err := c.EnableNotifications(func(buf []byte) {
		fn(append([]byte(nil), buf...), nil)
	}); err != nil {
		return nil, fmt.Errorf("%w: failed to subscribe characteristic: %w", scale.ErrDiscovery, err)
	}

	return SubscriptionFunc(func() error {
		return c.EnableNotifications(nil)
	}), nil
}

// OnDisconnected registers a callback that is called upon link loss
func (t *TinyGo) OnDisconnected(d Device, fn func()) Subscription {
	dev, err := t.device(d)
	if err != nil {
		return SubscriptionFunc(nil)
	}
	return dev.disconnectHandlers.Add(fn)
}

// Disconnect terminates the connection to a device
func (t *TinyGo) Disconnect(d Device) error {
	dev, err := t.device(d)
	if err != nil {
		return err
	}

	t.mu.Lock()
	delete(t.devices, strings.ToLower(dev.id))
	t.mu.Unlock()

	return dev.device.Disconnect()
}

// Close stops any ongoing scan
func (t *TinyGo) Close() error {
	_ = t.adapter.StopScan()
	return nil
}

////////////////////////////////////////////////////////////////////////////////

func (t *TinyGo) device(d Device) (*tinyGoDevice, error) {
	if d == nil {
		return nil, scale.ErrNotConnected
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	dev, exists := t.devices[strings.ToLower(d.ID())]
	if !exists {
		return nil, fmt.Errorf("%w: `%s`", scale.ErrNotConnected, d.ID())
	}
	return dev, nil
}

func (t *TinyGo) characteristic(d Device, service, characteristic string) (bluetooth.DeviceCharacteristic, error) {
	dev, err := t.device(d)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	c, exists := dev.chars[CharKey(service, characteristic)]
	if !exists {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("characteristic `%s` of service `%s` not found", characteristic, service)
	}
	return c, nil
}

func (t *TinyGo) onDisconnected(id string) {
	t.mu.Lock()
	dev, exists := t.devices[strings.ToLower(id)]
	delete(t.devices, strings.ToLower(id))
	t.mu.Unlock()

	if !exists {
		return
	}

	t.logger.Debugf("disconnected peripheral `%s/%s`", dev.name, dev.id)
	for _, fn := range dev.disconnectHandlers.Snapshot() {
		fn()
	}
}

var _ Adapter = (*TinyGo)(nil)

// Package transport defines the capabilities required from a BLE stack and
// provides adapters for the supported platforms
package transport

import (
	"context"
	"strings"
	"sync"
)

// RadioState denotes the power / authorization state of the local radio
type RadioState int

const (

	// RadioUnknown denotes a radio whose state has not been reported yet
	RadioUnknown RadioState = iota

	// RadioPoweredOn denotes a usable radio
	RadioPoweredOn

	// RadioPoweredOff denotes a radio that is switched off
	RadioPoweredOff

	// RadioUnauthorized denotes missing permissions to use the radio
	RadioUnauthorized

	// RadioUnsupported denotes a platform without BLE support
	RadioUnsupported
)

// String returns a string representation of the radio state
func (s RadioState) String() string {
	switch s {
	case RadioPoweredOn:
		return "powered_on"
	case RadioPoweredOff:
		return "powered_off"
	case RadioUnauthorized:
		return "unauthorized"
	case RadioUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Candidate denotes an advertisement observed while scanning
type Candidate struct {
	ID   string
	Name string
	RSSI int
}

// Device denotes a handle to a connected peripheral
type Device interface {
	ID() string
	Name() string
}

// Subscription denotes a registered callback that can be cancelled
type Subscription interface {
	Unsubscribe() error
}

// SubscriptionFunc adapts a plain function to the Subscription interface
type SubscriptionFunc func() error

// Unsubscribe cancels the subscription
func (f SubscriptionFunc) Unsubscribe() error {
	if f == nil {
		return nil
	}
	return f()
}

// Adapter denotes the capability set the scale requires from a BLE stack
type Adapter interface {

	// RadioState returns the current state of the radio
	RadioState() RadioState

	// OnRadioStateChange registers a callback for radio state changes
	OnRadioStateChange(fn func(RadioState)) Subscription

	// Scan starts scanning (without service filter) and returns immediately
	Scan(fn func(Candidate)) error

	// StopScan stops an ongoing scan
	StopScan() error

	// Connect establishes a connection to the device with the given ID
	Connect(ctx context.Context, id string) (Device, error)

	// DiscoverServices discovers all services and characteristics of a device
	DiscoverServices(ctx context.Context, d Device) error

	// WriteCommand writes data to a characteristic (without response)
	WriteCommand(d Device, service, characteristic string, data []byte) error

	// SubscribeNotifications enables notifications on a characteristic
	SubscribeNotifications(d Device, service, characteristic string, fn func([]byte, error)) (Subscription, error)

	// OnDisconnected registers a callback that is called upon link loss
	OnDisconnected(d Device, fn func()) Subscription

	// Disconnect terminates the connection to a device
	Disconnect(d Device) error

	// Close releases the adapter
	Close() error
}

// NormalizeUUID returns the canonical (lowercase, no dashes) form of a UUID
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(uuid), "-", ""))
}

// CharKey returns a lookup key for a characteristic within a service
func CharKey(service, characteristic string) string {
	return NormalizeUUID(service) + "/" + NormalizeUUID(characteristic)
}

// runContext runs a blocking library call, returning early once ctx is done.
// In that case onCancel is invoked to unblock the call, which is left to
// finish in the background
func runContext(ctx context.Context, fn func() error, onCancel func()) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- fn()
	}()

	select {
	case <-ctx.Done():
		if onCancel != nil {
			onCancel()
		}
		return ctx.Err()
	case err := <-errChan:
		return err
	}
}

// Registry keeps a set of callbacks that can be individually removed
type Registry[T any] struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]T
}

// Add registers a callback and returns the subscription removing it again
func (r *Registry[T]) Add(fn T) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fns == nil {
		r.fns = make(map[uint64]T)
	}
	id := r.nextID
	r.nextID++
	r.fns[id] = fn

	return SubscriptionFunc(func() error {
		r.mu.Lock()
		delete(r.fns, id)
		r.mu.Unlock()
		return nil
	})
}

// Snapshot returns all currently registered callbacks
func (r *Registry[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	fns := make([]T, 0, len(r.fns))
	for _, fn := range r.fns {
		fns = append(fns, fn)
	}
	return fns
}

// Len returns the number of registered callbacks
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fns)
}

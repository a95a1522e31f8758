package transport

import "github.com/fako1024/bitscale/pkg/scale"

// NewDefault returns the default adapter for this platform (HCI via gatt)
func NewDefault(logger scale.Logger) (Adapter, error) {
	return NewGatt(logger)
}

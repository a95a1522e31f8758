package transport

import "github.com/fako1024/bitscale/pkg/scale"

// NewDefault returns the default adapter for this platform (CoreBluetooth)
func NewDefault(logger scale.Logger) (Adapter, error) {
	return NewTinyGo(logger)
}

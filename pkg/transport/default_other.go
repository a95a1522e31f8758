//go:build !linux && !darwin

package transport

import (
	"fmt"
	"runtime"

	"github.com/fako1024/bitscale/pkg/scale"
)

// NewDefault fails on platforms without a supported BLE stack
func NewDefault(_ scale.Logger) (Adapter, error) {
	return nil, fmt.Errorf("bluetooth is not supported on %s", runtime.GOOS)
}

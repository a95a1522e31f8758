package bitscale

import (
	"errors"
	"fmt"

	"github.com/fako1024/bitscale/pkg/scale"
)

// StatusMessage returns a human-readable description of a connection status
// for a scale with the given display label
func StatusMessage(status scale.ConnectionStatus, label string) string {
	switch status.State {
	case scale.StateIdle:
		return "Disconnected."
	case scale.StateBluetoothOff:
		return fmt.Sprintf("Turn on Bluetooth to scan for the %s...", label)
	case scale.StateScanning:
		if status.Error != nil {
			return fmt.Sprintf("Scanning for %s failed: %s", label, status.Error)
		}
		return fmt.Sprintf("Scanning for %s...", label)
	case scale.StateConnecting:
		return fmt.Sprintf("Connecting to %s...", label)
	case scale.StateConnected:
		if status.Error != nil {
			return fmt.Sprintf("Connected to %s (%s).", label, status.Error)
		}
		return fmt.Sprintf("Connected to %s.", label)
	case scale.StateReconnecting:
		return fmt.Sprintf("Connection lost, reconnecting to %s...", label)
	case scale.StateError:
		if errors.Is(status.Error, scale.ErrPermissionDenied) {
			return "Bluetooth permission denied."
		}
		if status.Error != nil {
			return fmt.Sprintf("Connection failed: %s", status.Error)
		}
		return "Connection failed."
	default:
		return status.State.String()
	}
}

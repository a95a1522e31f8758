package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fako1024/bitscale/pkg/scale"
)

const (
	batteryOffset = 1
	maxBattery    = 100
	weightLen     = 2
)

// Decode translates a raw notification payload into a reading. The battery
// level is taken from the second byte (if within [0,100]), the weight from the
// last two bytes (big-endian, two's complement)
func Decode(payload []byte) (scale.Reading, error) {
	if len(payload) == 0 {
		return scale.Reading{}, fmt.Errorf("%w: empty payload", scale.ErrDecode)
	}

	var reading scale.Reading
	if len(payload) > batteryOffset {
		if battery := int(payload[batteryOffset]); battery <= maxBattery {
			reading.Battery, reading.HasBattery = battery, true
		}
	}

	reading.Weight, reading.HasWeight = parseWeight(payload), true

	return reading, nil
}

// DecodeBase64 decodes a base64 encoded notification (as delivered by mobile
// BLE stacks)
func DecodeBase64(raw string) (scale.Reading, error) {
	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return scale.Reading{}, fmt.Errorf("%w: invalid base64 envelope: %w", scale.ErrDecode, err)
	}

	return Decode(payload)
}

// DecodeHex decodes a hex encoded notification, ignoring whitespace and colons
func DecodeHex(raw string) (scale.Reading, error) {
	cleaned := strings.NewReplacer(" ", "", ":", "", "\n", "", "\t", "").Replace(raw)
	payload, err := hex.DecodeString(cleaned)
	if err != nil {
		return scale.Reading{}, fmt.Errorf("%w: invalid hex envelope: %w", scale.ErrDecode, err)
	}

	return Decode(payload)
}

////////////////////////////////////////////////////////////////////////////////

func parseWeight(payload []byte) int {

	// A single byte frame carries its value as weight
	if len(payload) < weightLen {
		return int(payload[0])
	}

	return int(int16(binary.BigEndian.Uint16(payload[len(payload)-weightLen:])))
}

// Package audio decodes console meter samples and watches for sustained
// silence while a broadcast is live.
package audio

import (
	"encoding/json"
	"math"
)

// SilenceFloor is the quietest level the decoder reports, in dBFS.
const SilenceFloor = -90.0

// DecodeLevel converts a raw meter sample to dBFS. Consoles report one of
// two encodings: negative values are dBFS scaled by 1000, positive values up
// to 32768 are a 16-bit linear magnitude. Anything else decodes to the floor.
func DecodeLevel(raw float64) float64 {
	switch {
	case raw < 0:
		db := raw / 1000
		if db < SilenceFloor {
			return SilenceFloor
		}
		return db
	case raw > 0 && raw <= 32768:
		db := 20 * math.Log10(raw/32768)
		if db < SilenceFloor {
			return SilenceFloor
		}
		return db
	default:
		return SilenceFloor
	}
}

// LevelFromSample extracts a raw meter value from loosely shaped telemetry.
// Consoles disagree on the key; the three shapes seen in the field are
// inputLevel, outputLevel, and left.
func LevelFromSample(sample map[string]any) (float64, bool) {
	for _, key := range []string{"inputLevel", "outputLevel", "left"} {
		v, ok := sample[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case int32:
			return float64(n), true
		case int64:
			return float64(n), true
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Threshold packing: integer part in the high 16 bits, fractional part
// scaled by ThresholdScale in the low 16 bits.
//
// ThresholdScale and ThresholdShift are coupled: the largest scaled fraction
// (ThresholdScale itself, after rounding) must stay below 1<<ThresholdShift.
// The constant below stops compilation if either one changes and breaks that.
const (
	ThresholdShift = 16
	ThresholdScale = 10000

	// MaxThresholdSD is the largest integer part the high half can carry.
	MaxThresholdSD = 1<<ThresholdShift - 1

	// DefaultThresholdSD is substituted for unparsable operator input.
	DefaultThresholdSD = 3.0

	fractionMask = 1<<ThresholdShift - 1
)

const _ uint = 1<<ThresholdShift - ThresholdScale - 1

// ErrMalformedInput marks operator input that could not be parsed.
var ErrMalformedInput = errors.New("malformed input")

// PackThreshold encodes a standard-deviation multiplier for OpSetThresholdSD.
// The encoding is lossy fixed point. Values outside [0, MaxThresholdSD] are
// clamped.
func PackThreshold(sd float64) uint32 {
	if math.IsNaN(sd) || sd < 0 {
		sd = 0
	}
	if sd > MaxThresholdSD {
		sd = MaxThresholdSD
	}

	whole := math.Floor(sd)
	frac := math.Round((sd - whole) * ThresholdScale)
	return uint32(whole)<<ThresholdShift + uint32(frac)
}

// UnpackThreshold is the extension's decode of a packed threshold.
func UnpackThreshold(packed uint32) (whole int, frac float64) {
	whole = int(packed >> ThresholdShift)
	frac = float64(packed&fractionMask) / ThresholdScale
	return whole, frac
}

// ParseThreshold parses a threshold typed by the operator. On failure it
// returns def together with an error wrapping ErrMalformedInput, so callers
// can apply def and show it back in the input field.
func ParseThreshold(text string, def float64) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return def, fmt.Errorf("%w: threshold %q: %v", ErrMalformedInput, text, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > MaxThresholdSD {
		return def, fmt.Errorf("%w: threshold %q out of range [0, %d]", ErrMalformedInput, text, MaxThresholdSD)
	}
	return v, nil
}

// Package shll implements the sliding HyperLogLog register algebra:
// the dense and sparse representations, the cardinality estimator,
// and the versioned binary codec.
package shll

import "github.com/pkg/errors"

// Precision bounds.
const (
	MinPrecision = 4
	MaxPrecision = 18
)

// GrowthFactor is the geometric growth/shrink factor for register
// sample buffers.
const GrowthFactor = 1.5

// ErrBadPrecision is returned when a precision outside [MinPrecision,
// MaxPrecision] is requested.
var ErrBadPrecision = errors.New("precision out of range [4,18]")

// Config describes a set's sHLL parameters.
type Config struct {
	Precision       uint8
	WindowPeriod    int64 // seconds of history retained
	WindowPrecision int64 // smallest distinguishable time grain, seconds
}

// NumRegisters returns 2^precision.
func (c Config) NumRegisters() int {
	return 1 << c.Precision
}

// Validate rejects out-of-range precision.
func (c Config) Validate() error {
	if c.Precision < MinPrecision || c.Precision > MaxPrecision {
		return ErrBadPrecision
	}
	return nil
}

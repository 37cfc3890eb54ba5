package shll

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// CurrentVersion is the only serializer version this codec accepts.
// An earlier mmap-based file format is not implemented; no migration
// path exists for fresh deployments.
const CurrentVersion uint32 = 2

// overAllocateSlack absorbs races where a register grows a sample
// between SerializedSize and Encode.
const overAllocateSlack = 256

// ErrVersionMismatch is returned by Decode when the leading version
// field does not equal CurrentVersion.
var ErrVersionMismatch = errors.New("sHLL blob: unsupported serializer version")

// ErrBufferTooShort is returned by any primitive encoder/decoder that
// would read or write past the end of its buffer.
var ErrBufferTooShort = errors.New("sHLL blob: buffer too short")

// SerializedSize returns the exact minimum number of bytes Encode
// will write for the given dense instance, with no over-allocation.
func SerializedSize(d *Dense) int {
	size := 4 + 4 + 4 + 4 // version, precision, window_period, window_precision
	for i := range d.registers {
		size += 8 // sample_count
		size += 16 * len(d.registers[i].samples)
	}
	return size
}

// Encode serializes a Dense instance to its fixed-width record
// layout, over-allocating by overAllocateSlack bytes of working
// buffer before trimming to the exact written length.
func Encode(d *Dense) ([]byte, error) {
	exact := SerializedSize(d)
	buf := make([]byte, exact+overAllocateSlack)

	off := 0
	var err error
	if off, err = putU32(buf, off, CurrentVersion); err != nil {
		return nil, err
	}
	if off, err = putU32(buf, off, uint32(d.cfg.Precision)); err != nil {
		return nil, err
	}
	if off, err = putU32(buf, off, uint32(d.cfg.WindowPeriod)); err != nil {
		return nil, err
	}
	if off, err = putU32(buf, off, uint32(d.cfg.WindowPrecision)); err != nil {
		return nil, err
	}

	for i := range d.registers {
		samples := d.registers[i].samples
		if off, err = putU64(buf, off, uint64(len(samples))); err != nil {
			return nil, err
		}
		for _, s := range samples {
			if off, err = putU64(buf, off, uint64(s.timestamp)); err != nil {
				return nil, err
			}
			if off, err = putU64(buf, off, uint64(s.value)); err != nil {
				return nil, err
			}
		}
	}

	return buf[:off], nil
}

// Decode reconstructs a Dense instance from an encoded blob, rejecting
// any version other than CurrentVersion.
func Decode(buf []byte) (*Dense, error) {
	off := 0
	version, off, err := getU32(buf, off)
	if err != nil {
		return nil, err
	}
	if version != CurrentVersion {
		return nil, ErrVersionMismatch
	}

	precision, off, err := getU32(buf, off)
	if err != nil {
		return nil, err
	}
	windowPeriod, off, err := getU32(buf, off)
	if err != nil {
		return nil, err
	}
	windowPrecision, off, err := getU32(buf, off)
	if err != nil {
		return nil, err
	}

	cfg := Config{
		Precision:       uint8(precision),
		WindowPeriod:    int64(windowPeriod),
		WindowPrecision: int64(windowPrecision),
	}
	d, err := NewDense(cfg)
	if err != nil {
		return nil, err
	}

	for i := range d.registers {
		count, next, err := getU64(buf, off)
		if err != nil {
			return nil, err
		}
		off = next

		samples := make([]sample, 0, count)
		for j := uint64(0); j < count; j++ {
			ts, next, err := getU64(buf, off)
			if err != nil {
				return nil, err
			}
			off = next
			val, next, err := getU64(buf, off)
			if err != nil {
				return nil, err
			}
			off = next
			samples = append(samples, sample{timestamp: int64(ts), value: uint32(val)})
		}
		d.registers[i].samples = samples
	}

	return d, nil
}

func putU32(buf []byte, off int, v uint32) (int, error) {
	if off+4 > len(buf) {
		return off, ErrBufferTooShort
	}
	binary.BigEndian.PutUint32(buf[off:off+4], v)
	return off + 4, nil
}

func putU64(buf []byte, off int, v uint64) (int, error) {
	if off+8 > len(buf) {
		return off, ErrBufferTooShort
	}
	binary.BigEndian.PutUint64(buf[off:off+8], v)
	return off + 8, nil
}

func getU32(buf []byte, off int) (uint32, int, error) {
	if off+4 > len(buf) {
		return 0, off, ErrBufferTooShort
	}
	return binary.BigEndian.Uint32(buf[off : off+4]), off + 4, nil
}

func getU64(buf []byte, off int) (uint64, int, error) {
	if off+8 > len(buf) {
		return 0, off, ErrBufferTooShort
	}
	return binary.BigEndian.Uint64(buf[off : off+8]), off + 8, nil
}

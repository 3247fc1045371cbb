// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package bitmask provides uniform widening and narrowing of unsigned
// integers and bit-range extraction. Struct field decomposition reads every
// field through a uint64 and narrows to the declared width afterwards; the
// helpers here keep that cast logic in one place.
package bitmask

// Extractor returns the value of a bit range inside a uint64.
type Extractor func(v uint64) uint64

// Identity passes the value through unchanged. It is the extractor for
// non-bitfield leaves.
func Identity(v uint64) uint64 { return v }

// Extract returns len bits of v starting at bit pos.
// pos must be in [0,63] and len in [1,64].
func Extract(v uint64, pos, length uint) uint64 {
	if length >= 64 {
		return v >> pos
	}
	return (v >> pos) & ((1 << length) - 1)
}

// Range returns an Extractor for len bits starting at bit pos.
func Range(pos, length uint) Extractor {
	return func(v uint64) uint64 {
		return Extract(v, pos, length)
	}
}

// Narrow truncates v to the given byte width. A width of 0 yields 0; other
// widths outside 1, 2, 4 and 8 are rounded up to the next power of two; a
// width of 8 or more is the identity.
func Narrow(v uint64, width uint) uint64 {
	switch {
	case width == 0:
		return 0
	case width == 1:
		return uint64(uint8(v))
	case width == 2:
		return uint64(uint16(v))
	case width <= 4:
		return uint64(uint32(v))
	default:
		return v
	}
}

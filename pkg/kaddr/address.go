// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kaddr models kernel addresses that may involve pointer
// indirection. An Address is either a concrete base+offset or "the pointer
// stored at an inner Address, plus offset". Indirection chains are assembled
// statically from symbol paths and resolved lazily against live kernel
// memory, one read per pointer hop.
package kaddr

import "fmt"

// Resolver reads the pointer stored at a concrete address. A Resolver that
// returns 0 marks the chain as null and the whole resolution collapses to 0.
type Resolver func(addr uint64) uint64

// Address is an immutable address value. The zero value is the concrete
// address 0. Copies are cheap; the indirection chain is shared, never
// mutated.
type Address struct {
	base    uint64
	pointer *Address
	offset  uint64
}

// FromBase returns the concrete address base.
func FromBase(base uint64) Address {
	return Address{base: base}
}

// FromPtr returns the address "pointer stored at inner". The inner value is
// captured by reference and must not be assumed to be a leaf.
func FromPtr(inner Address) Address {
	p := inner
	return Address{pointer: &p}
}

// Add returns the address shifted forward by off. The indirection chain is
// shared with the receiver.
func (a Address) Add(off uint64) Address {
	a.offset += off
	return a
}

// Sub returns the address shifted backward by off.
func (a Address) Sub(off uint64) Address {
	a.offset -= off
	return a
}

// IsIndirect reports whether resolving the address requires a pointer read.
func (a Address) IsIndirect() bool {
	return a.pointer != nil
}

// Address returns base+offset without resolving. For indirect addresses the
// base is 0, so this is the pre-resolution value; only the symbol store's
// first-hop arithmetic relies on it.
func (a Address) Address() uint64 {
	return a.base + a.offset
}

// Get resolves the address to a concrete value. Each pointer hop invokes the
// resolver once on the inner address's concrete value. A null anywhere in
// the chain propagates: the result is 0, not 0+offset.
func (a Address) Get(resolve Resolver) uint64 {
	if a.pointer != nil {
		inner := a.pointer.Get(resolve)
		if inner == 0 {
			return 0
		}
		base := resolve(inner)
		if base == 0 {
			return 0
		}
		return base + a.offset
	}
	if a.base == 0 {
		return 0
	}
	return a.base + a.offset
}

// Equal reports whether two leaf addresses are the same location. Indirect
// addresses never compare equal; resolve them first.
func (a Address) Equal(b Address) bool {
	return a.pointer == nil && b.pointer == nil &&
		a.base == b.base && a.offset == b.offset
}

// Less orders leaf addresses. Ordering is undefined when either side is
// indirect; Less returns false in that case so range loops terminate.
func (a Address) Less(b Address) bool {
	if a.pointer != nil || b.pointer != nil {
		return false
	}
	return a.base+a.offset < b.base+b.offset
}

func (a Address) String() string {
	if a.pointer != nil {
		return fmt.Sprintf("*(%s) + 0x%x", a.pointer, a.offset)
	}
	if a.offset != 0 {
		return fmt.Sprintf("0x%x + 0x%x", a.base, a.offset)
	}
	return fmt.Sprintf("0x%x", a.base)
}

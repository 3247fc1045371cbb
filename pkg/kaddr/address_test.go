// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kaddr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLeafArithmetic(t *testing.T) {
	a := FromBase(0x1000)
	assert.Equal(t, uint64(0x1000), a.Address())
	assert.Equal(t, uint64(0x1040), a.Add(0x40).Address())
	assert.Equal(t, uint64(0xFC0), a.Sub(0x40).Address())

	// Add produces a new value; the receiver is unchanged.
	assert.Equal(t, uint64(0x1000), a.Address())
}

func TestLeafGet(t *testing.T) {
	resolver := func(addr uint64) uint64 {
		t.Fatalf("leaf resolution must not call the resolver (addr 0x%x)", addr)
		return 0
	}
	assert.Equal(t, uint64(0x1040), FromBase(0x1000).Add(0x40).Get(resolver))

	// A zero base is treated as null even with an offset.
	assert.Equal(t, uint64(0), FromBase(0).Add(0x40).Get(resolver))
}

func TestIndirectGet(t *testing.T) {
	a := FromBase(0x1000)
	b := FromPtr(a).Add(0x40)
	assert.True(t, b.IsIndirect())

	calls := 0
	resolver := func(addr uint64) uint64 {
		calls++
		if addr == 0x1000 {
			return 0x2000
		}
		return 0
	}
	assert.Equal(t, uint64(0x2040), b.Get(resolver))
	assert.Equal(t, 1, calls)
}

func TestIndirectGetNullPropagation(t *testing.T) {
	b := FromPtr(FromBase(0x1000)).Add(0x40)
	assert.Equal(t, uint64(0), b.Get(func(uint64) uint64 { return 0 }))
}

func TestChainedIndirection(t *testing.T) {
	// **(0x1000) + 0x8 with 0x1000 -> 0x2000 -> 0x3000
	inner := FromPtr(FromBase(0x1000))
	outer := FromPtr(inner).Add(0x8)

	mem := map[uint64]uint64{0x1000: 0x2000, 0x2000: 0x3000}
	resolver := func(addr uint64) uint64 { return mem[addr] }
	assert.Equal(t, uint64(0x3008), outer.Get(resolver))

	// Break the middle hop; the null propagates to the top.
	mem[0x1000] = 0
	assert.Equal(t, uint64(0), outer.Get(resolver))
}

func TestPreResolutionAddress(t *testing.T) {
	b := FromPtr(FromBase(0x1000)).Add(0x40)
	assert.Equal(t, uint64(0x40), b.Address())
}

func TestComparisons(t *testing.T) {
	a := FromBase(0x1000)
	b := FromBase(0x1000)
	c := FromBase(0x2000)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, a.Less(c))
	assert.False(t, c.Less(a))

	// Indirect addresses never compare.
	p := FromPtr(a)
	assert.False(t, p.Equal(p))
	assert.False(t, p.Less(c))
	assert.False(t, a.Less(p))
}

func TestSharedChain(t *testing.T) {
	a := FromBase(0x1000)
	p := FromPtr(a)
	q := p.Add(0x10)
	r := p.Add(0x20)

	resolver := func(addr uint64) uint64 { return 0x5000 }
	assert.Equal(t, uint64(0x5010), q.Get(resolver))
	assert.Equal(t, uint64(0x5020), r.Get(resolver))
}

func TestString(t *testing.T) {
	assert.Equal(t, "0x1000", FromBase(0x1000).String())
	assert.Equal(t, "0x1000 + 0x8", FromBase(0x1000).Add(8).String())
	assert.Equal(t, "*(0x1000) + 0x8", FromPtr(FromBase(0x1000)).Add(8).String())
}

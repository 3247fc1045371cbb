// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package driver

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/poolview/pkg/pdb"
)

func TestControlCodes(t *testing.T) {
	// CTL_CODE(40000, fn, method, FILE_ANY_ACCESS)
	assert.Equal(t, uint32(40000<<16|0x900<<2|1), CodeSetupOffsets)
	assert.Equal(t, uint32(40000<<16|0x901<<2|2), CodeKernelBase)
	assert.Equal(t, uint32(40000<<16|0x904<<2|1), CodeScanPool)
	assert.Equal(t, uint32(40000<<16|0xA00<<2|2), CodeDerefVirtual)
	assert.Equal(t, uint32(40000<<16|0xA01<<2|2), CodeDerefPhysical)
	assert.Equal(t, uint32(40000<<16|0xA02<<2|1), CodeHideProcess)
}

func TestDerefAddrEncode(t *testing.T) {
	buf := DerefAddr{Addr: 0xFFFFF80000001000, Size: 8}.Encode()
	require.Len(t, buf, 16)
	assert.Equal(t, uint64(0xFFFFF80000001000), binary.LittleEndian.Uint64(buf))
	assert.Equal(t, uint64(8), binary.LittleEndian.Uint64(buf[8:]))
}

func TestScanPoolDataEncode(t *testing.T) {
	buf := ScanPoolData{Start: 0x1000, End: 0x2000, Tag: 0x636F7250}.Encode()
	require.Len(t, buf, 24)
	assert.Equal(t, uint64(0x1000), binary.LittleEndian.Uint64(buf))
	assert.Equal(t, uint64(0x2000), binary.LittleEndian.Uint64(buf[8:]))
	assert.Equal(t, uint32(0x636F7250), binary.LittleEndian.Uint32(buf[16:]))
}

func TestHideProcessEncode(t *testing.T) {
	buf := HideProcess{Name: "notepad.exe"}.Encode()
	require.Len(t, buf, 24)
	assert.Equal(t, "notepad.exe", string(buf[:11]))
	assert.Equal(t, uint64(11), binary.LittleEndian.Uint64(buf[16:]))

	// Over-long names truncate to the driver's buffer.
	long := HideProcess{Name: "averylongprocessname.exe"}.Encode()
	assert.Equal(t, uint64(hideNameLength), binary.LittleEndian.Uint64(long[16:]))
}

func offsetSyms() *pdb.Store {
	return &pdb.Store{
		Symbols: map[string]uint64{
			"PsActiveProcessHead":  0x6000,
			"MiState":              0x5000,
			"PoolBigPageTable":     0x5100,
			"PoolBigPageTableSize": 0x5108,
		},
		Structs: map[string]pdb.Fields{
			"_EPROCESS": {
				"ImageFileName":      {Offset: 0x5A8},
				"ActiveProcessLinks": {Offset: 0x448},
			},
			"_LIST_ENTRY": {
				"Blink": {Offset: 8},
			},
			"_POOL_HEADER": {
				pdb.StructSizeField: {Offset: 0x10},
			},
			"_MI_SYSTEM_INFORMATION": {
				"Hardware": {Offset: 0x1580},
			},
			"_MI_HARDWARE_STATE": {
				"SystemNodeNonPagedPool": {Offset: 0x10},
				"SystemNodeInformation":  {Offset: 0x20},
			},
			"_MI_SYSTEM_NODE_NONPAGED_POOL": {
				"NonPagedPoolFirstVa": {Offset: 0x48},
				"NonPagedPoolLastVa":  {Offset: 0x50},
			},
			"_MI_SYSTEM_NODE_INFORMATION": {
				"NonPagedPoolFirstVa": {Offset: 0x60},
				"NonPagedPoolLastVa":  {Offset: 0x68},
			},
		},
	}
}

func TestNewOffsetData(t *testing.T) {
	syms := offsetSyms()

	modern := NewOffsetData(syms, 19041)
	assert.Equal(t, uint64(0x5A8), modern.EprocessName)
	assert.Equal(t, uint64(0x10), modern.SystemNode)
	assert.Equal(t, uint64(0x48), modern.FirstVa)
	assert.Equal(t, uint64(0x10), modern.PoolChunkSize)

	older := NewOffsetData(syms, 17763)
	assert.Equal(t, uint64(0x20), older.SystemNode)
	assert.Equal(t, uint64(0x60), older.FirstVa)

	// Windows 7 has no MiState path; those fields stay zero.
	win7 := NewOffsetData(syms, 7601)
	assert.Zero(t, win7.SystemNode)
	assert.Zero(t, win7.FirstVa)
	assert.Equal(t, uint64(0x448), win7.EprocessLink)
}

func TestOffsetDataEncode(t *testing.T) {
	d := NewOffsetData(offsetSyms(), 19041)
	buf := d.Encode()
	require.Len(t, buf, 96)
	assert.Equal(t, d.EprocessName, binary.LittleEndian.Uint64(buf[0:]))
	assert.Equal(t, d.PoolChunkSize, binary.LittleEndian.Uint64(buf[88:]))
}

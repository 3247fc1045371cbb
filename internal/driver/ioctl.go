// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package driver speaks to the kernel-mode helper: service installation,
// load/unload, and the typed control-code catalogue. The payload encodings
// here are portable and unit-tested; the Windows transport lives behind a
// build tag.
package driver

import (
	"encoding/binary"

	"github.com/antimetal/poolview/pkg/pdb"
)

// Control codes follow the CTL_CODE composition over a custom device type.
const (
	deviceType = 40000

	methodBuffered  = 0
	methodInDirect  = 1
	methodOutDirect = 2
	methodNeither   = 3

	fileAnyAccess = 0
)

func ctlCode(function, method uint32) uint32 {
	return deviceType<<16 | fileAnyAccess<<14 | function<<2 | method
}

// The driver's control-code catalogue.
var (
	CodeSetupOffsets  = ctlCode(0x900, methodInDirect)
	CodeKernelBase    = ctlCode(0x901, methodOutDirect)
	CodeScanPool      = ctlCode(0x904, methodInDirect)
	CodeDerefVirtual  = ctlCode(0xA00, methodOutDirect)
	CodeDerefPhysical = ctlCode(0xA01, methodOutDirect)
	CodeHideProcess   = ctlCode(0xA02, methodInDirect)
)

// OffsetData is the setup-offsets payload: the per-build offsets the driver
// needs to walk its own side of the non-paged pool bookkeeping without a
// symbol store. Fixed little-endian layout of twelve 64-bit fields.
type OffsetData struct {
	EprocessName   uint64
	EprocessLink   uint64
	ListBlink      uint64
	ProcessHead    uint64
	MiState        uint64
	Hardware       uint64
	SystemNode     uint64
	FirstVa        uint64
	LastVa         uint64
	LargePageTable uint64
	LargePageSize  uint64
	PoolChunkSize  uint64
}

// NewOffsetData fills the payload for the detected build. Fields that a
// build's layout does not carry stay zero; the driver treats zero as
// "unavailable".
func NewOffsetData(syms *pdb.Store, build uint32) OffsetData {
	off := func(name string) uint64 {
		v, err := syms.Offset(name)
		if err != nil {
			return 0
		}
		return v
	}

	d := OffsetData{
		EprocessName:   off("_EPROCESS.ImageFileName"),
		EprocessLink:   off("_EPROCESS.ActiveProcessLinks"),
		ListBlink:      off("_LIST_ENTRY.Blink"),
		ProcessHead:    off("PsActiveProcessHead"),
		MiState:        off("MiState"),
		Hardware:       off("_MI_SYSTEM_INFORMATION.Hardware"),
		LargePageTable: off("PoolBigPageTable"),
		LargePageSize:  off("PoolBigPageTableSize"),
		PoolChunkSize:  off("_POOL_HEADER." + pdb.StructSizeField),
	}
	switch {
	case build >= 19041:
		d.SystemNode = off("_MI_HARDWARE_STATE.SystemNodeNonPagedPool")
		d.FirstVa = off("_MI_SYSTEM_NODE_NONPAGED_POOL.NonPagedPoolFirstVa")
		d.LastVa = off("_MI_SYSTEM_NODE_NONPAGED_POOL.NonPagedPoolLastVa")
	case build >= 17134:
		d.SystemNode = off("_MI_HARDWARE_STATE.SystemNodeInformation")
		d.FirstVa = off("_MI_SYSTEM_NODE_INFORMATION.NonPagedPoolFirstVa")
		d.LastVa = off("_MI_SYSTEM_NODE_INFORMATION.NonPagedPoolLastVa")
	}
	return d
}

// Encode renders the fixed 96-byte wire layout.
func (d OffsetData) Encode() []byte {
	buf := make([]byte, 0, 12*8)
	for _, v := range []uint64{
		d.EprocessName, d.EprocessLink, d.ListBlink, d.ProcessHead,
		d.MiState, d.Hardware, d.SystemNode, d.FirstVa, d.LastVa,
		d.LargePageTable, d.LargePageSize, d.PoolChunkSize,
	} {
		buf = binary.LittleEndian.AppendUint64(buf, v)
	}
	return buf
}

// DerefAddr is the read-virtual / read-physical request payload.
type DerefAddr struct {
	Addr uint64
	Size uint64
}

func (d DerefAddr) Encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf, d.Addr)
	binary.LittleEndian.PutUint64(buf[8:], d.Size)
	return buf
}

// ScanPoolData is the tag-scan request payload. The C layout pads the
// trailing tag to an eight-byte boundary.
type ScanPoolData struct {
	Start uint64
	End   uint64
	Tag   uint32
}

func (s ScanPoolData) Encode() []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf, s.Start)
	binary.LittleEndian.PutUint64(buf[8:], s.End)
	binary.LittleEndian.PutUint32(buf[16:], s.Tag)
	return buf
}

// hideNameLength matches the driver's fixed name buffer.
const hideNameLength = 15

// HideProcess is the hide-process demo payload. The C layout pads the name
// to an eight-byte boundary before the length.
type HideProcess struct {
	Name string
}

func (h HideProcess) Encode() []byte {
	buf := make([]byte, 24)
	n := copy(buf[:hideNameLength], h.Name)
	binary.LittleEndian.PutUint64(buf[16:], uint64(n))
	return buf
}

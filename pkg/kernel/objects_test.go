// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/poolview/pkg/kaddr"
)

func TestHexJSON(t *testing.T) {
	raw, err := json.Marshal(Hex(0xFFFFF80000100000))
	require.NoError(t, err)
	assert.Equal(t, `"0xfffff80000100000"`, string(raw))

	var h Hex
	require.NoError(t, json.Unmarshal(raw, &h))
	assert.Equal(t, Hex(0xFFFFF80000100000), h)

	assert.Error(t, json.Unmarshal([]byte(`"zz"`), &h))
}

func TestTimeStamp(t *testing.T) {
	ts := NewTimeStamp(time.Date(2020, 6, 1, 8, 30, 0, 0, time.UTC))
	assert.Equal(t, int64(1591000200), ts.Unix)
	assert.Equal(t, "Mon, 01 Jun 2020 08:30:00 +0000", ts.RFC2822)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "Waiting", ThreadStateName(5))
	assert.Equal(t, "Unknown(99)", ThreadStateName(99))
	assert.Equal(t, "Executive", WaitReasonName(0))
	assert.Equal(t, "WrQueue", WaitReasonName(15))
	assert.Equal(t, "IRP_MJ_CREATE", IRPName(0))
	assert.Equal(t, "IRP_MJ_PNP", IRPName(27))
	assert.Equal(t, "UNKNOWN", IRPName(28))
	assert.Equal(t, "FILE_DEVICE_DISK", DeviceTypeName(0x7))
	assert.Equal(t, "UNKNOWN", DeviceTypeName(0xFFFF))
}

// plantModule writes a loader entry with self-ringed link fields.
func plantModule(mem *fakeMem, addr uint64, base, size uint64, baseName string, nameBuf uint64) {
	mem.write64(addr, addr)         // InLoadOrderLinks
	mem.write64(addr+0x10, addr+0x10) // InMemoryOrderLinks
	mem.write64(addr+0x20, addr+0x20) // InInitializationOrderLinks
	mem.write64(addr+0x30, base)
	mem.write64(addr+0x38, base+0x1000)
	mem.write32(addr+0x40, uint32(size))
	plantUnicode(mem, addr+0x58, nameBuf, baseName)
}

func TestMakeModule(t *testing.T) {
	mem := newFakeMem()
	setupPoolRange(mem)
	s := testSession(t, mem)

	m1 := uint64(0x50000)
	m2 := uint64(0x51000)
	plantModule(mem, m1, 0xFFFFF80000100000, 0x80000, "ntoskrnl.exe", 0x9000)
	plantModule(mem, m2, 0xFFFFF80000200000, 0x10000, "hal.dll", 0x9100)
	// Link the two load-order entries into one ring.
	mem.write64(m1, m2)
	mem.write64(m2, m1)

	mod, err := s.MakeModule(kaddr.FromBase(m1), 0)
	require.NoError(t, err)
	assert.Equal(t, Hex(0xFFFFF80000100000), mod.DllBase)
	assert.Equal(t, Hex(0x80000), mod.Size)
	assert.Equal(t, "ntoskrnl.exe", mod.BaseName)
	// The load-order chain reaches the other entry; the self-ringed chains
	// stay empty.
	assert.Equal(t, []Hex{Hex(m2)}, mod.LdrLoad)
	assert.Empty(t, mod.LdrMem)
	assert.Empty(t, mod.LdrInit)
}

func TestWalkLoadedModules(t *testing.T) {
	mem := newFakeMem()
	setupPoolRange(mem)
	s := testSession(t, mem)

	head := mem.kernelBase + 0x6300
	m1 := uint64(0x50000)
	m2 := uint64(0x51000)
	plantModule(mem, m1, 0xFFFFF80000100000, 0x80000, "ntoskrnl.exe", 0x9000)
	plantModule(mem, m2, 0xFFFFF80000200000, 0x10000, "hal.dll", 0x9100)
	mem.write64(head, m1)
	mem.write64(m1, m2)
	mem.write64(m2, head)

	modules, err := s.WalkLoadedModules()
	require.NoError(t, err)
	require.Len(t, modules, 2)
	assert.Equal(t, "ntoskrnl.exe", modules[0].BaseName)
	assert.Equal(t, "hal.dll", modules[1].BaseName)
}

func TestMakeDriverDeviceTree(t *testing.T) {
	mem := newFakeMem()
	setupPoolRange(mem)
	s := testSession(t, mem)

	drv := uint64(0x50000)
	dev1 := uint64(0x60000)
	dev2 := uint64(0x61000)
	att := uint64(0x62000)

	plantUnicode(mem, drv+0x38, 0x9000, "\\Driver\\Disk")
	mem.write64(drv+0x8, dev1)
	// dev1: disk with one attached filter; dev2 follows in the NextDevice
	// chain.
	mem.write32(dev1+0x8, 0x7) // FILE_DEVICE_DISK
	mem.write64(dev1+0x18, dev2)
	mem.write64(dev1+0x20, att)
	mem.write32(dev2+0x8, 0x22) // FILE_DEVICE_UNKNOWN
	mem.write32(att+0x8, 0x7)

	d, err := s.MakeDriver(kaddr.FromBase(drv), 0)
	require.NoError(t, err)
	require.Len(t, d.DeviceTree, 2)
	assert.Equal(t, "FILE_DEVICE_DISK", d.DeviceTree[0].DeviceType)
	require.Len(t, d.DeviceTree[0].Attached, 1)
	assert.Equal(t, Hex(att), d.DeviceTree[0].Attached[0].Address)
	assert.Equal(t, "FILE_DEVICE_UNKNOWN", d.DeviceTree[1].DeviceType)
	assert.Empty(t, d.DeviceTree[1].Attached)
}

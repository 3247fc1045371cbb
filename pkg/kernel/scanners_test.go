// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// plantUnicode writes a _UNICODE_STRING at addr whose buffer lives at buf.
func plantUnicode(mem *fakeMem, addr, buf uint64, s string) {
	units := []rune(s)
	raw := make([]byte, 0, len(units)*2)
	for _, r := range units {
		raw = append(raw, byte(r), byte(r>>8))
	}
	mem.write16(addr, uint16(len(raw)))
	mem.write16(addr+2, uint16(len(raw)+2))
	mem.write64(addr+8, buf)
	mem.write(buf, raw)
}

func plantProcess(mem *fakeMem, addr, pid, ppid uint64, name string, created time.Time, dtb uint64) {
	mem.write64(addr+0x28, dtb)
	mem.write64(addr+0x100, filetime(created))
	mem.write64(addr+0x110, pid)
	mem.write64(addr+0x118, ppid)
	mem.write(addr+0x130, []byte(name))
	// Empty thread ring: the head links to itself.
	mem.write64(addr+0x140, addr+0x140)
	mem.write64(addr+0x148, addr+0x140)
}

func TestReadUnicodeString(t *testing.T) {
	mem := newFakeMem()
	s := testSession(t, mem)

	plantUnicode(mem, 0x8000, 0x9000, "\\Device\\HarddiskVolume2")
	got, err := s.ReadUnicodeString(0x8000)
	require.NoError(t, err)
	assert.Equal(t, "\\Device\\HarddiskVolume2", got)

	// Null address.
	_, err = s.ReadUnicodeString(0)
	assert.Error(t, err)

	// Zero length.
	mem.write16(0xA000, 0)
	mem.write16(0xA002, 8)
	mem.write64(0xA008, 0x9000)
	_, err = s.ReadUnicodeString(0xA000)
	assert.Error(t, err)

	// Odd length.
	mem.write16(0xB000, 3)
	mem.write16(0xB002, 8)
	mem.write64(0xB008, 0x9000)
	_, err = s.ReadUnicodeString(0xB000)
	assert.Error(t, err)

	// Length over capacity.
	mem.write16(0xC000, 0x20)
	mem.write16(0xC002, 0x10)
	mem.write64(0xC008, 0x9000)
	_, err = s.ReadUnicodeString(0xC000)
	assert.Error(t, err)

	// Null buffer.
	mem.write16(0xD000, 4)
	mem.write16(0xD002, 8)
	_, err = s.ReadUnicodeString(0xD000)
	assert.Error(t, err)
}

func TestScanProcesses(t *testing.T) {
	mem := newFakeMem()
	setupPoolRange(mem)
	s := testSession(t, mem)

	// Chunk: pool header + 0x10 slack + _EPROCESS.
	pool := uint64(testPoolStart + 0x200)
	plantChunk(mem, pool, 0x22, Tag("Proc"))
	obj := pool + 0x20
	plantProcess(mem, obj, 4321, 4, "notepad.exe", testBoot.Add(time.Hour), 0x1AD000)

	procs, err := s.ScanProcesses()
	require.NoError(t, err)
	require.Len(t, procs, 1)

	p := procs[0]
	assert.Equal(t, Hex(obj), p.Address)
	assert.Equal(t, Hex(pool), p.Pool)
	assert.Equal(t, "_EPROCESS", p.Type)
	assert.Equal(t, uint64(4321), p.PID)
	assert.Equal(t, uint64(4), p.PPID)
	assert.Equal(t, "notepad.exe", p.Name)
	assert.Equal(t, uint64(0x1AD000), p.DirectoryTable)
	assert.Equal(t, testBoot.Add(time.Hour).Unix(), p.CreateTime.Unix)
	assert.Empty(t, p.Threads)
}

func TestScanProcessesRejectsStaleMemory(t *testing.T) {
	mem := newFakeMem()
	setupPoolRange(mem)
	s := testSession(t, mem)

	// A chunk whose create time predates boot by far: stale pool reuse.
	pool := uint64(testPoolStart + 0x200)
	plantChunk(mem, pool, 0x22, Tag("Proc"))
	plantProcess(mem, pool+0x20, 99, 4, "ghost.exe", testBoot.Add(-48*time.Hour), 0)

	procs, err := s.ScanProcesses()
	require.NoError(t, err)
	assert.Empty(t, procs)
}

func TestScanThreadsExactChunkSkipsSweep(t *testing.T) {
	mem := newFakeMem()
	setupPoolRange(mem)
	s := testSession(t, mem)

	// header (0x10) + object header (0x30) + _ETHREAD (0x100) = 0x140.
	pool := uint64(testPoolStart + 0x300)
	plantChunk(mem, pool, 0x14, Tag("Thre"))
	obj := pool + 0x40
	// No create time: a freshly allocated thread.
	mem.write64(obj+0x90, 777) // Cid.UniqueProcess
	mem.write64(obj+0x98, 778) // Cid.UniqueThread
	mem.write64(obj+0x20, 0x2AAA0000)

	threads, err := s.ScanThreads()
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, Hex(obj), threads[0].Address)
	assert.Equal(t, uint64(777), threads[0].PID)
	assert.Equal(t, uint64(778), threads[0].TID)
	assert.Equal(t, Hex(0x2AAA0000), threads[0].Process)
	assert.Equal(t, "Initialized", threads[0].State)
}

func TestScanFiles(t *testing.T) {
	mem := newFakeMem()
	setupPoolRange(mem)
	s := testSession(t, mem)

	pool := uint64(testPoolStart + 0x400)
	plantChunk(mem, pool, 0x10, Tag("File")) // 0x100 >= 0x10 + 0x80
	obj := pool + 0x10
	mem.write16(obj, 5)            // Type
	mem.write16(obj+2, 0x80)       // Size == sizeof(_FILE_OBJECT)
	mem.data[obj+0x10] = 1         // ReadAccess
	mem.data[obj+0x13] = 1         // SharedRead
	plantUnicode(mem, obj+0x20, 0x9100, "\\Windows\\System32\\kernel32.dll")

	files, err := s.ScanFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
	f := files[0]
	assert.Equal(t, "\\Windows\\System32\\kernel32.dll", f.Path)
	assert.True(t, f.Access.Read)
	assert.True(t, f.Access.SharedRead)
	assert.False(t, f.Access.Write)
}

func TestScanFilesUnreadable(t *testing.T) {
	mem := newFakeMem()
	setupPoolRange(mem)
	s := testSession(t, mem)

	pool := uint64(testPoolStart + 0x400)
	plantChunk(mem, pool, 0x10, Tag("File"))
	obj := pool + 0x10
	mem.write16(obj, 5)
	mem.write16(obj+2, 0x80)

	files, err := s.ScanFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "[NOT READABLE]", files[0].Path)
}

func TestScanDrivers(t *testing.T) {
	mem := newFakeMem()
	setupPoolRange(mem)
	s := testSession(t, mem)

	pool := uint64(testPoolStart + 0x500)
	plantChunk(mem, pool, 0x16, Tag("Driv")) // 0x160 >= 0x10 + 0x150
	obj := pool + 0x10
	mem.write16(obj+2, 0x150) // Size == sizeof(_DRIVER_OBJECT)
	plantUnicode(mem, obj+0x38, 0x9200, "\\Driver\\Null")
	mem.write64(obj+0x18, 0xFFFFF80000100000) // DriverStart
	mem.write32(obj+0x20, 0x8000)             // DriverSize
	for i := uint64(0); i < MajorFunctionCount; i++ {
		mem.write64(obj+0x70+i*8, 0xFFFFF80000101000+i)
	}

	drivers, err := s.ScanDrivers()
	require.NoError(t, err)
	require.Len(t, drivers, 1)
	d := drivers[0]
	assert.Equal(t, "\\Driver\\Null", d.Device)
	assert.Equal(t, Hex(0xFFFFF80000100000), d.Start)
	assert.Equal(t, Hex(0x8000), d.Size)
	require.Len(t, d.MajorFunction, MajorFunctionCount)
	assert.Equal(t, Hex(0xFFFFF80000101000), d.MajorFunction[0])
	assert.Empty(t, d.DeviceTree)
}

func TestScanMutants(t *testing.T) {
	mem := newFakeMem()
	setupPoolRange(mem)
	s := testSession(t, mem)

	pool := uint64(testPoolStart + 0x600)
	plantChunk(mem, pool, 0x05, Tag("Muta")) // header + _KMUTANT exactly
	obj := pool + 0x10

	owner := uint64(testPoolStart + 0x5000)
	mem.write64(obj+0x18, owner)
	mem.write64(owner+0x90, 4321) // Cid.UniqueProcess
	mem.write64(owner+0x98, 17)   // Cid.UniqueThread

	mutants, err := s.ScanMutants()
	require.NoError(t, err)
	require.Len(t, mutants, 1)
	assert.Equal(t, Hex(obj), mutants[0].Address)
	assert.Equal(t, uint64(4321), mutants[0].PID)
	assert.Equal(t, uint64(17), mutants[0].TID)
}

func TestScanMutantsRejectsForeignOwner(t *testing.T) {
	mem := newFakeMem()
	setupPoolRange(mem)
	s := testSession(t, mem)

	pool := uint64(testPoolStart + 0x600)
	plantChunk(mem, pool, 0x05, Tag("Muta"))
	// Owner pointer outside the non-paged range: not a live mutant.
	mem.write64(pool+0x10+0x18, 0x1234)

	mutants, err := s.ScanMutants()
	require.NoError(t, err)
	assert.Empty(t, mutants)
}

func TestWalkActiveProcessList(t *testing.T) {
	mem := newFakeMem()
	setupPoolRange(mem)
	s := testSession(t, mem)

	head := mem.kernelBase + 0x6000
	p1 := uint64(0x50000)
	p2 := uint64(0x60000)
	plantProcess(mem, p1, 4, 0, "System", testBoot, 0x1000)
	plantProcess(mem, p2, 88, 4, "smss.exe", testBoot.Add(time.Minute), 0x2000)

	const linkOff = 0x120
	mem.write64(head, p1+linkOff)
	mem.write64(p1+linkOff, p2+linkOff)
	mem.write64(p2+linkOff, head)

	procs, err := s.WalkActiveProcessList()
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.Equal(t, "System", procs[0].Name)
	assert.Equal(t, uint64(4), procs[0].PID)
	assert.Equal(t, "smss.exe", procs[1].Name)
	// List-walked descriptors carry no pool address.
	assert.Equal(t, Hex(0), procs[0].Pool)
}

func TestWalkHandleTable(t *testing.T) {
	mem := newFakeMem()
	setupPoolRange(mem)
	s := testSession(t, mem)

	head := mem.kernelBase + 0x6200
	t1 := uint64(0x70000) // table with quota process
	t2 := uint64(0x71000) // system table, no quota process
	proc := uint64(0x50000)
	plantProcess(mem, proc, 4321, 4, "lsass.exe", testBoot, 0)

	const listOff = 0x20
	mem.write64(head, t1+listOff)
	mem.write64(t1+listOff, t2+listOff)
	mem.write64(t2+listOff, head)
	mem.write64(t1+0x10, proc)

	procs, err := s.WalkHandleTable()
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, Hex(proc), procs[0].Address)
	assert.Equal(t, "lsass.exe", procs[0].Name)
}

func TestWalkListCorruption(t *testing.T) {
	mem := newFakeMem()
	setupPoolRange(mem)
	s := testSession(t, mem, WithListBudget(4))

	head := mem.kernelBase + 0x6000
	// A self-looping node that never returns to the head.
	n := uint64(0x50000)
	mem.write64(head, n+0x120)
	mem.write64(n+0x120, n+0x120)

	_, err := s.WalkActiveProcessList()
	assert.ErrorIs(t, err, ErrCorruptList)
}

func TestWalkListBrokenChain(t *testing.T) {
	mem := newFakeMem()
	setupPoolRange(mem)
	s := testSession(t, mem)

	head := mem.kernelBase + 0x6000
	n := uint64(0x50000)
	mem.write64(head, n+0x120)
	// n's Flink reads as zero.

	_, err := s.WalkActiveProcessList()
	assert.ErrorIs(t, err, ErrCorruptList)
}

func TestUnloadedDrivers(t *testing.T) {
	mem := newFakeMem()
	s := testSession(t, mem)

	array := uint64(0x40000)
	mem.write64(mem.kernelBase+0x6400, array)
	mem.write32(mem.kernelBase+0x6408, 2)

	when := testBoot.Add(30 * time.Minute)
	for i := uint64(0); i < 2; i++ {
		slot := array + i*unloadedSlotSize
		plantUnicode(mem, slot, 0x41000+i*0x100, "olddrv.sys")
		mem.write64(slot+0x10, 0xFFFFF80000200000+i*0x10000)
		mem.write64(slot+0x18, 0xFFFFF80000210000+i*0x10000)
		mem.write64(slot+0x20, filetime(when))
	}

	drivers, err := s.UnloadedDrivers()
	require.NoError(t, err)
	require.Len(t, drivers, 2)
	assert.Equal(t, "olddrv.sys", drivers[0].Name)
	assert.Equal(t, Hex(0xFFFFF80000200000), drivers[0].Start)
	assert.Equal(t, when.Unix(), drivers[0].Time.Unix)
}

func TestUnloadedDriversClampsCount(t *testing.T) {
	mem := newFakeMem()
	s := testSession(t, mem)

	mem.write64(mem.kernelBase+0x6400, 0x40000)
	mem.write32(mem.kernelBase+0x6408, 1000)

	drivers, err := s.UnloadedDrivers()
	require.NoError(t, err)
	assert.Len(t, drivers, unloadedSlotMax)
}

func TestSSDT(t *testing.T) {
	mem := newFakeMem()
	s := testSession(t, mem)

	table := mem.kernelBase + 0x7000
	mem.write32(mem.kernelBase+0x7800, 3)
	// Entries are (target-table)<<4; negative offsets are legal.
	neg := int32(-(0x40 << 4))
	mem.write32(table, uint32(0x100<<4))
	mem.write32(table+4, uint32(neg))
	mem.write32(table+8, uint32(0x1000<<4))

	ssdt, err := s.SSDT()
	require.NoError(t, err)
	require.Len(t, ssdt, 3)
	assert.Equal(t, table+0x100, ssdt[0])
	assert.Equal(t, table-0x40, ssdt[1])
	assert.Equal(t, table+0x1000, ssdt[2])
}

// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"fmt"

	"github.com/antimetal/poolview/pkg/kaddr"
)

// Pool tags per object kind. Hosts older than Windows 8 mark protected
// object tags by setting the high bit of the last byte.
var (
	tagProcess       = Tag("Proc")
	tagProcessLegacy = PoolTag{'P', 'r', 'o', 0xe3}
	tagThread        = Tag("Thre")
	tagThreadLegacy  = PoolTag{'T', 'h', 'r', 0xe5}
	tagFile          = Tag("File")
	tagFileLegacy    = PoolTag{'F', 'i', 'l', 0xe5}
	tagDriver        = Tag("Driv")
	tagDriverLegacy  = PoolTag{'D', 'r', 'i', 0xf6}
	tagModule        = Tag("MmLd")
	tagMutant        = Tag("Muta")
	tagMutantLegacy  = PoolTag{'M', 'u', 't', 0xe1}
)

func (s *Session) pickTag(modern, legacy PoolTag) PoolTag {
	if s.UseOldTag() {
		return legacy
	}
	return modern
}

// sweep advances a candidate pointer through [dataAddr, poolAddr+chunkSize-objSize]
// four bytes at a time until ok accepts it. It returns the zero Address and
// false when the window is exhausted.
func (s *Session) sweep(poolAddr, dataAddr, chunkSize, objSize uint64, ok func(kaddr.Address) bool) (kaddr.Address, bool) {
	end := poolAddr + chunkSize - objSize
	for ptr := dataAddr; ptr <= end; ptr += 4 {
		a := kaddr.FromBase(ptr)
		if ok(a) {
			return a, true
		}
	}
	return kaddr.Address{}, false
}

// ScanProcesses carves _EPROCESS objects out of the non-paged pool. The
// discriminator is a CreateTime inside the boot-to-now window.
func (s *Session) ScanProcesses() ([]Process, error) {
	var out []Process
	err := s.ScanPool(s.pickTag(tagProcess, tagProcessLegacy), "_EPROCESS",
		func(poolAddr uint64, header []byte, dataAddr uint64) (bool, error) {
			chunkSize := uint64(header[blockSizeIndex]) * poolGranularity
			objSize, err := s.syms.StructSize("_EPROCESS")
			if err != nil {
				return false, err
			}
			candidate, found := s.sweep(poolAddr, dataAddr, chunkSize, objSize, func(a kaddr.Address) bool {
				ct, err := s.Read(a, "_EPROCESS.CreateTime")
				return err == nil && s.ValidObjectTime(ct)
			})
			if !found {
				return false, nil
			}
			p, err := s.MakeProcess(candidate, poolAddr)
			if err != nil {
				return false, err
			}
			out = append(out, p)
			return true, nil
		})
	return out, err
}

// ScanThreads carves _ETHREAD objects. A chunk that holds exactly pool
// header + object header + _ETHREAD skips the discriminator sweep: a thread
// young enough may not have its create time populated yet, but its position
// in such a chunk is forced.
func (s *Session) ScanThreads() ([]Thread, error) {
	var out []Thread
	err := s.ScanPool(s.pickTag(tagThread, tagThreadLegacy), "_ETHREAD",
		func(poolAddr uint64, header []byte, dataAddr uint64) (bool, error) {
			chunkSize := uint64(header[blockSizeIndex]) * poolGranularity
			objSize, err := s.syms.StructSize("_ETHREAD")
			if err != nil {
				return false, err
			}
			headerSize, err := s.syms.StructSize("_POOL_HEADER")
			if err != nil {
				return false, err
			}
			objHeaderSize, err := s.syms.StructSize("_OBJECT_HEADER")
			if err != nil {
				return false, err
			}

			var candidate kaddr.Address
			if chunkSize == headerSize+objHeaderSize+objSize {
				candidate = kaddr.FromBase(poolAddr + chunkSize - objSize)
			} else {
				var found bool
				candidate, found = s.sweep(poolAddr, dataAddr, chunkSize, objSize, func(a kaddr.Address) bool {
					ct, err := s.Read(a, "_ETHREAD.CreateTime")
					return err == nil && s.ValidObjectTime(ct)
				})
				if !found {
					return false, nil
				}
			}
			t, err := s.MakeThread(candidate, poolAddr)
			if err != nil {
				return false, err
			}
			out = append(out, t)
			return true, nil
		})
	return out, err
}

// ScanFiles carves _FILE_OBJECT objects, discriminated by Type == 5 and the
// Size field matching sizeof(_FILE_OBJECT).
func (s *Session) ScanFiles() ([]FileObject, error) {
	var out []FileObject
	err := s.ScanPool(s.pickTag(tagFile, tagFileLegacy), "_FILE_OBJECT",
		func(poolAddr uint64, header []byte, dataAddr uint64) (bool, error) {
			chunkSize := uint64(header[blockSizeIndex]) * poolGranularity
			objSize, err := s.syms.StructSize("_FILE_OBJECT")
			if err != nil {
				return false, err
			}
			candidate, found := s.sweep(poolAddr, dataAddr, chunkSize, objSize, func(a kaddr.Address) bool {
				ftype, err := s.Read(a, "_FILE_OBJECT.Type")
				if err != nil || ftype != 5 {
					return false
				}
				size, err := s.Read(a, "_FILE_OBJECT.Size")
				return err == nil && size == objSize
			})
			if !found {
				return false, nil
			}
			f, err := s.makeFileObject(candidate, poolAddr)
			if err != nil {
				return false, err
			}
			out = append(out, f)
			return true, nil
		})
	return out, err
}

func (s *Session) makeFileObject(a kaddr.Address, pool uint64) (FileObject, error) {
	readOK, err := s.Read(a, "_FILE_OBJECT.ReadAccess")
	if err != nil {
		return FileObject{}, err
	}
	writeOK, _ := s.Read(a, "_FILE_OBJECT.WriteAccess")
	deleteOK, _ := s.Read(a, "_FILE_OBJECT.DeleteAccess")
	sharedRead, _ := s.Read(a, "_FILE_OBJECT.SharedRead")
	sharedWrite, _ := s.Read(a, "_FILE_OBJECT.SharedWrite")
	sharedDelete, _ := s.Read(a, "_FILE_OBJECT.SharedDelete")

	var path string
	if readOK == 0 {
		path = "[NOT READABLE]"
	} else if ptr, err := s.AddressOf(a, "_FILE_OBJECT.FileName"); err == nil {
		if name, err := s.ReadUnicodeString(ptr); err == nil {
			path = name
		} else {
			path = "[NOT A VALID _UNICODE_STRING]"
		}
	}

	var deviceName, hardware string
	if ptr, err := s.AddressOf(a, "_FILE_OBJECT.DeviceObject.DriverObject.DriverName"); err == nil {
		deviceName, _ = s.ReadUnicodeString(ptr)
	}
	if ptr, err := s.Read(a, "_FILE_OBJECT.DeviceObject.DriverObject.HardwareDatabase"); err == nil {
		hardware, _ = s.ReadUnicodeString(ptr)
	}

	return FileObject{
		Address:  Hex(a.Address()),
		Pool:     Hex(pool),
		Type:     "_FILE_OBJECT",
		Path:     path,
		Device:   deviceName,
		Hardware: hardware,
		Access: FileAccess{
			Read:         readOK == 1,
			Write:        writeOK == 1,
			Delete:       deleteOK == 1,
			SharedRead:   sharedRead == 1,
			SharedWrite:  sharedWrite == 1,
			SharedDelete: sharedDelete == 1,
		},
	}, nil
}

// ScanDrivers carves _DRIVER_OBJECT objects, discriminated by the Size
// field alone; the object type constant is undocumented.
func (s *Session) ScanDrivers() ([]Driver, error) {
	var out []Driver
	err := s.ScanPool(s.pickTag(tagDriver, tagDriverLegacy), "_DRIVER_OBJECT",
		func(poolAddr uint64, header []byte, dataAddr uint64) (bool, error) {
			chunkSize := uint64(header[blockSizeIndex]) * poolGranularity
			objSize, err := s.syms.StructSize("_DRIVER_OBJECT")
			if err != nil {
				return false, err
			}
			candidate, found := s.sweep(poolAddr, dataAddr, chunkSize, objSize, func(a kaddr.Address) bool {
				size, err := s.Read(a, "_DRIVER_OBJECT.Size")
				return err == nil && size == objSize
			})
			if !found {
				return false, nil
			}
			d, err := s.MakeDriver(candidate, poolAddr)
			if err != nil {
				return false, err
			}
			out = append(out, d)
			return true, nil
		})
	return out, err
}

// ScanModules carves loader data-table entries. MmLd chunks carry the entry
// directly behind the pool header, with no object header to skip.
func (s *Session) ScanModules() ([]Module, error) {
	var out []Module
	err := s.ScanPool(tagModule, "_LDR_DATA_TABLE_ENTRY",
		func(poolAddr uint64, header []byte, dataAddr uint64) (bool, error) {
			m, err := s.MakeModule(kaddr.FromBase(dataAddr), poolAddr)
			if err != nil {
				return false, err
			}
			out = append(out, m)
			return true, nil
		})
	return out, err
}

// ScanMutants carves _KMUTANT objects. The discriminator is weak: the owner
// thread pointer must lie in the non-paged range and resolve to a thread
// with a nonzero process id.
func (s *Session) ScanMutants() ([]Mutant, error) {
	start, end, err := s.NonPagedRange()
	if err != nil {
		return nil, err
	}

	var out []Mutant
	err = s.ScanPool(s.pickTag(tagMutant, tagMutantLegacy), "_KMUTANT",
		func(poolAddr uint64, header []byte, dataAddr uint64) (bool, error) {
			chunkSize := uint64(header[blockSizeIndex]) * poolGranularity
			objSize, err := s.syms.StructSize("_KMUTANT")
			if err != nil {
				return false, err
			}
			candidate, found := s.sweep(poolAddr, dataAddr, chunkSize, objSize, func(a kaddr.Address) bool {
				owner, err := s.Read(a, "_KMUTANT.OwnerThread")
				if err != nil || owner <= start || owner >= end {
					return false
				}
				pid, err := s.Read(kaddr.FromBase(owner), "_ETHREAD.Cid.UniqueProcess")
				return err == nil && pid != 0
			})
			if !found {
				return false, nil
			}

			owner, err := s.Read(candidate, "_KMUTANT.OwnerThread")
			if err != nil {
				return false, err
			}
			thread := kaddr.FromBase(owner)
			pid, _ := s.Read(thread, "_ETHREAD.Cid.UniqueProcess")
			tid, _ := s.Read(thread, "_ETHREAD.Cid.UniqueThread")
			var name string
			if ptr, err := s.AddressOf(thread, "_ETHREAD.ThreadName"); err == nil {
				name, _ = s.ReadUnicodeString(s.readScalar(ptr, 8))
			}
			out = append(out, Mutant{
				Address: Hex(candidate.Address()),
				Pool:    Hex(poolAddr),
				Type:    "_KMUTANT",
				PID:     pid,
				TID:     tid,
				Name:    name,
			})
			return true, nil
		})
	return out, err
}

// WalkActiveProcessList traverses PsActiveProcessHead.
func (s *Session) WalkActiveProcessList() ([]Process, error) {
	return s.walkProcessList("PsActiveProcessHead", "_EPROCESS.ActiveProcessLinks")
}

// WalkSchedulerList traverses KiProcessListHead through the embedded
// _KPROCESS entry.
func (s *Session) WalkSchedulerList() ([]Process, error) {
	return s.walkProcessList("KiProcessListHead", "_KPROCESS.ProcessListEntry")
}

func (s *Session) walkProcessList(headSymbol, entryPath string) ([]Process, error) {
	head, err := s.SymbolAddress(headSymbol)
	if err != nil {
		return nil, err
	}
	nodes, err := s.WalkList(head, entryPath)
	if err != nil {
		return nil, err
	}
	out := make([]Process, 0, len(nodes))
	for _, node := range nodes {
		p, err := s.MakeProcess(node, 0)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// WalkHandleTable traverses HandleTableListHead and reports each table's
// quota process; tables with no quota process are system-owned and skipped.
func (s *Session) WalkHandleTable() ([]Process, error) {
	head, err := s.SymbolAddress("HandleTableListHead")
	if err != nil {
		return nil, err
	}
	nodes, err := s.WalkList(head, "_HANDLE_TABLE.HandleTableList")
	if err != nil {
		return nil, err
	}
	var out []Process
	for _, node := range nodes {
		quota, err := s.Read(node, "_HANDLE_TABLE.QuotaProcess")
		if err != nil || quota == 0 {
			continue
		}
		p, err := s.MakeProcess(kaddr.FromBase(quota), 0)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// WalkLoadedModules traverses PsLoadedModuleList.
func (s *Session) WalkLoadedModules() ([]Module, error) {
	head, err := s.SymbolAddress("PsLoadedModuleList")
	if err != nil {
		return nil, err
	}
	nodes, err := s.WalkList(head, "_LDR_DATA_TABLE_ENTRY.InLoadOrderLinks")
	if err != nil {
		return nil, err
	}
	out := make([]Module, 0, len(nodes))
	for _, node := range nodes {
		m, err := s.MakeModule(node, 0)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Unloaded-driver slots are 0x28 bytes and the kernel keeps at most 0x32 of
// them, per MmLocateUnloadedDriver.
const (
	unloadedSlotSize = 0x28
	unloadedSlotMax  = 0x32
)

// UnloadedDrivers reads the MmUnloadedDrivers array.
func (s *Session) UnloadedDrivers() ([]UnloadedDriver, error) {
	arrayPtr, err := s.SymbolAddress("MmUnloadedDrivers")
	if err != nil {
		return nil, err
	}
	countPtr, err := s.SymbolAddress("MmLastUnloadedDriver")
	if err != nil {
		return nil, err
	}

	array := s.readScalar(arrayPtr.Address(), 8)
	if array == 0 {
		return nil, fmt.Errorf("unloaded driver array pointer is null")
	}
	count := s.readScalar(countPtr.Address(), 4)
	if count > unloadedSlotMax {
		count = unloadedSlotMax
	}

	out := make([]UnloadedDriver, 0, count)
	for i := uint64(0); i < count; i++ {
		slot := kaddr.FromBase(array + i*unloadedSlotSize)
		// The slot starts with the name's _UNICODE_STRING.
		name, _ := s.ReadUnicodeString(slot.Address())
		start, err := s.Read(slot, "_UNLOADED_DRIVERS.StartAddress")
		if err != nil {
			return out, err
		}
		end, err := s.Read(slot, "_UNLOADED_DRIVERS.EndAddress")
		if err != nil {
			return out, err
		}
		when, err := s.Read(slot, "_UNLOADED_DRIVERS.CurrentTime")
		if err != nil {
			return out, err
		}
		out = append(out, UnloadedDriver{
			Address: Hex(slot.Address()),
			Type:    "_UNLOADED_DRIVERS",
			Name:    name,
			Start:   Hex(start),
			End:     Hex(end),
			Time:    NewTimeStamp(FileTime(when)),
		})
	}
	return out, nil
}

// SSDT decodes the system service table: KiServiceLimit packed relative
// entries whose low four bits are argument metadata, added to the table
// base with signed arithmetic.
func (s *Session) SSDT() ([]uint64, error) {
	table, err := s.SymbolAddress("KiServiceTable")
	if err != nil {
		return nil, err
	}
	limitPtr, err := s.SymbolAddress("KiServiceLimit")
	if err != nil {
		return nil, err
	}
	limit := s.readScalar(limitPtr.Address(), 4)

	raw := s.ReadBlock(table.Address(), limit*4)
	out := make([]uint64, limit)
	for i := range out {
		entry := int32(uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 |
			uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24)
		out[i] = uint64(int64(table.Address()) + int64(entry>>4))
	}
	return out, nil
}

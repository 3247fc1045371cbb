// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"strings"

	"github.com/antimetal/poolview/pkg/kaddr"
)

// imageNameLength is the fixed size of _EPROCESS.ImageFileName.
const imageNameLength = 15

func asciiz(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00")
}

// MakeProcess extracts a process descriptor from an _EPROCESS at a.
func (s *Session) MakeProcess(a kaddr.Address, pool uint64) (Process, error) {
	createTime, err := s.Read(a, "_EPROCESS.CreateTime")
	if err != nil {
		return Process{}, err
	}
	exitTime, err := s.Read(a, "_EPROCESS.ExitTime")
	if err != nil {
		return Process{}, err
	}
	pid, err := s.Read(a, "_EPROCESS.UniqueProcessId")
	if err != nil {
		return Process{}, err
	}
	ppid, err := s.Read(a, "_EPROCESS.InheritedFromUniqueProcessId")
	if err != nil {
		return Process{}, err
	}
	nameRaw, err := s.ReadBytes(a, "_EPROCESS.ImageFileName", imageNameLength)
	if err != nil {
		return Process{}, err
	}
	dtb, err := s.Read(a, "_EPROCESS.Pcb.DirectoryTableBase")
	if err != nil {
		return Process{}, err
	}

	// ImageFilePointer exists only on Windows 10 Anniversary and later;
	// without it the path stays empty.
	var path string
	if ptr, err := s.AddressOf(a, "_EPROCESS.ImageFilePointer.FileName"); err == nil {
		path, _ = s.ReadUnicodeString(ptr)
	}

	var threads []Thread
	if head, err := s.syms.Offset("_EPROCESS.ThreadListHead"); err == nil {
		nodes, err := s.WalkList(a.Add(head), "_ETHREAD.ThreadListEntry")
		if err != nil {
			s.logger.V(1).Info("thread list walk failed",
				"process", Hex(a.Address()).String(), "error", err.Error())
		}
		for _, node := range nodes {
			t, err := s.MakeThread(node, 0)
			if err != nil {
				continue
			}
			threads = append(threads, t)
		}
	}

	return Process{
		Address:        Hex(a.Address()),
		Pool:           Hex(pool),
		Type:           "_EPROCESS",
		PID:            pid,
		PPID:           ppid,
		Name:           asciiz(nameRaw),
		Path:           path,
		DirectoryTable: dtb,
		CreateTime:     NewTimeStamp(FileTime(createTime)),
		ExitTime:       NewTimeStamp(FileTime(exitTime)),
		Threads:        threads,
	}, nil
}

// MakeThread extracts a thread descriptor from an _ETHREAD at a.
func (s *Session) MakeThread(a kaddr.Address, pool uint64) (Thread, error) {
	pid, err := s.Read(a, "_ETHREAD.Cid.UniqueProcess")
	if err != nil {
		return Thread{}, err
	}
	tid, err := s.Read(a, "_ETHREAD.Cid.UniqueThread")
	if err != nil {
		return Thread{}, err
	}
	owner, err := s.Read(a, "_ETHREAD.Tcb.Process")
	if err != nil {
		return Thread{}, err
	}
	state, _ := s.Read(a, "_ETHREAD.Tcb.State")
	waitReason, _ := s.Read(a, "_ETHREAD.Tcb.WaitReason")
	flags, _ := s.Read(a, "_ETHREAD.CrossThreadFlags")

	// ThreadName exists only on Windows 10 Anniversary and later.
	var name string
	if ptr, err := s.AddressOf(a, "_ETHREAD.ThreadName"); err == nil {
		name, _ = s.ReadUnicodeString(s.readScalar(ptr, 8))
	}

	return Thread{
		Address:          Hex(a.Address()),
		Pool:             Hex(pool),
		Type:             "_ETHREAD",
		TID:              tid,
		PID:              pid,
		Name:             name,
		Process:          Hex(owner),
		State:            ThreadStateName(state),
		WaitReason:       WaitReasonName(waitReason),
		CrossThreadFlags: flags,
	}, nil
}

// MakeDriver extracts a driver descriptor, including the device tree hanging
// off DeviceObject with each device's attachment chain.
func (s *Session) MakeDriver(a kaddr.Address, pool uint64) (Driver, error) {
	deviceNamePtr, err := s.AddressOf(a, "_DRIVER_OBJECT.DriverName")
	if err != nil {
		return Driver{}, err
	}
	serviceKeyPtr, _ := s.AddressOf(a, "_DRIVER_OBJECT.DriverExtension.ServiceKeyName")
	hardwarePtr, err := s.Read(a, "_DRIVER_OBJECT.HardwareDatabase")
	if err != nil {
		return Driver{}, err
	}
	start, _ := s.Read(a, "_DRIVER_OBJECT.DriverStart")
	init, _ := s.Read(a, "_DRIVER_OBJECT.DriverInit")
	unload, _ := s.Read(a, "_DRIVER_OBJECT.DriverUnload")
	size, _ := s.Read(a, "_DRIVER_OBJECT.DriverSize")

	raw, err := s.ReadArray(a, "_DRIVER_OBJECT.MajorFunction", MajorFunctionCount, 8)
	if err != nil {
		return Driver{}, err
	}
	major := make([]Hex, len(raw))
	for i, v := range raw {
		major[i] = Hex(v)
	}

	deviceName, _ := s.ReadUnicodeString(deviceNamePtr)
	serviceKey, _ := s.ReadUnicodeString(serviceKeyPtr)
	hardware, _ := s.ReadUnicodeString(hardwarePtr)

	return Driver{
		Address:       Hex(a.Address()),
		Pool:          Hex(pool),
		Type:          "_DRIVER_OBJECT",
		Device:        deviceName,
		Hardware:      hardware,
		ServiceKey:    serviceKey,
		Start:         Hex(start),
		Init:          Hex(init),
		Unload:        Hex(unload),
		Size:          Hex(size),
		MajorFunction: major,
		DeviceTree:    s.deviceTree(a),
	}, nil
}

func (s *Session) deviceTree(driver kaddr.Address) []Device {
	var devices []Device
	devPtr, err := s.Read(driver, "_DRIVER_OBJECT.DeviceObject")
	if err != nil {
		return nil
	}
	budget := s.walkBudget()
	for devPtr != 0 && uint64(len(devices)) < budget {
		dev := kaddr.FromBase(devPtr)
		devType, _ := s.Read(dev, "_DEVICE_OBJECT.DeviceType")

		var attached []Device
		attPtr, _ := s.Read(dev, "_DEVICE_OBJECT.AttachedDevice")
		for attPtr != 0 && uint64(len(attached)) < budget {
			att := kaddr.FromBase(attPtr)
			attType, _ := s.Read(att, "_DEVICE_OBJECT.DeviceType")
			attached = append(attached, Device{
				Address:    Hex(attPtr),
				Type:       "_DEVICE_OBJECT",
				DeviceType: DeviceTypeName(attType),
			})
			attPtr, _ = s.Read(att, "_DEVICE_OBJECT.AttachedDevice")
		}

		devices = append(devices, Device{
			Address:    Hex(devPtr),
			Type:       "_DEVICE_OBJECT",
			DeviceType: DeviceTypeName(devType),
			Attached:   attached,
		})
		devPtr, _ = s.Read(dev, "_DEVICE_OBJECT.NextDevice")
	}
	return devices
}

// MakeModule extracts a loader-table descriptor with the three load-order
// chains.
func (s *Session) MakeModule(a kaddr.Address, pool uint64) (Module, error) {
	dllBase, err := s.Read(a, "_LDR_DATA_TABLE_ENTRY.DllBase")
	if err != nil {
		return Module{}, err
	}
	entry, err := s.Read(a, "_LDR_DATA_TABLE_ENTRY.EntryPoint")
	if err != nil {
		return Module{}, err
	}
	size, err := s.Read(a, "_LDR_DATA_TABLE_ENTRY.SizeOfImage")
	if err != nil {
		return Module{}, err
	}
	fullPtr, err := s.AddressOf(a, "_LDR_DATA_TABLE_ENTRY.FullDllName")
	if err != nil {
		return Module{}, err
	}
	basePtr, err := s.AddressOf(a, "_LDR_DATA_TABLE_ENTRY.BaseDllName")
	if err != nil {
		return Module{}, err
	}

	fullName, _ := s.ReadUnicodeString(fullPtr)
	baseName, _ := s.ReadUnicodeString(basePtr)

	chain := func(entryPath string) []Hex {
		off, err := s.syms.Offset(entryPath)
		if err != nil {
			return nil
		}
		nodes, err := s.WalkList(a.Add(off), entryPath)
		if err != nil {
			s.logger.V(1).Info("loader chain walk failed", "path", entryPath, "error", err.Error())
		}
		out := make([]Hex, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, Hex(n.Address()))
		}
		return out
	}

	return Module{
		Address:  Hex(a.Address()),
		Pool:     Hex(pool),
		Type:     "_LDR_DATA_TABLE_ENTRY",
		DllBase:  Hex(dllBase),
		Entry:    Hex(entry),
		Size:     Hex(size),
		FullName: fullName,
		BaseName: baseName,
		LdrLoad:  chain("_LDR_DATA_TABLE_ENTRY.InLoadOrderLinks"),
		LdrMem:   chain("_LDR_DATA_TABLE_ENTRY.InMemoryOrderLinks"),
		LdrInit:  chain("_LDR_DATA_TABLE_ENTRY.InInitializationOrderLinks"),
	}, nil
}

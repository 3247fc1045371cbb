// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build windows

package driver

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/go-logr/logr"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"

	"github.com/antimetal/poolview/pkg/kernel"
	"github.com/antimetal/poolview/pkg/pdb"
)

var (
	ntdll              = windows.NewLazySystemDLL("ntdll.dll")
	procNtLoadDriver   = ntdll.NewProc("NtLoadDriver")
	procNtUnloadDriver = ntdll.NewProc("NtUnloadDriver")
)

// Channel owns the device handle and is the only place it lives; callers
// share the Channel value, never the handle.
type Channel struct {
	syms   *pdb.Store
	logger logr.Logger

	build    uint32
	bootTime time.Time
	handle   windows.Handle
}

// Compile-time check: the channel is the kernel session's transport.
var _ kernel.Memory = (*Channel)(nil)

// New detects the host version and prepares the service registry entry.
// The driver is not loaded until Startup.
func New(syms *pdb.Store, logger logr.Logger) (*Channel, error) {
	info := windows.RtlGetVersion()
	c := &Channel{
		syms:   syms,
		logger: logger.WithName("driver"),
		build:  info.BuildNumber,
		handle: windows.InvalidHandle,
	}
	// GetTickCount64 is milliseconds since boot.
	c.bootTime = time.Now().Add(-time.Duration(windows.GetTickCount64()) * time.Millisecond)

	c.logger.Info("host version",
		"major", info.MajorVersion, "minor", info.MinorVersion, "build", info.BuildNumber)

	if !kernel.SupportedBuild(c.build) {
		return nil, fmt.Errorf("%w: %d", kernel.ErrUnsupportedBuild, c.build)
	}
	if err := c.installService(); err != nil {
		return nil, err
	}
	return c, nil
}

// Build returns the host build number.
func (c *Channel) Build() uint32 { return c.build }

// BootTime returns the host boot time.
func (c *Channel) BootTime() time.Time { return c.bootTime }

// installService writes the service registry values the driver loader
// reads: Type=1 (kernel driver), ErrorControl=1, Start=3 (demand),
// ImagePath under SystemRoot. The entry persists across runs, which is
// benign.
func (c *Channel) installService() error {
	key, _, err := registry.CreateKey(registry.LOCAL_MACHINE, serviceKeyPath, registry.WRITE)
	if err != nil {
		return fmt.Errorf("failed to create service key: %w", err)
	}
	defer key.Close()

	if err := key.SetDWordValue("Type", 1); err != nil {
		return fmt.Errorf("failed to set service Type: %w", err)
	}
	if err := key.SetDWordValue("ErrorControl", 1); err != nil {
		return fmt.Errorf("failed to set service ErrorControl: %w", err)
	}
	if err := key.SetDWordValue("Start", 3); err != nil {
		return fmt.Errorf("failed to set service Start: %w", err)
	}
	if err := key.SetStringValue("ImagePath", driverImagePath); err != nil {
		return fmt.Errorf("failed to set service ImagePath: %w", err)
	}
	return nil
}

// enableLoadDriverPrivilege turns on SeLoadDriverPrivilege for this
// process token; NtLoadDriver refuses without it.
func enableLoadDriverPrivilege() error {
	var token windows.Token
	err := windows.OpenProcessToken(windows.CurrentProcess(), windows.TOKEN_ADJUST_PRIVILEGES, &token)
	if err != nil {
		return fmt.Errorf("failed to open process token: %w", err)
	}
	defer token.Close()

	var luid windows.LUID
	name, err := windows.UTF16PtrFromString("SeLoadDriverPrivilege")
	if err != nil {
		return err
	}
	if err := windows.LookupPrivilegeValue(nil, name, &luid); err != nil {
		return fmt.Errorf("failed to look up SeLoadDriverPrivilege: %w", err)
	}

	privs := windows.Tokenprivileges{
		PrivilegeCount: 1,
		Privileges: [1]windows.LUIDAndAttributes{{
			Luid:       luid,
			Attributes: windows.SE_PRIVILEGE_ENABLED,
		}},
	}
	err = windows.AdjustTokenPrivileges(token, false, &privs, 0, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to adjust token privileges: %w", err)
	}
	return nil
}

func ntRegistryPath() (*windows.NTUnicodeString, error) {
	return windows.NewNTUnicodeString(driverRegistryPath)
}

// Startup loads the driver, opens the device, and pushes the per-build
// offsets so the kernel side can navigate its own structures.
func (c *Channel) Startup() error {
	if err := enableLoadDriverPrivilege(); err != nil {
		return err
	}
	reg, err := ntRegistryPath()
	if err != nil {
		return err
	}
	status, _, _ := procNtLoadDriver.Call(uintptr(unsafe.Pointer(reg)))
	// STATUS_IMAGE_ALREADY_LOADED means a previous run left the driver in;
	// the device open below decides whether that is usable.
	c.logger.V(1).Info("NtLoadDriver", "status", fmt.Sprintf("0x%x", status))

	handle, err := windows.CreateFile(
		windows.StringToUTF16Ptr(devicePath),
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0, nil, windows.OPEN_EXISTING, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", devicePath, err)
	}
	c.handle = handle

	offsets := NewOffsetData(c.syms, c.build)
	if err := c.ioctl(CodeSetupOffsets, offsets.Encode(), nil); err != nil {
		return fmt.Errorf("failed to push offsets: %w", err)
	}
	return nil
}

// Shutdown closes the device and unloads the driver. The service registry
// entry stays behind.
func (c *Channel) Shutdown() error {
	if c.handle != windows.InvalidHandle {
		windows.CloseHandle(c.handle)
		c.handle = windows.InvalidHandle
	}
	reg, err := ntRegistryPath()
	if err != nil {
		return err
	}
	status, _, _ := procNtUnloadDriver.Call(uintptr(unsafe.Pointer(reg)))
	if status != 0 {
		return fmt.Errorf("NtUnloadDriver failed with status 0x%x", status)
	}
	return nil
}

// ioctl issues one control request. On failure the output buffer is
// zero-filled and the last-error surfaces in the returned error.
func (c *Channel) ioctl(code uint32, in, out []byte) error {
	var inPtr, outPtr *byte
	if len(in) > 0 {
		inPtr = &in[0]
	}
	if len(out) > 0 {
		outPtr = &out[0]
	}
	var returned uint32
	err := windows.DeviceIoControl(c.handle, code,
		inPtr, uint32(len(in)), outPtr, uint32(len(out)), &returned, nil)
	if err != nil {
		for i := range out {
			out[i] = 0
		}
		return fmt.Errorf("device io 0x%x failed: %w", code, err)
	}
	return nil
}

// ReadVirtual copies len(buf) bytes from a kernel virtual address.
func (c *Channel) ReadVirtual(addr uint64, buf []byte) error {
	return c.ioctl(CodeDerefVirtual, DerefAddr{Addr: addr, Size: uint64(len(buf))}.Encode(), buf)
}

// ReadPhysical copies from a physical address; the driver accepts only
// power-of-two sizes up to eight bytes.
func (c *Channel) ReadPhysical(addr uint64, buf []byte) error {
	n := len(buf)
	if n == 0 || n > 8 || n&(n-1) != 0 {
		return fmt.Errorf("physical read size must be a power of two up to 8, got %d", n)
	}
	return c.ioctl(CodeDerefPhysical, DerefAddr{Addr: addr, Size: uint64(n)}.Encode(), buf)
}

// FindPoolTag asks the driver for the next tag hit in [start, end).
func (c *Channel) FindPoolTag(tag kernel.PoolTag, start, end uint64) (uint64, bool, error) {
	var out [8]byte
	in := ScanPoolData{Start: start, End: end, Tag: tag.Uint32()}.Encode()
	if err := c.ioctl(CodeScanPool, in, out[:]); err != nil {
		return 0, false, err
	}
	hit := uint64(out[0]) | uint64(out[1])<<8 | uint64(out[2])<<16 | uint64(out[3])<<24 |
		uint64(out[4])<<32 | uint64(out[5])<<40 | uint64(out[6])<<48 | uint64(out[7])<<56
	if hit == 0 || hit >= end {
		return 0, false, nil
	}
	return hit, true, nil
}

// KernelBase asks the driver for the kernel image base.
func (c *Channel) KernelBase() (uint64, error) {
	var out [8]byte
	if err := c.ioctl(CodeKernelBase, nil, out[:]); err != nil {
		return 0, err
	}
	base := uint64(out[0]) | uint64(out[1])<<8 | uint64(out[2])<<16 | uint64(out[3])<<24 |
		uint64(out[4])<<32 | uint64(out[5])<<40 | uint64(out[6])<<48 | uint64(out[7])<<56
	return base, nil
}

// Hide issues the demo hide-process request. Never run it concurrently
// with a scan that reads process lists.
func (c *Channel) Hide(name string) error {
	return c.ioctl(CodeHideProcess, HideProcess{Name: name}.Encode(), nil)
}

// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kernel reconstructs kernel objects from live memory. A Session
// combines a Memory transport (the driver channel, or a fake in tests) with
// the symbol store and exposes typed reads over the field-path language, the
// non-paged pool carver, and bounded linked-list walks.
package kernel

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/poolview/pkg/bitmask"
	"github.com/antimetal/poolview/pkg/kaddr"
	"github.com/antimetal/poolview/pkg/pdb"
)

// Memory is the primitive read surface the driver channel provides. Reads
// that fail leave the buffer zero-filled and return the failure; most
// callers treat a failed read as a zero read and let validation reject the
// candidate downstream.
type Memory interface {
	// ReadVirtual copies len(buf) bytes from a kernel virtual address.
	ReadVirtual(addr uint64, buf []byte) error
	// ReadPhysical copies len(buf) bytes from a physical address.
	// Only power-of-two sizes up to 8 are supported by the driver.
	ReadPhysical(addr uint64, buf []byte) error
	// FindPoolTag returns the first occurrence of tag in [start, end) as a
	// pool header address, or found=false when the range holds no further
	// hits.
	FindPoolTag(tag PoolTag, start, end uint64) (hit uint64, found bool, err error)
	// KernelBase returns the load address of the kernel image.
	KernelBase() (uint64, error)
}

// PoolTag is a four-byte pool allocation tag.
type PoolTag [4]byte

// Tag builds a PoolTag from its ASCII spelling.
func Tag(s string) PoolTag {
	var t PoolTag
	copy(t[:], s)
	return t
}

func (t PoolTag) Uint32() uint32 {
	return binary.LittleEndian.Uint32(t[:])
}

func (t PoolTag) String() string {
	return string(t[:])
}

// Config carries the host facts a Session needs beyond the transport:
// the build number gates version-specific layouts, the boot time anchors
// object-time validity, and Now is split out for tests.
type Config struct {
	Build    uint32
	BootTime time.Time
	Now      func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// ErrUnsupportedBuild marks a host build outside the supported set.
var ErrUnsupportedBuild = fmt.Errorf("unsupported host build")

// SupportedBuild reports whether the non-paged pool discovery has a path for
// this build.
func SupportedBuild(build uint32) bool {
	switch build {
	case 7600, 7601, 17134, 17763, 18362, 18363, 19041:
		return true
	}
	return build >= 19536
}

// LegacyTags reports whether the build uses the old protected-object tags
// (high bit of the last byte set).
func LegacyTags(build uint32) bool {
	return build < 9200
}

// Session binds the transport to a symbol store.
type Session struct {
	mem    Memory
	syms   *pdb.Store
	cfg    Config
	logger logr.Logger

	listBudget uint64
}

type Option func(*Session)

// WithListBudget overrides the node budget applied to linked-list walks.
func WithListBudget(n uint64) Option {
	return func(s *Session) {
		s.listBudget = n
	}
}

func NewSession(mem Memory, syms *pdb.Store, cfg Config, logger logr.Logger, opts ...Option) *Session {
	s := &Session{
		mem:    mem,
		syms:   syms,
		cfg:    cfg,
		logger: logger.WithName("kernel"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Symbols returns the session's symbol store.
func (s *Session) Symbols() *pdb.Store { return s.syms }

// Logger returns the session's logger.
func (s *Session) Logger() logr.Logger { return s.logger }

// Build returns the host build number.
func (s *Session) Build() uint32 { return s.cfg.Build }

// UseOldTag selects the pre-Windows-8 tag variants.
func (s *Session) UseOldTag() bool { return LegacyTags(s.cfg.Build) }

// KernelBase returns the kernel image base as an Address. A transport
// failure yields the null address, which poisons downstream resolution.
func (s *Session) KernelBase() kaddr.Address {
	base, err := s.mem.KernelBase()
	if err != nil {
		s.logger.V(1).Info("kernel base query failed", "error", err.Error())
		return kaddr.FromBase(0)
	}
	return kaddr.FromBase(base)
}

// SymbolAddress returns the runtime address of a global kernel symbol.
func (s *Session) SymbolAddress(name string) (kaddr.Address, error) {
	rva, err := s.syms.Offset(name)
	if err != nil {
		return kaddr.Address{}, err
	}
	return s.KernelBase().Add(rva), nil
}

// readScalar reads up to 8 bytes at a concrete virtual address into a
// little-endian uint64. Failures read as zero.
func (s *Session) readScalar(addr uint64, width uint) uint64 {
	if addr == 0 {
		return 0
	}
	if width > 8 {
		width = 8
	}
	var buf [8]byte
	if err := s.mem.ReadVirtual(addr, buf[:width]); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func (s *Session) readScalarPhysical(addr uint64, width uint) uint64 {
	if addr == 0 {
		return 0
	}
	if width > 8 {
		width = 8
	}
	var buf [8]byte
	if err := s.mem.ReadPhysical(addr, buf[:width]); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// Resolver dereferences pointers through virtual memory; it is the resolver
// handed to kaddr chains.
func (s *Session) Resolver() kaddr.Resolver {
	return func(addr uint64) uint64 {
		return s.readScalar(addr, 8)
	}
}

// PhysicalResolver dereferences pointers through physical memory.
func (s *Session) PhysicalResolver() kaddr.Resolver {
	return func(addr uint64) uint64 {
		return s.readScalarPhysical(addr, 8)
	}
}

// AddressOf resolves the address of the field at path under a, crossing
// pointers as needed.
func (s *Session) AddressOf(a kaddr.Address, path string) (uint64, error) {
	d, err := s.syms.Decompose(a, path)
	if err != nil {
		return 0, err
	}
	return d.Addr.Get(s.Resolver()), nil
}

// Read resolves path under a and reads the leaf field's value, applying its
// bit extraction.
func (s *Session) Read(a kaddr.Address, path string) (uint64, error) {
	return s.read(a, path, s.Resolver(), s.readScalar)
}

// ReadPhysical is Read against physical memory; the paging structures are
// reached by physical address.
func (s *Session) ReadPhysical(a kaddr.Address, path string) (uint64, error) {
	return s.read(a, path, s.PhysicalResolver(), s.readScalarPhysical)
}

func (s *Session) read(a kaddr.Address, path string, resolve kaddr.Resolver, scalar func(uint64, uint) uint64) (uint64, error) {
	d, err := s.syms.Decompose(a, path)
	if err != nil {
		return 0, err
	}
	addr := d.Addr.Get(resolve)
	if addr == 0 {
		return 0, nil
	}
	return d.Extract(scalar(addr, d.Width)), nil
}

// ReadBytes resolves path under a and reads n bytes starting at the field.
func (s *Session) ReadBytes(a kaddr.Address, path string, n uint64) ([]byte, error) {
	d, err := s.syms.Decompose(a, path)
	if err != nil {
		return nil, err
	}
	addr := d.Addr.Get(s.Resolver())
	buf := make([]byte, n)
	if addr == 0 {
		return buf, nil
	}
	if err := s.mem.ReadVirtual(addr, buf); err != nil {
		return make([]byte, n), nil
	}
	return buf, nil
}

// ReadArray resolves path and reads count little-endian elements of width
// bytes each.
func (s *Session) ReadArray(a kaddr.Address, path string, count, width uint64) ([]uint64, error) {
	raw, err := s.ReadBytes(a, path, count*width)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, count)
	for i := range out {
		out[i] = bitmask.Narrow(binary.LittleEndian.Uint64(padTo8(raw[i*int(width):])), uint(width))
	}
	return out, nil
}

func padTo8(b []byte) []byte {
	if len(b) >= 8 {
		return b[:8]
	}
	out := make([]byte, 8)
	copy(out, b)
	return out
}

// ReadBlock copies n bytes from a concrete virtual address; failures yield a
// zero-filled buffer.
func (s *Session) ReadBlock(addr, n uint64) []byte {
	buf := make([]byte, n)
	if addr == 0 {
		return buf
	}
	if err := s.mem.ReadVirtual(addr, buf); err != nil {
		return make([]byte, n)
	}
	return buf
}

// ReadBlockPhysical copies n bytes from a physical address in 8-byte
// chunks, which is the largest unit the physical-read IOCTL accepts.
func (s *Session) ReadBlockPhysical(addr, n uint64) []byte {
	buf := make([]byte, n)
	if addr == 0 {
		return buf
	}
	for off := uint64(0); off < n; off += 8 {
		end := off + 8
		if end > n {
			end = n
		}
		var chunk [8]byte
		if err := s.mem.ReadPhysical(addr+off, chunk[:end-off]); err != nil {
			continue
		}
		copy(buf[off:end], chunk[:end-off])
	}
	return buf
}

// windowsEpochDiff is the span between the FILETIME epoch (1601) and the
// Unix epoch, in 100ns units.
const windowsEpochDiff = 11644473600000 * 10000

// FileTime converts a kernel FILETIME to wall-clock time. Values before the
// Unix epoch collapse to the epoch.
func FileTime(ft uint64) time.Time {
	if ft < windowsEpochDiff {
		return time.Unix(0, 0)
	}
	ms := (ft - windowsEpochDiff) / 10000
	return time.Unix(int64(ms/1000), int64(ms%1000)*int64(time.Millisecond))
}

// ValidObjectTime reports whether a FILETIME lies between shortly before
// boot and now. It is the cheap discriminator that rejects stale pool
// memory posing as a live process or thread.
func (s *Session) ValidObjectTime(ft uint64) bool {
	if ft < windowsEpochDiff {
		return false
	}
	t := FileTime(ft)
	earliest := s.cfg.BootTime.Add(-10 * time.Minute)
	return !t.Before(earliest) && !t.After(s.cfg.now())
}

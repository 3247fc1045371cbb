// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package paging walks process page tables and classifies page-table
// entries. Entry bit layouts come from the symbol store, not from compiled-in
// constants, so the classifier follows the host build's actual _MMPTE
// variants.
package paging

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/antimetal/poolview/pkg/bitmask"
	"github.com/antimetal/poolview/pkg/kaddr"
	"github.com/antimetal/poolview/pkg/kernel"
)

// State is the decoded kind of a page-table entry. Exactly one state holds
// for any 64-bit value: the probe order is valid bit, then prototype bit,
// then transition bit, then pagefile.
type State int

const (
	StateHardware State = iota
	StateTransition
	StatePrototype
	StatePagefile
)

func (s State) String() string {
	switch s {
	case StateHardware:
		return "hardware"
	case StateTransition:
		return "transition"
	case StatePrototype:
		return "prototype"
	case StatePagefile:
		return "pagefile"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// PTE is one page-table entry: its state, the physical address it was read
// from, and the raw value. State is fixed at construction.
type PTE struct {
	State   State
	Address uint64
	Raw     uint64
}

// Entries of the three upper levels share the hardware layout; the leaf
// level carries all four states.
type pteLayout struct {
	hwValid       bitmask.Extractor
	hwWrite       bitmask.Extractor
	hwCopyOnWrite bitmask.Extractor
	hwLargePage   bitmask.Extractor
	hwPFN         bitmask.Extractor
	hwNoExecute   bitmask.Extractor

	protoPrototype  bitmask.Extractor
	protoProtection bitmask.Extractor
	protoAddress    bitmask.Extractor

	transTransition bitmask.Extractor
	transProtection bitmask.Extractor
	transPFN        bitmask.Extractor

	softProtection   bitmask.Extractor
	softPageFileHigh bitmask.Extractor

	subsecProtection bitmask.Extractor
}

// Classifier decodes PTEs against one session's symbol layouts.
type Classifier struct {
	sess   *kernel.Session
	layout pteLayout
	logger logr.Logger
}

func NewClassifier(sess *kernel.Session, logger logr.Logger) (*Classifier, error) {
	c := &Classifier{sess: sess, logger: logger.WithName("pte")}

	syms := sess.Symbols()
	bits := func(path string) (bitmask.Extractor, error) {
		d, err := syms.Decompose(kaddr.FromBase(0), path)
		if err != nil {
			return nil, err
		}
		if d.Addr.Address() != 0 {
			return nil, fmt.Errorf("%s is not part of the entry word", path)
		}
		return d.Extract, nil
	}

	var err error
	assign := func(dst *bitmask.Extractor, path string) {
		if err != nil {
			return
		}
		*dst, err = bits(path)
	}

	assign(&c.layout.hwValid, "_MMPTE_HARDWARE.Valid")
	assign(&c.layout.hwWrite, "_MMPTE_HARDWARE.Write")
	assign(&c.layout.hwCopyOnWrite, "_MMPTE_HARDWARE.CopyOnWrite")
	assign(&c.layout.hwLargePage, "_MMPTE_HARDWARE.LargePage")
	assign(&c.layout.hwPFN, "_MMPTE_HARDWARE.PageFrameNumber")
	assign(&c.layout.hwNoExecute, "_MMPTE_HARDWARE.NoExecute")
	assign(&c.layout.protoPrototype, "_MMPTE_PROTOTYPE.Prototype")
	assign(&c.layout.protoProtection, "_MMPTE_PROTOTYPE.Protection")
	assign(&c.layout.protoAddress, "_MMPTE_PROTOTYPE.ProtoAddress")
	assign(&c.layout.transTransition, "_MMPTE_TRANSITION.Transition")
	assign(&c.layout.transProtection, "_MMPTE_TRANSITION.Protection")
	assign(&c.layout.transPFN, "_MMPTE_TRANSITION.PageFrameNumber")
	assign(&c.layout.softProtection, "_MMPTE_SOFTWARE.Protection")
	assign(&c.layout.softPageFileHigh, "_MMPTE_SOFTWARE.PageFileHigh")
	assign(&c.layout.subsecProtection, "_MMPTE_SUBSECTION.Protection")
	if err != nil {
		return nil, fmt.Errorf("PTE layouts unavailable in symbol store: %w", err)
	}
	return c, nil
}

// Classify decodes raw, read from physical address addr.
func (c *Classifier) Classify(addr, raw uint64) PTE {
	p := PTE{Address: addr, Raw: raw}
	switch {
	case c.layout.hwValid(raw) != 0:
		p.State = StateHardware
	case c.layout.protoPrototype(raw) != 0:
		p.State = StatePrototype
	case c.layout.transTransition(raw) != 0:
		p.State = StateTransition
	default:
		p.State = StatePagefile
	}
	return p
}

// ReadEntry reads and classifies the entry at physical address addr.
func (c *Classifier) ReadEntry(addr uint64) PTE {
	return c.Classify(addr, c.sess.PhysicalResolver()(addr))
}

// Present reports whether the entry maps a resident, valid page.
func (p PTE) Present() bool {
	return p.State == StateHardware
}

// PFN is defined for hardware and transition entries only.
func (c *Classifier) PFN(p PTE) (uint64, error) {
	switch p.State {
	case StateHardware:
		return c.layout.hwPFN(p.Raw), nil
	case StateTransition:
		return c.layout.transPFN(p.Raw), nil
	default:
		return 0, fmt.Errorf("no page frame number in %s state", p.State)
	}
}

// LargePage reports the large-page bit; only hardware entries can map large
// pages, non-resident ones never do.
func (c *Classifier) LargePage(p PTE) bool {
	return p.State == StateHardware && c.layout.hwLargePage(p.Raw) != 0
}

// The low three bits of the five-bit protection field select one of eight
// access classes: none, R, X, RX, RW, WC, RWX, RXWC. X lives in bit 1 of
// the class, W in bit 2.
func protExecutable(prot uint64) bool { return prot&0b010 != 0 }
func protWritable(prot uint64) bool   { return prot&0b100 != 0 }

// protoSentinel is the ProtoAddress value marking a VAD-backed prototype
// whose protection lives in the software PTE itself.
const protoSentinel = 0xFFFFFFFF0000

// canonical sign-extends a 48-bit prototype pointer into a kernel virtual
// address.
func canonical(addr uint64) uint64 {
	if addr&(1<<47) != 0 {
		return addr | 0xFFFF_0000_0000_0000
	}
	return addr
}

// access resolves the executable and writable bits for any entry state.
func (c *Classifier) access(p PTE) (exec, write bool, err error) {
	switch p.State {
	case StateHardware:
		// CopyOnWrite catches shared pages whose hardware write bit is
		// masked; remapping them writable is the DirtyVanity trick.
		exec = c.layout.hwNoExecute(p.Raw) == 0
		write = c.layout.hwWrite(p.Raw) != 0 || c.layout.hwCopyOnWrite(p.Raw) != 0
		return exec, write, nil
	case StateTransition:
		prot := c.layout.transProtection(p.Raw)
		return protExecutable(prot), protWritable(prot), nil
	case StatePrototype:
		return c.prototypeAccess(p)
	case StatePagefile:
		if c.layout.softPageFileHigh(p.Raw) == 0 {
			return false, false, fmt.Errorf("demand-zero entry has no protection")
		}
		prot := c.layout.softProtection(p.Raw)
		return protExecutable(prot), protWritable(prot), nil
	}
	return false, false, fmt.Errorf("unreachable state %s", p.State)
}

func (c *Classifier) prototypeAccess(p PTE) (bool, bool, error) {
	protoAddr := c.layout.protoAddress(p.Raw)
	if protoAddr == protoSentinel {
		prot := c.layout.softProtection(p.Raw)
		return protExecutable(prot), protWritable(prot), nil
	}
	if local := c.layout.protoProtection(p.Raw); local != 0 {
		return protExecutable(local), protWritable(local), nil
	}

	// One hop through the shared prototype PTE.
	raw := c.sess.Resolver()(canonical(protoAddr))
	proto := c.Classify(0, raw)
	switch proto.State {
	case StateHardware:
		exec := c.layout.hwNoExecute(raw) == 0
		write := c.layout.hwWrite(raw) != 0 || c.layout.hwCopyOnWrite(raw) != 0
		return exec, write, nil
	case StatePrototype:
		prot := c.layout.subsecProtection(raw)
		return protExecutable(prot), protWritable(prot), nil
	default:
		prot := c.layout.softProtection(raw)
		return protExecutable(prot), protWritable(prot), nil
	}
}

// Executable reports whether the entry's page can execute.
func (c *Classifier) Executable(p PTE) (bool, error) {
	exec, _, err := c.access(p)
	return exec, err
}

// Writable reports whether the entry's page can be written.
func (c *Classifier) Writable(p PTE) (bool, error) {
	_, write, err := c.access(p)
	return write, err
}

// prototypePteBit is the PrototypePte flag inside the _MMPFN.u4 qword. The
// union member is unnamed in the symbol file, so the placement is fixed
// here rather than resolved through the path language.
const prototypePteBit = 57

// Shared reports whether the entry's physical page is shared, by reading
// the page's PFN-database entry and testing its PrototypePte flag.
func (c *Classifier) Shared(p PTE) (bool, error) {
	pfn, err := c.PFN(p)
	if err != nil {
		return false, err
	}
	dbPtr, err := c.sess.SymbolAddress("MmPfnDatabase")
	if err != nil {
		return false, err
	}
	db := c.sess.Resolver()(dbPtr.Address())
	if db == 0 {
		return false, fmt.Errorf("PFN database pointer is null")
	}
	entrySize, err := c.sess.Symbols().StructSize("_MMPFN")
	if err != nil {
		return false, err
	}
	entry := kaddr.FromBase(db + pfn*entrySize)
	u4, err := c.sess.Read(entry, "_MMPFN.u4")
	if err != nil {
		return false, err
	}
	return bitmask.Extract(u4, prototypePteBit, 1) != 0, nil
}

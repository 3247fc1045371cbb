// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"fmt"
	"unicode/utf16"

	"github.com/antimetal/poolview/pkg/kaddr"
)

// ErrCorruptList marks a linked-list walk that exceeded its node budget
// without returning to the head. Kernel lists are rings; a walk that never
// re-enters the head has been tampered with or points into garbage.
var ErrCorruptList = fmt.Errorf("corrupt kernel list")

const defaultWalkBudget = 1 << 20

// walkBudget bounds list walks by the number of minimum-granularity chunks
// the non-paged pool could hold; no legitimate list has more nodes than the
// pool has allocations.
func (s *Session) walkBudget() uint64 {
	if s.listBudget != 0 {
		return s.listBudget
	}
	if start, end, err := s.NonPagedRange(); err == nil && end > start {
		s.listBudget = (end - start) / poolGranularity
	} else {
		s.listBudget = defaultWalkBudget
	}
	return s.listBudget
}

// WalkList follows the Flink chain anchored at head and resolves each node
// back to its containing object using the embedded list field named by
// entryPath (for example "_ETHREAD.ThreadListEntry"). The walk stops when
// it returns to head; a walk that outlives the node budget fails with
// ErrCorruptList.
func (s *Session) WalkList(head kaddr.Address, entryPath string) ([]kaddr.Address, error) {
	entryOff, err := s.syms.Offset(entryPath)
	if err != nil {
		return nil, err
	}

	budget := s.walkBudget()
	headAddr := head.Get(s.Resolver())
	if headAddr == 0 {
		return nil, nil
	}

	var out []kaddr.Address
	ptr := s.readScalar(headAddr, 8) // head Flink
	for ptr != headAddr {
		if ptr == 0 {
			return out, fmt.Errorf("%w: %s chain broke after %d nodes", ErrCorruptList, entryPath, len(out))
		}
		if uint64(len(out)) >= budget {
			return out, fmt.Errorf("%w: %s exceeded %d nodes", ErrCorruptList, entryPath, budget)
		}
		obj := kaddr.FromBase(ptr - entryOff)
		out = append(out, obj)
		next, err := s.Read(obj, entryPath+".Flink")
		if err != nil {
			return out, err
		}
		ptr = next
	}
	return out, nil
}

// ReadUnicodeString decodes the counted UTF-16 string structure at addr.
// Malformed strings (zero or odd length, length over capacity, null buffer)
// decode to the empty string with an error the callers usually discard.
func (s *Session) ReadUnicodeString(addr uint64) (string, error) {
	if addr == 0 {
		return "", fmt.Errorf("null unicode string")
	}

	lengthOff, err := s.syms.Offset("_UNICODE_STRING.Length")
	if err != nil {
		return "", err
	}
	capOff, err := s.syms.Offset("_UNICODE_STRING.MaximumLength")
	if err != nil {
		return "", err
	}
	bufOff, err := s.syms.Offset("_UNICODE_STRING.Buffer")
	if err != nil {
		return "", err
	}

	length := uint16(s.readScalar(addr+lengthOff, 2))
	capacity := uint16(s.readScalar(addr+capOff, 2))
	buffer := s.readScalar(addr+bufOff, 8)

	if buffer == 0 || length == 0 || length%2 != 0 || length > capacity {
		return "", fmt.Errorf("empty or malformed unicode string at 0x%x", addr)
	}

	raw := s.ReadBlock(buffer, uint64(length))
	units := make([]uint16, length/2)
	for i := range units {
		units[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}
	return string(utf16.Decode(units)), nil
}

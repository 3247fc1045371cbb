// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pdb parses the kernel's debug-symbol file and exposes global
// symbol RVAs, structure layouts with bitfield placement, and the
// Struct.Field.SubField path language used to resolve offsets against
// runtime addresses.
package pdb

import (
	"fmt"
	"sort"
	"strings"

	"github.com/antimetal/poolview/pkg/bitmask"
	"github.com/antimetal/poolview/pkg/kaddr"
)

// StructSizeField is the synthetic field holding an aggregate's size in
// bytes (in its Offset).
const StructSizeField = "struct_size"

var (
	ErrUnknownSymbol = fmt.Errorf("unknown symbol")
	ErrUnknownStruct = fmt.Errorf("unknown struct")
	ErrUnknownField  = fmt.Errorf("unknown field")
	ErrBadPath       = fmt.Errorf("path is not decomposable")
)

// Field is one member of a structure layout. Non-bitfield members have
// BitPos 0 and BitLen equal to eight times their byte size, capped at 64
// (wider members are read through a 64-bit window).
type Field struct {
	Type   string `json:"type"`
	Offset uint64 `json:"offset"`
	BitPos uint   `json:"bit_pos"`
	BitLen uint   `json:"bit_len"`
}

// Fields maps member name to layout.
type Fields map[string]Field

// Store holds the two read-only mappings extracted from the symbol file.
// It is immutable after construction and safe for concurrent readers.
// The exported maps make the store JSON-serializable for the on-disk cache.
type Store struct {
	Name    string            `json:"name"`
	GUID    string            `json:"guid"`
	Age     uint32            `json:"age"`
	Symbols map[string]uint64 `json:"symbols"`
	Structs map[string]Fields `json:"structs"`
}

// Offset looks up a symbol RVA, or for a one-hop "Struct.Field" path the
// field's byte offset. It does not cross pointers; use Decompose for full
// paths.
func (s *Store) Offset(name string) (uint64, error) {
	if strings.Contains(name, ".") {
		parts := strings.SplitN(name, ".", 3)
		fields, ok := s.Structs[parts[0]]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownStruct, parts[0])
		}
		f, ok := fields[parts[1]]
		if !ok {
			return 0, fmt.Errorf("%w: %q in %q", ErrUnknownField, parts[1], parts[0])
		}
		return f.Offset, nil
	}
	rva, ok := s.Symbols[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSymbol, name)
	}
	return rva, nil
}

// StructSize returns the size in bytes of a named aggregate.
func (s *Store) StructSize(name string) (uint64, error) {
	return s.Offset(name + "." + StructSizeField)
}

// HasSymbol reports whether a public symbol exists.
func (s *Store) HasSymbol(name string) bool {
	_, ok := s.Symbols[name]
	return ok
}

// SymbolAt reverse-resolves an RVA to a public symbol name.
func (s *Store) SymbolAt(rva uint64) (string, bool) {
	for name, off := range s.Symbols {
		if off == rva {
			return name, true
		}
	}
	return "", false
}

// Decomposed is the result of walking a field path: the address of the leaf
// field, the extractor isolating its bits, and the width in bytes that must
// be read to apply the extractor.
type Decomposed struct {
	Addr    kaddr.Address
	Extract bitmask.Extractor
	Width   uint
}

// Decompose walks path from root. Each hop adds the field's byte offset;
// crossing a pointer-typed field wraps the running address in an
// indirection and continues inside the pointed-to structure.
func (s *Store) Decompose(root kaddr.Address, path string) (Decomposed, error) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return Decomposed{}, fmt.Errorf("%w: %q", ErrBadPath, path)
	}
	return s.decompose(root, parts[0], parts[1:])
}

func (s *Store) decompose(addr kaddr.Address, structName string, rest []string) (Decomposed, error) {
	fields, ok := s.Structs[structName]
	if !ok {
		return Decomposed{}, fmt.Errorf("%w: %q", ErrUnknownStruct, structName)
	}
	f, ok := fields[rest[0]]
	if !ok {
		return Decomposed{}, fmt.Errorf("%w: %q in %q", ErrUnknownField, rest[0], structName)
	}
	next := addr.Add(f.Offset)
	if len(rest) == 1 {
		bitlen := f.BitLen
		if bitlen == 0 {
			bitlen = 64
		}
		return Decomposed{
			Addr:    next,
			Extract: bitmask.Range(f.BitPos, bitlen),
			Width:   (f.BitPos + bitlen + 7) / 8,
		}, nil
	}
	if inner, isPtr := strings.CutSuffix(f.Type, "*"); isPtr {
		return s.decompose(kaddr.FromPtr(next), inner, rest[1:])
	}
	return s.decompose(next, f.Type, rest[1:])
}

// DT renders a structure layout for interactive inspection, in field offset
// order.
func (s *Store) DT(structName string) (string, error) {
	fields, ok := s.Structs[structName]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStruct, structName)
	}

	type row struct {
		name string
		f    Field
	}
	rows := make([]row, 0, len(fields))
	for name, f := range fields {
		if name == StructSizeField {
			continue
		}
		rows = append(rows, row{name: name, f: f})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].f.Offset != rows[j].f.Offset {
			return rows[i].f.Offset < rows[j].f.Offset
		}
		return rows[i].f.BitPos < rows[j].f.BitPos
	})

	var b strings.Builder
	if size, err := s.StructSize(structName); err == nil {
		fmt.Fprintf(&b, "// 0x%x bytes\n", size)
	}
	fmt.Fprintf(&b, "struct %s {\n", structName)
	for _, r := range rows {
		if r.f.BitLen > 0 && (r.f.BitPos != 0 || r.f.BitLen%8 != 0) {
			fmt.Fprintf(&b, "  +0x%x %s %s : %d..%d;\n",
				r.f.Offset, r.f.Type, r.name, r.f.BitPos, r.f.BitPos+r.f.BitLen-1)
			continue
		}
		fmt.Fprintf(&b, "  +0x%x %s %s;\n", r.f.Offset, r.f.Type, r.name)
	}
	fmt.Fprintf(&b, "} // %s\n", structName)
	return b.String(), nil
}

// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pdb

import (
	"fmt"
	"path/filepath"
)

// Parse reads a debug-symbol file from disk and builds the Store: public
// symbols to RVAs, and per-aggregate field layouts with bitfield placement
// plus the synthetic struct_size field.
func Parse(path string) (*Store, error) {
	msf, err := openMSF(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	infoData, err := msf.stream(infoStream)
	if err != nil {
		return nil, fmt.Errorf("info stream: %w", err)
	}
	info, err := parseInfoStream(infoData)
	if err != nil {
		return nil, err
	}

	tpiData, err := msf.stream(tpiStream)
	if err != nil {
		return nil, fmt.Errorf("type stream: %w", err)
	}
	types, err := parseTypeStream(tpiData)
	if err != nil {
		return nil, err
	}

	dbiData, err := msf.stream(dbiStream)
	if err != nil {
		return nil, fmt.Errorf("DBI stream: %w", err)
	}
	symStream, sectionStream, err := parseDBI(dbiData)
	if err != nil {
		return nil, err
	}
	sectionData, err := msf.stream(sectionStream)
	if err != nil {
		return nil, fmt.Errorf("section header stream: %w", err)
	}
	symData, err := msf.stream(symStream)
	if err != nil {
		return nil, fmt.Errorf("symbol record stream: %w", err)
	}

	store := &Store{
		Name:    filepath.Base(path),
		GUID:    info.guidString(),
		Age:     info.Age,
		Symbols: parsePublics(symData, parseSectionHeaders(sectionData)),
		Structs: make(map[string]Fields),
	}

	// Two passes over the aggregates: sizes first, so leaf widths of
	// struct-typed members resolve while building field layouts.
	aggs := types.aggregates()
	sizes := make(map[string]uint64, len(aggs))
	for _, a := range aggs {
		sizes[a.name] = a.size
	}
	sizeOf := func(name string) (uint64, bool) {
		s, ok := sizes[name]
		return s, ok
	}

	for _, a := range aggs {
		fields := make(Fields)
		fields[StructSizeField] = Field{Type: "u32", Offset: a.size}
		for _, m := range types.members(a.fieldList) {
			f := Field{
				Type:   types.typeName(m.typeIndex),
				Offset: m.offset,
			}
			if pos, length, ok := types.bitfield(m.typeIndex); ok {
				f.BitPos = pos
				f.BitLen = length
			} else {
				f.BitLen = types.typeBits(m.typeIndex, sizeOf)
			}
			fields[m.name] = f
		}
		store.Structs[a.name] = fields
	}

	return store, nil
}

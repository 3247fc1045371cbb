// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pdb

import (
	"fmt"
	"strings"
)

// Type-stream leaf kinds. Only the subset emitted for C kernel structures is
// decoded; anything else is carried as an opaque record.
const (
	lfModifier  = 0x1001
	lfPointer   = 0x1002
	lfProcedure = 0x1008
	lfArgList   = 0x1201
	lfFieldList = 0x1203
	lfBitfield  = 0x1206
	lfEnumerate = 0x1502
	lfArray     = 0x1503
	lfClass     = 0x1504
	lfStructure = 0x1505
	lfUnion     = 0x1506
	lfEnum      = 0x1507
	lfMember    = 0x150d
	lfSTMember  = 0x150e
	lfNestType  = 0x1510

	lfBClass   = 0x1400
	lfVBClass  = 0x1401
	lfIVBClass = 0x1402
	lfIndex    = 0x1404
	lfVFuncTab = 0x1409
)

// propFwdRef marks a forward reference; such records carry no field list and
// are superseded by the defining record later in the stream.
const propFwdRef = 0x0080

const firstTypeIndex = 0x1000

type tpiHeader struct {
	Version         uint32
	HeaderSize      uint32
	TypeIndexBegin  uint32
	TypeIndexEnd    uint32
	TypeRecordBytes uint32
}

type typeRecord struct {
	kind    uint16
	payload []byte
}

// typeTable indexes raw type records by type index.
type typeTable struct {
	begin   uint32
	records []typeRecord
}

func parseTypeStream(data []byte) (*typeTable, error) {
	r := byteReader{buf: data}
	var hdr tpiHeader
	hdr.Version = r.u32()
	hdr.HeaderSize = r.u32()
	hdr.TypeIndexBegin = r.u32()
	hdr.TypeIndexEnd = r.u32()
	hdr.TypeRecordBytes = r.u32()
	if r.err != nil {
		return nil, fmt.Errorf("short type stream header: %w", r.err)
	}
	if int(hdr.HeaderSize) > len(data) || int(hdr.HeaderSize)+int(hdr.TypeRecordBytes) > len(data) {
		return nil, fmt.Errorf("type stream header sizes exceed stream length")
	}

	tbl := &typeTable{
		begin:   hdr.TypeIndexBegin,
		records: make([]typeRecord, 0, hdr.TypeIndexEnd-hdr.TypeIndexBegin),
	}
	rec := byteReader{buf: data[hdr.HeaderSize : hdr.HeaderSize+hdr.TypeRecordBytes]}
	for rec.remaining() >= 4 {
		length := rec.u16()
		if length < 2 {
			return nil, fmt.Errorf("type record with length %d", length)
		}
		kind := rec.u16()
		payload := rec.take(int(length) - 2)
		if rec.err != nil {
			return nil, fmt.Errorf("truncated type record: %w", rec.err)
		}
		tbl.records = append(tbl.records, typeRecord{kind: kind, payload: payload})
	}
	return tbl, nil
}

func (t *typeTable) record(index uint32) (typeRecord, bool) {
	if index < t.begin || index >= t.begin+uint32(len(t.records)) {
		return typeRecord{}, false
	}
	return t.records[index-t.begin], true
}

// typeName renders a type index the way struct field types are stored:
// primitive names, aggregate tag names, and a trailing star per pointer
// level.
func (t *typeTable) typeName(index uint32) string {
	if index < firstTypeIndex {
		return primitiveName(index)
	}
	rec, ok := t.record(index)
	if !ok {
		return "unknown"
	}
	r := byteReader{buf: rec.payload}
	switch rec.kind {
	case lfStructure, lfClass:
		r.u16() // member count
		r.u16() // property
		r.u32() // field list
		r.u32() // derivation list
		r.u32() // vshape
		r.numeric()
		return r.cstring()
	case lfUnion:
		r.u16()
		r.u16()
		r.u32()
		r.numeric()
		return r.cstring()
	case lfEnum:
		r.u16()
		r.u16()
		r.u32() // underlying type
		r.u32() // field list
		return r.cstring()
	case lfPointer:
		return t.typeName(r.u32()) + "*"
	case lfModifier:
		return t.typeName(r.u32())
	case lfBitfield:
		return t.typeName(r.u32())
	case lfArray:
		elem := r.u32()
		r.u32() // index type
		size := r.numeric()
		return fmt.Sprintf("%s[%d]", t.typeName(elem), size)
	case lfProcedure:
		return "proc"
	default:
		return fmt.Sprintf("leaf_%04x", rec.kind)
	}
}

// bitfield resolves a member type to its bitfield placement, if any.
func (t *typeTable) bitfield(index uint32) (pos, length uint, ok bool) {
	rec, found := t.record(index)
	if !found || rec.kind != lfBitfield {
		return 0, 0, false
	}
	r := byteReader{buf: rec.payload}
	r.u32() // underlying type
	l := r.u8()
	p := r.u8()
	if r.err != nil {
		return 0, 0, false
	}
	return uint(p), uint(l), true
}

// typeBits returns the width in bits of a leaf field of the given type,
// capped at 64 (wider fields are read through a 64-bit window).
func (t *typeTable) typeBits(index uint32, structSize func(name string) (uint64, bool)) uint {
	if index < firstTypeIndex {
		return primitiveBits(index)
	}
	rec, ok := t.record(index)
	if !ok {
		return 64
	}
	switch rec.kind {
	case lfPointer:
		return 64
	case lfModifier, lfBitfield:
		r := byteReader{buf: rec.payload}
		return t.typeBits(r.u32(), structSize)
	case lfEnum:
		r := byteReader{buf: rec.payload}
		r.u16()
		r.u16()
		return t.typeBits(r.u32(), structSize)
	case lfStructure, lfClass, lfUnion:
		if structSize != nil {
			if size, ok := structSize(t.typeName(index)); ok && size > 0 && size < 8 {
				return uint(size) * 8
			}
		}
		return 64
	default:
		return 64
	}
}

// member is one decoded field of an aggregate.
type member struct {
	name      string
	typeIndex uint32
	offset    uint64
}

// members decodes the LF_MEMBER entries of a fieldlist. Non-member entries
// are skipped; an entry this parser cannot size aborts the list, returning
// what was decoded so far.
func (t *typeTable) members(fieldList uint32) []member {
	rec, ok := t.record(fieldList)
	if !ok || rec.kind != lfFieldList {
		return nil
	}
	var out []member
	r := byteReader{buf: rec.payload}
	for r.err == nil && r.remaining() >= 2 {
		kind := r.u16()
		switch kind {
		case lfMember:
			r.u16() // attributes
			ti := r.u32()
			off := r.numeric()
			name := r.cstring()
			if r.err == nil {
				out = append(out, member{name: name, typeIndex: ti, offset: off})
			}
		case lfEnumerate:
			r.u16()
			r.numeric()
			r.cstring()
		case lfSTMember:
			r.u16()
			r.u32()
			r.cstring()
		case lfNestType:
			r.u16()
			r.u32()
			r.cstring()
		case lfBClass:
			r.u16()
			r.u32()
			r.numeric()
		case lfVBClass, lfIVBClass:
			r.u16()
			r.u32()
			r.u32()
			r.numeric()
			r.numeric()
		case lfVFuncTab:
			r.u16()
			r.u32()
		case lfIndex:
			// Continuation record: the remaining members live in another
			// fieldlist.
			r.u16()
			cont := r.u32()
			if r.err == nil {
				out = append(out, t.members(cont)...)
			}
			return out
		default:
			// Unknown sub-record; its length is unrecoverable.
			return out
		}
		r.skipPadding()
	}
	return out
}

// aggregate is a struct or union definition record.
type aggregate struct {
	name      string
	fieldList uint32
	size      uint64
}

// aggregates returns every defining (non-forward) struct and union record.
// When the same tag is defined more than once the later record wins, which
// matches how defining records follow their forward references.
func (t *typeTable) aggregates() []aggregate {
	var out []aggregate
	for i := range t.records {
		rec := t.records[i]
		if rec.kind != lfStructure && rec.kind != lfClass && rec.kind != lfUnion {
			continue
		}
		r := byteReader{buf: rec.payload}
		r.u16() // member count
		prop := r.u16()
		fieldList := r.u32()
		if rec.kind != lfUnion {
			r.u32() // derivation list
			r.u32() // vshape
		}
		size := r.numeric()
		name := r.cstring()
		if r.err != nil || prop&propFwdRef != 0 || fieldList == 0 {
			continue
		}
		if name == "" || strings.HasPrefix(name, "<unnamed") || strings.HasPrefix(name, "<anonymous") {
			continue
		}
		out = append(out, aggregate{name: name, fieldList: fieldList, size: size})
	}
	return out
}

// Primitive type indices. The mode nibble selects pointer flavors; anything
// pointer-moded is a 64-bit pointer on the targets this tool supports.
func primitiveName(index uint32) string {
	if mode := index & 0x0F00; mode != 0 {
		return primitiveName(index&0x00FF) + "*"
	}
	switch index {
	case 0x0003:
		return "void"
	case 0x0008:
		return "i32" // HRESULT
	case 0x0010:
		return "i8"
	case 0x0020:
		return "u8"
	case 0x0068:
		return "i8"
	case 0x0069:
		return "u8"
	case 0x0070:
		return "char"
	case 0x0071:
		return "wchar"
	case 0x0011, 0x0072:
		return "i16"
	case 0x0021, 0x0073:
		return "u16"
	case 0x0012, 0x0074:
		return "i32"
	case 0x0022, 0x0075:
		return "u32"
	case 0x0013, 0x0076:
		return "i64"
	case 0x0023, 0x0077:
		return "u64"
	case 0x0030:
		return "bool"
	case 0x0040:
		return "f32"
	case 0x0041:
		return "f64"
	default:
		return fmt.Sprintf("prim_%04x", index)
	}
}

func primitiveBits(index uint32) uint {
	if index&0x0F00 != 0 {
		return 64
	}
	switch index {
	case 0x0010, 0x0020, 0x0068, 0x0069, 0x0070, 0x0030:
		return 8
	case 0x0011, 0x0021, 0x0071, 0x0072, 0x0073:
		return 16
	case 0x0008, 0x0012, 0x0022, 0x0074, 0x0075, 0x0040:
		return 32
	default:
		return 64
	}
}

// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pdb

import (
	"encoding/binary"
	"fmt"
)

const (
	infoStream = 1
	tpiStream  = 2
	dbiStream  = 3
)

const sPub32 = 0x110e

// pdbInfo is the header of the info stream.
type pdbInfo struct {
	Version   uint32
	Signature uint32
	Age       uint32
	GUID      [16]byte
}

func parseInfoStream(data []byte) (pdbInfo, error) {
	var info pdbInfo
	if _, err := binary.Decode(data, binary.LittleEndian, &info); err != nil {
		return pdbInfo{}, fmt.Errorf("short info stream: %w", err)
	}
	return info, nil
}

// guidString renders the GUID the way the symbol server path expects:
// mixed-endian, upper-case hex, no dashes.
func (i pdbInfo) guidString() string {
	g := i.GUID
	return fmt.Sprintf("%02X%02X%02X%02X%02X%02X%02X%02X%02X%02X%02X%02X%02X%02X%02X%02X",
		g[3], g[2], g[1], g[0],
		g[5], g[4],
		g[7], g[6],
		g[8], g[9], g[10], g[11],
		g[12], g[13], g[14], g[15])
}

// dbiHeader is the fixed 64-byte prefix of the DBI stream. The substream
// sizes locate the optional debug header at the stream's tail.
type dbiHeader struct {
	VersionSignature        int32
	VersionHeader           uint32
	Age                     uint32
	GlobalStreamIndex       uint16
	BuildNumber             uint16
	PublicStreamIndex       uint16
	PdbDllVersion           uint16
	SymRecordStream         uint16
	PdbDllRbld              uint16
	ModInfoSize             int32
	SectionContributionSize int32
	SectionMapSize          int32
	SourceInfoSize          int32
	TypeServerMapSize       int32
	MFCTypeServerIndex      uint32
	OptionalDbgHeaderSize   int32
	ECSubstreamSize         int32
	Flags                   uint16
	Machine                 uint16
	Padding                 uint32
}

// dbgHeaderSectionHdr is the position of the section-header stream index in
// the optional debug header's array of stream indices.
const dbgHeaderSectionHdr = 5

type sectionHeader struct {
	Name           [8]byte
	VirtualSize    uint32
	VirtualAddress uint32
	Rest           [24]byte
}

// parseDBI returns the symbol-record stream index and the section-header
// stream index.
func parseDBI(data []byte) (symStream int, sectionStream int, err error) {
	var hdr dbiHeader
	if _, err := binary.Decode(data, binary.LittleEndian, &hdr); err != nil {
		return 0, 0, fmt.Errorf("short DBI header: %w", err)
	}
	dbgOff := 64 +
		int(hdr.ModInfoSize) +
		int(hdr.SectionContributionSize) +
		int(hdr.SectionMapSize) +
		int(hdr.SourceInfoSize) +
		int(hdr.TypeServerMapSize) +
		int(hdr.ECSubstreamSize)
	if dbgOff < 0 || dbgOff+int(hdr.OptionalDbgHeaderSize) > len(data) {
		return 0, 0, fmt.Errorf("DBI substream sizes exceed stream length")
	}
	dbg := data[dbgOff : dbgOff+int(hdr.OptionalDbgHeaderSize)]
	if len(dbg) < (dbgHeaderSectionHdr+1)*2 {
		return 0, 0, fmt.Errorf("DBI optional debug header has no section header stream")
	}
	sec := binary.LittleEndian.Uint16(dbg[dbgHeaderSectionHdr*2:])
	return int(hdr.SymRecordStream), int(sec), nil
}

func parseSectionHeaders(data []byte) []sectionHeader {
	const size = 40
	out := make([]sectionHeader, 0, len(data)/size)
	for off := 0; off+size <= len(data); off += size {
		var s sectionHeader
		if _, err := binary.Decode(data[off:off+size], binary.LittleEndian, &s); err != nil {
			break
		}
		out = append(out, s)
	}
	return out
}

// parsePublics walks the symbol-record stream and maps every public symbol
// to its RVA using the image section table.
func parsePublics(data []byte, sections []sectionHeader) map[string]uint64 {
	out := make(map[string]uint64)
	r := byteReader{buf: data}
	for r.err == nil && r.remaining() >= 4 {
		length := r.u16()
		if length < 2 {
			break
		}
		payload := r.take(int(length))
		if r.err != nil {
			break
		}
		rec := byteReader{buf: payload}
		kind := rec.u16()
		if kind != sPub32 {
			continue
		}
		rec.u32() // flags
		off := rec.u32()
		section := rec.u16()
		name := rec.cstring()
		if rec.err != nil || section == 0 || int(section) > len(sections) {
			continue
		}
		out[name] = uint64(sections[section-1].VirtualAddress) + uint64(off)
	}
	return out
}

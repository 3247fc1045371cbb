// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pdb

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Debug-symbol files are MSF 7.00 containers: a block-oriented virtual
// filesystem holding numbered streams. Stream 1 is the PDB info stream,
// stream 2 the type stream, stream 3 the DBI stream; the symbol-record
// stream index is named by the DBI header.
const msfMagic = "Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00"

const nilStreamSize = 0xFFFFFFFF

type superBlock struct {
	BlockSize         uint32
	FreeBlockMapBlock uint32
	NumBlocks         uint32
	NumDirectoryBytes uint32
	Unknown           uint32
	BlockMapAddr      uint32
}

// msfFile is a parsed MSF container with its stream table.
type msfFile struct {
	data       []byte
	blockSize  uint32
	streamSize []uint32
	streamBlks [][]uint32
}

func openMSF(path string) (*msfFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseMSF(data)
}

func parseMSF(data []byte) (*msfFile, error) {
	if len(data) < len(msfMagic)+24 || string(data[:len(msfMagic)]) != msfMagic {
		return nil, fmt.Errorf("not an MSF 7.00 file")
	}
	var sb superBlock
	if _, err := binary.Decode(data[len(msfMagic):], binary.LittleEndian, &sb); err != nil {
		return nil, fmt.Errorf("short superblock: %w", err)
	}
	if sb.BlockSize == 0 || sb.BlockSize%512 != 0 {
		return nil, fmt.Errorf("bad block size %d", sb.BlockSize)
	}
	if uint64(sb.NumBlocks)*uint64(sb.BlockSize) > uint64(len(data)) {
		return nil, fmt.Errorf("truncated file: %d blocks of %d bytes", sb.NumBlocks, sb.BlockSize)
	}

	m := &msfFile{data: data, blockSize: sb.BlockSize}

	// The block map lists the blocks holding the stream directory.
	numDirBlocks := ceilDiv(sb.NumDirectoryBytes, sb.BlockSize)
	blockMap, err := m.block(sb.BlockMapAddr)
	if err != nil {
		return nil, err
	}
	if uint32(len(blockMap)) < numDirBlocks*4 {
		return nil, fmt.Errorf("block map too small for %d directory blocks", numDirBlocks)
	}
	dir := make([]byte, 0, sb.NumDirectoryBytes)
	for i := uint32(0); i < numDirBlocks; i++ {
		idx := binary.LittleEndian.Uint32(blockMap[i*4:])
		blk, err := m.block(idx)
		if err != nil {
			return nil, err
		}
		dir = append(dir, blk...)
	}
	dir = dir[:sb.NumDirectoryBytes]

	if err := m.parseDirectory(dir); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *msfFile) block(idx uint32) ([]byte, error) {
	off := uint64(idx) * uint64(m.blockSize)
	if off+uint64(m.blockSize) > uint64(len(m.data)) {
		return nil, fmt.Errorf("block %d out of range", idx)
	}
	return m.data[off : off+uint64(m.blockSize)], nil
}

func (m *msfFile) parseDirectory(dir []byte) error {
	r := byteReader{buf: dir}
	numStreams := r.u32()
	m.streamSize = make([]uint32, numStreams)
	for i := range m.streamSize {
		m.streamSize[i] = r.u32()
	}
	m.streamBlks = make([][]uint32, numStreams)
	for i, size := range m.streamSize {
		if size == nilStreamSize {
			continue
		}
		n := ceilDiv(size, m.blockSize)
		blks := make([]uint32, n)
		for j := range blks {
			blks[j] = r.u32()
		}
		m.streamBlks[i] = blks
	}
	if r.err != nil {
		return fmt.Errorf("corrupt stream directory: %w", r.err)
	}
	return nil
}

// stream returns the full contents of stream idx.
func (m *msfFile) stream(idx int) ([]byte, error) {
	if idx < 0 || idx >= len(m.streamSize) || m.streamSize[idx] == nilStreamSize {
		return nil, fmt.Errorf("no stream %d", idx)
	}
	out := make([]byte, 0, m.streamSize[idx])
	for _, b := range m.streamBlks[idx] {
		blk, err := m.block(b)
		if err != nil {
			return nil, err
		}
		out = append(out, blk...)
	}
	return out[:m.streamSize[idx]], nil
}

func ceilDiv(a, b uint32) uint32 {
	return (a + b - 1) / b
}

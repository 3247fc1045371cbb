// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import "fmt"

// Pool chunk sizes are expressed in 16-byte units by the allocator; the
// BlockSize byte of the header times this granularity is the chunk length.
const poolGranularity = 16

// blockSizeIndex is the position of the BlockSize byte inside _POOL_HEADER:
// PreviousSize and PoolIndex share the first two bytes, BlockSize and
// PoolType the next two.
const blockSizeIndex = 2

// PoolHandler inspects one framed candidate chunk. Returning true accepts
// the chunk and resumes scanning after it; returning false resumes four
// bytes past the tag hit, since real objects can sit behind stale tag bytes
// inside a live chunk.
type PoolHandler func(poolAddr uint64, header []byte, dataAddr uint64) (bool, error)

// NonPagedRange discovers the non-paged pool's [start, end) for the host
// build. Three layouts exist across the supported set; anything else is
// ErrUnsupportedBuild.
func (s *Session) NonPagedRange() (start, end uint64, err error) {
	switch {
	case s.cfg.Build >= 19041:
		return s.nonPagedFromMiState("_MI_SYSTEM_INFORMATION.Hardware.SystemNodeNonPagedPool")
	case s.cfg.Build == 17134 || s.cfg.Build == 17763 ||
		s.cfg.Build == 18362 || s.cfg.Build == 18363:
		return s.nonPagedFromMiState("_MI_SYSTEM_INFORMATION.Hardware.SystemNodeInformation")
	case s.cfg.Build == 7600 || s.cfg.Build == 7601:
		startAddr, err := s.SymbolAddress("MmNonPagedPoolStart")
		if err != nil {
			return 0, 0, err
		}
		endAddr, err := s.SymbolAddress("MiNonPagedPoolEnd")
		if err != nil {
			return 0, 0, err
		}
		return s.readScalar(startAddr.Address(), 8), s.readScalar(endAddr.Address(), 8), nil
	default:
		return 0, 0, fmt.Errorf("%w: %d has no non-paged pool discovery path", ErrUnsupportedBuild, s.cfg.Build)
	}
}

func (s *Session) nonPagedFromMiState(nodePath string) (uint64, uint64, error) {
	miState, err := s.SymbolAddress("MiState")
	if err != nil {
		return 0, 0, err
	}
	first, err := s.Read(miState, nodePath+".NonPagedPoolFirstVa")
	if err != nil {
		return 0, 0, err
	}
	last, err := s.Read(miState, nodePath+".NonPagedPoolLastVa")
	if err != nil {
		return 0, 0, err
	}
	return first, last, nil
}

// ScanPool sweeps the non-paged pool for tag and frames every candidate
// chunk for handler. Chunks smaller than the pool header plus the expected
// structure are rejected without a callback; a chunk that would extend past
// the range end stops the scan.
func (s *Session) ScanPool(tag PoolTag, expectedStruct string, handler PoolHandler) error {
	headerSize, err := s.syms.StructSize("_POOL_HEADER")
	if err != nil {
		return err
	}
	objSize, err := s.syms.StructSize(expectedStruct)
	if err != nil {
		return err
	}
	minChunk := headerSize + objSize

	start, end, err := s.NonPagedRange()
	if err != nil {
		return err
	}
	s.logger.V(1).Info("pool scan",
		"tag", tag.String(), "struct", expectedStruct,
		"start", fmt.Sprintf("0x%x", start), "end", fmt.Sprintf("0x%x", end))

	ptr := start
	for ptr < end {
		hit, found, err := s.mem.FindPoolTag(tag, ptr, end)
		if err != nil {
			return fmt.Errorf("tag scan failed at 0x%x: %w", ptr, err)
		}
		if !found || hit >= end {
			break
		}

		// The driver reports hits as header addresses.
		poolAddr := hit
		header := s.ReadBlock(poolAddr, headerSize)
		chunkSize := uint64(header[blockSizeIndex]) * poolGranularity

		// Too-small candidates are rejected before the range-end check: a
		// stale header near the boundary must not end the sweep early.
		if chunkSize < minChunk {
			ptr = hit + 4
			continue
		}
		if poolAddr+chunkSize > end {
			break
		}

		accepted, err := handler(poolAddr, header, poolAddr+headerSize)
		if err != nil {
			// Recognizer errors reject the candidate, never the scan.
			s.logger.V(1).Info("handler rejected chunk",
				"pool", fmt.Sprintf("0x%x", poolAddr), "error", err.Error())
			accepted = false
		}
		if accepted {
			ptr = poolAddr + chunkSize
		} else {
			ptr = hit + 4
		}
	}
	return nil
}

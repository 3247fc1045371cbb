// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package paging

import "fmt"

// Translate resolves a user virtual address to its physical address by
// walking the four levels from dtb, honoring 1 GiB and 2 MiB large-page
// mappings. Non-resident pages fail; their contents are not recoverable
// through the physical-read path.
func (c *Classifier) Translate(dtb, vaddr uint64) (uint64, error) {
	pml4e := c.ReadEntry(dtb&pfnMask | vaddr>>39&0x1FF<<3)
	if !pml4e.Present() {
		return 0, fmt.Errorf("PML4 entry for 0x%x is not valid", vaddr)
	}
	pml4PFN, _ := c.PFN(pml4e)

	pdpte := c.ReadEntry(pml4PFN<<pageShift | vaddr>>30&0x1FF<<3)
	if !pdpte.Present() {
		return 0, fmt.Errorf("PDPT entry for 0x%x is not valid", vaddr)
	}
	pdptPFN, _ := c.PFN(pdpte)
	if c.LargePage(pdpte) {
		return pdptPFN<<pageShift&^(1<<30-1) | vaddr&(1<<30-1), nil
	}

	pde := c.ReadEntry(pdptPFN<<pageShift | vaddr>>21&0x1FF<<3)
	if !pde.Present() {
		return 0, fmt.Errorf("PD entry for 0x%x is not valid", vaddr)
	}
	pdPFN, _ := c.PFN(pde)
	if c.LargePage(pde) {
		return pdPFN<<pageShift&^(1<<21-1) | vaddr&(1<<21-1), nil
	}

	pte := c.ReadEntry(pdPFN<<pageShift | vaddr>>12&0x1FF<<3)
	if !pte.Present() {
		return 0, fmt.Errorf("PT entry for 0x%x is not valid", vaddr)
	}
	pfn, err := c.PFN(pte)
	if err != nil {
		return 0, err
	}
	return pfn<<pageShift | vaddr&(1<<pageShift-1), nil
}

// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package paging

const (
	entriesPerTable = 512
	pageShift       = 12

	// highestUserAddress bounds the walk to user-mode mappings.
	highestUserAddress = 0x7FFF_FFFF_FFFF

	// pfnMask isolates the physical frame bits of a table pointer.
	pfnMask = 0xF_FFFF_FFFF_F000
)

// WalkTables performs the four-level descent from a process's
// directory-table base and returns the flat list of leaf entries. Large
// pages short-circuit: a PDPT or PD entry with the large-page bit set is
// emitted as the leaf and nothing below it is visited. Leaf-level entries
// are emitted in every state; the scan recipes filter.
func (c *Classifier) WalkTables(dtb uint64) []PTE {
	var leaves []PTE

	tableBase := dtb & pfnMask
	for i4 := uint64(0); i4 < entriesPerTable; i4++ {
		if i4<<39 > highestUserAddress {
			break
		}
		pml4e := c.ReadEntry(tableBase | i4<<3)
		if !pml4e.Present() {
			continue
		}
		pml4PFN, _ := c.PFN(pml4e)

		for i3 := uint64(0); i3 < entriesPerTable; i3++ {
			pdpte := c.ReadEntry(pml4PFN<<pageShift | i3<<3)
			if !pdpte.Present() {
				continue
			}
			if c.LargePage(pdpte) {
				// 1 GiB page.
				leaves = append(leaves, pdpte)
				continue
			}
			pdptPFN, _ := c.PFN(pdpte)

			for i2 := uint64(0); i2 < entriesPerTable; i2++ {
				pde := c.ReadEntry(pdptPFN<<pageShift | i2<<3)
				if !pde.Present() {
					continue
				}
				if c.LargePage(pde) {
					// 2 MiB page.
					leaves = append(leaves, pde)
					continue
				}
				pdPFN, _ := c.PFN(pde)

				for i1 := uint64(0); i1 < entriesPerTable; i1++ {
					leaves = append(leaves, c.ReadEntry(pdPFN<<pageShift|i1<<3))
				}
			}
		}
	}
	return leaves
}

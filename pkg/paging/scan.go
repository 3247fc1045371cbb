// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package paging

// ScanRWX returns the present entries whose pages are both writable and
// executable.
func (c *Classifier) ScanRWX(dtb uint64) []PTE {
	var out []PTE
	for _, p := range c.WalkTables(dtb) {
		if !p.Present() {
			continue
		}
		exec, err := c.Executable(p)
		if err != nil || !exec {
			continue
		}
		write, err := c.Writable(p)
		if err != nil || !write {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ScanPrivateExecutable returns the present entries whose pages execute and
// are not shared with any other address space. File-backed images share
// their pages; private executable memory is where injected code lives.
func (c *Classifier) ScanPrivateExecutable(dtb uint64) []PTE {
	var out []PTE
	for _, p := range c.WalkTables(dtb) {
		if !p.Present() {
			continue
		}
		exec, err := c.Executable(p)
		if err != nil || !exec {
			continue
		}
		shared, err := c.Shared(p)
		if err != nil || shared {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ScanInjected unions the RWX and private-executable views, deduplicated by
// entry address. Either view alone misses cases; together they are the
// injected-code heuristic.
func (c *Classifier) ScanInjected(dtb uint64) []PTE {
	seen := make(map[uint64]PTE)
	for _, p := range c.ScanRWX(dtb) {
		seen[p.Address] = p
	}
	for _, p := range c.ScanPrivateExecutable(dtb) {
		seen[p.Address] = p
	}
	out := make([]PTE, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	return out
}

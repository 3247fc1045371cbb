// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package hexdump renders memory in the classic sixteen-bytes-per-line
// hex + ASCII layout.
package hexdump

import (
	"fmt"
	"io"
)

const bytesPerLine = 16

// Dump writes data to w, labeling each line with its address starting at
// base.
func Dump(w io.Writer, data []byte, base uint64) {
	for off := 0; off < len(data); off += bytesPerLine {
		end := off + bytesPerLine
		if end > len(data) {
			end = len(data)
		}
		line := data[off:end]

		fmt.Fprintf(w, "%016x  ", base+uint64(off))
		for i := 0; i < bytesPerLine; i++ {
			if i == bytesPerLine/2 {
				fmt.Fprint(w, " ")
			}
			if i < len(line) {
				fmt.Fprintf(w, "%02x ", line[i])
			} else {
				fmt.Fprint(w, "   ")
			}
		}
		fmt.Fprint(w, " |")
		for _, b := range line {
			if b >= 0x20 && b < 0x7F {
				fmt.Fprintf(w, "%c", b)
			} else {
				fmt.Fprint(w, ".")
			}
		}
		fmt.Fprintln(w, "|")
	}
}

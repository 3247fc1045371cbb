// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package repl is a line-oriented prompt over the scanner registry and the
// symbol store.
package repl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/antimetal/poolview/internal/report"
	"github.com/antimetal/poolview/internal/scan"
	"github.com/antimetal/poolview/pkg/kernel"
)

const prompt = "poolview> "

// Run reads commands from in until exit or EOF. Commands: help, exit,
// dt <struct>, offset <symbol>, psxview, and any registered scanner name.
func Run(sess *kernel.Session, reg *scan.Registry, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, prompt)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch cmd := fields[0]; cmd {
		case "exit", "quit":
			return nil
		case "help":
			printHelp(reg, out)
		case "dt":
			if len(fields) != 2 {
				fmt.Fprintln(out, "usage: dt <struct>")
				continue
			}
			layout, err := sess.Symbols().DT(fields[1])
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			fmt.Fprint(out, layout)
		case "offset":
			if len(fields) != 2 {
				fmt.Fprintln(out, "usage: offset <symbol | Struct.Field>")
				continue
			}
			off, err := sess.Symbols().Offset(fields[1])
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			fmt.Fprintf(out, "0x%x\n", off)
		case "psxview":
			report.PsxView(out, scan.CrossView(scan.Collect(sess)))
		default:
			fn := reg.Get(cmd)
			if fn == nil {
				fmt.Fprintf(out, "unknown command %q; try help\n", cmd)
				continue
			}
			result, err := fn(sess)
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			raw, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			fmt.Fprintln(out, string(raw))
		}
	}
}

func printHelp(reg *scan.Registry, out io.Writer) {
	fmt.Fprintln(out, "commands:")
	fmt.Fprintln(out, "  dt <struct>               print a structure layout")
	fmt.Fprintln(out, "  offset <name>             resolve a symbol or field offset")
	fmt.Fprintln(out, "  psxview                   cross-view process table")
	fmt.Fprintln(out, "  exit")
	names := reg.Names()
	sort.Strings(names)
	fmt.Fprintln(out, "scanners:")
	for _, n := range names {
		fmt.Fprintf(out, "  %s\n", n)
	}
}

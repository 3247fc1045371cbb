// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package report renders scan results as human-readable tables.
package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/antimetal/poolview/internal/scan"
	"github.com/antimetal/poolview/pkg/kernel"
	"github.com/antimetal/poolview/pkg/pdb"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoFormatHeaders(false)
	t.SetAutoWrapText(false)
	return t
}

// PsxView renders the cross-view comparison table.
func PsxView(w io.Writer, rows []scan.CrossViewRow) {
	t := newTable(w, []string{
		"Address", "Name", "pid", "ppid",
		"PoolTagScan", "ActiveProcessHead", "KiProcessListHead", "HandleTableList", "ThreadScan",
	})
	for _, r := range rows {
		t.Append([]string{
			r.Address.String(),
			r.Name,
			strconv.FormatUint(r.PID, 10),
			strconv.FormatUint(r.PPID, 10),
			strconv.FormatBool(r.PoolTagScan),
			strconv.FormatBool(r.ActiveHead),
			strconv.FormatBool(r.SchedulerList),
			strconv.FormatBool(r.HandleTable),
			strconv.FormatBool(r.ThreadScan),
		})
	}
	t.Render()
}

// Modules renders loaded-module records.
func Modules(w io.Writer, modules []kernel.Module) {
	t := newTable(w, []string{"Address", "Base name", "Base", "Size", "File"})
	for _, m := range modules {
		t.Append([]string{
			m.Address.String(), m.BaseName, m.DllBase.String(), m.Size.String(), m.FullName,
		})
	}
	t.Render()
}

// Drivers renders driver-object records.
func Drivers(w io.Writer, drivers []kernel.Driver) {
	t := newTable(w, []string{"Address", "Device", "Service key", "Start", "Size"})
	for _, d := range drivers {
		t.Append([]string{
			d.Address.String(), d.Device, d.ServiceKey, d.Start.String(), d.Size.String(),
		})
	}
	t.Render()
}

// Unloaded renders unloaded-driver slots.
func Unloaded(w io.Writer, drivers []kernel.UnloadedDriver) {
	t := newTable(w, []string{"Address", "Driver", "Start", "End", "Time"})
	for _, d := range drivers {
		t.Append([]string{
			d.Address.String(), d.Name, d.Start.String(), d.End.String(), d.Time.RFC2822,
		})
	}
	t.Render()
}

// Files renders file-object records.
func Files(w io.Writer, files []kernel.FileObject) {
	t := newTable(w, []string{"Address", "Path", "Device", "Access"})
	for _, f := range files {
		access := ""
		for _, bit := range []struct {
			set bool
			c   string
		}{
			{f.Access.Read, "r"}, {f.Access.Write, "w"}, {f.Access.Delete, "d"},
			{f.Access.SharedRead, "R"}, {f.Access.SharedWrite, "W"}, {f.Access.SharedDelete, "D"},
		} {
			if bit.set {
				access += bit.c
			} else {
				access += "-"
			}
		}
		t.Append([]string{f.Address.String(), f.Path, f.Device, access})
	}
	t.Render()
}

// kernelImageName is the loaded-module base name owning legitimate service
// table entries.
const kernelImageName = "ntoskrnl.exe"

// SSDT annotates each service-table entry with its owning module. With
// onlyHooked, entries owned by the kernel image are suppressed so only
// foreign or ownerless handlers print.
func SSDT(w io.Writer, entries []uint64, modules []kernel.Module, kernelBase uint64, syms *pdb.Store, onlyHooked bool) {
	owner := func(addr uint64) (string, bool) {
		for _, m := range modules {
			base := uint64(m.DllBase)
			if addr > base && addr < base+uint64(m.Size) {
				return m.BaseName, true
			}
		}
		return "", false
	}

	for idx, fn := range entries {
		name, found := owner(fn)
		switch {
		case found && name == kernelImageName:
			if onlyHooked {
				continue
			}
			symbol, ok := syms.SymbolAt(fn - kernelBase)
			if !ok {
				symbol = "(??)"
			}
			fmt.Fprintf(w, "SSDT [%d]\t0x%x\n\towned by nt!%s\n", idx, fn, symbol)
		case found:
			fmt.Fprintf(w, "SSDT [%d]\t0x%x\n\thooked by %s\n", idx, fn, name)
		default:
			fmt.Fprintf(w, "SSDT [%d]\t0x%x\n\tmissing owner\n", idx, fn)
		}
	}
}

// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package scan

import (
	"sort"

	"github.com/antimetal/poolview/pkg/kernel"
)

// CrossViewRow records one process address's presence in each of the five
// independent sources. A row that is absent from a linked-list view but
// present in a carved view is the unlinking signature; the table draws no
// conclusion itself.
type CrossViewRow struct {
	Address       kernel.Hex `json:"address"`
	Name          string     `json:"name"`
	PID           uint64     `json:"pid"`
	PPID          uint64     `json:"ppid"`
	PoolTagScan   bool       `json:"pool_tag_scan"`
	ActiveHead    bool       `json:"active_process_head"`
	SchedulerList bool       `json:"ki_process_list"`
	HandleTable   bool       `json:"handle_table_list"`
	ThreadScan    bool       `json:"thread_scan"`
}

// CrossViewSources carries the five collected views.
type CrossViewSources struct {
	PoolScan      []kernel.Process
	ActiveHead    []kernel.Process
	SchedulerList []kernel.Process
	HandleTable   []kernel.Process
	Threads       []kernel.Thread
}

// CrossView builds the comparison table over the union of all five
// sources' process addresses, sorted by address — thread back-pointers
// contribute addresses too, so a process reachable only through its
// threads still gets a row. Identity metadata prefers the active-list view
// and falls back to the pool scan.
func CrossView(src CrossViewSources) []CrossViewRow {
	index := func(procs []kernel.Process) map[kernel.Hex]kernel.Process {
		m := make(map[kernel.Hex]kernel.Process, len(procs))
		for _, p := range procs {
			m[p.Address] = p
		}
		return m
	}
	pool := index(src.PoolScan)
	active := index(src.ActiveHead)
	sched := index(src.SchedulerList)
	handle := index(src.HandleTable)

	threadOwners := make(map[kernel.Hex]bool, len(src.Threads))
	for _, t := range src.Threads {
		threadOwners[t.Process] = true
	}

	union := make(map[kernel.Hex]bool)
	for addr := range pool {
		union[addr] = true
	}
	for addr := range active {
		union[addr] = true
	}
	for addr := range sched {
		union[addr] = true
	}
	for addr := range handle {
		union[addr] = true
	}
	for addr := range threadOwners {
		union[addr] = true
	}

	rows := make([]CrossViewRow, 0, len(union))
	for addr := range union {
		identity, ok := active[addr]
		if !ok {
			identity = pool[addr]
			if _, ok := pool[addr]; !ok {
				if p, ok := sched[addr]; ok {
					identity = p
				} else {
					identity = handle[addr]
				}
			}
		}
		_, inPool := pool[addr]
		_, inActive := active[addr]
		_, inSched := sched[addr]
		_, inHandle := handle[addr]
		rows = append(rows, CrossViewRow{
			Address:       addr,
			Name:          identity.Name,
			PID:           identity.PID,
			PPID:          identity.PPID,
			PoolTagScan:   inPool,
			ActiveHead:    inActive,
			SchedulerList: inSched,
			HandleTable:   inHandle,
			ThreadScan:    threadOwners[addr],
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Address < rows[j].Address })
	return rows
}

// Collect runs the five cross-view sources against a session.
func Collect(s *kernel.Session) CrossViewSources {
	logFail := func(name string, err error) {
		if err != nil {
			s.Logger().Info("cross-view source failed", "source", name, "error", err.Error())
		}
	}
	pool, err := s.ScanProcesses()
	logFail(ProcessScan, err)
	active, err := s.WalkActiveProcessList()
	logFail(ActiveHead, err)
	sched, err := s.WalkSchedulerList()
	logFail(SchedulerList, err)
	handle, err := s.WalkHandleTable()
	logFail(HandleTableList, err)
	threads, err := s.ScanThreads()
	logFail(ThreadScan, err)

	return CrossViewSources{
		PoolScan:      pool,
		ActiveHead:    active,
		SchedulerList: sched,
		HandleTable:   handle,
		Threads:       threads,
	}
}

// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/poolview/pkg/kernel"
)

func proc(addr kernel.Hex, pid uint64, name string) kernel.Process {
	return kernel.Process{Address: addr, Type: "_EPROCESS", PID: pid, Name: name}
}

func TestCrossViewHiddenProcess(t *testing.T) {
	const (
		a = kernel.Hex(0x1000)
		b = kernel.Hex(0x2000)
		c = kernel.Hex(0x3000)
		h = kernel.Hex(0x4000)
	)
	src := CrossViewSources{
		PoolScan:      []kernel.Process{proc(a, 1, "a"), proc(b, 2, "b"), proc(c, 3, "c"), proc(h, 666, "hidden")},
		ActiveHead:    []kernel.Process{proc(a, 1, "a"), proc(b, 2, "b"), proc(c, 3, "c")},
		SchedulerList: []kernel.Process{proc(a, 1, "a"), proc(b, 2, "b"), proc(c, 3, "c")},
		HandleTable:   []kernel.Process{proc(a, 1, "a"), proc(b, 2, "b"), proc(c, 3, "c"), proc(h, 666, "hidden")},
	}

	rows := CrossView(src)
	require.Len(t, rows, 4)

	byAddr := make(map[kernel.Hex]CrossViewRow)
	for _, r := range rows {
		byAddr[r.Address] = r
	}

	hidden := byAddr[h]
	assert.True(t, hidden.PoolTagScan)
	assert.False(t, hidden.ActiveHead)
	assert.False(t, hidden.SchedulerList)
	assert.True(t, hidden.HandleTable)
	assert.Equal(t, "hidden", hidden.Name)
	assert.Equal(t, uint64(666), hidden.PID)

	visible := byAddr[a]
	assert.True(t, visible.PoolTagScan)
	assert.True(t, visible.ActiveHead)
	assert.True(t, visible.SchedulerList)
	assert.True(t, visible.HandleTable)
}

func TestCrossViewUnionLaw(t *testing.T) {
	src := CrossViewSources{
		PoolScan:      []kernel.Process{proc(0x1000, 1, "a")},
		ActiveHead:    []kernel.Process{proc(0x2000, 2, "b")},
		SchedulerList: []kernel.Process{proc(0x3000, 3, "c")},
		HandleTable:   []kernel.Process{proc(0x4000, 4, "d"), proc(0x1000, 1, "a")},
		Threads: []kernel.Thread{
			{Address: 0x9000, Process: 0x1000, TID: 11},
			{Address: 0x9100, Process: 0x5000, TID: 12}, // owner seen only via its thread
		},
	}

	rows := CrossView(src)

	got := make(map[kernel.Hex]bool)
	for _, r := range rows {
		got[r.Address] = true
	}
	// The table covers exactly the union of all five sources' address
	// sets; a process reachable only through a thread back-pointer still
	// gets a row.
	want := map[kernel.Hex]bool{0x1000: true, 0x2000: true, 0x3000: true, 0x4000: true, 0x5000: true}
	assert.Equal(t, want, got)

	for _, r := range rows {
		switch r.Address {
		case 0x1000, 0x5000:
			assert.True(t, r.ThreadScan)
		default:
			assert.False(t, r.ThreadScan)
		}
	}

	// Rows come back address-sorted.
	for i := 1; i < len(rows); i++ {
		assert.Less(t, rows[i-1].Address, rows[i].Address)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, r.Register("one", func(s *kernel.Session) (any, error) { return 1, nil }))
	require.NoError(t, r.Register("two", func(s *kernel.Session) (any, error) { return 2, nil }))

	assert.Error(t, r.Register("one", func(s *kernel.Session) (any, error) { return nil, nil }))
	assert.Error(t, r.Register("three", nil))

	assert.Equal(t, []string{"one", "two"}, r.Names())
	assert.NotNil(t, r.Get("one"))
	assert.Nil(t, r.Get("missing"))
}

func TestDefaultRegistry(t *testing.T) {
	r := Default(testLogger())
	want := []string{
		ProcessScan, ActiveHead, SchedulerList, HandleTableList, ThreadScan,
		DriverScan, ModuleScan, LoadedModules, UnloadedModules,
	}
	assert.Equal(t, want, r.Names())
}

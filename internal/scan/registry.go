// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package scan names the scanners, routes them through a registry, and
// compares their process views. Each scanner is an independent way of
// reaching kernel objects; disagreement between them is the detection
// signal.
package scan

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/antimetal/poolview/pkg/kernel"
)

// Scanner names. The ones Default registers are the keys of the aggregate
// JSON report; FileScan is not registered there.
const (
	ProcessScan     = "scan_eprocess"
	ThreadScan      = "scan_ethread"
	DriverScan      = "scan_driver"
	ModuleScan      = "scan_kernel_module"
	FileScan        = "scan_file_object"
	ActiveHead      = "traverse_activehead"
	SchedulerList   = "traverse_kiprocesslist"
	HandleTableList = "traverse_handletable"
	LoadedModules   = "traverse_loadedmodulelist"
	UnloadedModules = "traverse_unloadeddrivers"
)

// Func runs one scanner against a session and returns its descriptor slice.
type Func func(s *kernel.Session) (any, error)

// Registry maps scanner names to implementations, preserving registration
// order for the aggregate report.
type Registry struct {
	scanners map[string]Func
	order    []string
	logger   logr.Logger
}

func NewRegistry(logger logr.Logger) *Registry {
	return &Registry{
		scanners: make(map[string]Func),
		logger:   logger.WithName("registry"),
	}
}

func (r *Registry) Register(name string, fn Func) error {
	if fn == nil {
		return fmt.Errorf("cannot register nil scanner")
	}
	if _, exists := r.scanners[name]; exists {
		return fmt.Errorf("scanner %s already registered", name)
	}
	r.scanners[name] = fn
	r.order = append(r.order, name)
	r.logger.V(1).Info("registered scanner", "name", name)
	return nil
}

func (r *Registry) Get(name string) Func {
	return r.scanners[name]
}

// Names returns the registered scanner names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// RunAll executes every scanner sequentially (the device handle is
// single-owner; scans never run concurrently) and collects results by name.
// A scanner failure is recorded and skipped, never fatal to the run.
func (r *Registry) RunAll(s *kernel.Session) map[string]any {
	out := make(map[string]any, len(r.order))
	for _, name := range r.order {
		result, err := r.scanners[name](s)
		if err != nil {
			r.logger.Info("scanner failed", "name", name, "error", err.Error())
			continue
		}
		out[name] = result
	}
	return out
}

// Default registers the full scanner set.
func Default(logger logr.Logger) *Registry {
	r := NewRegistry(logger)
	register := func(name string, fn Func) {
		// Names are package constants; duplicates cannot happen here.
		if err := r.Register(name, fn); err != nil {
			panic(err)
		}
	}
	register(ProcessScan, func(s *kernel.Session) (any, error) { return s.ScanProcesses() })
	register(ActiveHead, func(s *kernel.Session) (any, error) { return s.WalkActiveProcessList() })
	register(SchedulerList, func(s *kernel.Session) (any, error) { return s.WalkSchedulerList() })
	register(HandleTableList, func(s *kernel.Session) (any, error) { return s.WalkHandleTable() })
	register(ThreadScan, func(s *kernel.Session) (any, error) { return s.ScanThreads() })
	register(DriverScan, func(s *kernel.Session) (any, error) { return s.ScanDrivers() })
	register(ModuleScan, func(s *kernel.Session) (any, error) { return s.ScanModules() })
	register(LoadedModules, func(s *kernel.Session) (any, error) { return s.WalkLoadedModules() })
	register(UnloadedModules, func(s *kernel.Session) (any, error) { return s.UnloadedDrivers() })
	return r
}

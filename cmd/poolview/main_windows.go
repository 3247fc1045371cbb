// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build windows

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/antimetal/poolview/internal/driver"
	"github.com/antimetal/poolview/internal/host"
	"github.com/antimetal/poolview/internal/repl"
	"github.com/antimetal/poolview/internal/report"
	"github.com/antimetal/poolview/internal/scan"
	"github.com/antimetal/poolview/pkg/hexdump"
	"github.com/antimetal/poolview/pkg/kernel"
	"github.com/antimetal/poolview/pkg/paging"
)

var (
	loadOnly   bool
	unloadOnly bool
	verbose    bool
)

func init() {
	flag.BoolVar(&loadOnly, "l", false, "Load the driver and exit")
	flag.BoolVar(&unloadOnly, "u", false, "Unload the driver and exit")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: poolview [-l | -u | -v] <command>")
	fmt.Fprintln(os.Stderr, "commands: repl, pdb [struct], psxview, unloadedmodules,")
	fmt.Fprintln(os.Stderr, "          modscan, driverscan, filescan, ssdt [-h],")
	fmt.Fprintln(os.Stderr, "          ptescan [-p pid | -n name], translate -p pid -a addr,")
	fmt.Fprintln(os.Stderr, "          hide_notepad")
}

func main() {
	flag.Usage = usage
	flag.Parse()

	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	zl, err := cfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := zapr.NewLogger(zl)

	if err := run(logger); err != nil {
		logger.Error(err, "poolview failed")
		os.Exit(1)
	}
}

func run(logger logr.Logger) error {
	ctx := context.Background()

	dataDir, err := host.DataDir()
	if err != nil {
		return err
	}

	driversDir := filepath.Join(os.Getenv("SystemRoot"), "System32", "DRIVERS")
	if _, err := driver.ExtractDriver(driversDir); err != nil {
		logger.V(1).Info("driver extraction skipped", "error", err.Error())
	}

	kernelImage := filepath.Join(os.Getenv("SystemRoot"), "System32", "ntoskrnl.exe")
	syms, err := host.LoadSymbols(ctx, kernelImage, dataDir, logger)
	if err != nil {
		return err
	}

	channel, err := driver.New(syms, logger)
	if err != nil {
		return err
	}

	if loadOnly {
		return channel.Startup()
	}
	if unloadOnly {
		return channel.Shutdown()
	}

	if err := channel.Startup(); err != nil {
		return err
	}
	defer func() {
		if err := channel.Shutdown(); err != nil {
			logger.Error(err, "driver unload failed")
		}
	}()

	sess := kernel.NewSession(channel, syms, kernel.Config{
		Build:    channel.Build(),
		BootTime: channel.BootTime(),
	}, logger)

	return dispatch(sess, channel, logger)
}

func dispatch(sess *kernel.Session, channel *driver.Channel, logger logr.Logger) error {
	args := flag.Args()
	if len(args) == 0 {
		usage()
		return fmt.Errorf("no command given")
	}

	switch cmd := args[0]; cmd {
	case "repl":
		return repl.Run(sess, scan.Default(logger), os.Stdin, os.Stdout)

	case "pdb":
		if len(args) > 1 {
			layout, err := sess.Symbols().DT(args[1])
			if err != nil {
				return err
			}
			fmt.Print(layout)
			return nil
		}
		fmt.Printf("%s guid %s age %d: %d symbols, %d structs\n",
			sess.Symbols().Name, sess.Symbols().GUID, sess.Symbols().Age,
			len(sess.Symbols().Symbols), len(sess.Symbols().Structs))
		return nil

	case "psxview":
		report.PsxView(os.Stdout, scan.CrossView(scan.Collect(sess)))
		return nil

	case "unloadedmodules":
		drivers, err := sess.UnloadedDrivers()
		if err != nil {
			return err
		}
		report.Unloaded(os.Stdout, drivers)
		return nil

	case "modscan":
		modules, err := sess.ScanModules()
		if err != nil {
			return err
		}
		report.Modules(os.Stdout, modules)
		return nil

	case "driverscan":
		drivers, err := sess.ScanDrivers()
		if err != nil {
			return err
		}
		report.Drivers(os.Stdout, drivers)
		return nil

	case "filescan":
		files, err := sess.ScanFiles()
		if err != nil {
			return err
		}
		report.Files(os.Stdout, files)
		return nil

	case "ssdt":
		fs := flag.NewFlagSet("ssdt", flag.ExitOnError)
		onlyHooked := fs.Bool("h", false, "print only hooked entries")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		entries, err := sess.SSDT()
		if err != nil {
			return err
		}
		modules, err := sess.WalkLoadedModules()
		if err != nil {
			return err
		}
		report.SSDT(os.Stdout, entries, modules, sess.KernelBase().Address(),
			sess.Symbols(), *onlyHooked)
		return nil

	case "ptescan":
		fs := flag.NewFlagSet("ptescan", flag.ExitOnError)
		pid := fs.Uint64("p", 0, "target process id")
		name := fs.String("n", "", "target process name")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		return pteScan(sess, logger, *pid, *name)

	case "translate":
		fs := flag.NewFlagSet("translate", flag.ExitOnError)
		pid := fs.Uint64("p", 0, "target process id")
		addr := fs.String("a", "", "virtual address to translate")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		vaddr, err := strconv.ParseUint(*addr, 0, 64)
		if err != nil {
			return fmt.Errorf("bad address %q: %w", *addr, err)
		}
		return translate(sess, logger, *pid, vaddr)

	case "hide_notepad":
		return channel.Hide("notepad.exe")

	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func findProcesses(sess *kernel.Session, pid uint64, name string) ([]kernel.Process, error) {
	procs, err := sess.ScanProcesses()
	if err != nil {
		return nil, err
	}
	if pid == 0 && name == "" {
		return procs, nil
	}
	var out []kernel.Process
	for _, p := range procs {
		if (pid != 0 && p.PID == pid) || (name != "" && p.Name == name) {
			out = append(out, p)
		}
	}
	return out, nil
}

// pteScanLimit bounds an unfiltered sweep; walking every process's tables
// takes minutes.
const pteScanLimit = 100

func pteScan(sess *kernel.Session, logger logr.Logger, pid uint64, name string) error {
	classifier, err := paging.NewClassifier(sess, logger)
	if err != nil {
		return err
	}
	procs, err := findProcesses(sess, pid, name)
	if err != nil {
		return err
	}
	if len(procs) == 0 {
		return fmt.Errorf("no matching process")
	}
	if pid == 0 && name == "" && len(procs) > pteScanLimit {
		logger.Info("limiting process sweep", "total", len(procs), "scanned", pteScanLimit)
		procs = procs[:pteScanLimit]
	}

	const pageSize = 0x1000
	for _, p := range procs {
		pages := classifier.ScanInjected(p.DirectoryTable)
		if len(pages) == 0 {
			continue
		}
		fmt.Printf("====== %d injected pages in process %s (pid %d) ======\n",
			len(pages), p.Name, p.PID)
		pfn, err := classifier.PFN(pages[0])
		if err != nil {
			continue
		}
		phys := pfn << 12
		fmt.Printf("injected code at physical 0x%x\n", phys)
		hexdump.Dump(os.Stdout, sess.ReadBlockPhysical(phys, pageSize), phys)
	}
	return nil
}

func translate(sess *kernel.Session, logger logr.Logger, pid, vaddr uint64) error {
	if pid == 0 {
		return fmt.Errorf("translate requires -p pid")
	}
	classifier, err := paging.NewClassifier(sess, logger)
	if err != nil {
		return err
	}
	procs, err := findProcesses(sess, pid, "")
	if err != nil {
		return err
	}
	if len(procs) != 1 {
		return fmt.Errorf("expected one process with pid %d, found %d", pid, len(procs))
	}
	pa, err := classifier.Translate(procs[0].DirectoryTable, vaddr)
	if err != nil {
		return err
	}
	fmt.Printf("0x%x -> 0x%x\n", vaddr, pa)
	return nil
}

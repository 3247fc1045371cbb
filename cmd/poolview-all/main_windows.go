// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build windows

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/antimetal/poolview/internal/driver"
	"github.com/antimetal/poolview/internal/host"
	"github.com/antimetal/poolview/internal/scan"
	"github.com/antimetal/poolview/pkg/kernel"
)

var outPath string

func init() {
	flag.StringVar(&outPath, "o", "poolview.json", "Output file for the aggregate report")
}

func main() {
	flag.Parse()

	zl, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := zapr.NewLogger(zl)

	if err := run(logger); err != nil {
		logger.Error(err, "poolview-all failed")
		os.Exit(1)
	}
}

func run(logger logr.Logger) error {
	dataDir, err := host.DataDir()
	if err != nil {
		return err
	}
	kernelImage := filepath.Join(os.Getenv("SystemRoot"), "System32", "ntoskrnl.exe")
	syms, err := host.LoadSymbols(context.Background(), kernelImage, dataDir, logger)
	if err != nil {
		return err
	}

	channel, err := driver.New(syms, logger)
	if err != nil {
		return err
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

	results := scan.Default(logger).RunAll(sess)

	if ssdt, err := sess.SSDT(); err == nil {
		entries := make([]kernel.Hex, len(ssdt))
		for i, fn := range ssdt {
			entries[i] = kernel.Hex(fn)
		}
		results["ssdt_table"] = entries
	} else {
		logger.Info("ssdt decode failed", "error", err.Error())
	}

	raw, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, raw, 0o644); err != nil {
		return err
	}
	logger.Info("report written", "path", outPath)
	return nil
}

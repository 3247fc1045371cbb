// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package host assembles the symbol store for the running kernel: debug
// directory lookup, the on-disk parse cache, and the symbol-server
// download.
package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"

	"github.com/antimetal/poolview/pkg/pdb"
	"github.com/antimetal/poolview/pkg/pdb/download"
	"github.com/antimetal/poolview/pkg/symcache"
)

// DataDir returns the per-user data directory, creating it if needed.
func DataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("no user config directory: %w", err)
	}
	dir := filepath.Join(base, "poolview")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// LoadSymbols builds the symbol store for the kernel image at imagePath.
// Parsed stores are cached under dataDir; symbol files download on first
// sight of a build.
func LoadSymbols(ctx context.Context, imagePath, dataDir string, logger logr.Logger) (*pdb.Store, error) {
	id, err := download.ImageBuildID(imagePath)
	if err != nil {
		return nil, err
	}
	logger.Info("kernel debug identity", "pdb", id.Name, "guid", id.GUID, "age", id.Age)

	cache, err := symcache.Open(filepath.Join(dataDir, "symcache"), logger)
	if err != nil {
		return nil, err
	}
	defer cache.Close()

	if store, hit, err := cache.Get(id.Name, id.GUID, id.Age); err == nil && hit {
		return store, nil
	}

	path, err := download.New(filepath.Join(dataDir, "symbols"), logger).Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	store, err := pdb.Parse(path)
	if err != nil {
		return nil, err
	}
	if err := cache.Put(store); err != nil {
		logger.V(1).Info("symbol cache write failed", "error", err.Error())
	}
	return store, nil
}

// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package driver

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed resource
var assets embed.FS

const driverFileName = serviceName + ".sys"

// ExtractDriver writes the embedded driver binary into dir and returns its
// path. Release builds embed the signed binary under resource/; a build
// without it fails here rather than at load time.
func ExtractDriver(dir string) (string, error) {
	data, err := assets.ReadFile("resource/" + driverFileName)
	if err != nil {
		return "", fmt.Errorf("no driver binary embedded in this build: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create driver directory: %w", err)
	}
	dest := filepath.Join(dir, driverFileName)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to extract driver: %w", err)
	}
	return dest, nil
}

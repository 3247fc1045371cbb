// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package driver

const (
	serviceName = "poolview"

	// The NT-namespace registry path NtLoadDriver expects.
	driverRegistryPath = `\Registry\Machine\System\CurrentControlSet\Services\` + serviceName
	// The Win32-namespace path of the same key.
	serviceKeyPath = `System\CurrentControlSet\Services\` + serviceName

	driverImagePath = `\SystemRoot\System32\DRIVERS\` + serviceName + `.sys`
	devicePath      = `\\.\` + serviceName
)

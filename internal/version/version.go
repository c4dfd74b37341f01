// SPDX-License-Identifier: MIT

// Package version carries the build identity stamped in via ldflags.
package version

var (
	// Version is the release tag, overridden by the build system.
	Version = "0.3.0"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

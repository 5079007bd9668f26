// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

// Package version records the framework version reported by the CSCP
// get_version command and printed by the cmd binaries.
package version

// Version is the framework version string. Overridden at build time
// via -ldflags for release builds.
var Version = "0.1.0-dev"

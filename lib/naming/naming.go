// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

// Package naming defines canonical satellite names. A canonical name
// is "type.name" where both halves are restricted to alphanumerics,
// underscore and dash. Matching elsewhere in the system (configuration
// lookup, connection lookup) is case-insensitive, while the canonical
// spelling is preserved for display and on the wire.
package naming

import (
	"fmt"
	"regexp"
	"strings"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// IsValidName reports whether s is a valid satellite type or name
// component.
func IsValidName(s string) bool {
	return namePattern.MatchString(s)
}

// Canonical joins a satellite type and name into the canonical
// "type.name" form. Returns an error if either component is invalid.
func Canonical(satelliteType, satelliteName string) (string, error) {
	if !IsValidName(satelliteType) {
		return "", fmt.Errorf("invalid satellite type %q", satelliteType)
	}
	if !IsValidName(satelliteName) {
		return "", fmt.Errorf("invalid satellite name %q", satelliteName)
	}
	return satelliteType + "." + satelliteName, nil
}

// Split separates a canonical name into its type and name components.
// Returns an error if s is not of the form "type.name".
func Split(s string) (satelliteType, satelliteName string, err error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 || !IsValidName(parts[0]) || !IsValidName(parts[1]) {
		return "", "", fmt.Errorf("not a canonical satellite name: %q", s)
	}
	return parts[0], parts[1], nil
}

// Equal reports whether two canonical names refer to the same
// satellite. Comparison is case-insensitive.
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Fold returns the case-insensitive lookup key for a name.
func Fold(s string) string {
	return strings.ToLower(s)
}

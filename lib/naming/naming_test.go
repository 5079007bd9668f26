// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

package naming

import "testing"

func TestCanonical(t *testing.T) {
	name, err := Canonical("Cam", "top_1")
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if name != "Cam.top_1" {
		t.Errorf("Canonical = %q, want %q", name, "Cam.top_1")
	}
}

func TestCanonicalRejectsInvalidComponents(t *testing.T) {
	cases := []struct{ satelliteType, satelliteName string }{
		{"", "x"},
		{"x", ""},
		{"a.b", "x"},
		{"x", "has space"},
		{"x", "ümlaut"},
	}
	for _, c := range cases {
		if _, err := Canonical(c.satelliteType, c.satelliteName); err == nil {
			t.Errorf("Canonical(%q, %q) accepted invalid input", c.satelliteType, c.satelliteName)
		}
	}
}

func TestSplit(t *testing.T) {
	satelliteType, satelliteName, err := Split("Cam.top")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if satelliteType != "Cam" || satelliteName != "top" {
		t.Errorf("Split = %q, %q, want Cam, top", satelliteType, satelliteName)
	}

	if _, _, err := Split("nodot"); err == nil {
		t.Error("Split accepted a name without a separator")
	}
}

func TestEqualIsCaseInsensitive(t *testing.T) {
	if !Equal("Cam.top", "CAM.TOP") {
		t.Error("Equal(Cam.top, CAM.TOP) = false")
	}
	if Equal("Cam.top", "Cam.bottom") {
		t.Error("Equal matched different satellites")
	}
}

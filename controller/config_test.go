// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"testing"
)

const sampleConfiguration = `
a = 1

[type.Cam]
b = 2

[satellites.Cam.top]
c = 3
`

func TestConfigurationMergeOrder(t *testing.T) {
	configuration, err := ParseConfiguration([]byte(sampleConfiguration))
	if err != nil {
		t.Fatalf("ParseConfiguration: %v", err)
	}

	top, found := configuration.SatelliteConfiguration("Cam.top")
	if !found {
		t.Fatal("Cam.top not found")
	}
	if top["a"] != int64(1) || top["b"] != int64(2) || top["c"] != int64(3) {
		t.Errorf("Cam.top = %v, want a=1 b=2 c=3", top)
	}

	bottom, found := configuration.SatelliteConfiguration("Cam.bottom")
	if !found {
		t.Fatal("Cam.bottom not found")
	}
	if bottom["a"] != int64(1) || bottom["b"] != int64(2) {
		t.Errorf("Cam.bottom = %v, want a=1 b=2", bottom)
	}
	if _, exists := bottom["c"]; exists {
		t.Errorf("Cam.bottom leaked satellite-specific key: %v", bottom)
	}

	dut, found := configuration.SatelliteConfiguration("Dut.x")
	if !found {
		t.Fatal("Dut.x not found")
	}
	if len(dut) != 1 || dut["a"] != int64(1) {
		t.Errorf("Dut.x = %v, want only a=1", dut)
	}
}

func TestConfigurationLookupIsCaseInsensitive(t *testing.T) {
	configuration, err := ParseConfiguration([]byte(sampleConfiguration))
	if err != nil {
		t.Fatalf("ParseConfiguration: %v", err)
	}

	upper, found := configuration.SatelliteConfiguration("CAM.TOP")
	if !found {
		t.Fatal("CAM.TOP not found")
	}
	lower, _ := configuration.SatelliteConfiguration("cam.top")
	if upper["c"] != int64(3) || lower["c"] != int64(3) {
		t.Errorf("case-variant lookups differ: %v vs %v", upper, lower)
	}
}

func TestConfigurationOverridePrecedence(t *testing.T) {
	document := `
rate = 10

[type.Cam]
rate = 20

[satellites.Cam.top]
rate = 30
`
	configuration, err := ParseConfiguration([]byte(document))
	if err != nil {
		t.Fatalf("ParseConfiguration: %v", err)
	}

	top, _ := configuration.SatelliteConfiguration("Cam.top")
	if top["rate"] != int64(30) {
		t.Errorf("Cam.top rate = %v, want satellite override 30", top["rate"])
	}
	bottom, _ := configuration.SatelliteConfiguration("Cam.bottom")
	if bottom["rate"] != int64(20) {
		t.Errorf("Cam.bottom rate = %v, want type override 20", bottom["rate"])
	}
	other, _ := configuration.SatelliteConfiguration("Dut.x")
	if other["rate"] != int64(10) {
		t.Errorf("Dut.x rate = %v, want global 10", other["rate"])
	}
}

func TestConfigurationEmptyYieldsNothing(t *testing.T) {
	configuration, err := ParseConfiguration([]byte(`[satellites.Cam.top]` + "\nc = 3\n"))
	if err != nil {
		t.Fatalf("ParseConfiguration: %v", err)
	}

	if _, found := configuration.SatelliteConfiguration("Dut.x"); found {
		t.Error("Dut.x found despite empty merged dictionary")
	}

	result := configuration.SatelliteConfigurations([]string{"Cam.top", "Dut.x"})
	if _, exists := result["Cam.top"]; !exists {
		t.Error("Cam.top missing from result map")
	}
	if _, exists := result["Dut.x"]; exists {
		t.Error("Dut.x present in result map despite empty dictionary")
	}
}

func TestConfigurationRejectsMalformed(t *testing.T) {
	if _, err := ParseConfiguration([]byte(`a = [unclosed`)); err == nil {
		t.Error("accepted malformed TOML")
	}
	if _, err := ParseConfiguration([]byte("type = 5\n")); err == nil {
		t.Error("accepted scalar [type] section")
	}
}

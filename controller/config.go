// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/constellation-foundation/constellation/lib/naming"
)

// Configuration holds the parsed constellation configuration: global
// keys applied to every satellite, per-type sections and per-satellite
// sections. Dictionary keys are folded to lowercase; section and
// satellite name matching is case-insensitive.
type Configuration struct {
	global     map[string]any
	types      map[string]map[string]any
	satellites map[string]map[string]any
}

// ParseConfiguration parses a TOML document into a Configuration.
//
// The document layout is: top-level keys apply to every satellite,
// [type.NAME] tables to every satellite of that type, and
// [satellites.TYPE.NAME] tables to one specific satellite.
func ParseConfiguration(data []byte) (*Configuration, error) {
	var root map[string]any
	if err := toml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	configuration := &Configuration{
		global:     make(map[string]any),
		types:      make(map[string]map[string]any),
		satellites: make(map[string]map[string]any),
	}

	for key, value := range root {
		switch naming.Fold(key) {
		case "type":
			sections, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("parsing configuration: [type] is not a table")
			}
			for typeName, section := range sections {
				dictionary, ok := section.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("parsing configuration: [type.%s] is not a table", typeName)
				}
				configuration.types[naming.Fold(typeName)] = foldKeys(dictionary)
			}
		case "satellites":
			typeSections, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("parsing configuration: [satellites] is not a table")
			}
			for typeName, nameSections := range typeSections {
				names, ok := nameSections.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("parsing configuration: [satellites.%s] is not a table", typeName)
				}
				for satelliteName, section := range names {
					dictionary, ok := section.(map[string]any)
					if !ok {
						return nil, fmt.Errorf("parsing configuration: [satellites.%s.%s] is not a table", typeName, satelliteName)
					}
					canonical := naming.Fold(typeName) + "." + naming.Fold(satelliteName)
					configuration.satellites[canonical] = foldKeys(dictionary)
				}
			}
		default:
			configuration.global[naming.Fold(key)] = value
		}
	}
	return configuration, nil
}

// ParseConfigurationFile reads and parses a TOML configuration file.
func ParseConfigurationFile(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration file: %w", err)
	}
	return ParseConfiguration(data)
}

// SatelliteConfiguration assembles the dictionary for one satellite:
// satellite-specific keys override type-section keys override global
// keys. Returns false when the merged dictionary is empty, meaning
// the configuration holds nothing for this satellite.
func (c *Configuration) SatelliteConfiguration(canonical string) (map[string]any, bool) {
	satelliteType, satelliteName, err := naming.Split(canonical)
	if err != nil {
		return nil, false
	}

	merged := make(map[string]any)
	for key, value := range c.global {
		merged[key] = value
	}
	for key, value := range c.types[naming.Fold(satelliteType)] {
		merged[key] = value
	}
	for key, value := range c.satellites[naming.Fold(satelliteType)+"."+naming.Fold(satelliteName)] {
		merged[key] = value
	}

	if len(merged) == 0 {
		return nil, false
	}
	return merged, true
}

// SatelliteConfigurations assembles the dictionaries for a set of
// satellites. Satellites for which the configuration holds nothing
// are absent from the result map rather than mapped to an empty
// dictionary.
func (c *Configuration) SatelliteConfigurations(canonicalNames []string) map[string]map[string]any {
	configurations := make(map[string]map[string]any)
	for _, name := range canonicalNames {
		if dictionary, found := c.SatelliteConfiguration(name); found {
			configurations[name] = dictionary
		}
	}
	return configurations
}

func foldKeys(dictionary map[string]any) map[string]any {
	folded := make(map[string]any, len(dictionary))
	for key, value := range dictionary {
		folded[naming.Fold(key)] = value
	}
	return folded
}

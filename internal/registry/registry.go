// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package registry reads the register of scanners known to this host.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tier is how much of TWAIN Direct a driver handles itself.
type Tier string

const (
	// TierNone: the bridge builds PDF/raster and metadata from raw pixels.
	TierNone Tier = "none"
	// TierPdfRaster: the driver emits PDF/raster, the bridge adds metadata.
	TierPdfRaster Tier = "pdfraster"
	// TierTwainDirect: the driver takes tasks and emits pages and metadata.
	TierTwainDirect Tier = "twaindirect"
)

func (t Tier) Valid() bool {
	switch t {
	case TierNone, TierPdfRaster, TierTwainDirect:
		return true
	}
	return false
}

// Rank orders tiers by how much the driver does.
func (t Tier) Rank() int {
	switch t {
	case TierPdfRaster:
		return 1
	case TierTwainDirect:
		return 2
	}
	return 0
}

type Scanner struct {
	Name         string `yaml:"name"`
	Manufacturer string `yaml:"manufacturer"`
	Model        string `yaml:"model"`
	SerialNumber string `yaml:"serialNumber"`
	Tier         Tier   `yaml:"twainDirect"`
	Hostname     string `yaml:"hostname"`
}

type Registry struct {
	Scanners []Scanner `yaml:"scanners"`
}

// Load reads a register file. JSON registers parse as well since YAML is a
// superset. A missing file is an empty register.
func Load(path string) (*Registry, error) {
	r := &Registry{}
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read register: %w", err)
	}
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parse register %s: %w", path, err)
	}
	for i := range r.Scanners {
		s := &r.Scanners[i]
		if s.Name == "" {
			return nil, fmt.Errorf("register %s: scanner %d has no name", path, i)
		}
		if s.Tier == "" {
			s.Tier = TierNone
		}
		if !s.Tier.Valid() {
			return nil, fmt.Errorf("register %s: scanner %q has unknown twainDirect %q", path, s.Name, s.Tier)
		}
	}
	return r, nil
}

// Save writes the register as YAML.
func (r *Registry) Save(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ProductName strips the " | detail" suffix scanner selections carry.
func ProductName(scanner string) string {
	if i := strings.Index(scanner, " | "); i >= 0 {
		scanner = scanner[:i]
	}
	return strings.TrimSpace(scanner)
}

// Lookup finds a scanner by product name.
func (r *Registry) Lookup(scanner string) (Scanner, bool) {
	name := ProductName(scanner)
	for _, s := range r.Scanners {
		if s.Name == name {
			return s, true
		}
	}
	return Scanner{}, false
}

// Identity is the CSV identity record opening the data source.
func Identity(platformPrefix, productName string) string {
	return fmt.Sprintf("%s,0,0,USA,USA, ,0,0,0xFFFFFFFF, , ,%s", platformPrefix, productName)
}

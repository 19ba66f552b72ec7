// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/hcl"
)

// ParseConfigFile parses one HCL or JSON config file into a Config.
func ParseConfigFile(path string) (*Config, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	c := &Config{
		Ports:     &Ports{},
		Limits:    &Limits{},
		Pipeline:  &Pipeline{},
		Policy:    &Policy{},
		Info:      &Info{},
		Telemetry: &Telemetry{},
	}
	if err := hcl.Decode(c, string(buf)); err != nil {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, err)
	}

	if iv := c.Telemetry.CollectionInterval; iv != "" {
		d, err := time.ParseDuration(iv)
		if err != nil {
			return nil, fmt.Errorf("telemetry.collection_interval %q: %w", iv, err)
		}
		c.Telemetry.collectionInterval = d
	}
	return c, nil
}

// LoadConfig loads a config from a file, or from every .hcl and .json file
// in a directory in lexical order, merging as it goes.
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return ParseConfigFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".hcl") || strings.HasSuffix(name, ".json") {
			files = append(files, filepath.Join(path, name))
		}
	}
	sort.Strings(files)

	var result *Config
	for _, file := range files {
		c, err := ParseConfigFile(file)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", file, err)
		}
		if result == nil {
			result = c
		} else {
			result = result.Merge(c)
		}
	}
	if result == nil {
		return nil, fmt.Errorf("no config files found in %s", path)
	}
	return result, nil
}

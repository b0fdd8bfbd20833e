// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// config carries defaults read from an optional YAML file. Flags the
// user set on the command line always win; a nil field means the
// file did not set it.
type config struct {
	Top         *int    `yaml:"top"`
	MinLifetime *string `yaml:"min_lifetime"`
	Filter      *string `yaml:"filter"`
	MaxEvents   *uint64 `yaml:"max_events"`
	Color       *bool   `yaml:"color"`
}

const defaultConfigPath = "mtrace.yaml"

// loadConfig reads the config file at path, or mtrace.yaml in the
// working directory when path is empty. A missing default file is
// fine; a missing explicit path is an error. Unknown and duplicate
// keys are rejected.
func loadConfig(path string) (config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return config{}, nil
		}
		return config{}, fmt.Errorf("reading config: %w", err)
	}
	var cfg config
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
		return config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// minLifetime parses the file's min_lifetime value as a Go duration
// string such as "150ms" or "1m".
func (c config) minLifetime() (time.Duration, error) {
	d, err := time.ParseDuration(*c.MinLifetime)
	if err != nil {
		return 0, fmt.Errorf("config min_lifetime: %w", err)
	}
	return d, nil
}

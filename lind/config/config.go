// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package config holds the lind runtime configuration. It is populated from
// command line flags and, optionally, a TOML or YAML file.
package config

import (
	"fmt"
	"math"
	"reflect"
	"time"

	"gvisor.dev/rawposix/pkg/log"
	"gvisor.dev/rawposix/pkg/sentry/cage"
	"gvisor.dev/rawposix/pkg/sentry/kernel"
)

// Config holds configuration that is not part of the guest program.
//
// Fields with a flag tag are set from the flag of that name. The toml and
// yaml tags name the keys of a config file.
type Config struct {
	// ConfigFile is the path of the config file. It can only be set by
	// flag.
	ConfigFile string `flag:"config" toml:"-" yaml:"-"`

	// MaxCageID is the number of cage table slots.
	MaxCageID int `flag:"max-cage-id" toml:"max_cage_id" yaml:"max_cage_id"`

	// LinearMemoryPages is the size of each cage's linear memory
	// reservation, in pages.
	LinearMemoryPages uint64 `flag:"linear-memory-pages" toml:"linear_memory_pages" yaml:"linear_memory_pages"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug" yaml:"debug"`

	// DebugLog is the path pattern of the debug log. See log.PatternOpts.
	DebugLog string `flag:"debug-log" toml:"debug_log" yaml:"debug_log"`

	// DebugLogFormat is the format of the debug log, text or json.
	DebugLogFormat string `flag:"debug-log-format" toml:"debug_log_format" yaml:"debug_log_format"`

	// AlsoLogToStderr also sends log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr" yaml:"alsologtostderr"`

	// RootCwd is the working directory of the root cage.
	RootCwd string `flag:"root-cwd" toml:"root_cwd" yaml:"root_cwd"`

	// RootUID and RootGID are the ids of the root cage. -1 leaves them
	// unset.
	RootUID int `flag:"root-uid" toml:"root_uid" yaml:"root_uid"`
	RootGID int `flag:"root-gid" toml:"root_gid" yaml:"root_gid"`

	// GrateDrainTimeout bounds how long a grate's exit waits for calls
	// still running in it.
	GrateDrainTimeout time.Duration `flag:"grate-drain-timeout" toml:"grate_drain_timeout" yaml:"grate_drain_timeout"`
}

// Validate returns an error if c cannot configure a runtime.
func (c *Config) Validate() error {
	switch c.DebugLogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid debug-log-format %q, must be 'text' or 'json'", c.DebugLogFormat)
	}
	for name, id := range map[string]int{"root-uid": c.RootUID, "root-gid": c.RootGID} {
		if id < cage.NoCredential || id > math.MaxInt32 {
			return fmt.Errorf("%s %d out of range", name, id)
		}
	}
	if c.MaxCageID <= 0 {
		return fmt.Errorf("max-cage-id %d must be positive", c.MaxCageID)
	}
	return c.KernelConfig().Validate()
}

// KernelConfig returns the kernel configuration c describes.
func (c *Config) KernelConfig() kernel.Config {
	return kernel.Config{
		MaxCageID:         c.MaxCageID,
		LinearMemoryPages: c.LinearMemoryPages,
		RootCwd:           c.RootCwd,
		RootCredentials: cage.Credentials{
			UID:  int32(c.RootUID),
			GID:  int32(c.RootGID),
			EUID: int32(c.RootUID),
			EGID: int32(c.RootGID),
		},
		GrateDrainTimeout: c.GrateDrainTimeout,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %v", name, obj.Field(i).Interface())
	}
}

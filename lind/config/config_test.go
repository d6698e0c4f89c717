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
package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rawposix/pkg/sentry/cage"
	"gvisor.dev/rawposix/pkg/sentry/kernel"
)

func newFlagSet(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v) failed: %v", args, err)
	}
	return fs
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlagSet(t))
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	if flags := c.ToFlags(); len(flags) != 0 {
		t.Errorf("default config has non-default flags: %v", flags)
	}
	if diff := cmp.Diff(kernel.DefaultConfig(), c.KernelConfig()); diff != "" {
		t.Errorf("KernelConfig mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	c, err := NewFromFlags(newFlagSet(t,
		"--max-cage-id=16",
		"--linear-memory-pages=32",
		"--root-cwd=/home",
		"--root-uid=-1",
		"--debug",
		"--grate-drain-timeout=2s",
	))
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	want := []string{
		"--max-cage-id=16",
		"--linear-memory-pages=32",
		"--debug=true",
		"--root-cwd=/home",
		"--root-uid=-1",
		"--grate-drain-timeout=2s",
	}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
	creds := c.KernelConfig().RootCredentials
	if want := (cage.Credentials{UID: -1, GID: 0, EUID: -1, EGID: 0}); creds != want {
		t.Errorf("RootCredentials = %+v, want %+v", creds, want)
	}
}

func TestConfigFile(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
	}{
		{
			name: "rawposix.toml",
			content: `max_cage_id = 64
root_cwd = "/srv"
grate_drain_timeout = "250ms"
debug_log_format = "json"
`,
		},
		{
			name: "rawposix.yaml",
			content: `max_cage_id: 64
root_cwd: /srv
grate_drain_timeout: 250ms
debug_log_format: json
`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, tc.name, tc.content)
			c, err := NewFromFlags(newFlagSet(t, "--config="+path, "--root-cwd=/override"))
			if err != nil {
				t.Fatalf("NewFromFlags failed: %v", err)
			}
			if c.MaxCageID != 64 {
				t.Errorf("MaxCageID = %d, want 64", c.MaxCageID)
			}
			if c.GrateDrainTimeout != 250*time.Millisecond {
				t.Errorf("GrateDrainTimeout = %v, want 250ms", c.GrateDrainTimeout)
			}
			if c.DebugLogFormat != "json" {
				t.Errorf("DebugLogFormat = %q, want json", c.DebugLogFormat)
			}
			if c.RootCwd != "/override" {
				t.Errorf("RootCwd = %q, the flag should win over the file", c.RootCwd)
			}
			if c.ConfigFile != path {
				t.Errorf("ConfigFile = %q, want %q", c.ConfigFile, path)
			}
		})
	}
}

func TestEmptyYAML(t *testing.T) {
	path := writeFile(t, "empty.yml", "")
	if _, err := NewFromFlags(newFlagSet(t, "--config="+path)); err != nil {
		t.Errorf("NewFromFlags with an empty file failed: %v", err)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		want    string
	}{
		{"bad.json", `{}`, "unsupported extension"},
		{"unknown.toml", "no_such_key = 1\n", "unknown keys"},
		{"unknown.yaml", "no_such_key: 1\n", "no_such_key"},
		{"syntax.toml", "max_cage_id = \n", "parsing config file"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, tc.name, tc.content)
			_, err := NewFromFlags(newFlagSet(t, "--config="+path))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("NewFromFlags = %v, want an error containing %q", err, tc.want)
			}
		})
	}
	if _, err := NewFromFlags(newFlagSet(t, "--config=/does/not/exist.yaml")); err == nil {
		t.Errorf("NewFromFlags with a missing file succeeded")
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
	}{
		{"log format", []string{"--debug-log-format=xml"}},
		{"uid", []string{"--root-uid=-2"}},
		{"gid", []string{"--root-gid=4294967296"}},
		{"cage ids", []string{"--max-cage-id=0"}},
		{"root only", []string{"--max-cage-id=1"}},
		{"pages", []string{"--linear-memory-pages=0"}},
		{"cwd", []string{"--root-cwd=relative"}},
		{"drain", []string{"--grate-drain-timeout=0s"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewFromFlags(newFlagSet(t, tc.args...)); err == nil {
				t.Errorf("NewFromFlags(%v) succeeded", tc.args)
			}
		})
	}
}

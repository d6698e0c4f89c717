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
package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"gvisor.dev/rawposix/lind/config"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxCageID:         8,
		LinearMemoryPages: 16,
		DebugLogFormat:    "text",
		RootCwd:           "/",
		GrateDrainTimeout: 50 * time.Millisecond,
	}
}

func TestRunCheck(t *testing.T) {
	var out bytes.Buffer
	if err := runCheck(testConfig(), &out); err != nil {
		t.Fatalf("runCheck failed: %v\noutput:\n%s", err, out.String())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 8 {
		t.Errorf("got %d steps, want 8:\n%s", len(lines), out.String())
	}
	for _, l := range lines {
		if !strings.HasPrefix(l, "ok    ") {
			t.Errorf("step %q did not pass", l)
		}
	}
}

func TestRunCheckTooFewCages(t *testing.T) {
	conf := testConfig()
	// Room for the root cage and the grate, but not the child.
	conf.MaxCageID = 3
	var out bytes.Buffer
	err := runCheck(conf, &out)
	if err == nil || !strings.HasPrefix(err.Error(), "fork:") {
		t.Errorf("runCheck = %v, want a fork failure", err)
	}
}

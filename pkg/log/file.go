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
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileOpts builds a log file path from a pattern.
type FileOpts interface {
	// Build expands logPattern into a path.
	Build(logPattern string) string
}

// PatternOpts expands %TIMESTAMP% and %COMMAND% in a log file pattern. A
// pattern ending in '/' names a directory, and the file in it is named
// after the command and the timestamp.
type PatternOpts struct {
	Command string
	Start   time.Time
}

const timestampFormat = "20060102-150405.000000"

// Build implements FileOpts.Build.
func (o PatternOpts) Build(logPattern string) string {
	if strings.HasSuffix(logPattern, "/") {
		logPattern += "lind.%TIMESTAMP%.%COMMAND%.txt"
	}
	return strings.NewReplacer(
		"%TIMESTAMP%", o.Start.Format(timestampFormat),
		"%COMMAND%", o.Command,
	).Replace(logPattern)
}

// OpenFile opens the log file that opts builds from logPattern, creating
// its directory if needed. An empty pattern yields a nil file.
func OpenFile(logPattern string, flags int, opts FileOpts) (*os.File, error) {
	if logPattern == "" {
		return nil, nil
	}
	logPath := opts.Build(logPattern)
	if dir := filepath.Dir(logPath); dir != "" {
		if err := os.MkdirAll(dir, 0775); err != nil {
			return nil, fmt.Errorf("creating log directory %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(logPath, flags, 0664)
	if err != nil {
		return nil, fmt.Errorf("opening log file %q: %w", logPath, err)
	}
	return f, nil
}

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
	"fmt"
	"reflect"
	"strconv"
	"time"

	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/hostarch"
	"gvisor.dev/rawposix/pkg/sentry/threei"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path of a TOML (.toml) or YAML (.yaml, .yml) config file. Flags given on the command line override its values.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "additional location for logs. If it ends with '/', log files are created inside the directory with default names. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("debug-log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Flags that control runtime behavior.
	flagSet.Int("max-cage-id", linux.DefaultMaxCageID, "number of cage table slots. Cage ids are below this value.")
	flagSet.Uint64("linear-memory-pages", (linux.MaxLinearMemorySize+1)>>hostarch.PageShift, "pages of host address space reserved for each cage's linear memory.")
	flagSet.String("root-cwd", "/", "working directory of the root cage.")
	flagSet.Int("root-uid", 0, "user id of the root cage, -1 to leave it unset.")
	flagSet.Int("root-gid", 0, "group id of the root cage, -1 to leave it unset.")
	flagSet.Duration("grate-drain-timeout", threei.DefaultGrateDrainTimeout, "how long an exiting grate waits for calls still running in it.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags. Values from the config file named by --config are applied over the
// flag defaults, and flags set on the command line are applied last.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	if err := conf.setFromFlags(flagSet, flagSet.VisitAll); err != nil {
		return nil, err
	}
	if conf.ConfigFile != "" {
		if err := conf.loadFile(conf.ConfigFile); err != nil {
			return nil, err
		}
		if err := conf.setFromFlags(flagSet, flagSet.Visit); err != nil {
			return nil, err
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlags copies the value of every flag visit reaches into the field
// tagged with its name.
func (c *Config) setFromFlags(flagSet *flag.FlagSet, visit func(func(*flag.Flag))) error {
	fields := make(map[string]reflect.Value)
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		if flagSet.Lookup(name) == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		fields[name] = obj.Field(i)
	}

	var err error
	visit(func(fl *flag.Flag) {
		field, ok := fields[fl.Name]
		if !ok || err != nil {
			return
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			err = fmt.Errorf("flag %q has no value getter", fl.Name)
			return
		}
		field.Set(reflect.ValueOf(getter.Get()))
	})
	return err
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags at their default value are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		val := getVal(obj.Field(i))
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if d, ok := field.Interface().(time.Duration); ok {
		return d.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}

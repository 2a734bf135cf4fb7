// Copyright 2026 The vfscore Authors.
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


// Package config provides basic infrastructure to set configuration settings
// for vfsctl. Settings come from command line flags and, optionally, from a
// TOML file named by --config. Flags given on the command line take
// precedence over the file.
package config

import (
	"flag"
	"fmt"
	"path"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/refs"
	"vfscore.dev/vfscore/pkg/sentry/vfs"
)

// Config holds configuration that is not part of an individual command.
//
// Fields tagged with "flag" are populated from the flag of that name; fields
// tagged with "toml" can be set from the configuration file.
type Config struct {
	// ConfigFile is the path of a TOML configuration file.
	ConfigFile string `flag:"config" toml:"-"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFormat is the log format, "text" or "json".
	LogFormat string `flag:"log-format" toml:"log_format"`

	// DebugLog is the file logs are written to. If empty, logs go to stderr.
	DebugLog string `flag:"debug-log" toml:"debug_log"`

	// SymlinkBudget is the per-resolution symlink expansion budget. Zero
	// means the VFS default.
	SymlinkBudget int `flag:"symlink-budget" toml:"symlink_budget"`

	// CacheCapacity is the number of VCache records. Zero means the VFS
	// default and a negative value disables the cache.
	CacheCapacity int `flag:"cache-capacity" toml:"cache_capacity"`

	// MaxInodes bounds the inodes of each ramfs instance. Zero means
	// unlimited.
	MaxInodes int `flag:"max-inodes" toml:"max_inodes"`

	// ReferenceLeak sets the reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode" toml:"ref_leak_mode"`

	// RAMDisks are block devices registered at startup.
	RAMDisks []RAMDisk `toml:"ramdisk"`

	// Mounts are filesystems mounted at startup, in order, after the ramfs
	// root.
	Mounts []Mount `toml:"mount"`
}

// RAMDisk describes an in-memory block device.
type RAMDisk struct {
	Name  string `toml:"name"`
	Minor uint64 `toml:"minor"`
	Size  int    `toml:"size"`
}

// Mount describes a static mount table entry.
type Mount struct {
	Type    string `toml:"type"`
	Source  string `toml:"source"`
	Target  string `toml:"target"`
	Options string `toml:"options"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML configuration file.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.String("debug-log", "", "file path where logs are written, default is stderr.")
	flagSet.Var(leakModePtr(refs.NoLeakChecking), "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, panic.")

	// VFS flags.
	flagSet.Int("symlink-budget", 0, "symbolic link expansions allowed per path resolution. 0 means the default of 40.")
	flagSet.Int("cache-capacity", 0, "number of path cache records. 0 means the default, negative disables the cache.")
	flagSet.Int("max-inodes", 0, "maximum number of inodes per ramfs instance. 0 means unlimited.")
}

func leakModePtr(v refs.LeakMode) *refs.LeakMode {
	return &v
}

// NewFromFlags creates a new Config with values coming from the given flag
// set and the configuration file it names. This function must be called
// after flags have been parsed.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	if err := conf.setFromFlags(flagSet, nil); err != nil {
		return nil, err
	}
	if conf.ConfigFile != "" {
		if err := conf.loadFile(conf.ConfigFile); err != nil {
			return nil, err
		}
		// Reapply the flags that were given explicitly.
		given := make(map[string]bool)
		flagSet.Visit(func(f *flag.Flag) { given[f.Name] = true })
		if err := conf.setFromFlags(flagSet, given); err != nil {
			return nil, err
		}
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlags copies flag values into the tagged fields of c. If only is not
// nil, only flags it contains are copied.
func (c *Config) setFromFlags(flagSet *flag.FlagSet, only map[string]bool) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		if only != nil && !only[name] {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			return fmt.Errorf("flag %q has no getter", name)
		}
		obj.Field(i).Set(reflect.ValueOf(getter.Get()))
	}
	return nil
}

// loadFile decodes the TOML file at filename into c.
func (c *Config) loadFile(filename string) error {
	md, err := toml.DecodeFile(filename, c)
	if err != nil {
		return fmt.Errorf("error loading config %q: %w", filename, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("error loading config %q: unknown keys %v", filename, undecoded)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.SymlinkBudget < 0 {
		return fmt.Errorf("symlink-budget must be non-negative, got %d", c.SymlinkBudget)
	}
	if c.MaxInodes < 0 {
		return fmt.Errorf("max-inodes must be non-negative, got %d", c.MaxInodes)
	}
	for i, d := range c.RAMDisks {
		if d.Name == "" || d.Size <= 0 {
			return fmt.Errorf("ramdisk %d: name and a positive size are required", i)
		}
	}
	for i, m := range c.Mounts {
		if m.Type == "" {
			return fmt.Errorf("mount %d: type is required", i)
		}
		if !path.IsAbs(m.Target) || path.Clean(m.Target) == "/" {
			return fmt.Errorf("mount %d: target %q must be an absolute path below /", i, m.Target)
		}
		if _, err := vfs.ParseMountFlags(m.Options); err != nil {
			return fmt.Errorf("mount %d: %w", i, err)
		}
	}
	return nil
}

// VFSOptions returns the VFS options c describes.
func (c *Config) VFSOptions() vfs.Options {
	return vfs.Options{
		SymlinkBudget: c.SymlinkBudget,
		CacheCapacity: c.CacheCapacity,
	}
}

// ToFlags returns a slice of flags that correspond to the given Config. Flags
// at their default value are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := getVal(obj.Field(i))
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.String:
		return field.String()
	default:
		panic(fmt.Sprintf("unknown type %v", field.Kind()))
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("\t%s", f)
	}
	for _, d := range c.RAMDisks {
		log.Infof("\tramdisk %s: minor %d, %d bytes", d.Name, d.Minor, d.Size)
	}
	for _, m := range c.Mounts {
		log.Infof("\tmount %s %q on %s (%s)", m.Type, m.Source, m.Target, m.Options)
	}
}

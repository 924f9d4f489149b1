package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// keyKind describes how a config value is parsed from the command line.
type keyKind int

const (
	kindInt keyKind = iota
	kindBool
	kindString
	kindDuration
	kindList
)

type keyDef struct {
	kind keyKind
	get  func(Config) interface{}
	set  func(*Config, interface{})
}

var keyTable = map[string]keyDef{
	"root": {kindString,
		func(c Config) interface{} { return c.Root },
		func(c *Config, v interface{}) { c.Root = v.(string) }},
	"orchestrator.max_parallel": {kindInt,
		func(c Config) interface{} { return c.Orchestrator.MaxParallel },
		func(c *Config, v interface{}) { c.Orchestrator.MaxParallel = v.(int) }},
	"orchestrator.max_iterations": {kindInt,
		func(c Config) interface{} { return c.Orchestrator.MaxIterations },
		func(c *Config, v interface{}) { c.Orchestrator.MaxIterations = v.(int) }},
	"orchestrator.preferred_tool": {kindString,
		func(c Config) interface{} { return c.Orchestrator.PreferredTool },
		func(c *Config, v interface{}) { c.Orchestrator.PreferredTool = v.(string) }},
	"tools.enabled": {kindList,
		func(c Config) interface{} { return c.Tools.Enabled },
		func(c *Config, v interface{}) { c.Tools.Enabled = v.([]string) }},
	"tools.probe_timeout": {kindDuration,
		func(c Config) interface{} { return c.Tools.ProbeTimeout },
		func(c *Config, v interface{}) { c.Tools.ProbeTimeout = v.(time.Duration) }},
	"retry.max_retries": {kindInt,
		func(c Config) interface{} { return c.Retry.MaxRetries },
		func(c *Config, v interface{}) { c.Retry.MaxRetries = v.(int) }},
	"retry.base_delay": {kindDuration,
		func(c Config) interface{} { return c.Retry.BaseDelay },
		func(c *Config, v interface{}) { c.Retry.BaseDelay = v.(time.Duration) }},
	"retry.max_delay": {kindDuration,
		func(c Config) interface{} { return c.Retry.MaxDelay },
		func(c *Config, v interface{}) { c.Retry.MaxDelay = v.(time.Duration) }},
	"bridge.max_buffer_bytes": {kindInt,
		func(c Config) interface{} { return c.Bridge.MaxBufferBytes },
		func(c *Config, v interface{}) { c.Bridge.MaxBufferBytes = v.(int) }},
	"bridge.grace_period": {kindDuration,
		func(c Config) interface{} { return c.Bridge.GracePeriod },
		func(c *Config, v interface{}) { c.Bridge.GracePeriod = v.(time.Duration) }},
	"log.dir": {kindString,
		func(c Config) interface{} { return c.Log.Dir },
		func(c *Config, v interface{}) { c.Log.Dir = v.(string) }},
	"log.retention_days": {kindInt,
		func(c Config) interface{} { return c.Log.RetentionDays },
		func(c *Config, v interface{}) { c.Log.RetentionDays = v.(int) }},
	"log.debug": {kindBool,
		func(c Config) interface{} { return c.Log.Debug },
		func(c *Config, v interface{}) { c.Log.Debug = v.(bool) }},
}

const timeoutPrefix = "tools.timeouts."

// Keys returns every settable key in sorted order. Per-tool timeouts are
// listed as tools.timeouts.<tool>.
func Keys(c Config) []string {
	keys := make([]string, 0, len(keyTable)+len(c.Tools.Timeouts))
	for k := range keyTable {
		keys = append(keys, k)
	}
	for name := range c.Tools.Timeouts {
		keys = append(keys, timeoutPrefix+name)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the string form of key.
func Get(c Config, key string) (string, error) {
	if name, ok := strings.CutPrefix(key, timeoutPrefix); ok {
		d, found := c.Tools.Timeouts[name]
		if !found {
			return "", fmt.Errorf("unknown tool %q", name)
		}
		return d.String(), nil
	}
	def, ok := keyTable[key]
	if !ok {
		return "", fmt.Errorf("unknown config key %q", key)
	}
	switch v := def.get(c).(type) {
	case []string:
		return strings.Join(v, ","), nil
	default:
		return fmt.Sprint(v), nil
	}
}

// Set returns a copy of c with key set to the parsed raw value. The copy is
// validated before it is returned.
func Set(c Config, key, raw string) (Config, error) {
	out := c.clone()

	if name, ok := strings.CutPrefix(key, timeoutPrefix); ok {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return c, fmt.Errorf("%s: %w", key, err)
		}
		out.Tools.Timeouts[name] = d
		return out, out.Validate()
	}

	def, ok := keyTable[key]
	if !ok {
		return c, fmt.Errorf("unknown config key %q", key)
	}
	v, err := parseValue(def.kind, raw)
	if err != nil {
		return c, fmt.Errorf("%s: %w", key, err)
	}
	def.set(&out, v)
	if err := out.Validate(); err != nil {
		return c, err
	}
	return out, nil
}

func parseValue(kind keyKind, raw string) (interface{}, error) {
	switch kind {
	case kindInt:
		return strconv.Atoi(raw)
	case kindBool:
		return strconv.ParseBool(raw)
	case kindDuration:
		return time.ParseDuration(raw)
	case kindList:
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	default:
		return raw, nil
	}
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// keys holds every settable key, taken from the json tags of Config.
var keys = func() map[string]bool {
	m := make(map[string]bool)
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			m[name] = true
		}
	}
	return m
}()

// Load builds a configuration from defaults, then the file at path (if
// not empty), then the process environment. It does not validate, so
// callers can apply flags first.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		v, err := FromFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Apply(v)
	}
	cfg.Apply(EnvValues(os.Environ()))
	return cfg, nil
}

// FromFile reads a job file (.yaml, .yml or .json) as one layer. Keys
// may be written chunk-seconds or chunk_seconds. A key that names no
// Config field is an error.
func FromFile(path string) (Values, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Values{}, fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]any
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".json":
		err = json.Unmarshal(data, &raw)
	default:
		return Values{}, fmt.Errorf("config file %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return Values{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	v, err := layer(raw)
	if err != nil {
		return Values{}, fmt.Errorf("config file %s: %w", path, err)
	}
	return v, nil
}

// layer normalizes the keys of a decoded file and rejects unknown ones.
func layer(raw map[string]any) (Values, error) {
	data := make(map[string]any, len(raw))
	var unknown []string
	for k, val := range raw {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), "-", "_")
		if !keys[key] {
			unknown = append(unknown, k)
			continue
		}
		data[key] = val
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Values{}, fmt.Errorf("unknown keys %s", strings.Join(unknown, ", "))
	}
	return NewValues(data), nil
}

// EnvValues collects CHUNKPOINT_* variables from environ (os.Environ
// format) as a Values layer: CHUNKPOINT_CHUNK_SECONDS sets chunk_seconds.
// AWS_REGION is honored when CHUNKPOINT_REGION is unset. Unknown
// CHUNKPOINT_* names are ignored; the environment is shared with other
// tools.
func EnvValues(environ []string) Values {
	data := make(map[string]any)
	var awsRegion string
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" {
			continue
		}
		if k == "AWS_REGION" {
			awsRegion = v
			continue
		}
		if name, ok := strings.CutPrefix(k, EnvPrefix); ok {
			if key := strings.ToLower(name); keys[key] {
				data[key] = v
			}
		}
	}
	if _, ok := data["region"]; !ok && awsRegion != "" {
		data["region"] = awsRegion
	}
	return NewValues(data)
}

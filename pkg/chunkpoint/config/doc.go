/*
Package config loads and validates the configuration of a chunkpoint job.

# Layers

A Config starts from Default and is overlaid, lowest precedence first, by:

  - a YAML or JSON job file (FromFile), whose keys must name Config fields
  - CHUNKPOINT_* environment variables (EnvValues)
  - command line flags, applied by the caller

Each layer is a Values, a map[string]any with typed accessors that fall
back to the current value when a key is missing or malformed:

	v, err := config.FromFile("job.yaml")
	cfg := config.Default()
	cfg.Apply(v)
	cfg.Apply(config.EnvValues(os.Environ()))
	if err := cfg.Validate(); err != nil {
	    return err
	}

# Type Coercion

Environment values arrive as strings, so every accessor also parses
strings. Durations accept time.ParseDuration syntax ("30s") or a number
of seconds.

# Plan Parameters

PlanParams returns only the fields that change chunk boundaries or chunk
output. Changing anything else (parallelism, lease timing, logging) keeps
the plan hash and therefore every committed chunk.
*/
package config

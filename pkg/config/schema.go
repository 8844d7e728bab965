package config

import (
	"fmt"

	"cuelang.org/go/cue"
)

// configSchema closes the shape of a CUE node configuration. Every field is
// optional so files only carry what differs from Default; unknown fields are
// rejected.
const configSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" | int & >=0

#Config: {
	node?: {
		id?:          string & !=""
		environment?: string
	}
	store?: {
		driver?:            "sqlite" | "memory"
		path?:              string
		max_open_conns?:    int & >=0
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: #Duration
	}
	scheduler?: {
		interval?:    #Duration
		workers?:     int & >=1 & <=256
		batch_size?:  int & >=1
		owned_only?:  bool
		cas_retries?: int & >=1
	}
	policy?: {
		enabled?:  bool
		builtins?: bool
		paths?: [...(string & !="")]
		disabled?: [...(string & !="")]
	}
	telemetry?: {
		logging?: {
			level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?: "console" | "json"
			output?: string & !=""
			caller?: bool
		}
		tracing?: {
			enabled?:       bool
			exporter?:      "otlp" | "stdout" | "none"
			endpoint?:      string
			sampling_rate?: number & >=0 & <=1
			insecure?:      bool
			headers?: [string]: string
		}
		metrics?: {
			enabled?:        bool
			listen_address?: string
			path?:           string & =~"^/"
		}
	}
}
`

// compileSchema builds the #Config definition in the given context.
func compileSchema(ctx *cue.Context) (cue.Value, error) {
	val := ctx.CompileString(configSchema, cue.Filename("cosmic-schema.cue"))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile config schema: %w", err)
	}

	def := val.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("config schema has no #Config: %w", err)
	}
	return def, nil
}

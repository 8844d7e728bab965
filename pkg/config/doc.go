// Package config loads the configuration of a cosmicd node.
//
// # Overview
//
// A node reads one file, written in YAML, JSON or CUE and chosen by
// extension. Fields the file leaves out keep the values from Default, and
// the merged result is checked with go-playground/validator before use.
// CUE files are additionally unified with a closed #Config schema, so a
// misspelled field or an out-of-range value is reported with its file
// position.
//
// # File Layout
//
//	node:
//	  id: node-1
//	store:
//	  driver: sqlite
//	  path: /var/lib/cosmic/cosmic.db
//	scheduler:
//	  interval: 1s
//	  workers: 8
//	  batch_size: 100
//	  owned_only: false
//	telemetry:
//	  logging:
//	    level: info
//	    format: json
//
// The same configuration in CUE:
//
//	node: id: "node-1"
//	scheduler: {
//		interval: "1s"
//		workers:  8
//	}
//
// Durations are Go duration strings; bare numbers are milliseconds.
//
// # Usage Example
//
//	loader, err := config.NewLoader(config.WithLogger(log.Logger))
//	if err != nil {
//	    return err
//	}
//
//	cfg, err := loader.Load("/etc/cosmic/node.yaml")
//	if err != nil {
//	    return err
//	}
//
//	store, err := cfg.OpenStore(ctx)
//
// # Live Reload
//
// Watch follows the file with fsnotify and, after a short debounce, hands
// every configuration that loads cleanly to a callback. cosmicd serve uses
// it to change the scheduler interval and log level without a restart.
// Invalid edits are logged and skipped; the running configuration stays in
// place.
//
// # Errors
//
// Load returns a *LoadError listing every problem found, each as a
// ValidationError carrying file, line, column and field path where known.
package config

// Package config provides a job registry and human-readable flow configuration.
//
// Register jobs by name, then define flows in YAML (or structs) that reference
// those names and optional modifiers (concurrency, batching, retry, timeout):
//
//	driver:
//	  kind: worker
//	  workers: 8
//	flows:
//	  ingest:
//	    stages:
//	      - fetch
//	      - name: parse
//	        concurrency: 4
//	        retry: exponential
//	        initial: 50ms
//	        max_attempts: 5
//	        error_job: log-failure
//	      - name: store
//	        batch: 100
//	        timeout: 2s
//
// Build a flow with BuildFlow(registry, config, opts), or every flow of a
// file with BuildAllFlows. Each flow gets its own driver unless
// BuildOptions.Driver is set.
package config

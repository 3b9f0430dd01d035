package main

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/dcshock/runflow/logging"
)

// Source kinds for inbound packets.
const (
	SourceMemory   = "memory"
	SourceNATS     = "nats"
	SourcePostgres = "postgres"
)

// Options contains the command-line configuration for runflow.
type Options struct {
	ConfigPath string // YAML flow file; empty uses the embedded sample.
	FlowName   string // Flow to run from the file.

	//
	// Packet source and sink.
	//
	Source      string
	Count       int           // Packets injected by the memory source.
	FailEvery   int           // mult-by-two fails every Nth call; 0 never fails.
	JobDelay    time.Duration // Simulated work per add-one and mult-by-two call.
	IdlePolls   int           // Empty polls before a transport source detaches.
	NATSURL     string
	InSubject   string
	OutSubject  string
	DatabaseURL string
	InTable     string
	OutTable    string

	//
	// Diagnostics.
	//
	LogLevel    string
	LogFormat   string
	MetricsAddr string // Empty disables the metrics endpoint.
	Timeout     time.Duration
}

// NewOptions returns Options initialized with default values.
func NewOptions() *Options {
	return &Options{
		FlowName:   "numbers",
		Source:     SourceMemory,
		Count:      5,
		FailEvery:  3,
		JobDelay:   10 * time.Millisecond,
		IdlePolls:  20,
		InSubject:  "runflow.in",
		OutSubject: "runflow.out",
		InTable:    "runflow_inbox",
		OutTable:   "runflow_outbox",
		LogLevel:   "info",
		LogFormat:  "text",
		Timeout:    time.Minute,
	}
}

// AddFlags binds the Options fields to command-line flags on the given FlagSet.
func (opts *Options) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}
	fs.StringVarP(&opts.ConfigPath, "config", "c", opts.ConfigPath,
		"Path to the YAML flow file. Defaults to the built-in sample.")
	fs.StringVarP(&opts.FlowName, "flow", "f", opts.FlowName,
		"Name of the flow to run.")
	fs.StringVar(&opts.Source, "source", opts.Source,
		"Packet source: memory, nats or postgres.")
	fs.IntVarP(&opts.Count, "count", "n", opts.Count,
		"Number of packets injected by the memory source.")
	fs.IntVar(&opts.FailEvery, "fail-every", opts.FailEvery,
		"Make every Nth mult-by-two call fail. 0 disables failures.")
	fs.DurationVar(&opts.JobDelay, "job-delay", opts.JobDelay,
		"Simulated work per add-one and mult-by-two call.")
	fs.IntVar(&opts.IdlePolls, "idle-polls", opts.IdlePolls,
		"Consecutive empty polls before a transport source stops. 0 polls forever.")
	fs.StringVar(&opts.NATSURL, "nats-url", opts.NATSURL,
		"NATS server URL for the nats source.")
	fs.StringVar(&opts.InSubject, "in-subject", opts.InSubject,
		"NATS subject packets are received on.")
	fs.StringVar(&opts.OutSubject, "out-subject", opts.OutSubject,
		"NATS subject results are published to.")
	fs.StringVar(&opts.DatabaseURL, "database-url", opts.DatabaseURL,
		"PostgreSQL URL for the postgres source.")
	fs.StringVar(&opts.InTable, "in-table", opts.InTable,
		"Table packets are claimed from.")
	fs.StringVar(&opts.OutTable, "out-table", opts.OutTable,
		"Table results are inserted into.")
	fs.StringVar(&opts.LogLevel, "log-level", opts.LogLevel,
		"Log level: debug, info, warn or error.")
	fs.StringVar(&opts.LogFormat, "log-format", opts.LogFormat,
		"Log format: text or json.")
	fs.StringVar(&opts.MetricsAddr, "metrics-addr", opts.MetricsAddr,
		"Address for the Prometheus metrics endpoint, e.g. :9090. Empty disables it.")
	fs.DurationVar(&opts.Timeout, "timeout", opts.Timeout,
		"Upper bound for the whole run.")
}

// Validate checks the Options for semantic consistency.
func (opts *Options) Validate() error {
	if opts.FlowName == "" {
		return fmt.Errorf("--flow must not be empty")
	}
	switch opts.Source {
	case SourceMemory:
		if opts.Count < 0 {
			return fmt.Errorf("--count must be >= 0, got %d", opts.Count)
		}
	case SourceNATS:
		if opts.NATSURL == "" {
			return fmt.Errorf("--nats-url is required for the nats source")
		}
	case SourcePostgres:
		if opts.DatabaseURL == "" {
			return fmt.Errorf("--database-url is required for the postgres source")
		}
	default:
		return fmt.Errorf("--source must be memory, nats or postgres, got %q", opts.Source)
	}
	if opts.FailEvery < 0 {
		return fmt.Errorf("--fail-every must be >= 0, got %d", opts.FailEvery)
	}
	if _, err := logging.ParseLevel(opts.LogLevel); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	if opts.LogFormat != "text" && opts.LogFormat != "json" {
		return fmt.Errorf("--log-format must be text or json, got %q", opts.LogFormat)
	}
	if opts.Timeout <= 0 {
		return fmt.Errorf("--timeout must be positive")
	}
	return nil
}

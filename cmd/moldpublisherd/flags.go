package main

import (
	"errors"
	"flag"
	"os"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliConfig holds user supplied flag values prior to translation into the
// daemon's runtime objects, mirroring the teacher's cliConfig/parseFlags
// split so validation stays out of main.go.
type cliConfig struct {
	configPath  string
	logLevel    string
	metricsAddr string
	watch       bool
	showVersion bool
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("moldpublisherd", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	fs.StringVar(&cfg.configPath, "config", "", "Path to the stream-set YAML configuration (required)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Address to serve /metrics on (empty disables the HTTP server)")
	fs.BoolVar(&cfg.watch, "watch", false, "Hot-reload the stream set on changes to -config's directory")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.showVersion {
		return cfg, nil
	}

	if cfg.configPath == "" {
		return nil, errors.New("-config is required")
	}

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, errors.New("invalid -log-level: " + cfg.logLevel)
	}

	return cfg, nil
}

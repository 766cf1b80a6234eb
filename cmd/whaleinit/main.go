// Command whaleinit is a process-1 supervisor for Linux containers: it
// loads a declared set of services, renders their configuration and any
// file templates from the environment, then hands off to the
// supervisor's reap-and-shutdown loop for the life of the process.
package main

import (
	"errors"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"

	"github.com/whaleinit/whaleinit/config"
	"github.com/whaleinit/whaleinit/supervisor"
	"github.com/whaleinit/whaleinit/tmpl"
)

var (
	fConfigDir    = pflag.String("config-dir", "/etc/whaleinit/services", "directory of *.toml service declarations")
	fGlobalConfig = pflag.String("global-config", "/etc/whaleinit.toml", "optional global config file, read before config-dir")
	fShutdownMs   = pflag.Int("shutdown-timeout-ms", 30000, "global shutdown grace period before SIGKILL, in milliseconds")
	fLogJSON      = pflag.Bool("log-json", false, "emit structured logs as JSON instead of human-readable text")
	fLogLevel     = pflag.String("log-level", "info", "log level: trace, debug, info, warn, error")
)

func main() {
	pflag.Parse()

	log := hclog.New(&hclog.LoggerOptions{
		Name:       "whaleinit",
		Level:      hclog.LevelFromString(*fLogLevel),
		JSONFormat: *fLogJSON,
		Output:     os.Stderr,
	})

	globalConfig := *fGlobalConfig
	if _, err := os.Stat(globalConfig); os.IsNotExist(err) {
		globalConfig = ""
	}

	cfg, err := config.Load(globalConfig, *fConfigDir)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(exitCodeFor(err, 64))
	}

	tctx := tmpl.NewContext()

	for _, spec := range cfg.Services {
		if err := tctx.RenderService(spec); err != nil {
			log.Error("failed to render service template", "title", spec.Title, "error", err)
			os.Exit(exitCodeFor(err, 65))
		}
	}

	for _, t := range cfg.Templates {
		if err := tctx.RenderFile(t); err != nil {
			log.Error("failed to render file template", "src", t.Src, "dest", t.Dest, "error", err)
			os.Exit(exitCodeFor(err, 65))
		}
	}

	sup := supervisor.New(cfg, supervisor.Options{
		Log:             log,
		ShutdownTimeout: time.Duration(*fShutdownMs) * time.Millisecond,
		Stdout:          os.Stdout,
		Stderr:          os.Stderr,
	})

	code, err := sup.Run()
	if err != nil {
		log.Error("supervisor exited with error", "error", err)
	}
	os.Exit(code)
}

// exitCodeFor maps a typed subsystem error to its process exit code,
// falling back to fallback for an error of an unexpected type.
func exitCodeFor(err error, fallback int) int {
	var cerr *config.Error
	if errors.As(err, &cerr) {
		return 64
	}

	var terr *tmpl.Error
	if errors.As(err, &terr) {
		return 65
	}

	return fallback
}

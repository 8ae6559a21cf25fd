// Package app wires configuration, logging, and the reactor runtime
// into a runnable process. CLI argument parsing beyond the config path
// is an external collaborator.
package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/searchktools/fastgate/config"
	"github.com/searchktools/fastgate/core/pools"
	"github.com/searchktools/fastgate/logging"
)

// App is one server process.
type App struct {
	cfgPath string
	log     logging.Logger
	runtime *config.Runtime
}

// New creates an application instance for a config file path.
func New(cfgPath string) *App {
	return &App{
		cfgPath: cfgPath,
		log:     logging.New(os.Stderr, "app"),
	}
}

// Runtime exposes the built runtime for tests and embedders; nil until
// Run has loaded the config.
func (a *App) Runtime() *config.Runtime { return a.runtime }

// Run loads the config, starts every workgroup's reactors, and blocks
// until a termination signal. It returns the process exit code: 0 on
// clean shutdown, 1 on configuration failure.
func (a *App) Run() int {
	root, err := config.Load(a.cfgPath)
	if err != nil {
		a.log.Error().Err(err).Msg("configuration failed")
		return 1
	}

	rt, err := config.Build(root, a.log)
	if err != nil {
		a.log.Error().Err(err).Msg("configuration failed")
		return 1
	}
	a.runtime = rt

	pools.ApplyGCConfig(pools.DefaultGCConfig())

	rt.Start()
	a.log.Info().Str("config", a.cfgPath).Msg("server started")

	stopWatch, err := config.Watch(a.cfgPath, rt, a.log)
	if err != nil {
		// Hot reload is best-effort; the server still runs.
		a.log.Warn().Err(err).Msg("config watch unavailable")
	} else {
		defer stopWatch()
	}

	a.awaitSignal()

	rt.Stop()
	a.log.Info().Msg("shutdown complete")
	return 0
}

func (a *App) awaitSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	a.log.Info().Str("signal", sig.String()).Msg("shutting down")
}

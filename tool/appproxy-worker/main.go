// Command appproxy-worker runs an AppProxy data-plane worker: it
// registers with the coordinator, converges its local proxy frontend
// from the shared circuit-lifecycle event stream, and forwards admitted
// traffic to compute session and inference endpoint backends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/kingpin"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/backendai/appproxy/lib/backend/etcdbk"
	"github.com/backendai/appproxy/lib/config"
	"github.com/backendai/appproxy/lib/events"
	"github.com/backendai/appproxy/lib/worker"
)

// Exit codes match spec.md §6: 0 normal termination, 64 config error, 70
// fatal runtime error.
const (
	exitOK      = 0
	exitConfig  = 64
	exitRuntime = 70
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	app := kingpin.New("appproxy-worker", "Backend.AI AppProxy worker.")
	app.HelpFlag.Short('h')

	var debug bool
	app.Flag("debug", "Enable verbose logging to stderr.").Short('d').BoolVar(&debug)

	startCmd := app.Command("start-server", "Run the worker until terminated.").Default()
	var configPath string
	startCmd.Flag("config", "Path to the worker's YAML configuration file.").Short('c').Required().StringVar(&configPath)

	selected, err := app.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	initLogger(debug)

	switch selected {
	case startCmd.FullCommand():
		return runStartServer(configPath)
	default:
		return exitConfig
	}
}

func initLogger(debug bool) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(logrus.InfoLevel)
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

func runStartServer(configPath string) int {
	cfg, err := config.LoadWorkerConfig(configPath)
	if err != nil {
		logrus.WithError(err).Error("invalid worker configuration")
		return exitConfig
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	be, err := etcdbk.New(ctx, etcdbk.Config{
		Endpoints:   cfg.Store.Endpoints,
		Prefix:      cfg.Store.Prefix,
		TLSCertFile: cfg.Store.CertFile,
		TLSKeyFile:  cfg.Store.KeyFile,
		TLSCAFile:   cfg.Store.CAFile,
		Username:    cfg.Store.Username,
		Password:    cfg.Store.Password,
	})
	if err != nil {
		logrus.WithError(err).Error("failed to connect to the persisted store")
		return exitRuntime
	}
	defer be.Close()

	clock := clockwork.NewRealClock()
	bus := events.New(be)

	w, err := worker.New(cfg, be, bus, clock)
	if err != nil {
		logrus.WithError(err).Error("failed to build worker")
		return exitConfig
	}

	logrus.WithField("authority", cfg.AdvertisedHost).Info("worker starting")
	if err := w.Run(ctx); err != nil {
		logrus.WithError(err).Error("worker exited")
		return exitRuntime
	}
	return exitOK
}

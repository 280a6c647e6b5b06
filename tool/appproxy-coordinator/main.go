// Command appproxy-coordinator runs the AppProxy control plane: the
// coordinator process that brokers circuit creation, worker registration
// and slot accounting over the persisted store shared with every worker.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/kingpin"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/backendai/appproxy/lib/backend/etcdbk"
	"github.com/backendai/appproxy/lib/circuits"
	"github.com/backendai/appproxy/lib/config"
	"github.com/backendai/appproxy/lib/coordinator"
	"github.com/backendai/appproxy/lib/events"
	"github.com/backendai/appproxy/lib/inference"
	"github.com/backendai/appproxy/lib/slots"
	"github.com/backendai/appproxy/lib/tokens"
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
	app := kingpin.New("appproxy-coordinator", "Backend.AI AppProxy coordinator.")
	app.HelpFlag.Short('h')

	var debug bool
	app.Flag("debug", "Enable verbose logging to stderr.").Short('d').BoolVar(&debug)

	startCmd := app.Command("start-server", "Run the coordinator until terminated.").Default()
	var configPath string
	startCmd.Flag("config", "Path to the coordinator's YAML configuration file.").Short('c').Required().StringVar(&configPath)

	genKeysCmd := app.Command("generate-jwt-keys", "Generate an RSA key pair for signing endpoint API tokens and print it to stdout.")

	selected, err := app.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	initLogger(debug)

	switch selected {
	case startCmd.FullCommand():
		return runStartServer(configPath)
	case genKeysCmd.FullCommand():
		return runGenerateJWTKeys()
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
	cfg, err := config.LoadCoordinatorConfig(configPath)
	if err != nil {
		logrus.WithError(err).Error("invalid coordinator configuration")
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
	ledger := slots.New(be)

	reg, err := circuits.New(circuits.Config{Backend: be, Ledger: ledger, Bus: bus, Clock: clock})
	if err != nil {
		logrus.WithError(err).Error("failed to build circuit registry")
		return exitRuntime
	}

	workers := coordinator.NewWorkerRegistry(be, ledger, reg, bus, clock)
	endpoints := coordinator.NewEndpointStore(be, clock)

	var jwtKey *tokens.JWTKey
	if cfg.JWTPrivateKeyFile != "" {
		priv, err := tokens.LoadPrivateKey(cfg.JWTPrivateKeyFile)
		if err != nil {
			logrus.WithError(err).Error("failed to load jwt private key")
			return exitConfig
		}
		jwtKey, err = tokens.NewJWTKey(tokens.JWTConfig{Clock: clock, PrivateKey: priv, CoordinatorID: cfg.CoordinatorID})
		if err != nil {
			logrus.WithError(err).Error("failed to build jwt signer")
			return exitConfig
		}
	}

	vault, err := tokens.New(tokens.Config{Backend: be, JWT: jwtKey, Clock: clock})
	if err != nil {
		logrus.WithError(err).Error("failed to build token vault")
		return exitRuntime
	}

	handler, err := coordinator.NewHandler(coordinator.Config{
		Backend:      be,
		Ledger:       ledger,
		Circuits:     reg,
		Endpoints:    endpoints,
		Workers:      workers,
		Vault:        vault,
		Bus:          bus,
		Clock:        clock,
		ManagerToken: cfg.ManagerToken,
		WorkerToken:  cfg.WorkerToken,
	})
	if err != nil {
		logrus.WithError(err).Error("failed to build coordinator handler")
		return exitRuntime
	}

	sweeper := inference.NewSweeper(be, reg, clock)
	go sweeper.Run(ctx)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logrus.WithField("addr", cfg.ListenAddr).Info("coordinator listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Error("coordinator server exited")
		return exitRuntime
	}
	return exitOK
}

func runGenerateJWTKeys() int {
	pub, priv, err := tokens.GenerateKeyPair()
	if err != nil {
		logrus.WithError(err).Error("failed to generate jwt key pair")
		return exitRuntime
	}
	fmt.Println(string(pub))
	fmt.Println(string(priv))
	return exitOK
}

// Package server initializes and runs the relay: it wires the identity store,
// the relay's signing key, the fan-out bus, the mixnet transport and the
// protocol router, and handles graceful shutdown on OS signals.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dial0ut/nymstr-group/internal/bus"
	"github.com/dial0ut/nymstr-group/internal/logging"
	"github.com/dial0ut/nymstr-group/internal/mixnet"
	"github.com/dial0ut/nymstr-group/internal/pgp"
	"github.com/dial0ut/nymstr-group/internal/protocol"
	"github.com/dial0ut/nymstr-group/internal/server/config"
	"github.com/dial0ut/nymstr-group/internal/store"
	"github.com/dial0ut/nymstr-group/internal/subscription"
)

type App struct {
	config *config.Config
	logger logging.Logger
	store  store.Store
	signer *pgp.Signer
	bus    bus.Bus

	// adminKey gates registration when non-empty; see config.AdminPublicKeyFile.
	adminKey string
}

func NewApp(cfg *config.Config) (*App, error) {

	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(slogger)

	st, err := store.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	signer, err := pgp.LoadOrGenerate(cfg.KeysDir, cfg.ClientID)
	if err != nil {
		return nil, fmt.Errorf("signing key init error: %w", err)
	}

	adminKey := ""
	if cfg.AdminPublicKeyFile != "" {
		raw, err := os.ReadFile(cfg.AdminPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading admin public key: %w", err)
		}
		adminKey = string(raw)
	}

	return &App{
		config:   cfg,
		logger:   logger,
		store:    st,
		signer:   signer,
		bus:      bus.NewRedis(cfg.RedisAddr),
		adminKey: adminKey,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run connects to the mixnet client and dispatches inbound frames until the
// context is cancelled or the mixnet connection drops.
func (app *App) Run(ctx context.Context) error {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	transport, err := mixnet.DialWebsocket(ctx, app.config.WebsocketURL, app.logger)
	if err != nil {
		return fmt.Errorf("mixnet init error: %w", err)
	}
	defer transport.Close()

	subs := subscription.NewManager(ctx, app.bus, app.store, transport, app.logger)
	defer subs.Close()

	router := protocol.NewRouter(app.store, app.signer, app.bus, transport, subs,
		app.logger, app.adminKey)

	defer func() {
		if err := app.bus.Close(); err != nil {
			app.logger.Error(ctx, "closing bus", "error", err)
		}
		if err := app.store.Close(); err != nil {
			app.logger.Error(ctx, "closing store", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			app.logger.Info(ctx, "Shutting down...")
			return nil
		case in, ok := <-transport.Messages():
			if !ok {
				return errors.New("mixnet connection closed")
			}
			router.Dispatch(ctx, in)
		}
	}
}

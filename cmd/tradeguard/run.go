package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"trade-guard/internal/api"
	"trade-guard/internal/broker"
	"trade-guard/internal/notify"
	"trade-guard/internal/replay"
	"trade-guard/internal/risk"
	"trade-guard/internal/session"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newRunCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the polling risk engine, the notifier and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(true)
			if err != nil {
				return err
			}
			defer a.log.Sync()
			return serve(a, user)
		},
	}
	cmd.Flags().StringVar(&user, "user", "default", "user that owns the configured broker access token")
	return cmd
}

func serve(a *app, user string) error {
	log := a.log
	cfg := a.cfg
	log.Info("Configuration loaded")

	rest := broker.NewRestClient(&cfg.Broker, log)
	sessions := session.NewRegistry(session.RestFactory(rest), log)
	if cfg.Broker.AccessToken != "" {
		sessions.Login(user, cfg.Broker.AccessToken)
	}

	dispatcher := notify.NewDispatcher(cfg.Notify.Buffer, notify.LogSender{Logger: log.Named("sender")}, a.store, log)
	engine, err := risk.New(cfg, a.store, sessions, nil, dispatcher, log)
	if err != nil {
		return err
	}
	replayer, err := replay.New(cfg, rest, a.store, dispatcher, log)
	if err != nil {
		return err
	}
	server := api.NewServer(cfg.Server.Port, engine, a.store, sessions, replayer, log)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigchan:
			log.Info("Shutdown signal received, gracefully shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return dispatcher.Run(ctx) })
	group.Go(func() error { return engine.Run(ctx) })
	group.Go(func() error { return server.Run(ctx) })

	err = group.Wait()
	if err != nil {
		log.Error("Service stopped with error", zap.Error(err))
		return err
	}
	log.Info("tradeguard has been shut down.")
	return nil
}

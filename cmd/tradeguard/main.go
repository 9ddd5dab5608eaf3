package main

import (
	"fmt"
	"os"

	"trade-guard/internal/config"
	"trade-guard/internal/database"
	"trade-guard/internal/logger"
	"trade-guard/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "tradeguard",
	Short: "Position lifecycle and risk engine for simulated and brokered trades",
	Long: `tradeguard watches open positions against a live price feed, enforcing
stop-loss, target and trailing rules per trade plus a daily time exit and a
profit lock per user.

It also replays a synthetic trade over historical candles for what-if analysis.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "./configs", "directory containing config.yml")
	rootCmd.AddCommand(newRunCmd(), newReplayCmd(), newHistoryCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds what every command needs.
type app struct {
	cfg   config.Config
	log   *zap.Logger
	atom  zap.AtomicLevel
	store *store.Store
}

// setup loads configuration, builds the logger and opens the store. With
// watch set, log level changes in the config file apply without a restart.
func setup(watch bool) (*app, error) {
	a := &app{}
	onChange := func(next config.Config) {
		if a.log != nil && logger.SetLevel(a.atom, next.Logger.Level) {
			a.log.Info("Log level updated", zap.String("level", next.Logger.Level))
		}
	}
	onError := func(err error) {
		if a.log != nil {
			a.log.Warn("Ignoring config change", zap.Error(err))
		}
	}

	var err error
	if watch {
		a.cfg, err = config.LoadAndWatch(configDir, onChange, onError)
	} else {
		a.cfg, err = config.LoadConfig(configDir)
	}
	if err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	a.log, a.atom, err = logger.NewLogger(a.cfg.Logger.Level, a.cfg.Logger.Format)
	if err != nil {
		return nil, fmt.Errorf("could not build logger: %w", err)
	}

	db, err := database.NewDatabase(a.cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	loc, err := a.cfg.Trading.Location()
	if err != nil {
		return nil, err
	}
	a.store = store.New(db, a.log, store.WithLocation(loc), store.WithDuplicateWindow(a.cfg.Trading.DuplicateWindow()))
	return a, nil
}

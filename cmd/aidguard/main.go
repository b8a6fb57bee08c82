// Command aidguard scores food-aid shipments for fraud. It runs the
// tracking HTTP service and offline train/score tools.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/mdobak/go-xerrors"
	"github.com/spf13/cobra"

	"github.com/hed1ad/aidguard/internal/config"
	"github.com/hed1ad/aidguard/internal/logging"
	"github.com/hed1ad/aidguard/internal/store"
	"github.com/hed1ad/aidguard/internal/store/postgres"
	"github.com/hed1ad/aidguard/internal/store/sqlite"
)

// app carries state shared by subcommands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		err := xerrors.New(err)
		slog.Default().ErrorContext(context.Background(), "aidguard failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: config.Load(), logger: slog.Default()}

	root := &cobra.Command{
		Use:           "aidguard",
		Short:         "Fraud scoring for food-aid shipments",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.logger = logging.New(logging.Config{
				Level:  a.cfg.LogLevel,
				Format: a.cfg.LogFormat,
				Output: cmd.ErrOrStderr(),
			})
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&a.cfg.LogFormat, "log-format", a.cfg.LogFormat, "log format (text, json)")
	flags.StringVar(&a.cfg.StoreDriver, "store", a.cfg.StoreDriver, "store driver (sqlite, postgres)")
	flags.StringVar(&a.cfg.SQLitePath, "sqlite-path", a.cfg.SQLitePath, "SQLite database file")
	flags.StringVar(&a.cfg.DatabaseURL, "database-url", a.cfg.DatabaseURL, "PostgreSQL connection string")
	flags.StringVar(&a.cfg.ModelPath, "model", a.cfg.ModelPath, "model snapshot file")

	root.AddCommand(
		newServeCmd(a),
		newTrainCmd(a),
		newScoreCmd(a),
	)
	return root
}

// openStore opens the configured store.
func (a *app) openStore(ctx context.Context) (store.Store, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}

	if a.cfg.StoreDriver == config.DriverPostgres {
		pg, err := postgres.Open(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}

	lite, err := sqlite.Open(a.cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return lite, nil
}

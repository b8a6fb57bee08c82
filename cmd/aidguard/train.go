package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/hed1ad/aidguard/internal/store"
	"github.com/hed1ad/aidguard/internal/tracking"
	"github.com/hed1ad/aidguard/pkg/fraud"
	"github.com/hed1ad/aidguard/pkg/io/csv"
	"github.com/hed1ad/aidguard/pkg/shipment"
)

// inputFlags selects CSV input. Without a shipments file the configured
// store is read instead.
type inputFlags struct {
	shipments string
	scans     string
}

func (f *inputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.shipments, "shipments", "", "shipments CSV file (default: read the store)")
	cmd.Flags().StringVar(&f.scans, "scans", "", "scan logs CSV file")
}

func newTrainCmd(a *app) *cobra.Command {
	var in inputFlags
	var out string

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit the fraud model and write a snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				out = a.cfg.ModelPath
			}
			if out == "" {
				return errors.New("no output path: set --out or --model")
			}

			histories, err := a.loadHistories(cmd.Context(), in)
			if err != nil {
				return err
			}

			engine := fraud.New(fraud.WithLogger(a.logger))
			trained, err := engine.Train(histories)
			if err != nil {
				return err
			}
			if !trained {
				return fmt.Errorf("need at least %d shipments to train, got %d", fraud.MinTrainingSamples, len(histories))
			}

			if err := tracking.SaveModel(engine, out); err != nil {
				return fmt.Errorf("save model: %w", err)
			}

			a.logger.Info("model written",
				slog.String("path", out),
				slog.Int("samples", len(histories)),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "trained on %d shipments, model written to %s\n", len(histories), out)
			return nil
		},
	}

	in.register(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "", "snapshot output file (default: --model)")
	return cmd
}

// loadHistories reads histories from CSV files or the store.
func (a *app) loadHistories(ctx context.Context, in inputFlags) ([]shipment.History, error) {
	if in.shipments != "" {
		r, err := csv.NewReader(in.shipments, in.scans)
		if err != nil {
			return nil, err
		}
		defer r.Close()

		histories, err := r.Read()
		if err != nil {
			return nil, err
		}
		if n := r.Skipped(); n > 0 {
			a.logger.Warn("skipped malformed CSV rows", slog.Int("rows", n))
		}
		return histories, nil
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	return store.Histories(ctx, st)
}

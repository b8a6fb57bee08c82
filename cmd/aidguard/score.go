package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/aidguard/internal/tracking"
	"github.com/hed1ad/aidguard/pkg/fraud"
	aidio "github.com/hed1ad/aidguard/pkg/io"
	"github.com/hed1ad/aidguard/pkg/io/csv"
	"github.com/hed1ad/aidguard/pkg/shipment"
)

func newScoreCmd(a *app) *cobra.Command {
	var in inputFlags
	var out, asOf string

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score shipments and write verdicts as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := []fraud.Option{fraud.WithLogger(a.logger)}
			if asOf != "" {
				t, err := time.Parse(time.RFC3339, asOf)
				if err != nil {
					return fmt.Errorf("invalid --as-of: %w", err)
				}
				opts = append(opts, fraud.WithClock(func() time.Time { return t }))
			}
			engine := fraud.New(opts...)

			if a.cfg.ModelPath != "" {
				restored, err := tracking.LoadModel(engine, a.cfg.ModelPath)
				if err != nil {
					return err
				}
				if !restored {
					return fmt.Errorf("model %s not found", a.cfg.ModelPath)
				}
			}

			histories, err := a.loadHistories(cmd.Context(), in)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}

			n, err := scoreAll(cmd.Context(), engine, histories, csv.NewWriter(w), a.logger)
			if err != nil {
				return err
			}
			a.logger.Info("scoring finished",
				slog.Int("shipments", n),
				slog.String("mode", string(engine.Mode())),
			)
			return nil
		},
	}

	in.register(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "", "output CSV file (default: stdout)")
	cmd.Flags().StringVar(&asOf, "as-of", "", "reference time for shipment age, RFC 3339 (default: now)")
	return cmd
}

// scoreAll streams histories through the engine and writes one row per
// scored shipment. Shipments that fail to score are logged and skipped.
func scoreAll(ctx context.Context, engine *fraud.Engine, histories []shipment.History, w aidio.Writer, logger *slog.Logger) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	input := make(chan shipment.History)
	output := make(chan fraud.Scored)

	go func() {
		defer close(input)
		for _, h := range histories {
			select {
			case input <- h:
			case <-ctx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.ScoreStream(ctx, input, output)
		close(output)
	}()

	written := 0
	var writeErr error
	for s := range output {
		if writeErr != nil {
			continue
		}
		if s.Err != nil {
			logger.Warn("failed to score shipment",
				slog.Int64("shipment_id", s.ShipmentID),
				slog.Any("error", s.Err),
			)
			continue
		}
		writeErr = w.Write(aidio.Result{
			ShipmentID: s.ShipmentID,
			DetectedAt: time.Now(),
			Score:      s.Verdict.Score,
			IsFraud:    s.Verdict.IsFraud,
			Reason:     s.Verdict.Reason,
			Mode:       string(s.Verdict.Mode),
		})
		if writeErr != nil {
			cancel()
			continue
		}
		written++
	}

	if err := <-errCh; err != nil && writeErr == nil {
		return written, err
	}
	if writeErr != nil {
		return written, fmt.Errorf("write result: %w", writeErr)
	}
	return written, w.Close()
}

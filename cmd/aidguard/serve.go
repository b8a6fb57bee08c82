package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/aidguard/internal/events"
	"github.com/hed1ad/aidguard/internal/httpapi"
	"github.com/hed1ad/aidguard/internal/metrics"
	"github.com/hed1ad/aidguard/internal/tracking"
	"github.com/hed1ad/aidguard/pkg/fraud"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracking and fraud detection HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}

	cmd.Flags().StringVar(&a.cfg.HTTPAddr, "addr", a.cfg.HTTPAddr, "HTTP listen address")
	cmd.Flags().BoolVar(&a.cfg.TrainOnStart, "train-on-start", a.cfg.TrainOnStart, "fit the model on stored shipments at startup")
	cmd.Flags().StringSliceVar(&a.cfg.KafkaBrokers, "kafka-brokers", a.cfg.KafkaBrokers, "Kafka brokers for verdict events")
	cmd.Flags().StringVar(&a.cfg.KafkaTopic, "kafka-topic", a.cfg.KafkaTopic, "Kafka topic for verdict events")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	logger := a.logger
	logger.Info("starting aidguard",
		slog.String("store", a.cfg.StoreDriver),
		slog.String("address", a.cfg.HTTPAddr),
	)

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	st, err := a.openStore(openCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	m := metrics.New()
	engine := fraud.New(fraud.WithObserver(m), fraud.WithLogger(logger))

	if a.cfg.ModelPath != "" {
		restored, err := tracking.LoadModel(engine, a.cfg.ModelPath)
		if err != nil {
			return fmt.Errorf("restore model: %w", err)
		}
		if restored {
			status := engine.Status()
			m.MarkTrained(status.Samples)
			logger.Info("restored fraud model",
				slog.String("path", a.cfg.ModelPath),
				slog.Int("samples", status.Samples),
			)
		}
	}

	var publisher events.Publisher = events.Nop{}
	if len(a.cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafka(a.cfg.KafkaBrokers, a.cfg.KafkaTopic)
		logger.Info("publishing verdicts to kafka",
			slog.Any("brokers", a.cfg.KafkaBrokers),
			slog.String("topic", a.cfg.KafkaTopic),
		)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("failed to close publisher", slog.Any("error", err))
		}
	}()

	svc := tracking.New(st, engine,
		tracking.WithPublisher(publisher),
		tracking.WithLogger(logger),
		tracking.WithModelPath(a.cfg.ModelPath),
	)

	if a.cfg.TrainOnStart {
		res, err := svc.Train(ctx)
		if err != nil {
			return fmt.Errorf("train on start: %w", err)
		}
		logger.Info("startup training finished",
			slog.Bool("trained", res.Trained),
			slog.Int("samples", res.Samples),
		)
	}

	httpServer := &http.Server{
		Addr:         a.cfg.HTTPAddr,
		Handler:      httpapi.New(svc, m.Handler(), logger).Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", slog.String("address", a.cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("aidguard stopped")
	return nil
}

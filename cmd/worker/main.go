package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/medassist/label-rag/internal/bootstrap"
	"github.com/medassist/label-rag/internal/config"
	"github.com/medassist/label-rag/internal/core/domain"
	"github.com/medassist/label-rag/internal/observability/logging"
	"github.com/medassist/label-rag/internal/observability/metrics"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger("worker", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	workerMetrics := metrics.NewWorkerMetrics("worker")
	go serveMetrics(ctx, cfg.WorkerMetricsPort, workerMetrics)

	slog.Info("worker subscribed", "subject", cfg.NATSSubject)
	err = app.Queue.SubscribeIngestJobs(ctx, func(handlerCtx context.Context, job domain.IngestJob) error {
		jobCtx, cancel := context.WithTimeout(handlerCtx, 10*time.Minute)
		defer cancel()

		workerMetrics.StartJob()
		workerMetrics.ObserveQueueLag("worker", time.Since(job.CreatedAt))
		start := time.Now()

		report, err := app.Ingestor.RunJob(jobCtx, job)
		inserted := 0
		if report != nil {
			inserted = report.ChunksInserted
		}
		workerMetrics.FinishJob("worker", string(job.Kind), time.Since(start), inserted, err)

		if err != nil {
			slog.Error("ingest job failed", "job_id", job.ID, "kind", job.Kind, "error", err)
			return err
		}
		slog.Info("ingest job done",
			"job_id", report.JobID,
			"kind", job.Kind,
			"labels", report.LabelsFetched,
			"chunks", report.ChunksInserted,
		)
		return nil
	})
	if err != nil {
		log.Fatalf("worker subscribe error: %v", err)
	}
}

func serveMetrics(ctx context.Context, port string, m *metrics.WorkerMetrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("worker metrics server error", "error", err)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/jwalitptl/caseflow/internal/app"
	"github.com/jwalitptl/caseflow/internal/config"
	"github.com/jwalitptl/caseflow/internal/handler/health"
	"github.com/jwalitptl/caseflow/internal/handler/prometheus"
	"github.com/jwalitptl/caseflow/internal/worker"
	"github.com/jwalitptl/caseflow/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	once := flag.Bool("once", false, "run one sweep and one delivery tick, then exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	workerID := app.WorkerID()
	log := app.NewLogger(cfg.Log).WithFields(map[string]interface{}{"worker_id": workerID})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal(err, "failed to initialise application")
	}
	defer a.Close()

	sweeper, err := a.Sweeper()
	if err != nil {
		log.Fatal(err, "failed to build SLA sweeper")
	}
	processor := worker.NewNotificationProcessor(a.Dispatcher(workerID), worker.NotificationProcessorConfig{
		PollInterval:      cfg.Notification.PollInterval,
		MaxBatchesPerTick: 10,
	}, log)

	if *once {
		report, err := sweeper.RunOnce(ctx)
		if err != nil {
			log.Error(err, "sweep failed")
		}
		log.Info("sweep finished",
			"breaches", report.Breaches,
			"timeouts", report.Timeouts,
			"reassigned", report.Reassigned,
			"escalated", report.Escalated,
			"failed", report.Failed,
			"skipped", report.Skipped)
		batch := processor.Tick(ctx)
		log.Info("delivery tick finished", "claimed", batch.Claimed, "sent", batch.Sent, "planned", batch.Planned)
		return
	}

	srv := healthServer(cfg, a, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "Health check server failed")
			stop()
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sweeper.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		processor.Start(ctx)
	}()

	<-ctx.Done()
	log.Info("Shutting down...")
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func healthServer(cfg *config.Config, a *app.App, log *logger.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	health.NewHandler(a.Store).RegisterRoutes(engine)
	engine.GET("/metrics", prometheus.New("caseflow_worker", a.Registry).Handler())

	log.Info("health server listening", "port", cfg.Server.HealthPort)
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HealthPort),
		Handler: engine,
	}
}

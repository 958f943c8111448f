package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/caseflow/internal/app"
	"github.com/jwalitptl/caseflow/internal/config"
	"github.com/jwalitptl/caseflow/internal/handler/cases"
	"github.com/jwalitptl/caseflow/internal/handler/health"
	"github.com/jwalitptl/caseflow/internal/handler/notification"
	"github.com/jwalitptl/caseflow/internal/handler/prometheus"
	"github.com/jwalitptl/caseflow/internal/middleware"
	"github.com/jwalitptl/caseflow/internal/router"
	"github.com/jwalitptl/caseflow/pkg/auth"
)

const tokenTTL = time.Hour

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := app.NewLogger(cfg.Log)

	if cfg.JWT.Secret == "" {
		log.Fatal(nil, "jwt.secret must be set for the API")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal(err, "failed to initialise application")
	}
	defer a.Close()

	gin.SetMode(gin.ReleaseMode)
	jwtSvc := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, tokenTTL)

	r := router.NewRouter(
		middleware.NewAuthMiddleware(jwtSvc),
		health.NewHandler(a.Store),
		prometheus.New("caseflow", a.Registry),
		log,
		router.RouterConfig{
			RateLimitEnabled: cfg.RateLimit.Enabled,
			RateLimit:        rate.Limit(cfg.RateLimit.RequestsPerSecond),
			RateBurst:        cfg.RateLimit.Burst,
		},
		cases.NewHandler(a.Cases),
		notification.NewHandler(a.Notifications),
	)
	r.Setup()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err, "failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "server forced to shutdown")
	}
	log.Info("server exited properly")
}

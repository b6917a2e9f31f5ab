package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/cobra-ai/credits/internal/app"
	"github.com/cobra-ai/credits/internal/config"
	"github.com/cobra-ai/credits/internal/domain/credit"
	"github.com/cobra-ai/credits/internal/middleware"
	"github.com/cobra-ai/credits/internal/pkg/database"
	"github.com/cobra-ai/credits/internal/pkg/jwt"
	"github.com/cobra-ai/credits/internal/pkg/logger"
	pkgresponse "github.com/cobra-ai/credits/internal/pkg/response"
)

func main() {
	cfg := config.Load()
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, Service: "credits-api"}); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise logger")
	}

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Str("db", cfg.DatabaseDriver).
		Msg("Starting credits API")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise credit ledger")
	}
	defer a.Close()

	go a.FollowTypeChanges(ctx)

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(a, jwtService),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

func newRouter(a *app.App, jwtService *jwt.Service) http.Handler {
	var jobLimiter *rate.Limiter
	if n := a.Config.JobTriggerRate; n > 0 {
		jobLimiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
	}
	creditHandler := credit.NewHandler(a.Credits, a.Scheduler, jobLimiter)

	authMiddleware := middleware.Auth(jwtService)
	adminMiddleware := middleware.RequireAdmin()

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(a.Config.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.DB.PingContext(ctx); err != nil {
			pkgresponse.ServiceUnavailable(w, "DB_UNAVAILABLE")
			return
		}
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"redis":   database.RedisStatus(ctx, a.Redis),
			"version": "1.0.0",
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			pkgresponse.OK(w, map[string]string{"message": "pong"})
		})

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)
			r.Mount("/credits", creditHandler.UserRoutes())
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(authMiddleware)
		r.Use(adminMiddleware)

		r.Mount("/credits", creditHandler.AdminRoutes())
		r.Mount("/credit-types", creditHandler.TypeAdminRoutes())
	})

	return r
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/examprep/backend/internal/config"
	"github.com/examprep/backend/internal/database"
	"github.com/examprep/backend/internal/logger"
	"github.com/examprep/backend/internal/middleware"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "examprep",
		Short:        "Adaptive exam session server",
		SilenceUsage: true,
	}

	serve := serveCmd()
	root.AddCommand(serve, migrateCmd(), sweepCmd(), tokenCmd())

	// "serve" is the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, expiry sweeper and grading results consumer",
		RunE:  runServe,
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE:  runMigrate,
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry and grading handoff pass and exit",
		RunE:  runSweep,
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed bearer token for a student (development only)",
		RunE:  runToken,
	}
	config.RegisterFlags(cmd.Flags())
	cmd.Flags().Int64("student-id", 0, "Student id to put in the token")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("student-id")
	return cmd
}

// setup loads config and builds the logger for cmd.
func setup(cmd *cobra.Command) (config.Config, *logger.Logger, error) {
	v, err := config.NewViper(cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid config: %w", err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.JWTSecret == "" {
		return errors.New("jwt-secret is required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.Auth([]byte(cfg.JWTSecret)))
	a.handler.RegisterRoutes(protected)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           c.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", "addr", cfg.Addr, "store", cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.service.StartExpirySweeper(gctx, cfg.SweepInterval)
		return nil
	})
	if a.consumer != nil {
		g.Go(func() error {
			return a.consumer.Run(gctx, a.service.HandleResult)
		})
	}

	err = g.Wait()
	log.Info("server stopped")
	return err
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	db, err := database.Connect(cfg.PostgresDSN())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		return err
	}
	log.Info("migrations applied", "db_host", cfg.DBHost, "db_name", cfg.DBName)
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	a, err := newApp(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	expired, handed, err := a.service.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	log.Info("sweep complete", "expired", expired, "handed_off", handed)
	return nil
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("jwt-secret is required")
	}
	studentID, _ := cmd.Flags().GetInt64("student-id")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	token, err := middleware.GenerateToken([]byte(cfg.JWTSecret), studentID, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

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

	"github.com/go-chi/chi/v5"
	"github.com/ippclub/modbrowser/internal/config"
	"github.com/ippclub/modbrowser/internal/handler"
	"github.com/ippclub/modbrowser/internal/logger"
	"github.com/ippclub/modbrowser/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	verbose    bool
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "modbrowser",
		Short:        "Browse, install and manage mods from the community index",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "path to the config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newInstallCmd())
	root.AddCommand(newUpdatesCmd())
	root.AddCommand(newToggleCmd("enable", true))
	root.AddCommand(newToggleCmd("disable", false))
	return root
}

// session is a started service plus the teardown for it.
type session struct {
	svc    *service.Service
	log    *zap.Logger
	cancel context.CancelFunc
}

// openSession loads the configuration, starts the service loop and kicks off
// the catalog load. quiet raises the log level so command output stays
// readable.
func openSession(ctx context.Context, quiet bool) (*session, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	switch {
	case verbose:
		cfg.Log.Level = "debug"
	case quiet:
		cfg.Log.Level = "warn"
	}

	log, err := logger.InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	svc, err := service.New(cfg, log)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	svc.Start(loopCtx)
	return &session{svc: svc, log: log, cancel: cancel}, nil
}

func (s *session) Close() {
	s.cancel()
	<-s.svc.Loop.Done()
	if err := s.svc.Close(); err != nil {
		s.log.Error("failed to close store", zap.Error(err))
	}
	s.log.Sync()
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the local HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()
	log, cfg := s.log, s.svc.Config

	api := handler.NewAPI(s.svc, log.Named("api"))
	defer api.Close()

	r := chi.NewRouter()
	api.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	if cfg.Catalog.RefreshInterval > 0 {
		log.Info("periodic reload enabled", zap.Duration("interval", cfg.Catalog.RefreshInterval))
		go s.svc.RefreshEvery(ctx, cfg.Catalog.RefreshInterval)
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server exited properly")
	return nil
}

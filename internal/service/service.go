// Package service assembles the catalog components around one consumer loop.
package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ippclub/modbrowser/internal/cache"
	"github.com/ippclub/modbrowser/internal/catalog"
	"github.com/ippclub/modbrowser/internal/config"
	"github.com/ippclub/modbrowser/internal/credential"
	"github.com/ippclub/modbrowser/internal/icon"
	"github.com/ippclub/modbrowser/internal/install"
	"github.com/ippclub/modbrowser/internal/loop"
	"github.com/ippclub/modbrowser/internal/model"
	"github.com/ippclub/modbrowser/internal/mods"
	"github.com/ippclub/modbrowser/internal/request"
	"github.com/ippclub/modbrowser/internal/stats"
	"github.com/ippclub/modbrowser/internal/store"
	"github.com/ippclub/modbrowser/internal/view"
	"github.com/ippclub/modbrowser/pkg/transport"
	"go.uber.org/zap"
)

// Service owns every long-lived component. Fields other than Config, Logger,
// Loop and Store must only be touched on the loop; use Call from other
// goroutines.
type Service struct {
	Config *config.Config
	Logger *zap.Logger
	Loop   *loop.Loop
	Store  *store.SQLiteStore

	Pool      *credential.Pool
	Runtime   *mods.Runtime
	Caches    *cache.Set
	Catalog   *catalog.Synchronizer
	Updates   *stats.UpdateChecker
	Stats     *stats.Aggregator
	Installer *install.Pipeline

	transport transport.Transport
	loaded    chan struct{}
}

// New builds a Service with the HTTP transport described by cfg.
func New(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	t := transport.New(
		transport.WithMaxInFlight(cfg.Transport.MaxInFlight),
		transport.WithRateLimit(cfg.Transport.RPS, cfg.Transport.Burst),
	)
	s, err := NewWithTransport(cfg, logger, t)
	if err != nil {
		t.Close()
		return nil, err
	}
	return s, nil
}

// NewWithTransport builds a Service on top of t.
func NewWithTransport(cfg *config.Config, logger *zap.Logger, t transport.Transport) (*Service, error) {
	db, err := store.NewSQLiteStore(cfg.Storage.Path, logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	lp := loop.New()
	pool := credential.FromSecrets(cfg.Credentials.Secrets(), cfg.Credentials.Quota, cfg.Credentials.Cooldown)
	orch := request.New(t, pool, lp, logger.Named("request"), request.Options{
		UserAgent:       cfg.Catalog.UserAgent,
		APITimeout:      cfg.Timeouts.API,
		DownloadTimeout: cfg.Timeouts.Download,
	})
	endpoints := request.NewEndpoints(cfg.Catalog.APIBaseURL, cfg.Catalog.WebBaseURL)

	rt := mods.New(cfg.Install.Root, db, logger.Named("mods"))
	caches := cache.NewSet()
	icons := icon.NewFetcher(orch, cfg.Catalog.RawBaseURL, cfg.Catalog.IconSize, logger.Named("icon"))

	s := &Service{
		Config:  cfg,
		Logger:  logger,
		Loop:    lp,
		Store:   db,
		Pool:    pool,
		Runtime: rt,
		Caches:  caches,
		Catalog: catalog.New(orch, icons, rt, db, caches, catalog.Options{
			IndexURL:      cfg.Catalog.IndexURL,
			Endpoints:     endpoints,
			VerifiedStars: cfg.Catalog.VerifiedStars,
		}, logger.Named("catalog")),
		Updates:   stats.NewUpdateChecker(orch, endpoints, caches.LatestTags, logger.Named("updates")),
		Stats:     stats.NewAggregator(orch, endpoints, caches.Stats, logger.Named("stats")),
		transport: t,
		loaded:    make(chan struct{}),
	}
	s.Installer = install.New(orch, lp, rt, db, install.NotifierFunc(s.notify), install.Options{
		Endpoints:     endpoints,
		DefaultBranch: cfg.Catalog.DefaultBranch,
		TempDir:       cfg.Install.TempDir,
	}, logger.Named("install"))

	return s, nil
}

// Start runs the loop until ctx is cancelled and loads local and remote
// state.
func (s *Service) Start(ctx context.Context) {
	go s.Loop.Run(ctx)

	s.Loop.Post(func() {
		requested, signalled := false, false
		s.Catalog.OnChange(func() {
			if requested && !signalled && s.Catalog.State() != catalog.Loading {
				signalled = true
				close(s.loaded)
			}
		})
		if err := s.Runtime.Rescan(); err != nil {
			s.Logger.Error("failed to scan installed mods", zap.Error(err))
		}
		s.Catalog.RefreshLocal()
		requested = true
		s.Catalog.LoadRemote()
	})
}

// Close stops the transport and closes the store, which flushes settings.
func (s *Service) Close() error {
	if c, ok := s.transport.(io.Closer); ok {
		c.Close()
	}
	return s.Store.Close()
}

// Call runs fn on the loop and waits for it.
func (s *Service) Call(ctx context.Context, fn func()) error {
	return s.Loop.Call(ctx, fn)
}

// WaitLoaded blocks until the first remote load finished or failed.
func (s *Service) WaitLoaded(ctx context.Context) error {
	select {
	case <-s.loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PageSize is the stored page size, falling back to the configured one.
func (s *Service) PageSize() int {
	return s.Store.GetInt(store.KeyPageSize, s.Config.Catalog.PageSize)
}

// View builds the visible page. Must run on the loop.
func (s *Service) View(st view.State) view.Page {
	return view.Build(s.Catalog.Sources(), st)
}

// Install installs rec and refreshes the catalog's local state on success.
// Must run on the loop.
func (s *Service) Install(rec model.PackageRecord, done func(install.Result, error)) {
	s.Installer.Install(rec, func(res install.Result, err error) {
		if err == nil {
			s.Catalog.RefreshLocal()
		}
		done(res, err)
	})
}

// SetEnabled toggles an installed mod and refreshes the catalog. Must run on
// the loop.
func (s *Service) SetEnabled(name string, enabled bool) error {
	if err := s.Runtime.SetEnabled(name, enabled); err != nil {
		return err
	}
	s.Catalog.RefreshLocal()
	return nil
}

// Reload clears caches and loads everything again. Must run on the loop.
func (s *Service) Reload() {
	s.Catalog.Reload()
}

// RefreshEvery posts a reload every interval until ctx is cancelled.
func (s *Service) RefreshEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Loop.Post(s.Reload)
		}
	}
}

func (s *Service) notify(n install.Notification) {
	if n.Err != nil {
		s.Logger.Error("install failed", zap.String("repo", n.Repo), zap.Error(n.Err))
		return
	}
	s.Logger.Info("installed, restart required",
		zap.String("repo", n.Repo),
		zap.String("name", n.Name),
		zap.String("version", n.Version),
	)
}

// Await starts an asynchronous operation on the loop and waits for its
// single result.
func Await[T any](ctx context.Context, s *Service, start func(reply func(T))) (T, error) {
	ch := make(chan T, 1)
	var zero T

	err := s.Call(ctx, func() {
		start(func(v T) {
			select {
			case ch <- v:
			default:
			}
		})
	})
	if err != nil {
		return zero, err
	}

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

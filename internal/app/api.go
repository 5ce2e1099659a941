package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	v1 "github.com/jaennil/terrainstream/internal/infrastructure/http/v1"
	"github.com/jaennil/terrainstream/internal/infrastructure/http/v1/handler"
	"github.com/jaennil/terrainstream/internal/repository/cache"
	"github.com/jaennil/terrainstream/internal/terrain/gate"
	"github.com/jaennil/terrainstream/internal/terrain/lod"
	"github.com/jaennil/terrainstream/internal/terrain/tile"
	"github.com/jaennil/terrainstream/internal/usecase"
	"github.com/jaennil/terrainstream/pkg/config"
	"github.com/jaennil/terrainstream/pkg/http_server"
	"github.com/jaennil/terrainstream/pkg/logger"
	"github.com/jaennil/terrainstream/pkg/telemetry"
)

func Run(cfg *config.Config) {
	l := logger.NewZapLogger(cfg.Logger)
	defer l.Sync()

	l.Info("app config", "cfg", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx = logger.WithLogger(ctx, l)

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTracer(cfg.Telemetry, l)
		if err != nil {
			l.Fatal("failed to initialize telemetry", "error", err)
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				l.Error("failed to shutdown telemetry", "error", err)
			}
		}()
	}

	tileCache, err := newTileCache(cfg, l)
	if err != nil {
		l.Fatal("failed to initialize tile cache", "backend", cfg.Cache.Backend, "error", err)
	}
	if closer, ok := tileCache.(io.Closer); ok {
		defer closer.Close()
	}
	tileCacheUseCase := usecase.NewTileCacheUseCase(tileCache, l)

	hub := handler.NewEventHub(l)
	defer hub.Close()

	terrain, err := lod.New(lodConfig(cfg, tileCacheUseCase, hub, l.With("component", "terrain")))
	if err != nil {
		l.Fatal("failed to build terrain map", "error", err)
	}

	validate := validator.New()
	h := handler.NewHandler(validate, terrain, tileCacheUseCase, hub)
	router := v1.NewRouter(h, l, cfg.Telemetry.Enabled)

	httpServer := http_server.NewServer(ctx, cfg.HTTP.Server, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.Info("starting http server...", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Info("received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		hub.Close()
		l.Info("shutting down http server...", "address", httpServer.Addr)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			l.Error("http server shutdown failed", "error", err)
		} else {
			l.Info("http_server shutdown completed")
		}

		terrain.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		l.Error("application stopped with error", "error", err)
	}

	l.Info("application shutdown completed")
}

func newTileCache(cfg *config.Config, l logger.Logger) (cache.TileCache, error) {
	switch cfg.Cache.Backend {
	case "map":
		return cache.NewMapCache(), nil
	case "ristretto":
		return cache.NewRistrettoCache(cache.RistrettoConfig{MaxCost: cfg.Cache.MaxCost})
	case "sqlite":
		return cache.NewSQLiteCache(cfg.Cache.SQLitePath, l)
	case "redis":
		return cache.NewRedisCache(cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
}

func lodConfig(cfg *config.Config, tileCache *usecase.TileCacheUseCase, hub *handler.EventHub, l logger.Logger) lod.Config {
	var pacing gate.Gate
	if cfg.Upstream.RateLimit > 0 {
		pacing = gate.NewRate(cfg.Upstream.RateLimit, cfg.Upstream.Burst)
	}

	client := &http.Client{Timeout: cfg.Upstream.Timeout}

	return lod.Config{
		TileSizeX:      cfg.LOD.TileSizeX,
		TileSizeZ:      cfg.LOD.TileSizeZ,
		ScaleFactor:    cfg.LOD.ScaleFactor,
		CoarseTiers:    cfg.LOD.CoarseTiers,
		OffsetX:        cfg.LOD.OffsetX,
		OffsetZ:        cfg.LOD.OffsetZ,
		MaxConcurrent:  cfg.LOD.MaxConcurrent,
		PresenceRadius: cfg.LOD.PresenceRadius,
		MaxViewTiles:   cfg.LOD.MaxViewTiles,
		Epoch:          cfg.LOD.Epoch,
		Gate:           pacing,
		Observer:       hub,
		Logger:         l,
		NewLoader: func(deps lod.LoaderDeps) (tile.Loader, error) {
			codec := usecase.PackedCodec
			if !deps.Layer.Coarse() {
				codec = usecase.FineCodec
			}
			return usecase.NewTileLoader(usecase.TileLoaderConfig{
				UpstreamURL: cfg.Upstream.TileServerURL,
				UserAgent:   cfg.Upstream.UserAgent,
				Tier:        deps.Layer.Index,
				Codec:       codec,
				Gate:        deps.Gate,
				Epoch:       deps.Epoch,
				Client:      client,
				Cache:       tileCache,
				Logger:      deps.Logger,

				BaseContext:  deps.Context,
				MaxBodyBytes: cfg.Upstream.MaxBodyBytes,
			})
		},
	}
}

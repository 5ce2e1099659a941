package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/jaennil/terrainstream/internal/repository/cache"
	"github.com/jaennil/terrainstream/internal/terrain/gate"
	"github.com/jaennil/terrainstream/internal/terrain/heightmap"
	"github.com/jaennil/terrainstream/internal/terrain/tile"
	"github.com/jaennil/terrainstream/pkg/logger"
	"github.com/jaennil/terrainstream/pkg/metrics"
)

const tracerName = "github.com/jaennil/terrainstream/internal/usecase"

// Codec turns an upstream body into a resident payload.
type Codec func(body []byte) (tile.Payload, error)

func FineCodec(body []byte) (tile.Payload, error) {
	f, err := heightmap.DecodeFine(body)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func PackedCodec(body []byte) (tile.Payload, error) {
	p, err := heightmap.DecodePacked(body)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type TileLoaderConfig struct {
	UpstreamURL string
	UserAgent   string
	Tier        int
	Codec       Codec
	Gate        gate.Gate
	Epoch       *tile.Epoch
	Client      *http.Client
	Cache       *TileCacheUseCase
	Logger      logger.Logger

	// BaseContext bounds upstream transfers, which otherwise outlive the
	// caller that started them. Cancelling it aborts them.
	BaseContext context.Context
	// MaxBodyBytes caps a tile body before and after decompression. It
	// defaults to heightmap.MaxBodySize.
	MaxBodyBytes int64
}

// TileLoader fetches the bodies of one tier from the upstream tile server.
// Identical concurrent requests share one transfer and a started transfer
// runs to completion, unless the base context ends, so a body that decodes
// reaches the cache.
type TileLoader struct {
	upstreamURL string
	userAgent   string
	tier        int
	codec       Codec
	gate        gate.Gate
	epoch       *tile.Epoch
	httpClient  *http.Client
	cache       *TileCacheUseCase
	base        context.Context
	maxBody     int64
	group       singleflight.Group
	tracer      trace.Tracer
	logger      logger.Logger
}

var _ tile.Loader = (*TileLoader)(nil)

func NewTileLoader(cfg TileLoaderConfig) (*TileLoader, error) {
	if _, err := url.Parse(cfg.UpstreamURL); err != nil || cfg.UpstreamURL == "" {
		return nil, fmt.Errorf("invalid upstream url %q", cfg.UpstreamURL)
	}
	if cfg.Codec == nil {
		return nil, errors.New("tile loader: codec is required")
	}
	if cfg.Gate == nil {
		cfg.Gate = gate.Open
	}
	if cfg.Epoch == nil {
		cfg.Epoch = tile.NewEpoch("")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.MaxBodyBytes <= 0 || cfg.MaxBodyBytes > heightmap.MaxBodySize {
		cfg.MaxBodyBytes = heightmap.MaxBodySize
	}
	return &TileLoader{
		upstreamURL: strings.TrimRight(cfg.UpstreamURL, "/"),
		userAgent:   cfg.UserAgent,
		tier:        cfg.Tier,
		codec:       cfg.Codec,
		gate:        cfg.Gate,
		epoch:       cfg.Epoch,
		httpClient:  cfg.Client,
		cache:       cfg.Cache,
		base:        cfg.BaseContext,
		maxBody:     cfg.MaxBodyBytes,
		tracer:      otel.Tracer(tracerName),
		logger:      logger.OrNop(cfg.Logger),
	}, nil
}

func (l *TileLoader) Load(ctx context.Context, c tile.Coord) (tile.Payload, error) {
	key := cache.TileCacheKey{Tier: l.tier, X: c.X, Z: c.Z, Epoch: l.epoch.Get()}

	ctx, span := l.tracer.Start(ctx, "TileLoader.Load", trace.WithAttributes(
		attribute.Int("tile.tier", key.Tier),
		attribute.Int("tile.x", key.X),
		attribute.Int("tile.z", key.Z),
		attribute.String("tile.epoch", key.Epoch),
	))
	defer span.End()

	body, fresh, err := l.body(ctx, key)
	if err != nil {
		if ctx.Err() != nil || l.base.Err() != nil {
			span.SetStatus(codes.Error, "cancelled")
			return nil, tile.ErrCancelled
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, &tile.FetchError{Tier: l.tier, Coord: c, Err: err}
	}

	payload, err := l.codec(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return nil, &tile.FetchError{Tier: l.tier, Coord: c, Err: err}
	}
	// only bodies that decode are cached
	if fresh && l.cache != nil {
		if err := l.cache.CacheTile(key, body); err != nil {
			l.logger.Warn("failed to cache tile", "key", key.String(), "error", err)
		}
	}

	if ctx.Err() != nil {
		payload.Dispose()
		span.SetStatus(codes.Error, "cancelled")
		return nil, tile.ErrCancelled
	}
	if err := l.gate.Wait(ctx); err != nil {
		payload.Dispose()
		span.SetStatus(codes.Error, "cancelled")
		return nil, tile.ErrCancelled
	}
	if ctx.Err() != nil {
		payload.Dispose()
		span.SetStatus(codes.Error, "cancelled")
		return nil, tile.ErrCancelled
	}

	span.SetStatus(codes.Ok, "")
	return payload, nil
}

// body returns the cached body for key or downloads it. fresh reports a
// download that has not been cached yet.
func (l *TileLoader) body(ctx context.Context, key cache.TileCacheKey) (data []byte, fresh bool, err error) {
	if l.cache != nil {
		if data, ok, err := l.cache.GetCachedTile(key); err == nil && ok {
			return data, false, nil
		}
	}

	v, err, shared := l.group.Do(key.String(), func() (any, error) {
		// the transfer outlives a cancelled caller but not the base context
		transfer, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(l.base, cancel)
		defer stop()
		return l.download(transfer, key)
	})
	if err != nil {
		return nil, false, err
	}
	if shared {
		l.logger.Debug("shared upstream fetch", "tier", key.Tier, "x", key.X, "z", key.Z)
	}
	return v.([]byte), true, nil
}

func (l *TileLoader) tileURL(key cache.TileCacheKey) string {
	u := fmt.Sprintf("%s/%d/%d/%d.bin", l.upstreamURL, key.Tier, key.X, key.Z)
	if key.Epoch != "" {
		u += "?epoch=" + url.QueryEscape(key.Epoch)
	}
	return u
}

func (l *TileLoader) download(ctx context.Context, key cache.TileCacheKey) ([]byte, error) {
	upstreamURL := l.tileURL(key)
	l.logger.Debug("fetching from upstream", "url", upstreamURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if l.userAgent != "" {
		req.Header.Set("User-Agent", l.userAgent)
	}
	req.Header.Set("Accept-Encoding", "zstd")

	metrics.UpstreamRequests.Inc()
	start := time.Now()
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tile from upstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	if resp.ContentLength > l.maxBody {
		return nil, fmt.Errorf("%w: %d byte body exceeds %d", heightmap.ErrMalformed, resp.ContentLength, l.maxBody)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBody+1))
	metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to read tile data: %w", err)
	}
	if int64(len(data)) > l.maxBody {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", heightmap.ErrMalformed, l.maxBody)
	}

	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "zstd") {
		data, err = heightmap.Decompress(data)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > l.maxBody {
			return nil, fmt.Errorf("%w: decompressed body exceeds %d bytes", heightmap.ErrMalformed, l.maxBody)
		}
	}

	l.logger.Debug("fetched tile from upstream",
		"tier", key.Tier,
		"x", key.X,
		"z", key.Z,
		"size", len(data),
	)
	return data, nil
}

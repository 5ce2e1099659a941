package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	Config struct {
		HTTP      HTTP      `envPrefix:"HTTP_"`
		Logger    Logger    `envPrefix:"LOGGER_"`
		Telemetry Telemetry `envPrefix:"TELEMETRY_"`
		Cache     Cache     `envPrefix:"CACHE_"`
		Redis     Redis     `envPrefix:"REDIS_"`
		Upstream  Upstream  `envPrefix:"UPSTREAM_"`
		LOD       LOD       `envPrefix:"LOD_"`
	}

	HTTP struct {
		Server  Server        `envPrefix:"SERVER_"`
		Timeout time.Duration `env:"TIMEOUT" envDefault:"10s"`
	}

	Server struct {
		Port         string        `env:"PORT,required"`
		ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
		WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
		IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	}

	Logger struct {
		Level    string `env:"LEVEL,required"`
		Encoding string `env:"ENCODING" envDefault:"console"`
	}

	Telemetry struct {
		Enabled        bool   `env:"ENABLED" envDefault:"false"`
		ServiceName    string `env:"SERVICE_NAME" envDefault:"terrainstream"`
		ServiceVersion string `env:"SERVICE_VERSION" envDefault:"1.0.0"`
		Environment    string `env:"ENVIRONMENT" envDefault:"production"`
		OTLPEndpoint   string `env:"OTLP_ENDPOINT" envDefault:"otel-collector.observability.svc.cluster.local:4317"`
	}

	Cache struct {
		// Backend is one of map, ristretto, sqlite, redis.
		Backend    string `env:"BACKEND" envDefault:"ristretto"`
		SQLitePath string `env:"SQLITE_PATH" envDefault:"file:tiles.db?cache=shared&mode=memory"`
		MaxCost    int64  `env:"MAX_COST" envDefault:"268435456"`
	}

	Redis struct {
		Addr     string        `env:"ADDR" envDefault:"localhost:6379"`
		Password string        `env:"PASSWORD" envDefault:""`
		DB       int           `env:"DB" envDefault:"0"`
		TTL      time.Duration `env:"TTL" envDefault:"24h"`
	}

	Upstream struct {
		TileServerURL string        `env:"TILE_SERVER_URL,required"`
		UserAgent     string        `env:"USER_AGENT" envDefault:"terrainstream/1.0"`
		Timeout       time.Duration `env:"TIMEOUT" envDefault:"30s"`
		RateLimit     float64       `env:"RATE_LIMIT" envDefault:"0"`
		Burst         int           `env:"BURST" envDefault:"16"`
		// MaxBodyBytes of 0 accepts bodies up to the largest valid tile.
		MaxBodyBytes int64 `env:"MAX_BODY_BYTES" envDefault:"0"`
	}

	LOD struct {
		TileSizeX      float64 `env:"TILE_SIZE_X" envDefault:"256" yaml:"tile_size_x"`
		TileSizeZ      float64 `env:"TILE_SIZE_Z" envDefault:"256" yaml:"tile_size_z"`
		ScaleFactor    float64 `env:"SCALE_FACTOR" envDefault:"2" yaml:"scale_factor"`
		CoarseTiers    int     `env:"COARSE_TIERS" envDefault:"4" yaml:"coarse_tiers"`
		OffsetX        float64 `env:"OFFSET_X" envDefault:"0" yaml:"offset_x"`
		OffsetZ        float64 `env:"OFFSET_Z" envDefault:"0" yaml:"offset_z"`
		MaxConcurrent  int     `env:"MAX_CONCURRENT" envDefault:"8" yaml:"max_concurrent"`
		PresenceRadius int     `env:"PRESENCE_RADIUS" envDefault:"32" yaml:"presence_radius"`
		MaxViewTiles   int     `env:"MAX_VIEW_TILES" envDefault:"0" yaml:"max_view_tiles"`
		Epoch          string  `env:"EPOCH" envDefault:"0" yaml:"epoch"`
		LayoutFile     string  `env:"LAYOUT_FILE" yaml:"-"`
	}
)

var cacheBackends = map[string]struct{}{
	"map":       {},
	"ristretto": {},
	"sqlite":    {},
	"redis":     {},
}

func New() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Printf("NOTICE: .env file not found or cannot be loaded: %v\n", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}

	if cfg.LOD.LayoutFile != "" {
		if err := cfg.LOD.loadLayout(cfg.LOD.LayoutFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadLayout overlays tier layout fields present in a YAML file. Fields the
// file leaves out keep their env values.
func (l *LOD) loadLayout(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read lod layout: %w", err)
	}
	if err := yaml.Unmarshal(data, l); err != nil {
		return fmt.Errorf("parse lod layout %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if _, ok := cacheBackends[c.Cache.Backend]; !ok {
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}
	if c.Upstream.RateLimit < 0 {
		errs = append(errs, errors.New("upstream rate limit must not be negative"))
	}
	if c.LOD.TileSizeX <= 0 || c.LOD.TileSizeZ <= 0 {
		errs = append(errs, errors.New("lod tile size must be positive"))
	}
	if c.LOD.CoarseTiers < 0 {
		errs = append(errs, errors.New("lod coarse tier count must not be negative"))
	}
	if c.LOD.CoarseTiers > 0 && c.LOD.ScaleFactor <= 1 {
		errs = append(errs, errors.New("lod scale factor must be greater than 1"))
	}
	if c.Upstream.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("upstream max body bytes must not be negative"))
	}
	if c.LOD.MaxViewTiles < 0 || c.LOD.MaxViewTiles > c.LOD.PresenceRadius {
		errs = append(errs, errors.New("lod max view tiles must be within the presence radius"))
	}
	if c.LOD.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("lod max concurrent must be positive"))
	}
	return errors.Join(errs...)
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HTTP_SERVER_PORT", "8080")
	t.Setenv("LOGGER_LEVEL", "debug")
	t.Setenv("UPSTREAM_TILE_SERVER_URL", "http://tiles.local")
}

func TestNewDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg.LOD.TileSizeX != 256 || cfg.LOD.ScaleFactor != 2 || cfg.LOD.CoarseTiers != 4 {
		t.Fatalf("unexpected lod defaults: %+v", cfg.LOD)
	}
	if cfg.LOD.MaxConcurrent != 8 {
		t.Fatalf("MaxConcurrent=%d want 8", cfg.LOD.MaxConcurrent)
	}
	if cfg.Cache.Backend != "ristretto" {
		t.Fatalf("Backend=%q", cfg.Cache.Backend)
	}
}

func TestNewMissingRequired(t *testing.T) {
	t.Setenv("HTTP_SERVER_PORT", "8080")
	t.Setenv("LOGGER_LEVEL", "info")
	t.Setenv("UPSTREAM_TILE_SERVER_URL", "")
	os.Unsetenv("UPSTREAM_TILE_SERVER_URL")

	if _, err := New(); err == nil {
		t.Fatalf("expected error without upstream url")
	}
}

func TestNewLayoutFileOverridesEnv(t *testing.T) {
	setRequiredEnv(t)
	path := filepath.Join(t.TempDir(), "layout.yaml")
	layout := "tile_size_x: 512\ntile_size_z: 128\nscale_factor: 3\ncoarse_tiers: 2\n"
	if err := os.WriteFile(path, []byte(layout), 0644); err != nil {
		t.Fatalf("write layout: %v", err)
	}
	t.Setenv("LOD_LAYOUT_FILE", path)
	t.Setenv("LOD_MAX_CONCURRENT", "4")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg.LOD.TileSizeX != 512 || cfg.LOD.TileSizeZ != 128 {
		t.Fatalf("tile size not overridden: %+v", cfg.LOD)
	}
	if cfg.LOD.ScaleFactor != 3 || cfg.LOD.CoarseTiers != 2 {
		t.Fatalf("tiers not overridden: %+v", cfg.LOD)
	}
	if cfg.LOD.MaxConcurrent != 4 {
		t.Fatalf("env value lost: MaxConcurrent=%d", cfg.LOD.MaxConcurrent)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		Cache: Cache{Backend: "map"},
		LOD: LOD{
			TileSizeX:     1,
			TileSizeZ:     1,
			ScaleFactor:   2,
			CoarseTiers:   1,
			MaxConcurrent: 1,
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"backend", func(c *Config) { c.Cache.Backend = "disk" }, "unknown cache backend"},
		{"tile size", func(c *Config) { c.LOD.TileSizeZ = 0 }, "tile size"},
		{"scale", func(c *Config) { c.LOD.ScaleFactor = 1 }, "scale factor"},
		{"tiers", func(c *Config) { c.LOD.CoarseTiers = -1 }, "coarse tier"},
		{"concurrency", func(c *Config) { c.LOD.MaxConcurrent = 0 }, "max concurrent"},
		{"rate", func(c *Config) { c.Upstream.RateLimit = -1 }, "rate limit"},
		{"body cap", func(c *Config) { c.Upstream.MaxBodyBytes = -1 }, "max body bytes"},
		{"view beyond presence", func(c *Config) { c.LOD.PresenceRadius = 4; c.LOD.MaxViewTiles = 5 }, "max view tiles"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v want containing %q", err, tt.want)
			}
		})
	}
}

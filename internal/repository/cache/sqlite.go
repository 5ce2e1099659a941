package cache

import (
	"database/sql"
	"embed"
	"errors"

	"github.com/jaennil/terrainstream/pkg/logger"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteCache struct {
	db     *sql.DB
	logger logger.Logger
}

func NewSQLiteCache(path string, l logger.Logger) (*SQLiteCache, error) {
	l = logger.OrNop(l)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// a shared in-memory database lives as long as one connection does
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, err
	}

	c := &SQLiteCache{
		db:     db,
		logger: l,
	}

	err = c.runMigrations()
	if err != nil {
		db.Close()
		return nil, err
	}

	l.Info("sqlite cache initialized", "path", path)

	return c, nil
}

func (c *SQLiteCache) runMigrations() error {
	goose.SetBaseFS(migrations)

	err := goose.SetDialect("sqlite3")
	if err != nil {
		return err
	}

	err = goose.Up(c.db, "migrations")
	if err != nil {
		return err
	}

	return nil
}

var _ TileCache = (*SQLiteCache)(nil)

func (c *SQLiteCache) Get(k TileCacheKey) (TileCacheValue, bool, error) {
	c.logger.Debug("sqlite cache get", "tier", k.Tier, "x", k.X, "z", k.Z, "epoch", k.Epoch)

	query := `SELECT tile_data
	FROM tile_cache
	WHERE tier = ? AND x = ? AND z = ? AND epoch = ?`

	var tileData []byte
	err := c.db.QueryRow(query, k.Tier, k.X, k.Z, k.Epoch).Scan(&tileData)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		c.logger.Error("sqlite cache get failed", "tier", k.Tier, "x", k.X, "z", k.Z, "error", err)
		return nil, false, err
	}

	return tileData, true, nil
}

func (c *SQLiteCache) Set(k TileCacheKey, v TileCacheValue) error {
	c.logger.Debug("sqlite cache set", "tier", k.Tier, "x", k.X, "z", k.Z, "epoch", k.Epoch)

	query := `INSERT INTO tile_cache (tier, x, z, epoch, tile_data)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(tier, x, z, epoch) DO UPDATE SET tile_data = excluded.tile_data`

	_, err := c.db.Exec(query, k.Tier, k.X, k.Z, k.Epoch, []byte(v))
	if err != nil {
		c.logger.Error("sqlite cache set failed", "tier", k.Tier, "x", k.X, "z", k.Z, "error", err)
		return err
	}

	return nil
}

// Prune deletes every row written under another epoch.
func (c *SQLiteCache) Prune(keepEpoch string) error {
	res, err := c.db.Exec(`DELETE FROM tile_cache WHERE epoch <> ?`, keepEpoch)
	if err != nil {
		c.logger.Error("sqlite cache prune failed", "epoch", keepEpoch, "error", err)
		return err
	}
	n, _ := res.RowsAffected()
	c.logger.Info("sqlite cache pruned", "kept_epoch", keepEpoch, "deleted", n)
	return nil
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

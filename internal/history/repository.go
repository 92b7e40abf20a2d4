package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/slyglif/tedapi2mqtt/internal/bridge"
	"github.com/slyglif/tedapi2mqtt/internal/errors"
	"github.com/slyglif/tedapi2mqtt/internal/logger"
)

const defaultDirPerm = 0o755

// Repository persists one row per poll cycle so state-of-charge and power
// curves survive restarts. Implements bridge.HistoryRecorder.
type Repository struct {
	db *sql.DB
	mu sync.Mutex
}

var _ bridge.HistoryRecorder = (*Repository)(nil)

func NewRepository(dbPath string) (*Repository, error) {
	errFactory := errors.New()

	if dbPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	logger.Debug().Str("path", dbPath).Msg("Initializing cycle history repository")

	if err := os.MkdirAll(filepath.Dir(dbPath), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL")
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS cycles (
            timestamp INTEGER PRIMARY KEY,
            result TEXT NOT NULL,
            published INTEGER NOT NULL,
            solar_w REAL,
            battery_w REAL,
            grid_w REAL,
            load_w REAL,
            battery_percent REAL,
            units INTEGER
        )
    `)
	if err != nil {
		return errors.New().Wrap(ErrStorageInit, err)
	}
	return nil
}

func (r *Repository) RecordCycle(ctx context.Context, rec bridge.CycleRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
        INSERT INTO cycles (
            timestamp, result, published,
            solar_w, battery_w, grid_w, load_w,
            battery_percent, units
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(timestamp) DO UPDATE SET
            result = excluded.result,
            published = excluded.published,
            solar_w = excluded.solar_w,
            battery_w = excluded.battery_w,
            grid_w = excluded.grid_w,
            load_w = excluded.load_w,
            battery_percent = excluded.battery_percent,
            units = excluded.units
    `,
		rec.Taken.Unix(),
		string(rec.Result),
		rec.Published,
		rec.SolarW,
		rec.BatteryW,
		rec.GridW,
		rec.LoadW,
		rec.BatteryPercent,
		rec.Units,
	)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}
	return nil
}

package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/couchcryptid/eews-aggregator/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLite stores registrations in an eews_devices table.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the database at path, creating directories and the
// schema as needed.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &SQLite{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS eews_devices (
		device_id TEXT PRIMARY KEY,
		auth_seed TEXT NOT NULL,
		latitude REAL,
		longitude REAL,
		location TEXT NOT NULL,
		registered_at TEXT NOT NULL
	);`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// List returns every registration ordered by registration time.
func (s *SQLite) List(ctx context.Context) ([]domain.Registration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, auth_seed, latitude, longitude, location, registered_at
		 FROM eews_devices ORDER BY registered_at, device_id;`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	regs := []domain.Registration{}
	for rows.Next() {
		var (
			reg          domain.Registration
			lat, lon     sql.NullFloat64
			registeredAt string
		)
		if err := rows.Scan(&reg.DeviceID, &reg.AuthSeed, &lat, &lon, &reg.Location, &registeredAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if lat.Valid {
			reg.Latitude = &lat.Float64
		}
		if lon.Valid {
			reg.Longitude = &lon.Float64
		}
		if reg.RegisteredAt, err = time.Parse(time.RFC3339Nano, registeredAt); err != nil {
			return nil, fmt.Errorf("parse registered_at for %s: %w", reg.DeviceID, err)
		}
		regs = append(regs, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return regs, nil
}

// Upsert inserts the registration or replaces the one with the same id.
func (s *SQLite) Upsert(ctx context.Context, reg domain.Registration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO eews_devices (device_id, auth_seed, latitude, longitude, location, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id)
		 DO UPDATE SET auth_seed = excluded.auth_seed,
				 latitude = excluded.latitude,
				 longitude = excluded.longitude,
				 location = excluded.location,
				 registered_at = excluded.registered_at;`,
		reg.DeviceID,
		reg.AuthSeed,
		nullFloat(reg.Latitude),
		nullFloat(reg.Longitude),
		reg.Location,
		reg.RegisteredAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

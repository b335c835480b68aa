package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ping is one GPS sample reported by a DSE's device
type Ping struct {
	ID       string    `json:"_id"`
	OwnerID  string    `json:"user"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	TS       time.Time `json:"ts"`
	Accuracy *float64  `json:"acc,omitempty"`   // meters
	Speed    *float64  `json:"speed,omitempty"` // m/s
}

// Coord returns the ping position
func (p Ping) Coord() LatLon {
	return LatLon{Lat: p.Lat, Lon: p.Lon}
}

type DB struct {
	*sql.DB
}

// OpenDB opens (creating if needed) the sqlite database at path and applies
// pending migrations.
func OpenDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	return &DB{db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}

	// m.Close would close db as well, so only the source is released
	defer src.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

const insertPingSQL = `INSERT OR IGNORE INTO pings (id, owner_id, ts, lat, lon, accuracy, speed) VALUES (?, ?, ?, ?, ?, ?, ?)`

// InsertPing stores a ping. inserted is false when the DSE already has a ping
// with the same timestamp.
func (db *DB) InsertPing(ctx context.Context, p Ping) (inserted bool, err error) {
	result, err := db.ExecContext(ctx, insertPingSQL,
		p.ID, p.OwnerID, toMillis(p.TS), p.Lat, p.Lon, nullFloat(p.Accuracy), nullFloat(p.Speed),
	)
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// InsertPingBatch inserts pings in a single transaction
// Returns count of inserted and skipped (duplicate) pings
func (db *DB) InsertPingBatch(ctx context.Context, pings []Ping) (inserted, skipped int, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertPingSQL)
	if err != nil {
		return 0, 0, err
	}
	defer stmt.Close()

	for _, p := range pings {
		result, err := stmt.ExecContext(ctx,
			p.ID, p.OwnerID, toMillis(p.TS), p.Lat, p.Lon, nullFloat(p.Accuracy), nullFloat(p.Speed),
		)
		if err != nil {
			return inserted, skipped, err
		}
		affected, _ := result.RowsAffected()
		if affected > 0 {
			inserted++
		} else {
			skipped++
		}
	}

	err = tx.Commit()
	return inserted, skipped, err
}

// QueryPings returns pings in [from, to) ordered by time. An empty ownerID
// returns pings for every DSE.
func (db *DB) QueryPings(ctx context.Context, ownerID string, from, to time.Time) ([]Ping, error) {
	query := `SELECT id, owner_id, ts, lat, lon, accuracy, speed FROM pings WHERE ts >= ? AND ts < ?`
	args := []any{toMillis(from), toMillis(to)}

	if ownerID != "" {
		query += " AND owner_id = ?"
		args = append(args, ownerID)
	}
	query += " ORDER BY owner_id, ts"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pings []Ping
	for rows.Next() {
		var (
			p        Ping
			ts       int64
			acc, spd sql.NullFloat64
		)
		if err := rows.Scan(&p.ID, &p.OwnerID, &ts, &p.Lat, &p.Lon, &acc, &spd); err != nil {
			return nil, err
		}
		p.TS = fromMillis(ts)
		p.Accuracy = floatPtr(acc)
		p.Speed = floatPtr(spd)
		pings = append(pings, p)
	}
	return pings, rows.Err()
}

// LatestPositions returns each DSE's most recent ping joined with their
// profile, newest first. A non-zero since drops DSEs not heard from since then.
func (db *DB) LatestPositions(ctx context.Context, since time.Time) ([]DisplayPoint, error) {
	query := `SELECT p.id, p.owner_id, p.ts, p.lat, p.lon, p.accuracy, p.speed,
			COALESCE(a.name, ''), COALESCE(a.phone, ''), COALESCE(a.photo_url, '')
		FROM pings p
		JOIN (SELECT owner_id, MAX(ts) AS ts FROM pings GROUP BY owner_id) l
			ON p.owner_id = l.owner_id AND p.ts = l.ts
		LEFT JOIN agents a ON a.id = p.owner_id`
	var args []any

	if !since.IsZero() {
		query += " WHERE p.ts >= ?"
		args = append(args, toMillis(since))
	}
	query += " ORDER BY p.ts DESC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []DisplayPoint
	for rows.Next() {
		var (
			dp       DisplayPoint
			ts       int64
			acc, spd sql.NullFloat64
		)
		if err := rows.Scan(&dp.ID, &dp.OwnerID, &ts, &dp.Lat, &dp.Lon, &acc, &spd,
			&dp.Name, &dp.Phone, &dp.PhotoURL); err != nil {
			return nil, err
		}
		dp.TS = fromMillis(ts)
		dp.Accuracy = floatPtr(acc)
		dp.Speed = floatPtr(spd)
		if dp.Name == "" {
			dp.Name = dp.OwnerID
		}
		points = append(points, dp)
	}
	return points, rows.Err()
}

// UpsertAgent creates or replaces a DSE profile
func (db *DB) UpsertAgent(ctx context.Context, a Agent) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO agents (id, name, phone, photo_url, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, phone = excluded.phone,
			photo_url = excluded.photo_url, updated_at = excluded.updated_at`,
		a.ID, a.Name, a.Phone, a.PhotoURL, time.Now().Unix(),
	)
	return err
}

// ListAgents returns all DSE profiles ordered by name
func (db *DB) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, name, phone, photo_url FROM agents ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Phone, &a.PhotoURL); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

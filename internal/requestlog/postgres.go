package requestlog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// OpenPostgres opens and pings a PostgreSQL database.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("requestlog: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("requestlog: ping postgres: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("requestlog: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("requestlog: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("requestlog: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("requestlog: migrate up: %w", err)
	}
	return nil
}

// PGStore keeps the request lifecycle in the chat_request_events table.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a store backed by the given database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Name() string { return "postgres" }

// Record inserts one event.
func (s *PGStore) Record(ctx context.Context, ev Event) error {
	const query = `
		INSERT INTO chat_request_events (event, from_seat, to_seat, room, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query, ev.Kind, ev.FromSeat, ev.ToSeat, ev.Room, ev.At)
	if err != nil {
		return fmt.Errorf("requestlog: insert: %w", err)
	}
	return nil
}

// History returns the most recent events involving seat, newest first.
func (s *PGStore) History(ctx context.Context, seat string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	const query = `
		SELECT event, from_seat, to_seat, room, created_at
		FROM chat_request_events
		WHERE from_seat = $1 OR to_seat = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, seat, limit)
	if err != nil {
		return nil, fmt.Errorf("requestlog: history: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Kind, &ev.FromSeat, &ev.ToSeat, &ev.Room, &ev.At); err != nil {
			return nil, fmt.Errorf("requestlog: scan: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("requestlog: rows: %w", err)
	}
	return out, nil
}

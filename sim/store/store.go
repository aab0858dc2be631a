// Package store persists colony snapshots in a SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/colony-sim/colony-sim/sim"
)

// ErrNotFound is returned when no snapshot has the requested ID.
var ErrNotFound = errors.New("snapshot not found")

var tracer = otel.Tracer("colony-sim/store")

const schema = `
CREATE TABLE IF NOT EXISTS snapshots(
	id         TEXT PRIMARY KEY,
	label      TEXT NOT NULL,
	seed       INTEGER NOT NULL,
	tick       INTEGER NOT NULL,
	created_ms INTEGER NOT NULL,
	body       BLOB NOT NULL
)`

// Entry describes a stored snapshot without its body.
type Entry struct {
	ID        string
	Label     string
	Seed      int64
	Tick      int64
	CreatedAt time.Time
	Size      int
}

// Store is a snapshot store backed by one SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the snapshot database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One writer; keeps SQLite from reporting SQLITE_BUSY under sweep.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save validates and stores snap under a fresh ID.
func (s *Store) Save(ctx context.Context, label string, snap *sim.Snapshot) (Entry, error) {
	ctx, span := tracer.Start(ctx, "store.Save", trace.WithAttributes(attribute.String("snapshot.label", label)))
	defer span.End()

	if err := snap.Validate(); err != nil {
		return Entry{}, fail(span, fmt.Errorf("store: refusing to save: %w", err))
	}
	body, err := sim.MarshalSnapshot(snap)
	if err != nil {
		return Entry{}, fail(span, fmt.Errorf("store: encode: %w", err))
	}
	e := Entry{
		ID:        uuid.NewString(),
		Label:     label,
		Seed:      snap.Seed,
		Tick:      snap.Tick,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Size:      len(body),
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO snapshots(id, label, seed, tick, created_ms, body) VALUES(?,?,?,?,?,?)",
		e.ID, e.Label, e.Seed, e.Tick, e.CreatedAt.UnixMilli(), body)
	if err != nil {
		return Entry{}, fail(span, fmt.Errorf("store: insert: %w", err))
	}
	span.SetAttributes(attribute.String("snapshot.id", e.ID), attribute.Int64("snapshot.tick", e.Tick), attribute.Int("snapshot.bytes", e.Size))
	logrus.Infof("saved snapshot %s (%s) at tick %d, %d bytes", e.ID, label, e.Tick, e.Size)
	return e, nil
}

// List returns every stored snapshot, oldest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	ctx, span := tracer.Start(ctx, "store.List")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, label, seed, tick, created_ms, length(body) FROM snapshots ORDER BY created_ms, rowid")
	if err != nil {
		return nil, fail(span, fmt.Errorf("store: list: %w", err))
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ms int64
		if err := rows.Scan(&e.ID, &e.Label, &e.Seed, &e.Tick, &ms, &e.Size); err != nil {
			return nil, fail(span, fmt.Errorf("store: scan: %w", err))
		}
		e.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("store: list: %w", err))
	}
	span.SetAttributes(attribute.Int("snapshot.count", len(out)))
	return out, nil
}

// Load fetches and validates the snapshot with id.
func (s *Store) Load(ctx context.Context, id string) (*sim.Snapshot, error) {
	ctx, span := tracer.Start(ctx, "store.Load", trace.WithAttributes(attribute.String("snapshot.id", id)))
	defer span.End()

	var body []byte
	err := s.db.QueryRowContext(ctx, "SELECT body FROM snapshots WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fail(span, fmt.Errorf("%w: %s", ErrNotFound, id))
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("store: load %s: %w", id, err))
	}
	snap, err := sim.UnmarshalSnapshot(body)
	if err != nil {
		return nil, fail(span, fmt.Errorf("store: load %s: %w", id, err))
	}
	return snap, nil
}

// Delete removes the snapshot with id.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "store.Delete", trace.WithAttributes(attribute.String("snapshot.id", id)))
	defer span.End()

	res, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE id = ?", id)
	if err != nil {
		return fail(span, fmt.Errorf("store: delete %s: %w", id, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fail(span, fmt.Errorf("%w: %s", ErrNotFound, id))
	}
	return nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

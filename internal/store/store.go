package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when an asset id is unknown.
var ErrNotFound = errors.New("asset not found")

// Store is the media library backed by PostgreSQL.
type Store struct {
	// pgx.Conn is not safe for concurrent use; photo saves and the video
	// queue can write at the same time.
	mu   sync.Mutex
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS media_assets (
			id UUID PRIMARY KEY,
			kind TEXT NOT NULL,
			path TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			session_id TEXT
		);
		CREATE INDEX IF NOT EXISTS media_assets_created_at_idx ON media_assets (created_at DESC);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// SaveAsset records a saved file and returns its library id. A zero
// CreatedAt means now.
func (s *Store) SaveAsset(ctx context.Context, a types.Asset) (string, error) {
	if a.Path == "" {
		return "", fmt.Errorf("asset has no path")
	}
	id := a.ID
	if id == "" {
		id = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	var lat, lon *float64
	if a.Location != nil {
		lat, lon = &a.Location.Latitude, &a.Location.Longitude
	}
	var session *string
	if a.SessionID != "" {
		session = &a.SessionID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO media_assets (id, kind, path, created_at, latitude, longitude, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, string(a.Kind), a.Path, a.CreatedAt, lat, lon, session)
	if err != nil {
		return "", err
	}
	return id, nil
}

const assetColumns = `id::text, kind, path, created_at, latitude, longitude, COALESCE(session_id, '')`

func scanAsset(row pgx.Row) (types.Asset, error) {
	var a types.Asset
	var kind string
	var lat, lon *float64
	if err := row.Scan(&a.ID, &kind, &a.Path, &a.CreatedAt, &lat, &lon, &a.SessionID); err != nil {
		return a, err
	}
	a.Kind = types.AssetKind(kind)
	if lat != nil && lon != nil {
		a.Location = &types.Location{Latitude: *lat, Longitude: *lon}
	}
	return a, nil
}

// GetAsset fetches one asset by id.
func (s *Store) GetAsset(ctx context.Context, id string) (types.Asset, error) {
	if _, err := uuid.Parse(id); err != nil {
		return types.Asset{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := scanAsset(s.conn.QueryRow(ctx, "SELECT "+assetColumns+" FROM media_assets WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

// ListAssets returns the newest assets first. limit <= 0 returns all.
func (s *Store) ListAssets(ctx context.Context, limit int) ([]types.Asset, error) {
	query := "SELECT " + assetColumns + " FROM media_assets ORDER BY created_at DESC, id"
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []types.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// DeleteAsset removes the library record. The file itself is left alone.
func (s *Store) DeleteAsset(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, err := s.conn.Exec(ctx, "DELETE FROM media_assets WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `DROP TABLE IF EXISTS media_assets CASCADE;`)
	return err
}

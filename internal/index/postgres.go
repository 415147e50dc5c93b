package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL for shared deployments.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to PostgreSQL and ensures the schema exists.
func OpenPostgres(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres index: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS assets (
			id BIGSERIAL PRIMARY KEY,
			content_hash TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			byte_size BIGINT NOT NULL,
			mime_type TEXT NOT NULL,
			media_kind TEXT NOT NULL,
			remote_handle TEXT NOT NULL,
			remote_channel BIGINT NOT NULL,
			remote_sequence BIGINT NOT NULL,
			collection TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_assets_collection ON assets(collection);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

const pgAssetCols = `id, content_hash, display_name, byte_size, mime_type,
	media_kind, remote_handle, remote_channel, remote_sequence, collection, created_at`

func (s *PostgresStore) FindByHash(ctx context.Context, hash string) (*Asset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgAssetCols+` FROM assets WHERE content_hash = $1`, hash)
	return scanAsset(row)
}

func (s *PostgresStore) Insert(ctx context.Context, a *Asset) (int64, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO assets (content_hash, display_name, byte_size, mime_type,
			media_kind, remote_handle, remote_channel, remote_sequence, collection, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		a.ContentHash, a.DisplayName, a.ByteSize, a.MIMEType,
		string(a.MediaKind), a.Handle, a.Location.ChannelID, a.Location.Sequence,
		a.Collection, a.CreatedAt).Scan(&a.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return 0, ErrDuplicateHash
		}
		return 0, fmt.Errorf("insert asset: %w", err)
	}
	return a.ID, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Asset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgAssetCols+` FROM assets WHERE id = $1`, id)
	return scanAsset(row)
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]*Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgAssetCols+` FROM assets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()
	return scanAssets(rows)
}

func (s *PostgresStore) UpdateHandle(ctx context.Context, id int64, handle string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assets SET remote_handle = $1 WHERE id = $2`, handle, id)
	if err != nil {
		return fmt.Errorf("update handle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetCollection(ctx context.Context, id int64, collection string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assets SET collection = $1 WHERE id = $2`, collection, id)
	if err != nil {
		return fmt.Errorf("set collection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(byte_size), 0),
			COUNT(DISTINCT collection) FILTER (WHERE collection != '')
		 FROM assets`).Scan(&st.Assets, &st.TotalBytes, &st.Collections)
	if err != nil {
		return nil, fmt.Errorf("index stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*SQLiteStore)(nil)

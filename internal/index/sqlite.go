package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/televault/televault/internal/media"
)

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if necessary creates) the SQLite index at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite index: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS assets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content_hash TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			byte_size INTEGER NOT NULL,
			mime_type TEXT NOT NULL,
			media_kind TEXT NOT NULL,
			remote_handle TEXT NOT NULL,
			remote_channel INTEGER NOT NULL,
			remote_sequence INTEGER NOT NULL,
			collection TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assets_hash ON assets(content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_assets_collection ON assets(collection)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

const sqliteAssetCols = `id, content_hash, display_name, byte_size, mime_type,
	media_kind, remote_handle, remote_channel, remote_sequence, collection, created_at`

func (s *SQLiteStore) FindByHash(ctx context.Context, hash string) (*Asset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAssetCols+` FROM assets WHERE content_hash = ?`, hash)
	return scanAsset(row)
}

func (s *SQLiteStore) Insert(ctx context.Context, a *Asset) (int64, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (content_hash, display_name, byte_size, mime_type,
			media_kind, remote_handle, remote_channel, remote_sequence, collection, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ContentHash, a.DisplayName, a.ByteSize, a.MIMEType,
		string(a.MediaKind), a.Handle, a.Location.ChannelID, a.Location.Sequence,
		a.Collection, a.CreatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return 0, ErrDuplicateHash
		}
		return 0, fmt.Errorf("insert asset: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	a.ID = id
	return id, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Asset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAssetCols+` FROM assets WHERE id = ?`, id)
	return scanAsset(row)
}

func (s *SQLiteStore) ListAll(ctx context.Context) ([]*Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteAssetCols+` FROM assets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()
	return scanAssets(rows)
}

func (s *SQLiteStore) UpdateHandle(ctx context.Context, id int64, handle string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assets SET remote_handle = ? WHERE id = ?`, handle, id)
	if err != nil {
		return fmt.Errorf("update handle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SetCollection(ctx context.Context, id int64, collection string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assets SET collection = ? WHERE id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("set collection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(byte_size), 0),
			COUNT(DISTINCT CASE WHEN collection != '' THEN collection END)
		 FROM assets`).Scan(&st.Assets, &st.TotalBytes, &st.Collections)
	if err != nil {
		return nil, fmt.Errorf("index stats: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (*Asset, error) {
	a := &Asset{}
	var kind string
	err := row.Scan(&a.ID, &a.ContentHash, &a.DisplayName, &a.ByteSize,
		&a.MIMEType, &kind, &a.Handle, &a.Location.ChannelID,
		&a.Location.Sequence, &a.Collection, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan asset: %w", err)
	}
	a.MediaKind = media.Kind(kind)
	return a, nil
}

func scanAssets(rows *sql.Rows) ([]*Asset, error) {
	var assets []*Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

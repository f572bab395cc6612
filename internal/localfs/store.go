// Package localfs is the local content store: files and folders kept in
// SQLite, addressed by absolute slash-separated paths.
package localfs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cloudfs/internal/database"
	"cloudfs/internal/events"
	"cloudfs/internal/pathutil"
)

const schemaVersion = 1

// ErrPathConflict is returned when a file would shadow a folder or the reverse
var ErrPathConflict = errors.New("path is used by both a file and a folder")

// GlobOptions scopes Glob to a folder
type GlobOptions struct {
	Root string
}

// Store keeps files and folders in one key space
type Store struct {
	db     *database.DB
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time
}

// Open opens the store database at path
func Open(ctx context.Context, path string, bus *events.Bus, logger *zap.Logger) (*Store, error) {
	db, err := database.Open(ctx, path, database.Options{
		Version: schemaVersion,
		Upgrade: upgrade,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		db:     db,
		bus:    bus,
		logger: logger.With(zap.String("component", "localfs")),
		now:    time.Now,
	}, nil
}

func upgrade(tx *sql.Tx, oldVersion, _ int) error {
	if oldVersion < 1 {
		_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS files (
			path TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			folder TEXT NOT NULL,
			content BLOB,
			tombstone INTEGER NOT NULL DEFAULT 0,
			mime_type TEXT NOT NULL,
			size INTEGER NOT NULL,
			last_modified INTEGER NOT NULL,
			checksum TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_files_name ON files(name);
		CREATE INDEX IF NOT EXISTS idx_files_folder ON files(folder);
		CREATE INDEX IF NOT EXISTS idx_files_last_modified ON files(last_modified);
		CREATE INDEX IF NOT EXISTS idx_files_mime_type ON files(mime_type);
		CREATE INDEX IF NOT EXISTS idx_files_checksum ON files(checksum);

		CREATE TABLE IF NOT EXISTS folders (
			path TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			parent TEXT NOT NULL,
			last_modified INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_folders_name ON folders(name);
		CREATE INDEX IF NOT EXISTS idx_folders_parent ON folders(parent);
		CREATE INDEX IF NOT EXISTS idx_folders_last_modified ON folders(last_modified);
		`)
		if err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

// WriteFile creates or overwrites the file at p, materializing every folder
// above it. A nil content writes a tombstone.
func (s *Store) WriteFile(ctx context.Context, p string, content []byte, opts WriteOptions) error {
	record, err := s.write(ctx, p, content, opts)
	if err != nil {
		return err
	}

	s.logger.Debug("Wrote file",
		zap.String("path", record.Path),
		zap.Int64("size", record.Size),
		zap.String("mime_type", record.MimeType),
	)
	s.bus.Publish(events.FileWritten, events.FileDetail{Path: record.Path, Size: record.Size})
	return nil
}

func (s *Store) write(ctx context.Context, p string, content []byte, opts WriteOptions) (*FileRecord, error) {
	r := pathutil.Resolve(p)
	if r.Path == "/" {
		return nil, fmt.Errorf("cannot write file at root: %w", ErrPathConflict)
	}

	modified := opts.LastModified
	if modified.IsZero() {
		modified = s.now()
	}

	record := FileRecord{
		Path:         r.Path,
		Name:         r.Base,
		Folder:       r.Dir,
		Content:      content,
		MimeType:     detectMimeType(r.Base, content, opts.MimeType),
		Size:         int64(len(content)),
		LastModified: modified,
		Checksum:     Checksum(content),
		Tombstone:    content == nil,
	}

	err := s.db.Update(ctx, func(tx *sql.Tx) error {
		if exists, err := rowExists(tx, `SELECT 1 FROM folders WHERE path = ?`, r.Path); err != nil {
			return err
		} else if exists {
			return fmt.Errorf("%s: %w", r.Path, ErrPathConflict)
		}

		if err := s.makeDirs(tx, r.Dir, modified); err != nil {
			return err
		}

		_, err := tx.Exec(`
		INSERT INTO files (path, name, folder, content, tombstone, mime_type, size, last_modified, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content = excluded.content,
			tombstone = excluded.tombstone,
			mime_type = excluded.mime_type,
			size = excluded.size,
			last_modified = excluded.last_modified,
			checksum = excluded.checksum
		`,
			record.Path,
			record.Name,
			record.Folder,
			record.Content,
			record.Tombstone,
			record.MimeType,
			record.Size,
			record.LastModified.UnixNano(),
			record.Checksum,
		)
		if err != nil {
			return fmt.Errorf("failed to write file %s: %w", r.Path, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// makeDirs upserts dir and every folder above it
func (s *Store) makeDirs(tx *sql.Tx, dir string, modified time.Time) error {
	for _, folder := range append(pathutil.Ancestors(dir), dir) {
		if exists, err := rowExists(tx, `SELECT 1 FROM files WHERE path = ?`, folder); err != nil {
			return err
		} else if exists {
			return fmt.Errorf("%s: %w", folder, ErrPathConflict)
		}

		r := pathutil.Resolve(folder)
		_, err := tx.Exec(`
		INSERT INTO folders (path, name, parent, last_modified)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET last_modified = excluded.last_modified
		WHERE excluded.path = ?
		`, r.Path, r.Base, r.Dir, modified.UnixNano(), dir)
		if err != nil {
			return fmt.Errorf("failed to create folder %s: %w", folder, err)
		}
	}
	return nil
}

// ReadFile returns the file at p, or nil when there is none
func (s *Store) ReadFile(ctx context.Context, p string) (*FileRecord, error) {
	var record *FileRecord
	err := s.db.View(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, selectFiles+` WHERE path = ?`, pathutil.Join(p))
		r, err := scanFile(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		record = r
		return err
	})
	return record, err
}

// Rm marks the file at p as deleted by writing a tombstone
func (s *Store) Rm(ctx context.Context, p string) error {
	record, err := s.write(ctx, p, nil, WriteOptions{})
	if err != nil {
		return err
	}

	s.logger.Debug("Removed file", zap.String("path", record.Path))
	s.bus.Publish(events.FileRemoved, events.FileDetail{Path: record.Path})
	return nil
}

// Clear deletes the record of the file at p
func (s *Store) Clear(ctx context.Context, p string) error {
	return s.db.Update(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM files WHERE path = ?`, pathutil.Join(p)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", p, err)
		}
		return nil
	})
}

// Mkdir creates the folder p and every folder above it
func (s *Store) Mkdir(ctx context.Context, p string) error {
	dir := pathutil.Join(p)
	err := s.db.Update(ctx, func(tx *sql.Tx) error {
		return s.makeDirs(tx, dir, s.now())
	})
	if err != nil {
		return err
	}

	s.bus.Publish(events.Mkdir, events.FileDetail{Path: dir})
	return nil
}

// Rmdir tombstones every file below p and drops p and its sub-folders
func (s *Store) Rmdir(ctx context.Context, p string) error {
	dir := pathutil.Join(p)
	lo, hi := prefixRange(dir)
	now := s.now().UnixNano()

	err := s.db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
		UPDATE files SET content = NULL, tombstone = 1, size = 0, checksum = ?, last_modified = ?
		WHERE folder = ? OR (folder >= ? AND folder < ?)
		`, Checksum(nil), now, dir, lo, hi)
		if err != nil {
			return fmt.Errorf("failed to remove files under %s: %w", dir, err)
		}

		_, err = tx.Exec(`DELETE FROM folders WHERE path = ? OR (path >= ? AND path < ?)`, dir, lo, hi)
		if err != nil {
			return fmt.Errorf("failed to remove folders under %s: %w", dir, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Removed folder and its children", zap.String("path", dir))
	s.bus.Publish(events.Rmdir, events.FileDetail{Path: dir})
	return nil
}

// Readdir returns the names of the live files and folders directly inside p
func (s *Store) Readdir(ctx context.Context, p string) ([]string, error) {
	dir := pathutil.Join(p)
	var names []string

	err := s.db.View(ctx, func(db *sql.DB) error {
		files, err := queryNames(ctx, db, `SELECT name FROM files WHERE folder = ? AND tombstone = 0 ORDER BY name`, dir)
		if err != nil {
			return err
		}
		folders, err := queryNames(ctx, db, `SELECT name FROM folders WHERE parent = ? AND path != ? ORDER BY name`, dir, dir)
		if err != nil {
			return err
		}
		names = append(files, folders...)
		return nil
	})

	s.logger.Debug("Read folder", zap.String("path", dir), zap.Int("entries", len(names)))
	return names, err
}

// PathExists reports whether p is a file or a folder
func (s *Store) PathExists(ctx context.Context, p string) (bool, error) {
	path := pathutil.Join(p)
	var count int
	err := s.db.View(ctx, func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM files WHERE path = ?) + (SELECT COUNT(*) FROM folders WHERE path = ?)
		`, path, path).Scan(&count)
	})
	return count > 0, err
}

// Glob returns every file below opts.Root, tombstones included, whose path
// matches one of the patterns.
func (s *Store) Glob(ctx context.Context, patterns []string, opts GlobOptions) ([]FileRecord, error) {
	root := pathutil.Join(opts.Root)
	lo, hi := prefixRange(root)

	var candidates []FileRecord
	err := s.db.View(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, selectFiles+`
		WHERE folder = ? OR (folder >= ? AND folder < ?)
		ORDER BY path
		`, root, lo, hi)
		if err != nil {
			return err
		}
		candidates, err = scanFiles(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files under %s: %w", root, err)
	}

	files := make([]FileRecord, 0, len(candidates))
	for _, f := range candidates {
		ok, err := pathutil.Match(root, f.Path, patterns...)
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern: %w", err)
		}
		if ok {
			files = append(files, f)
		}
	}
	return files, nil
}

var indexColumns = map[string]string{
	"name":     "name",
	"folder":   "folder",
	"mimeType": "mime_type",
	"checksum": "checksum",
}

// FindFilesByIndex returns the files whose indexed field equals value.
// Supported fields: name, folder, mimeType, checksum.
func (s *Store) FindFilesByIndex(ctx context.Context, field, value string) ([]FileRecord, error) {
	column, ok := indexColumns[field]
	if !ok {
		return nil, fmt.Errorf("unknown file index %q", field)
	}

	var files []FileRecord
	err := s.db.View(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, selectFiles+` WHERE `+column+` = ? ORDER BY path`, value)
		if err != nil {
			return err
		}
		files, err = scanFiles(rows)
		return err
	})
	return files, err
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

const selectFiles = `SELECT path, name, folder, content, tombstone, mime_type, size, last_modified, checksum FROM files`

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*FileRecord, error) {
	var (
		record   FileRecord
		modified int64
	)
	err := row.Scan(
		&record.Path,
		&record.Name,
		&record.Folder,
		&record.Content,
		&record.Tombstone,
		&record.MimeType,
		&record.Size,
		&modified,
		&record.Checksum,
	)
	if err != nil {
		return nil, err
	}
	record.LastModified = time.Unix(0, modified)
	if record.Tombstone {
		record.Content = nil
	} else if record.Content == nil {
		record.Content = []byte{}
	}
	return &record, nil
}

func scanFiles(rows *sql.Rows) ([]FileRecord, error) {
	defer rows.Close()

	var files []FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

func queryNames(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func rowExists(tx *sql.Tx, query string, args ...any) (bool, error) {
	var one int
	err := tx.QueryRow(query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// prefixRange returns the key range holding every path strictly below dir
func prefixRange(dir string) (string, string) {
	if dir == "/" {
		return "/", "/\uffff"
	}
	return dir + "/", dir + "/\uffff"
}

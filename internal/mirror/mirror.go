// Package mirror copies files between the local store and a directory tree.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"go.uber.org/zap"

	"cloudfs/internal/localfs"
	"cloudfs/internal/pathutil"
)

// Options narrows what is copied
type Options struct {
	// Root is the store folder the tree maps onto; "/" when empty
	Root string
	// Patterns select files relative to the tree; every file when empty
	Patterns []string
	Logger   *zap.Logger
}

func (o *Options) setDefaults() {
	o.Root = pathutil.Join(o.Root)
	if len(o.Patterns) == 0 {
		o.Patterns = []string{"**/*"}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Stats counts what a copy did
type Stats struct {
	Written int
	Skipped int
	Removed int
	Bytes   int64
}

// Import writes every regular file of src into store. Files whose content is
// already stored unchanged are skipped.
func Import(ctx context.Context, src billy.Filesystem, store *localfs.Store, opts Options) (Stats, error) {
	opts.setDefaults()
	var stats Stats

	err := util.Walk(src, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		name := pathutil.Join(filepath.ToSlash(p))
		ok, err := pathutil.Match("/", name, opts.Patterns...)
		if err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
		if !ok {
			return nil
		}

		content, err := util.ReadFile(src, p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		if content == nil {
			content = []byte{}
		}

		target := pathutil.Join(opts.Root, name)
		existing, err := store.ReadFile(ctx, target)
		if err != nil {
			return err
		}
		if existing != nil && !existing.Tombstone && bytes.Equal(existing.Content, content) {
			stats.Skipped++
			return nil
		}

		if err := store.WriteFile(ctx, target, content, localfs.WriteOptions{LastModified: info.ModTime()}); err != nil {
			return err
		}
		stats.Written++
		stats.Bytes += int64(len(content))
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("import failed: %w", err)
	}

	opts.Logger.Info("Imported files",
		zap.Int("written", stats.Written),
		zap.Int("skipped", stats.Skipped),
		zap.Int64("bytes", stats.Bytes),
	)
	return stats, nil
}

// Export writes every live file of store under opts.Root into dst and removes
// the files whose store record is a tombstone.
func Export(ctx context.Context, store *localfs.Store, dst billy.Filesystem, opts Options) (Stats, error) {
	opts.setDefaults()
	var stats Stats

	records, err := store.Glob(ctx, opts.Patterns, localfs.GlobOptions{Root: opts.Root})
	if err != nil {
		return stats, fmt.Errorf("export failed: %w", err)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		rel, ok := pathutil.Rel(opts.Root, rec.Path)
		if !ok || rel == "" {
			continue
		}

		if rec.Tombstone {
			err := dst.Remove(rel)
			switch {
			case err == nil:
				stats.Removed++
			case !errors.Is(err, os.ErrNotExist):
				return stats, fmt.Errorf("failed to remove %s: %w", rel, err)
			}
			continue
		}

		if dir := path.Dir(rel); dir != "." {
			if err := dst.MkdirAll(dir, 0o755); err != nil {
				return stats, fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
		if err := util.WriteFile(dst, rel, rec.Content, 0o644); err != nil {
			return stats, fmt.Errorf("failed to write %s: %w", rel, err)
		}
		if ch, ok := dst.(billy.Change); ok {
			if err := ch.Chtimes(rel, rec.LastModified, rec.LastModified); err != nil {
				opts.Logger.Debug("Could not set modification time", zap.String("path", rel), zap.Error(err))
			}
		}

		stats.Written++
		stats.Bytes += rec.Size
	}

	opts.Logger.Info("Exported files",
		zap.Int("written", stats.Written),
		zap.Int("removed", stats.Removed),
		zap.Int64("bytes", stats.Bytes),
	)
	return stats, nil
}

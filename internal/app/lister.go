package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cloudfs/internal/localfs"
	"cloudfs/internal/pathutil"
	"cloudfs/internal/remote"
)

// allFiles matches every file at any depth
const allFiles = "**/*"

// fileLister lists both sides of a sync keyed by normalised path
type fileLister struct {
	local  *localfs.Store
	remote remote.Store
	logger *zap.Logger
}

// listRemote returns every remote file. Tombstones do not exist remotely.
func (l *fileLister) listRemote(ctx context.Context) (map[string]remote.Object, error) {
	objects, err := l.remote.Glob(ctx, allFiles, remote.GlobOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list remote files: %w", err)
	}

	files := make(map[string]remote.Object, len(objects))
	var totalSize int64
	for _, obj := range objects {
		files[pathutil.Join(obj.Name)] = obj
		totalSize += obj.Size
	}

	l.logger.Debug("Listed remote files",
		zap.Int("total_files", len(files)),
		zap.Int64("total_size_bytes", totalSize),
	)
	return files, nil
}

// listLocal returns every local file, tombstones included
func (l *fileLister) listLocal(ctx context.Context) (map[string]localfs.FileRecord, error) {
	records, err := l.local.Glob(ctx, []string{allFiles}, localfs.GlobOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list local files: %w", err)
	}

	files := make(map[string]localfs.FileRecord, len(records))
	var tombstones int
	for _, rec := range records {
		files[pathutil.Join(rec.Path)] = rec
		if rec.Tombstone {
			tombstones++
		}
	}

	l.logger.Debug("Listed local files",
		zap.Int("total_files", len(files)),
		zap.Int("tombstones", tombstones),
	)
	return files, nil
}

// listBoth lists the remote and the local store concurrently
func (l *fileLister) listBoth(ctx context.Context) (map[string]remote.Object, map[string]localfs.FileRecord, error) {
	var (
		remoteFiles map[string]remote.Object
		localFiles  map[string]localfs.FileRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		remoteFiles, err = l.listRemote(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		localFiles, err = l.listLocal(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return remoteFiles, localFiles, nil
}

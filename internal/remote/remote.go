// Package remote talks to the cloud object store that mirrors the local store.
//
// Two backends implement Store: DriveClient speaks the Google Drive v3 REST
// API, S3Client targets an S3-compatible bucket through minio-go. Both cut
// uploads into byte-range chunks that travel through a durable upload queue,
// so the chunks of one upload always arrive in order.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloudfs/internal/queue"
)

var (
	// ErrAuthExpired is returned when the remote rejected the access token.
	// The cached token has been dropped by the time the caller sees it.
	ErrAuthExpired = errors.New("authorization expired")

	// ErrRootFolderUnresolved is returned when the base folder can neither be
	// found nor created
	ErrRootFolderUnresolved = errors.New("root folder could not be resolved")

	// ErrIncompleteUpload is returned when the final chunk arrives while
	// earlier chunks of the upload are missing remotely
	ErrIncompleteUpload = errors.New("upload is missing chunks")
)

// RequestFailedError is any non-auth failure status from the remote
type RequestFailedError struct {
	Status int
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("request failed with %d", e.Status)
}

// checkStatus maps a response status onto the package errors
func checkStatus(status int, tokens TokenProvider) error {
	if status == 401 {
		if tokens != nil {
			tokens.Invalidate()
		}
		return ErrAuthExpired
	}
	if status >= 400 {
		return &RequestFailedError{Status: status}
	}
	return nil
}

// TokenProvider hands out bearer tokens and forgets them on demand
type TokenProvider interface {
	CurrentAccessToken(ctx context.Context) (string, bool)
	Invalidate()
}

// Object is a file as listed by the remote
type Object struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Checksum     string    `json:"checksum"`
	ModifiedTime time.Time `json:"modifiedTime"`
	MimeType     string    `json:"mimeType"`
	Size         int64     `json:"size"`
}

// File is a downloaded object with its content
type File struct {
	Object
	Content []byte
}

// Progress reports how much of one upload has reached the remote
type Progress struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Loaded   int64   `json:"loaded"`
	Fraction float64 `json:"fraction"`
	Total    int64   `json:"total"`
}

// GlobOptions scopes Glob to a folder
type GlobOptions struct {
	Root string
}

// DownloadOptions tunes Download
type DownloadOptions struct {
	// OnProgress receives the number of bytes read so far
	OnProgress func(loaded, total int64)
}

// UploadOptions tunes Upload
type UploadOptions struct {
	MimeType string
	// FileID updates an existing object in place
	FileID string
	// Override replaces the object already stored under the same name
	Override   bool
	OnProgress func(Progress)
}

// Store is the remote half of a sync
type Store interface {
	// Open prepares the remote and starts delivering queued chunks
	Open(ctx context.Context) error
	// Glob lists the objects whose path matches pattern
	Glob(ctx context.Context, pattern string, opts GlobOptions) ([]Object, error)
	// Download returns nil when no object has the name
	Download(ctx context.Context, name string, opts DownloadOptions) (*File, error)
	// Upload opens an upload session, queues its chunks and returns the upload id
	Upload(ctx context.Context, name string, content []byte, opts UploadOptions) (string, error)
	// Remove deletes the named object; a missing object is not an error
	Remove(ctx context.Context, name string) error
	// Flush delivers every queued chunk
	Flush(ctx context.Context) error
	// RetryFailed re-runs chunk tasks that ran out of retries
	RetryFailed(ctx context.Context) error
	// Tasks returns the queued chunk tasks
	Tasks() []queue.Task[ChunkTask]
	Close() error
}

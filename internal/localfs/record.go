package localfs

import (
	"crypto/md5"
	"encoding/hex"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// FileRecord is a file held by the local store
type FileRecord struct {
	Path         string    `json:"path"`
	Name         string    `json:"name"`
	Folder       string    `json:"folder"`
	Content      []byte    `json:"-"`
	MimeType     string    `json:"mimeType"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	Checksum     string    `json:"checksum"`
	Tombstone    bool      `json:"tombstone,omitempty"`
}

// FolderRecord is a folder materialized by a write beneath it or by Mkdir
type FolderRecord struct {
	Path         string    `json:"path"`
	Name         string    `json:"name"`
	Parent       string    `json:"parent"`
	LastModified time.Time `json:"lastModified"`
}

// WriteOptions tunes WriteFile
type WriteOptions struct {
	// MimeType is used when the extension does not determine one
	MimeType string
	// LastModified overrides the write time when set
	LastModified time.Time
}

// Checksum returns the hex MD5 of content, matching the remote's md5Checksum
func Checksum(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

const defaultMimeType = "application/octet-stream"

// detectMimeType resolves a MIME type from the extension, then the caller's
// hint, then the content itself.
func detectMimeType(name string, content []byte, hint string) string {
	if ext := path.Ext(name); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return strings.TrimSpace(strings.SplitN(t, ";", 2)[0])
		}
	}
	if hint != "" {
		return hint
	}
	if len(content) > 0 {
		if mt := mimetype.Detect(content); mt != nil {
			return strings.TrimSpace(strings.SplitN(mt.String(), ";", 2)[0])
		}
	}
	return defaultMimeType
}

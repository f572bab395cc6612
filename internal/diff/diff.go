// Package diff decides which files move in which direction during a sync.
package diff

import (
	"sort"

	"cloudfs/internal/localfs"
	"cloudfs/internal/remote"
)

// Download asks for the remote copy of Name to be written locally
type Download struct {
	Name     string `json:"name"`
	Override bool   `json:"override"`
}

// Upload asks for the local copy of Name to be sent to the remote. Empty
// content means the file was deleted locally.
type Upload struct {
	Name     string `json:"name"`
	Content  []byte `json:"content"`
	MimeType string `json:"mimeType"`
	Override bool   `json:"override"`
}

// Result is the outcome of Compute, sorted by name
type Result struct {
	Downloads []Download
	Uploads   []Upload
}

// Empty reports whether nothing needs to move
func (r Result) Empty() bool {
	return len(r.Downloads) == 0 && len(r.Uploads) == 0
}

// Compute compares both listings, keyed by path. The newer side wins when
// checksums differ. When checksums differ and both sides carry the exact same
// modification time, the path is left out of both directions.
func Compute(remoteFiles map[string]remote.Object, localFiles map[string]localfs.FileRecord) Result {
	var result Result

	for name, obj := range remoteFiles {
		file, ok := localFiles[name]
		if !ok {
			result.Downloads = append(result.Downloads, Download{Name: name})
			continue
		}
		if file.Checksum == obj.Checksum {
			continue
		}
		if file.LastModified.Before(obj.ModifiedTime) {
			result.Downloads = append(result.Downloads, Download{Name: name, Override: true})
		}
	}

	for name, file := range localFiles {
		obj, ok := remoteFiles[name]
		if ok && (file.Checksum == obj.Checksum || !file.LastModified.After(obj.ModifiedTime)) {
			continue
		}
		result.Uploads = append(result.Uploads, Upload{
			Name:     name,
			Content:  file.Content,
			MimeType: file.MimeType,
			Override: ok,
		})
	}

	sort.Slice(result.Downloads, func(i, j int) bool { return result.Downloads[i].Name < result.Downloads[j].Name })
	sort.Slice(result.Uploads, func(i, j int) bool { return result.Uploads[i].Name < result.Uploads[j].Name })
	return result
}

package remote

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudfs/internal/events"
	"cloudfs/internal/queue"
)

type staticTokens struct {
	mu          sync.Mutex
	token       string
	invalidated int
}

func (s *staticTokens) CurrentAccessToken(context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

func (s *staticTokens) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
}

type fakeFile struct {
	ID       string
	Name     string
	MimeType string
	Content  []byte
	Modified time.Time
	Folder   bool
	Parent   string
}

type fakeSession struct {
	fileID   string
	name     string
	mimeType string
	parent   string
	buf      []byte
}

// fakeDrive serves the subset of the Drive v3 REST API the client uses
type fakeDrive struct {
	mu         sync.Mutex
	srv        *httptest.Server
	token      string
	files      []*fakeFile
	sessions   map[string]*fakeSession
	nextID     int
	ranges     []string
	headers    []http.Header
	metadata   []map[string]any
	requests   []string
	failStatus int
	failCreate bool
	failRange  string
}

func newFakeDrive(t *testing.T) *fakeDrive {
	f := &fakeDrive{token: "good", sessions: map[string]*fakeSession{}}
	f.srv = httptest.NewServer(f)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDrive) id() string {
	f.nextID++
	return fmt.Sprintf("id-%d", f.nextID)
}

func (f *fakeDrive) add(file *fakeFile) *fakeFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	file.ID = f.id()
	if file.Modified.IsZero() {
		file.Modified = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	f.files = append(f.files, file)
	return file
}

func (f *fakeDrive) byName(name string) *fakeFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, file := range f.files {
		if file.Name == name && !file.Folder {
			return file
		}
	}
	return nil
}

var nameTerm = regexp.MustCompile(`name = '((?:[^'\\]|\\.)*)'`)
var parentTerm = regexp.MustCompile(`'([^']*)' in parents`)

func (f *fakeDrive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.failStatus != 0 {
		w.WriteHeader(f.failStatus)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/drive/v3/files":
		f.list(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/drive/v3/files":
		if f.failCreate {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var meta map[string]string
		json.NewDecoder(r.Body).Decode(&meta)
		folder := &fakeFile{ID: f.id(), Name: meta["name"], MimeType: meta["mimeType"], Folder: true}
		f.files = append(f.files, folder)
		json.NewEncoder(w).Encode(map[string]string{"id": folder.ID, "name": folder.Name})
	case r.Method == http.MethodPost && r.URL.Path == "/upload/drive/v3/files":
		var meta map[string]any
		json.NewDecoder(r.Body).Decode(&meta)
		f.metadata = append(f.metadata, meta)
		f.headers = append(f.headers, r.Header.Clone())
		parents, _ := meta["parents"].([]any)
		s := &fakeSession{name: meta["name"].(string), mimeType: meta["mimeType"].(string)}
		if len(parents) > 0 {
			s.parent, _ = parents[0].(string)
		}
		f.openSession(w, s)
	case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/upload/drive/v3/files/"):
		f.headers = append(f.headers, r.Header.Clone())
		f.openSession(w, &fakeSession{fileID: strings.TrimPrefix(r.URL.Path, "/upload/drive/v3/files/")})
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/session/"):
		f.chunk(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/drive/v3/files/"):
		file := f.find(strings.TrimPrefix(r.URL.Path, "/drive/v3/files/"))
		if file == nil || r.URL.Query().Get("alt") != "media" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(file.Content)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/drive/v3/files/"):
		id := strings.TrimPrefix(r.URL.Path, "/drive/v3/files/")
		for i, file := range f.files {
			if file.ID == id {
				f.files = append(f.files[:i], f.files[i+1:]...)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeDrive) find(id string) *fakeFile {
	for _, file := range f.files {
		if file.ID == id {
			return file
		}
	}
	return nil
}

func (f *fakeDrive) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	wantFolder := strings.Contains(q, "mimeType = '"+folderMimeType+"'")

	var name, parent string
	if m := nameTerm.FindStringSubmatch(q); m != nil {
		name = strings.NewReplacer(`\'`, `'`, `\\`, `\`).Replace(m[1])
	}
	if m := parentTerm.FindStringSubmatch(q); m != nil {
		parent = m[1]
	}

	var matched []*fakeFile
	for _, file := range f.files {
		if file.Folder != wantFolder {
			continue
		}
		if name != "" && file.Name != name {
			continue
		}
		if parent != "" && file.Parent != parent {
			continue
		}
		matched = append(matched, file)
	}

	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if pageSize <= 0 {
		pageSize = len(matched) + 1
	}
	start, _ := strconv.Atoi(r.URL.Query().Get("pageToken"))
	end := start + pageSize
	next := ""
	if end < len(matched) {
		next = strconv.Itoa(end)
	} else {
		end = len(matched)
	}

	files := make([]map[string]string, 0, end-start)
	for _, file := range matched[start:end] {
		entry := map[string]string{
			"id":           file.ID,
			"name":         file.Name,
			"mimeType":     file.MimeType,
			"modifiedTime": file.Modified.Format(time.RFC3339Nano),
		}
		if !file.Folder {
			sum := md5.Sum(file.Content)
			entry["md5Checksum"] = hex.EncodeToString(sum[:])
			entry["size"] = strconv.Itoa(len(file.Content))
		}
		files = append(files, entry)
	}

	json.NewEncoder(w).Encode(map[string]any{"nextPageToken": next, "files": files})
}

func (f *fakeDrive) openSession(w http.ResponseWriter, s *fakeSession) {
	id := f.id()
	f.sessions[id] = s
	w.Header().Set("Location", f.srv.URL+"/session/"+id)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeDrive) chunk(w http.ResponseWriter, r *http.Request) {
	s := f.sessions[strings.TrimPrefix(r.URL.Path, "/session/")]
	if s == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	contentRange := r.Header.Get("Content-Range")
	f.ranges = append(f.ranges, contentRange)
	body, _ := io.ReadAll(r.Body)
	if contentRange == f.failRange {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var start, end, total int64
	if contentRange == "bytes */0" {
		start, end, total = 0, -1, 0
	} else if _, err := fmt.Sscanf(contentRange, "bytes %d-%d/%d", &start, &end, &total); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if start != int64(len(s.buf)) || int64(len(body)) != end-start+1 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.buf = append(s.buf, body...)

	if end+1 < total {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", end))
		w.WriteHeader(http.StatusPermanentRedirect)
		return
	}

	if s.fileID != "" {
		file := f.find(s.fileID)
		file.Content = s.buf
		file.Modified = file.Modified.Add(time.Hour)
		json.NewEncoder(w).Encode(map[string]string{"id": file.ID})
		return
	}

	file := &fakeFile{
		ID:       f.id(),
		Name:     s.name,
		MimeType: s.mimeType,
		Content:  s.buf,
		Modified: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Parent:   s.parent,
	}
	f.files = append(f.files, file)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": file.ID})
}

func newTestDrive(t *testing.T, fake *fakeDrive, tokens TokenProvider, bus *events.Bus, cfg DriveConfig) *DriveClient {
	t.Helper()
	return newTestDriveOn(t, fake, openTaskStore(t), tokens, bus, cfg, 0)
}

func newTestDriveOn(t *testing.T, fake *fakeDrive, store *queue.Store, tokens TokenProvider, bus *events.Bus, cfg DriveConfig, retries int) *DriveClient {
	t.Helper()
	cfg.Endpoint = fake.srv.URL
	c, err := NewDriveClient(context.Background(), cfg, store, tokens, bus, nil, queue.WithRetryAttempts(retries))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDriveQueryGrammar(t *testing.T) {
	folder := false
	q := query{name: "/it's.txt", parent: "root-1", folder: &folder}
	assert.Equal(t,
		`trashed = false and mimeType != 'application/vnd.google-apps.folder' and 'root-1' in parents and name = '/it\'s.txt'`,
		q.String(),
	)
	assert.Equal(t, "trashed = false", query{}.String())
}

func TestDriveOpenCreatesRootFolder(t *testing.T) {
	fake := newFakeDrive(t)
	c := newTestDrive(t, fake, &staticTokens{token: "good"}, nil, DriveConfig{})

	require.NoError(t, c.Open(context.Background()))
	require.NoError(t, c.Open(context.Background()))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	var folders int
	for _, f := range fake.files {
		if f.Folder {
			folders++
			assert.Equal(t, DefaultRootFolder, f.Name)
		}
	}
	assert.Equal(t, 1, folders, "root folder is created once and found afterwards")
}

func TestDriveRootFolderUnresolved(t *testing.T) {
	fake := newFakeDrive(t)
	fake.failCreate = true
	c := newTestDrive(t, fake, &staticTokens{token: "good"}, nil, DriveConfig{})

	err := c.Open(context.Background())
	assert.ErrorIs(t, err, ErrRootFolderUnresolved)
}

func TestDriveChunkedUpload(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDrive(t)
	bus := events.NewBus()
	sub := bus.Subscribe(events.UploadProgress)
	defer bus.Unsubscribe(sub)

	c := newTestDrive(t, fake, &staticTokens{token: "good"}, bus, DriveConfig{ChunkSize: 8})

	content := bytes.Repeat([]byte("abcdefgh"), 3)
	content = append(content, []byte("1234567")...)
	require.Len(t, content, 3*8+7)

	var progress []Progress
	id, err := c.Upload(ctx, "/docs/a.txt", content, UploadOptions{
		OnProgress: func(p Progress) { progress = append(progress, p) },
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	tasks := c.Tasks()
	require.Len(t, tasks, 4)
	for i, task := range tasks {
		assert.Equal(t, int64(i*8), task.Payload.Start)
		assert.Equal(t, i+1, task.Payload.PartNumber)
	}

	require.NoError(t, c.Flush(ctx))
	assert.Empty(t, c.Tasks())

	assert.Equal(t, []string{
		"bytes 0-7/31",
		"bytes 8-15/31",
		"bytes 16-23/31",
		"bytes 24-30/31",
	}, fake.ranges)

	uploaded := fake.byName("/docs/a.txt")
	require.NotNil(t, uploaded)
	assert.Equal(t, content, uploaded.Content)

	require.Len(t, fake.metadata, 1)
	assert.Equal(t, "/docs/a.txt", fake.metadata[0]["name"])
	assert.Equal(t, "text/plain", fake.metadata[0]["mimeType"])
	assert.Equal(t, []any{"id-1"}, fake.metadata[0]["parents"])
	assert.Equal(t, "31", fake.headers[0].Get("X-Upload-Content-Length"))
	assert.Equal(t, "text/plain", fake.headers[0].Get("X-Upload-Content-Type"))

	require.Len(t, progress, 4)
	assert.Equal(t, Progress{ID: id, Name: "/docs/a.txt", Loaded: 8, Fraction: 0.26, Total: 31}, progress[0])
	assert.Equal(t, Progress{ID: id, Name: "/docs/a.txt", Loaded: 31, Fraction: 1, Total: 31}, progress[3])
	assert.Len(t, sub.C, 4)
}

func TestDriveEmptyUpload(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDrive(t)
	c := newTestDrive(t, fake, &staticTokens{token: "good"}, nil, DriveConfig{})

	_, err := c.Upload(ctx, "/empty.bin", []byte{}, UploadOptions{MimeType: "application/octet-stream"})
	require.NoError(t, err)
	require.NoError(t, c.Flush(ctx))

	assert.Equal(t, []string{"bytes */0"}, fake.ranges)
	assert.Empty(t, fake.headers[0].Get("X-Upload-Content-Length"))
	f := fake.byName("/empty.bin")
	require.NotNil(t, f)
	assert.Empty(t, f.Content)
}

func TestDriveOverrideUploadPatchesExistingFile(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDrive(t)
	c := newTestDrive(t, fake, &staticTokens{token: "good"}, nil, DriveConfig{})
	require.NoError(t, c.Open(ctx))

	existing := fake.add(&fakeFile{Name: "/a.txt", MimeType: "text/plain", Content: []byte("old"), Parent: "id-1"})

	_, err := c.Upload(ctx, "/a.txt", []byte("new content"), UploadOptions{Override: true})
	require.NoError(t, err)
	require.NoError(t, c.Flush(ctx))

	assert.Contains(t, fake.requests, "PATCH /upload/drive/v3/files/"+existing.ID)
	assert.Equal(t, []byte("new content"), fake.byName("/a.txt").Content)
}

func TestDriveGlobPaginates(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDrive(t)
	c := newTestDrive(t, fake, &staticTokens{token: "good"}, nil, DriveConfig{PageSize: 2})
	require.NoError(t, c.Open(ctx))

	for _, name := range []string{"/a.md", "/b.txt", "/docs/c.md", "/docs/d.md", "/e.md"} {
		fake.add(&fakeFile{Name: name, MimeType: "text/markdown", Content: []byte(name), Parent: "id-1"})
	}
	fake.add(&fakeFile{Name: "/elsewhere.md", Content: []byte("x"), Parent: "other"})

	objects, err := c.Glob(ctx, "**/*.md", GlobOptions{})
	require.NoError(t, err)

	var names []string
	for _, o := range objects {
		names = append(names, o.Name)
	}
	assert.Equal(t, []string{"/a.md", "/docs/c.md", "/docs/d.md", "/e.md"}, names)

	sum := md5.Sum([]byte("/a.md"))
	assert.Equal(t, hex.EncodeToString(sum[:]), objects[0].Checksum)
	assert.Equal(t, int64(len("/a.md")), objects[0].Size)
	assert.False(t, objects[0].ModifiedTime.IsZero())

	objects, err = c.Glob(ctx, "*.md", GlobOptions{Root: "/docs"})
	require.NoError(t, err)
	assert.Len(t, objects, 2)
}

func TestDriveDownload(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDrive(t)
	c := newTestDrive(t, fake, &staticTokens{token: "good"}, nil, DriveConfig{})
	require.NoError(t, c.Open(ctx))

	fake.add(&fakeFile{Name: "/a.txt", MimeType: "text/plain", Content: []byte("remote bytes"), Parent: "id-1"})

	var loaded int64
	f, err := c.Download(ctx, "/a.txt", DownloadOptions{OnProgress: func(n, _ int64) { loaded = n }})
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, []byte("remote bytes"), f.Content)
	assert.Equal(t, "/a.txt", f.Name)
	assert.Equal(t, "text/plain", f.MimeType)
	assert.Equal(t, int64(len("remote bytes")), loaded)

	missing, err := c.Download(ctx, "/missing.txt", DownloadOptions{})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDriveRemove(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDrive(t)
	c := newTestDrive(t, fake, &staticTokens{token: "good"}, nil, DriveConfig{})
	require.NoError(t, c.Open(ctx))

	fake.add(&fakeFile{Name: "/a.txt", Content: []byte("x"), Parent: "id-1"})

	require.NoError(t, c.Remove(ctx, "/a.txt"))
	assert.Nil(t, fake.byName("/a.txt"))
	require.NoError(t, c.Remove(ctx, "/a.txt"), "removing a missing file is a no-op")
}

func TestDriveUnauthorizedInvalidatesToken(t *testing.T) {
	fake := newFakeDrive(t)
	tokens := &staticTokens{token: "expired"}
	c := newTestDrive(t, fake, tokens, nil, DriveConfig{})

	_, err := c.Glob(context.Background(), "**/*", GlobOptions{})
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, 1, tokens.invalidated)
}

func TestDriveNoTokenIsAuthExpired(t *testing.T) {
	fake := newFakeDrive(t)
	c := newTestDrive(t, fake, &staticTokens{}, nil, DriveConfig{})

	err := c.Open(context.Background())
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Empty(t, fake.requests)
}

func TestDriveRequestFailed(t *testing.T) {
	fake := newFakeDrive(t)
	fake.failStatus = http.StatusServiceUnavailable
	c := newTestDrive(t, fake, &staticTokens{token: "good"}, nil, DriveConfig{})

	_, err := c.Download(context.Background(), "/a.txt", DownloadOptions{})
	var reqErr *RequestFailedError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusServiceUnavailable, reqErr.Status)
	assert.Equal(t, "request failed with 503", reqErr.Error())
}

func TestDriveFailedChunkStaysQueued(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDrive(t)
	c := newTestDrive(t, fake, &staticTokens{token: "good"}, nil, DriveConfig{ChunkSize: 4})

	_, err := c.Upload(ctx, "/a.txt", []byte("12345678"), UploadOptions{})
	require.NoError(t, err)

	fake.mu.Lock()
	fake.failStatus = http.StatusInternalServerError
	fake.mu.Unlock()

	require.Error(t, c.Flush(ctx))
	tasks := c.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, queue.StatusFailed, tasks[0].Status)
	assert.Equal(t, queue.StatusFailed, tasks[1].Status)
}

func TestDriveMiddleChunkFailureHoldsBackLaterChunks(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDrive(t)
	fake.failRange = "bytes 8-15/26"
	store := openTaskStore(t)
	tokens := &staticTokens{token: "good"}
	c := newTestDriveOn(t, fake, store, tokens, nil, DriveConfig{ChunkSize: 8}, 0)

	content := []byte("AAAAAAAABBBBBBBBCCCCCCCCDD")
	_, err := c.Upload(ctx, "/a.txt", content, UploadOptions{})
	require.NoError(t, err)

	err = c.Flush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChunkHeldBack)
	assert.Equal(t, []string{"bytes 0-7/26", "bytes 8-15/26"}, fake.ranges)
	assert.Nil(t, fake.byName("/a.txt"))

	tasks := c.Tasks()
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, queue.StatusFailed, task.Status)
	}

	fake.mu.Lock()
	fake.failRange = ""
	fake.mu.Unlock()

	restarted := newTestDriveOn(t, fake, store, tokens, nil, DriveConfig{ChunkSize: 8}, 1)
	require.NoError(t, restarted.RetryFailed(ctx))

	assert.Equal(t, []string{
		"bytes 0-7/26",
		"bytes 8-15/26",
		"bytes 8-15/26",
		"bytes 16-23/26",
		"bytes 24-25/26",
	}, fake.ranges)
	uploaded := fake.byName("/a.txt")
	require.NotNil(t, uploaded)
	assert.Equal(t, content, uploaded.Content)
	assert.Empty(t, restarted.Tasks())
}

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudfs/internal/events"
	"cloudfs/internal/queue"
)

type memObject struct {
	info    objectInfo
	content []byte
}

type memUpload struct {
	key   string
	opts  putOptions
	parts map[int][]byte
}

// memAPI is an in-memory objectAPI
type memAPI struct {
	mu        sync.Mutex
	buckets   map[string]bool
	objects   map[string]*memObject
	uploads   map[string]*memUpload
	partCalls []int
	nextID    int
	failParts error
	failPart  int
}

func newMemAPI() *memAPI {
	return &memAPI{
		buckets: map[string]bool{},
		objects: map[string]*memObject{},
		uploads: map[string]*memUpload{},
	}
}

func (m *memAPI) EnsureBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[bucket] = true
	return nil
}

func (m *memAPI) ListObjects(_ context.Context, _, prefix string) ([]objectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []objectInfo
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memAPI) StatObject(_ context.Context, _, key string) (objectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return objectInfo{}, errObjectNotFound
	}
	return obj.info, nil
}

func (m *memAPI) GetObject(_ context.Context, _, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return io.NopCloser(bytes.NewReader(m.objects[key].content)), nil
}

func (m *memAPI) store(key string, content []byte, opts putOptions, etag string) {
	meta := map[string]string{}
	for k, v := range opts.Metadata {
		meta["X-Amz-Meta-"+strings.ToUpper(k[:1])+k[1:]] = v
	}
	m.objects[key] = &memObject{
		info: objectInfo{
			Key:          key,
			Size:         int64(len(content)),
			ETag:         etag,
			LastModified: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			ContentType:  opts.ContentType,
			Metadata:     meta,
		},
		content: content,
	}
}

func (m *memAPI) PutObject(_ context.Context, _, key string, reader io.Reader, _ int64, opts putOptions) error {
	content, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(key, content, opts, `"single"`)
	return nil
}

func (m *memAPI) RemoveObject(_ context.Context, _, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memAPI) NewMultipartUpload(_ context.Context, _, key string, opts putOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("upload-%d", m.nextID)
	m.uploads[id] = &memUpload{key: key, opts: opts, parts: map[int][]byte{}}
	return id, nil
}

func (m *memAPI) UploadPart(_ context.Context, _, _, uploadID string, partNumber int, reader io.Reader, _ int64) (string, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failParts != nil {
		return "", m.failParts
	}
	if partNumber == m.failPart {
		return "", minio.ErrorResponse{Code: "InternalError", StatusCode: 500}
	}
	m.partCalls = append(m.partCalls, partNumber)
	m.uploads[uploadID].parts[partNumber] = content
	return fmt.Sprintf("etag-%d", partNumber), nil
}

func (m *memAPI) ListParts(_ context.Context, _, _, uploadID string) ([]completedPart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var parts []completedPart
	for n := range m.uploads[uploadID].parts {
		parts = append(parts, completedPart{PartNumber: n, ETag: fmt.Sprintf("etag-%d", n)})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (m *memAPI) CompleteMultipartUpload(_ context.Context, _, _, uploadID string, parts []completedPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.uploads[uploadID]
	var content []byte
	for _, p := range parts {
		content = append(content, u.parts[p.PartNumber]...)
	}
	m.store(u.key, content, u.opts, fmt.Sprintf(`"multi-%d"`, len(parts)))
	delete(m.uploads, uploadID)
	return nil
}

func (m *memAPI) AbortMultipartUpload(_ context.Context, _, _, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadID)
	return nil
}

func openTaskStore(t *testing.T) *queue.Store {
	t.Helper()
	store, err := queue.OpenStore(context.Background(), filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestS3(t *testing.T, api objectAPI, bus *events.Bus, chunkSize int64) *S3Client {
	t.Helper()
	return newTestS3On(t, api, openTaskStore(t), bus, chunkSize, 0)
}

func newTestS3On(t *testing.T, api objectAPI, store *queue.Store, bus *events.Bus, chunkSize int64, retries int) *S3Client {
	t.Helper()
	c, err := newS3Client(context.Background(), api, S3Config{Bucket: "sync", ChunkSize: chunkSize}, store, bus, nil, queue.WithRetryAttempts(retries))
	require.NoError(t, err)
	return c
}

func TestS3MultipartUpload(t *testing.T) {
	ctx := context.Background()
	api := newMemAPI()
	bus := events.NewBus()
	sub := bus.Subscribe(events.UploadProgress)
	defer bus.Unsubscribe(sub)

	c := newTestS3(t, api, bus, 8)
	require.NoError(t, c.Open(ctx))
	assert.True(t, api.buckets["sync"])

	content := []byte("0123456789abcdefghijklmnopqrstu")
	var last Progress
	_, err := c.Upload(ctx, "/docs/a.txt", content, UploadOptions{OnProgress: func(p Progress) { last = p }})
	require.NoError(t, err)
	require.NoError(t, c.Flush(ctx))

	assert.Equal(t, []int{1, 2, 3, 4}, api.partCalls)
	obj := api.objects["cloudfs/docs/a.txt"]
	require.NotNil(t, obj)
	assert.Equal(t, content, obj.content)
	assert.Equal(t, int64(31), last.Loaded)
	assert.Equal(t, 1.0, last.Fraction)
	assert.Len(t, sub.C, 4)

	objects, err := c.Glob(ctx, "**/*", GlobOptions{})
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "/docs/a.txt", objects[0].Name)
	assert.Equal(t, md5Hex(content), objects[0].Checksum, "multipart objects carry the md5 in metadata")
	assert.Equal(t, "text/plain", objects[0].MimeType)
}

func TestS3EmptyUploadIsDirect(t *testing.T) {
	ctx := context.Background()
	api := newMemAPI()
	c := newTestS3(t, api, nil, 8)

	var got []Progress
	_, err := c.Upload(ctx, "/empty.bin", nil, UploadOptions{OnProgress: func(p Progress) { got = append(got, p) }})
	require.NoError(t, err)

	assert.Empty(t, c.Tasks())
	require.Contains(t, api.objects, "cloudfs/empty.bin")
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Fraction)
}

func TestS3DownloadAndRemove(t *testing.T) {
	ctx := context.Background()
	api := newMemAPI()
	api.store("cloudfs/a.txt", []byte("hello"), putOptions{ContentType: "text/plain"}, `"5d41402abc4b2a76b9719d911017c592"`)
	c := newTestS3(t, api, nil, 0)

	f, err := c.Download(ctx, "a.txt", DownloadOptions{})
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, []byte("hello"), f.Content)
	assert.Equal(t, "/a.txt", f.Name)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", f.Checksum, "single-part etag is the md5")

	missing, err := c.Download(ctx, "/nope", DownloadOptions{})
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, c.Remove(ctx, "/a.txt"))
	assert.NotContains(t, api.objects, "cloudfs/a.txt")
}

func TestS3FailedPartStaysQueued(t *testing.T) {
	ctx := context.Background()
	api := newMemAPI()
	api.failParts = minio.ErrorResponse{Code: "ExpiredToken", StatusCode: 400}
	c := newTestS3(t, api, nil, 8)

	_, err := c.Upload(ctx, "/a.txt", []byte("0123456789"), UploadOptions{})
	require.NoError(t, err)

	err = c.Flush(ctx)
	assert.ErrorIs(t, err, ErrAuthExpired)
	for _, task := range c.Tasks() {
		assert.Equal(t, queue.StatusFailed, task.Status)
	}
}

func TestS3MiddlePartFailureHoldsBackLaterParts(t *testing.T) {
	ctx := context.Background()
	api := newMemAPI()
	api.failPart = 2
	store := openTaskStore(t)
	c := newTestS3On(t, api, store, nil, 8, 0)

	content := []byte("AAAAAAAABBBBBBBBCCCCCCCCDD")
	_, err := c.Upload(ctx, "/a.txt", content, UploadOptions{})
	require.NoError(t, err)

	err = c.Flush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChunkHeldBack)
	assert.Equal(t, []int{1}, api.partCalls, "parts after the failed one are not sent")
	assert.NotContains(t, api.objects, "cloudfs/a.txt")

	tasks := c.Tasks()
	require.Len(t, tasks, 3)
	for i, task := range tasks {
		assert.Equal(t, i+2, task.Payload.PartNumber)
		assert.Equal(t, queue.StatusFailed, task.Status)
	}

	// the next run resumes from the failed part
	api.failPart = 0
	restarted := newTestS3On(t, api, store, nil, 8, 1)
	require.NoError(t, restarted.RetryFailed(ctx))

	assert.Equal(t, []int{1, 2, 3, 4}, api.partCalls)
	obj := api.objects["cloudfs/a.txt"]
	require.NotNil(t, obj)
	assert.Equal(t, content, obj.content)
	assert.Empty(t, restarted.Tasks())
}

func TestS3FinalPartNeedsEveryEarlierPart(t *testing.T) {
	ctx := context.Background()
	api := newMemAPI()
	c := newTestS3(t, api, nil, 8)

	uploadID, err := api.NewMultipartUpload(ctx, "sync", "cloudfs/a.txt", putOptions{})
	require.NoError(t, err)
	_, err = api.UploadPart(ctx, "sync", "cloudfs/a.txt", uploadID, 1, strings.NewReader("AAAAAAAA"), 8)
	require.NoError(t, err)

	err = c.sendPart(ctx, ChunkTask{
		SessionURL: uploadID,
		Name:       "/a.txt",
		Start:      16,
		End:        18,
		Total:      18,
		Body:       []byte("CC"),
		PartNumber: 3,
	})
	assert.ErrorIs(t, err, ErrIncompleteUpload)
	assert.NotContains(t, api.objects, "cloudfs/a.txt")
	assert.Contains(t, api.uploads, uploadID, "the session stays open for the missing part")
}

func TestCheckParts(t *testing.T) {
	parts := func(numbers ...int) []completedPart {
		out := make([]completedPart, 0, len(numbers))
		for _, n := range numbers {
			out = append(out, completedPart{PartNumber: n})
		}
		return out
	}

	assert.NoError(t, checkParts(parts(1, 2, 3), 3))
	assert.NoError(t, checkParts(parts(3, 1, 2), 3))
	assert.ErrorIs(t, checkParts(parts(1, 3), 3), ErrIncompleteUpload)
	assert.ErrorIs(t, checkParts(parts(1, 3, 4), 3), ErrIncompleteUpload)
	assert.ErrorIs(t, checkParts(nil, 1), ErrIncompleteUpload)
}

func TestMapS3Error(t *testing.T) {
	assert.Nil(t, mapS3Error(nil))
	assert.ErrorIs(t, mapS3Error(minio.ErrorResponse{Code: "AccessDenied", StatusCode: 401}), ErrAuthExpired)
	assert.ErrorIs(t, mapS3Error(minio.ErrorResponse{Code: "ExpiredToken", StatusCode: 400}), ErrAuthExpired)

	var reqErr *RequestFailedError
	require.True(t, errors.As(mapS3Error(minio.ErrorResponse{Code: "SlowDown", StatusCode: 503}), &reqErr))
	assert.Equal(t, 503, reqErr.Status)

	plain := errors.New("connection reset")
	assert.Equal(t, plain, mapS3Error(plain))
}

func TestCleanEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "localhost:9000", want: "localhost:9000"},
		{in: "http://localhost:9000", want: "localhost:9000"},
		{in: "https://s3.example.com/", want: "s3.example.com"},
		{in: "https://s3.example.com/bucket", wantErr: true},
		{in: "localhost/bucket", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := cleanEndpoint(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

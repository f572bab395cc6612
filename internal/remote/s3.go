package remote

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cloudfs/internal/events"
	"cloudfs/internal/pathutil"
	"cloudfs/internal/queue"
)

// minPartSize is the smallest part S3 accepts for all but the last part
const minPartSize int64 = 5 << 20

const checksumMetaKey = "md5"

// S3Config configures an S3Client
type S3Config struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	SessionToken string
	Region       string
	Secure       bool
	Bucket       string
	Root         string
	ChunkSize    int64
}

// S3Client stores files as objects under Root inside one bucket
type S3Client struct {
	cfg    S3Config
	api    objectAPI
	logger *zap.Logger
	chunks *chunkQueue
}

// NewS3Client creates an S3 client whose chunk tasks live in tasks
func NewS3Client(
	ctx context.Context,
	cfg S3Config,
	tasks *queue.Store,
	bus *events.Bus,
	logger *zap.Logger,
	opts ...queue.Option,
) (*S3Client, error) {
	if cfg.ChunkSize < minPartSize {
		cfg.ChunkSize = minPartSize
	}

	api, err := newMinioAPI(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return newS3Client(ctx, api, cfg, tasks, bus, logger, opts...)
}

func newS3Client(
	ctx context.Context,
	api objectAPI,
	cfg S3Config,
	tasks *queue.Store,
	bus *events.Bus,
	logger *zap.Logger,
	opts ...queue.Option,
) (*S3Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket cannot be empty")
	}
	cfg.Root = strings.Trim(cfg.Root, "/")
	if cfg.Root == "" {
		cfg.Root = DefaultRootFolder
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = minPartSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &S3Client{
		cfg:    cfg,
		api:    api,
		logger: logger.With(zap.String("component", "s3"), zap.String("bucket", cfg.Bucket)),
	}

	chunks, err := newChunkQueue(ctx, tasks, c.sendPart, bus, c.logger, opts...)
	if err != nil {
		return nil, err
	}
	c.chunks = chunks
	return c, nil
}

func (c *S3Client) key(name string) string {
	return c.cfg.Root + pathutil.Join(name)
}

func (c *S3Client) name(key string) string {
	return pathutil.Join(strings.TrimPrefix(key, c.cfg.Root+"/"))
}

// Open makes sure the bucket exists and starts the chunk queue
func (c *S3Client) Open(ctx context.Context) error {
	if err := c.api.EnsureBucket(ctx, c.cfg.Bucket); err != nil {
		err = mapS3Error(err)
		if errors.Is(err, ErrAuthExpired) {
			return err
		}
		return fmt.Errorf("%w: %s/%s: %v", ErrRootFolderUnresolved, c.cfg.Bucket, c.cfg.Root, err)
	}
	c.chunks.start(ctx)
	return nil
}

func (c *S3Client) object(info objectInfo) Object {
	return Object{
		ID:           info.Key,
		Name:         c.name(info.Key),
		Checksum:     objectChecksum(info),
		ModifiedTime: info.LastModified,
		MimeType:     info.ContentType,
		Size:         info.Size,
	}
}

// objectChecksum prefers the md5 recorded at upload time. A single-part ETag
// is the md5 as well.
func objectChecksum(info objectInfo) string {
	for k, v := range info.Metadata {
		k = strings.ToLower(k)
		if k == checksumMetaKey || k == "x-amz-meta-"+checksumMetaKey {
			return v
		}
	}
	etag := strings.Trim(info.ETag, `"`)
	if strings.Contains(etag, "-") {
		return ""
	}
	return etag
}

func md5Hex(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

// Glob lists every object under the root whose path matches pattern
func (c *S3Client) Glob(ctx context.Context, pattern string, opts GlobOptions) ([]Object, error) {
	infos, err := c.api.ListObjects(ctx, c.cfg.Bucket, c.cfg.Root+"/")
	if err != nil {
		return nil, mapS3Error(err)
	}

	var objects []Object
	for _, info := range infos {
		if strings.HasSuffix(info.Key, "/") {
			continue
		}
		obj := c.object(info)
		ok, err := pathutil.Match(opts.Root, obj.Name, pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
		}
		if ok {
			objects = append(objects, obj)
		}
	}

	c.logger.Debug("Listed remote files", zap.String("pattern", pattern), zap.Int("count", len(objects)))
	return objects, nil
}

// Download fetches the named object, or returns nil when it does not exist
func (c *S3Client) Download(ctx context.Context, name string, opts DownloadOptions) (*File, error) {
	key := c.key(name)
	info, err := c.api.StatObject(ctx, c.cfg.Bucket, key)
	if errors.Is(err, errObjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, mapS3Error(err)
	}

	rc, err := c.api.GetObject(ctx, c.cfg.Bucket, key)
	if err != nil {
		return nil, mapS3Error(err)
	}
	defer rc.Close()

	var body io.Reader = rc
	if opts.OnProgress != nil {
		body = &progressReader{r: rc, total: info.Size, fn: opts.OnProgress}
	}

	content, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, mapS3Error(err))
	}
	return &File{Object: c.object(info), Content: content}, nil
}

// Upload starts a multipart upload and queues one part per chunk. Empty
// content is stored directly.
func (c *S3Client) Upload(ctx context.Context, name string, content []byte, opts UploadOptions) (string, error) {
	key := c.key(name)
	put := putOptions{
		ContentType: uploadMimeType(name, opts.MimeType),
		Metadata:    map[string]string{checksumMetaKey: md5Hex(content)},
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate upload id: %w", err)
	}
	base := ChunkTask{UploadID: id.String(), Name: pathutil.Join(name)}

	if len(content) == 0 {
		if err := c.api.PutObject(ctx, c.cfg.Bucket, key, bytes.NewReader(nil), 0, put); err != nil {
			return "", mapS3Error(err)
		}
		if opts.OnProgress != nil {
			opts.OnProgress(base.progress())
		}
		c.chunks.report(base)
		return base.UploadID, nil
	}

	base.SessionURL, err = c.api.NewMultipartUpload(ctx, c.cfg.Bucket, key, put)
	if err != nil {
		return "", mapS3Error(err)
	}

	if err := c.chunks.enqueue(ctx, base, content, c.cfg.ChunkSize, opts.OnProgress); err != nil {
		c.api.AbortMultipartUpload(ctx, c.cfg.Bucket, key, base.SessionURL)
		return "", err
	}

	c.logger.Info("Queued upload",
		zap.String("upload_id", base.UploadID),
		zap.String("name", name),
		zap.Int("size", len(content)),
	)
	return base.UploadID, nil
}

func (c *S3Client) sendPart(ctx context.Context, task ChunkTask) error {
	key := c.key(task.Name)
	_, err := c.api.UploadPart(ctx, c.cfg.Bucket, key, task.SessionURL, task.PartNumber, bytes.NewReader(task.Body), int64(len(task.Body)))
	if err != nil {
		return mapS3Error(err)
	}
	if !task.Final() {
		return nil
	}

	parts, err := c.api.ListParts(ctx, c.cfg.Bucket, key, task.SessionURL)
	if err != nil {
		return mapS3Error(err)
	}
	if err := checkParts(parts, task.PartNumber); err != nil {
		return fmt.Errorf("multipart upload of %s: %w", key, err)
	}
	if err := c.api.CompleteMultipartUpload(ctx, c.cfg.Bucket, key, task.SessionURL, parts); err != nil {
		return mapS3Error(err)
	}

	c.logger.Debug("Completed multipart upload", zap.String("key", key), zap.Int("parts", len(parts)))
	return nil
}

// checkParts makes sure parts are exactly 1..last, so a gap is never committed
func checkParts(parts []completedPart, last int) error {
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	if len(parts) != last {
		return fmt.Errorf("%w: %d of %d parts stored", ErrIncompleteUpload, len(parts), last)
	}
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return fmt.Errorf("%w: part %d missing", ErrIncompleteUpload, i+1)
		}
	}
	return nil
}

// Remove deletes the named object
func (c *S3Client) Remove(ctx context.Context, name string) error {
	if err := c.api.RemoveObject(ctx, c.cfg.Bucket, c.key(name)); err != nil {
		return mapS3Error(err)
	}
	return nil
}

// Flush uploads every queued part
func (c *S3Client) Flush(ctx context.Context) error {
	return c.chunks.flush(ctx)
}

// RetryFailed re-runs failed part uploads
func (c *S3Client) RetryFailed(ctx context.Context) error {
	return c.chunks.retry(ctx)
}

// Tasks returns the part uploads still on the upload queue
func (c *S3Client) Tasks() []queue.Task[ChunkTask] {
	return c.chunks.tasks()
}

func (c *S3Client) Close() error {
	return nil
}

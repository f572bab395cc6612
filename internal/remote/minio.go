package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// objectAPI is the slice of an S3-compatible service the S3Client needs
type objectAPI interface {
	EnsureBucket(ctx context.Context, bucket string) error
	ListObjects(ctx context.Context, bucket, prefix string) ([]objectInfo, error)
	StatObject(ctx context.Context, bucket, key string) (objectInfo, error)
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts putOptions) error
	RemoveObject(ctx context.Context, bucket, key string) error

	NewMultipartUpload(ctx context.Context, bucket, key string, opts putOptions) (string, error)
	UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error)
	ListParts(ctx context.Context, bucket, key, uploadID string) ([]completedPart, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []completedPart) error
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
}

// errObjectNotFound is returned by StatObject for a missing key
var errObjectNotFound = errors.New("object not found")

type objectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

type putOptions struct {
	ContentType string
	Metadata    map[string]string
}

type completedPart struct {
	PartNumber int
	ETag       string
}

// minioAPI implements objectAPI with minio-go
type minioAPI struct {
	client *minio.Client
	core   *minio.Core
}

func newMinioAPI(cfg S3Config) (*minioAPI, error) {
	endpoint, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	return &minioAPI{client: client, core: &minio.Core{Client: client}}, nil
}

// cleanEndpoint reduces an endpoint URL to the host:port form minio expects
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsed.Path)
	}
	return parsed.Host, nil
}

func (m *minioAPI) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

func (m *minioAPI) ListObjects(ctx context.Context, bucket, prefix string) ([]objectInfo, error) {
	var objects []objectInfo
	for obj := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:       prefix,
		Recursive:    true,
		WithMetadata: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		objects = append(objects, objectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ETag:         obj.ETag,
			LastModified: obj.LastModified,
			ContentType:  obj.ContentType,
			Metadata:     obj.UserMetadata,
		})
	}
	return objects, nil
}

func (m *minioAPI) StatObject(ctx context.Context, bucket, key string) (objectInfo, error) {
	info, err := m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return objectInfo{}, errObjectNotFound
		}
		return objectInfo{}, err
	}

	return objectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
		Metadata:     info.UserMetadata,
	}, nil
}

func (m *minioAPI) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	return m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
}

func (m *minioAPI) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts putOptions) error {
	_, err := m.client.PutObject(ctx, bucket, key, reader, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
	return err
}

func (m *minioAPI) RemoveObject(ctx context.Context, bucket, key string) error {
	return m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}

func (m *minioAPI) NewMultipartUpload(ctx context.Context, bucket, key string, opts putOptions) (string, error) {
	return m.core.NewMultipartUpload(ctx, bucket, key, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
}

func (m *minioAPI) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	part, err := m.core.PutObjectPart(ctx, bucket, key, uploadID, partNumber, reader, size, minio.PutObjectPartOptions{})
	if err != nil {
		return "", err
	}
	return part.ETag, nil
}

func (m *minioAPI) ListParts(ctx context.Context, bucket, key, uploadID string) ([]completedPart, error) {
	var (
		parts  []completedPart
		marker int
	)
	for {
		result, err := m.core.ListObjectParts(ctx, bucket, key, uploadID, marker, 1000)
		if err != nil {
			return nil, err
		}
		for _, p := range result.ObjectParts {
			parts = append(parts, completedPart{PartNumber: p.PartNumber, ETag: p.ETag})
		}
		if !result.IsTruncated {
			return parts, nil
		}
		marker = result.NextPartNumberMarker
	}
}

func (m *minioAPI) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []completedPart) error {
	minioParts := make([]minio.CompletePart, len(parts))
	for i, part := range parts {
		minioParts[i] = minio.CompletePart{
			PartNumber: part.PartNumber,
			ETag:       part.ETag,
		}
	}

	_, err := m.core.CompleteMultipartUpload(ctx, bucket, key, uploadID, minioParts, minio.PutObjectOptions{})
	return err
}

func (m *minioAPI) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return m.core.AbortMultipartUpload(ctx, bucket, key, uploadID)
}

// mapS3Error classifies an S3 error response onto the package errors
func mapS3Error(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errObjectNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "ExpiredToken", "InvalidToken", "TokenRefreshRequired", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("%w: %s", ErrAuthExpired, resp.Code)
	}
	if resp.StatusCode == 401 {
		return fmt.Errorf("%w: %s", ErrAuthExpired, resp.Code)
	}
	if resp.StatusCode >= 400 {
		return &RequestFailedError{Status: resp.StatusCode}
	}
	return err
}

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cloudfs/internal/events"
	"cloudfs/internal/pathutil"
	"cloudfs/internal/queue"
)

const (
	DefaultDriveEndpoint = "https://www.googleapis.com"
	DefaultRootFolder    = "cloudfs"
	DefaultPageSize      = 100

	folderMimeType = "application/vnd.google-apps.folder"
	fileFields     = "id,name,mimeType,modifiedTime,md5Checksum,size"
)

// DriveConfig configures a DriveClient
type DriveConfig struct {
	Endpoint  string
	Root      string
	ChunkSize int64
	PageSize  int
}

func (c *DriveConfig) setDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultDriveEndpoint
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if c.Root == "" {
		c.Root = DefaultRootFolder
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
}

// DriveClient stores files as objects inside one Drive folder
type DriveClient struct {
	cfg    DriveConfig
	http   *http.Client
	tokens TokenProvider
	logger *zap.Logger
	chunks *chunkQueue
}

// NewDriveClient creates a Drive client whose chunk tasks live in tasks
func NewDriveClient(
	ctx context.Context,
	cfg DriveConfig,
	tasks *queue.Store,
	tokens TokenProvider,
	bus *events.Bus,
	logger *zap.Logger,
	opts ...queue.Option,
) (*DriveClient, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &DriveClient{
		cfg: cfg,
		http: &http.Client{
			Timeout: 5 * time.Minute,
			// a resumable session answers 308 to an incomplete chunk
			CheckRedirect: func(req *http.Request, _ []*http.Request) error {
				if req.Method == http.MethodPut {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		tokens: tokens,
		logger: logger.With(zap.String("component", "drive")),
	}

	chunks, err := newChunkQueue(ctx, tasks, c.sendChunk, bus, c.logger, opts...)
	if err != nil {
		return nil, err
	}
	c.chunks = chunks
	return c, nil
}

// Open resolves the root folder and starts the chunk queue
func (c *DriveClient) Open(ctx context.Context) error {
	if _, err := c.rootFolderID(ctx); err != nil {
		return err
	}
	c.chunks.start(ctx)
	return nil
}

type driveFile struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MimeType     string    `json:"mimeType"`
	ModifiedTime time.Time `json:"modifiedTime"`
	MD5Checksum  string    `json:"md5Checksum"`
	Size         string    `json:"size,omitempty"`
}

func (f driveFile) object() Object {
	size, _ := strconv.ParseInt(f.Size, 10, 64)
	return Object{
		ID:           f.ID,
		Name:         pathutil.Join(f.Name),
		Checksum:     f.MD5Checksum,
		ModifiedTime: f.ModifiedTime,
		MimeType:     f.MimeType,
		Size:         size,
	}
}

type fileList struct {
	NextPageToken string      `json:"nextPageToken"`
	Files         []driveFile `json:"files"`
}

type query struct {
	name   string
	parent string
	folder *bool
}

// String renders the Drive search grammar
func (q query) String() string {
	terms := []string{"trashed = false"}
	if q.folder != nil {
		op := "!="
		if *q.folder {
			op = "="
		}
		terms = append(terms, fmt.Sprintf("mimeType %s '%s'", op, folderMimeType))
	}
	if q.parent != "" {
		terms = append(terms, fmt.Sprintf("'%s' in parents", escapeQuery(q.parent)))
	}
	if q.name != "" {
		terms = append(terms, fmt.Sprintf("name = '%s'", escapeQuery(q.name)))
	}
	return strings.Join(terms, " and ")
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

func (c *DriveClient) list(ctx context.Context, q query, pageToken string) (*fileList, error) {
	params := url.Values{}
	params.Set("q", q.String())
	params.Set("fields", fmt.Sprintf("nextPageToken, files(%s)", fileFields))
	params.Set("pageSize", strconv.Itoa(c.cfg.PageSize))
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	resp, err := c.do(ctx, http.MethodGet, c.cfg.Endpoint+"/drive/v3/files?"+params.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list fileList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode file list: %w", err)
	}
	return &list, nil
}

func (c *DriveClient) rootFolderID(ctx context.Context) (string, error) {
	folder := true
	list, err := c.list(ctx, query{name: c.cfg.Root, folder: &folder}, "")
	if err != nil {
		return "", err
	}
	if len(list.Files) > 0 && list.Files[0].ID != "" {
		return list.Files[0].ID, nil
	}

	created, err := c.createFolder(ctx, c.cfg.Root)
	if err != nil {
		if errors.Is(err, ErrAuthExpired) {
			return "", err
		}
		return "", fmt.Errorf("%w: %s: %v", ErrRootFolderUnresolved, c.cfg.Root, err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("%w: %s", ErrRootFolderUnresolved, c.cfg.Root)
	}

	c.logger.Info("Created root folder", zap.String("name", c.cfg.Root), zap.String("id", created.ID))
	return created.ID, nil
}

func (c *DriveClient) createFolder(ctx context.Context, name string) (*driveFile, error) {
	body, err := json.Marshal(map[string]string{"name": name, "mimeType": folderMimeType})
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json; charset=UTF-8")

	u := c.cfg.Endpoint + "/drive/v3/files?fields=" + url.QueryEscape("id,name,mimeType,modifiedTime")
	resp, err := c.do(ctx, http.MethodPost, u, header, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var f driveFile
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode created folder: %w", err)
	}
	return &f, nil
}

func (c *DriveClient) findFile(ctx context.Context, name string) (*driveFile, error) {
	parent, err := c.rootFolderID(ctx)
	if err != nil {
		return nil, err
	}

	folder := false
	list, err := c.list(ctx, query{name: name, parent: parent, folder: &folder}, "")
	if err != nil {
		return nil, err
	}
	if len(list.Files) == 0 {
		return nil, nil
	}
	return &list.Files[0], nil
}

// Glob lists every file under the root folder whose path matches pattern
func (c *DriveClient) Glob(ctx context.Context, pattern string, opts GlobOptions) ([]Object, error) {
	parent, err := c.rootFolderID(ctx)
	if err != nil {
		return nil, err
	}

	folder := false
	q := query{parent: parent, folder: &folder}

	var objects []Object
	pageToken := ""
	for {
		list, err := c.list(ctx, q, pageToken)
		if err != nil {
			return nil, err
		}

		for _, f := range list.Files {
			obj := f.object()
			ok, err := pathutil.Match(opts.Root, obj.Name, pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
			}
			if ok {
				objects = append(objects, obj)
			}
		}

		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}

	c.logger.Debug("Listed remote files", zap.String("pattern", pattern), zap.Int("count", len(objects)))
	return objects, nil
}

// Download fetches the named file, or returns nil when it does not exist
func (c *DriveClient) Download(ctx context.Context, name string, opts DownloadOptions) (*File, error) {
	f, err := c.findFile(ctx, name)
	if err != nil || f == nil {
		return nil, err
	}
	obj := f.object()

	resp, err := c.do(ctx, http.MethodGet, c.cfg.Endpoint+"/drive/v3/files/"+url.PathEscape(f.ID)+"?alt=media", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if opts.OnProgress != nil {
		total := resp.ContentLength
		if total < 0 {
			total = obj.Size
		}
		body = &progressReader{r: resp.Body, total: total, fn: opts.OnProgress}
	}

	content, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	c.logger.Debug("Downloaded file", zap.String("name", name), zap.Int("size", len(content)))
	return &File{Object: obj, Content: content}, nil
}

// Upload opens a resumable session for name and queues its chunks
func (c *DriveClient) Upload(ctx context.Context, name string, content []byte, opts UploadOptions) (string, error) {
	if opts.FileID == "" && opts.Override {
		existing, err := c.findFile(ctx, name)
		if err != nil {
			return "", err
		}
		if existing != nil {
			opts.FileID = existing.ID
		}
	}

	sessionURL, err := c.openSession(ctx, name, int64(len(content)), opts)
	if err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate upload id: %w", err)
	}

	base := ChunkTask{UploadID: id.String(), SessionURL: sessionURL, Name: name}
	if err := c.chunks.enqueue(ctx, base, content, c.cfg.ChunkSize, opts.OnProgress); err != nil {
		return "", err
	}

	c.logger.Info("Queued upload",
		zap.String("upload_id", base.UploadID),
		zap.String("name", name),
		zap.Int("size", len(content)),
	)
	return base.UploadID, nil
}

func (c *DriveClient) openSession(ctx context.Context, name string, size int64, opts UploadOptions) (string, error) {
	header := http.Header{}
	header.Set("Content-Type", "application/json; charset=UTF-8")
	if size > 0 {
		header.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))
	}

	method := http.MethodPost
	target := c.cfg.Endpoint + "/upload/drive/v3/files"
	var body []byte

	if opts.FileID != "" {
		method = http.MethodPatch
		target += "/" + url.PathEscape(opts.FileID)
	} else {
		parent, err := c.rootFolderID(ctx)
		if err != nil {
			return "", err
		}

		mimeType := uploadMimeType(name, opts.MimeType)
		header.Set("X-Upload-Content-Type", mimeType)
		body, err = json.Marshal(map[string]any{
			"name":     name,
			"mimeType": mimeType,
			"parents":  []string{parent},
		})
		if err != nil {
			return "", err
		}
	}

	resp, err := c.do(ctx, method, target+"?uploadType=resumable&fields=id", header, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("upload session for %s returned no location", name)
	}
	return location, nil
}

func uploadMimeType(name, hint string) string {
	if hint != "" {
		return hint
	}
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return strings.TrimSpace(strings.SplitN(t, ";", 2)[0])
	}
	return "text/plain"
}

func (c *DriveClient) sendChunk(ctx context.Context, task ChunkTask) error {
	header := http.Header{}
	header.Set("Content-Range", task.ContentRange())

	resp, err := c.do(ctx, http.MethodPut, task.SessionURL, header, task.Body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Remove deletes the named file
func (c *DriveClient) Remove(ctx context.Context, name string) error {
	f, err := c.findFile(ctx, name)
	if err != nil || f == nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodDelete, c.cfg.Endpoint+"/drive/v3/files/"+url.PathEscape(f.ID), nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()

	c.logger.Debug("Removed remote file", zap.String("name", name), zap.String("id", f.ID))
	return nil
}

// Flush sends every queued chunk
func (c *DriveClient) Flush(ctx context.Context) error {
	return c.chunks.flush(ctx)
}

// RetryFailed re-runs failed chunk tasks
func (c *DriveClient) RetryFailed(ctx context.Context) error {
	return c.chunks.retry(ctx)
}

// Tasks returns the chunk tasks still on the upload queue
func (c *DriveClient) Tasks() []queue.Task[ChunkTask] {
	return c.chunks.tasks()
}

// Close releases idle connections
func (c *DriveClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// do sends an authorized request and maps failure statuses to errors. The
// caller closes the body of a successful response.
func (c *DriveClient) do(ctx context.Context, method, target string, header http.Header, body []byte) (*http.Response, error) {
	token, ok := c.tokens.CurrentAccessToken(ctx)
	if !ok {
		return nil, ErrAuthExpired
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}

	if err := checkStatus(resp.StatusCode, c.tokens); err != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if errors.Is(err, ErrAuthExpired) {
			c.logger.Warn("Access token rejected", zap.String("method", method), zap.String("path", req.URL.Path))
		}
		return nil, err
	}
	return resp, nil
}

// progressReader reports the running byte count of a download
type progressReader struct {
	r      io.Reader
	loaded int64
	total  int64
	fn     func(loaded, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		p.fn(p.loaded, p.total)
	}
	return n, err
}

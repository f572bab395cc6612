package app

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"cloudfs/internal/diff"
	"cloudfs/internal/localfs"
	"cloudfs/internal/queue"
	"cloudfs/internal/remote"
	"cloudfs/internal/retry"
)

// SyncQueue is the queue holding download and upload tasks
const SyncQueue = "Sync"

// TaskType tells the executor which way a file moves
type TaskType string

const (
	TaskDownload TaskType = "download"
	TaskUpload   TaskType = "upload"
)

// SyncTask is the payload of a task on the Sync queue. An upload without
// content deletes the file on both sides.
type SyncTask struct {
	Type     TaskType `json:"type"`
	Name     string   `json:"name"`
	Override bool     `json:"override"`
	Content  []byte   `json:"content,omitempty"`
	MimeType string   `json:"mimeType,omitempty"`
}

// Recorder receives transfer figures
type Recorder interface {
	Planned(tasks int, bytes int64)
	Transferred(direction string, bytes int64)
}

type nopRecorder struct{}

func (nopRecorder) Planned(int, int64) {}
func (nopRecorder) Transferred(string, int64) {}

// Deps are the collaborators of a Syncer
type Deps struct {
	Local        *localfs.Store
	Remote       remote.Store
	Tasks        *queue.Store
	Recorder     Recorder
	Logger       *zap.Logger
	QueueOptions []queue.Option
}

// Syncer reconciles the local store with the remote through the Sync queue
type Syncer struct {
	local    *localfs.Store
	remote   remote.Store
	queue    *queue.Queue[SyncTask]
	lister   *fileLister
	recorder Recorder
	logger   *zap.Logger
}

// TaskList is a snapshot of both queues
type TaskList struct {
	Sync   []queue.Task[SyncTask]
	Upload []queue.Task[remote.ChunkTask]
}

// NewSyncer creates the Sync queue and pulls the tasks left by a previous run
func NewSyncer(ctx context.Context, deps Deps) (*Syncer, error) {
	if deps.Local == nil || deps.Remote == nil || deps.Tasks == nil {
		return nil, errors.New("syncer needs a local store, a remote and a task store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	s := &Syncer{
		local:    deps.Local,
		remote:   deps.Remote,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "sync")),
	}
	s.lister = &fileLister{local: deps.Local, remote: deps.Remote, logger: s.logger}

	opts := append([]queue.Option{queue.WithLogger(logger)}, deps.QueueOptions...)
	q, err := queue.New(ctx, SyncQueue, deps.Tasks, s.execute, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync queue: %w", err)
	}
	s.queue = q
	return s, nil
}

// Start drains the Sync queue in the background until ctx is done, so tasks
// run as soon as they are queued. Wait still reports their failures.
func (s *Syncer) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Open prepares the remote
func (s *Syncer) Open(ctx context.Context) error {
	if err := retry.OnAuthExpired(ctx, s.remote.Open); err != nil {
		return fmt.Errorf("failed to open remote: %w", err)
	}
	return nil
}

// Sync compares both sides and queues the downloads, then the uploads,
// needed to reconcile them
func (s *Syncer) Sync(ctx context.Context) (diff.Result, error) {
	var (
		result diff.Result
		sizes  map[string]remote.Object
	)
	err := retry.OnAuthExpired(ctx, func(ctx context.Context) error {
		if err := s.remote.Open(ctx); err != nil {
			return err
		}
		remoteFiles, localFiles, err := s.lister.listBoth(ctx)
		if err != nil {
			return err
		}
		result = diff.Compute(remoteFiles, localFiles)
		sizes = remoteFiles
		return nil
	})
	if err != nil {
		return diff.Result{}, fmt.Errorf("sync failed: %w", err)
	}

	s.logger.Info("Computed sync plan",
		zap.Int("downloads", len(result.Downloads)),
		zap.Int("uploads", len(result.Uploads)),
	)
	return result, s.enqueue(ctx, result, sizes)
}

// Pull queues an overriding download of every remote file
func (s *Syncer) Pull(ctx context.Context) (diff.Result, error) {
	var remoteFiles map[string]remote.Object
	err := retry.OnAuthExpired(ctx, func(ctx context.Context) error {
		if err := s.remote.Open(ctx); err != nil {
			return err
		}
		var err error
		remoteFiles, err = s.lister.listRemote(ctx)
		return err
	})
	if err != nil {
		return diff.Result{}, fmt.Errorf("pull failed: %w", err)
	}

	var result diff.Result
	for name := range remoteFiles {
		result.Downloads = append(result.Downloads, diff.Download{Name: name, Override: true})
	}
	sort.Slice(result.Downloads, func(i, j int) bool { return result.Downloads[i].Name < result.Downloads[j].Name })

	s.logger.Info("Planned pull", zap.Int("downloads", len(result.Downloads)))
	return result, s.enqueue(ctx, result, remoteFiles)
}

// Push queues an overriding upload of every local file. Tombstones become
// remote deletions.
func (s *Syncer) Push(ctx context.Context) (diff.Result, error) {
	if err := s.Open(ctx); err != nil {
		return diff.Result{}, fmt.Errorf("push failed: %w", err)
	}
	localFiles, err := s.lister.listLocal(ctx)
	if err != nil {
		return diff.Result{}, fmt.Errorf("push failed: %w", err)
	}

	var result diff.Result
	for name, rec := range localFiles {
		result.Uploads = append(result.Uploads, diff.Upload{
			Name:     name,
			Content:  rec.Content,
			MimeType: rec.MimeType,
			Override: true,
		})
	}
	sort.Slice(result.Uploads, func(i, j int) bool { return result.Uploads[i].Name < result.Uploads[j].Name })

	s.logger.Info("Planned push", zap.Int("uploads", len(result.Uploads)))
	return result, s.enqueue(ctx, result, nil)
}

func (s *Syncer) enqueue(ctx context.Context, result diff.Result, remoteFiles map[string]remote.Object) error {
	var bytes int64
	for _, d := range result.Downloads {
		bytes += remoteFiles[d.Name].Size
	}
	for _, u := range result.Uploads {
		bytes += int64(len(u.Content))
	}
	// the plan is reported before the first task can finish
	s.recorder.Planned(len(result.Downloads)+len(result.Uploads), bytes)

	for _, d := range result.Downloads {
		if _, err := s.queue.AddTask(ctx, SyncTask{Type: TaskDownload, Name: d.Name, Override: d.Override}); err != nil {
			return fmt.Errorf("failed to queue download of %s: %w", d.Name, err)
		}
	}

	for _, u := range result.Uploads {
		task := SyncTask{
			Type:     TaskUpload,
			Name:     u.Name,
			Override: u.Override,
			Content:  u.Content,
			MimeType: u.MimeType,
		}
		if _, err := s.queue.AddTask(ctx, task); err != nil {
			return fmt.Errorf("failed to queue upload of %s: %w", u.Name, err)
		}
	}
	return nil
}

// execute runs one Sync task
func (s *Syncer) execute(ctx context.Context, task queue.Task[SyncTask]) error {
	p := task.Payload
	switch p.Type {
	case TaskDownload:
		return s.download(ctx, p)
	case TaskUpload:
		if len(p.Content) > 0 {
			return s.upload(ctx, p)
		}
		return s.remove(ctx, p)
	default:
		return fmt.Errorf("unknown task type %q", p.Type)
	}
}

func (s *Syncer) download(ctx context.Context, p SyncTask) error {
	file, err := retry.OnAuthExpiredWithResult(ctx, func(ctx context.Context) (*remote.File, error) {
		return s.remote.Download(ctx, p.Name, remote.DownloadOptions{})
	})
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", p.Name, err)
	}
	if file == nil {
		s.logger.Debug("Remote file vanished before download", zap.String("name", p.Name))
		return nil
	}

	opts := localfs.WriteOptions{MimeType: file.MimeType, LastModified: file.ModifiedTime}
	if err := s.local.WriteFile(ctx, p.Name, file.Content, opts); err != nil {
		return fmt.Errorf("failed to store %s: %w", p.Name, err)
	}

	s.recorder.Transferred("download", int64(len(file.Content)))
	s.logger.Debug("Downloaded file", zap.String("name", p.Name), zap.Int("size", len(file.Content)))
	return nil
}

func (s *Syncer) upload(ctx context.Context, p SyncTask) error {
	var loaded int64
	opts := remote.UploadOptions{
		MimeType: p.MimeType,
		Override: p.Override,
		OnProgress: func(pr remote.Progress) {
			s.recorder.Transferred("upload", pr.Loaded-loaded)
			loaded = pr.Loaded
		},
	}

	id, err := retry.OnAuthExpiredWithResult(ctx, func(ctx context.Context) (string, error) {
		return s.remote.Upload(ctx, p.Name, p.Content, opts)
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", p.Name, err)
	}

	s.logger.Debug("Queued upload", zap.String("name", p.Name), zap.String("upload_id", id))
	return nil
}

// remove propagates a local deletion and then forgets the tombstone
func (s *Syncer) remove(ctx context.Context, p SyncTask) error {
	err := retry.OnAuthExpired(ctx, func(ctx context.Context) error {
		return s.remote.Remove(ctx, p.Name)
	})
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", p.Name, err)
	}
	if err := s.local.Clear(ctx, p.Name); err != nil {
		return fmt.Errorf("failed to clear %s: %w", p.Name, err)
	}

	s.logger.Debug("Removed file", zap.String("name", p.Name))
	return nil
}

// Wait runs the queued Sync tasks and then delivers every queued chunk
func (s *Syncer) Wait(ctx context.Context) error {
	syncErr := s.queue.RunTasks(ctx)
	if ctx.Err() != nil {
		return syncErr
	}
	return errors.Join(syncErr, s.remote.Flush(ctx))
}

// RetryFailed re-runs the failed tasks of the Sync queue and of the upload queue
func (s *Syncer) RetryFailed(ctx context.Context) error {
	syncErr := s.queue.RetryFailedTasks(ctx)
	if ctx.Err() != nil {
		return syncErr
	}
	return errors.Join(syncErr, s.remote.RetryFailed(ctx))
}

// Tasks returns a snapshot of both queues
func (s *Syncer) Tasks() TaskList {
	return TaskList{
		Sync:   s.queue.Tasks(),
		Upload: s.remote.Tasks(),
	}
}

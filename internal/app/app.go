package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"cloudfs/internal/auth"
	"cloudfs/internal/config"
	"cloudfs/internal/diff"
	"cloudfs/internal/events"
	"cloudfs/internal/localfs"
	"cloudfs/internal/metrics"
	"cloudfs/internal/progress"
	"cloudfs/internal/queue"
	"cloudfs/internal/remote"
)

// Mode selects what Run does before draining the queues
type Mode string

const (
	ModeSync  Mode = "sync"
	ModePull  Mode = "pull"
	ModePush  Mode = "push"
	ModeRetry Mode = "retry"
	ModeDrain Mode = "drain"
)

// App wires the stores, the remote and the syncer from a Config
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	bus     *events.Bus
	auth    *auth.Manager
	metrics *metrics.Collector
	tasks   *queue.Store
	local   *localfs.Store
	remote  remote.Store
	syncer  *Syncer
}

// New opens the databases under cfg.Store.Dir and builds the configured remote
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	if err := os.MkdirAll(cfg.Store.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		bus:     events.NewBus(),
		metrics: metrics.New(SyncQueue),
	}
	defer func() {
		if err != nil {
			if closeErr := a.Close(); closeErr != nil {
				logger.Warn("Failed to release resources", zap.Error(closeErr))
			}
		}
	}()

	if a.tasks, err = queue.OpenStore(ctx, cfg.Store.TasksPath()); err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}

	if a.local, err = localfs.Open(ctx, cfg.Store.FilesPath(), a.bus, logger); err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	queueOpts := []queue.Option{
		queue.WithLogger(logger),
		queue.WithRetryAttempts(cfg.Sync.RetryAttempts),
		queue.WithObserver(a.metrics),
	}

	if err = a.openRemote(ctx, queueOpts); err != nil {
		return nil, err
	}

	a.syncer, err = NewSyncer(ctx, Deps{
		Local:        a.local,
		Remote:       a.remote,
		Tasks:        a.tasks,
		Recorder:     a.metrics,
		Logger:       logger,
		QueueOptions: queueOpts,
	})
	if err != nil {
		return nil, err
	}

	return a, nil
}

func (a *App) openRemote(ctx context.Context, queueOpts []queue.Option) error {
	rc := a.cfg.Remote

	switch rc.Kind {
	case config.RemoteDrive:
		a.auth = auth.NewManager(auth.NewSourceFactory(auth.Config{
			AccessToken:  a.cfg.Auth.AccessToken,
			RefreshToken: a.cfg.Auth.RefreshToken,
			ClientID:     a.cfg.Auth.ClientID,
			ClientSecret: a.cfg.Auth.ClientSecret,
			TokenURL:     a.cfg.Auth.TokenURL,
			Scopes:       a.cfg.Auth.Scopes,
		}), a.bus, a.logger)

		drive, err := remote.NewDriveClient(ctx, remote.DriveConfig{
			Endpoint:  rc.Endpoint,
			Root:      rc.Root,
			ChunkSize: rc.ChunkSize,
			PageSize:  rc.PageSize,
		}, a.tasks, a.auth, a.bus, a.logger, queueOpts...)
		if err != nil {
			return fmt.Errorf("failed to create drive client: %w", err)
		}
		a.remote = drive

	case config.RemoteS3:
		s3, err := remote.NewS3Client(ctx, remote.S3Config{
			Endpoint:     rc.Endpoint,
			AccessKey:    rc.AccessKey,
			SecretKey:    rc.SecretKey,
			SessionToken: rc.SessionToken,
			Region:       rc.Region,
			Secure:       rc.Secure,
			Bucket:       rc.Bucket,
			Root:         rc.Root,
			ChunkSize:    rc.ChunkSize,
		}, a.tasks, a.bus, a.logger, queueOpts...)
		if err != nil {
			return fmt.Errorf("failed to create s3 client: %w", err)
		}
		a.remote = s3

	default:
		return fmt.Errorf("unknown remote %q", rc.Kind)
	}

	a.logger.Info("Remote configured",
		zap.String("kind", rc.Kind),
		zap.String("root", rc.Root),
	)
	return nil
}

// Run plans the work for mode and drains both queues
func (a *App) Run(ctx context.Context, mode Mode) error {
	if a.cfg.MetricsAddr != "" {
		go func() {
			a.logger.Info("Starting metrics server", zap.String("addr", a.cfg.MetricsAddr))
			if err := a.metrics.StartServer(ctx, a.cfg.MetricsAddr); err != nil {
				a.logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	if a.auth != nil {
		cancel := a.auth.OnAuthorizationChanged(func(authorized bool) {
			a.logger.Info("Authorization changed", zap.Bool("authorized", authorized))
		})
		defer cancel()
	}

	tracker := a.metrics.Tracker()
	if a.cfg.Sync.ShowProgress && progress.IsTerminalSupported() {
		tracker.Watch(ctx, a.bus)
		display := progress.NewDisplay(tracker, 2*time.Second)
		display.Start()
		defer display.Stop()
	}

	start := time.Now()
	a.logger.Info("Starting", zap.String("mode", string(mode)))
	a.syncer.Start(ctx)

	var (
		plan diff.Result
		err  error
	)
	switch mode {
	case ModeSync:
		plan, err = a.syncer.Sync(ctx)
	case ModePull:
		plan, err = a.syncer.Pull(ctx)
	case ModePush:
		plan, err = a.syncer.Push(ctx)
	case ModeRetry:
		err = a.syncer.RetryFailed(ctx)
	case ModeDrain:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		return err
	}

	if mode != ModeRetry {
		a.logger.Info("Queued tasks",
			zap.Int("downloads", len(plan.Downloads)),
			zap.Int("uploads", len(plan.Uploads)),
		)
	}

	if err := a.syncer.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			a.logger.Info("Interrupted, unfinished tasks resume on the next run")
		}
		return fmt.Errorf("%s did not complete: %w", mode, err)
	}

	status := tracker.Status()
	a.logger.Info("Finished",
		zap.String("mode", string(mode)),
		zap.Int64("completed", status.CompletedTasks),
		zap.Int64("failed", status.FailedTasks),
		zap.String("transferred", progress.FormatBytes(status.TransferredBytes)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// Tasks returns the tasks still held by both queues
func (a *App) Tasks() TaskList {
	return a.syncer.Tasks()
}

// Local returns the local store
func (a *App) Local() *localfs.Store {
	return a.local
}

// Close closes the remote and the databases
func (a *App) Close() error {
	var errs []error

	if a.remote != nil {
		if err := a.remote.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close remote: %w", err))
		}
	}
	if a.local != nil {
		if err := a.local.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close local store: %w", err))
		}
	}
	if a.tasks != nil {
		if err := a.tasks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close task store: %w", err))
		}
	}

	return errors.Join(errs...)
}

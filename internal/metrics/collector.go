package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cloudfs/internal/progress"
)

// Collector collects and exposes sync metrics. It observes every queue and
// mirrors what it sees into a progress tracker.
type Collector struct {
	registry      *prometheus.Registry
	tasksTotal    *prometheus.CounterVec
	transferBytes *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	duration      *prometheus.HistogramVec
	tracker       *progress.Tracker
}

// New creates a collector whose tracker follows trackedQueue
func New(trackedQueue string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudfs_tasks_total",
				Help: "Total number of finished tasks",
			},
			[]string{"queue", "status"},
		),
		transferBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudfs_transfer_bytes_total",
				Help: "Total bytes moved between the local store and the remote",
			},
			[]string{"direction"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cloudfs_queue_depth",
				Help: "Number of tasks waiting to run",
			},
			[]string{"queue"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cloudfs_task_duration_seconds",
				Help:    "Time from the first attempt of a task to its final status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		tracker: progress.NewTracker(trackedQueue),
	}

	c.registry.MustRegister(c.tasksTotal, c.transferBytes, c.queueDepth, c.duration)
	return c
}

// TaskFinished records the final status of a task
func (c *Collector) TaskFinished(queue, status string, elapsed time.Duration) {
	c.tasksTotal.WithLabelValues(queue, status).Inc()
	c.duration.WithLabelValues(queue).Observe(elapsed.Seconds())
	c.tracker.TaskFinished(queue, status)
}

// QueueDepth sets the number of waiting tasks of queue
func (c *Collector) QueueDepth(queue string, depth int) {
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
	c.tracker.SetDepth(queue, depth)
}

// Planned adds the tasks and bytes a sync is about to move
func (c *Collector) Planned(tasks int, bytes int64) {
	c.tracker.Plan(tasks, bytes)
}

// Transferred adds bytes moved in direction (upload or download)
func (c *Collector) Transferred(direction string, bytes int64) {
	c.transferBytes.WithLabelValues(direction).Add(float64(bytes))
	c.tracker.AddBytes(bytes)
}

// Tracker returns the progress tracker
func (c *Collector) Tracker() *progress.Tracker {
	return c.tracker
}

// Handler serves the collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer serves /metrics on addr until ctx is done
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

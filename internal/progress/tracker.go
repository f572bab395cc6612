package progress

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"cloudfs/internal/events"
)

// Status is a snapshot of a running sync
type Status struct {
	TotalTasks       int64
	FinishedTasks    int64
	CompletedTasks   int64
	FailedTasks      int64
	TotalBytes       int64
	TransferredBytes int64
	Depths           []QueueDepth
	Upload           *events.ProgressDetail
	StartTime        time.Time
	LastUpdateTime   time.Time
	CurrentSpeed     float64 // bytes/second over the last few seconds
	AverageSpeed     float64 // bytes/second since start
	ETA              time.Duration
}

// QueueDepth is the number of tasks still waiting on a queue
type QueueDepth struct {
	Queue string
	Depth int
}

// Tracker follows the tasks of one queue and the bytes moved by the sync
type Tracker struct {
	queue string

	mu           sync.RWMutex
	status       Status
	depths       map[string]int
	speedSamples []speedSample
	maxSamples   int
	now          func() time.Time
}

type speedSample struct {
	timestamp time.Time
	bytes     int64
}

// NewTracker counts the finished tasks of queue. Depths are kept for every queue.
func NewTracker(queue string) *Tracker {
	now := time.Now()
	return &Tracker{
		queue: queue,
		status: Status{
			StartTime:      now,
			LastUpdateTime: now,
		},
		depths:       make(map[string]int),
		speedSamples: make([]speedSample, 0, 60),
		maxSamples:   60,
		now:          time.Now,
	}
}

// Plan adds tasks and bytes to the expected totals
func (t *Tracker) Plan(tasks int, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.TotalTasks += int64(tasks)
	t.status.TotalBytes += bytes
}

// TaskFinished records a task outcome. Outcomes of other queues are ignored.
func (t *Tracker) TaskFinished(queue, status string) {
	if queue != t.queue {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.FinishedTasks++
	switch status {
	case "completed":
		t.status.CompletedTasks++
	case "failed":
		t.status.FailedTasks++
	}
	t.status.LastUpdateTime = t.now()
}

// SetDepth records how many tasks wait on queue
func (t *Tracker) SetDepth(queue string, depth int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.depths[queue] = depth
}

// AddBytes records transferred bytes
func (t *Tracker) AddBytes(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.TransferredBytes += bytes
	t.updateSpeed(bytes)
}

// SetUpload records the latest chunk progress of an upload
func (t *Tracker) SetUpload(detail events.ProgressDetail) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if detail.Fraction >= 1 {
		t.status.Upload = nil
		return
	}
	t.status.Upload = &detail
}

// Watch feeds upload-progress events from bus into the tracker until ctx is done
func (t *Tracker) Watch(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe(events.UploadProgress)
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				if detail, ok := ev.Data.(events.ProgressDetail); ok {
					t.SetUpload(detail)
				}
			}
		}
	}()
}

// updateSpeed must be called with the lock held
func (t *Tracker) updateSpeed(bytes int64) {
	now := t.now()

	t.speedSamples = append(t.speedSamples, speedSample{timestamp: now, bytes: bytes})
	if len(t.speedSamples) > t.maxSamples {
		t.speedSamples = t.speedSamples[1:]
	}

	t.calculateCurrentSpeed(now)
	t.calculateAverageSpeed(now)
	t.calculateETA()

	t.status.LastUpdateTime = now
}

// calculateCurrentSpeed uses the samples of the last five seconds
func (t *Tracker) calculateCurrentSpeed(now time.Time) {
	if len(t.speedSamples) < 2 {
		t.status.CurrentSpeed = 0
		return
	}

	cutoff := now.Add(-5 * time.Second)
	var recentBytes int64
	var first *speedSample
	for i := len(t.speedSamples) - 1; i >= 0; i-- {
		sample := &t.speedSamples[i]
		if sample.timestamp.Before(cutoff) {
			break
		}
		recentBytes += sample.bytes
		first = sample
	}

	if first != nil {
		if d := now.Sub(first.timestamp); d > 0 {
			t.status.CurrentSpeed = float64(recentBytes) / d.Seconds()
		}
	}
}

func (t *Tracker) calculateAverageSpeed(now time.Time) {
	if elapsed := now.Sub(t.status.StartTime); elapsed > 0 {
		t.status.AverageSpeed = float64(t.status.TransferredBytes) / elapsed.Seconds()
	}
}

func (t *Tracker) calculateETA() {
	remaining := t.status.TotalBytes - t.status.TransferredBytes
	if remaining <= 0 || t.status.AverageSpeed == 0 {
		t.status.ETA = 0
		return
	}
	t.status.ETA = time.Duration(float64(remaining)/t.status.AverageSpeed) * time.Second
}

// Status returns a copy of the current status
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status := t.status
	if status.Upload != nil {
		upload := *status.Upload
		status.Upload = &upload
	}
	status.Depths = make([]QueueDepth, 0, len(t.depths))
	for queue, depth := range t.depths {
		status.Depths = append(status.Depths, QueueDepth{Queue: queue, Depth: depth})
	}
	sort.Slice(status.Depths, func(i, j int) bool { return status.Depths[i].Queue < status.Depths[j].Queue })
	return status
}

// Percent returns the share of planned tasks that finished
func (t *Tracker) Percent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TotalTasks == 0 {
		return 0
	}
	return float64(t.status.FinishedTasks) / float64(t.status.TotalTasks) * 100
}

// BytesPercent returns the share of planned bytes that were transferred
func (t *Tracker) BytesPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TotalBytes == 0 {
		return 0
	}
	return float64(t.status.TransferredBytes) / float64(t.status.TotalBytes) * 100
}

// FormatSpeed formats a rate in bytes per second
func FormatSpeed(bytesPerSecond float64) string {
	return humanize.IBytes(uint64(bytesPerSecond)) + "/s"
}

// FormatBytes formats a byte count
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatDuration formats d as 1h2m3s, dropping leading zero units
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "unknown"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

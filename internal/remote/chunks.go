package remote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"cloudfs/internal/events"
	"cloudfs/internal/queue"
)

const (
	// DefaultChunkSize is the byte length of one upload chunk
	DefaultChunkSize int64 = 1 << 20

	// UploadQueue names the queue carrying chunk tasks
	UploadQueue = "upload"
)

// ErrChunkHeldBack is returned for a chunk whose earlier chunks of the same
// upload have not all been delivered
var ErrChunkHeldBack = errors.New("earlier chunk of the upload was not delivered")

// Chunk is the half-open byte range [Start, End) of an upload
type Chunk struct {
	Start int64
	End   int64
}

// PlanChunks cuts total bytes into consecutive chunks of size bytes. The
// last chunk ends at total. Empty content yields one empty chunk so the
// session still gets finalized.
func PlanChunks(total, size int64) []Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if total <= 0 {
		return []Chunk{{Start: 0, End: 0}}
	}

	chunks := make([]Chunk, 0, (total+size-1)/size)
	for start := int64(0); start < total; start += size {
		end := start + size
		if end > total {
			end = total
		}
		chunks = append(chunks, Chunk{Start: start, End: end})
	}
	return chunks
}

// ChunkTask is the payload of one queued chunk
type ChunkTask struct {
	UploadID   string `json:"uploadId"`
	SessionURL string `json:"sessionUrl"`
	Name       string `json:"name"`
	Start      int64  `json:"start"`
	End        int64  `json:"end"`
	Total      int64  `json:"total"`
	Body       []byte `json:"body"`
	PartNumber int    `json:"partNumber"`
}

// Final reports whether the chunk completes its upload
func (c ChunkTask) Final() bool {
	return c.End == c.Total
}

// ContentRange returns the Content-Range header value for the chunk
func (c ChunkTask) ContentRange() string {
	if c.Total == 0 {
		return "bytes */0"
	}
	return fmt.Sprintf("bytes %d-%d/%d", c.Start, c.End-1, c.Total)
}

func (c ChunkTask) progress() Progress {
	fraction := 1.0
	if c.Total > 0 {
		fraction = math.Round(float64(c.End)/float64(c.Total)*100) / 100
	}
	return Progress{
		ID:       c.UploadID,
		Name:     c.Name,
		Loaded:   c.End,
		Fraction: fraction,
		Total:    c.Total,
	}
}

// chunkQueue feeds chunk tasks to a backend's send function one at a time and
// reports progress after each delivered chunk.
type chunkQueue struct {
	queue  *queue.Queue[ChunkTask]
	send   func(ctx context.Context, task ChunkTask) error
	bus    *events.Bus
	logger *zap.Logger

	mu        sync.Mutex
	listeners map[string]func(Progress)
}

func newChunkQueue(
	ctx context.Context,
	store *queue.Store,
	send func(ctx context.Context, task ChunkTask) error,
	bus *events.Bus,
	logger *zap.Logger,
	opts ...queue.Option,
) (*chunkQueue, error) {
	c := &chunkQueue{
		send:      send,
		bus:       bus,
		logger:    logger,
		listeners: make(map[string]func(Progress)),
	}

	q, err := queue.New(ctx, UploadQueue, store, c.execute, append([]queue.Option{queue.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload queue: %w", err)
	}
	c.queue = q
	return c, nil
}

func (c *chunkQueue) execute(ctx context.Context, task queue.Task[ChunkTask]) error {
	chunk := task.Payload
	if c.heldBack(chunk) {
		return fmt.Errorf("%s of %s: %w", chunk.ContentRange(), chunk.Name, ErrChunkHeldBack)
	}
	if err := c.send(ctx, chunk); err != nil {
		return fmt.Errorf("failed to send %s of %s: %w", chunk.ContentRange(), chunk.Name, err)
	}

	c.report(chunk)
	return nil
}

// heldBack reports whether an earlier chunk of the same upload is still on
// the queue. Delivered chunks are cleared on completion.
func (c *chunkQueue) heldBack(chunk ChunkTask) bool {
	for _, t := range c.queue.Tasks() {
		if t.Payload.UploadID == chunk.UploadID &&
			t.Payload.PartNumber < chunk.PartNumber &&
			t.Status != queue.StatusCompleted {
			return true
		}
	}
	return false
}

// report announces the progress reached by a delivered chunk
func (c *chunkQueue) report(chunk ChunkTask) {
	p := chunk.progress()
	c.logger.Debug("Sent chunk",
		zap.String("upload_id", chunk.UploadID),
		zap.String("name", chunk.Name),
		zap.Int64("loaded", p.Loaded),
		zap.Int64("total", p.Total),
	)
	c.bus.Publish(events.UploadProgress, events.ProgressDetail{
		ID:       p.ID,
		Name:     p.Name,
		Loaded:   p.Loaded,
		Fraction: p.Fraction,
		Total:    p.Total,
	})

	c.mu.Lock()
	fn := c.listeners[chunk.UploadID]
	if chunk.Final() {
		delete(c.listeners, chunk.UploadID)
	}
	c.mu.Unlock()

	if fn != nil {
		fn(p)
	}
}

// enqueue queues one task per planned chunk of content
func (c *chunkQueue) enqueue(ctx context.Context, base ChunkTask, content []byte, size int64, onProgress func(Progress)) error {
	if onProgress != nil {
		c.mu.Lock()
		c.listeners[base.UploadID] = onProgress
		c.mu.Unlock()
	}

	total := int64(len(content))
	for i, chunk := range PlanChunks(total, size) {
		task := base
		task.Start = chunk.Start
		task.End = chunk.End
		task.Total = total
		task.Body = content[chunk.Start:chunk.End]
		task.PartNumber = i + 1

		if _, err := c.queue.AddTask(ctx, task); err != nil {
			return fmt.Errorf("failed to queue chunk %d of %s: %w", task.PartNumber, base.Name, err)
		}
	}
	return nil
}

func (c *chunkQueue) start(ctx context.Context) {
	c.queue.Start(ctx)
}

func (c *chunkQueue) flush(ctx context.Context) error {
	return c.queue.RunTasks(ctx)
}

func (c *chunkQueue) retry(ctx context.Context) error {
	return c.queue.RetryFailedTasks(ctx)
}

func (c *chunkQueue) tasks() []queue.Task[ChunkTask] {
	return c.queue.Tasks()
}

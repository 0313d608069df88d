package citm

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"github.com/caffix/pipeline"
)

// Pool is the worker pool that advances many Instances concurrently while
// enforcing the per-Instance single-flight rule (TryAdvance). Grounded on
// registry.buildAssetPipeline's single-stage pipeline.FIFO +
// ExecuteBuffered + custom InputSource (registry/pipelines.go): that
// pattern feeds one pipeline from a queue.Queue-backed InputSource and
// runs task callbacks on a bounded worker set; here the "task" is always
// the same (TryAdvance on whichever Instance was signaled), so the
// pipeline is a single pipeline.Parallel stage of identical workers
// instead of the reference engine's per-priority fan-out.
type Pool struct {
	mu sync.Mutex
	instances map[string]*Instance
	queue *poolQueue
	log *slog.Logger
	cancel context.CancelFunc
}

// NewPool builds a Pool with workers identical tasks serving the shared
// ready-queue, each advancing whichever Instance was signaled. Mirrors
// buildAssetPipeline's same-priority fan-out (registry/pipelines.go),
// which gives several handlers of equal priority to one pipeline.Parallel
// stage and drives the whole pipeline from a single ExecuteBuffered
// goroutine rather than one goroutine per task.
func NewPool(workers int, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		instances: make(map[string]*Instance),
		queue: newPoolQueue(),
		log: log,
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	advance := func(ctx context.Context, data pipeline.Data, tp pipeline.TaskParams) (pipeline.Data, error) {
		id, ok := data.(string)
		if !ok {
			return nil, nil
		}
		p.mu.Lock()
		inst := p.instances[id]
		p.mu.Unlock()
		if inst == nil {
			return nil, nil
		}
		for inst.HasWork() {
			if !inst.TryAdvance() {
				break // another task already holds the gate; stop retrying
			}
		}
		return nil, nil
	}

	tasks := make([]pipeline.Task, workers)
	for i := range tasks {
		tasks[i] = pipeline.TaskFunc(advance)
	}
	stage := pipeline.Parallel("citm-advance", tasks...)
	pl := pipeline.NewPipeline(stage)

	go func() {
		sink := pipeline.SinkFunc(func(ctx context.Context, data pipeline.Data) error { return nil })
		if err := pl.ExecuteBuffered(ctx, p.queue, sink, 50); err != nil && p.log != nil {
			p.log.Warn("citm pipeline terminated", "err", err)
		}
	}()
	return p
}

// Register adds inst to the pool and wires its Signal into the shared
// ready-queue so a worker picks it up whenever it has new work.
func (p *Pool) Register(inst *Instance) {
	p.mu.Lock()
	p.instances[inst.ID] = inst
	p.mu.Unlock()

	go func() {
		for range inst.Signal() {
			p.queue.push(inst.ID)
		}
	}()
}

// Unregister removes inst once its session has fully closed.
func (p *Pool) Unregister(id string) {
	p.mu.Lock()
	delete(p.instances, id)
	p.mu.Unlock()
}

// Shutdown stops every worker goroutine.
func (p *Pool) Shutdown() { p.cancel() }

// poolQueue adapts a plain Go channel to caffix/pipeline's InputSource
// interface, the same role registry.PipelineQueue plays for
// caffix/queue.Queue in registry/pipelines.go; a bare channel suffices
// here since the only payload is an Instance ID string.
type poolQueue struct {
	ch chan string
	pending string
}

func newPoolQueue() *poolQueue { return &poolQueue{ch: make(chan string, 1024)} }

func (q *poolQueue) push(id string) {
	select {
	case q.ch <- id:
	default:
		// Queue full: a pending signal for this Instance is already
		// in flight, or will be re-signaled on its next Queue.Append.
	}
}

func (q *poolQueue) Next(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case id, ok := <-q.ch:
		if !ok {
			return false
		}
		q.pending = id
		return true
	}
}

func (q *poolQueue) Data() pipeline.Data {
	id := q.pending
	q.pending = ""
	return id
}

func (q *poolQueue) Error() error { return nil }

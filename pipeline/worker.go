package pipeline

import (
	"context"
	"runtime"
	"sync"
	"time"

	"FaceDetServer/frame"
	iface "FaceDetServer/interface"

	"go.uber.org/zap"
)

// Result is the outcome of one frame processed by a Worker. Frame is the
// worker's own copy of the pixels, so callers may draw on or keep it.
type Result struct {
	Timestamp time.Duration
	Source    string
	Frame     *frame.Packed
	Boxes     []iface.BoundingBox
	Err       error
}

type WorkerStats struct {
	Submitted      uint64
	Processed      uint64
	Dropped        uint64
	ResultsDropped uint64
}

// Worker offloads inference from the capture loop. Submit copies the frame
// into a single-slot mailbox and returns at once; an unconsumed frame is
// overwritten by the next one. Results arrive on Results in processing order,
// tagged with the timestamp of the frame they belong to.
type Worker struct {
	p       *Pipeline
	results chan Result
	ctx     context.Context
	stop    context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	slot   *Result
	closed bool
	stats  WorkerStats
}

// NewWorker starts the worker goroutine. buffer is the capacity of the
// results channel; when the consumer falls behind the oldest result is dropped.
func (p *Pipeline) NewWorker(buffer int) *Worker {
	if buffer < 1 {
		buffer = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	w := &Worker{
		p:       p,
		results: make(chan Result, buffer),
		ctx:     ctx,
		stop:    stop,
		done:    make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.loop()
	return w
}

// Submit never blocks. It fails only for frames that cannot be copied or when
// the worker is closed.
func (w *Worker) Submit(f iface.Frame) error {
	clone, err := frame.Clone(f.Image)
	if err != nil {
		return &InputError{Timestamp: f.Timestamp, Err: err}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.stats.Submitted++
	if w.slot != nil {
		w.stats.Dropped++
	}
	w.slot = &Result{Timestamp: f.Timestamp, Source: f.Source, Frame: clone}
	w.cond.Signal()
	return nil
}

func (w *Worker) Results() <-chan Result { return w.results }

func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Close cancels the frame in flight, waits for the goroutine and closes Results.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	w.slot = nil
	w.cond.Signal()
	w.mu.Unlock()
	w.stop()
	<-w.done
}

func (w *Worker) next() *Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.slot == nil && !w.closed {
		w.cond.Wait()
	}
	if w.closed {
		return nil
	}
	job := w.slot
	w.slot = nil
	return job
}

func (w *Worker) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)
	defer close(w.results)

	for {
		job := w.next()
		if job == nil {
			return
		}
		job.Boxes, job.Err = w.p.ProcessFrame(w.ctx, iface.Frame{Image: job.Frame, Timestamp: job.Timestamp, Source: job.Source})
		if job.Err != nil && w.ctx.Err() == nil {
			w.p.logFrameError(job.Timestamp, job.Err)
		}
		w.deliver(*job)
	}
}

// deliver is only called from loop, so after evicting one result there is room.
func (w *Worker) deliver(r Result) {
	defer func() {
		w.mu.Lock()
		w.stats.Processed++
		w.mu.Unlock()
	}()
	select {
	case w.results <- r:
		return
	default:
	}
	select {
	case old := <-w.results:
		w.mu.Lock()
		w.stats.ResultsDropped++
		w.mu.Unlock()
		w.p.log.Debug("result dropped, consumer is behind", zap.Duration("timestamp", old.Timestamp))
	default:
	}
	w.results <- r
}

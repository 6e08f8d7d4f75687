package offload

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ha1tch/zlate/pkg/codec"
)

// Callback receives a worker's output in push order. The last call has
// final set and carries the job's error, if any. data is owned by the
// callback.
//
// Callbacks run on a worker goroutine (or the registry's receive loop
// for remote workers) and must not block on pushes to the same
// registry.
type Callback func(data []byte, final bool, err error)

// chunkQueue bounds how many pushed chunks wait for a local worker.
const chunkQueue = 16

type chunk struct {
	seq   uint64
	data  []byte
	final bool
}

// Worker is the caller's handle on one offloaded job. It implements
// codec.Stream, but Push only queues the chunk: output arrives later
// through the Callback. Push must not be called concurrently.
type Worker struct {
	id   uint64
	task Task
	reg  *Registry
	cb   Callback

	seq      uint64
	finished bool

	terminated atomic.Bool
	quit       chan struct{}
	done       chan struct{}
	quitOnce   sync.Once
	doneOnce   sync.Once

	// local workers only
	in     chan chunk
	stream codec.Stream
	next   uint64
	last   []byte
}

var _ codec.Stream = (*Worker)(nil)

func newWorker(reg *Registry, id uint64, task Task, cb Callback) *Worker {
	w := &Worker{
		id:   id,
		task: task,
		reg:  reg,
		cb:   cb,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	if reg.conn == nil {
		w.in = make(chan chunk, chunkQueue)
	}
	return w
}

// ID returns the job number the registry assigned.
func (w *Worker) ID() uint64 { return w.id }

// Task returns the operation the worker runs.
func (w *Worker) Task() Task { return w.task }

// Seq returns the sequence number of the last pushed chunk.
func (w *Worker) Seq() uint64 { return w.seq }

// Done is closed once the worker will make no more callbacks. For a
// local worker that is after the last callback has returned; for a
// remote one it is when the job ends or is terminated.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Push hands chunk to the worker, which takes ownership of it.
func (w *Worker) Push(data []byte, final bool) error {
	if w.finished || w.terminated.Load() {
		return codec.ErrStreamFinished
	}
	select {
	case <-w.done:
		return codec.ErrStreamFinished
	default:
	}
	w.seq++
	w.finished = final
	if w.reg.conn != nil {
		return w.reg.conn.Send(&Message{
			Kind:  KindPush,
			Job:   w.id,
			Seq:   w.seq,
			Data:  data,
			Final: final,
		})
	}
	return w.enqueue(chunk{seq: w.seq, data: data, final: final})
}

// enqueue passes c to the run loop, blocking while the queue is full.
func (w *Worker) enqueue(c chunk) error {
	select {
	case w.in <- c:
		return nil
	case <-w.quit:
		return codec.ErrStreamFinished
	case <-w.done:
		return codec.ErrStreamFinished
	}
}

// Terminate abandons the job and stops delivery. It does not wait: a
// callback already under way when Terminate is called may still run to
// completion, but no further output is delivered after that. Wait on
// Done to be sure a local worker's callbacks have all returned. Safe to
// call at any time, more than once, and from a callback.
func (w *Worker) Terminate() {
	w.quitOnce.Do(func() {
		w.terminated.Store(true)
		close(w.quit)
		w.reg.logger.Debug("worker terminated", "job", w.id, "task", w.task)
		if w.reg.conn != nil {
			_ = w.reg.conn.Send(&Message{Kind: KindTerminate, Job: w.id})
			w.finish()
			return
		}
		w.reg.remove(w.id)
	})
}

// sink receives the local stream's output. The final piece is held
// back until Push returns so that it travels with the stream's error.
func (w *Worker) sink(data []byte, final bool) {
	if final {
		w.last = data
		return
	}
	if len(data) > 0 {
		w.deliver(data, false, nil)
	}
}

func (w *Worker) run() {
	defer w.finish()
	for {
		select {
		case <-w.quit:
			return
		case c := <-w.in:
			w.next++
			if c.seq != w.next {
				w.deliver(nil, true, fmt.Errorf("%w: chunk %d arrived, want %d", codec.ErrProtocolMisuse, c.seq, w.next))
				return
			}
			err := w.stream.Push(c.data, c.final)
			if err != nil || c.final {
				w.deliver(w.last, true, err)
				return
			}
		}
	}
}

func (w *Worker) deliver(data []byte, final bool, err error) {
	if w.terminated.Load() {
		return
	}
	w.cb(data, final, err)
}

func (w *Worker) finish() {
	w.doneOnce.Do(func() {
		close(w.done)
		w.reg.remove(w.id)
		w.reg.logger.Debug("worker finished", "job", w.id, "task", w.task, "chunks", w.next)
	})
}

package offload

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ha1tch/zlate/pkg/codec"
)

// ErrClosed is returned for work started on a closed Registry.
var ErrClosed = fmt.Errorf("%w: registry closed", codec.ErrProtocolMisuse)

// Registry starts workers and tracks them until they finish. A local
// registry runs each job on its own goroutine; a remote one forwards
// jobs over a Conn to a process running Serve.
type Registry struct {
	logger    *slog.Logger
	conn      Conn
	factories map[Task]Factory

	mu      sync.Mutex
	workers map[uint64]*Worker
	nextID  uint64
	closed  bool

	loopDone chan struct{}
}

// NewRegistry returns a registry running jobs in-process. A nil logger
// discards log output.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		logger:    logger,
		factories: defaultFactories(),
		workers:   make(map[uint64]*Worker),
	}
}

// NewRemoteRegistry returns a registry whose jobs run on the far side
// of conn. The registry owns conn and closes it on Close.
func NewRemoteRegistry(logger *slog.Logger, conn Conn) *Registry {
	r := NewRegistry(logger)
	r.conn = conn
	r.factories = nil
	r.loopDone = make(chan struct{})
	go r.readLoop()
	return r
}

// Register replaces the factory behind task. It has no effect on a
// remote registry, whose worker process owns the table.
func (r *Registry) Register(task Task, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories != nil {
		r.factories[task] = f
	}
}

// Open returns the stream behind task without a worker. Its sink runs
// inside Push, like any codec.
func (r *Registry) Open(task Task, opts codec.Options, sink codec.Sink) (codec.Stream, error) {
	r.mu.Lock()
	f, ok := r.factories[task]
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: no factory for %v", codec.ErrUnsupported, task)
	}
	return f(opts, sink)
}

// Start launches a worker for task. Output and the job's outcome arrive
// through cb.
func (r *Registry) Start(task Task, opts codec.Options, cb Callback) (*Worker, error) {
	if cb == nil {
		return nil, codec.ErrNoOutputHandler
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.nextID++
	w := newWorker(r, r.nextID, task, cb)

	if r.conn == nil {
		f, ok := r.factories[task]
		if !ok {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: no factory for %v", codec.ErrUnsupported, task)
		}
		s, err := f(opts, w.sink)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		w.stream = s
		go w.run()
	}
	r.workers[w.id] = w
	r.mu.Unlock()

	// readLoop takes r.mu; send unlocked.
	if r.conn != nil {
		m := &Message{Kind: KindOpen, Job: w.id, Task: task}
		m.setOptions(opts)
		if err := r.conn.Send(m); err != nil {
			r.remove(w.id)
			return nil, fmt.Errorf("offload: open job %d: %w", w.id, err)
		}
	}
	r.logger.Debug("worker started", "job", w.id, "task", task, "remote", r.conn != nil)
	return w, nil
}

// Run pushes data as a single final chunk and calls done with the whole
// output once the job completes. On a checksum error the output is
// passed along with the error.
func (r *Registry) Run(task Task, data []byte, opts codec.Options, done func([]byte, error)) error {
	if done == nil {
		return codec.ErrNoOutputHandler
	}
	out := []byte{}
	w, err := r.Start(task, opts, func(p []byte, final bool, err error) {
		out = append(out, p...)
		if final {
			if err != nil && !errors.Is(err, codec.ErrChecksumMismatch) {
				out = nil
			}
			done(out, err)
		}
	})
	if err != nil {
		return err
	}
	return w.Push(data, true)
}

// Len returns the number of live workers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Close terminates every live worker and, for a remote registry, closes
// the connection. Later Start calls fail with ErrClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	live := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		live = append(live, w)
	}
	r.mu.Unlock()

	for _, w := range live {
		w.Terminate()
	}
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	<-r.loopDone
	return err
}

func (r *Registry) lookup(id uint64) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers[id]
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

// readLoop routes data messages from a worker process to their jobs.
func (r *Registry) readLoop() {
	defer close(r.loopDone)
	for {
		m, err := r.conn.Recv()
		if err != nil {
			r.abandon(err)
			return
		}
		if m.Kind != KindData {
			r.logger.Warn("unexpected message from worker", "kind", m.Kind, "job", m.Job)
			continue
		}
		w := r.lookup(m.Job)
		if w == nil {
			continue
		}
		if m.Final {
			w.deliver(m.Data, true, m.err())
			w.finish()
			continue
		}
		w.deliver(m.Data, false, nil)
	}
}

// abandon fails every live job after the connection is lost.
func (r *Registry) abandon(cause error) {
	r.mu.Lock()
	closed := r.closed
	live := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		live = append(live, w)
	}
	r.mu.Unlock()
	if closed {
		return
	}

	r.logger.Warn("worker connection lost", "error", cause, "jobs", len(live))
	for _, w := range live {
		w.deliver(nil, true, fmt.Errorf("offload: connection lost: %w", cause))
		w.finish()
	}
}

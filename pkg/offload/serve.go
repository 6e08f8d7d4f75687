package offload

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// Serve runs jobs that arrive on conn against reg and sends their output
// back, until conn reaches end of stream or ctx is cancelled. It is the
// message loop of a worker process; the peer is a remote Registry.
//
// Serve closes conn when ctx is cancelled. Jobs still running when Serve
// returns are terminated.
func Serve(ctx context.Context, reg *Registry, conn Conn) error {
	handlerDone := make(chan struct{})
	defer close(handlerDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-handlerDone:
		}
	}()

	s := &server{reg: reg, conn: conn, jobs: make(map[uint64]*Worker)}
	defer s.terminateAll()

	for {
		m, err := conn.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isClosedError(err) {
				return nil
			}
			return err
		}

		switch m.Kind {
		case KindOpen:
			s.open(m)
		case KindPush:
			s.push(m)
		case KindTerminate:
			if w := s.take(m.Job); w != nil {
				w.Terminate()
			}
		default:
			reg.logger.Warn("unexpected message", "kind", m.Kind, "job", m.Job)
		}
	}
}

type server struct {
	reg  *Registry
	conn Conn

	mu   sync.Mutex
	jobs map[uint64]*Worker
}

func (s *server) open(m *Message) {
	job := m.Job
	w, err := s.reg.Start(m.Task, m.Options(), func(data []byte, final bool, err error) {
		out := &Message{Kind: KindData, Job: job, Data: data, Final: final}
		if final {
			out.setError(err)
			s.take(job)
		}
		if sendErr := s.conn.Send(out); sendErr != nil {
			s.reg.logger.Debug("send failed", "job", job, "error", sendErr)
		}
	})
	if err != nil {
		s.reg.logger.Debug("job rejected", "job", job, "task", m.Task, "error", err)
		out := &Message{Kind: KindData, Job: job, Final: true}
		out.setError(err)
		if sendErr := s.conn.Send(out); sendErr != nil {
			s.reg.logger.Debug("send failed", "job", job, "error", sendErr)
		}
		return
	}

	// Nothing runs before the first push, so the callback cannot race
	// this insert.
	s.mu.Lock()
	s.jobs[job] = w
	s.mu.Unlock()
}

func (s *server) push(m *Message) {
	s.mu.Lock()
	w := s.jobs[m.Job]
	s.mu.Unlock()
	if w == nil {
		// Terminated or already failed.
		return
	}
	if err := w.enqueue(chunk{seq: m.Seq, data: m.Data, final: m.Final}); err != nil {
		s.reg.logger.Debug("push dropped", "job", m.Job, "seq", m.Seq, "error", err)
	}
}

func (s *server) take(job uint64) *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.jobs[job]
	delete(s.jobs, job)
	return w
}

func (s *server) terminateAll() {
	s.mu.Lock()
	jobs := s.jobs
	s.jobs = make(map[uint64]*Worker)
	s.mu.Unlock()
	for _, w := range jobs {
		w.Terminate()
	}
}

func isClosedError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

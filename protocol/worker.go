package protocol

import (
	"context"
	"errors"
	"time"

	"github.com/cyberinferno/go-pipeproto/logger"
)

// worker is the handle of a goroutine running the serve loop.
type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// StartWorker runs the serve loop on a new goroutine. It is a no-op while the
// server is running; otherwise the handle of a finished worker from an earlier
// run is reaped first. The worker releases the channel when its loop exits, so a
// stopped server no longer accepts peers.
//
// Parameters:
//   - ctx: Parent context; cancelling it closes the channel and stops the worker
//
// Returns:
//   - ErrWorkerExiting while a worker abandoned by AbortWorker has not
//     returned yet, nil otherwise; errors of the serve loop are logged and
//     available from WorkerErr
func (s *Server) StartWorker(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		if s.exitingWorker() {
			s.log.Warn("start ignored, aborted worker still exiting")
			return ErrWorkerExiting
		}

		return nil
	}

	s.stopRequested.Store(false)
	s.reapWorker()

	wctx, cancel := context.WithCancel(ctx)
	w := &worker{cancel: cancel, done: make(chan struct{})}

	s.workerMu.Lock()
	s.worker = w
	s.exiting = nil
	s.workerMu.Unlock()

	go func() {
		defer close(w.done)
		defer cancel()

		w.err = s.serve(wctx)
		if w.err != nil && !errors.Is(w.err, context.Canceled) {
			s.log.Warn("worker exited with error", logger.Field{Key: "error", Value: w.err.Error()})
		}
	}()

	return nil
}

// reapWorker clears the handle of a worker whose loop already exited. Such a
// worker has released its channel and only has to finish its deferred calls.
func (s *Server) reapWorker() {
	s.workerMu.Lock()
	stale := s.worker
	s.workerMu.Unlock()

	if stale == nil {
		return
	}

	<-stale.done

	s.workerMu.Lock()
	if s.worker == stale {
		s.worker = nil
	}
	s.workerMu.Unlock()
}

// exitingWorker reports whether a worker left behind by AbortWorker is still
// running.
func (s *Server) exitingWorker() bool {
	s.workerMu.Lock()
	w := s.exiting
	s.workerMu.Unlock()

	if w == nil {
		return false
	}

	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// AbortWorker stops the current worker. It requests a stop and cancels the
// worker's context, then, when timeout is positive, waits up to timeout for
// the loop to exit on its own. Whatever happened, the channel is released
// afterwards, which makes a worker still blocked on I/O return, and the worker
// handle is cleared. A worker that has not returned by then, typically one
// stuck in the response handler, makes StartWorker fail with ErrWorkerExiting
// until it does.
func (s *Server) AbortWorker(timeout time.Duration) {
	s.workerMu.Lock()
	w := s.worker
	s.workerMu.Unlock()

	if w == nil {
		return
	}

	defer func() {
		s.closeChannel(nil)

		s.workerMu.Lock()
		if s.worker == w {
			s.worker = nil
		}
		s.workerMu.Unlock()
	}()

	select {
	case <-w.done:
		return
	default:
	}

	s.log.Info("aborting worker", logger.Field{Key: "timeout", Value: timeout.String()})
	s.StopServer()
	w.cancel()

	if timeout <= 0 {
		s.workerMu.Lock()
		s.exiting = w
		s.workerMu.Unlock()
		return
	}

	select {
	case <-w.done:
	case <-time.After(timeout):
		s.log.Warn("worker did not exit in time, releasing channel")

		s.workerMu.Lock()
		s.exiting = w
		s.workerMu.Unlock()
	}
}

// Done returns a channel closed when the current worker exits. Without a
// worker the returned channel is already closed.
func (s *Server) Done() <-chan struct{} {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()

	if s.worker == nil {
		return closedDone
	}

	return s.worker.done
}

// Wait blocks until the current worker exits or timeout elapses. A
// non-positive timeout waits indefinitely.
//
// Returns:
//   - true if no worker is running when Wait returns
func (s *Server) Wait(timeout time.Duration) bool {
	done := s.Done()
	if timeout <= 0 {
		<-done
		return true
	}

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// WorkerErr returns the error the last finished worker exited with.
func (s *Server) WorkerErr() error {
	s.workerMu.Lock()
	w := s.worker
	s.workerMu.Unlock()

	if w == nil {
		return nil
	}

	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

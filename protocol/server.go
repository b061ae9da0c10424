package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cyberinferno/go-pipeproto/channel"
	"github.com/cyberinferno/go-pipeproto/logger"
)

// ResponseHandler computes the response to a request. A returned error is sent
// to the client as an error response carrying err.Error().
type ResponseHandler func(request string) (string, error)

// Phase is the position of a Server in its serve loop.
type Phase int32

const (
	PhaseIdle                 Phase = iota // Not started
	PhaseWaitingForConnection              // Channel open, no peer yet
	PhaseServing                           // Reading and answering requests
	PhaseStopped                           // Serve loop exited
)

// String returns a human-readable name for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseWaitingForConnection:
		return "WaitingForConnection"
	case PhaseServing:
		return "Serving"
	case PhaseStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// DefaultStopTimeout bounds the self-addressed exchange issued by StopServer.
const DefaultStopTimeout = 2 * time.Second

// Server answers requests arriving on a listening channel. Start runs the
// serve loop on the calling goroutine; StartWorker runs it on a dedicated one.
// The owning goroutine only issues control calls (StopServer, AbortWorker) and
// reads the published state.
type Server struct {
	session

	provider channel.Provider
	log      logger.Logger

	// StopTimeout bounds the dummy exchange StopServer uses to unblock a
	// pending read. Set before starting the server.
	StopTimeout time.Duration

	handlerMu sync.RWMutex
	handler   ResponseHandler

	running       atomic.Bool
	stopRequested atomic.Bool
	phase         atomic.Int32

	chMu sync.Mutex
	ch   channel.Channel

	workerMu sync.Mutex
	worker   *worker
	exiting  *worker
}

// NewServer creates a server session for cfg. The channel is opened lazily.
//
// Parameters:
//   - cfg: Framing configuration; validated here
//   - provider: Source of the listening channel
//   - log: Logger for lifecycle and exchange events; nil discards them
//
// Returns:
//   - The new *Server, or a *ConfigurationError
func NewServer(cfg Config, provider channel.Provider, log logger.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if provider == nil {
		return nil, &ConfigurationError{Field: "Provider", Reason: "must not be nil", Err: ErrNoProvider}
	}

	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Server{
		session:     session{cfg: cfg},
		provider:    provider,
		log:         log.With(logger.Field{Key: "identity", Value: cfg.Identity}, logger.Field{Key: "role", Value: "server"}),
		StopTimeout: DefaultStopTimeout,
	}, nil
}

// SetResponseHandler replaces the function computing responses.
func (s *Server) SetResponseHandler(fn ResponseHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handler = fn
}

func (s *Server) responseHandler() ResponseHandler {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	return s.handler
}

// IsRunning reports whether the serve loop is active.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// StopRequested reports whether a stop was requested and not yet honoured.
func (s *Server) StopRequested() bool {
	return s.stopRequested.Load()
}

// Phase returns the current serve loop phase.
func (s *Server) Phase() Phase {
	return Phase(s.phase.Load())
}

// Addr returns the address clients dial to reach the server, or "" while no
// channel is open.
func (s *Server) Addr() string {
	s.chMu.Lock()
	defer s.chMu.Unlock()

	if s.ch == nil {
		return ""
	}

	return s.ch.Addr()
}

// Open opens the listening channel if it is not open yet. Start calls it; it is
// exported so callers can learn Addr before the serve loop runs.
func (s *Server) Open() error {
	_, err := s.openChannel()
	return err
}

func (s *Server) openChannel() (channel.Channel, error) {
	s.chMu.Lock()
	defer s.chMu.Unlock()

	if s.ch != nil {
		return s.ch, nil
	}

	ch, err := s.provider.Listen(s.Identity())
	if err != nil {
		return nil, &ChannelError{Op: "listen", Identity: s.Identity(), Err: err}
	}

	s.ch = ch
	s.log.Info("channel opened", logger.Field{Key: "addr", Value: ch.Addr()})
	return ch, nil
}

func (s *Server) currentChannel() channel.Channel {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	return s.ch
}

// closeChannel releases ch, or whatever channel is open when ch is nil. A
// channel that was already replaced is left alone.
func (s *Server) closeChannel(ch channel.Channel) {
	s.chMu.Lock()
	if s.ch == nil || (ch != nil && s.ch != ch) {
		s.chMu.Unlock()
		return
	}
	ch = s.ch
	s.ch = nil
	s.chMu.Unlock()

	if err := ch.Close(); err != nil {
		s.log.Warn("channel close failed", logger.Field{Key: "error", Value: err.Error()})
	}

	s.log.Info("channel released")
}

// Start opens the channel, waits for a peer unless one is connected and then
// serves requests on the calling goroutine until a stop is requested, ctx is
// cancelled or the channel is closed. Cancelling ctx closes the channel, which
// unblocks a pending wait or read. The channel is released whenever the loop
// exits, so nothing queued for this run is read by the next one. It returns nil
// immediately when the server is already running.
//
// Returns:
//   - nil after a requested stop, ctx.Err() after cancellation, or a
//     *ChannelError when the channel could not be opened, connected or read
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}

	s.stopRequested.Store(false)
	return s.serve(ctx)
}

// serve runs the serve loop; the caller must have set running. The channel is
// closed on exit.
func (s *Server) serve(ctx context.Context) (err error) {
	var ch channel.Channel
	defer func() {
		if ch != nil {
			s.closeChannel(ch)
		}

		s.clear()
		s.phase.Store(int32(PhaseStopped))
		s.running.Store(false)
		s.log.Info("server stopped")
	}()

	ch, err = s.openChannel()
	if err != nil {
		return err
	}

	closeOnCancel := context.AfterFunc(ctx, func() { s.closeChannel(ch) })
	defer closeOnCancel()

	if s.stopRequested.Load() {
		return nil
	}

	if !ch.IsConnected() {
		s.phase.Store(int32(PhaseWaitingForConnection))
		s.log.Info("waiting for connection")

		if err := ch.WaitForConnection(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if s.stopRequested.Load() && errors.Is(err, channel.ErrClosed) {
				return nil
			}

			return &ChannelError{Op: "wait for connection", Identity: ch.Identity(), Err: err}
		}
	}

	s.phase.Store(int32(PhaseServing))
	s.log.Info("serving requests")

	for !s.stopRequested.Load() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		request, err := s.readRequest(ch)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) {
				switch {
				case s.stopRequested.Load():
					return nil
				case ctx.Err() != nil:
					return ctx.Err()
				}

				return err
			}

			continue
		}

		s.respondToRequest(ch, request)
	}

	return nil
}

// readRequest reads one request and records it. Failures are recorded as
// *ChannelError and returned; the loop decides whether to go on.
func (s *Server) readRequest(ch channel.Channel) (string, error) {
	cfg := s.Config()

	request, err := readMessage(ch, cfg.MultilineRequest, cfg.RequestEndMarker)
	if err != nil {
		cerr := &ChannelError{Op: "read request", Identity: cfg.Identity, Err: err}
		s.recordError(cerr)
		if !errors.Is(err, channel.ErrClosed) {
			s.log.Warn("read request failed", logger.Field{Key: "error", Value: err.Error()})
		}

		return "", cerr
	}

	s.beginExchange(request)
	return request, nil
}

// respondToRequest answers request: the stop keyword with the stopped
// response, anything else with the handler's result or its error.
func (s *Server) respondToRequest(ch channel.Channel, request string) {
	cfg := s.Config()
	exchangeID := newExchangeID()

	if request == cfg.StopKeyword {
		s.stopRequested.Store(true)
		s.log.Info("stop keyword received", logger.Field{Key: "exchange", Value: exchangeID})

		if err := s.sendResponse(ch, Reply{Payload: cfg.StoppedResponse}); err != nil {
			s.log.Warn("send stopped response failed", logger.Field{Key: "error", Value: err.Error()})
		}

		return
	}

	reply := s.dispatch(request)
	if reply.IsError() {
		s.recordError(reply.Err)
		s.log.Warn("response handler failed",
			logger.Field{Key: "exchange", Value: exchangeID},
			logger.Field{Key: "error", Value: reply.Err.Message})
	}

	if err := s.sendResponse(ch, reply); err != nil {
		s.log.Error("send response failed",
			logger.Field{Key: "exchange", Value: exchangeID},
			logger.Field{Key: "error", Value: err.Error()},
			logger.Field{Key: "error_response", Value: reply.IsError()})
		return
	}

	s.log.Debug("exchange completed",
		logger.Field{Key: "exchange", Value: exchangeID},
		logger.Field{Key: "request_len", Value: len(request)})
}

// dispatch runs the response handler, converting a missing handler, an error
// or a panic into an error reply.
func (s *Server) dispatch(request string) (reply Reply) {
	handler := s.responseHandler()
	if handler == nil {
		cerr := &ConfigurationError{Field: "ResponseHandler", Reason: "not set", Err: ErrNoResponseHandler}
		return Reply{Err: &ApplicationError{Message: cerr.Error(), Err: cerr}}
	}

	defer func() {
		if r := recover(); r != nil {
			reply = Reply{Err: &ApplicationError{
				Message: fmt.Sprint(r),
				Err:     fmt.Errorf("response handler panicked: %v", r),
			}}
		}
	}()

	response, err := handler(request)
	if err != nil {
		return Reply{Err: &ApplicationError{Message: err.Error(), Err: err}}
	}

	return Reply{Payload: response}
}

// sendResponse writes the wire form of reply and records its payload, which is
// empty for an error reply. A write failure is recorded unless the reply itself
// was already an error.
func (s *Server) sendResponse(ch channel.Channel, reply Reply) error {
	cfg := s.Config()
	text := cfg.EncodeReply(reply)

	if err := writeMessage(ch, text, cfg.MultilineResponse, cfg.ResponseEndMarker); err != nil {
		cerr := &ChannelError{Op: "write response", Identity: cfg.Identity, Err: err}
		if !reply.IsError() {
			s.recordError(cerr)
		}

		return cerr
	}

	s.mu.Lock()
	s.lastResponse = reply.Payload
	s.mu.Unlock()

	return nil
}

// StopServer requests the serve loop to stop after the exchange in progress.
// Unless the loop is idle, the stop keyword is sent to the server's own address
// over a fresh channel, bounded by StopTimeout, so a pending read returns.
func (s *Server) StopServer() {
	s.stopRequested.Store(true)

	ch := s.currentChannel()
	if !s.running.Load() || ch == nil {
		return
	}

	s.log.Info("stop requested")
	go s.sendStopRequest(ch)
}

// sendStopRequest performs the self-addressed exchange on ch. Every failure is
// logged at debug level: the loop may well have exited already. Nothing is
// written once ch was released, so a restarted server on the same address
// never reads a stop meant for the previous run.
func (s *Server) sendStopRequest(ch channel.Channel) {
	cfg := s.Config()
	timeout := s.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	dummy, err := s.provider.Dial(cfg.Identity, ch.Addr())
	if err != nil {
		s.log.Debug("stop request dial failed", logger.Field{Key: "error", Value: err.Error()})
		return
	}
	defer dummy.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := dummy.Connect(ctx, timeout); err != nil {
		s.log.Debug("stop request connect failed", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	if s.currentChannel() != ch {
		s.log.Debug("stop request dropped, channel already released")
		return
	}

	if err := writeMessage(dummy, cfg.StopKeyword, cfg.MultilineRequest, cfg.RequestEndMarker); err != nil {
		s.log.Debug("stop request write failed", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	answered := make(chan string, 1)
	go func() {
		response, err := readMessage(dummy, cfg.MultilineResponse, cfg.ResponseEndMarker)
		if err != nil {
			response = ""
		}
		answered <- response
	}()

	select {
	case response := <-answered:
		s.log.Debug("stop request answered", logger.Field{Key: "response", Value: response})
	case <-ctx.Done():
		s.log.Debug("stop request unanswered")
	}
}

func newExchangeID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

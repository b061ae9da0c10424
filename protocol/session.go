package protocol

import (
	"sync"
)

// Status is a snapshot of the last observed protocol state of a session.
type Status struct {
	Identity         string
	LastRequest      string
	LastResponse     string
	LastErrorMessage string
	LastError        error
	IsError          bool
}

// session holds the configuration and last-exchange state shared by Server
// and Client. All fields are guarded by mu.
type session struct {
	mu  sync.RWMutex
	cfg Config

	lastRequest      string
	lastResponse     string
	lastErrorMessage string
	lastErr          error
	isError          bool
}

// Config returns the session's framing configuration.
func (s *session) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Identity returns the session/channel name.
func (s *session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Identity
}

// Status returns a consistent snapshot of the last exchange.
func (s *session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Status{
		Identity:         s.cfg.Identity,
		LastRequest:      s.lastRequest,
		LastResponse:     s.lastResponse,
		LastErrorMessage: s.lastErrorMessage,
		LastError:        s.lastErr,
		IsError:          s.isError,
	}
}

// LastRequest returns the last request sent or received.
func (s *session) LastRequest() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRequest
}

// LastResponse returns the last response payload. It stays empty when the
// exchange ended with an error reply; see LastErrorMessage.
func (s *session) LastResponse() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastResponse
}

// LastErrorMessage returns the message of the last error, without sentinel.
func (s *session) LastErrorMessage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErrorMessage
}

// LastError returns the last recorded error, or nil.
func (s *session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// IsError reports whether the last exchange failed.
func (s *session) IsError() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isError
}

func (s *session) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.isError = true
	s.lastErr = err
	s.lastErrorMessage = errorMessage(err)
}

// beginExchange records request and drops everything learnt from the
// previous exchange.
func (s *session) beginExchange(request string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastRequest = request
	s.lastResponse = ""
	s.lastErrorMessage = ""
	s.lastErr = nil
	s.isError = false
}

func (s *session) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastRequest = ""
	s.lastResponse = ""
	s.lastErrorMessage = ""
	s.lastErr = nil
	s.isError = false
}

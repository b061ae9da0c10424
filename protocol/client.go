package protocol

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cyberinferno/go-pipeproto/channel"
	"github.com/cyberinferno/go-pipeproto/logger"
)

// DefaultConnectTimeout bounds Connect for clients built with NewClient.
const DefaultConnectTimeout = 10 * time.Second

// Client performs synchronous request/response exchanges with a Server. The
// channel is dialled and connected on first use. Exchanges are serialized:
// concurrent GetResponse calls on one Client run one after the other.
type Client struct {
	session

	provider channel.Provider
	log      logger.Logger

	// ConnectTimeout bounds connecting. A non-positive value blocks until the
	// server accepts or the context is done.
	ConnectTimeout time.Duration

	exchangeMu sync.Mutex

	chMu             sync.Mutex
	address          string
	ch               channel.Channel
	responseReceived bool
}

// NewClient creates a client session for cfg talking to address.
//
// Parameters:
//   - cfg: Framing configuration; must match the server's
//   - address: Server address understood by provider; "" lets the provider
//     derive it from the identity
//   - provider: Source of the client channel
//   - log: Logger for connection and exchange events; nil discards them
//
// Returns:
//   - The new *Client, or a *ConfigurationError
func NewClient(cfg Config, address string, provider channel.Provider, log logger.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if provider == nil {
		return nil, &ConfigurationError{Field: "Provider", Reason: "must not be nil", Err: ErrNoProvider}
	}

	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Client{
		session:        session{cfg: cfg},
		provider:       provider,
		log:            log.With(logger.Field{Key: "role", Value: "client"}),
		ConnectTimeout: DefaultConnectTimeout,
		address:        address,
	}, nil
}

// Address returns the server address the client dials.
func (c *Client) Address() string {
	c.chMu.Lock()
	defer c.chMu.Unlock()
	return c.address
}

// SetAddress changes the server address. An open channel is closed so the next
// operation reconnects to the new address.
func (c *Client) SetAddress(address string) {
	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()

	c.chMu.Lock()
	changed := c.address != address
	c.address = address
	c.chMu.Unlock()

	if changed {
		c.dropChannel()
	}
}

// SetIdentity changes the session identity. A derived error sentinel follows
// the new identity, and an open channel is closed so the next operation
// reconnects under the new name.
//
// Returns:
//   - A *ConfigurationError when identity is invalid; the session is unchanged
func (c *Client) SetIdentity(identity string) error {
	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()

	c.mu.Lock()
	cfg, err := c.cfg.WithIdentity(identity)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	changed := c.cfg.Identity != identity
	c.cfg = cfg
	c.mu.Unlock()

	if changed {
		c.dropChannel()
	}

	return nil
}

// IsConnected reports whether the client holds a connected channel.
func (c *Client) IsConnected() bool {
	c.chMu.Lock()
	defer c.chMu.Unlock()
	return c.ch != nil && c.ch.IsConnected()
}

// IsResponseReceived reports whether a response to the last request was read.
func (c *Client) IsResponseReceived() bool {
	c.chMu.Lock()
	defer c.chMu.Unlock()
	return c.responseReceived
}

// Connect connects to the server unless already connected, waiting at most
// ConnectTimeout.
//
// Returns:
//   - nil when connected, or a *ChannelError
func (c *Client) Connect(ctx context.Context) error {
	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()

	_, err := c.connect(ctx)
	return err
}

func (c *Client) connect(ctx context.Context) (channel.Channel, error) {
	c.chMu.Lock()
	ch, address := c.ch, c.address
	c.chMu.Unlock()

	if ch != nil && ch.IsConnected() {
		return ch, nil
	}

	identity := c.Identity()
	if ch == nil {
		var err error
		ch, err = c.provider.Dial(identity, address)
		if err != nil {
			return nil, c.fail("dial", err)
		}

		c.chMu.Lock()
		c.ch = ch
		c.chMu.Unlock()
	}

	if err := ch.Connect(ctx, c.ConnectTimeout); err != nil {
		return nil, c.fail("connect", err)
	}

	c.log.Debug("connected", logger.Field{Key: "identity", Value: identity}, logger.Field{Key: "addr", Value: ch.Addr()})
	return ch, nil
}

// SendRequest sends one request, connecting first if needed, and resets the
// response state of the session.
//
// Returns:
//   - nil, or a *ChannelError after which the channel is dropped
func (c *Client) SendRequest(ctx context.Context, request string) error {
	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()

	return c.sendRequest(ctx, request)
}

func (c *Client) sendRequest(ctx context.Context, request string) error {
	ch, err := c.connect(ctx)
	if err != nil {
		return err
	}

	cfg := c.Config()
	if !cfg.MultilineRequest {
		request = collapseLineBreaks(request)
	}

	c.beginExchange(request)
	c.chMu.Lock()
	c.responseReceived = false
	c.chMu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ch.Close() })
	defer stop()

	if err := writeMessage(ch, request, cfg.MultilineRequest, cfg.RequestEndMarker); err != nil {
		return c.fail("send request", contextCause(ctx, err))
	}

	return nil
}

// ReadResponse reads the response to the request sent last, blocking until it
// arrives or ctx is done. An error response is recorded with its sentinel
// stripped and returned as *ApplicationError; the returned payload is then
// empty.
//
// Returns:
//   - The response payload, or a *ChannelError or *ApplicationError
func (c *Client) ReadResponse(ctx context.Context) (string, error) {
	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()

	return c.readResponse(ctx)
}

func (c *Client) readResponse(ctx context.Context) (string, error) {
	ch, err := c.connect(ctx)
	if err != nil {
		return "", err
	}

	cfg := c.Config()

	stop := context.AfterFunc(ctx, func() { _ = ch.Close() })
	defer stop()

	text, err := readMessage(ch, cfg.MultilineResponse, cfg.ResponseEndMarker)
	if err != nil {
		return "", c.fail("read response", contextCause(ctx, err))
	}

	reply := cfg.DecodeReply(text)

	c.mu.Lock()
	c.lastResponse = reply.Payload
	if reply.IsError() {
		c.isError = true
		c.lastErr = reply.Err
		c.lastErrorMessage = reply.Err.Message
	}
	c.mu.Unlock()

	c.chMu.Lock()
	c.responseReceived = true
	c.chMu.Unlock()

	if reply.IsError() {
		return "", reply.Err
	}

	return reply.Payload, nil
}

// GetResponse sends request and returns the matching response. Calls on one
// Client are serialized so responses can never be attributed to the wrong
// request.
//
// Parameters:
//   - ctx: Bounds connecting and the whole exchange; when it is done the
//     channel is dropped
//   - request: Request text; in single-line mode line breaks become spaces
//
// Returns:
//   - The response payload
//   - A *ChannelError on I/O failure, or an *ApplicationError when the server
//     answered with an error response
func (c *Client) GetResponse(ctx context.Context, request string) (string, error) {
	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()

	if err := c.sendRequest(ctx, request); err != nil {
		return "", err
	}

	return c.readResponse(ctx)
}

// Close releases the channel. The client stays usable: the next operation
// reconnects.
func (c *Client) Close() error {
	c.chMu.Lock()
	ch := c.ch
	c.ch = nil
	c.chMu.Unlock()

	if ch == nil {
		return nil
	}

	return ch.Close()
}

// fail records err as a *ChannelError and drops the channel, which cannot be
// trusted to be at a message boundary any more.
func (c *Client) fail(op string, err error) error {
	cerr := &ChannelError{Op: op, Identity: c.Identity(), Err: err}
	c.recordError(cerr)
	c.dropChannel()
	c.log.Warn("exchange failed", logger.Field{Key: "op", Value: op}, logger.Field{Key: "error", Value: err.Error()})
	return cerr
}

func (c *Client) dropChannel() {
	if err := c.Close(); err != nil && !errors.Is(err, channel.ErrClosed) {
		c.log.Debug("channel close failed", logger.Field{Key: "error", Value: err.Error()})
	}
}

// contextCause prefers the context error when ctx ended the I/O.
func contextCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	return err
}

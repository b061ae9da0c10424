// Package protocol implements a line-oriented request/response protocol on top
// of the duplex channels of package channel: a Server that runs an
// accept-and-serve loop on a worker goroutine, and a Client performing
// synchronous exchanges.
//
// Messages are lines of text. In multiline mode a message is any number of
// payload lines followed by a line equal to the configured end marker; there
// is no escaping, so a payload line equal to the marker ends the message early.
// An error response is a response starting with the configured error sentinel.
// A request equal to the stop keyword makes the server answer with the stopped
// response and leave its serve loop.
package protocol

import (
	"strings"
)

// LineSeparator joins the lines of a multiline message.
const LineSeparator = "\n"

// Defaults is the framing policy new configurations start from.
type Defaults struct {
	// MultilineRequest makes requests end at a RequestEndMarker line instead of
	// after the first line.
	MultilineRequest bool
	// RequestEndMarker terminates a multiline request.
	RequestEndMarker string
	// MultilineResponse makes responses end at a ResponseEndMarker line.
	MultilineResponse bool
	// ResponseEndMarker terminates a multiline response.
	ResponseEndMarker string
	// ErrorSentinelPrefix and ErrorSentinelSuffix surround the identity to
	// form the error sentinel.
	ErrorSentinelPrefix string
	ErrorSentinelSuffix string
	// StopKeyword is the reserved request that stops the server.
	StopKeyword string
	// GenericResponse is kept for handlers that want a neutral answer.
	GenericResponse string
	// StoppedResponse answers the stop keyword.
	StoppedResponse string
}

// StandardDefaults returns the stock framing policy: single-line requests and
// responses, "RequestEnd"/"ResponseEnd" markers for multiline mode, the
// "$$ERROR__<identity>$$: " sentinel and the "stop" keyword.
func StandardDefaults() Defaults {
	return Defaults{
		MultilineRequest:    false,
		RequestEndMarker:    "RequestEnd",
		MultilineResponse:   false,
		ResponseEndMarker:   "ResponseEnd",
		ErrorSentinelPrefix: "$$ERROR__",
		ErrorSentinelSuffix: "$$: ",
		StopKeyword:         "stop",
		GenericResponse:     "IGLib_PipeServer_GenericResponse",
		StoppedResponse:     "IGLib_PipeServer_StoppedResponse",
	}
}

// MultilineDefaults returns StandardDefaults with multiline requests and
// responses enabled.
func MultilineDefaults() Defaults {
	d := StandardDefaults()
	d.MultilineRequest = true
	d.MultilineResponse = true
	return d
}

// Config is the framing policy of one session. It is a value: sessions copy it
// on construction and never change it afterwards except through their own
// identity setters.
type Config struct {
	// Identity names the session and the channel it runs on.
	Identity string
	Defaults
	// ErrorSentinel overrides the sentinel derived from Defaults and Identity.
	ErrorSentinel string
}

// NewConfig builds and validates a Config for identity.
//
// Parameters:
//   - identity: Session/channel name; must not be empty
//   - defaults: Framing policy, e.g. StandardDefaults()
//
// Returns:
//   - The Config, or a *ConfigurationError
func NewConfig(identity string, defaults Defaults) (Config, error) {
	cfg := Config{Identity: identity, Defaults: defaults}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the identity and the markers of every enabled multiline mode.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Identity) == "" {
		return &ConfigurationError{Field: "Identity", Reason: "must not be empty"}
	}

	if strings.ContainsAny(c.Identity, "\r\n") {
		return &ConfigurationError{Field: "Identity", Reason: "must not contain line breaks"}
	}

	if c.MultilineRequest && c.RequestEndMarker == "" {
		return &ConfigurationError{Field: "RequestEndMarker", Reason: "must not be empty in multiline request mode"}
	}

	if c.MultilineResponse && c.ResponseEndMarker == "" {
		return &ConfigurationError{Field: "ResponseEndMarker", Reason: "must not be empty in multiline response mode"}
	}

	if c.StopKeyword == "" {
		return &ConfigurationError{Field: "StopKeyword", Reason: "must not be empty"}
	}

	if c.Sentinel() == "" {
		return &ConfigurationError{Field: "ErrorSentinel", Reason: "must not be empty"}
	}

	return nil
}

// WithIdentity returns a validated copy of c for another identity. A derived
// sentinel follows the new identity.
func (c Config) WithIdentity(identity string) (Config, error) {
	c.Identity = identity
	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// Sentinel returns the error sentinel: ErrorSentinel when set, otherwise
// ErrorSentinelPrefix + Identity + ErrorSentinelSuffix.
func (c Config) Sentinel() string {
	if c.ErrorSentinel != "" {
		return c.ErrorSentinel
	}

	if c.ErrorSentinelPrefix == "" && c.ErrorSentinelSuffix == "" {
		return ""
	}

	return c.ErrorSentinelPrefix + c.Identity + c.ErrorSentinelSuffix
}

// EncodeReply renders a reply in wire form.
func (c Config) EncodeReply(r Reply) string {
	if r.IsError() {
		return c.Sentinel() + r.Err.Message
	}

	return r.Payload
}

// DecodeReply classifies a response read from the wire. Any response starting
// with the sentinel is an error, whether or not the server meant it as one.
func (c Config) DecodeReply(text string) Reply {
	if msg, ok := strings.CutPrefix(text, c.Sentinel()); ok {
		return Reply{Err: &ApplicationError{Message: msg}}
	}

	return Reply{Payload: text}
}

// Reply is the outcome of one exchange: a payload, or an application error
// that travels as a sentinel-prefixed response.
type Reply struct {
	Payload string
	Err     *ApplicationError
}

// IsError reports whether the reply carries an error.
func (r Reply) IsError() bool {
	return r.Err != nil
}

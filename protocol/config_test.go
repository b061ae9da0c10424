package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardDefaults(t *testing.T) {
	d := StandardDefaults()

	assert.False(t, d.MultilineRequest)
	assert.False(t, d.MultilineResponse)
	assert.Equal(t, "RequestEnd", d.RequestEndMarker)
	assert.Equal(t, "ResponseEnd", d.ResponseEndMarker)
	assert.Equal(t, "stop", d.StopKeyword)
	assert.Equal(t, "IGLib_PipeServer_StoppedResponse", d.StoppedResponse)
	assert.Equal(t, "IGLib_PipeServer_GenericResponse", d.GenericResponse)

	m := MultilineDefaults()
	assert.True(t, m.MultilineRequest)
	assert.True(t, m.MultilineResponse)
	assert.Equal(t, d.StopKeyword, m.StopKeyword)
}

func TestNewConfig(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		cfg, err := NewConfig("calc", StandardDefaults())
		require.NoError(t, err)
		assert.Equal(t, "calc", cfg.Identity)
		assert.Equal(t, "$$ERROR__calc$$: ", cfg.Sentinel())
	})

	tests := []struct {
		name     string
		identity string
		mutate   func(*Defaults)
		field    string
	}{
		{name: "empty identity", identity: "", field: "Identity"},
		{name: "blank identity", identity: "  ", field: "Identity"},
		{name: "identity with line break", identity: "a\nb", field: "Identity"},
		{
			name:     "multiline request without marker",
			identity: "calc",
			mutate:   func(d *Defaults) { d.MultilineRequest = true; d.RequestEndMarker = "" },
			field:    "RequestEndMarker",
		},
		{
			name:     "multiline response without marker",
			identity: "calc",
			mutate:   func(d *Defaults) { d.MultilineResponse = true; d.ResponseEndMarker = "" },
			field:    "ResponseEndMarker",
		},
		{
			name:     "empty stop keyword",
			identity: "calc",
			mutate:   func(d *Defaults) { d.StopKeyword = "" },
			field:    "StopKeyword",
		},
		{
			name:     "empty sentinel",
			identity: "calc",
			mutate:   func(d *Defaults) { d.ErrorSentinelPrefix = ""; d.ErrorSentinelSuffix = "" },
			field:    "ErrorSentinel",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := StandardDefaults()
			if tt.mutate != nil {
				tt.mutate(&d)
			}

			_, err := NewConfig(tt.identity, d)

			var cerr *ConfigurationError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.field, cerr.Field)
		})
	}

	t.Run("single-line mode ignores missing markers", func(t *testing.T) {
		d := StandardDefaults()
		d.RequestEndMarker = ""
		d.ResponseEndMarker = ""

		_, err := NewConfig("calc", d)
		assert.NoError(t, err)
	})
}

func TestConfig_WithIdentity(t *testing.T) {
	cfg, err := NewConfig("alpha", StandardDefaults())
	require.NoError(t, err)

	t.Run("derived sentinel follows identity", func(t *testing.T) {
		beta, err := cfg.WithIdentity("beta")
		require.NoError(t, err)
		assert.Equal(t, "beta", beta.Identity)
		assert.Equal(t, "$$ERROR__beta$$: ", beta.Sentinel())
		assert.Equal(t, "alpha", cfg.Identity)
	})

	t.Run("explicit sentinel is kept", func(t *testing.T) {
		custom := cfg
		custom.ErrorSentinel = "ERR: "

		beta, err := custom.WithIdentity("beta")
		require.NoError(t, err)
		assert.Equal(t, "ERR: ", beta.Sentinel())
	})

	t.Run("invalid identity", func(t *testing.T) {
		_, err := cfg.WithIdentity("")
		var cerr *ConfigurationError
		assert.ErrorAs(t, err, &cerr)
	})
}

func TestConfig_Replies(t *testing.T) {
	cfg, err := NewConfig("calc", StandardDefaults())
	require.NoError(t, err)

	t.Run("payload", func(t *testing.T) {
		text := cfg.EncodeReply(Reply{Payload: "42"})
		assert.Equal(t, "42", text)

		reply := cfg.DecodeReply(text)
		assert.False(t, reply.IsError())
		assert.Equal(t, "42", reply.Payload)
	})

	t.Run("error", func(t *testing.T) {
		text := cfg.EncodeReply(Reply{Err: &ApplicationError{Message: "division by zero"}})
		assert.Equal(t, "$$ERROR__calc$$: division by zero", text)

		reply := cfg.DecodeReply(text)
		require.True(t, reply.IsError())
		assert.Equal(t, "division by zero", reply.Err.Message)
		assert.Empty(t, reply.Payload)
	})

	t.Run("payload that starts with the sentinel reads as an error", func(t *testing.T) {
		reply := cfg.DecodeReply(cfg.Sentinel())
		require.True(t, reply.IsError())
		assert.Empty(t, reply.Err.Message)
	})

	t.Run("sentinel of another identity is a payload", func(t *testing.T) {
		reply := cfg.DecodeReply("$$ERROR__other$$: nope")
		assert.False(t, reply.IsError())
	})
}

func TestErrors(t *testing.T) {
	t.Run("configuration error", func(t *testing.T) {
		err := &ConfigurationError{Field: "ResponseHandler", Reason: "not set", Err: ErrNoResponseHandler}
		assert.Equal(t, "configuration error: ResponseHandler not set: no response handler registered", err.Error())
		assert.ErrorIs(t, err, ErrNoResponseHandler)

		bare := &ConfigurationError{Field: "Identity", Reason: "must not be empty"}
		assert.Equal(t, "configuration error: Identity must not be empty", bare.Error())
	})

	t.Run("channel error", func(t *testing.T) {
		cause := errors.New("broken pipe")
		err := &ChannelError{Op: "write response", Identity: "calc", Err: cause}
		assert.Equal(t, "channel calc: write response failed: broken pipe", err.Error())
		assert.ErrorIs(t, err, cause)
	})

	t.Run("application error", func(t *testing.T) {
		cause := errors.New("boom")
		err := &ApplicationError{Message: "boom", Err: cause}
		assert.Equal(t, "boom", err.Error())
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "boom", errorMessage(err))
		assert.Equal(t, "plain", errorMessage(errors.New("plain")))
	})
}

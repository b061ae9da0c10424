package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-pipeproto/protocol"
)

func TestBuiltinHandler(t *testing.T) {
	cfg, err := protocol.NewConfig("calc", protocol.StandardDefaults())
	require.NoError(t, err)
	handler := builtinHandler(cfg)

	tests := []struct {
		request string
		want    string
		wantErr string
	}{
		{request: "ping", want: "pong"},
		{request: "generic", want: "IGLib_PipeServer_GenericResponse"},
		{request: "fail disk full", wantErr: "disk full"},
		{request: "hello there", want: "hello there"},
		{request: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.request, func(t *testing.T) {
			got, err := handler(tt.request)
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOverride(t *testing.T) {
	v := "default"

	override(&v, "")
	assert.Equal(t, "default", v)

	override(&v, "set")
	assert.Equal(t, "set", v)
}

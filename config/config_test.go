package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-pipeproto/channel"
	"github.com/cyberinferno/go-pipeproto/logger"
	"github.com/cyberinferno/go-pipeproto/protocol"
	"github.com/cyberinferno/go-pipeproto/respcache"
)

const sample = `
[protocol]
identity = "calc"
multiline_request = true
multiline_response = true
error_sentinel = "ERR: "

[channel]
transport = "tcp"
listen_addr = "127.0.0.1:7400"
connect_timeout = "3s"
read_timeout = "1m"

[log]
level = "debug"

[cache]
enabled = true
ttl = "30s"
`

func TestDefault(t *testing.T) {
	f := Default()

	cfg, err := f.ProtocolConfig()
	require.NoError(t, err)
	assert.Equal(t, "pipeproto", cfg.Identity)
	assert.Equal(t, protocol.StandardDefaults(), cfg.Defaults)
	assert.Equal(t, TransportUnix, f.Channel.Transport)
	assert.Equal(t, protocol.DefaultConnectTimeout, f.Channel.ConnectTimeout.Duration)
	assert.Equal(t, protocol.DefaultStopTimeout, f.Channel.StopTimeout.Duration)
	assert.False(t, f.Cache.Enabled)
}

func TestParse(t *testing.T) {
	t.Run("overrides defaults", func(t *testing.T) {
		f, err := Parse(sample)
		require.NoError(t, err)

		cfg, err := f.ProtocolConfig()
		require.NoError(t, err)
		assert.Equal(t, "calc", cfg.Identity)
		assert.True(t, cfg.MultilineRequest)
		assert.True(t, cfg.MultilineResponse)
		assert.Equal(t, "RequestEnd", cfg.RequestEndMarker)
		assert.Equal(t, "ERR: ", cfg.Sentinel())
		assert.Equal(t, "stop", cfg.StopKeyword)

		assert.Equal(t, TransportTCP, f.Channel.Transport)
		assert.Equal(t, 3*time.Second, f.Channel.ConnectTimeout.Duration)
		assert.Equal(t, time.Minute, f.Channel.ReadTimeout.Duration)
		assert.Equal(t, 10*time.Second, f.Channel.WriteTimeout.Duration)
		assert.Equal(t, "debug", f.Log.Level)
		assert.True(t, f.Cache.Enabled)
		assert.Equal(t, 30*time.Second, f.Cache.TTL.Duration)
	})

	t.Run("empty content keeps defaults", func(t *testing.T) {
		f, err := Parse("")
		require.NoError(t, err)
		assert.Equal(t, Default(), f)
	})

	t.Run("unknown keys", func(t *testing.T) {
		_, err := Parse("[protocol]\nidentiy = \"calc\"\n[log]\nlevle = \"x\"\n")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "protocol.identiy")
		assert.Contains(t, err.Error(), "log.levle")
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := Parse("[channel]\nconnect_timeout = \"soon\"\n")
		assert.Error(t, err)
	})

	t.Run("malformed toml", func(t *testing.T) {
		_, err := Parse("[protocol\n")
		assert.Error(t, err)
	})
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipe.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "calc", f.Protocol.Identity)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestFile_ProtocolConfig(t *testing.T) {
	f := Default()
	f.Protocol.Identity = ""

	_, err := f.ProtocolConfig()
	var cerr *protocol.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "Identity", cerr.Field)
}

func TestFile_Provider(t *testing.T) {
	t.Run("unix", func(t *testing.T) {
		f := Default()
		f.Channel.SocketDir = "/run/pipes"
		f.Channel.ReadTimeout = Duration{time.Second}

		p, err := f.Provider(logger.NewNopLogger())
		require.NoError(t, err)

		unix, ok := p.(*channel.UnixProvider)
		require.True(t, ok)
		assert.Equal(t, "/run/pipes", unix.Dir)
		assert.Equal(t, time.Second, unix.Options.ReadTimeout)
	})

	t.Run("tcp", func(t *testing.T) {
		f := Default()
		f.Channel.Transport = "TCP"
		f.Channel.ListenAddr = "127.0.0.1:7400"

		p, err := f.Provider(nil)
		require.NoError(t, err)

		tcp, ok := p.(*channel.TCPProvider)
		require.True(t, ok)
		assert.Equal(t, "127.0.0.1:7400", tcp.ListenAddr)
	})

	t.Run("unknown transport", func(t *testing.T) {
		f := Default()
		f.Channel.Transport = "carrier-pigeon"

		_, err := f.Provider(nil)
		var cerr *protocol.ConfigurationError
		assert.ErrorAs(t, err, &cerr)
	})
}

func TestFile_Logger(t *testing.T) {
	f := Default()

	log, err := f.Logger("pipeserver")
	require.NoError(t, err)
	require.NoError(t, log.Close())

	f.Log.Level = "chatty"
	_, err = f.Logger("pipeserver")
	assert.Error(t, err)

	f.Log.Level = "warn"
	f.Log.Dir = filepath.Join(t.TempDir(), "logs")
	log, err = f.Logger("pipeserver")
	require.NoError(t, err)
	log.Warn("written to file")
	require.NoError(t, log.Close())

	entries, err := os.ReadDir(f.Log.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFile_ResponseCache(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		c, closeFn, err := Default().ResponseCache()
		require.NoError(t, err)
		assert.Nil(t, c)
		assert.NoError(t, closeFn())
	})

	t.Run("memory", func(t *testing.T) {
		f := Default()
		f.Cache.Enabled = true

		c, closeFn, err := f.ResponseCache()
		require.NoError(t, err)
		assert.IsType(t, &respcache.Memory[string]{}, c)
		assert.NoError(t, closeFn())
	})

	t.Run("redis", func(t *testing.T) {
		f := Default()
		f.Cache.Enabled = true
		f.Cache.RedisAddr = "127.0.0.1:6379"

		c, closeFn, err := f.ResponseCache()
		require.NoError(t, err)
		assert.IsType(t, &respcache.Redis[string]{}, c)
		assert.NoError(t, closeFn())
	})

	t.Run("negative ttl", func(t *testing.T) {
		f := Default()
		f.Cache.Enabled = true
		f.Cache.TTL = Duration{-time.Second}

		_, _, err := f.ResponseCache()
		assert.Error(t, err)
	})
}

// Package config loads the TOML configuration shared by the pipeserver and
// pipeclient commands and turns it into protocol, channel, logging and cache
// settings.
//
// A complete file looks like:
//
//	[protocol]
//	identity = "calc"
//	multiline_request = false
//	multiline_response = false
//	stop_keyword = "stop"
//
//	[channel]
//	transport = "unix"        # or "tcp"
//	socket_dir = "/run/calc"
//	listen_addr = "127.0.0.1:7400"
//	address = ""
//	connect_timeout = "10s"
//	read_timeout = "0s"
//	write_timeout = "10s"
//	stop_timeout = "2s"
//
//	[log]
//	level = "info"
//	dir = ""
//
//	[cache]
//	enabled = true
//	ttl = "1m"
//	redis_addr = ""          # empty selects the in-memory cache
//	redis_prefix = "pipeproto:"
//
// Keys that are left out keep the values of Default.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/go-pipeproto/channel"
	"github.com/cyberinferno/go-pipeproto/logger"
	"github.com/cyberinferno/go-pipeproto/protocol"
	"github.com/cyberinferno/go-pipeproto/respcache"
)

// Transports understood by File.Provider.
const (
	TransportUnix = "unix"
	TransportTCP  = "tcp"
)

// Duration is a time.Duration written as a string such as "1m30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// File is the decoded configuration file.
type File struct {
	Protocol Protocol `toml:"protocol"`
	Channel  Channel  `toml:"channel"`
	Log      Log      `toml:"log"`
	Cache    Cache    `toml:"cache"`
}

// Protocol mirrors protocol.Config.
type Protocol struct {
	Identity            string `toml:"identity"`
	MultilineRequest    bool   `toml:"multiline_request"`
	RequestEndMarker    string `toml:"request_end_marker"`
	MultilineResponse   bool   `toml:"multiline_response"`
	ResponseEndMarker   string `toml:"response_end_marker"`
	ErrorSentinelPrefix string `toml:"error_sentinel_prefix"`
	ErrorSentinelSuffix string `toml:"error_sentinel_suffix"`
	ErrorSentinel       string `toml:"error_sentinel"`
	StopKeyword         string `toml:"stop_keyword"`
	GenericResponse     string `toml:"generic_response"`
	StoppedResponse     string `toml:"stopped_response"`
}

// Channel selects and tunes the transport.
type Channel struct {
	Transport      string   `toml:"transport"`
	SocketDir      string   `toml:"socket_dir"`
	ListenAddr     string   `toml:"listen_addr"`
	Address        string   `toml:"address"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	ReadTimeout    Duration `toml:"read_timeout"`
	WriteTimeout   Duration `toml:"write_timeout"`
	StopTimeout    Duration `toml:"stop_timeout"`
}

// Log configures logging. An empty Dir logs to the console only.
type Log struct {
	Level string `toml:"level"`
	Dir   string `toml:"dir"`
}

// Cache configures response caching on the server.
type Cache struct {
	Enabled     bool     `toml:"enabled"`
	TTL         Duration `toml:"ttl"`
	RedisAddr   string   `toml:"redis_addr"`
	RedisPrefix string   `toml:"redis_prefix"`
}

// Default returns the configuration used when no file is given: the standard
// framing policy for identity "pipeproto" on unix sockets in the temp
// directory, info logging to the console and no cache.
func Default() File {
	d := protocol.StandardDefaults()
	opts := channel.DefaultOptions()

	return File{
		Protocol: Protocol{
			Identity:            "pipeproto",
			MultilineRequest:    d.MultilineRequest,
			RequestEndMarker:    d.RequestEndMarker,
			MultilineResponse:   d.MultilineResponse,
			ResponseEndMarker:   d.ResponseEndMarker,
			ErrorSentinelPrefix: d.ErrorSentinelPrefix,
			ErrorSentinelSuffix: d.ErrorSentinelSuffix,
			StopKeyword:         d.StopKeyword,
			GenericResponse:     d.GenericResponse,
			StoppedResponse:     d.StoppedResponse,
		},
		Channel: Channel{
			Transport:      TransportUnix,
			ListenAddr:     "127.0.0.1:0",
			ConnectTimeout: Duration{protocol.DefaultConnectTimeout},
			ReadTimeout:    Duration{opts.ReadTimeout},
			WriteTimeout:   Duration{opts.WriteTimeout},
			StopTimeout:    Duration{protocol.DefaultStopTimeout},
		},
		Log: Log{
			Level: "info",
		},
		Cache: Cache{
			TTL:         Duration{time.Minute},
			RedisPrefix: "pipeproto:",
		},
	}
}

// Load reads a TOML file on top of Default.
//
// Parameters:
//   - path: Path of the configuration file
//
// Returns:
//   - The merged configuration
//   - An error if the file cannot be read or parsed or holds unknown keys
func Load(path string) (File, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(string(content))
}

// Parse decodes TOML content on top of Default. Unknown keys are rejected so
// typos do not silently fall back to defaults.
func Parse(content string) (File, error) {
	f := Default()

	md, err := toml.Decode(content, &f)
	if err != nil {
		return File{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)

		return File{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	return f, nil
}

// ProtocolConfig returns the validated protocol configuration.
func (f File) ProtocolConfig() (protocol.Config, error) {
	p := f.Protocol
	cfg := protocol.Config{
		Identity: p.Identity,
		Defaults: protocol.Defaults{
			MultilineRequest:    p.MultilineRequest,
			RequestEndMarker:    p.RequestEndMarker,
			MultilineResponse:   p.MultilineResponse,
			ResponseEndMarker:   p.ResponseEndMarker,
			ErrorSentinelPrefix: p.ErrorSentinelPrefix,
			ErrorSentinelSuffix: p.ErrorSentinelSuffix,
			StopKeyword:         p.StopKeyword,
			GenericResponse:     p.GenericResponse,
			StoppedResponse:     p.StoppedResponse,
		},
		ErrorSentinel: p.ErrorSentinel,
	}

	if err := cfg.Validate(); err != nil {
		return protocol.Config{}, err
	}

	return cfg, nil
}

// Provider builds the channel provider selected by [channel].transport.
//
// Parameters:
//   - log: Logger handed to the channels; nil discards channel events
//
// Returns:
//   - The provider, or a *protocol.ConfigurationError for an unknown transport
func (f File) Provider(log logger.Logger) (channel.Provider, error) {
	opts := channel.DefaultOptions()
	opts.ReadTimeout = f.Channel.ReadTimeout.Duration
	opts.WriteTimeout = f.Channel.WriteTimeout.Duration
	opts.Logger = log

	switch strings.ToLower(f.Channel.Transport) {
	case "", TransportUnix:
		p := channel.NewUnixProvider(f.Channel.SocketDir)
		p.Options = opts
		return p, nil
	case TransportTCP:
		p := channel.NewTCPProvider(f.Channel.ListenAddr)
		p.Options = opts
		return p, nil
	default:
		return nil, &protocol.ConfigurationError{Field: "channel.transport", Reason: fmt.Sprintf("unknown transport %q", f.Channel.Transport)}
	}
}

// Logger builds the logger described by [log].
func (f File) Logger(serviceName string) (logger.Logger, error) {
	level, err := logger.ParseLevel(f.Log.Level)
	if err != nil {
		return nil, err
	}

	if f.Log.Dir == "" {
		return logger.NewConsoleLogger(os.Stderr, serviceName, level), nil
	}

	return logger.NewZerologFileLogger(serviceName, f.Log.Dir, level)
}

// ResponseCache builds the cache described by [cache]: nil when disabled, a
// Redis cache when redis_addr is set, an in-memory cache otherwise. The
// returned function releases the cache's resources.
func (f File) ResponseCache() (respcache.Cache[string], func() error, error) {
	noop := func() error { return nil }

	if !f.Cache.Enabled {
		return nil, noop, nil
	}

	if f.Cache.TTL.Duration < 0 {
		return nil, noop, &protocol.ConfigurationError{Field: "cache.ttl", Reason: "must not be negative"}
	}

	if f.Cache.RedisAddr == "" {
		return respcache.NewMemory[string](cache.NoExpiration, 10*time.Minute), noop, nil
	}

	client := redis.NewClient(&redis.Options{Addr: f.Cache.RedisAddr})
	return respcache.NewRedis[string](client, f.Cache.RedisPrefix), client.Close, nil
}

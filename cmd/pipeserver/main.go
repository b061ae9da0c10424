// Command pipeserver runs a protocol server answering requests on a unix socket
// or TCP channel until it receives the stop keyword, SIGINT or SIGTERM.
//
// Built-in requests:
//
//	ping          answered with "pong"
//	generic       answered with the configured generic response
//	fail <text>   answered with an error response carrying <text>
//
// Anything else is echoed back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-pipeproto/config"
	"github.com/cyberinferno/go-pipeproto/logger"
	"github.com/cyberinferno/go-pipeproto/protocol"
	"github.com/cyberinferno/go-pipeproto/respcache"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pipeserver:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path of a TOML configuration file")
		identity   = flag.String("identity", "", "channel identity (overrides the config file)")
		transport  = flag.String("transport", "", "unix or tcp (overrides the config file)")
		socketDir  = flag.String("socket-dir", "", "directory of unix sockets (overrides the config file)")
		listenAddr = flag.String("listen", "", "TCP listen address (overrides the config file)")
		logLevel   = flag.String("log-level", "", "debug, info, warn or error (overrides the config file)")
		cacheOn    = flag.Bool("cache", false, "memoize responses")
	)
	flag.Parse()

	f := config.Default()
	if *configPath != "" {
		var err error
		if f, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	override(&f.Protocol.Identity, *identity)
	override(&f.Channel.Transport, *transport)
	override(&f.Channel.SocketDir, *socketDir)
	override(&f.Channel.ListenAddr, *listenAddr)
	override(&f.Log.Level, *logLevel)
	if *cacheOn {
		f.Cache.Enabled = true
	}

	log, err := f.Logger("pipeserver")
	if err != nil {
		return err
	}
	defer log.Close()

	cfg, err := f.ProtocolConfig()
	if err != nil {
		return err
	}

	provider, err := f.Provider(log)
	if err != nil {
		return err
	}

	srv, err := protocol.NewServer(cfg, provider, log)
	if err != nil {
		return err
	}
	srv.StopTimeout = f.Channel.StopTimeout.Duration

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler := builtinHandler(cfg)

	cache, closeCache, err := f.ResponseCache()
	if err != nil {
		return err
	}
	defer closeCache()

	if cache != nil {
		handler = respcache.Wrap(ctx, cache, f.Cache.TTL.Duration, handler)
		log.Info("response cache enabled", logger.Field{Key: "ttl", Value: f.Cache.TTL.String()})
	}
	srv.SetResponseHandler(handler)

	if err := srv.Open(); err != nil {
		return err
	}
	log.Info("listening", logger.Field{Key: "addr", Value: srv.Addr()}, logger.Field{Key: "transport", Value: f.Channel.Transport})

	if err := srv.StartWorker(ctx); err != nil {
		return err
	}
	done := srv.Done()

	g := new(errgroup.Group)

	g.Go(func() error {
		<-done
		if err := srv.WorkerErr(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
			srv.AbortWorker(2 * srv.StopTimeout)
		case <-done:
		}
		return nil
	})

	return g.Wait()
}

// builtinHandler answers the requests listed in the package documentation.
func builtinHandler(cfg protocol.Config) protocol.ResponseHandler {
	return func(request string) (string, error) {
		switch {
		case request == "ping":
			return "pong", nil
		case request == "generic":
			return cfg.GenericResponse, nil
		case strings.HasPrefix(request, "fail "):
			return "", errors.New(strings.TrimPrefix(request, "fail "))
		default:
			return request, nil
		}
	}
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Command pipeclient sends requests to a pipeserver and prints the responses.
// Requests are taken from the arguments, or from standard input one per line
// when there are none. Error responses are printed to standard error and make
// the command exit with status 2.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-pipeproto/config"
	"github.com/cyberinferno/go-pipeproto/protocol"
)

// errResponse marks a run in which the server answered with an error.
var errResponse = errors.New("server answered with an error")

func main() {
	err := run()
	switch {
	case err == nil:
	case errors.Is(err, errResponse):
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "pipeclient:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path of a TOML configuration file")
		identity    = flag.String("identity", "", "channel identity (overrides the config file)")
		transport   = flag.String("transport", "", "unix or tcp (overrides the config file)")
		address     = flag.String("address", "", "server address: socket path or directory for unix, host:port for tcp")
		timeout     = flag.Duration("timeout", 0, "connect timeout (overrides the config file)")
		concurrency = flag.Int("concurrency", 1, "number of requests in flight; the session serializes them")
		logLevel    = flag.String("log-level", "warn", "debug, info, warn or error")
	)
	flag.Parse()

	f := config.Default()
	if *configPath != "" {
		var err error
		if f, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	if *identity != "" {
		f.Protocol.Identity = *identity
	}
	if *transport != "" {
		f.Channel.Transport = *transport
	}
	if *address != "" {
		f.Channel.Address = *address
	}
	if *timeout > 0 {
		f.Channel.ConnectTimeout = config.Duration{Duration: *timeout}
	}
	f.Log.Level = *logLevel
	f.Log.Dir = ""

	log, err := f.Logger("pipeclient")
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

	client, err := protocol.NewClient(cfg, f.Channel.Address, provider, log)
	if err != nil {
		return err
	}
	defer client.Close()
	client.ConnectTimeout = f.Channel.ConnectTimeout.Duration

	requests := flag.Args()
	if len(requests) == 0 {
		if requests, err = readLines(os.Stdin); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return send(ctx, client, requests, *concurrency, os.Stdout, os.Stderr)
}

// send runs every request on client with up to concurrency calls in flight
// and prints the results in request order.
func send(ctx context.Context, client *protocol.Client, requests []string, concurrency int, stdout, stderr io.Writer) error {
	type result struct {
		response string
		err      error
	}
	results := make([]result, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))

	for i, request := range requests {
		i, request := i, request
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, time.Minute)
			defer cancel()

			response, err := client.GetResponse(rctx, request)
			results[i] = result{response: response, err: err}

			var appErr *protocol.ApplicationError
			if err != nil && !errors.As(err, &appErr) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	failed := false
	for _, r := range results {
		var appErr *protocol.ApplicationError
		if errors.As(r.err, &appErr) {
			fmt.Fprintln(stderr, "error:", appErr.Message)
			failed = true
			continue
		}

		fmt.Fprintln(stdout, r.response)
	}

	if failed {
		return errResponse
	}

	return nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read requests: %w", err)
	}

	return lines, nil
}

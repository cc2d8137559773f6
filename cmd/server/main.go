package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hasirciogluhq/xcipher/internal/api"
	"github.com/hasirciogluhq/xcipher/internal/config"
	"github.com/hasirciogluhq/xcipher/internal/core"
	"github.com/hasirciogluhq/xcipher/internal/endpoint"
	"github.com/hasirciogluhq/xcipher/internal/logger"
	"github.com/hasirciogluhq/xcipher/internal/protocol/line"

	"github.com/spf13/pflag"
)

const usage = `Usage: server <address> <port>

Arguments:
  address  IPv4 or IPv6 address to listen on (link-local IPv6 is scoped
           to the first non-loopback interface)
  port     TCP port, 0-65535

Environment:
  MAX_CLIENTS, RESPONSE_DELAY_MIN, RESPONSE_DELAY_MAX, FRAMING_MODE,
  MAX_FRAME_SIZE, HEALTH_SERVER_PORT, DEBUG, LOG_FORMAT
`

// errHelp signals that usage was printed on request.
var errHelp = errors.New("help requested")

type serverArgs struct {
	address string
	port    int
}

// parseArgs validates the command line. Usage problems are reported on
// stderr by the caller.
func parseArgs(args []string, stderr io.Writer) (serverArgs, error) {
	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return serverArgs{}, errHelp
		}
		return serverArgs{}, err
	}

	pos := fs.Args()
	if len(pos) == 1 && pos[0] == "h" {
		fs.Usage()
		return serverArgs{}, errHelp
	}
	if len(pos) != 2 {
		fmt.Fprintln(stderr, "Incorrect number of parameters")
		fs.Usage()
		return serverArgs{}, fmt.Errorf("expected 2 arguments, got %d", len(pos))
	}

	port, err := endpoint.ParsePort(pos[1])
	if err != nil {
		return serverArgs{}, err
	}
	return serverArgs{address: pos[0], port: port}, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stderr))
}

// run starts the server and blocks until ctx is cancelled or the event loop
// fails. It returns the process exit code.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	sa, err := parseArgs(args, stderr)
	if errors.Is(err, errHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// Load configuration from environment
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 1
	}

	logger.Init()
	logger.Info("Starting xcipher server...",
		"address", sa.address,
		"port", sa.port,
		"runtime", cfg.Runtime,
		"framing", cfg.FramingMode,
		"max_clients", cfg.MaxClients)

	ep, err := endpoint.Resolve(sa.address, sa.port)
	if err != nil {
		logger.Error("Failed to resolve listen address", "address", sa.address, "error", err)
		return 1
	}
	ln, err := endpoint.Listen(ep)
	if err != nil {
		logger.Error("Failed to start listener", "endpoint", ep.String(), "error", err)
		return 1
	}

	mode := line.FramingBuffered
	if cfg.FramingMode == config.FramingLegacy {
		mode = line.FramingLegacy
	}
	handler := line.NewHandler(line.Options{
		Mode:         mode,
		MaxFrameSize: cfg.MaxFrameSize,
		Delay:        line.UniformRange(cfg.ResponseDelayMin, cfg.ResponseDelayMax),
	})

	server, err := core.NewServer(ln, handler, core.Options{MaxClients: cfg.MaxClients})
	if err != nil {
		ln.Close()
		logger.Error("Failed to create server", "error", err)
		return 1
	}

	var healthServer *api.HealthServer
	if cfg.HealthServerPort != "" {
		healthServer = api.NewHealthServer(":"+cfg.HealthServerPort, server)
		healthServer.Start()
		defer func() {
			healthServer.SetReady(false)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			healthServer.Stop(shutdownCtx)
		}()
	}

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down server...")
			if healthServer != nil {
				healthServer.SetReady(false)
			}
			server.Stop()
		case <-server.Done():
		}
	}()

	go func() {
		select {
		case <-server.Ready():
			if healthServer != nil {
				healthServer.SetReady(true)
			}
			logger.Info("Server is ready to accept connections")
		case <-server.Done():
		}
	}()

	// Start serving (blocking)
	if err := server.Serve(); err != nil {
		logger.Error("Server error", "error", err)
		return 1
	}
	return 0
}

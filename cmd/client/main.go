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

	"github.com/hasirciogluhq/xcipher/internal/cipher"
	"github.com/hasirciogluhq/xcipher/internal/client"
	"github.com/hasirciogluhq/xcipher/internal/config"
	"github.com/hasirciogluhq/xcipher/internal/endpoint"
	"github.com/hasirciogluhq/xcipher/internal/factory"
	"github.com/hasirciogluhq/xcipher/internal/logger"

	"github.com/spf13/pflag"
)

const usage = `Usage: client [--timeout 30s] <message> <key> <server address> <port>

Arguments:
  message         text to encrypt (single line)
  key             alphabetic key
  server address  IPv4/IPv6 literal, or a name known to discovery
  port            TCP port, 0-65535

Environment:
  DISCOVERY_MODE, STATIC_SERVERS, KUBECONFIG, KUBE_CONTEXT, NAMESPACE
`

var errHelp = errors.New("help requested")

type clientArgs struct {
	message string
	key     string
	server  string
	port    int
	timeout time.Duration
}

func parseArgs(args []string, stderr io.Writer) (clientArgs, error) {
	fs := pflag.NewFlagSet("client", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	timeout := fs.Duration("timeout", client.DefaultTimeout, "overall timeout for discovery and the exchange")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return clientArgs{}, errHelp
		}
		return clientArgs{}, err
	}

	pos := fs.Args()
	if len(pos) != 4 {
		fmt.Fprintln(stderr, "Incorrect number of parameters")
		fs.Usage()
		return clientArgs{}, fmt.Errorf("expected 4 arguments, got %d", len(pos))
	}

	if err := cipher.ValidateKey([]byte(pos[1])); err != nil {
		return clientArgs{}, err
	}
	port, err := endpoint.ParsePort(pos[3])
	if err != nil {
		return clientArgs{}, err
	}
	if *timeout <= 0 {
		return clientArgs{}, fmt.Errorf("timeout must be positive, got %s", *timeout)
	}
	return clientArgs{message: pos[0], key: pos[1], server: pos[2], port: port, timeout: *timeout}, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	ca, err := parseArgs(args, stderr)
	if errors.Is(err, errHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 1
	}
	logger.Init()

	ctx, cancel := context.WithTimeout(ctx, ca.timeout)
	defer cancel()

	resolver, err := factory.NewResolverFactory(cfg).Create(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: discovery: %v\n", err)
		return 1
	}
	address, err := resolver.Resolve(ctx, ca.server)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	logger.Debug("Resolved server", "name", ca.server, "address", address)

	ep, err := endpoint.Resolve(address, ca.port)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	res, err := (&client.Client{Timeout: ca.timeout}).Exchange(ctx, ep, ca.key, ca.message)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Encrypted: %s\n", res.Ciphertext)
	fmt.Fprintf(stdout, "Decrypted: %s\n", res.Plaintext)
	return 0
}

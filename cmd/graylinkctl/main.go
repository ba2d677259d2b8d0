// Command graylinkctl is the operator tool for a graylink daemon.
//
// Usage:
//
//	graylinkctl call [flags] <method> [params-json]
//	graylinkctl token [flags] <subject>
//
// call connects over the socket protocol (host:port) or WebSocket
// (ws:// or wss:// URL), registers, invokes one method and prints the
// result. token issues a bearer token for the admin API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nerrad567/gray-logic-link/internal/auth"
	"github.com/nerrad567/gray-logic-link/internal/device"
	"github.com/nerrad567/gray-logic-link/internal/rpc"
	"github.com/nerrad567/gray-logic-link/internal/transport"
)

// Version information (set at build time via ldflags).
var version = "dev"

const usage = `usage:
  graylinkctl call [flags] <method> [params-json]
  graylinkctl token [flags] <subject>
  graylinkctl version`

// registrationPoll is how often call checks whether registration finished.
const registrationPoll = 20 * time.Millisecond

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	switch args[0] {
	case "call":
		return runCall(ctx, args[1:], out)
	case "token":
		return runToken(args[1:], out)
	case "version":
		fmt.Fprintf(out, "graylinkctl %s (protocol %s)\n", version, device.ProtocolVersion)
		return nil
	case "-h", "--help", "help":
		fmt.Fprintln(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

type callOptions struct {
	addr       string
	name       string
	policy     string
	certFile   string
	keyFile    string
	caFile     string
	serverName string
	insecure   bool
	token      string
	timeout    time.Duration
}

func runCall(ctx context.Context, args []string, out io.Writer) error {
	var opts callOptions
	flags := pflag.NewFlagSet("call", pflag.ContinueOnError)
	flags.StringVarP(&opts.addr, "addr", "a", "127.0.0.1:7420", "daemon host:port or ws:// URL")
	flags.StringVarP(&opts.name, "name", "n", "graylinkctl", "name to register as")
	flags.StringVar(&opts.policy, "encryption", "enabled", "encryption policy: disabled, enabled, requested, required")
	flags.StringVar(&opts.certFile, "cert", "", "client certificate file")
	flags.StringVar(&opts.keyFile, "key", "", "client key file")
	flags.StringVar(&opts.caFile, "ca", "", "CA bundle to verify the daemon")
	flags.StringVar(&opts.serverName, "server-name", "", "expected server name (defaults to the dialled host)")
	flags.BoolVar(&opts.insecure, "insecure", false, "skip certificate verification")
	flags.StringVarP(&opts.token, "token", "t", os.Getenv("GRAYLINK_TOKEN"), "bearer token for WebSocket connections")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "overall deadline for connect, register and call")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.NArg() < 1 || flags.NArg() > 2 {
		return errors.New(usage)
	}
	method := flags.Arg(0)

	var params json.RawMessage
	if flags.NArg() == 2 {
		params = json.RawMessage(flags.Arg(1))
		if !json.Valid(params) {
			return fmt.Errorf("params are not valid JSON: %s", flags.Arg(1))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	t, err := dial(ctx, opts)
	if err != nil {
		return err
	}

	registry, err := device.NewRegistry(device.Options{
		Name:               opts.name,
		Roles:              device.RoleClient,
		RegistrationPeriod: opts.timeout,
		RequestTimeout:     opts.timeout,
	})
	if err != nil {
		return err
	}
	go device.NewScheduler(registry, 0).Run(ctx)

	d := registry.Attach(t)
	defer func() {
		d.Close(rpc.ReasonTerminated)
		<-d.Done()
	}()

	if err := waitRegistered(ctx, d); err != nil {
		return err
	}

	result, err := d.Call(ctx, method, params, opts.timeout)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return printJSON(out, result)
}

// dial opens the transport named by opts.addr.
func dial(ctx context.Context, opts callOptions) (transport.Transport, error) {
	if strings.HasPrefix(opts.addr, "ws://") || strings.HasPrefix(opts.addr, "wss://") {
		header := http.Header{}
		if opts.token != "" {
			header.Set("Authorization", "Bearer "+opts.token)
		}
		ws, err := transport.DialWebSocket(ctx, opts.addr, header, transport.WebSocketOptions{})
		if err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", opts.addr, err)
		}
		return ws, nil
	}

	policy, err := transport.ParsePolicy(opts.policy)
	if err != nil {
		return nil, err
	}
	sockOpts := transport.SocketOptions{Policy: policy}
	if policy != transport.PolicyDisabled {
		sockOpts.TLSConfig, err = transport.LoadTLSConfig(transport.TLSFiles{
			CertFile:           opts.certFile,
			KeyFile:            opts.keyFile,
			CAFile:             opts.caFile,
			ServerName:         opts.serverName,
			InsecureSkipVerify: opts.insecure,
		}, nil)
		if err != nil {
			return nil, err
		}
	}
	sock, err := transport.Dial(ctx, opts.addr, sockOpts)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", opts.addr, err)
	}
	return sock, nil
}

// waitRegistered blocks until both sides have registered, the Device
// closes, or ctx ends.
func waitRegistered(ctx context.Context, d *device.Device) error {
	ticker := time.NewTicker(registrationPoll)
	defer ticker.Stop()
	for !d.Registered() {
		select {
		case <-d.Done():
			_, reason := d.Closed()
			return fmt.Errorf("connection closed before registration: %s", reason)
		case <-ctx.Done():
			return fmt.Errorf("waiting for registration: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func printJSON(out io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runToken(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("token", pflag.ContinueOnError)
	secret := flags.StringP("secret", "s", os.Getenv("GRAYLINK_JWT_SECRET"), "HS256 signing secret")
	issuer := flags.String("issuer", "graylink", "token issuer")
	roleName := flags.StringP("role", "r", string(auth.RoleViewer), "role: viewer or operator")
	ttl := flags.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.NArg() != 1 {
		return errors.New(usage)
	}
	if *secret == "" {
		return errors.New("a signing secret is required (--secret or GRAYLINK_JWT_SECRET)")
	}

	role, err := auth.ParseRole(*roleName)
	if err != nil {
		return err
	}
	token, err := auth.IssueToken(flags.Arg(0), role, *secret, *issuer, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

// Command evalctl is an HTTP client CLI against the Gateway's external
// surface: submit, status, list, logs, and kill.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s submit <file> [options]     Submit source code for evaluation
                                  Options: -lang <tag> (default: python3)
                                           -timeout <seconds> (default: 10)
                                           -resource-class <name> (default: default)
  %s status <id>                 Show the current state of an evaluation
  %s list [options]               List evaluations
                                  Options: -status <status> -limit <n> -offset <n>
  %s logs <id>                   Fetch stdout/stderr for an evaluation
  %s kill <id>                   Request cancellation of a running evaluation
  %s doctor                      Check connectivity to the configured Gateway

ENVIRONMENT VARIABLES:
  EVALCTL_GATEWAY_ADDR    Gateway base address (default: http://127.0.0.1:8080)
  EVALCTL_API_KEY         Bearer token sent as "Authorization: Bearer <key>"
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := newClient()

	var code int
	switch strings.ToLower(strings.TrimSpace(os.Args[1])) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "submit":
		code = runSubmitCommand(ctx, client, os.Args[2:])
	case "status":
		code = runStatusCommand(ctx, client, os.Args[2:])
	case "list":
		code = runListCommand(ctx, client, os.Args[2:])
	case "logs":
		code = runLogsCommand(ctx, client, os.Args[2:])
	case "kill":
		code = runKillCommand(ctx, client, os.Args[2:])
	case "doctor":
		code = runDoctorCommand(ctx, client, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		printUsage()
		code = 2
	}
	os.Exit(code)
}

// gatewayClient wraps an *http.Client with the Gateway's base address and
// bearer token, both resolved from the environment.
type gatewayClient struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func newClient() *gatewayClient {
	base := strings.TrimSpace(os.Getenv("EVALCTL_GATEWAY_ADDR"))
	if base == "" {
		base = "http://127.0.0.1:8080"
	}
	return &gatewayClient{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  strings.TrimSpace(os.Getenv("EVALCTL_API_KEY")),
	}
}

func (c *gatewayClient) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

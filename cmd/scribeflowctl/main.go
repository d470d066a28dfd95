// Command scribeflowctl is a thin HTTP client over the admin surface
// internal/apihttp exposes, grounded on cmd/slctl's flag-dispatch
// layout: a small apiClient wrapping net/http, one handle* func per
// top-level verb, and --addr/--timeout globals read from flags; --addr
// defaults to $SCRIBEFLOW_ADDR, --timeout to a fixed 15s.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	defaultAddr := getenv("SCRIBEFLOW_ADDR", "http://localhost:8080")

	root := flag.NewFlagSet("scribeflowctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	addrFlag := root.String("addr", defaultAddr, "orchestrator admin base URL (env SCRIBEFLOW_ADDR)")
	timeoutFlag := root.Duration("timeout", 15*time.Second, "HTTP request timeout")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	client := &apiClient{
		baseURL: strings.TrimRight(*addrFlag, "/"),
		http:    &http.Client{Timeout: *timeoutFlag},
	}

	switch remaining[0] {
	case "engines":
		return handleEngines(ctx, client, remaining[1:])
	case "jobs":
		return handleJobs(ctx, client, remaining[1:])
	case "webhooks":
		return handleWebhooks(ctx, client, remaining[1:])
	case "sessions":
		return handleSessions(ctx, client, remaining[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func usageError(err error) error {
	printRootUsage()
	return err
}

func printRootUsage() {
	fmt.Println(`scribeflowctl: admin CLI for the transcription control plane

Usage:
  scribeflowctl [global flags] <command> [subcommand] [flags]

Global Flags:
  --addr     orchestrator admin base URL (env SCRIBEFLOW_ADDR, default http://localhost:8080)
  --timeout  HTTP timeout (default 15s)

Commands:
  engines list
  engines drain <id>
  jobs cancel <id>
  jobs retry-task <job-id> <task-id>
  webhooks deliveries list --tenant <id> [--limit N] [--offset N]
  sessions list
  sessions terminate <id>`)
}

type apiClient struct {
	baseURL string
	http    *http.Client
}

func (c *apiClient) request(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err == nil {
			if errStr, ok := parsed["error"].(string); ok && errStr != "" {
				msg = errStr
			}
		}
		return nil, fmt.Errorf("%s %s: %s (status %d)", method, path, msg, resp.StatusCode)
	}
	return data, nil
}

func prettyPrint(data []byte) {
	if len(data) == 0 {
		fmt.Println("(empty)")
		return
	}
	var dst bytes.Buffer
	if err := json.Indent(&dst, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(dst.String())
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ---------------------------------------------------------------------
// Engines

func handleEngines(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		fmt.Println(`Usage:
  scribeflowctl engines list
  scribeflowctl engines drain <engine-id>`)
		return nil
	}
	switch args[0] {
	case "list":
		data, err := client.request(ctx, http.MethodGet, "/admin/engines")
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "drain":
		if len(args) < 2 {
			return errors.New("engine id required")
		}
		data, err := client.request(ctx, http.MethodPost, "/admin/engines/"+args[1]+"/drain")
		if err != nil {
			return err
		}
		prettyPrint(data)
	default:
		return fmt.Errorf("unknown engines subcommand %q", args[0])
	}
	return nil
}

// ---------------------------------------------------------------------
// Jobs

func handleJobs(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		fmt.Println(`Usage:
  scribeflowctl jobs cancel <job-id>
  scribeflowctl jobs retry-task <job-id> <task-id>`)
		return nil
	}
	switch args[0] {
	case "cancel":
		if len(args) < 2 {
			return errors.New("job id required")
		}
		data, err := client.request(ctx, http.MethodPost, "/admin/jobs/"+args[1]+"/cancel")
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "retry-task":
		if len(args) < 3 {
			return errors.New("job id and task id required")
		}
		path := fmt.Sprintf("/admin/jobs/%s/tasks/%s/retry", args[1], args[2])
		data, err := client.request(ctx, http.MethodPost, path)
		if err != nil {
			return err
		}
		prettyPrint(data)
	default:
		return fmt.Errorf("unknown jobs subcommand %q", args[0])
	}
	return nil
}

// ---------------------------------------------------------------------
// Webhooks

func handleWebhooks(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 || args[0] != "deliveries" {
		fmt.Println(`Usage:
  scribeflowctl webhooks deliveries list --tenant <id> [--limit N] [--offset N]`)
		if len(args) == 0 {
			return nil
		}
		return fmt.Errorf("unknown webhooks subcommand %q", args[0])
	}
	if len(args) < 2 || args[1] != "list" {
		return fmt.Errorf("webhooks deliveries requires a subcommand")
	}
	fs := flag.NewFlagSet("webhooks deliveries list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var tenantID string
	var limit, offset int
	fs.StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	fs.IntVar(&limit, "limit", 0, "Maximum deliveries to return")
	fs.IntVar(&offset, "offset", 0, "Offset into the result set")
	if err := fs.Parse(args[2:]); err != nil {
		return err
	}
	if tenantID == "" {
		return errors.New("tenant is required (use --tenant)")
	}
	path := "/admin/webhooks/deliveries?tenant_id=" + url.QueryEscape(tenantID)
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	if offset > 0 {
		path += "&offset=" + strconv.Itoa(offset)
	}
	data, err := client.request(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

// ---------------------------------------------------------------------
// Sessions

func handleSessions(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		fmt.Println(`Usage:
  scribeflowctl sessions list
  scribeflowctl sessions terminate <session-id>`)
		return nil
	}
	switch args[0] {
	case "list":
		data, err := client.request(ctx, http.MethodGet, "/admin/sessions")
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "terminate":
		if len(args) < 2 {
			return errors.New("session id required")
		}
		data, err := client.request(ctx, http.MethodPost, "/admin/sessions/"+args[1]+"/terminate")
		if err != nil {
			return err
		}
		prettyPrint(data)
	default:
		return fmt.Errorf("unknown sessions subcommand %q", args[0])
	}
	return nil
}

// Package main provides a CI-friendly smoke test for a running sessiond.
//
// It validates:
//   - /healthz answers ok
//   - /readyz answers ready (both backends reachable)
//   - /metrics exposes the repository collectors
//   - request ids are echoed back
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxReadBytes = 1 << 20 // 1MiB

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:9090", "sessiond ops base URL")
		timeout = flag.Duration("timeout", 5*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	base := strings.TrimRight(*baseURL, "/")
	client := &http.Client{Timeout: *timeout}
	root := context.Background()

	mustGet(root, client, base+"/healthz", "ok", *verbose)
	mustGet(root, client, base+"/readyz", "ready", *verbose)
	mustGet(root, client, base+"/metrics", "sessiond_repository_operations_total", *verbose)

	fmt.Printf("OK: %s\n", base)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustGet(ctx context.Context, client *http.Client, target, want string, verbose bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		fatalf("%s: %v", target, err)
	}
	rid := uuid.NewString()
	req.Header.Set("X-Request-ID", rid)

	resp, err := client.Do(req)
	if err != nil {
		fatalf("%s: %v", target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		fatalf("%s: read body: %v", target, err)
	}
	if resp.StatusCode != http.StatusOK {
		fatalf("%s: status %d: %s", target, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if !strings.Contains(string(body), want) {
		fatalf("%s: body does not contain %q", target, want)
	}
	if got := resp.Header.Get("X-Request-ID"); got != rid {
		fatalf("%s: request id not echoed: got %q want %q", target, got, rid)
	}
	if verbose {
		fmt.Printf("ok: %s (%d bytes)\n", target, len(body))
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

// Command onehop-client dials a directory authority, builds a single-hop
// circuit against it, and fetches one directory resource over a
// RELAY_BEGIN_DIR stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onehop/tor/directory"
	"github.com/onehop/tor/link"
	"github.com/onehop/tor/proxy"
	"github.com/onehop/tor/reactor"
)

// Version is set at build time via ldflags.
var Version = "dev"

const requestID = "cli"

func main() {
	authPath := flag.String("authorities", "authorities.json", "path to the directory authority table")
	resource := flag.String("resource", "/tor/status-vote/current/consensus", "directory resource path to GET")
	verifyCerts := flag.Bool("verify-certs", false, "validate the relay's CERTS cell before trusting the link")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline for the fetch")
	flag.Parse()

	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== onehop-client %s ===\n", Version)

	authorities, err := directory.LoadAuthorities(*authPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load authorities: %v\n", err)
		os.Exit(1)
	}

	rx := reactor.NewPollReactor()
	done := make(chan struct{})
	d := newCLIDelivery(*resource, done)

	coord := proxy.NewCoordinator(authorities, link.Config{VerifyCerts: *verifyCerts}, rx, d, logger)
	if err := coord.OpenDirectoryStream(requestID); err != nil {
		fmt.Fprintf(os.Stderr, "open directory stream: %v\n", err)
		os.Exit(1)
	}
	d.coord = coord

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := runLoop(ctx, rx, done, sigCh, logger); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// runLoop drives the reactor until the fetch completes, the context
// deadline passes, or a termination signal arrives.
func runLoop(ctx context.Context, rx reactor.Reactor, done <-chan struct{}, sigCh <-chan os.Signal, logger *slog.Logger) error {
	for {
		select {
		case <-done:
			return nil
		case <-sigCh:
			logger.Info("interrupted, shutting down")
			return nil
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for directory fetch: %w", ctx.Err())
		default:
		}

		if _, err := rx.Poll(200); err != nil {
			return fmt.Errorf("reactor poll: %w", err)
		}
	}
}

// cliDelivery implements proxy.Delivery: it writes the HTTP GET once
// connected, prints the raw HTTP response (headers and body) as it
// arrives, and closes done once
// the stream ends.
type cliDelivery struct {
	resource string
	coord    *proxy.Coordinator
	done     chan struct{}
}

func newCLIDelivery(resource string, done chan struct{}) *cliDelivery {
	return &cliDelivery{resource: resource, done: done}
}

func (d *cliDelivery) OnDirectoryConnected(requestID string) {
	request := fmt.Sprintf("GET %s HTTP/1.0\r\nHost: tor-directory\r\nConnection: close\r\n\r\n", d.resource)
	if err := d.coord.Write(requestID, []byte(request)); err != nil {
		fmt.Fprintf(os.Stderr, "write request: %v\n", err)
		close(d.done)
	}
}

func (d *cliDelivery) OnDirectoryData(requestID string, data []byte) {
	os.Stdout.Write(data)
}

func (d *cliDelivery) OnDirectoryEnd(requestID string, reason uint8) {
	close(d.done)
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("onehop-client.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stderrHandler}})
	return logger, logFile
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}

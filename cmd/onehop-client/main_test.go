package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/onehop/tor/link"
	"github.com/onehop/tor/proxy"
	"github.com/onehop/tor/reactor"
)

// idleReactor satisfies reactor.Reactor by doing nothing; runLoop's own
// select over done/sigCh/ctx.Done is what these tests exercise, not a real
// poll(2) loop.
type idleReactor struct{}

func (idleReactor) Register(fd int, events reactor.Event, h reactor.Handler) {}
func (idleReactor) Unregister(fd int)                                        {}
func (idleReactor) Poll(timeoutMillis int) (int, error)                      { return 0, nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunLoopReturnsOnDone(t *testing.T) {
	done := make(chan struct{})
	close(done)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := runLoop(ctx, idleReactor{}, done, make(chan os.Signal), testLogger()); err != nil {
		t.Fatalf("expected runLoop to return nil on done, got %v", err)
	}
}

func TestRunLoopReturnsOnSignal(t *testing.T) {
	done := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	sigCh <- os.Interrupt
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := runLoop(ctx, idleReactor{}, done, sigCh, testLogger()); err != nil {
		t.Fatalf("expected runLoop to return nil on signal, got %v", err)
	}
}

func TestRunLoopReturnsErrorOnTimeout(t *testing.T) {
	done := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	time.Sleep(5 * time.Millisecond)

	if err := runLoop(ctx, idleReactor{}, done, make(chan os.Signal), testLogger()); err == nil {
		t.Fatal("expected runLoop to return an error once the context deadline passes")
	}
}

func TestCLIDeliveryClosesDoneOnEnd(t *testing.T) {
	done := make(chan struct{})
	d := newCLIDelivery("/tor/status-vote/current/consensus", done)

	d.OnDirectoryEnd(requestID, 0)

	select {
	case <-done:
	default:
		t.Fatal("expected OnDirectoryEnd to close the done channel")
	}
}

func TestCLIDeliveryClosesDoneOnWriteFailure(t *testing.T) {
	done := make(chan struct{})
	d := newCLIDelivery("/tor/status-vote/current/consensus", done)
	// No stream has actually been opened for requestID, so Write fails and
	// OnDirectoryConnected should treat that as fatal.
	d.coord = proxy.NewCoordinator(nil, link.Config{}, idleReactor{}, d, testLogger())

	d.OnDirectoryConnected(requestID)

	select {
	case <-done:
	default:
		t.Fatal("expected a write failure to close the done channel")
	}
}

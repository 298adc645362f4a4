// Package proxy wires together a dialed LinkConn, its single circuit, and
// queued directory-stream requests: the entry point callers use instead of
// driving link/circuit/stream directly.
package proxy

import (
	"fmt"
	"log/slog"

	"github.com/onehop/tor/circuit"
	"github.com/onehop/tor/directory"
	"github.com/onehop/tor/link"
	"github.com/onehop/tor/reactor"
	"github.com/onehop/tor/stream"
)

// Delivery receives the results of directory streams opened through a
// Coordinator, keyed by the requestID passed to OpenDirectoryStream —
// since several requests may share one underlying circuit, a Coordinator
// cannot simply implement stream.StreamObserver itself (that interface
// carries no id to tell callbacks apart); it hands each Stream a small
// per-request adapter that forwards into Delivery with the id attached.
type Delivery interface {
	OnDirectoryConnected(requestID string)
	OnDirectoryData(requestID string, data []byte)
	OnDirectoryEnd(requestID string, reason uint8)
}

type pendingRequest struct {
	id string
}

type requestObserver struct {
	coord *Coordinator
	id    string
}

func (o *requestObserver) OnConnected()       { o.coord.out.OnDirectoryConnected(o.id) }
func (o *requestObserver) OnData(data []byte) { o.coord.out.OnDirectoryData(o.id, data) }
func (o *requestObserver) OnEnd(reason uint8) {
	delete(o.coord.streams, o.id)
	o.coord.out.OnDirectoryEnd(o.id, reason)
}

// Coordinator owns at most one outbound link to a directory authority at a
// time. Requests made before the link and its circuit are ready queue and
// drain automatically once the circuit reports established.
type Coordinator struct {
	authorities []directory.Authority
	cfg         link.Config
	rx          reactor.Reactor
	logger      *slog.Logger
	out         Delivery

	dialing bool
	ready   bool
	lc      *link.LinkConn
	circ    *circuit.Circuit

	queue   []pendingRequest
	streams map[string]*stream.Stream
}

// NewCoordinator constructs a Coordinator that dials the first of
// authorities (never a later entry, even after a dial or handshake failure)
// and reports stream events through out.
func NewCoordinator(authorities []directory.Authority, cfg link.Config, rx reactor.Reactor, out Delivery, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		authorities: authorities,
		cfg:         cfg,
		rx:          rx,
		out:         out,
		logger:      logger,
		streams:     make(map[string]*stream.Stream),
	}
}

// OpenDirectoryStream opens a RELAY_BEGIN_DIR stream for requestID,
// dialing a directory authority and establishing a circuit first if none
// is ready yet. Results arrive asynchronously through Delivery.
func (c *Coordinator) OpenDirectoryStream(requestID string) error {
	if c.ready {
		return c.openNow(requestID)
	}
	c.queue = append(c.queue, pendingRequest{id: requestID})
	if !c.dialing {
		return c.dialNext()
	}
	return nil
}

func (c *Coordinator) openNow(requestID string) error {
	obs := &requestObserver{coord: c, id: requestID}
	s, err := stream.OpenDir(c.circ, obs)
	if err != nil {
		return err
	}
	if c.streams == nil {
		c.streams = make(map[string]*stream.Stream)
	}
	c.streams[requestID] = s
	return nil
}

// Write sends data on the directory stream identified by requestID — the
// HTTP request line and headers a directory stream carries once
// Delivery.OnDirectoryConnected fires.
func (c *Coordinator) Write(requestID string, data []byte) error {
	s, ok := c.streams[requestID]
	if !ok {
		return fmt.Errorf("no open directory stream for request %q", requestID)
	}
	return s.Write(data)
}

// CloseStream ends the directory stream identified by requestID.
func (c *Coordinator) CloseStream(requestID string) error {
	s, ok := c.streams[requestID]
	if !ok {
		return nil
	}
	delete(c.streams, requestID)
	return s.Close()
}

// dialNext always dials the first configured authority: the directory-stream
// path this client implements never falls back to a secondary authority on
// failure, matching the source this was distilled from.
func (c *Coordinator) dialNext() error {
	if len(c.authorities) == 0 {
		return fmt.Errorf("no directory authorities configured")
	}
	authority := c.authorities[0]
	c.dialing = true

	c.logger.Info("dialing directory authority", "name", authority.Name, "addr", authority.Addr())
	lc, err := link.Dial(authority.Addr(), c.cfg, c.rx, c.logger)
	if err != nil {
		c.dialing = false
		c.logger.Error("dial failed", "name", authority.Name, "err", err)
		return err
	}
	c.lc = lc
	lc.OnReady(func() { c.onLinkReady(authority) })
	lc.OnClose(func(err error) { c.onLinkClosed(err) })
	return lc.Start()
}

func (c *Coordinator) onLinkReady(authority directory.Authority) {
	circ, err := c.lc.OpenCircuit()
	if err != nil {
		c.logger.Error("failed to allocate circuit", "err", err)
		c.onLinkClosed(err)
		return
	}
	c.circ = circ
	circ.OnEstablished(func() { c.onCircuitEstablished() })
	circ.OnClosed(func(err error) { c.onLinkClosed(err) })

	if err := circ.CreateNtor(authority.Identity, authority.NtorOnionKey); err != nil {
		c.logger.Error("failed to start ntor handshake", "err", err)
		c.onLinkClosed(err)
	}
}

func (c *Coordinator) onCircuitEstablished() {
	c.dialing = false
	c.ready = true
	c.drainQueue()
}

func (c *Coordinator) drainQueue() {
	pending := c.queue
	c.queue = nil
	for _, req := range pending {
		if err := c.openNow(req.id); err != nil {
			c.logger.Error("failed to open queued directory stream", "request", req.id, "err", err)
		}
	}
}

func (c *Coordinator) onLinkClosed(err error) {
	c.dialing = false
	c.ready = false
	c.lc = nil
	c.circ = nil
	if err != nil && len(c.queue) > 0 {
		c.logger.Warn("link closed with requests still queued, redialing", "err", err, "queued", len(c.queue))
		_ = c.dialNext()
	}
}

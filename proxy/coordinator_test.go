package proxy

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/onehop/tor/cell"
	"github.com/onehop/tor/circuit"
	"github.com/onehop/tor/link"
)

type fakeSender struct {
	sent []cell.Cell
}

func (f *fakeSender) SendCell(c cell.Cell) error {
	f.sent = append(f.sent, c)
	return nil
}

// establishedCircuit builds a CREATE_FAST-established circuit the same way
// circuit_test.go's establishedPair does, so the coordinator can route
// SendRelay calls through something that won't panic on a nil crypto state.
func establishedCircuit(t *testing.T) (*circuit.Circuit, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	c := circuit.New(0x80000001, sender, nil)
	if err := c.CreateFast(); err != nil {
		t.Fatal(err)
	}

	// The relay's half of the handshake is irrelevant to these tests beyond
	// producing a CREATED_FAST response that establishes the circuit.
	var y [20]byte
	for i := range y {
		y[i] = 0x03
	}
	payload := make([]byte, cell.MaxPayloadLen)
	copy(payload[:20], y[:])
	if err := c.HandleCell(cell.Cell{CircID: c.ID, Command: cell.CmdCreatedFast, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	if c.State != circuit.StateEstablished {
		t.Fatal("expected circuit established")
	}
	sender.sent = nil // discard the CREATE_FAST
	return c, sender
}

type fakeDelivery struct {
	connected []string
	data      map[string][][]byte
	ended     map[string]uint8
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{data: make(map[string][][]byte), ended: make(map[string]uint8)}
}

func (d *fakeDelivery) OnDirectoryConnected(requestID string) {
	d.connected = append(d.connected, requestID)
}
func (d *fakeDelivery) OnDirectoryData(requestID string, data []byte) {
	d.data[requestID] = append(d.data[requestID], append([]byte(nil), data...))
}
func (d *fakeDelivery) OnDirectoryEnd(requestID string, reason uint8) {
	d.ended[requestID] = reason
}

func TestRequestObserverRoutesByID(t *testing.T) {
	out := newFakeDelivery()
	c := &Coordinator{out: out}
	obs := &requestObserver{coord: c, id: "req-a"}

	obs.OnConnected()
	obs.OnData([]byte("payload"))
	obs.OnEnd(3)

	if len(out.connected) != 1 || out.connected[0] != "req-a" {
		t.Fatalf("expected connected callback for req-a, got %v", out.connected)
	}
	if len(out.data["req-a"]) != 1 || string(out.data["req-a"][0]) != "payload" {
		t.Fatalf("expected data callback for req-a, got %v", out.data)
	}
	if out.ended["req-a"] != 3 {
		t.Fatalf("expected end reason 3 for req-a, got %d", out.ended["req-a"])
	}
}

func TestOpenDirectoryStreamOpensImmediatelyWhenReady(t *testing.T) {
	circ, sender := establishedCircuit(t)
	out := newFakeDelivery()
	c := &Coordinator{out: out, ready: true, circ: circ, logger: slog.Default()}

	if err := c.OpenDirectoryStream("req-1"); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 || sender.sent[0].Command != cell.CmdRelay {
		t.Fatalf("expected a RELAY_BEGIN_DIR cell to be sent immediately, got %+v", sender.sent)
	}
	if len(c.queue) != 0 {
		t.Fatalf("expected nothing queued once ready, got %d", len(c.queue))
	}
}

func TestOpenDirectoryStreamQueuesWhenNotReadyAndNoAuthorities(t *testing.T) {
	out := newFakeDelivery()
	c := NewCoordinator(nil, link.Config{}, nil, out, nil)

	err := c.OpenDirectoryStream("req-1")
	if err == nil {
		t.Fatal("expected an error with no authorities configured")
	}
	if len(c.queue) != 1 || c.queue[0].id != "req-1" {
		t.Fatalf("expected req-1 to remain queued, got %+v", c.queue)
	}
}

func TestDrainQueueOpensAllQueuedRequestsOnceEstablished(t *testing.T) {
	circ, sender := establishedCircuit(t)
	out := newFakeDelivery()
	c := &Coordinator{out: out, circ: circ, logger: slog.Default()}
	c.queue = []pendingRequest{{id: "req-1"}, {id: "req-2"}}

	c.onCircuitEstablished()

	if !c.ready {
		t.Fatal("expected coordinator to be marked ready")
	}
	if len(c.queue) != 0 {
		t.Fatalf("expected queue drained, got %d remaining", len(c.queue))
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 RELAY_BEGIN_DIR cells sent, got %d", len(sender.sent))
	}
}

func TestWriteSendsOnTheNamedStream(t *testing.T) {
	circ, sender := establishedCircuit(t)
	out := newFakeDelivery()
	c := &Coordinator{out: out, ready: true, circ: circ, logger: slog.Default()}

	if err := c.OpenDirectoryStream("req-1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Write("req-1", []byte("GET /tor/status-vote/current/consensus HTTP/1.0\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected RELAY_BEGIN_DIR + RELAY_DATA, got %d cells", len(sender.sent))
	}

	if err := c.Write("unknown-request", []byte("x")); err == nil {
		t.Fatal("expected an error writing to an unopened request id")
	}
}

func TestCloseStreamEndsAndForgetsTheStream(t *testing.T) {
	circ, sender := establishedCircuit(t)
	out := newFakeDelivery()
	c := &Coordinator{out: out, ready: true, circ: circ, logger: slog.Default()}

	if err := c.OpenDirectoryStream("req-1"); err != nil {
		t.Fatal(err)
	}
	if err := c.CloseStream("req-1"); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected RELAY_BEGIN_DIR + RELAY_END, got %d cells", len(sender.sent))
	}
	if _, ok := c.streams["req-1"]; ok {
		t.Fatal("expected req-1 to be forgotten after close")
	}
	if err := c.CloseStream("req-1"); err != nil {
		t.Fatalf("expected closing an already-closed request to be a no-op, got %v", err)
	}
}

func TestOnLinkClosedResetsStateAndRedialsIfQueued(t *testing.T) {
	out := newFakeDelivery()
	c := NewCoordinator(nil, link.Config{}, nil, out, nil)
	c.ready = true
	c.dialing = false
	c.queue = []pendingRequest{{id: "req-1"}}

	c.onLinkClosed(errors.New("link dropped"))

	if c.ready {
		t.Fatal("expected ready to be cleared on close")
	}
	if c.dialing {
		t.Fatal("expected dialing to end once redial fails with no authorities configured")
	}
}

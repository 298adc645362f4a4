// Package stream implements a Tor stream multiplexed over a Circuit: the
// RELAY_BEGIN/RELAY_BEGIN_DIR open handshake, RELAY_DATA fragmentation and
// delivery, and stream-level SENDME flow control.
//
// Unlike a conventional io.ReadWriteCloser, Stream is driven by push: the
// owning Circuit calls Deliver* as relay cells for this stream arrive, and
// the caller is notified through a StreamObserver rather than by blocking
// on a Read. This matches the single-threaded reactor this module runs
// under — there is no background goroutine reading on the stream's behalf.
package stream

import (
	"fmt"
	"sync/atomic"

	"github.com/onehop/tor/cell"
	"github.com/onehop/tor/circuit"
	"github.com/onehop/tor/txerr"
)

// nextStreamID is a global atomic counter for stream ID allocation.
var nextStreamID atomic.Uint32

const (
	initialStreamWindow = 500
	streamSendMeAmount  = 50
	recvCadence         = 50

	relayEndReasonDone = 6
)

// StreamObserver receives asynchronous stream events. Implementations
// should not block: these are invoked synchronously from the reactor's
// cell-dispatch path.
type StreamObserver interface {
	OnConnected()
	OnData(data []byte)
	OnEnd(reason uint8)
}

// CircuitHandle is the subset of *circuit.Circuit a Stream depends on,
// kept narrow so tests can substitute a fake.
type CircuitHandle interface {
	SendRelay(command uint8, streamID uint16, data []byte) error
	AddStream(h circuit.StreamHandle)
	RemoveStream(id uint16)
}

type pendingWrite struct {
	data []byte
}

// Stream is one stream over a single-hop circuit.
type Stream struct {
	id     uint16
	circ   CircuitHandle
	obs    StreamObserver
	closed bool

	streamWindow int
	pending      []pendingWrite

	recvCount int
}

func allocateStreamID() (uint16, error) {
	for attempts := 0; attempts < 0x10000; attempts++ {
		id := uint16(nextStreamID.Add(1))
		if id != 0 {
			return id, nil
		}
	}
	return 0, fmt.Errorf("stream id space exhausted")
}

// Open allocates a stream, registers it on circ, and sends RELAY_BEGIN for
// target ("host:port"). Completion is asynchronous: obs.OnConnected or
// obs.OnEnd fires when the relay responds.
func Open(circ CircuitHandle, target string, obs StreamObserver) (*Stream, error) {
	id, err := allocateStreamID()
	if err != nil {
		return nil, err
	}
	s := &Stream{id: id, circ: circ, obs: obs, streamWindow: initialStreamWindow}
	circ.AddStream(s)

	payload := make([]byte, len(target)+1+4)
	copy(payload, target)
	if err := circ.SendRelay(cell.RelayBegin, id, payload); err != nil {
		circ.RemoveStream(id)
		return nil, fmt.Errorf("send RELAY_BEGIN: %w", err)
	}
	return s, nil
}

// OpenDir is Open's directory-stream counterpart: RELAY_BEGIN_DIR carries
// no target, routing the stream to the relay's directory port instead of a
// given host:port.
func OpenDir(circ CircuitHandle, obs StreamObserver) (*Stream, error) {
	id, err := allocateStreamID()
	if err != nil {
		return nil, err
	}
	s := &Stream{id: id, circ: circ, obs: obs, streamWindow: initialStreamWindow}
	circ.AddStream(s)

	if err := circ.SendRelay(cell.RelayBeginDir, id, nil); err != nil {
		circ.RemoveStream(id)
		return nil, fmt.Errorf("send RELAY_BEGIN_DIR: %w", err)
	}
	return s, nil
}

// ID returns the stream id (satisfies circuit.StreamHandle).
func (s *Stream) ID() uint16 { return s.id }

// Write fragments p into up-to-498-byte RELAY_DATA cells and sends them.
// A fragment is queued locally rather than sent immediately once the
// stream's own package window is exhausted; queued fragments flush as
// stream-level SENDME cells arrive (DeliverSendMe).
func (s *Stream) Write(p []byte) error {
	if s.closed {
		return &txerr.StreamClosedError{StreamID: s.id}
	}
	for len(p) > 0 {
		chunk := p
		if len(chunk) > cell.MaxRelayDataLen {
			chunk = p[:cell.MaxRelayDataLen]
		}
		p = p[len(chunk):]

		if s.streamWindow <= 0 {
			s.pending = append(s.pending, pendingWrite{data: chunk})
			continue
		}
		if err := s.circ.SendRelay(cell.RelayData, s.id, chunk); err != nil {
			return fmt.Errorf("send RELAY_DATA: %w", err)
		}
		s.streamWindow--
	}
	return nil
}

func (s *Stream) flushPending() error {
	for s.streamWindow > 0 && len(s.pending) > 0 {
		w := s.pending[0]
		s.pending = s.pending[1:]
		if err := s.circ.SendRelay(cell.RelayData, s.id, w.data); err != nil {
			return err
		}
		s.streamWindow--
	}
	return nil
}

// Close sends RELAY_END and unregisters the stream.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.circ.SendRelay(cell.RelayEnd, s.id, []byte{relayEndReasonDone})
	s.circ.RemoveStream(s.id)
	return err
}

// DeliverConnected satisfies circuit.StreamHandle: the circuit calls this
// on an inbound RELAY_CONNECTED addressed to this stream.
func (s *Stream) DeliverConnected() {
	if s.obs != nil {
		s.obs.OnConnected()
	}
}

// DeliverData satisfies circuit.StreamHandle: the circuit calls this on
// an inbound RELAY_DATA addressed to this stream. Every recvCadence cells
// received, a stream-level RELAY_SENDME is emitted; this is separate from
// the circuit-level SENDME the circuit emits on its own deliver window.
func (s *Stream) DeliverData(data []byte) error {
	if s.obs != nil {
		s.obs.OnData(data)
	}
	s.recvCount++
	if s.recvCount >= recvCadence {
		s.recvCount = 0
		if err := s.circ.SendRelay(cell.RelaySendMe, s.id, nil); err != nil {
			return fmt.Errorf("send stream SENDME: %w", err)
		}
	}
	return nil
}

// DeliverEnd satisfies circuit.StreamHandle.
func (s *Stream) DeliverEnd() {
	s.closed = true
	if s.obs != nil {
		s.obs.OnEnd(0)
	}
}

// DeliverSendMe satisfies circuit.StreamHandle: an inbound stream-level
// RELAY_SENDME replenishes this stream's package window and flushes
// anything queued by Write while it was exhausted.
func (s *Stream) DeliverSendMe() {
	s.streamWindow += streamSendMeAmount
	_ = s.flushPending()
}

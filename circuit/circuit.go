// Package circuit implements a single-hop Tor circuit: the ntor/TAP
// handshake that establishes it, the cryptographic demultiplexing of
// inbound relay cells to streams, and circuit-level SENDME flow control.
package circuit

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/onehop/tor/cell"
	"github.com/onehop/tor/crypto"
	"github.com/onehop/tor/txerr"
)

// State is a Circuit's lifecycle state (spec.md §3).
type State int

const (
	StateNew State = iota
	StateHandshaking
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const (
	initialDeliverWindow = 1000
	initialPackageWindow = 1000
	deliverWindowFloor   = 900
	deliverSendMeAmount  = 100
)

// CellSender is the non-owning upward reference a Circuit uses to put
// cells on the wire. A LinkConn implements it.
type CellSender interface {
	SendCell(c cell.Cell) error
}

// StreamHandle is the interface a Circuit uses to dispatch decrypted
// relay cells to the addressed Stream, without importing the stream
// package (which imports circuit, not the reverse).
type StreamHandle interface {
	ID() uint16
	DeliverData(data []byte) error
	DeliverConnected()
	DeliverEnd()
	DeliverSendMe()
}

type pendingRelay struct {
	command  uint8
	streamID uint16
	data     []byte
}

// Circuit is a single-hop circuit over a link.
type Circuit struct {
	ID     uint32
	State  State
	logger *slog.Logger

	sender CellSender
	cs     *crypto.CryptoState

	streams map[uint16]StreamHandle

	deliverWindow int
	packageWindow int

	pendingSends []pendingRelay

	ntorHS *crypto.NtorHandshake
	tapHS  *crypto.TapHandshake

	onEstablished func()
	onClosed      func(err error)
}

// New constructs a NEW circuit. The caller allocates ID (see AllocateID)
// and owns the Circuit from here on.
func New(id uint32, sender CellSender, logger *slog.Logger) *Circuit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Circuit{
		ID:            id,
		State:         StateNew,
		logger:        logger,
		sender:        sender,
		streams:       make(map[uint16]StreamHandle),
		deliverWindow: initialDeliverWindow,
		packageWindow: initialPackageWindow,
	}
}

// AllocateID picks a random 32-bit circuit id with the client-originator
// bit (MSB) set. The caller (LinkConn) is responsible for rejecting
// collisions against ids already in use on the link.
func AllocateID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	id := binary.BigEndian.Uint32(buf[:])
	id |= 0x80000000
	return id, nil
}

// OnEstablished registers a callback invoked once the handshake completes.
func (c *Circuit) OnEstablished(f func()) { c.onEstablished = f }

// OnClosed registers a callback invoked when the circuit tears down,
// whether due to DESTROY, TRUNCATED, or a fatal protocol error (err is nil
// only when the circuit was closed locally with Destroy; a DESTROY from the
// relay carries a non-nil err).
func (c *Circuit) OnClosed(f func(err error)) { c.onClosed = f }

// CreateNtor starts an ntor (CREATE2) handshake against a relay identified
// by nodeID/ntorKey, sending the CREATE2 cell. Completion is asynchronous:
// the handshake finishes when a CREATED2 cell reaches HandleCell.
func (c *Circuit) CreateNtor(nodeID [20]byte, ntorKey [32]byte) error {
	hs, err := crypto.NewNtorHandshake(nodeID, ntorKey)
	if err != nil {
		return fmt.Errorf("ntor handshake init: %w", err)
	}
	c.ntorHS = hs
	c.State = StateHandshaking

	clientData := hs.ClientData()
	payload := make([]byte, cell.MaxPayloadLen)
	binary.BigEndian.PutUint16(payload[0:2], 0x0002) // HTYPE = ntor
	binary.BigEndian.PutUint16(payload[2:4], 84)     // HLEN = 84
	copy(payload[4:88], clientData[:])

	create2 := cell.Cell{CircID: c.ID, Command: cell.CmdCreate2, Payload: payload}
	c.logger.Debug("sending CREATE2", "circID", fmt.Sprintf("0x%08x", c.ID))
	return c.sender.SendCell(create2)
}

// CreateFast starts a CREATE_FAST handshake.
func (c *Circuit) CreateFast() error {
	hs, err := crypto.NewTapHandshake()
	if err != nil {
		return fmt.Errorf("CREATE_FAST init: %w", err)
	}
	c.tapHS = hs
	c.State = StateHandshaking

	payload := make([]byte, cell.MaxPayloadLen)
	copy(payload[:20], hs.X[:])

	createFast := cell.Cell{CircID: c.ID, Command: cell.CmdCreateFast, Payload: payload}
	c.logger.Debug("sending CREATE_FAST", "circID", fmt.Sprintf("0x%08x", c.ID))
	return c.sender.SendCell(createFast)
}

// HandleCell dispatches a cell addressed to this circuit (its circuit id
// already matched by the owning LinkConn).
func (c *Circuit) HandleCell(ic cell.Cell) error {
	switch ic.Command {
	case cell.CmdCreated2:
		return c.completeNtor(ic.Payload)
	case cell.CmdCreatedFast:
		return c.completeTap(ic.Payload)
	case cell.CmdRelay, cell.CmdRelayEarly:
		return c.handleRelay(ic.Payload)
	case cell.CmdDestroy:
		reason := uint8(0)
		if len(ic.Payload) > 0 {
			reason = ic.Payload[0]
		}
		c.teardown(fmt.Errorf("circuit destroyed by relay (reason=%d)", reason))
		return nil
	default:
		return txerr.NewCellError("unexpected cell command %d on circuit", ic.Command)
	}
}

func (c *Circuit) completeNtor(payload []byte) error {
	if c.ntorHS == nil {
		return txerr.NewHandshakeError("circuit", "CREATED2 received without a pending ntor handshake")
	}
	hlen := binary.BigEndian.Uint16(payload[0:2])
	if hlen != 64 {
		return txerr.NewHandshakeError("circuit", "CREATED2 HLEN=%d, expected 64", hlen)
	}
	var serverData [64]byte
	copy(serverData[:], payload[2:66])

	km, err := c.ntorHS.Complete(serverData)
	c.ntorHS = nil
	if err != nil {
		c.teardown(err)
		return nil
	}
	return c.finishHandshake(km)
}

func (c *Circuit) completeTap(payload []byte) error {
	if c.tapHS == nil {
		return txerr.NewHandshakeError("circuit", "CREATED_FAST received without a pending TAP handshake")
	}
	var y [20]byte
	copy(y[:], payload[:20])
	km := c.tapHS.Complete(y)
	c.tapHS = nil
	return c.finishHandshake(km)
}

func (c *Circuit) finishHandshake(km *crypto.KeyMaterial) error {
	cs, err := crypto.NewCryptoState(km, true)
	if err != nil {
		return fmt.Errorf("init circuit crypto state: %w", err)
	}
	c.cs = cs
	c.State = StateEstablished
	c.logger.Info("circuit established", "circID", fmt.Sprintf("0x%08x", c.ID))
	if c.onEstablished != nil {
		c.onEstablished()
	}
	return nil
}

// AddStream registers a stream under its id.
func (c *Circuit) AddStream(h StreamHandle) { c.streams[h.ID()] = h }

// RemoveStream unregisters a stream.
func (c *Circuit) RemoveStream(id uint16) { delete(c.streams, id) }

// Destroy sends a DESTROY cell and tears down the circuit locally.
func (c *Circuit) Destroy() error {
	payload := make([]byte, cell.MaxPayloadLen)
	destroy := cell.Cell{CircID: c.ID, Command: cell.CmdDestroy, Payload: payload}
	err := c.sender.SendCell(destroy)
	c.teardown(nil)
	return err
}

func (c *Circuit) teardown(err error) {
	if c.State == StateClosed {
		return
	}
	c.State = StateClosed
	for id, s := range c.streams {
		s.DeliverEnd()
		delete(c.streams, id)
	}
	if c.onClosed != nil {
		c.onClosed(err)
	}
}

package circuit

import (
	"github.com/onehop/tor/cell"
	"github.com/onehop/tor/txerr"
)

const (
	circuitSendMeIncrement = 100
	streamSendMeIncrement  = 50
)

// SendRelay builds, digests, and encrypts a relay cell and hands it to the
// link. If the circuit's package window is exhausted it is queued instead
// (spec.md §5's suspension point: "waiting on a closed package-window for
// an inbound SENDME"), to be flushed once a circuit-level SENDME arrives.
func (c *Circuit) SendRelay(command uint8, streamID uint16, data []byte) error {
	if c.cs == nil {
		return txerr.NewHandshakeError("circuit", "SendRelay called before circuit established")
	}
	if c.packageWindow <= 0 {
		c.pendingSends = append(c.pendingSends, pendingRelay{command: command, streamID: streamID, data: data})
		return nil
	}
	return c.sendRelayNow(command, streamID, data)
}

func (c *Circuit) sendRelayNow(command uint8, streamID uint16, data []byte) error {
	payload := c.cs.Seal(cell.RelayCell{Command: command, StreamID: streamID, Data: data})
	c.packageWindow--
	return c.sender.SendCell(cell.Cell{CircID: c.ID, Command: cell.CmdRelay, Payload: payload})
}

func (c *Circuit) flushPending() error {
	for c.packageWindow > 0 && len(c.pendingSends) > 0 {
		p := c.pendingSends[0]
		c.pendingSends = c.pendingSends[1:]
		if err := c.sendRelayNow(p.command, p.streamID, p.data); err != nil {
			return err
		}
	}
	return nil
}

// sendCircuitSendMe emits a circuit-level RELAY_SENDME (stream id 0). It
// bypasses the package window — SENDME cells are flow-control signaling,
// not data subject to flow control.
func (c *Circuit) sendCircuitSendMe() error {
	payload := c.cs.Seal(cell.RelayCell{Command: cell.RelaySendMe, StreamID: 0})
	return c.sender.SendCell(cell.Cell{CircID: c.ID, Command: cell.CmdRelay, Payload: payload})
}

func (c *Circuit) handleRelay(ciphertext []byte) error {
	rc, err := c.cs.Open(ciphertext)
	if err != nil {
		c.teardown(err)
		return nil
	}

	switch rc.Command {
	case cell.RelayData:
		return c.handleRelayData(rc)
	case cell.RelayConnected:
		if s, ok := c.streams[rc.StreamID]; ok {
			s.DeliverConnected()
		}
	case cell.RelayEnd:
		if s, ok := c.streams[rc.StreamID]; ok {
			s.DeliverEnd()
			c.RemoveStream(rc.StreamID)
		}
	case cell.RelaySendMe:
		return c.handleSendMe(rc.StreamID)
	case cell.RelayTruncated:
		c.teardown(txerr.NewHandshakeError("circuit", "received RELAY_TRUNCATED"))
	default:
		// Unrecognized relay commands are ignored rather than torn down —
		// spec.md scopes this core to the commands it names.
	}
	return nil
}

func (c *Circuit) handleRelayData(rc cell.RelayCell) error {
	s, ok := c.streams[rc.StreamID]
	if !ok {
		return nil // stream already closed locally; drop
	}
	if err := s.DeliverData(rc.Data); err != nil {
		return err
	}

	c.deliverWindow--
	if c.deliverWindow <= deliverWindowFloor {
		c.deliverWindow += deliverSendMeAmount
		if err := c.sendCircuitSendMe(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Circuit) handleSendMe(streamID uint16) error {
	if streamID == 0 {
		c.packageWindow += circuitSendMeIncrement
		return c.flushPending()
	}
	if s, ok := c.streams[streamID]; ok {
		s.DeliverSendMe()
	}
	return nil
}

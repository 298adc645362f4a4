package cell

import (
	"encoding/binary"

	"github.com/onehop/tor/txerr"
)

// PartialCell is caller-owned scratch space that preserves decode state
// across calls to Decode, so a header parsed on one call and a payload
// completed on a later call compose correctly. The zero value is ready to
// use.
type PartialCell struct {
	haveHeader bool
	circID     uint32
	command    uint8
	varLen     bool
	wantLen    int
	payload    []byte
}

// reset clears p back to its zero state, for reuse after a cell completes.
func (p *PartialCell) reset() {
	*p = PartialCell{}
}

// Decode consumes as much of buf as it can toward assembling one cell at
// the given circuit-id width, using p to carry state across calls.
//
// Returns:
//   - remaining: the unconsumed suffix of buf
//   - out: the assembled Cell, valid only when ready is true
//   - ready: true when a complete cell has been assembled in p and
//     returned as out (p is reset for the next cell)
//   - cont: true when enough bytes remain in `remaining` that another
//     call to Decode may make progress (the caller should loop rather
//     than wait for more I/O)
//   - err: a *txerr.CellError on malformed framing (unknown command, or a
//     declared length over MaxVarPayloadLen); fatal to the link
func Decode(buf []byte, width Width, p *PartialCell) (remaining []byte, out Cell, ready bool, cont bool, err error) {
	hdr := width.bytes()

	if !p.haveHeader {
		if len(buf) < hdr+1 {
			return buf, Cell{}, false, false, nil
		}
		var circID uint32
		if width == Width2 {
			circID = uint32(binary.BigEndian.Uint16(buf[0:2]))
		} else {
			circID = binary.BigEndian.Uint32(buf[0:4])
		}
		cmd := buf[hdr]

		if !knownCommand(cmd) {
			return buf, Cell{}, false, false, txerr.NewCellError("unknown cell command %d", cmd)
		}

		p.circID = circID
		p.command = cmd
		p.varLen = IsVariableLength(cmd)

		if p.varLen {
			if len(buf) < hdr+3 {
				return buf, Cell{}, false, false, nil
			}
			l := int(binary.BigEndian.Uint16(buf[hdr+1 : hdr+3]))
			if l > MaxVarPayloadLen {
				return buf, Cell{}, false, false, txerr.NewCellError("variable-length payload %d exceeds cap %d", l, MaxVarPayloadLen)
			}
			p.wantLen = l
			buf = buf[hdr+3:]
		} else {
			p.wantLen = MaxPayloadLen
			buf = buf[hdr+1:]
		}
		p.haveHeader = true
		p.payload = make([]byte, 0, p.wantLen)
	}

	need := p.wantLen - len(p.payload)
	take := need
	if take > len(buf) {
		take = len(buf)
	}
	p.payload = append(p.payload, buf[:take]...)
	buf = buf[take:]

	if len(p.payload) < p.wantLen {
		return buf, Cell{}, false, false, nil
	}

	out = Cell{CircID: p.circID, Command: p.command, Payload: p.payload}
	p.reset()
	return buf, out, true, len(buf) > 0, nil
}

func knownCommand(cmd uint8) bool {
	switch cmd {
	case CmdPadding, CmdCreate, CmdCreated, CmdRelay, CmdDestroy,
		CmdCreateFast, CmdCreatedFast, CmdVersions, CmdNetInfo,
		CmdRelayEarly, CmdCreate2, CmdCreated2, CmdPaddingNegotiate,
		CmdVPadding, CmdCerts, CmdAuthChallenge, CmdAuthenticate, CmdAuthorize:
		return true
	default:
		return false
	}
}

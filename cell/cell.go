// Package cell implements the byte-accurate framing of the Tor link-layer
// cell format: fixed-length cells, variable-length cells, and the inner
// relay-cell structure carried inside a RELAY cell's payload.
package cell

import "encoding/binary"

// Command constants (tor-spec §3).
const (
	CmdPadding          uint8 = 0
	CmdCreate           uint8 = 1
	CmdCreated          uint8 = 2
	CmdRelay            uint8 = 3
	CmdDestroy          uint8 = 4
	CmdCreateFast       uint8 = 5
	CmdCreatedFast      uint8 = 6
	CmdVersions         uint8 = 7
	CmdNetInfo          uint8 = 8
	CmdRelayEarly       uint8 = 9
	CmdCreate2          uint8 = 10
	CmdCreated2         uint8 = 11
	CmdPaddingNegotiate uint8 = 12
	CmdVPadding         uint8 = 128
	CmdCerts            uint8 = 129
	CmdAuthChallenge    uint8 = 130
	CmdAuthenticate     uint8 = 131
	CmdAuthorize        uint8 = 132
)

const (
	// MaxPayloadLen is the fixed-length cell payload size.
	MaxPayloadLen = 509
	// MaxVarPayloadLen caps a variable-length cell's declared length; a
	// larger value is malformed and is reported as a CellError by the codec.
	MaxVarPayloadLen = 65535
)

// IsVariableLength reports whether cmd uses the 2-byte-length variable
// framing: VERSIONS, and every command numbered 128 or above (VPADDING,
// CERTS, AUTH_CHALLENGE, AUTHENTICATE, AUTHORIZE).
func IsVariableLength(cmd uint8) bool {
	return cmd == CmdVersions || cmd >= 128
}

// Cell is the decoded representation of one on-wire cell: a circuit id, a
// command byte, and a payload. Payload is exactly MaxPayloadLen bytes for
// fixed-length cells (zero-padded on encode) and exactly its declared
// length for variable-length cells.
type Cell struct {
	CircID  uint32
	Command uint8
	Payload []byte
}

// NewFixed builds a fixed-length cell with a zero-filled 509-byte payload.
func NewFixed(circID uint32, cmd uint8) Cell {
	return Cell{CircID: circID, Command: cmd, Payload: make([]byte, MaxPayloadLen)}
}

// NewVar builds a variable-length cell carrying payload verbatim.
func NewVar(circID uint32, cmd uint8, payload []byte) Cell {
	return Cell{CircID: circID, Command: cmd, Payload: payload}
}

// NewVersions builds a VERSIONS cell. VERSIONS always uses a 2-byte circuit
// id (it is exchanged before the link protocol version — and therefore the
// circuit id width — is negotiated); callers must Encode it with Width2.
func NewVersions(versions []uint16) Cell {
	payload := make([]byte, 2*len(versions))
	for i, v := range versions {
		binary.BigEndian.PutUint16(payload[2*i:], v)
	}
	return Cell{CircID: 0, Command: CmdVersions, Payload: payload}
}

// Width selects the circuit id field width used by Encode/Decode.
type Width int

const (
	// Width2 is used before VERSIONS has been exchanged, and always for
	// the VERSIONS cell itself.
	Width2 Width = 2
	// Width4 is used once the negotiated link protocol version is >= 4.
	Width4 Width = 4
)

func (w Width) bytes() int {
	if w == Width2 {
		return 2
	}
	return 4
}

// Encode serializes c to its wire representation at the given circuit-id
// width. Fixed-length cells are zero-padded to MaxPayloadLen; the VERSIONS
// command, and commands >= 128, use the 2-byte-length variable framing.
func Encode(c Cell, width Width) []byte {
	hdr := width.bytes()

	if IsVariableLength(c.Command) {
		out := make([]byte, hdr+1+2+len(c.Payload))
		putCircID(out, c.CircID, width)
		out[hdr] = c.Command
		binary.BigEndian.PutUint16(out[hdr+1:hdr+3], uint16(len(c.Payload)))
		copy(out[hdr+3:], c.Payload)
		return out
	}

	out := make([]byte, hdr+1+MaxPayloadLen)
	putCircID(out, c.CircID, width)
	out[hdr] = c.Command
	copy(out[hdr+1:], c.Payload) // zero-padded if shorter
	return out
}

func putCircID(out []byte, circID uint32, width Width) {
	if width == Width2 {
		binary.BigEndian.PutUint16(out[0:2], uint16(circID))
		return
	}
	binary.BigEndian.PutUint32(out[0:4], circID)
}

// ParseVersions extracts the version list from a decoded VERSIONS cell's
// payload.
func ParseVersions(payload []byte) []uint16 {
	n := len(payload) / 2
	versions := make([]uint16, n)
	for i := range versions {
		versions[i] = binary.BigEndian.Uint16(payload[2*i:])
	}
	return versions
}

package cell

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/onehop/tor/txerr"
)

// Relay command constants (tor-spec §6.1).
const (
	RelayBegin     uint8 = 1
	RelayData      uint8 = 2
	RelayEnd       uint8 = 3
	RelayConnected uint8 = 4
	RelaySendMe    uint8 = 5
	RelayTruncated uint8 = 9
	RelayBeginDir  uint8 = 13
)

// RelayPayloadLen is the length of a relay cell payload (the plaintext
// carried inside a fixed cell's 509-byte payload).
const RelayPayloadLen = MaxPayloadLen

// Relay header offsets within the 509-byte payload: command(1) |
// recognized(2) | stream_id(2) | digest(4) | length(2) | data(up to 498).
const (
	relayCommandOff    = 0
	relayRecognizedOff = 1
	relayStreamIDOff   = 3
	relayDigestOff     = 5
	relayLengthOff     = 9
	relayDataOff       = 11
)

// MaxRelayDataLen is the maximum data bytes in a single relay cell.
const MaxRelayDataLen = RelayPayloadLen - relayDataOff // 498

// RelayCell is the decoded inner structure of a RELAY cell's plaintext
// payload.
type RelayCell struct {
	Command    uint8
	Recognized uint16
	StreamID   uint16
	Digest     [4]byte
	Data       []byte
}

// SerializeRelay builds the 509-byte plaintext payload for a relay cell:
// command | recognized(r.Recognized; zero in every cell this module sends) |
// stream_id | digest(caller-supplied, often
// zero pending digest computation) | length | data | padding. Padding
// past the meaningful data is filled with random bytes, matching
// tor-spec §6.1 (a zeroed digest field is a sentinel for "not yet
// computed", not itself part of the padding convention).
func SerializeRelay(r RelayCell) []byte {
	if len(r.Data) > MaxRelayDataLen {
		panic("cell: relay data exceeds MaxRelayDataLen")
	}
	payload := make([]byte, RelayPayloadLen)
	payload[relayCommandOff] = r.Command
	binary.BigEndian.PutUint16(payload[relayRecognizedOff:], r.Recognized)
	binary.BigEndian.PutUint16(payload[relayStreamIDOff:], r.StreamID)
	copy(payload[relayDigestOff:relayDigestOff+4], r.Digest[:])
	binary.BigEndian.PutUint16(payload[relayLengthOff:], uint16(len(r.Data)))
	copy(payload[relayDataOff:], r.Data)

	padStart := relayDataOff + len(r.Data)
	if padStart < RelayPayloadLen {
		_, _ = rand.Read(payload[padStart:])
	}
	return payload
}

// ParseRelay decodes a 509-byte relay plaintext payload. It requires the
// "recognized" field to be zero: a nonzero value means the cell was meant
// for a hop further down the circuit, which this single-hop specification
// does not support, so it is reported as a *txerr.DigestError for the
// caller to tear the circuit down on.
func ParseRelay(payload []byte) (RelayCell, error) {
	if len(payload) != RelayPayloadLen {
		return RelayCell{}, txerr.NewCellError("relay payload must be %d bytes, got %d", RelayPayloadLen, len(payload))
	}
	recognized := binary.BigEndian.Uint16(payload[relayRecognizedOff:])
	if recognized != 0 {
		return RelayCell{}, txerr.NewDigestError("relay cell not recognized at this hop (recognized=%d)", recognized)
	}

	dataLen := int(binary.BigEndian.Uint16(payload[relayLengthOff:]))
	if dataLen > MaxRelayDataLen {
		return RelayCell{}, txerr.NewCellError("relay data length %d exceeds maximum %d", dataLen, MaxRelayDataLen)
	}

	r := RelayCell{
		Command:    payload[relayCommandOff],
		Recognized: recognized,
		StreamID:   binary.BigEndian.Uint16(payload[relayStreamIDOff:]),
		Data:       append([]byte(nil), payload[relayDataOff:relayDataOff+dataLen]...),
	}
	copy(r.Digest[:], payload[relayDigestOff:relayDigestOff+4])
	return r, nil
}

// ZeroDigest returns a copy of payload with its digest field zeroed, the
// form hashed when computing or verifying a relay cell's digest (tor-spec
// §6.1/§0.3).
func ZeroDigest(payload []byte) []byte {
	out := append([]byte(nil), payload...)
	out[relayDigestOff] = 0
	out[relayDigestOff+1] = 0
	out[relayDigestOff+2] = 0
	out[relayDigestOff+3] = 0
	return out
}

// PutDigest writes a 4-byte digest into payload's digest field in place.
func PutDigest(payload []byte, digest [4]byte) {
	copy(payload[relayDigestOff:relayDigestOff+4], digest[:])
}

// Digest reads the 4-byte digest field out of payload.
func Digest(payload []byte) [4]byte {
	var d [4]byte
	copy(d[:], payload[relayDigestOff:relayDigestOff+4])
	return d
}

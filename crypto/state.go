package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/subtle"
	"hash"

	"github.com/onehop/tor/cell"
	"github.com/onehop/tor/txerr"
)

// direction holds one direction's AES-128-CTR stream cipher and running
// SHA-1 digest. The cipher counter is monotonic across the circuit's
// lifetime and never reset; the digest is cumulative across every cell
// sent or received in that direction (spec.md §4.2 invariant).
type direction struct {
	stream cipher.Stream
	digest hash.Hash
}

// CryptoState is a circuit's per-hop cryptographic state: a forward
// (client→relay) and backward (relay→client) direction, each with its own
// cipher and digest, derived from a single handshake's KeyMaterial. This
// module only ever builds one CryptoState per circuit — it does not layer
// multiple hops' CryptoStates, because it supports one-hop circuits only.
type CryptoState struct {
	forward  direction
	backward direction
}

// NewCryptoState initializes AES-128-CTR ciphers (zero IV; the stream
// state, not the IV, carries forward across cells) and SHA-1 digests
// seeded with Df/Db, from km. km's sensitive fields are zeroed before
// return.
//
// initiator distinguishes which side of the handshake km describes. The
// client names the keys it uses to encrypt outbound cells Kf/Df and the
// keys it uses to decrypt inbound cells Kb/Db; the relay at the other end
// of the link necessarily decrypts with the client's Kf/Df and encrypts
// with the client's Kb/Db, the opposite of Seal/Open's fixed use of
// forward-to-send and backward-to-receive. Passing initiator=false swaps
// the assignment so a relay-side CryptoState built from the same
// KeyMaterial interoperates with the client's.
func NewCryptoState(km *KeyMaterial, initiator bool) (*CryptoState, error) {
	zeroIV := make([]byte, aes.BlockSize)

	fwdBlock, err := aes.NewCipher(km.Kf[:])
	if err != nil {
		return nil, err
	}
	bwdBlock, err := aes.NewCipher(km.Kb[:])
	if err != nil {
		return nil, err
	}

	df := sha1.New()
	df.Write(km.Df[:])
	db := sha1.New()
	db.Write(km.Db[:])

	fwd := direction{stream: cipher.NewCTR(fwdBlock, zeroIV), digest: df}
	bwd := direction{stream: cipher.NewCTR(bwdBlock, zeroIV), digest: db}

	cs := &CryptoState{}
	if initiator {
		cs.forward, cs.backward = fwd, bwd
	} else {
		cs.forward, cs.backward = bwd, fwd
	}

	clear(km.Kf[:])
	clear(km.Kb[:])
	clear(km.Df[:])
	clear(km.Db[:])
	return cs, nil
}

// Seal builds and encrypts the 509-byte plaintext for an outbound relay
// cell: digest is computed over the plaintext with the digest field
// zeroed, the forward digest's running state is advanced by that
// plaintext (never reset), the first 4 bytes of its current output become
// the digest field, and the whole payload is then encrypted in place with
// the forward cipher.
func (cs *CryptoState) Seal(r cell.RelayCell) []byte {
	payload := cell.SerializeRelay(r)
	cs.forward.digest.Write(payload)
	var digest [4]byte
	copy(digest[:], cs.forward.digest.Sum(nil)[:4])
	cell.PutDigest(payload, digest)

	cs.forward.stream.XORKeyStream(payload, payload)
	return payload
}

// Open decrypts an inbound relay cell's ciphertext and verifies its
// digest: the received 4-byte digest is extracted, the digest field is
// zeroed, the backward digest's running state is advanced by the
// resulting plaintext, and the first 4 bytes of its new output must equal
// the received value. A mismatch is a *txerr.DigestError — fatal to the
// circuit (one-hop only; a multi-hop implementation would instead forward
// the cell to the next hop on mismatch).
func (cs *CryptoState) Open(ciphertext []byte) (cell.RelayCell, error) {
	plaintext := append([]byte(nil), ciphertext...)
	cs.backward.stream.XORKeyStream(plaintext, plaintext)

	received := cell.Digest(plaintext)
	zeroed := cell.ZeroDigest(plaintext)

	cs.backward.digest.Write(zeroed)
	computed := cs.backward.digest.Sum(nil)

	if subtle.ConstantTimeCompare(received[:], computed[:4]) != 1 {
		return cell.RelayCell{}, txerr.NewDigestError("relay cell digest mismatch")
	}

	return cell.ParseRelay(zeroed)
}

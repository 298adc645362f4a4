package crypto

import (
	"crypto/rand"
	"crypto/sha1"
	"fmt"
)

// TapHandshake holds client state for the legacy CREATE_FAST/CREATED_FAST
// handshake (spec.md §4.2). It derives key material from 20 random bytes
// exchanged in each direction rather than a Diffie-Hellman computation,
// and is weaker than ntor — kept for relays that do not support CREATE2.
type TapHandshake struct {
	X [20]byte // client-generated random bytes, sent in CREATE_FAST
}

// NewTapHandshake generates the client's 20 random bytes.
func NewTapHandshake() (*TapHandshake, error) {
	hs := &TapHandshake{}
	if _, err := rand.Read(hs.X[:]); err != nil {
		return nil, fmt.Errorf("generate CREATE_FAST key material: %w", err)
	}
	return hs, nil
}

// Complete derives key material from the relay's CREATED_FAST response: 20
// bytes Y (the relay does not authenticate itself beyond this, which is
// why ntor superseded TAP/CREATE_FAST).
//
// K = SHA1(X||Y||0) || SHA1(X||Y||1) || ... concatenated until at least 92
// bytes, then sliced: KH[0:20] (unused key-derivation hash, kept only for
// parity with the source), Df[20:40], Db[40:60], Kf[60:76], Kb[76:92].
func (hs *TapHandshake) Complete(y [20]byte) *KeyMaterial {
	seed := append(append([]byte{}, hs.X[:]...), y[:]...)

	var k []byte
	for i := 0; len(k) < 92; i++ {
		h := sha1.New()
		h.Write(seed)
		h.Write([]byte{byte(i)})
		k = append(k, h.Sum(nil)...)
	}

	km := &KeyMaterial{}
	copy(km.Df[:], k[20:40])
	copy(km.Db[:], k[40:60])
	copy(km.Kf[:], k[60:76])
	copy(km.Kb[:], k[76:92])
	return km
}

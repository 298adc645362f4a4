// Package crypto implements the circuit cryptographic core: the ntor and
// TAP handshakes that derive per-direction key material, and the
// CryptoState that applies the resulting AES-CTR ciphers and rolling
// SHA-1 digests to every relay cell.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/onehop/tor/txerr"
)

const (
	ntorProtoID = "ntor-curve25519-sha256-1"
	ntorTKey    = ntorProtoID + ":key_extract"
	ntorTMac    = ntorProtoID + ":mac"
	ntorTVerify = ntorProtoID + ":verify"
	ntorExpand  = ntorProtoID + ":key_expand"
)

// KeyMaterial holds the derived per-direction keys from a successful
// handshake (ntor or TAP), sliced per spec.md §4.2.
type KeyMaterial struct {
	Df [20]byte // Forward digest seed (client→relay)
	Db [20]byte // Backward digest seed (relay→client)
	Kf [16]byte // Forward AES-128-CTR key
	Kb [16]byte // Backward AES-128-CTR key
}

// NtorHandshake holds the client's ephemeral state for an ntor handshake
// (CREATE2/CREATED2).
type NtorHandshake struct {
	nodeID  [20]byte // SHA-1 of relay's RSA identity
	ntorKey [32]byte // Relay's Curve25519 onion key (B)
	x       [32]byte // Client ephemeral private key
	X       [32]byte // Client ephemeral public key
}

// NewNtorHandshake creates a new ntor handshake state with a fresh
// ephemeral Curve25519 keypair.
func NewNtorHandshake(nodeID [20]byte, ntorKey [32]byte) (*NtorHandshake, error) {
	var x [32]byte
	if _, err := rand.Read(x[:]); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	X, err := curve25519.X25519(x[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("compute public key: %w", err)
	}
	hs := &NtorHandshake{nodeID: nodeID, ntorKey: ntorKey, x: x}
	copy(hs.X[:], X)
	return hs, nil
}

// Close zeroes the ephemeral private key. Call on error paths when
// Complete will not be called.
func (hs *NtorHandshake) Close() { clear(hs.x[:]) }

// ClientData returns the 84-byte CREATE2 HDATA: node_id(20) || B(32) || X(32).
func (hs *NtorHandshake) ClientData() [84]byte {
	var data [84]byte
	copy(data[0:20], hs.nodeID[:])
	copy(data[20:52], hs.ntorKey[:])
	copy(data[52:84], hs.X[:])
	return data
}

// Complete processes the server's 64-byte response (Y || AUTH), verifies
// AUTH, and derives circuit keys via spec.md §4.2's formulas. Returns a
// *txerr.HandshakeError (scope "circuit") if AUTH does not match.
func (hs *NtorHandshake) Complete(serverData [64]byte) (*KeyMaterial, error) {
	var Y, authReceived [32]byte
	copy(Y[:], serverData[0:32])
	copy(authReceived[:], serverData[32:64])

	exp1, err := curve25519.X25519(hs.x[:], Y[:]) // x*Y
	if err != nil {
		return nil, fmt.Errorf("curve25519 x*Y: %w", err)
	}
	if isZero(exp1) {
		return nil, txerr.NewHandshakeError("circuit", "x*Y produced all-zeros point")
	}
	exp2, err := curve25519.X25519(hs.x[:], hs.ntorKey[:]) // x*B
	if err != nil {
		return nil, fmt.Errorf("curve25519 x*B: %w", err)
	}
	if isZero(exp2) {
		return nil, txerr.NewHandshakeError("circuit", "x*B produced all-zeros point")
	}

	// secret_input = x*Y || x*B || ID || B || X || Y || PROTOID
	secretInput := make([]byte, 0, 204)
	secretInput = append(secretInput, exp1...)
	secretInput = append(secretInput, exp2...)
	secretInput = append(secretInput, hs.nodeID[:]...)
	secretInput = append(secretInput, hs.ntorKey[:]...)
	secretInput = append(secretInput, hs.X[:]...)
	secretInput = append(secretInput, Y[:]...)
	secretInput = append(secretInput, []byte(ntorProtoID)...)

	verify := ntorHMAC(secretInput, ntorTVerify)

	// auth_input = verify || ID || B || Y || X || PROTOID || "Server"
	authInput := make([]byte, 0, 178)
	authInput = append(authInput, verify...)
	authInput = append(authInput, hs.nodeID[:]...)
	authInput = append(authInput, hs.ntorKey[:]...)
	authInput = append(authInput, Y[:]...)
	authInput = append(authInput, hs.X[:]...)
	authInput = append(authInput, []byte(ntorProtoID)...)
	authInput = append(authInput, []byte("Server")...)

	expectedAuth := ntorHMAC(authInput, ntorTMac)
	if !hmac.Equal(expectedAuth, authReceived[:]) {
		return nil, txerr.NewHandshakeError("circuit", "ntor AUTH verification failed")
	}

	kdf := hkdf.New(sha256.New, secretInput, []byte(ntorTKey), []byte(ntorExpand))
	keys := make([]byte, 72)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, fmt.Errorf("HKDF key derivation: %w", err)
	}

	km := &KeyMaterial{}
	copy(km.Df[:], keys[0:20])
	copy(km.Db[:], keys[20:40])
	copy(km.Kf[:], keys[40:56])
	copy(km.Kb[:], keys[56:72])

	clear(keys)
	clear(secretInput)
	clear(authInput)
	clear(hs.x[:])

	return km, nil
}

func ntorHMAC(msg []byte, key string) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(msg)
	return h.Sum(nil)
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

// Package link implements the Tor link protocol: the TLS transport, the
// VERSIONS/CERTS/AUTH_CHALLENGE/NETINFO handshake that brings a link up,
// and the circuit-id-keyed dispatch of cells arriving on it afterward.
package link

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/onehop/tor/cell"
	"github.com/onehop/tor/circuit"
	"github.com/onehop/tor/reactor"
	"github.com/onehop/tor/txerr"
)

// state is a LinkConn's handshake progress.
type state int

const (
	stateInit state = iota
	stateWaitVersions
	stateWaitCerts
	stateWaitAuthChallenge
	stateWaitNetInfo
	stateReady
	stateClosed
)

// clientVersions is the set of link protocol versions advertised in the
// client's VERSIONS cell — 3, 4, and 5, matching the historical Tor client
// fingerprint this module's TLS layer also matches (see the cipher-suite
// REDESIGN FLAG). Only 4 and 5 widen the circuit id to 4 bytes and carry
// NETINFO; negotiateVersion may still pick 3 if that's all a peer offers,
// but handleVersions then rejects it since this client only implements the
// 4-byte-circID wire format.
var clientVersions = []uint16{3, 4, 5}

// Config configures a LinkConn's handshake behavior.
type Config struct {
	// VerifyCerts, when true, validates the relay's CERTS cell (Ed25519
	// identity/signing chain, TLS cert hash binding) before the link is
	// considered ready. When false the CERTS cell is read and discarded.
	VerifyCerts bool
	DialTimeout time.Duration
}

// tlsCipherSuites reproduces, within the cipher suites Go's crypto/tls
// actually implements, the legacy RSA/ECDHE/ECDH suite list the reference
// client advertises (including RC4) so this client's TLS fingerprint
// matches rather than standing out via Go's modern AEAD-only default set.
var tlsCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_ECDSA_WITH_RC4_128_SHA,
	tls.TLS_ECDHE_RSA_WITH_RC4_128_SHA,
	tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_RSA_WITH_AES_256_CBC_SHA,
	tls.TLS_RSA_WITH_RC4_128_SHA,
	tls.TLS_RSA_WITH_3DES_EDE_CBC_SHA,
}

// transport is the byte-stream operations a LinkConn needs: connect (via
// Dial), send/recv, and a deadline control used only during the
// handshake. *tls.Conn satisfies it; tests substitute a net.Pipe() half.
type transport interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	SetDeadline(t time.Time) error
}

// LinkConn is one TLS connection to a relay, driving the link handshake
// and, once ready, demultiplexing cells to circuits by circuit id.
type LinkConn struct {
	conn   transport
	tcp    *net.TCPConn
	fd     int
	addr   string
	logger *slog.Logger
	cfg    Config
	rx     reactor.Reactor

	state        state
	width        cell.Width
	partial      cell.PartialCell
	readBuf      []byte
	peerCertHash [32]byte

	circuits      map[uint32]*circuit.Circuit
	claimedCircID map[uint32]bool

	onReady func()
	onClose func(error)
}

// Dial connects to addr, performs the TLS handshake, and returns a
// LinkConn in stateInit. Call Start to begin the link protocol handshake.
func Dial(addr string, cfg Config, rx reactor.Reactor, logger *slog.Logger) (*LinkConn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	logger.Info("connecting", "addr", addr)
	rawConn, err := net.DialTimeout("tcp", addr, cfg.DialTimeout)
	if err != nil {
		return nil, txerr.NewTransportError(fmt.Errorf("tcp dial: %w", err))
	}
	tcpConn, ok := rawConn.(*net.TCPConn)
	if !ok {
		_ = rawConn.Close()
		return nil, txerr.NewTransportError(fmt.Errorf("unexpected connection type %T", rawConn))
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify:     true, // relay identity is verified via the CERTS cell chain, not the TLS PKI
		SessionTicketsDisabled: true,
		MinVersion:             tls.VersionTLS12,
		MaxVersion:             tls.VersionTLS12, // RC4/3DES suites are only negotiable below TLS 1.3
		CipherSuites:           tlsCipherSuites,
	}
	tlsConn := tls.Client(tcpConn, tlsConfig)
	_ = tlsConn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		_ = tlsConn.Close()
		return nil, txerr.NewTransportError(fmt.Errorf("tls handshake: %w", err))
	}
	logger.Info("tls established", "version", tlsConn.ConnectionState().Version)

	peerCerts := tlsConn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		_ = tlsConn.Close()
		return nil, txerr.NewTransportError(fmt.Errorf("no peer TLS certificate"))
	}

	var fd int
	raw, err := tcpConn.SyscallConn()
	if err != nil {
		_ = tlsConn.Close()
		return nil, txerr.NewTransportError(fmt.Errorf("raw conn: %w", err))
	}
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		_ = tlsConn.Close()
		return nil, txerr.NewTransportError(fmt.Errorf("fetch fd: %w", err))
	}

	lc := &LinkConn{
		conn:          tlsConn,
		tcp:           tcpConn,
		fd:            fd,
		addr:          addr,
		logger:        logger,
		cfg:           cfg,
		rx:            rx,
		state:         stateInit,
		width:         cell.Width2,
		peerCertHash:  sha256.Sum256(peerCerts[0].Raw),
		circuits:      make(map[uint32]*circuit.Circuit),
		claimedCircID: make(map[uint32]bool),
	}
	return lc, nil
}

// OnReady registers a callback invoked once the link handshake completes.
func (l *LinkConn) OnReady(f func()) { l.onReady = f }

// OnClose registers a callback invoked when the link tears down.
func (l *LinkConn) OnClose(f func(error)) { l.onClose = f }

// Start sends the client VERSIONS cell and registers the link with the
// reactor for read readiness, beginning the handshake.
func (l *LinkConn) Start() error {
	versions := cell.NewVersions(clientVersions)
	if err := l.writeCell(versions, cell.Width2); err != nil {
		return err
	}
	l.state = stateWaitVersions
	l.rx.Register(l.fd, reactor.Readable, l)
	return nil
}

func (l *LinkConn) writeCell(c cell.Cell, width cell.Width) error {
	_, err := l.conn.Write(cell.Encode(c, width))
	if err != nil {
		return txerr.NewTransportError(err)
	}
	return nil
}

// SendCell satisfies circuit.CellSender: it encodes c at the link's
// negotiated circuit-id width and writes it to the TLS connection.
func (l *LinkConn) SendCell(c cell.Cell) error {
	return l.writeCell(c, l.width)
}

// ClaimCircID reserves id for a locally-originated circuit on this link,
// returning false if it is already in use.
func (l *LinkConn) ClaimCircID(id uint32) bool {
	if l.claimedCircID[id] {
		return false
	}
	l.claimedCircID[id] = true
	return true
}

// ReleaseCircID frees a previously claimed circuit id.
func (l *LinkConn) ReleaseCircID(id uint32) {
	delete(l.claimedCircID, id)
}

// OpenCircuit allocates a fresh circuit id, registers a new Circuit under
// it, and returns it. The circuit still needs CreateNtor or CreateFast to
// begin its own handshake.
func (l *LinkConn) OpenCircuit() (*circuit.Circuit, error) {
	for attempts := 0; attempts < 64; attempts++ {
		id, err := circuit.AllocateID()
		if err != nil {
			return nil, err
		}
		if !l.ClaimCircID(id) {
			continue
		}
		c := circuit.New(id, l, l.logger)
		l.circuits[id] = c
		c.OnClosed(func(error) {
			delete(l.circuits, id)
			l.ReleaseCircID(id)
		})
		return c, nil
	}
	return nil, fmt.Errorf("exhausted circuit id allocation attempts")
}

// OnReadable satisfies reactor.Handler: it pulls newly available
// plaintext off the TLS connection and decodes as many complete cells as
// the buffered bytes allow.
func (l *LinkConn) OnReadable() {
	buf := make([]byte, 4096)
	n, err := l.conn.Read(buf)
	if err != nil {
		l.teardown(txerr.NewTransportError(err))
		return
	}
	l.readBuf = append(l.readBuf, buf[:n]...)

	for {
		remaining, c, ready, cont, err := cell.Decode(l.readBuf, l.width, &l.partial)
		l.readBuf = remaining
		if err != nil {
			l.teardown(err)
			return
		}
		if ready {
			if err := l.handleCell(c); err != nil {
				l.teardown(err)
				return
			}
		}
		if !cont {
			break
		}
	}
}

// OnWritable satisfies reactor.Handler. Writes in this client are small
// and issued synchronously from SendCell, so there is nothing to do here.
func (l *LinkConn) OnWritable() {}

// OnExceptional satisfies reactor.Handler: the connection faulted.
func (l *LinkConn) OnExceptional() {
	l.teardown(txerr.NewTransportError(fmt.Errorf("exceptional condition on link to %s", l.addr)))
}

func (l *LinkConn) handleCell(c cell.Cell) error {
	if c.Command == cell.CmdPadding || c.Command == cell.CmdVPadding {
		return nil
	}

	switch l.state {
	case stateWaitVersions:
		return l.handleVersions(c)
	case stateWaitCerts:
		return l.handleCerts(c)
	case stateWaitAuthChallenge:
		return l.handleAuthChallenge(c)
	case stateWaitNetInfo:
		return l.handleNetInfo(c)
	case stateReady:
		return l.dispatchToCircuit(c)
	default:
		return nil
	}
}

func (l *LinkConn) handleVersions(c cell.Cell) error {
	if c.Command != cell.CmdVersions {
		return txerr.NewHandshakeError("link", "expected VERSIONS, got command %d", c.Command)
	}
	serverVersions := cell.ParseVersions(c.Payload)
	negotiated := negotiateVersion(serverVersions)
	if negotiated < 4 {
		return txerr.NewHandshakeError("link", "no common link protocol version >= 4 (server offered %v)", serverVersions)
	}
	l.logger.Info("version negotiated", "version", negotiated)
	l.width = cell.Width4
	l.state = stateWaitCerts
	return nil
}

func negotiateVersion(serverVersions []uint16) uint16 {
	offered := make(map[uint16]bool, len(clientVersions))
	for _, v := range clientVersions {
		offered[v] = true
	}
	var best uint16
	for _, v := range serverVersions {
		if offered[v] && v > best {
			best = v
		}
	}
	return best
}

func (l *LinkConn) handleCerts(c cell.Cell) error {
	if c.Command != cell.CmdCerts {
		return txerr.NewHandshakeError("link", "expected CERTS, got command %d", c.Command)
	}
	if l.cfg.VerifyCerts {
		identity, err := validateCerts(c.Payload, l.peerCertHash[:], l.logger)
		if err != nil {
			return err
		}
		l.logger.Debug("certs validated", "identity", fmt.Sprintf("%x", identity[:8]))
	} else {
		l.logger.Debug("certs cell received, validation disabled")
	}
	l.state = stateWaitAuthChallenge
	return nil
}

func (l *LinkConn) handleAuthChallenge(c cell.Cell) error {
	if c.Command != cell.CmdAuthChallenge {
		return txerr.NewHandshakeError("link", "expected AUTH_CHALLENGE, got command %d", c.Command)
	}
	// This client never acts as a relay, so it has nothing to authenticate
	// to the peer with; AUTH_CHALLENGE is read and discarded.
	l.state = stateWaitNetInfo
	return nil
}

func (l *LinkConn) handleNetInfo(c cell.Cell) error {
	if c.Command != cell.CmdNetInfo {
		return txerr.NewHandshakeError("link", "expected NETINFO, got command %d", c.Command)
	}

	host, _, err := net.SplitHostPort(l.addr)
	if err != nil {
		return fmt.Errorf("parse relay addr: %w", err)
	}
	relayIP := net.ParseIP(host).To4()
	if relayIP == nil {
		return fmt.Errorf("relay IP not IPv4: %s", host)
	}
	if err := l.writeCell(buildNetInfo(relayIP), l.width); err != nil {
		return err
	}

	_ = l.conn.SetDeadline(time.Time{})
	l.state = stateReady
	l.logger.Info("link ready", "addr", l.addr)
	if l.onReady != nil {
		l.onReady()
	}
	return nil
}

func buildNetInfo(relayIP net.IP) cell.Cell {
	c := cell.NewFixed(0, cell.CmdNetInfo)
	p := c.Payload
	binary.BigEndian.PutUint32(p[0:4], 0) // timestamp omitted
	p[4] = 0x04                           // ATYPE IPv4
	p[5] = 0x04                           // ALEN
	copy(p[6:10], relayIP)
	p[10] = 0x00 // NMYADDR = 0
	return c
}

func (l *LinkConn) dispatchToCircuit(c cell.Cell) error {
	circ, ok := l.circuits[c.CircID]
	if !ok {
		l.logger.Debug("cell for unknown circuit", "circID", fmt.Sprintf("0x%08x", c.CircID), "cmd", c.Command)
		return nil
	}
	return circ.HandleCell(c)
}

// Close tears the link down and releases it from the reactor.
func (l *LinkConn) Close() error {
	l.teardown(nil)
	return l.conn.Close()
}

func (l *LinkConn) teardown(err error) {
	if l.state == stateClosed {
		return
	}
	l.state = stateClosed
	l.rx.Unregister(l.fd)
	if l.onClose != nil {
		l.onClose(err)
	}
}

package securechannel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ruteri/tee-admission-node/cryptoutils"
	"github.com/ruteri/tee-admission-node/interfaces"
)

// MaxMessageSize bounds a single framed message. Larger writes are
// rejected and larger frames on the wire abort the session.
const MaxMessageSize = 16 << 20

// DefaultHandshakeTimeout bounds the TLS handshake when the caller's
// context carries no deadline.
const DefaultHandshakeTimeout = 30 * time.Second

// Channel is an encrypted, mutually authenticated session with one peer.
// It is owned by a single goroutine; Read and Write each block only their
// owner. Close is safe to call from any goroutine and any number of
// times.
type Channel struct {
	conn *tls.Conn

	peerID   string
	peerCert *x509.Certificate

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// PeerID returns the verified peer principal: the common name of the
// peer's admission certificate.
func (c *Channel) PeerID() string {
	return c.peerID
}

// PeerCert returns the peer's verified admission certificate.
func (c *Channel) PeerCert() *x509.Certificate {
	return c.peerCert
}

// Read blocks until one application message is available and returns its
// decrypted payload. Returns ErrChannelClosed once the peer has closed
// and no further data is buffered.
func (c *Channel) Read() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return nil, c.mapIOError(err)
	}

	msgLen := binary.BigEndian.Uint32(lenBuf[:])
	if msgLen > MaxMessageSize {
		c.Close()
		return nil, fmt.Errorf("%w: peer sent oversized frame (%d bytes)", interfaces.ErrChannelClosed, msgLen)
	}

	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(c.conn, msg); err != nil {
		return nil, c.mapIOError(err)
	}

	return msg, nil
}

// Write encrypts and sends data as one logical message. Fails with
// ErrChannelClosed if the session has been torn down.
func (c *Channel) Write(data []byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", len(data))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))

	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		return c.mapIOError(err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return c.mapIOError(err)
	}
	return nil
}

// Close tears down the transport session. Idempotent; safe after a
// failed handshake.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Channel) mapIOError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", interfaces.ErrChannelClosed, err)
	}
	return fmt.Errorf("%w: %v", interfaces.ErrChannelClosed, err)
}

// InitClient opens a transport connection to addr, performs the mutual
// handshake presenting the local admission certificate chain, and
// validates the peer's chain against the policy root anchor.
//
// Error kinds: ErrConnect when the transport connection cannot be
// established, ErrHandshake when the peer's chain does not verify (or
// the handshake times out), ErrPeerRejected when the peer aborts the
// handshake. The context bounds both dial and handshake.
func InitClient(ctx context.Context, addr string, anchor interfaces.PolicyCert, identityKey interfaces.IdentityPrivkey, admissionChain interfaces.AdmissionCert) (*Channel, error) {
	ourCert, err := tls.X509KeyPair(admissionChain, identityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: local certificate chain does not pair with identity key: %v", interfaces.ErrConfig, err)
	}

	var peerLeaf *x509.Certificate
	var verifyErr error
	cfg := &tls.Config{
		Certificates: []tls.Certificate{ourCert},
		MinVersion:   tls.VersionTLS12,

		// Admission certs carry principal ids, not hostnames; chain
		// verification against the policy root replaces the default
		// hostname check.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			peerLeaf, verifyErr = cryptoutils.VerifyPeerChain(anchor, rawCerts)
			return verifyErr
		},
	}

	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", interfaces.ErrConnect, addr, err)
	}

	conn := tls.Client(rawConn, cfg)

	hsCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, DefaultHandshakeTimeout)
		defer cancel()
	}

	if err := conn.HandshakeContext(hsCtx); err != nil {
		conn.Close()
		if verifyErr != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrHandshake, verifyErr)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: handshake timed out: %v", interfaces.ErrHandshake, err)
		}
		return nil, fmt.Errorf("%w: %v", interfaces.ErrPeerRejected, err)
	}

	return &Channel{
		conn:     conn,
		peerID:   peerLeaf.Subject.CommonName,
		peerCert: peerLeaf,
	}, nil
}

package securechannel

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-admission-node/interfaces"
	"go.uber.org/atomic"
)

// Handler processes one established session. It runs on a dedicated
// goroutine and owns the channel exclusively; the dispatcher closes the
// channel when the handler returns.
type Handler func(ch *Channel)

// DispatcherConfig parameterizes a server-side dispatcher.
type DispatcherConfig struct {
	// ListenAddr is the host:port to bind.
	ListenAddr string

	// PolicyRoot is the anchor peer admission certificates must chain to.
	PolicyRoot interfaces.PolicyCert

	// IdentityKey and AdmissionChain are the local credentials presented
	// during the handshake.
	IdentityKey    interfaces.IdentityPrivkey
	AdmissionChain interfaces.AdmissionCert

	// HandshakeTimeout bounds each connection's handshake. Defaults to
	// DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	Log *slog.Logger
}

// Dispatcher accepts inbound connections, performs the server side of
// the mutual handshake on each, and hands established sessions to the
// application handler. A failed handshake closes that connection and the
// loop continues; one misbehaving peer never terminates the dispatcher.
type Dispatcher struct {
	listener         net.Listener
	tlsConfig        *tls.Config
	handshakeTimeout time.Duration
	log              *slog.Logger

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewDispatcher binds the listening endpoint. Fails with ErrBind if the
// address cannot be bound or the local credentials are unusable.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	ourCert, err := tls.X509KeyPair(cfg.AdmissionChain, cfg.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: local certificate chain does not pair with identity key: %v", interfaces.ErrConfig, err)
	}

	pool, err := cfg.PolicyRoot.Pool()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrConfig, err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{ourCert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", interfaces.ErrBind, cfg.ListenAddr, err)
	}

	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout == 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	return &Dispatcher{
		listener:         listener,
		tlsConfig:        tlsConfig,
		handshakeTimeout: handshakeTimeout,
		log:              log,
	}, nil
}

// Addr returns the bound listening address.
func (d *Dispatcher) Addr() net.Addr {
	return d.listener.Addr()
}

// Serve runs the accept loop until Shutdown. Each accepted connection is
// handled on its own goroutine: handshake, then handler, then close.
// Returns nil after Shutdown, or the accept error if the listener fails
// unexpectedly.
func (d *Dispatcher) Serve(handler Handler) error {
	for {
		rawConn, err := d.listener.Accept()
		if err != nil {
			if d.closed.Load() {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		d.wg.Add(1)
		go d.handleConn(rawConn, handler)
	}
}

func (d *Dispatcher) handleConn(rawConn net.Conn, handler Handler) {
	defer d.wg.Done()

	sessionID := uuid.Must(uuid.NewRandom()).String()
	log := d.log.With(
		slog.String("session", sessionID),
		slog.String("remoteAddr", rawConn.RemoteAddr().String()))

	conn := tls.Server(rawConn, d.tlsConfig)

	rawConn.SetDeadline(time.Now().Add(d.handshakeTimeout))
	if err := conn.Handshake(); err != nil {
		log.Warn("Rejected inbound connection", "err", err)
		conn.Close()
		return
	}
	rawConn.SetDeadline(time.Time{})

	peerCerts := conn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		// RequireAndVerifyClientCert guarantees a peer certificate.
		log.Error("Handshake completed without peer certificate")
		conn.Close()
		return
	}
	peerLeaf := peerCerts[0]

	ch := &Channel{
		conn:     conn,
		peerID:   peerLeaf.Subject.CommonName,
		peerCert: peerLeaf,
	}
	defer ch.Close()

	log.Info("Accepted authenticated session", slog.String("peer", ch.PeerID()))
	handler(ch)
}

// Shutdown stops accepting, closes the listener, and waits for in-flight
// handlers to finish.
func (d *Dispatcher) Shutdown() {
	if d.closed.Swap(true) {
		return
	}
	d.listener.Close()
	d.wg.Wait()
}

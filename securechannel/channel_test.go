package securechannel

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/tee-admission-node/cryptoutils"
	"github.com/ruteri/tee-admission-node/interfaces"
	"github.com/stretchr/testify/require"
)

type peerCreds struct {
	anchor cryptoutils.PolicyCert
	key    cryptoutils.IdentityPrivkey
	chain  cryptoutils.AdmissionCert
}

func issuePeer(t *testing.T, ca *cryptoutils.PolicyCA, domain string) peerCreds {
	t.Helper()

	pub, priv, err := cryptoutils.GenerateIdentityKeypair(cryptoutils.AlgECDSAP256)
	require.NoError(t, err)

	cert, err := ca.IssueAdmissionCert(pub, domain)
	require.NoError(t, err)

	return peerCreds{anchor: ca.Cert(), key: priv, chain: cert}
}

func newTestCA(t *testing.T) *cryptoutils.PolicyCA {
	t.Helper()
	ca, _, err := cryptoutils.GeneratePolicyCA("test-authority")
	require.NoError(t, err)
	return ca
}

func startDispatcher(t *testing.T, creds peerCreds, handler Handler) *Dispatcher {
	t.Helper()

	d, err := NewDispatcher(DispatcherConfig{
		ListenAddr:     "127.0.0.1:0",
		PolicyRoot:     creds.anchor,
		IdentityKey:    creds.key,
		AdmissionChain: creds.chain,
		Log:            slog.Default(),
	})
	require.NoError(t, err)

	go d.Serve(handler)
	t.Cleanup(d.Shutdown)
	return d
}

func TestChannelRoundTrip(t *testing.T) {
	ca := newTestCA(t)
	server := issuePeer(t, ca, "datica-test")
	client := issuePeer(t, ca, "datica-test")

	d := startDispatcher(t, server, func(ch *Channel) {
		for {
			msg, err := ch.Read()
			if err != nil {
				return
			}
			if err := ch.Write(append([]byte("ack "), msg...)); err != nil {
				return
			}
		}
	})

	ch, err := InitClient(context.Background(), d.Addr().String(), client.anchor, client.key, client.chain)
	require.NoError(t, err)
	defer ch.Close()

	for _, msg := range []string{"first", "second", "third"} {
		require.NoError(t, ch.Write([]byte(msg)))
		reply, err := ch.Read()
		require.NoError(t, err)
		require.Equal(t, "ack "+msg, string(reply))
	}
}

func TestChannelPeerIdentity(t *testing.T) {
	ca := newTestCA(t)
	server := issuePeer(t, ca, "datica-test")
	client := issuePeer(t, ca, "datica-test")

	var mu sync.Mutex
	var serverSawPeer string
	d := startDispatcher(t, server, func(ch *Channel) {
		mu.Lock()
		serverSawPeer = ch.PeerID()
		mu.Unlock()
		ch.Read()
	})

	ch, err := InitClient(context.Background(), d.Addr().String(), client.anchor, client.key, client.chain)
	require.NoError(t, err)
	defer ch.Close()

	serverCert, err := server.chain.GetX509Cert()
	require.NoError(t, err)
	require.Equal(t, serverCert.Subject.CommonName, ch.PeerID())

	// Force a round trip so the server handler has observed the client.
	require.NoError(t, ch.Write([]byte("hello")))
	ch.Close()

	clientCert, err := client.chain.GetX509Cert()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return serverSawPeer == clientCert.Subject.CommonName
	}, time.Second, 10*time.Millisecond)
}

func TestClientRejectsForeignServer(t *testing.T) {
	ca := newTestCA(t)
	foreignCA := newTestCA(t)

	server := issuePeer(t, foreignCA, "datica-test")
	client := issuePeer(t, ca, "datica-test")

	d := startDispatcher(t, server, func(ch *Channel) { ch.Read() })

	_, err := InitClient(context.Background(), d.Addr().String(), client.anchor, client.key, client.chain)
	require.ErrorIs(t, err, interfaces.ErrHandshake)
}

func TestServerRejectsForeignClient(t *testing.T) {
	ca := newTestCA(t)
	foreignCA := newTestCA(t)

	server := issuePeer(t, ca, "datica-test")
	foreignClient := issuePeer(t, foreignCA, "datica-test")
	goodClient := issuePeer(t, ca, "datica-test")

	d := startDispatcher(t, server, func(ch *Channel) {
		msg, err := ch.Read()
		if err != nil {
			return
		}
		ch.Write(msg)
	})

	_, err := InitClient(context.Background(), d.Addr().String(), foreignClient.anchor, foreignClient.key, foreignClient.chain)
	require.Error(t, err)

	// One rejected peer must not affect the next connection.
	ch, err := InitClient(context.Background(), d.Addr().String(), goodClient.anchor, goodClient.key, goodClient.chain)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Write([]byte("still serving")))
	reply, err := ch.Read()
	require.NoError(t, err)
	require.Equal(t, "still serving", string(reply))
}

func TestConnectFailure(t *testing.T) {
	ca := newTestCA(t)
	client := issuePeer(t, ca, "datica-test")

	_, err := InitClient(context.Background(), "127.0.0.1:1", client.anchor, client.key, client.chain)
	require.ErrorIs(t, err, interfaces.ErrConnect)
}

func TestReadAfterPeerClose(t *testing.T) {
	ca := newTestCA(t)
	server := issuePeer(t, ca, "datica-test")
	client := issuePeer(t, ca, "datica-test")

	d := startDispatcher(t, server, func(ch *Channel) {
		// Handler returns immediately; the dispatcher closes the channel.
	})

	ch, err := InitClient(context.Background(), d.Addr().String(), client.anchor, client.key, client.chain)
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.Read()
	require.ErrorIs(t, err, interfaces.ErrChannelClosed)
}

func TestCloseIdempotent(t *testing.T) {
	ca := newTestCA(t)
	server := issuePeer(t, ca, "datica-test")
	client := issuePeer(t, ca, "datica-test")

	d := startDispatcher(t, server, func(ch *Channel) { ch.Read() })

	ch, err := InitClient(context.Background(), d.Addr().String(), client.anchor, client.key, client.chain)
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	require.ErrorIs(t, ch.Write([]byte("late")), interfaces.ErrChannelClosed)
}

func TestDispatcherShutdownEndsServe(t *testing.T) {
	ca := newTestCA(t)
	server := issuePeer(t, ca, "datica-test")

	d, err := NewDispatcher(DispatcherConfig{
		ListenAddr:     "127.0.0.1:0",
		PolicyRoot:     server.anchor,
		IdentityKey:    server.key,
		AdmissionChain: server.chain,
		Log:            slog.Default(),
	})
	require.NoError(t, err)

	serveDone := make(chan error, 1)
	go func() { serveDone <- d.Serve(func(ch *Channel) {}) }()

	d.Shutdown()

	select {
	case err := <-serveDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestDispatcherBadCredentials(t *testing.T) {
	ca := newTestCA(t)
	server := issuePeer(t, ca, "datica-test")
	other := issuePeer(t, ca, "datica-test")

	// Chain and key from different identities do not pair.
	_, err := NewDispatcher(DispatcherConfig{
		ListenAddr:     "127.0.0.1:0",
		PolicyRoot:     server.anchor,
		IdentityKey:    other.key,
		AdmissionChain: server.chain,
		Log:            slog.Default(),
	})
	require.ErrorIs(t, err, interfaces.ErrConfig)
}

package trustmgr

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/ruteri/tee-admission-node/api"
	"github.com/ruteri/tee-admission-node/cryptoutils"
	"github.com/ruteri/tee-admission-node/interfaces"
	"github.com/ruteri/tee-admission-node/policystore"
	"github.com/ruteri/tee-admission-node/securechannel"
	"github.com/stretchr/testify/require"
)

var testMeasurement = func() cryptoutils.Measurement {
	sum := sha256.Sum256([]byte("test binary"))
	return cryptoutils.Measurement(sum[:])
}()

// fakeAuthority issues admission certificates in-process, verifying
// evidence the same way the real handler does.
type fakeAuthority struct {
	ca        *cryptoutils.PolicyCA
	denyAll   bool
	certified int
}

func (f *fakeAuthority) Certify(ctx context.Context, req *api.CertifyRequest) (*api.CertifyResponse, error) {
	if f.denyAll {
		return nil, fmt.Errorf("%w: measurement not approved", interfaces.ErrCertificationDenied)
	}

	pubkey, err := cryptoutils.NewIdentityPubkey(req.IdentityPubkey)
	if err != nil {
		return nil, err
	}

	if _, err := (cryptoutils.DummyVerifier{}).VerifyEvidence(req.Evidence, api.ReportData(pubkey)); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrCertificationDenied, err)
	}

	cert, err := f.ca.IssueAdmissionCert(pubkey, req.DomainName)
	if err != nil {
		return nil, err
	}

	f.certified++
	return &api.CertifyResponse{AdmissionCert: cert}, nil
}

type testEnv struct {
	storePath string
	anchor    cryptoutils.PolicyCert
	authority *fakeAuthority
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ca, _, err := cryptoutils.GeneratePolicyCA("test-policy-authority")
	require.NoError(t, err)

	return &testEnv{
		storePath: filepath.Join(t.TempDir(), "policy_store"),
		anchor:    ca.Cert(),
		authority: &fakeAuthority{ca: ca},
	}
}

func (e *testEnv) newManager(t *testing.T) *TrustManager {
	t.Helper()

	backend, err := policystore.NewFileBackend(e.storePath, slog.Default())
	require.NoError(t, err)

	store, err := policystore.New(backend, []byte("test-sealing-key"), slog.Default())
	require.NoError(t, err)

	m, err := New(Config{
		Store:       store,
		Attestation: cryptoutils.DummyAttestationProvider{Measurement: testMeasurement},
		Certifier:   e.authority,
		Log:         slog.Default(),
	})
	require.NoError(t, err)
	return m
}

func (e *testEnv) coldInitParams() ColdInitParams {
	return ColdInitParams{
		PubkeyAlg:    cryptoutils.AlgECDSAP256,
		SymmetricAlg: "aes-256-gcm",
		DomainName:   "datica-test",
		PolicyHost:   "localhost",
		PolicyPort:   8123,
		AppHost:      "localhost",
		AppPort:      8124,
	}
}

func TestLifecycleColdInitAndCertify(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t)
	ctx := context.Background()

	require.Equal(t, StateUninitialized, m.State())
	require.False(t, m.PolicyInfoInitialized())
	require.False(t, m.KeysInitialized())
	require.False(t, m.AdmissionCertValid())

	require.NoError(t, m.InitPolicyKey(env.anchor))
	require.Equal(t, StateKeyMaterialReady, m.State())
	require.True(t, m.PolicyInfoInitialized())

	require.NoError(t, m.InitializeEnclave(nil))
	require.Equal(t, StateEnclaveReady, m.State())

	require.NoError(t, m.ColdInit(ctx, env.coldInitParams()))
	require.Equal(t, StateColdInitDone, m.State())
	require.True(t, m.KeysInitialized())
	require.False(t, m.AdmissionCertValid())

	require.NoError(t, m.CertifyMe(ctx))
	require.Equal(t, StateCertified, m.State())
	require.True(t, m.AdmissionCertValid())
}

func TestColdInitRefusesExistingStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	m := env.newManager(t)
	require.NoError(t, m.InitPolicyKey(env.anchor))
	require.NoError(t, m.InitializeEnclave(nil))
	require.NoError(t, m.ColdInit(ctx, env.coldInitParams()))

	m2 := env.newManager(t)
	require.NoError(t, m2.InitPolicyKey(env.anchor))
	require.NoError(t, m2.InitializeEnclave(nil))
	err := m2.ColdInit(ctx, env.coldInitParams())
	require.ErrorIs(t, err, interfaces.ErrAlreadyInitialized)

	// The existing record is untouched and still loads.
	require.NoError(t, m2.WarmRestart(ctx))
}

func TestWarmRestartRecoversIdentity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	m := env.newManager(t)
	require.NoError(t, m.InitPolicyKey(env.anchor))
	require.NoError(t, m.InitializeEnclave(nil))
	require.NoError(t, m.ColdInit(ctx, env.coldInitParams()))
	require.NoError(t, m.CertifyMe(ctx))
	origPub := m.Record().IdentityPubkey

	m2 := env.newManager(t)
	require.NoError(t, m2.InitPolicyKey(env.anchor))
	require.NoError(t, m2.InitializeEnclave(nil))
	require.NoError(t, m2.WarmRestart(ctx))

	require.Equal(t, StateCertified, m2.State())
	require.True(t, m2.KeysInitialized())
	require.True(t, m2.AdmissionCertValid())
	require.Equal(t, origPub, m2.Record().IdentityPubkey)
}

func TestWarmRestartWithoutStore(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t)

	require.NoError(t, m.InitPolicyKey(env.anchor))
	require.NoError(t, m.InitializeEnclave(nil))
	require.ErrorIs(t, m.WarmRestart(context.Background()), interfaces.ErrStoreMissing)
}

func TestWarmRestartAnchorMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	m := env.newManager(t)
	require.NoError(t, m.InitPolicyKey(env.anchor))
	require.NoError(t, m.InitializeEnclave(nil))
	require.NoError(t, m.ColdInit(ctx, env.coldInitParams()))

	otherCA, _, err := cryptoutils.GeneratePolicyCA("other-authority")
	require.NoError(t, err)

	m2 := env.newManager(t)
	require.NoError(t, m2.InitPolicyKey(otherCA.Cert()))
	require.NoError(t, m2.InitializeEnclave(nil))
	require.ErrorIs(t, m2.WarmRestart(ctx), interfaces.ErrStoreCorrupt)
}

func TestPolicyAnchorImmutable(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t)

	require.NoError(t, m.InitPolicyKey(env.anchor))
	require.NoError(t, m.InitPolicyKey(env.anchor))

	otherCA, _, err := cryptoutils.GeneratePolicyCA("other-authority")
	require.NoError(t, err)
	require.ErrorIs(t, m.InitPolicyKey(otherCA.Cert()), interfaces.ErrConfig)

	require.ErrorIs(t, m.InitPolicyKey([]byte("not a certificate")), interfaces.ErrConfig)
}

func TestLifecycleOrderEnforced(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t)
	ctx := context.Background()

	require.ErrorIs(t, m.InitializeEnclave(nil), interfaces.ErrConfig)
	require.ErrorIs(t, m.ColdInit(ctx, env.coldInitParams()), interfaces.ErrConfig)
	require.ErrorIs(t, m.WarmRestart(ctx), interfaces.ErrConfig)
	require.ErrorIs(t, m.CertifyMe(ctx), interfaces.ErrConfig)

	_, err := m.OpenChannel(ctx, "localhost:1")
	require.ErrorIs(t, err, interfaces.ErrConfig)
}

func TestCertifyMeDenied(t *testing.T) {
	env := newTestEnv(t)
	env.authority.denyAll = true
	ctx := context.Background()

	m := env.newManager(t)
	require.NoError(t, m.InitPolicyKey(env.anchor))
	require.NoError(t, m.InitializeEnclave(nil))
	require.NoError(t, m.ColdInit(ctx, env.coldInitParams()))

	require.ErrorIs(t, m.CertifyMe(ctx), interfaces.ErrCertificationDenied)
	require.Equal(t, StateColdInitDone, m.State())
	require.False(t, m.AdmissionCertValid())

	// Approval flips the outcome without any other state change.
	env.authority.denyAll = false
	require.NoError(t, m.CertifyMe(ctx))
	require.True(t, m.AdmissionCertValid())
}

func TestCertifyMeIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	m := env.newManager(t)
	require.NoError(t, m.InitPolicyKey(env.anchor))
	require.NoError(t, m.InitializeEnclave(nil))
	require.NoError(t, m.ColdInit(ctx, env.coldInitParams()))

	require.NoError(t, m.CertifyMe(ctx))
	require.NoError(t, m.CertifyMe(ctx))
	require.Equal(t, 2, env.authority.certified)
	require.True(t, m.AdmissionCertValid())
}

func TestClearSensitiveData(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	m := env.newManager(t)
	require.NoError(t, m.InitPolicyKey(env.anchor))
	require.NoError(t, m.InitializeEnclave(nil))
	require.NoError(t, m.ColdInit(ctx, env.coldInitParams()))
	require.NoError(t, m.CertifyMe(ctx))

	m.ClearSensitiveData()
	m.ClearSensitiveData()

	require.Equal(t, StateCleared, m.State())
	require.False(t, m.KeysInitialized())
	require.False(t, m.AdmissionCertValid())
	require.ErrorIs(t, m.CertifyMe(ctx), interfaces.ErrConfig)

	_, err := m.OpenChannel(ctx, "localhost:1")
	require.ErrorIs(t, err, interfaces.ErrConfig)
	_, err = m.NewDispatcher("localhost:0")
	require.ErrorIs(t, err, interfaces.ErrConfig)
}

func TestChannelRoundTripThroughManager(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	newCertified := func(storeName string, appPort int) *TrustManager {
		backend, err := policystore.NewFileBackend(filepath.Join(t.TempDir(), storeName), slog.Default())
		require.NoError(t, err)

		store, err := policystore.New(backend, []byte("test-sealing-key"), slog.Default())
		require.NoError(t, err)

		m, err := New(Config{
			Store:       store,
			Attestation: cryptoutils.DummyAttestationProvider{Measurement: testMeasurement},
			Certifier:   env.authority,
			Log:         slog.Default(),
		})
		require.NoError(t, err)

		params := env.coldInitParams()
		params.AppPort = appPort
		require.NoError(t, m.InitPolicyKey(env.anchor))
		require.NoError(t, m.InitializeEnclave(nil))
		require.NoError(t, m.ColdInit(ctx, params))
		require.NoError(t, m.CertifyMe(ctx))
		return m
	}

	server := newCertified("server_store", 0)
	client := newCertified("client_store", 0)
	defer server.ClearSensitiveData()
	defer client.ClearSensitiveData()

	dispatcher, err := server.NewDispatcher("127.0.0.1:0")
	require.NoError(t, err)

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- dispatcher.Serve(func(ch *securechannel.Channel) {
			msg, err := ch.Read()
			if err != nil {
				return
			}
			ch.Write(append([]byte("echo: "), msg...))
		})
	}()

	ch, err := client.OpenChannel(ctx, dispatcher.Addr().String())
	require.NoError(t, err)

	require.NoError(t, ch.Write([]byte("hello")))
	reply, err := ch.Read()
	require.NoError(t, err)
	require.Equal(t, []byte("echo: hello"), reply)
	require.NoError(t, ch.Close())

	// Clearing the server quiesces the dispatcher and ends Serve.
	server.ClearSensitiveData()
	require.NoError(t, <-serveDone)
}

package trustmgr

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/tee-admission-node/api"
	"github.com/ruteri/tee-admission-node/api/certifier"
	"github.com/ruteri/tee-admission-node/cryptoutils"
	"github.com/ruteri/tee-admission-node/interfaces"
	"github.com/ruteri/tee-admission-node/policystore"
	"github.com/ruteri/tee-admission-node/securechannel"
)

// State is the trust manager's lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateKeyMaterialReady
	StateEnclaveReady
	StateColdInitDone
	StateRestored
	StateCertified
	StateCleared
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateKeyMaterialReady:
		return "key-material-ready"
	case StateEnclaveReady:
		return "enclave-ready"
	case StateColdInitDone:
		return "cold-init-done"
	case StateRestored:
		return "restored"
	case StateCertified:
		return "certified"
	case StateCleared:
		return "cleared"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PlatformInitializer is implemented by attestation providers that need
// explicit preparation before producing evidence, such as loading
// platform-specific key or endorsement files.
type PlatformInitializer interface {
	Initialize(params map[string]string) error
}

// ColdInitParams names the immutable facts recorded at first boot.
type ColdInitParams struct {
	PubkeyAlg    string
	SymmetricAlg string
	DomainName   string

	// PolicyHost and PolicyPort locate the policy authority the node will
	// request certification from.
	PolicyHost string
	PolicyPort int

	// AppHost and AppPort are the node's own application endpoint,
	// recorded so peers and the serving side agree on it across restarts.
	AppHost string
	AppPort int
}

// Config parameterizes a trust manager.
type Config struct {
	// Store is the policy store the node's trust material lives in.
	Store *policystore.Store

	// Attestation produces evidence for this node. Required for
	// InitializeEnclave and CertifyMe; lifecycle operations that never
	// touch the platform work without it.
	Attestation cryptoutils.AttestationProvider

	// Certifier overrides the policy authority client, used in tests.
	// When nil, CertifyMe builds an HTTP client from the recorded
	// authority endpoint.
	Certifier api.CertificationProvider

	Log *slog.Logger
}

// TrustManager drives a node's trust lifecycle and hands out channel
// credentials once the node is certified. All methods are safe for
// concurrent use.
type TrustManager struct {
	store       *policystore.Store
	attestation cryptoutils.AttestationProvider
	certifier   api.CertificationProvider
	log         *slog.Logger

	mu          sync.Mutex
	state       State
	policyRoot  cryptoutils.PolicyCert
	identityKey cryptoutils.IdentityPrivkey
	identityPub cryptoutils.IdentityPubkey
	rec         *policystore.Record

	channels    map[*securechannel.Channel]struct{}
	dispatchers map[*securechannel.Dispatcher]struct{}
}

// New creates a trust manager in the uninitialized state.
func New(cfg Config) (*TrustManager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: policy store is required", interfaces.ErrConfig)
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	return &TrustManager{
		store:       cfg.Store,
		attestation: cfg.Attestation,
		certifier:   cfg.Certifier,
		log:         log,
		state:       StateUninitialized,
		channels:    make(map[*securechannel.Channel]struct{}),
		dispatchers: make(map[*securechannel.Dispatcher]struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (m *TrustManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// InitPolicyKey installs the policy root anchor. The anchor is immutable
// for the life of the manager: installing the same anchor again is a
// no-op, installing a different one fails with ErrConfig.
func (m *TrustManager) InitPolicyKey(anchorPEM []byte) error {
	anchor, err := cryptoutils.NewPolicyCert(anchorPEM)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrConfig, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateCleared {
		return fmt.Errorf("%w: sensitive data has been cleared", interfaces.ErrConfig)
	}

	if m.policyRoot != nil {
		if !bytes.Equal(m.policyRoot, anchor) {
			return fmt.Errorf("%w: policy root anchor already installed and differs", interfaces.ErrConfig)
		}
		return nil
	}

	m.policyRoot = anchor
	if m.state == StateUninitialized {
		m.state = StateKeyMaterialReady
	}

	m.log.Info("Installed policy root anchor")
	return nil
}

// InitializeEnclave prepares the platform attestation capability. For
// platforms with self-contained evidence production this only checks the
// provider is present; providers that implement PlatformInitializer get
// the params passed through. Fails with ErrPlatform when the capability
// is unavailable.
func (m *TrustManager) InitializeEnclave(params map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateKeyMaterialReady {
		return fmt.Errorf("%w: enclave initialization requires the policy root anchor first (state %s)", interfaces.ErrConfig, m.state)
	}

	if m.attestation == nil {
		return fmt.Errorf("%w: no attestation provider configured", interfaces.ErrPlatform)
	}

	if init, ok := m.attestation.(PlatformInitializer); ok {
		if err := init.Initialize(params); err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrPlatform, err)
		}
	}

	m.state = StateEnclaveReady
	m.log.Info("Attestation platform ready",
		slog.String("type", m.attestation.AttestationType().StringID))
	return nil
}

// ColdInit generates a fresh identity key pair and persists the initial
// policy store record. It never contacts the policy authority; the node
// comes out of cold-init uncertified. Fails with ErrAlreadyInitialized if
// a record already exists, leaving it untouched.
func (m *TrustManager) ColdInit(ctx context.Context, params ColdInitParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateEnclaveReady {
		return fmt.Errorf("%w: cold-init requires an initialized enclave (state %s)", interfaces.ErrConfig, m.state)
	}

	exists, err := m.store.Exists(ctx)
	if err != nil {
		return fmt.Errorf("could not probe policy store: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: warm-restart instead", interfaces.ErrAlreadyInitialized)
	}

	pub, priv, err := cryptoutils.GenerateIdentityKeypair(params.PubkeyAlg)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrConfig, err)
	}

	rec := &policystore.Record{
		DomainName:     params.DomainName,
		PubkeyAlg:      params.PubkeyAlg,
		SymmetricAlg:   params.SymmetricAlg,
		PolicyHost:     params.PolicyHost,
		PolicyPort:     params.PolicyPort,
		AppHost:        params.AppHost,
		AppPort:        params.AppPort,
		PolicyCert:     m.policyRoot,
		IdentityPubkey: pub,
	}

	if err := m.store.Save(ctx, rec, priv); err != nil {
		return err
	}

	m.identityKey = priv
	m.identityPub = pub
	m.rec = rec
	m.state = StateColdInitDone

	keyHash, _ := pub.Hash()
	m.log.Info("Cold-init complete",
		slog.String("domain", params.DomainName),
		slog.String("pubkeyAlg", params.PubkeyAlg),
		slog.String("principal", cryptoutils.AdmissionPrincipal(keyHash, params.DomainName)))
	return nil
}

// WarmRestart reloads the persisted trust material. The recorded policy
// anchor must match the one installed via InitPolicyKey; a mismatch means
// the store belongs to a different trust domain and is treated as
// corrupt. Fails with ErrStoreMissing when no record exists.
func (m *TrustManager) WarmRestart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateEnclaveReady {
		return fmt.Errorf("%w: warm-restart requires an initialized enclave (state %s)", interfaces.ErrConfig, m.state)
	}

	rec, identityKey, err := m.store.Load(ctx)
	if err != nil {
		return err
	}

	if !bytes.Equal(rec.PolicyCert, m.policyRoot) {
		return fmt.Errorf("%w: stored policy anchor differs from the installed one", interfaces.ErrStoreCorrupt)
	}

	pub, err := cryptoutils.NewIdentityPubkey(rec.IdentityPubkey)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreCorrupt, err)
	}

	m.identityKey = identityKey
	m.identityPub = pub
	m.rec = rec

	if len(rec.AdmissionCert) > 0 {
		m.state = StateCertified
	} else {
		m.state = StateRestored
	}

	m.log.Info("Warm-restart complete",
		slog.String("domain", rec.DomainName),
		slog.Bool("certified", m.state == StateCertified))
	return nil
}

// CertifyMe produces fresh attestation evidence over the identity public
// key, submits it to the policy authority, verifies the returned
// admission certificate against the policy anchor, and persists it.
// Idempotent: already-certified nodes simply refresh their certificate.
//
// Error kinds: ErrPlatform when evidence cannot be produced,
// ErrCertificationDenied on definitive rejection, ErrNetwork on transient
// failures. On any failure the previous certificate, if any, remains in
// effect.
func (m *TrustManager) CertifyMe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateColdInitDone, StateRestored, StateCertified:
	default:
		return fmt.Errorf("%w: certification requires cold-init or warm-restart first (state %s)", interfaces.ErrConfig, m.state)
	}

	if m.attestation == nil {
		return fmt.Errorf("%w: no attestation provider configured", interfaces.ErrPlatform)
	}

	evidence, err := m.attestation.Attest(api.ReportData(m.identityPub))
	if err != nil {
		return fmt.Errorf("%w: could not produce attestation evidence: %v", interfaces.ErrPlatform, err)
	}

	client := m.certifier
	if client == nil {
		client = certifier.NewClient(
			fmt.Sprintf("http://%s:%d", m.rec.PolicyHost, m.rec.PolicyPort),
			m.attestation.AttestationType())
	}

	resp, err := client.Certify(ctx, &api.CertifyRequest{
		Evidence:       evidence,
		IdentityPubkey: m.identityPub,
		PubkeyAlg:      m.rec.PubkeyAlg,
		SymmetricAlg:   m.rec.SymmetricAlg,
		DomainName:     m.rec.DomainName,
	})
	if err != nil {
		return err
	}

	cert, err := cryptoutils.NewAdmissionCert(resp.AdmissionCert)
	if err != nil {
		return fmt.Errorf("%w: authority returned malformed certificate: %v", interfaces.ErrConfig, err)
	}
	if err := cryptoutils.VerifyAdmissionCert(m.policyRoot, cert, m.identityPub); err != nil {
		return fmt.Errorf("%w: authority returned certificate not usable under the installed anchor: %v", interfaces.ErrConfig, err)
	}

	// Persist first; only a durably stored certificate counts.
	updated := *m.rec
	updated.AdmissionCert = cert
	if err := m.store.Save(ctx, &updated, m.identityKey); err != nil {
		return err
	}

	m.rec = &updated
	m.state = StateCertified

	m.log.Info("Certification complete",
		slog.String("domain", m.rec.DomainName))
	return nil
}

// KeysInitialized reports whether identity key material is present in
// memory.
func (m *TrustManager) KeysInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identityKey != nil
}

// PolicyInfoInitialized reports whether the policy root anchor is
// installed.
func (m *TrustManager) PolicyInfoInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policyRoot != nil
}

// AdmissionCertValid reports whether the node holds an admission
// certificate that currently verifies against the policy anchor for the
// node's identity key. Derived on every call, never cached, so expiry
// flips it to false without any state transition.
func (m *TrustManager) AdmissionCertValid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admissionCertValidLocked()
}

func (m *TrustManager) admissionCertValidLocked() bool {
	if m.rec == nil || len(m.rec.AdmissionCert) == 0 || m.policyRoot == nil || m.identityPub == nil {
		return false
	}
	return cryptoutils.VerifyAdmissionCert(m.policyRoot, m.rec.AdmissionCert, m.identityPub) == nil
}

// Record returns a copy of the current policy store record, or nil before
// cold-init or warm-restart.
func (m *TrustManager) Record() *policystore.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return nil
	}
	rec := *m.rec
	return &rec
}

// channelCredentialsLocked gates channel construction on the full
// admission invariant: anchor installed, key material present, admission
// certificate currently valid.
func (m *TrustManager) channelCredentialsLocked() (cryptoutils.PolicyCert, cryptoutils.IdentityPrivkey, cryptoutils.AdmissionCert, error) {
	if m.policyRoot == nil {
		return nil, nil, nil, fmt.Errorf("%w: policy root anchor not installed", interfaces.ErrConfig)
	}
	if m.identityKey == nil {
		return nil, nil, nil, fmt.Errorf("%w: identity key material not available", interfaces.ErrConfig)
	}
	if !m.admissionCertValidLocked() {
		return nil, nil, nil, fmt.Errorf("%w: no valid admission certificate; run certification first", interfaces.ErrConfig)
	}
	return m.policyRoot, m.identityKey, m.rec.AdmissionCert, nil
}

// OpenChannel opens a secure channel to a peer at addr using the node's
// admission credentials. The channel is tracked; ClearSensitiveData
// closes it.
func (m *TrustManager) OpenChannel(ctx context.Context, addr string) (*securechannel.Channel, error) {
	m.mu.Lock()
	anchor, key, chain, err := m.channelCredentialsLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch, err := securechannel.InitClient(ctx, addr, anchor, key, chain)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.channels[ch] = struct{}{}
	m.mu.Unlock()

	return ch, nil
}

// NewDispatcher binds a server-side dispatcher on addr using the node's
// admission credentials. The dispatcher is tracked; ClearSensitiveData
// shuts it down and waits for in-flight handlers before zeroing keys.
func (m *TrustManager) NewDispatcher(addr string) (*securechannel.Dispatcher, error) {
	m.mu.Lock()
	anchor, key, chain, err := m.channelCredentialsLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	d, err := securechannel.NewDispatcher(securechannel.DispatcherConfig{
		ListenAddr:     addr,
		PolicyRoot:     anchor,
		IdentityKey:    key,
		AdmissionChain: chain,
		Log:            m.log,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.dispatchers[d] = struct{}{}
	m.mu.Unlock()

	return d, nil
}

// ClearSensitiveData quiesces all tracked channels and dispatchers, then
// zeroes the identity private key. After it returns no operation that
// needs key material can succeed. Idempotent; intended for defer on every
// process exit path.
func (m *TrustManager) ClearSensitiveData() {
	m.mu.Lock()
	if m.state == StateCleared {
		m.mu.Unlock()
		return
	}
	dispatchers := make([]*securechannel.Dispatcher, 0, len(m.dispatchers))
	for d := range m.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	channels := make([]*securechannel.Channel, 0, len(m.channels))
	for ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	// Quiesce outside the lock: dispatcher shutdown waits for handlers
	// which may themselves call back into the manager.
	for _, d := range dispatchers {
		d.Shutdown()
	}
	for _, ch := range channels {
		ch.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identityKey != nil {
		m.identityKey.Zero()
		m.identityKey = nil
	}
	m.identityPub = nil
	m.rec = nil
	m.channels = make(map[*securechannel.Channel]struct{})
	m.dispatchers = make(map[*securechannel.Dispatcher]struct{})
	m.state = StateCleared

	m.log.Info("Cleared sensitive data")
}

package cryptoutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// PolicyCA holds the policy authority's signing key and root certificate.
// Admission certificates are issued directly by this key, so the root
// certificate doubles as the policy root anchor clients verify against.
type PolicyCA struct {
	key  crypto.Signer
	cert *x509.Certificate

	certPEM PolicyCert
}

// NewPolicyCA parses a PEM key pair into a policy CA.
func NewPolicyCA(keyPEM, certPEM []byte) (*PolicyCA, error) {
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil || keyBlock.Type != "PRIVATE KEY" {
		return nil, errors.New("failed to decode policy key PEM block")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy key: %w", err)
	}

	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("policy key type %T cannot sign", parsed)
	}

	policyCert, err := NewPolicyCert(certPEM)
	if err != nil {
		return nil, err
	}

	cert, err := policyCert.GetX509Cert()
	if err != nil {
		return nil, err
	}

	return &PolicyCA{key: signer, cert: cert, certPEM: policyCert}, nil
}

// GeneratePolicyCA creates a fresh self-signed policy root with an ECDSA
// P-256 key, valid for ten years. The returned key PEM is PKCS#8.
func GeneratePolicyCA(cn string) (*PolicyCA, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"PolicyAuthority"},
			CommonName:   cn,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create policy certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	ca, err := NewPolicyCA(keyPEM, certPEM)
	if err != nil {
		return nil, nil, err
	}
	return ca, keyPEM, nil
}

// Cert returns the policy root certificate in PEM form.
func (ca *PolicyCA) Cert() PolicyCert {
	return ca.certPEM
}

// IssueAdmissionCert issues an admission certificate for an attested
// identity public key. The certificate's common name binds the key hash
// to the requesting node's domain and is what peers see as the principal
// id during channel setup. Valid for one year.
func (ca *PolicyCA) IssueAdmissionCert(pubkey IdentityPubkey, domain string) (AdmissionCert, error) {
	parsedPub, err := pubkey.GetPublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity public key: %w", err)
	}

	keyHash, err := pubkey.Hash()
	if err != nil {
		return nil, err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: AdmissionPrincipal(keyHash, domain),
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, ca.cert, parsedPub, ca.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create admission certificate: %w", err)
	}

	return AdmissionCert(pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})), nil
}

// AdmissionPrincipal derives the principal string bound into an admission
// certificate's common name.
func AdmissionPrincipal(keyHash [32]byte, domain string) string {
	return fmt.Sprintf("%s.%s", hex.EncodeToString(keyHash[:16]), domain)
}

// VerifyAdmissionCert checks that an admission certificate chains to the
// policy root anchor and that its bound public key matches the given
// identity public key. Both checks must hold for the certificate to be
// usable: a certificate that verifies against a different root, or that
// names a different key, fails.
func VerifyAdmissionCert(anchor PolicyCert, cert AdmissionCert, pubkey IdentityPubkey) error {
	pool, err := anchor.Pool()
	if err != nil {
		return fmt.Errorf("failed to parse policy root anchor: %w", err)
	}

	parsed, err := cert.GetX509Cert()
	if err != nil {
		return fmt.Errorf("failed to parse admission certificate: %w", err)
	}

	if _, err := parsed.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return fmt.Errorf("admission certificate does not chain to policy root: %w", err)
	}

	certPubDER, err := x509.MarshalPKIXPublicKey(parsed.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal certificate public key: %w", err)
	}

	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: certPubDER})
	match, err := pubkey.Equal(IdentityPubkey(pubPEM))
	if err != nil {
		return err
	}
	if !match {
		return errors.New("admission certificate bound to a different public key")
	}

	return nil
}

// VerifyPeerChain validates a raw certificate chain presented during a
// channel handshake against the policy root anchor. Admission
// certificates carry principal ids instead of DNS names, so this replaces
// the default hostname verification. Returns the verified leaf.
func VerifyPeerChain(anchor PolicyCert, rawCerts [][]byte) (*x509.Certificate, error) {
	if len(rawCerts) == 0 {
		return nil, errors.New("peer presented no certificate")
	}

	pool, err := anchor.Pool()
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy root anchor: %w", err)
	}

	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse peer certificate: %w", err)
	}

	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse peer intermediate: %w", err)
		}
		intermediates.AddCert(cert)
	}

	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         pool,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("peer certificate does not chain to policy root: %w", err)
	}

	return leaf, nil
}

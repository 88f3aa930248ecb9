package cryptoutils

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// Supported identity key algorithms, named the way the certification
// request carries them on the wire.
const (
	AlgRSA2048   = "rsa-2048"
	AlgRSA3072   = "rsa-3072"
	AlgECDSAP256 = "ecdsa-p256"
	AlgEd25519   = "ed25519"
)

// PolicyCert is the policy root anchor: a PEM-encoded CA certificate all
// admission certificates must chain to.
type PolicyCert []byte

// NewPolicyCert validates PEM data as a CA certificate.
func NewPolicyCert(data []byte) (PolicyCert, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("invalid policy certificate: not a PEM certificate")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid policy certificate structure: %w", err)
	}

	if !cert.IsCA {
		return nil, errors.New("policy certificate is not a CA certificate")
	}

	return PolicyCert(data), nil
}

// Validate checks if the policy certificate is properly formed.
func (c PolicyCert) Validate() error {
	_, err := NewPolicyCert(c)
	return err
}

// GetX509Cert returns the parsed X.509 certificate.
func (c PolicyCert) GetX509Cert() (*x509.Certificate, error) {
	block, _ := pem.Decode(c)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

// Pool returns a certificate pool containing only this anchor.
func (c PolicyCert) Pool() (*x509.CertPool, error) {
	cert, err := c.GetX509Cert()
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return pool, nil
}

// AdmissionCert is a PEM-encoded admission certificate issued by the
// policy authority for an attested identity key.
type AdmissionCert []byte

// NewAdmissionCert validates PEM data as a certificate.
func NewAdmissionCert(data []byte) (AdmissionCert, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("invalid admission certificate: not a PEM certificate")
	}

	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return nil, fmt.Errorf("invalid admission certificate structure: %w", err)
	}

	return AdmissionCert(data), nil
}

// Validate checks if the admission certificate is properly formed.
func (c AdmissionCert) Validate() error {
	_, err := NewAdmissionCert(c)
	return err
}

// GetX509Cert returns the parsed X.509 certificate.
func (c AdmissionCert) GetX509Cert() (*x509.Certificate, error) {
	block, _ := pem.Decode(c)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

// IsExpired checks if the admission certificate has expired.
func (c AdmissionCert) IsExpired() (bool, error) {
	cert, err := c.GetX509Cert()
	if err != nil {
		return false, err
	}
	return cert.NotAfter.Before(time.Now()), nil
}

// IdentityPubkey is the public half of an identity key pair in PEM form.
type IdentityPubkey []byte

// NewIdentityPubkey validates PEM data as a PKIX public key.
func NewIdentityPubkey(data []byte) (IdentityPubkey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("invalid public key: not a PEM public key")
	}

	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		return nil, fmt.Errorf("invalid public key structure: %w", err)
	}

	return IdentityPubkey(data), nil
}

// Validate checks if the public key is properly formed.
func (pub IdentityPubkey) Validate() error {
	_, err := NewIdentityPubkey(pub)
	return err
}

// GetPublicKey returns the parsed public key.
func (pub IdentityPubkey) GetPublicKey() (crypto.PublicKey, error) {
	block, _ := pem.Decode(pub)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}

// Hash returns the SHA-256 digest of the DER-encoded public key, used to
// derive the principal id bound into admission certificates.
func (pub IdentityPubkey) Hash() ([32]byte, error) {
	block, _ := pem.Decode(pub)
	if block == nil {
		return [32]byte{}, errors.New("failed to decode PEM block")
	}
	return DigestBytes(block.Bytes), nil
}

// Equal compares two public keys by their DER encoding.
func (pub IdentityPubkey) Equal(other IdentityPubkey) (bool, error) {
	a, _ := pem.Decode(pub)
	b, _ := pem.Decode(other)
	if a == nil || b == nil {
		return false, errors.New("failed to decode PEM block")
	}
	return bytes.Equal(a.Bytes, b.Bytes), nil
}

// IdentityPrivkey is the private half of an identity key pair in PKCS#8
// PEM form. It is never transmitted and is sealed before persisting.
type IdentityPrivkey []byte

// NewIdentityPrivkey validates PEM data as a PKCS#8 private key.
func NewIdentityPrivkey(data []byte) (IdentityPrivkey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, errors.New("invalid private key: not a PEM private key")
	}

	if _, err := x509.ParsePKCS8PrivateKey(block.Bytes); err != nil {
		return nil, fmt.Errorf("invalid private key structure: %w", err)
	}

	return IdentityPrivkey(data), nil
}

// Validate checks if the private key is properly formed.
func (priv IdentityPrivkey) Validate() error {
	_, err := NewIdentityPrivkey(priv)
	return err
}

// GetPrivateKey returns the parsed private key.
func (priv IdentityPrivkey) GetPrivateKey() (crypto.PrivateKey, error) {
	block, _ := pem.Decode(priv)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParsePKCS8PrivateKey(block.Bytes)
}

// GetPublicKey derives the public half from the private key.
func (priv IdentityPrivkey) GetPublicKey() (IdentityPubkey, error) {
	parsed, err := priv.GetPrivateKey()
	if err != nil {
		return nil, err
	}

	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type: %T", parsed)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, err
	}

	return IdentityPubkey(pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDER,
	})), nil
}

// Zero overwrites the PEM bytes in place. Parsed copies held elsewhere
// are the caller's responsibility.
func (priv IdentityPrivkey) Zero() {
	for i := range priv {
		priv[i] = 0
	}
}

// GenerateIdentityKeypair generates a fresh identity key pair using the
// named public key algorithm. The private key is returned in PKCS#8 PEM
// form, the public key in PKIX PEM form.
func GenerateIdentityKeypair(alg string) (IdentityPubkey, IdentityPrivkey, error) {
	var (
		signer crypto.Signer
		err    error
	)

	switch alg {
	case AlgRSA2048:
		signer, err = rsa.GenerateKey(rand.Reader, 2048)
	case AlgRSA3072:
		signer, err = rsa.GenerateKey(rand.Reader, 3072)
	case AlgECDSAP256:
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case AlgEd25519:
		_, signer, err = ed25519.GenerateKey(rand.Reader)
	default:
		return nil, nil, fmt.Errorf("unsupported public key algorithm %q", alg)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("key generation failed: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, nil, err
	}

	pubDER, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, nil, err
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	return IdentityPubkey(pubPEM), IdentityPrivkey(privPEM), nil
}

// Measurement is a cryptographic digest identifying a specific binary or
// code image.
type Measurement []byte

// String returns the hex representation of the measurement.
func (m Measurement) String() string {
	return hex.EncodeToString(m)
}

// Equal compares two measurements.
func (m Measurement) Equal(other Measurement) bool {
	return bytes.Equal(m, other)
}

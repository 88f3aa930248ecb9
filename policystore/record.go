package policystore

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/ruteri/tee-admission-node/interfaces"
)

// recordVersion is bumped on incompatible record format changes.
const recordVersion = 1

// Record is the durable aggregate of a node's trust material. The
// identity private key is stored sealed; everything else is plaintext
// but covered by the envelope checksum.
type Record struct {
	Version int `json:"version"`

	DomainName   string `json:"domain_name"`
	PubkeyAlg    string `json:"pubkey_alg"`
	SymmetricAlg string `json:"symmetric_alg"`

	PolicyHost string `json:"policy_host"`
	PolicyPort int    `json:"policy_port"`
	AppHost    string `json:"app_host"`
	AppPort    int    `json:"app_port"`

	PolicyCert        []byte `json:"policy_cert"`
	IdentityPubkey    []byte `json:"identity_pubkey"`
	SealedIdentityKey []byte `json:"sealed_identity_key"`

	// AdmissionCert is empty until certification succeeds.
	AdmissionCert []byte `json:"admission_cert,omitempty"`

	// PlatformFiles references auxiliary platform material by role,
	// e.g. endorsement or attest-key files.
	PlatformFiles map[string]string `json:"platform_files,omitempty"`
}

// envelope wraps the serialized record with an integrity checksum.
type envelope struct {
	Record   json.RawMessage `json:"record"`
	Checksum []byte          `json:"checksum"`
}

// encodeRecord serializes a record into its checksummed envelope.
func encodeRecord(rec *Record) ([]byte, error) {
	rec.Version = recordVersion

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize record: %w", err)
	}

	sum := sha256.Sum256(raw)
	return json.Marshal(envelope{Record: raw, Checksum: sum[:]})
}

// decodeRecord parses and integrity-checks a serialized envelope.
func decodeRecord(data []byte) (*Record, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope does not parse: %v", interfaces.ErrStoreCorrupt, err)
	}

	sum := sha256.Sum256(env.Record)
	if !bytes.Equal(sum[:], env.Checksum) {
		return nil, fmt.Errorf("%w: checksum mismatch", interfaces.ErrStoreCorrupt)
	}

	var rec Record
	if err := json.Unmarshal(env.Record, &rec); err != nil {
		return nil, fmt.Errorf("%w: record does not parse: %v", interfaces.ErrStoreCorrupt, err)
	}

	if rec.Version != recordVersion {
		return nil, fmt.Errorf("%w: unsupported record version %d", interfaces.ErrStoreCorrupt, rec.Version)
	}

	return &rec, nil
}

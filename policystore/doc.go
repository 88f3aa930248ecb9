// Package policystore persists a node's trust material: the identity key
// pair (sealed at rest), the policy root anchor, the admission
// certificate, and the network endpoints recorded at cold-init.
//
// The record is read and written wholesale. Every save is atomic and
// carries an integrity checksum, so a crash mid-write can never leave a
// record that parses but pairs a key with someone else's certificate.
// Load re-derives the public key from the sealed private key and verifies
// it against the stored public key before handing the record out.
//
// Storage backends are pluggable behind interfaces.StoreBackend and are
// created from location URIs by BackendFactory:
//
//   - file:///var/lib/app/store.json - local filesystem, the default
//   - vault://vault.example.com:8200/secret/store - HashiCorp Vault KV v2
//   - s3://bucket/path/store.json - Amazon S3 or compatible
//
// The record format is private to this package; external readers are
// unsupported.
package policystore

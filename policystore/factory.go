package policystore

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/ruteri/tee-admission-node/interfaces"
)

// BackendFactory creates policy store backends from location URIs.
type BackendFactory struct {
	log *slog.Logger
}

// NewBackendFactory creates a new factory instance.
func NewBackendFactory(log *slog.Logger) *BackendFactory {
	return &BackendFactory{log: log}
}

// BackendFor creates a storage backend from a location URI.
//
// Supported schemes:
//   - file:///path/to/store.json - local filesystem
//   - vault://host:port/mount/data/path - HashiCorp Vault KV v2 (token
//     from the VAULT_TOKEN environment variable; vault+http:// disables TLS)
//   - s3://bucket/key?region=us-east-1[&endpoint=host] - S3-compatible storage
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (f *BackendFactory) BackendFor(locationURI string) (interfaces.StoreBackend, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid store location URI: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return NewFileBackend(u.Path, f.log)
	case "vault", "vault+http":
		return f.createVaultBackend(u)
	case "s3":
		return f.createS3Backend(u)
	default:
		return nil, fmt.Errorf("unsupported store backend scheme: %s", u.Scheme)
	}
}

func (f *BackendFactory) createVaultBackend(u *url.URL) (interfaces.StoreBackend, error) {
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("vault URI must be vault://host:port/mount/data/path, got %s", u)
	}

	scheme := "https"
	if u.Scheme == "vault+http" {
		scheme = "http"
	}

	address := fmt.Sprintf("%s://%s", scheme, u.Host)
	return NewVaultBackend(address, parts[0], parts[1], os.Getenv("VAULT_TOKEN"), f.log)
}

func (f *BackendFactory) createS3Backend(u *url.URL) (interfaces.StoreBackend, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("s3 URI must be s3://bucket/key, got %s", u)
	}

	region := u.Query().Get("region")
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Backend(bucket, key, region, u.Query().Get("endpoint"), f.log)
}

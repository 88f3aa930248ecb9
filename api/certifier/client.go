package certifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ruteri/tee-admission-node/api"
	"github.com/ruteri/tee-admission-node/cryptoutils"
	"github.com/ruteri/tee-admission-node/interfaces"
)

// Client submits certification requests to a policy authority over its
// administrative endpoint. One request is outstanding per call; retry
// policy belongs to the caller.
type Client struct {
	baseURL         string
	attestationType cryptoutils.AttestationType
	httpClient      *http.Client
}

// NewClient creates a certification client for the authority at baseURL
// (e.g. "http://policy.example.com:8123"). The attestation type names the
// mechanism the node's evidence was produced with.
func NewClient(baseURL string, attestationType cryptoutils.AttestationType) *Client {
	return &Client{
		baseURL:         baseURL,
		attestationType: attestationType,
		httpClient:      http.DefaultClient,
	}
}

// WithHTTPClient overrides the HTTP client, e.g. to set timeouts.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Certify submits a certification request and returns the issued
// admission certificate.
//
// Error kinds: ErrCertificationDenied when the authority definitively
// rejected the evidence or measurement; ErrNetwork for transport
// failures, timeouts, and authority-side errors where a retry may
// succeed. The caller-supplied context bounds the round trip.
func (c *Client) Certify(ctx context.Context, req *api.CertifyRequest) (*api.CertifyResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("could not serialize certification request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		fmt.Sprintf("%s/api/attested/certify", c.baseURL),
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(cryptoutils.AttestationTypeHeader, c.attestationType.StringID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: could not reach policy authority: %v", interfaces.ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: could not read authority response: %v", interfaces.ErrNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", interfaces.ErrCertificationDenied, bytes.TrimSpace(respBody))
	default:
		return nil, fmt.Errorf("%w: authority returned status %d: %s", interfaces.ErrNetwork, resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var certResp api.CertifyResponse
	if err := json.Unmarshal(respBody, &certResp); err != nil {
		return nil, fmt.Errorf("%w: could not parse authority response: %v", interfaces.ErrNetwork, err)
	}

	return &certResp, nil
}

// PolicyCert fetches the policy root anchor from the authority. Intended
// for bootstrap tooling; production nodes receive the anchor out of band.
func (c *Client) PolicyCert(ctx context.Context) (interfaces.PolicyCert, error) {
	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		fmt.Sprintf("%s/api/public/policy_cert", c.baseURL),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: could not reach policy authority: %v", interfaces.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: authority returned status %d", interfaces.ErrNetwork, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: could not read authority response: %v", interfaces.ErrNetwork, err)
	}

	return cryptoutils.NewPolicyCert(body)
}

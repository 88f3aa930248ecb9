package cryptoutils

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
)

// AttestationTypeHeader names the attestation mechanism a certification
// request was produced with. Supported values: "qemu-tdx", "dummy".
const AttestationTypeHeader = "X-Attestation-Type"

var (
	DCAPAttestation = AttestationType{StringID: "qemu-tdx"}

	// DummyAttestation carries a self-declared measurement with no
	// hardware backing. Development and tests only.
	DummyAttestation = AttestationType{StringID: "dummy"}
)

// AttestationType identifies a TEE attestation mechanism.
type AttestationType struct {
	StringID string
}

func AttestationTypeFromString(str string) (AttestationType, error) {
	switch str {
	case DCAPAttestation.StringID:
		return DCAPAttestation, nil
	case DummyAttestation.StringID:
		return DummyAttestation, nil
	default:
		return AttestationType{}, errors.ErrUnsupported
	}
}

// AttestationProvider produces platform attestation evidence binding the
// 64-byte report data to the running code's measurement.
type AttestationProvider interface {
	AttestationType() AttestationType
	Attest(reportData [64]byte) ([]byte, error)
}

// EvidenceVerifier checks attestation evidence against the report data
// the verifier expects, returning the code measurement the evidence
// vouches for.
type EvidenceVerifier interface {
	AttestationType() AttestationType
	VerifyEvidence(evidence []byte, reportData [64]byte) (Measurement, error)
}

// VerifierForType returns the evidence verifier for an attestation
// mechanism name.
func VerifierForType(at AttestationType) (EvidenceVerifier, error) {
	switch at.StringID {
	case DCAPAttestation.StringID:
		return DCAPVerifier{}, nil
	case DummyAttestation.StringID:
		return DummyVerifier{}, nil
	default:
		return nil, errors.ErrUnsupported
	}
}

// DCAPAttestationProvider produces TDX quotes through the local quote
// provider device.
type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (DCAPAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// DCAPVerifier verifies TDX quotes and reports MRTD as the measurement.
type DCAPVerifier struct{}

func (DCAPVerifier) AttestationType() AttestationType { return DCAPAttestation }

func (DCAPVerifier) VerifyEvidence(evidence []byte, reportData [64]byte) (Measurement, error) {
	protoQuote, err := tdx_abi.QuoteToProto(evidence)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	if err := verify.TdxQuote(protoQuote, verify.DefaultOptions()); err != nil {
		return nil, fmt.Errorf("quote verification failed: %w", err)
	}

	if !bytes.Equal(v4Quote.TdQuoteBody.ReportData, reportData[:]) {
		return nil, fmt.Errorf("invalid report data %x, expected %x", v4Quote.TdQuoteBody.ReportData, reportData[:])
	}

	return Measurement(v4Quote.TdQuoteBody.MrTd), nil
}

// RemoteAttestationProvider fetches quotes from a quote provider service,
// for platforms where the device is only reachable through a proxy.
type RemoteAttestationProvider struct {
	Address string
}

func (*RemoteAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (p *RemoteAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	extraDataHex := hex.EncodeToString(reportData[:])

	url := fmt.Sprintf("%s/attest/%s", p.Address, extraDataHex)
	resp, err := http.DefaultClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

const dummyEvidencePrefix = "dummy-evidence/v1"

// DummyAttestationProvider fabricates evidence carrying a fixed
// measurement. The matching DummyVerifier accepts it; nothing else does.
type DummyAttestationProvider struct {
	Measurement Measurement
}

func (DummyAttestationProvider) AttestationType() AttestationType { return DummyAttestation }

func (p DummyAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	m := p.Measurement
	if len(m) == 0 {
		m = make(Measurement, MeasurementSize)
	}
	return []byte(fmt.Sprintf("%s|%s|%s", dummyEvidencePrefix,
		hex.EncodeToString(reportData[:]), hex.EncodeToString(m))), nil
}

// DummyVerifier accepts evidence fabricated by DummyAttestationProvider
// when the embedded report data matches.
type DummyVerifier struct{}

func (DummyVerifier) AttestationType() AttestationType { return DummyAttestation }

func (DummyVerifier) VerifyEvidence(evidence []byte, reportData [64]byte) (Measurement, error) {
	parts := strings.Split(string(evidence), "|")
	if len(parts) != 3 || parts[0] != dummyEvidencePrefix {
		return nil, errors.New("malformed dummy evidence")
	}

	evidenceReportData, err := hex.DecodeString(parts[1])
	if err != nil || len(evidenceReportData) != 64 {
		return nil, errors.New("malformed dummy evidence report data")
	}

	if !bytes.Equal(evidenceReportData, reportData[:]) {
		return nil, fmt.Errorf("invalid report data %x, expected %x", evidenceReportData, reportData[:])
	}

	measurement, err := hex.DecodeString(parts[2])
	if err != nil || len(measurement) != MeasurementSize {
		return nil, errors.New("malformed dummy evidence measurement")
	}

	return Measurement(measurement), nil
}

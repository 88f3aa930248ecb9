package certifier

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/ruteri/tee-admission-node/cryptoutils"
	"github.com/ruteri/tee-admission-node/interfaces"
)

// MeasurementPolicy decides whether an attested code measurement is
// approved for admission.
type MeasurementPolicy interface {
	MeasurementAllowed(m interfaces.Measurement) bool
}

// AllowlistPolicy approves exactly the measurements it has been given.
type AllowlistPolicy struct {
	mu      sync.RWMutex
	allowed map[string]struct{}
}

// NewAllowlistPolicy creates a policy approving the given measurements.
func NewAllowlistPolicy(measurements ...interfaces.Measurement) *AllowlistPolicy {
	p := &AllowlistPolicy{allowed: make(map[string]struct{})}
	for _, m := range measurements {
		p.allowed[m.String()] = struct{}{}
	}
	return p
}

// Allow adds a measurement to the allowlist.
func (p *AllowlistPolicy) Allow(m interfaces.Measurement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowed[m.String()] = struct{}{}
}

// AllowFromFile reads a raw measurement file, as written by the
// measurement utility, and adds it to the allowlist.
func (p *AllowlistPolicy) AllowFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read measurement file: %w", err)
	}
	if len(data) != cryptoutils.MeasurementSize {
		return fmt.Errorf("measurement file %s has %d bytes, expected %d", path, len(data), cryptoutils.MeasurementSize)
	}

	p.Allow(interfaces.Measurement(data))
	return nil
}

// AllowHex adds a hex-encoded measurement to the allowlist.
func (p *AllowlistPolicy) AllowHex(measurementHex string) error {
	m, err := hex.DecodeString(measurementHex)
	if err != nil {
		return fmt.Errorf("invalid measurement hex: %w", err)
	}
	if len(m) != cryptoutils.MeasurementSize {
		return fmt.Errorf("measurement has %d bytes, expected %d", len(m), cryptoutils.MeasurementSize)
	}

	p.Allow(interfaces.Measurement(m))
	return nil
}

// MeasurementAllowed reports whether the measurement is approved.
func (p *AllowlistPolicy) MeasurementAllowed(m interfaces.Measurement) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.allowed[m.String()]
	return ok
}

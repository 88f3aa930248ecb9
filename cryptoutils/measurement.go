package cryptoutils

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
)

// MeasurementSize is the size of a binary measurement digest in bytes.
const MeasurementSize = sha256.Size

// MaxMeasuredFileSize bounds the binaries the measurement utility will
// read. Larger inputs fail explicitly instead of exhausting memory.
const MaxMeasuredFileSize = 1 << 30

// DigestBytes computes the SHA-256 digest of a byte slice.
func DigestBytes(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// MeasureFile computes the measurement of a binary image: the SHA-256
// digest over the whole file. Oversized files and partial reads are
// explicit failures.
func MeasureFile(path string) (Measurement, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	if info.Size() > MaxMeasuredFileSize {
		return nil, fmt.Errorf("%s is too large to measure (%d bytes)", path, info.Size())
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if n != info.Size() {
		return nil, fmt.Errorf("partial read of %s: got %d of %d bytes", path, n, info.Size())
	}

	return Measurement(h.Sum(nil)), nil
}

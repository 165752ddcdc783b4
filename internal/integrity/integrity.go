// Package integrity runs the pre-flight check on raw echosounder files before
// any processing stage sees them. All checks read the file; none modify it.
//
// Simrad .raw files are a sequence of datagrams, each framed as
//
//	length (uint32 LE) | type (4 bytes) | NT time (8 bytes) | body | length (uint32 LE)
//
// The first datagram identifies the instrument: CON0 for EK60 configuration
// headers, XML0 for EK80.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrUnusable marks a file that cannot be processed. It is terminal for a run.
var ErrUnusable = errors.New("integrity: input unusable")

// Sonar models recognised from the first datagram.
const (
	SonarEK60 = "EK60"
	SonarEK80 = "EK80"
)

// Encode modes implied by the sonar model.
const (
	EncodePower   = "power"
	EncodeComplex = "complex"
)

const (
	fingerprintPrefix = "sha256:"
	headerSize        = 4 + 4 + 8
	// maxFirstDatagram bounds the configuration datagram; real headers are a
	// few kilobytes, anything larger means the length field is garbage.
	maxFirstDatagram = 16 << 20
)

// Report is the result of a successful integrity check.
type Report struct {
	Path        string `json:"path"`
	SizeBytes   int64  `json:"size_bytes"`
	SonarModel  string `json:"sonar_model"`
	EncodeMode  string `json:"encode_mode"`
	Fingerprint string `json:"fingerprint"`
}

// Check validates the file at path and detects its sonar model. Every
// failure, including a file that cannot be opened, wraps ErrUnusable.
func Check(path string) (Report, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the trigger, which is the point
	if err != nil {
		return Report{}, fmt.Errorf("%w: open: %w", ErrUnusable, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return Report{}, fmt.Errorf("%w: stat: %w", ErrUnusable, err)
	}
	if info.IsDir() {
		return Report{}, fmt.Errorf("%w: %s is a directory", ErrUnusable, path)
	}

	model, err := readFirstDatagram(f, info.Size())
	if err != nil {
		return Report{}, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Report{}, fmt.Errorf("%w: rewind: %w", ErrUnusable, err)
	}
	fp, err := Fingerprint(f)
	if err != nil {
		return Report{}, fmt.Errorf("%w: fingerprint: %w", ErrUnusable, err)
	}

	return Report{
		Path:        path,
		SizeBytes:   info.Size(),
		SonarModel:  model,
		EncodeMode:  EncodeModeFor(model),
		Fingerprint: fp,
	}, nil
}

// EncodeModeFor returns the encode mode for a sonar model. Unknown models
// fall back to power.
func EncodeModeFor(sonarModel string) string {
	if sonarModel == SonarEK80 {
		return EncodeComplex
	}
	return EncodePower
}

func readFirstDatagram(r io.ReadSeeker, size int64) (string, error) {
	if size < headerSize+4 {
		return "", fmt.Errorf("%w: file too short (%d bytes)", ErrUnusable, size)
	}

	var head [headerSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return "", fmt.Errorf("%w: read header: %w", ErrUnusable, err)
	}
	length := binary.LittleEndian.Uint32(head[0:4])
	if length < 12 || length > maxFirstDatagram || int64(length)+8 > size {
		return "", fmt.Errorf("%w: first datagram length %d out of range", ErrUnusable, length)
	}

	var model string
	switch string(head[4:8]) {
	case "CON0":
		model = SonarEK60
	case "XML0":
		model = SonarEK80
	default:
		return "", fmt.Errorf("%w: unknown first datagram type %q", ErrUnusable, head[4:8])
	}

	// The trailing length repeats the leading one.
	if _, err := r.Seek(int64(4+length), io.SeekStart); err != nil {
		return "", fmt.Errorf("%w: seek trailer: %w", ErrUnusable, err)
	}
	var tail [4]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return "", fmt.Errorf("%w: read trailer: %w", ErrUnusable, err)
	}
	if got := binary.LittleEndian.Uint32(tail[:]); got != length {
		return "", fmt.Errorf("%w: datagram trailer %d does not match header %d", ErrUnusable, got, length)
	}
	return model, nil
}

// Fingerprint returns a versioned SHA-256 digest of r's content.
func Fingerprint(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return fingerprintPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// Package crypt reads the AES-192 encrypted container format used by the
// ITG2 arcade build for game assets (".kry" files) and updates (".patch"
// files). The format is read-only; this package never writes it.
package crypt

import (
	"fmt"
	"path/filepath"
)

// ErrWrongMagic is an error that indicates the file does not start with the
// magic bytes expected for the configured keying mode
var ErrWrongMagic = fmt.Errorf("wrong container magic")

// ErrTruncatedHeader is an error that indicates the file ended before the
// container header was complete
var ErrTruncatedHeader = fmt.Errorf("truncated container header")

// ErrKeyVerifyFailed is an error that indicates the derived AES key does not
// decrypt the verify block to the expected plaintext
var ErrKeyVerifyFailed = fmt.Errorf("key verification failed")

// ErrCannotReopen is an error that indicates a clone could not reopen the
// underlying path
var ErrCannotReopen = fmt.Errorf("cannot reopen file")

// ErrBadSecret is an error that indicates the supplied patch secret has the
// wrong length
var ErrBadSecret = fmt.Errorf("patch secret must be exactly 47 bytes")

// SecretLength is the exact length of the shared patch secret. The secret is
// build configuration of the game distribution and is never embedded here.
const SecretLength = 47

// Dongle is the hardware key-derivation oracle carried by arcade cabinets.
// Implementations map the per-file subkey from the container header to a
// 24-byte AES key. The derivation algorithm is opaque to this package.
type Dongle interface {
	DeriveAESKey(subkey []byte) ([]byte, error)
}

// Driver opens encrypted files below a root directory. The original build
// registers one driver for ".kry" files (dongle keyed) and one for ".patch"
// files (secret keyed); which of the two derivation paths a driver uses is
// implied by its secret: a driver with an empty secret expects arcade files
// and consults the dongle, a driver with a 47-byte secret expects patch
// files.
type Driver struct {
	root   string
	secret []byte
	dongle Dongle
}

// NewDriver returns a driver rooted at the given directory. secret must be
// empty (arcade files, keys from the dongle) or exactly 47 bytes (patch
// files, keys derived from the subkey and the secret).
func NewDriver(root, secret string, dongle Dongle) (*Driver, error) {
	if secret != "" && len(secret) != SecretLength {
		return nil, fmt.Errorf("crypt: %d byte secret: %w", len(secret), ErrBadSecret)
	}
	return &Driver{root: root, secret: []byte(secret), dongle: dongle}, nil
}

// Open opens the encrypted file at the given path relative to the driver
// root.
func (d *Driver) Open(path string) (*File, error) {
	return openFile(filepath.Join(d.root, path), d.secret, d.dongle)
}

// Open opens a single encrypted file without a driver. secret follows the
// same rules as NewDriver.
func Open(path string, secret string, dongle Dongle) (*File, error) {
	if secret != "" && len(secret) != SecretLength {
		return nil, fmt.Errorf("crypt: %d byte secret: %w", len(secret), ErrBadSecret)
	}
	return openFile(path, []byte(secret), dongle)
}

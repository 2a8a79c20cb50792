package crypt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Container header layout, all integers little-endian:
//
//	offset 0        2 bytes   magic (":|" arcade, "8O" patch)
//	offset 2        4 bytes   plaintext length
//	offset 6        4 bytes   subkey length
//	offset 10       n bytes   subkey
//	offset 10+n     16 bytes  verify block (ciphertext of a block starting ":D")
//	offset 26+n     rest      ciphertext body
var (
	magicArcade = [2]byte{':', '|'}
	magicPatch  = [2]byte{'8', 'O'}
)

// verifyMagic is the plaintext prefix the verify block must decrypt to
var verifyMagic = [2]byte{':', 'D'}

type header struct {
	magic    [2]byte
	plainLen uint32
	subkey   []byte
	verify   [blockSize]byte
	size     int64 // total header bytes; the ciphertext body starts here
}

// readHeader parses the container header from the start of f. The magic is
// checked via checkMagic as soon as it is read, before any length fields are
// trusted.
func readHeader(f *os.File, path string, checkMagic func([2]byte) error) (*header, error) {
	var hdr header

	if _, err := io.ReadFull(f, hdr.magic[:]); err != nil {
		return nil, fmt.Errorf("crypt: %s: magic: %w", path, ErrTruncatedHeader)
	}
	if err := checkMagic(hdr.magic); err != nil {
		return nil, err
	}

	var lengths [8]byte
	if _, err := io.ReadFull(f, lengths[:]); err != nil {
		return nil, fmt.Errorf("crypt: %s: lengths: %w", path, ErrTruncatedHeader)
	}
	hdr.plainLen = binary.LittleEndian.Uint32(lengths[0:4])
	subkeyLen := binary.LittleEndian.Uint32(lengths[4:8])

	// Never trust the subkey length beyond what the file can hold.
	if st, err := f.Stat(); err == nil && int64(subkeyLen) > st.Size() {
		return nil, fmt.Errorf("crypt: %s: %d byte subkey: %w", path, subkeyLen, ErrTruncatedHeader)
	}

	hdr.subkey = make([]byte, subkeyLen)
	if _, err := io.ReadFull(f, hdr.subkey); err != nil {
		return nil, fmt.Errorf("crypt: %s: subkey: %w", path, ErrTruncatedHeader)
	}

	if _, err := io.ReadFull(f, hdr.verify[:]); err != nil {
		return nil, fmt.Errorf("crypt: %s: verify block: %w", path, ErrTruncatedHeader)
	}

	hdr.size = 2 + 4 + 4 + int64(subkeyLen) + blockSize
	return &hdr, nil
}

// modeMagic returns the magic checker for the keying mode implied by the
// secret: no secret means arcade dongle keying, a secret means patch keying.
func modeMagic(path string, secret []byte) func([2]byte) error {
	want := magicArcade
	if len(secret) > 0 {
		want = magicPatch
	}
	return func(magic [2]byte) error {
		if !bytes.Equal(magic[:], want[:]) {
			return fmt.Errorf("crypt: %s: got %q, want %q: %w", path, magic[:], want[:], ErrWrongMagic)
		}
		return nil
	}
}

// anyMagic accepts either container flavor.
func anyMagic(path string) func([2]byte) error {
	return func(magic [2]byte) error {
		if !bytes.Equal(magic[:], magicArcade[:]) && !bytes.Equal(magic[:], magicPatch[:]) {
			return fmt.Errorf("crypt: %s: got %q: %w", path, magic[:], ErrWrongMagic)
		}
		return nil
	}
}

// ContainerInfo describes a container header without deriving any keys.
type ContainerInfo struct {
	Magic           string
	Arcade          bool // true for dongle-keyed arcade files, false for patch files
	PlaintextLength uint32
	SubkeyLength    uint32
	HeaderLength    int64
}

// Stat reads and validates the header of the encrypted file at path. It does
// not derive a key, so it works without a secret or a dongle.
func Stat(path string) (*ContainerInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("crypt: open %s: %w", path, err)
	}
	defer f.Close()

	hdr, err := readHeader(f, path, anyMagic(path))
	if err != nil {
		return nil, err
	}

	return &ContainerInfo{
		Magic:           string(hdr.magic[:]),
		Arcade:          bytes.Equal(hdr.magic[:], magicArcade[:]),
		PlaintextLength: hdr.plainLen,
		SubkeyLength:    uint32(len(hdr.subkey)),
		HeaderLength:    hdr.size,
	}, nil
}

package crypt

import (
	"crypto/cipher"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

const (
	blockSize = 16

	// The whitening chain restarts with a zero backbuffer every 4080
	// plaintext bytes (255 blocks), which is what makes bounded-range
	// random access possible.
	resetInterval = 4080
)

// File is an open encrypted file. Reads return plaintext; offsets passed to
// Seek and returned by Tell are plaintext offsets. A File is not safe for
// concurrent use; use Clone to read the same file from several goroutines.
type File struct {
	path   string
	f      *os.File
	key    []byte
	block  cipher.Block
	hdrLen int64
	size   int64 // plaintext length, from the header
	pos    int64
	secret []byte
	dongle Dongle
}

var _ io.ReadSeekCloser = (*File)(nil)

func openFile(path string, secret []byte, dongle Dongle) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("crypt: open %s: %w", path, err)
	}

	pf, err := finishOpen(f, path, secret, dongle)
	if err != nil {
		f.Close()
		return nil, err
	}
	return pf, nil
}

func finishOpen(f *os.File, path string, secret []byte, dongle Dongle) (*File, error) {
	hdr, err := readHeader(f, path, modeMagic(path, secret))
	if err != nil {
		return nil, err
	}

	// The ciphertext body, rounded up to a whole block, must be able to
	// hold the advertised plaintext.
	if st, err := f.Stat(); err == nil {
		if body := st.Size() - hdr.size; roundUp(body, blockSize) < int64(hdr.plainLen) {
			return nil, fmt.Errorf("crypt: %s: %d byte body cannot hold %d plaintext bytes: %w", path, body, hdr.plainLen, ErrTruncatedHeader)
		}
	}

	key, err := resolveKey(path, hdr, secret, dongle)
	if err != nil {
		return nil, err
	}

	// Each file owns its key schedule; the cached key bytes are shared
	// and immutable.
	block, err := newSchedule(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: %s: %w", path, err)
	}

	log.Tracef("crypt: opened %s (%d plaintext bytes, %d byte header)", path, hdr.plainLen, hdr.size)

	return &File{
		path:   path,
		f:      f,
		key:    key,
		block:  block,
		hdrLen: hdr.size,
		size:   int64(hdr.plainLen),
		secret: secret,
		dongle: dongle,
	}, nil
}

// Read decrypts up to len(p) plaintext bytes from the current position and
// advances it. EOF is the header's plaintext length, not the raw file size.
func (pf *File) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if pf.pos >= pf.size {
		return 0, io.EOF
	}
	n := len(p)
	if remaining := pf.size - pf.pos; int64(n) > remaining {
		n = int(remaining)
	}
	if err := pf.decryptAt(p[:n], pf.pos); err != nil {
		return 0, err
	}
	pf.pos += int64(n)
	return n, nil
}

// decryptAt reads the ciphertext blocks covering [off, off+len(dst)) and
// decrypts them. AES works in 16-byte blocks: the start is rounded down to
// the containing block, the end rounded up, and the backbuffer is seeded
// with the 16 ciphertext bytes preceding the start, or with zeros when the
// start falls on a chain reset boundary.
func (pf *File) decryptAt(dst []byte, off int64) error {
	start := off / blockSize * blockSize
	end := roundUp(off+int64(len(dst)), blockSize)
	skip := off - start

	raw := make([]byte, end-start)
	if n, err := pf.f.ReadAt(raw, pf.hdrLen+start); n < len(raw) {
		return fmt.Errorf("crypt: %s: ciphertext at %d: expected %d bytes, got %d: %w", pf.path, start, len(raw), n, err)
	}

	var back [blockSize]byte
	if start%resetInterval != 0 {
		if _, err := pf.f.ReadAt(back[:], pf.hdrLen+start-blockSize); err != nil {
			return fmt.Errorf("crypt: %s: chain block at %d: %w", pf.path, start-blockSize, err)
		}
	}

	plain := make([]byte, len(raw))
	var x [blockSize]byte
	for i := 0; i < len(raw); i += blockSize {
		pf.block.Decrypt(x[:], raw[i:i+blockSize])

		// Not a standard AES mode: each plaintext byte is the block
		// decryption XORed with the previous ciphertext byte minus the
		// byte index, modulo 256. Intrinsic to the format.
		for j := 0; j < blockSize; j++ {
			plain[i+j] = x[j] ^ (back[j] - byte(j))
		}

		if (start+int64(i)+blockSize)%resetInterval == 0 {
			back = [blockSize]byte{}
		} else {
			copy(back[:], raw[i:i+blockSize])
		}
	}

	copy(dst, plain[skip:])
	return nil
}

// Seek sets the position for the next Read, in plaintext coordinates.
func (pf *File) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = pf.pos + offset
	case io.SeekEnd:
		pos = pf.size + offset
	default:
		return 0, fmt.Errorf("crypt: %s: invalid seek whence %d", pf.path, whence)
	}
	if pos < 0 || pos > pf.size {
		return 0, fmt.Errorf("crypt: %s: seek offset %d out of range [0, %d]", pf.path, pos, pf.size)
	}
	pf.pos = pos
	return pos, nil
}

// Tell returns the current plaintext offset.
func (pf *File) Tell() int64 {
	return pf.pos
}

// Size returns the plaintext length from the container header.
func (pf *File) Size() int64 {
	return pf.size
}

// Path returns the path the file was opened from.
func (pf *File) Path() string {
	return pf.path
}

// Clone duplicates the open file with an independent raw file handle and its
// own key schedule, at the same position. Reads on the clone do not disturb
// the original.
func (pf *File) Clone() (*File, error) {
	f, err := os.Open(pf.path)
	if err != nil {
		return nil, fmt.Errorf("crypt: reopen %s: %v: %w", pf.path, err, ErrCannotReopen)
	}

	nf, err := finishOpen(f, pf.path, pf.secret, pf.dongle)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("crypt: reopen %s: %v: %w", pf.path, err, ErrCannotReopen)
	}
	nf.pos = pf.pos
	return nf, nil
}

// Close closes the underlying file handle.
func (pf *File) Close() error {
	return pf.f.Close()
}

func roundUp(n, divider int64) int64 {
	return (n + divider - 1) / divider * divider
}

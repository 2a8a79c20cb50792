package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

const aesKeySize = 24 // AES-192

// Derived keys are cached for the life of the process, keyed by path string.
// Derivation only happens at open time and files are never replaced while
// the game runs, so there is no eviction or invalidation.
//
// The original cached by pointer identity of the path's backing buffer,
// which made hits depend on string interning; keying by value here.
var (
	keyCacheMu sync.Mutex
	keyCache   = map[string][]byte{}
)

// resetKeyCache drops all cached keys. Test hook.
func resetKeyCache() {
	keyCacheMu.Lock()
	keyCache = map[string][]byte{}
	keyCacheMu.Unlock()
}

// resolveKey returns the 24-byte AES key for the file at path, deriving and
// caching it on first use. The key is verified against the header's verify
// block before it is cached, so a cached key is always a working key.
func resolveKey(path string, hdr *header, secret []byte, dongle Dongle) ([]byte, error) {
	keyCacheMu.Lock()
	key, ok := keyCache[path]
	keyCacheMu.Unlock()
	if ok {
		log.Debugf("crypt: %s: using cached key", path)
		return key, nil
	}

	if len(secret) == 0 {
		if dongle == nil {
			return nil, fmt.Errorf("crypt: %s: arcade file but no dongle available", path)
		}
		log.Debugf("crypt: %s: deriving key from dongle", path)
		var err error
		key, err = dongle.DeriveAESKey(hdr.subkey)
		if err != nil {
			return nil, fmt.Errorf("crypt: %s: dongle derivation: %w", path, err)
		}
		if len(key) != aesKeySize {
			return nil, fmt.Errorf("crypt: %s: dongle returned %d byte key, want %d", path, len(key), aesKeySize)
		}
	} else {
		log.Debugf("crypt: %s: deriving key from patch secret", path)
		buf := make([]byte, 0, len(hdr.subkey)+SecretLength)
		buf = append(buf, hdr.subkey...)
		buf = append(buf, secret...)
		digest := sha512.Sum512(buf)
		key = digest[:aesKeySize]
	}
	logHex("AES key", key)

	if err := verifyKey(key, hdr); err != nil {
		return nil, fmt.Errorf("crypt: %s: %w", path, err)
	}

	keyCacheMu.Lock()
	keyCache[path] = key
	keyCacheMu.Unlock()

	return key, nil
}

// verifyKey decrypts the header's verify block and checks the plaintext
// prefix, catching wrong dongles and wrong secrets before the body is read.
func verifyKey(key []byte, hdr *header) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	var plain [blockSize]byte
	block.Decrypt(plain[:], hdr.verify[:])
	if plain[0] != verifyMagic[0] || plain[1] != verifyMagic[1] {
		return ErrKeyVerifyFailed
	}
	return nil
}

func newSchedule(key []byte) (cipher.Block, error) {
	return aes.NewCipher(key)
}

// logHex dumps a byte string at debug level
func logHex(name string, value []byte) {
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("crypt: %s: % X", name, value)
	}
}

// Package secrets encrypts provider credentials at rest.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Format of a stored secret: hex(iv) + ":" + hex(ciphertext), AES-256-CBC
// with PKCS#7 padding. Values without the separator are legacy rows written
// before the IV was stored; they are decrypted through the legacy strategy
// chain and re-encrypted lazily on the next read.

const keySize = 32

// legacyStrategy attempts to decrypt an old on-disk format. Strategies are
// tried in order; retiring a format means removing its entry here.
type legacyStrategy func(c *Cipher, raw string) (string, error)

// Cipher performs symmetric encryption of credential fields. The key is
// derived from the process-wide secret, so all instances built from the same
// secret are interchangeable.
type Cipher struct {
	key    []byte
	legacy []legacyStrategy
}

// New derives an AES-256 key from secret. The secret may be any length;
// it is hashed to the required key size.
func New(secret string) *Cipher {
	sum := sha256.Sum256([]byte(secret))
	return &Cipher{
		key:    sum[:keySize],
		legacy: []legacyStrategy{decryptZeroIV},
	}
}

// Encrypt returns the storable form of plaintext. Empty input is returned
// unchanged: empty credentials are stored empty, never as ciphertext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. It never fails: if the value is not valid
// ciphertext in the current format, the legacy strategies are tried in
// order, and if none succeeds the stored value is returned as-is so that
// unmigratable rows keep working.
func (c *Cipher) Decrypt(stored string) string {
	if stored == "" {
		return stored
	}

	if iv, ct, ok := splitStored(stored); ok {
		if out, err := c.decryptCBC(iv, ct); err == nil {
			return out
		}
	}

	for _, strategy := range c.legacy {
		if out, err := strategy(c, stored); err == nil {
			return out
		}
	}

	return stored
}

// NeedsMigration reports whether stored is in a legacy format that should
// be re-encrypted on the next write.
func (c *Cipher) NeedsMigration(stored string) bool {
	return stored != "" && !strings.Contains(stored, ":")
}

// Reencrypt decrypts a legacy value and returns it in the current format.
// Values already in the current format are returned unchanged.
func (c *Cipher) Reencrypt(stored string) (string, error) {
	if !c.NeedsMigration(stored) {
		return stored, nil
	}
	return c.Encrypt(c.Decrypt(stored))
}

func (c *Cipher) decryptCBC(iv, ct []byte) (string, error) {
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("bad iv length %d", len(iv))
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("bad ciphertext length %d", len(ct))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	out, err := pkcs7Unpad(pt, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// decryptZeroIV handles rows written before a per-value IV was stored:
// the whole value is hex ciphertext encrypted with an all-zero IV.
func decryptZeroIV(c *Cipher, raw string) (string, error) {
	ct, err := hex.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("decode legacy ciphertext: %w", err)
	}
	return c.decryptCBC(make([]byte, aes.BlockSize), ct)
}

func splitStored(stored string) (iv, ct []byte, ok bool) {
	idx := strings.IndexByte(stored, ':')
	if idx < 0 {
		return nil, nil, false
	}
	iv, err := hex.DecodeString(stored[:idx])
	if err != nil {
		return nil, nil, false
	}
	ct, err = hex.DecodeString(stored[idx+1:])
	if err != nil {
		return nil, nil, false
	}
	return iv, ct, true
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("bad padded length %d", len(data))
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize {
		return nil, fmt.Errorf("bad padding byte %d", pad)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-pad], nil
}

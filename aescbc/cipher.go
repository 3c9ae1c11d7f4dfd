// Package aescbc implements the single cipher used between the REE and the
// TEE: AES-256 in CBC mode with a 16-byte IV, plus the fixed padding and
// framing conventions of the secure-call message format.
//
// It is deliberately not a general purpose crypto package. Key size, block
// size and IV size are fixed and there is no algorithm negotiation.
package aescbc

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-256 key size.
	KeySize = 32
	// IVSize is the CBC initialization vector size.
	IVSize = 16
	// BlockSize is the AES block size.
	BlockSize = aes.BlockSize
)

var (
	// ErrInvalidLength is returned for buffers that are empty or not a
	// multiple of BlockSize.
	ErrInvalidLength = errors.New("invalid cipher buffer length")
	// ErrInvalidKey is returned for keys that are not KeySize bytes.
	ErrInvalidKey = errors.New("invalid cipher key")
	// ErrInvalidIV is returned for IVs that are not IVSize bytes.
	ErrInvalidIV = errors.New("invalid cipher iv")
)

// Engine performs synchronous AES-256-CBC operations. IVs for encryption
// are drawn from its randomness source when the caller does not supply one.
type Engine struct {
	rand *Random
}

// NewEngine creates an engine. A nil source selects DefaultRandom.
func NewEngine(r *Random) *Engine {
	if r == nil {
		r = DefaultRandom()
	}
	return &Engine{rand: r}
}

// Random returns the engine's randomness source.
func (e *Engine) Random() *Random {
	return e.rand
}

// Encrypt encrypts plaintext under key.
//
// With a nil iv a fresh IV is generated and appended after the ciphertext,
// so the result is len(plaintext)+IVSize bytes. With an explicit iv the
// result is exactly len(plaintext) bytes.
func (e *Engine) Encrypt(plaintext, key, iv []byte) ([]byte, error) {
	if err := checkBlocks(len(plaintext)); err != nil {
		return nil, err
	}

	out := make([]byte, len(plaintext), len(plaintext)+IVSize)
	if iv == nil {
		out = out[:len(plaintext)+IVSize]
		iv = out[len(plaintext):]
		if err := e.rand.Fill(iv); err != nil {
			return nil, fmt.Errorf("failed to generate iv: %w", err)
		}
	}

	if err := crypt(out[:len(plaintext)], plaintext, key, iv, true); err != nil {
		Wipe(out)
		return nil, err
	}
	return out, nil
}

// Decrypt decrypts ciphertext under key.
//
// With a nil iv the last IVSize bytes of ciphertext are taken as the IV and
// the remainder is decrypted. With an explicit iv the whole buffer is
// decrypted.
func (e *Engine) Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	src := ciphertext
	if iv == nil {
		if len(ciphertext) < IVSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(ciphertext))
		}
		src = ciphertext[:len(ciphertext)-IVSize]
		iv = ciphertext[len(ciphertext)-IVSize:]
	}
	if err := checkBlocks(len(src)); err != nil {
		return nil, err
	}

	out := make([]byte, len(src))
	if err := crypt(out, src, key, iv, false); err != nil {
		Wipe(out)
		return nil, err
	}
	return out, nil
}

func checkBlocks(n int) error {
	if n == 0 || n%BlockSize != 0 {
		return fmt.Errorf("%w: %d bytes", ErrInvalidLength, n)
	}
	return nil
}

// crypt runs one CBC pass. The IV is copied so callers' buffers are never
// chained through.
func crypt(dst, src, key, iv []byte, encrypt bool) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(key))
	}
	if len(iv) != IVSize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidIV, len(iv))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	var ivCopy [IVSize]byte
	copy(ivCopy[:], iv)
	defer Wipe(ivCopy[:])

	if encrypt {
		cipher.NewCBCEncrypter(block, ivCopy[:]).CryptBlocks(dst, src)
	} else {
		cipher.NewCBCDecrypter(block, ivCopy[:]).CryptBlocks(dst, src)
	}
	return nil
}

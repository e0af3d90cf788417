package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"e2e_engine/internal/cryptographic/prng"

	"golang.org/x/crypto/chacha20poly1305"
)

func gcmEncrypt(key, plaintext []byte, rng prng.PRNG) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return seal(aead, plaintext, rng), nil
}

func gcmDecrypt(key, nonceAndCiphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return open(aead, nonceAndCiphertext)
}

func xchachaEncrypt(key, plaintext []byte, rng prng.PRNG) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("chacha20poly1305.NewX: %w", err)
	}
	return seal(aead, plaintext, rng), nil
}

func xchachaDecrypt(key, nonceAndCiphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("chacha20poly1305.NewX: %w", err)
	}
	return open(aead, nonceAndCiphertext)
}

// nonce || ciphertext
func seal(aead cipher.AEAD, plaintext []byte, rng prng.PRNG) []byte {
	nonce := rng.GenBytes(aead.NonceSize())
	return aead.Seal(nonce, nonce, plaintext, nil)
}

func open(aead cipher.AEAD, nonceAndCiphertext []byte) ([]byte, error) {
	ns := aead.NonceSize()
	if len(nonceAndCiphertext) < ns+aead.Overhead() {
		return nil, ErrCiphertextShort
	}
	plain, err := aead.Open(nil, nonceAndCiphertext[:ns], nonceAndCiphertext[ns:], nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plain, nil
}

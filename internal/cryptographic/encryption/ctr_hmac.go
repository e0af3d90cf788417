package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"e2e_engine/internal/cryptographic/prng"
)

const (
	ctrAESKeySize  = 32
	ctrHMACKeySize = 32
	ctrKeySize     = ctrAESKeySize + ctrHMACKeySize
	ctrIVSize      = 8
)

// iv(8) || AES-256-CTR(plaintext) || HMAC-SHA256(iv || ct)
func ctrHMACEncrypt(key, plaintext []byte, rng prng.PRNG) ([]byte, error) {
	block, err := aes.NewCipher(key[:ctrAESKeySize])
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}

	out := make([]byte, ctrIVSize+len(plaintext), ctrIVSize+len(plaintext)+sha256.Size)
	copy(out, rng.GenBytes(ctrIVSize))

	counter := make([]byte, aes.BlockSize)
	copy(counter, out[:ctrIVSize])
	cipher.NewCTR(block, counter).XORKeyStream(out[ctrIVSize:], plaintext)

	mac := hmac.New(sha256.New, key[ctrAESKeySize:])
	mac.Write(out)
	return mac.Sum(out), nil
}

func ctrHMACDecrypt(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < ctrIVSize+sha256.Size {
		return nil, ErrCiphertextShort
	}

	body := ciphertext[:len(ciphertext)-sha256.Size]
	tag := ciphertext[len(ciphertext)-sha256.Size:]

	mac := hmac.New(sha256.New, key[ctrAESKeySize:])
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, ErrDecryption
	}

	block, err := aes.NewCipher(key[:ctrAESKeySize])
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}

	counter := make([]byte, aes.BlockSize)
	copy(counter, body[:ctrIVSize])
	plain := make([]byte, len(body)-ctrIVSize)
	cipher.NewCTR(block, counter).XORKeyStream(plain, body[ctrIVSize:])
	return plain, nil
}

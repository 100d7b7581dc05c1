package minipack

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const keySize = 32

func newKeyPair() (priv, pub []byte, err error) {
	priv = make([]byte, keySize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func sharedSecret(priv, pub []byte) ([]byte, error) {
	return curve25519.X25519(priv, pub)
}

// deriveKey stretches the DH output(s) into the content-encryption key. The
// algorithm identifier binds the key to the envelope mode.
func deriveKey(secret []byte, alg string) ([]byte, error) {
	key := make([]byte, keySize)
	h := hkdf.New(sha256.New, secret, nil, []byte(alg))
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, err
	}
	return key, nil
}

// seal AES-256-GCM encrypts plaintext and prepends the nonce.
func seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, nonceAndCiphertext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	ns := aead.NonceSize()
	if len(nonceAndCiphertext) < ns {
		return nil, fmt.Errorf("ciphertext too short")
	}
	return aead.Open(nil, nonceAndCiphertext[:ns], nonceAndCiphertext[ns:], aad)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

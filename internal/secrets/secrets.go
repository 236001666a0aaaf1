package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// Prefix marca credenciais cifradas no arquivo de câmeras.
const Prefix = "enc:"

const (
	saltLength    = 16
	keyIterations = 120000
)

var (
	ErrNoKey     = errors.New("secret key not configured")
	ErrMalformed = errors.New("malformed encrypted value")
)

// Box decifra (e cifra) credenciais com uma passphrase.
// Formato: enc:base64(salt | nonce | ciphertext).
type Box struct {
	passphrase []byte
}

func New(passphrase string) *Box {
	return &Box{passphrase: []byte(passphrase)}
}

// NewFromEnv usa CAMFEED_SECRET_KEY. Sem chave, só valores em claro passam.
func NewFromEnv() *Box {
	return New(strings.TrimSpace(os.Getenv("CAMFEED_SECRET_KEY")))
}

func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Decrypt devolve value intacto quando não tem o prefixo.
func (b *Box) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	if b == nil || len(b.passphrase) == 0 {
		return "", ErrNoKey
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < saltLength+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return "", ErrMalformed
	}
	salt := raw[:saltLength]
	nonce := raw[saltLength : saltLength+chacha20poly1305.NonceSize]
	sealed := raw[saltLength+chacha20poly1305.NonceSize:]

	aead, err := chacha20poly1305.New(b.key(salt))
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt credential: %w", err)
	}
	return string(plain), nil
}

func (b *Box) Encrypt(plain string) (string, error) {
	if b == nil || len(b.passphrase) == 0 {
		return "", ErrNoKey
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(b.key(salt))
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := make([]byte, 0, len(salt)+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, []byte(plain), nil)
	return Prefix + base64.StdEncoding.EncodeToString(out), nil
}

func (b *Box) key(salt []byte) []byte {
	return pbkdf2.Key(b.passphrase, salt, keyIterations, chacha20poly1305.KeySize, sha256.New)
}

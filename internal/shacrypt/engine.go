package shacrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// Delimiter separates the three hex fields of an envelope.
	Delimiter = ":"

	KeySize   = 32
	NonceSize = 12
	TagSize   = 16

	defaultCacheSize = 64
)

var (
	// ErrMalformedEnvelope means the input is not a well-formed nonce:ciphertext:tag envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrAuthenticationFailed means the key is wrong or the ciphertext was tampered with.
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// DeriveKey hashes the passphrase once with SHA-256. Same phrase, same key.
// There is no salt and no stretching: chat keys are shared phrases, not passwords.
func DeriveKey(passphrase string) [KeySize]byte {
	return sha256.Sum256([]byte(passphrase))
}

// Hash returns the lowercase hex SHA-256 digest of text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// IsEnvelope reports whether s still looks like ciphertext.
func IsEnvelope(s string) bool {
	return strings.Contains(s, Delimiter)
}

// Engine performs AES-256-GCM encryption keyed by chat passphrases.
// It is safe for concurrent use.
type Engine struct {
	rand  io.Reader
	aeads *lru.Cache[[KeySize]byte, cipher.AEAD]
}

type Option func(*Engine)

// WithRandom replaces the nonce source. Tests only.
func WithRandom(r io.Reader) Option {
	return func(e *Engine) { e.rand = r }
}

func NewEngine(opts ...Option) *Engine {
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[[KeySize]byte, cipher.AEAD](defaultCacheSize)
	e := &Engine{rand: rand.Reader, aeads: cache}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) aead(passphrase string) (cipher.AEAD, error) {
	key := DeriveKey(passphrase)
	if a, ok := e.aeads.Get(key); ok {
		return a, nil
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	e.aeads.Add(key, a)
	return a, nil
}

// Encrypt seals plaintext under the passphrase-derived key with a fresh random nonce
// and returns hex(nonce):hex(ciphertext):hex(tag).
func (e *Engine) Encrypt(plaintext, passphrase string) (string, error) {
	a, err := e.aead(passphrase)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := a.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return hex.EncodeToString(nonce) + Delimiter +
		hex.EncodeToString(ct) + Delimiter +
		hex.EncodeToString(tag), nil
}

// Decrypt opens an envelope produced by Encrypt. It fails with ErrMalformedEnvelope
// or ErrAuthenticationFailed and never returns partial plaintext.
func (e *Engine) Decrypt(envelope, passphrase string) (string, error) {
	parts := strings.Split(envelope, Delimiter)
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected 3 fields, got %d", ErrMalformedEnvelope, len(parts))
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrMalformedEnvelope, err)
	}
	ct, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext: %v", ErrMalformedEnvelope, err)
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: tag: %v", ErrMalformedEnvelope, err)
	}
	if len(nonce) != NonceSize {
		return "", fmt.Errorf("%w: nonce is %d bytes", ErrMalformedEnvelope, len(nonce))
	}
	if len(tag) != TagSize {
		return "", fmt.Errorf("%w: tag is %d bytes", ErrMalformedEnvelope, len(tag))
	}

	a, err := e.aead(passphrase)
	if err != nil {
		return "", err
	}

	plain, err := a.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", ErrAuthenticationFailed
	}
	if !utf8.Valid(plain) {
		return "", fmt.Errorf("%w: plaintext is not valid UTF-8", ErrMalformedEnvelope)
	}
	return string(plain), nil
}

// Verify reports whether hash is the content hash of plaintext.
func (e *Engine) Verify(plaintext, hash string) bool {
	want := Hash(plaintext)
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(hash))) == 1
}

// Package wcrypto provides the cryptographic primitives the kernel is built
// on: Ed25519 signing, X25519 key agreement, ChaCha20-Poly1305 AEAD, per-record
// data encryption keys (DEKs) and sealed-box DEK wrapping.
//
// Algorithm choices are pinned here so every agent in a network interoperates:
//   - AEAD: ChaCha20-Poly1305 with 96-bit nonces
//   - Sealed DEK: ephemeral X25519 + HKDF-SHA256 + ChaCha20-Poly1305
package wcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// DEKSize is the size of a per-record data encryption key.
	DEKSize = 32

	// NonceSize is the AEAD nonce size.
	NonceSize = chacha20poly1305.NonceSize

	// DIDMethod is the DID method minted by this kernel.
	DIDMethod = "weave"

	// sealedDEKInfo is the HKDF info string for sealed DEK key derivation.
	// Bumping this invalidates every previously sealed DEK.
	sealedDEKInfo = "weave-sealed-dek-v1"
)

// ErrDecryptFailed is returned when an AEAD tag does not verify, a sealed DEK
// was tampered with, or the wrong key was used. Callers must not distinguish
// these cases.
var ErrDecryptFailed = errors.New("decrypt failed")

// multicodec prefixes (varint-encoded) for raw public keys, per the
// did:key registry.
var (
	multicodecEd25519Pub = []byte{0xed, 0x01}
	multicodecX25519Pub  = []byte{0xec, 0x01}
)

// JWK is a minimal JSON Web Key for OKP keys (Ed25519 and X25519). Private
// keys carry the d parameter; public keys omit it.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	D   string `json:"d,omitempty"`
}

// SigningKeyPair is an Ed25519 key pair used for record and event signatures.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// EncryptionKeyPair is an X25519 key pair used for sealing DEKs to an agent.
type EncryptionKeyPair struct {
	Public  []byte // 32 bytes
	Private []byte // 32 bytes
}

// IdentityKeys bundles the two key pairs every agent holds.
type IdentityKeys struct {
	Sign SigningKeyPair
	Enc  EncryptionKeyPair
}

// GenerateIdentity creates a fresh Ed25519 signing pair and X25519
// key-agreement pair from the system CSPRNG.
func GenerateIdentity() (*IdentityKeys, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	encPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, encPriv); err != nil {
		return nil, fmt.Errorf("generate x25519 key: %w", err)
	}
	encPub, err := curve25519.X25519(encPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive x25519 public key: %w", err)
	}

	return &IdentityKeys{
		Sign: SigningKeyPair{Public: signPub, Private: signPriv},
		Enc:  EncryptionKeyPair{Public: encPub, Private: encPriv},
	}, nil
}

// InstanceID deterministically derives an actor instance id from an agent
// name. Names are case-insensitive; the id is the first 24 hex characters of
// SHA-256 over the lowercased name.
func InstanceID(name string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(name)))
	return hex.EncodeToString(sum[:])[:24]
}

// DeriveDID mints the DID for an actor instance id.
func DeriveDID(instanceID string) string {
	return "did:" + DIDMethod + ":" + instanceID
}

// ============================================================================
// JWK IMPORT / EXPORT
// ============================================================================

// SigningPublicJWK exports the Ed25519 public key.
func (k SigningKeyPair) SigningPublicJWK() JWK {
	return JWK{Kty: "OKP", Crv: "Ed25519", X: b64(k.Public)}
}

// SigningPrivateJWK exports the Ed25519 private key, including d.
func (k SigningKeyPair) SigningPrivateJWK() JWK {
	// ed25519 private keys embed the seed in the first 32 bytes.
	return JWK{Kty: "OKP", Crv: "Ed25519", X: b64(k.Public), D: b64(k.Private.Seed())}
}

// EncryptionPublicJWK exports the X25519 public key.
func (k EncryptionKeyPair) EncryptionPublicJWK() JWK {
	return JWK{Kty: "OKP", Crv: "X25519", X: b64(k.Public)}
}

// EncryptionPrivateJWK exports the X25519 private key, including d.
func (k EncryptionKeyPair) EncryptionPrivateJWK() JWK {
	return JWK{Kty: "OKP", Crv: "X25519", X: b64(k.Public), D: b64(k.Private)}
}

// ImportSigningJWK reconstructs an Ed25519 key pair from a private JWK.
func ImportSigningJWK(jwk JWK) (SigningKeyPair, error) {
	if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" {
		return SigningKeyPair{}, fmt.Errorf("not an Ed25519 OKP key: kty=%s crv=%s", jwk.Kty, jwk.Crv)
	}
	if jwk.D == "" {
		return SigningKeyPair{}, errors.New("signing JWK has no private component")
	}
	seed, err := unb64(jwk.D)
	if err != nil {
		return SigningKeyPair{}, fmt.Errorf("decode d: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return SigningKeyPair{}, fmt.Errorf("invalid Ed25519 seed size: %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return SigningKeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// ImportEncryptionJWK reconstructs an X25519 key pair from a private JWK.
func ImportEncryptionJWK(jwk JWK) (EncryptionKeyPair, error) {
	if jwk.Kty != "OKP" || jwk.Crv != "X25519" {
		return EncryptionKeyPair{}, fmt.Errorf("not an X25519 OKP key: kty=%s crv=%s", jwk.Kty, jwk.Crv)
	}
	if jwk.D == "" {
		return EncryptionKeyPair{}, errors.New("encryption JWK has no private component")
	}
	priv, err := unb64(jwk.D)
	if err != nil {
		return EncryptionKeyPair{}, fmt.Errorf("decode d: %w", err)
	}
	if len(priv) != curve25519.ScalarSize {
		return EncryptionKeyPair{}, fmt.Errorf("invalid X25519 key size: %d", len(priv))
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return EncryptionKeyPair{}, fmt.Errorf("derive public key: %w", err)
	}
	return EncryptionKeyPair{Public: pub, Private: priv}, nil
}

// PublicKeyMultibase renders a public JWK as a multibase string: "z" followed
// by base58btc over the multicodec-prefixed raw key bytes.
func PublicKeyMultibase(jwk JWK) (string, error) {
	raw, err := unb64(jwk.X)
	if err != nil {
		return "", fmt.Errorf("decode x: %w", err)
	}
	var prefix []byte
	switch jwk.Crv {
	case "Ed25519":
		prefix = multicodecEd25519Pub
	case "X25519":
		prefix = multicodecX25519Pub
	default:
		return "", fmt.Errorf("unsupported curve for multibase: %s", jwk.Crv)
	}
	return "z" + base58.Encode(append(append([]byte{}, prefix...), raw...)), nil
}

// ParsePublicKeyMultibase decodes a multibase public key back to its curve
// name ("Ed25519" or "X25519") and raw 32-byte key.
func ParsePublicKeyMultibase(s string) (crv string, raw []byte, err error) {
	if len(s) < 2 || s[0] != 'z' {
		return "", nil, fmt.Errorf("not a base58btc multibase string: %q", s)
	}
	decoded, err := base58.Decode(s[1:])
	if err != nil {
		return "", nil, fmt.Errorf("decode multibase: %w", err)
	}
	if len(decoded) != 34 {
		return "", nil, fmt.Errorf("unexpected multibase payload length: %d", len(decoded))
	}
	switch {
	case decoded[0] == multicodecEd25519Pub[0] && decoded[1] == multicodecEd25519Pub[1]:
		return "Ed25519", decoded[2:], nil
	case decoded[0] == multicodecX25519Pub[0] && decoded[1] == multicodecX25519Pub[1]:
		return "X25519", decoded[2:], nil
	default:
		return "", nil, fmt.Errorf("unknown multicodec prefix %x", decoded[:2])
	}
}

// ============================================================================
// AEAD
// ============================================================================

// GenerateDEK returns a fresh 32-byte data encryption key.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, DEKSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("generate dek: %w", err)
	}
	return dek, nil
}

// NewNonce returns a fresh 12-byte AEAD nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// Encrypt seals plaintext with ChaCha20-Poly1305 under key and nonce.
func Encrypt(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size: %d", len(nonce))
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Decrypt opens an AEAD ciphertext. Any tag mismatch, truncation or wrong key
// yields ErrDecryptFailed.
func Decrypt(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrDecryptFailed
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// ============================================================================
// SEALED DEK (crypto_box_seal semantics)
// ============================================================================

// SealDEK encrypts a DEK so only the holder of the X25519 private key matching
// recipientPub can recover it. An ephemeral key pair is generated per seal, so
// the AEAD key is single-use and a zero nonce is safe. Output layout:
// ephemeralPub(32) || aeadCiphertext.
func SealDEK(recipientPub, dek []byte) ([]byte, error) {
	if len(recipientPub) != curve25519.PointSize {
		return nil, fmt.Errorf("invalid recipient public key size: %d", len(recipientPub))
	}
	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, ephPriv); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive ephemeral public key: %w", err)
	}
	key, err := sealedBoxKey(ephPriv, recipientPub, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}
	ct, err := Encrypt(key, make([]byte, NonceSize), dek, nil)
	if err != nil {
		return nil, err
	}
	return append(ephPub, ct...), nil
}

// OpenDEK recovers a DEK sealed with SealDEK. Fails with ErrDecryptFailed on
// tamper or wrong key.
func OpenDEK(recipientPriv, sealed []byte) ([]byte, error) {
	if len(sealed) < curve25519.PointSize+chacha20poly1305.Overhead {
		return nil, ErrDecryptFailed
	}
	ephPub := sealed[:curve25519.PointSize]
	recipientPub, err := curve25519.X25519(recipientPriv, curve25519.Basepoint)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	key, err := sealedBoxKey(recipientPriv, ephPub, ephPub, recipientPub)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	dek, err := Decrypt(key, make([]byte, NonceSize), sealed[curve25519.PointSize:], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return dek, nil
}

// sealedBoxKey derives the AEAD key for a sealed DEK. The salt binds the key
// to both the ephemeral and recipient public keys.
func sealedBoxKey(scalar, point, ephPub, recipientPub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(scalar, point)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	salt := append(append([]byte{}, ephPub...), recipientPub...)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(sealedDEKInfo)), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// ============================================================================
// SIGNATURES
// ============================================================================

// Sign signs msg with the Ed25519 private key.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature over msg.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func unb64(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

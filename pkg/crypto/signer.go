package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// EddsaKeyPair holds a hex-encoded Ed25519 key pair.
type EddsaKeyPair struct {
	PublicKey  string
	PrivateKey string
}

// GenerateEddsaKeyPair creates a fresh Ed25519 key pair.
func GenerateEddsaKeyPair() (*EddsaKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("eddsa key generation failed: %w", err)
	}
	return &EddsaKeyPair{
		PublicKey:  hex.EncodeToString(pub),
		PrivateKey: hex.EncodeToString(priv),
	}, nil
}

// SignEddsa signs message with the hex-encoded Ed25519 private key.
func SignEddsa(message []byte, privKeyHex string) (string, error) {
	priv, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return "", fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid private key size: %d", len(priv))
	}
	sig := ed25519.Sign(ed25519.PrivateKey(priv), message)
	return hex.EncodeToString(sig), nil
}

// EcdsaKeyPair holds a P-256 key pair; the public key is the
// uncompressed point encoding in hex.
type EcdsaKeyPair struct {
	PublicKey string
	priv      *ecdsa.PrivateKey
}

// GenerateEcdsaKeyPair creates a fresh P-256 key pair.
func GenerateEcdsaKeyPair() (*EcdsaKeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ecdsa key generation failed: %w", err)
	}
	pub := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	return &EcdsaKeyPair{
		PublicKey: hex.EncodeToString(pub),
		priv:      priv,
	}, nil
}

// SignLoginProof signs SHA-256(challenge) producing the r || s encoding
// expected by VerifyEcdsaLoginProof.
func (k *EcdsaKeyPair) SignLoginProof(challenge string) (string, error) {
	digest := sha256.Sum256([]byte(challenge))
	r, s, err := ecdsa.Sign(rand.Reader, k.priv, digest[:])
	if err != nil {
		return "", fmt.Errorf("ecdsa signing failed: %w", err)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return hex.EncodeToString(sig), nil
}

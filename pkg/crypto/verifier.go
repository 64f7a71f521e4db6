// Package crypto provides signature verification for the two key
// purposes a BpiSubject registers: ECDSA challenge-response login
// proofs and EDDSA transaction payload signatures.
package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
)

// VerifyEddsaSignature validates sigHex as an Ed25519 signature over
// message by pubKeyHex. Pure validation; malformed input returns false,
// never panics.
func VerifyEddsaSignature(message []byte, sigHex, pubKeyHex string) bool {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), message, sig)
}

// VerifyEcdsaLoginProof validates sigHex as a P-256 ECDSA signature
// (r || s, 64 bytes) over SHA-256(challenge) by the uncompressed public
// key pubKeyHex. Malformed input returns false.
func VerifyEcdsaLoginProof(challenge string, sigHex, pubKeyHex string) bool {
	pub, ok := parseEcdsaPublicKey(pubKeyHex)
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != 64 {
		return false
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	digest := sha256.Sum256([]byte(challenge))
	return ecdsa.Verify(pub, digest[:], r, s)
}

func parseEcdsaPublicKey(pubKeyHex string) (*ecdsa.PublicKey, bool) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, false
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), raw)
	if x == nil {
		return nil, false
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, true
}

package crypto

import (
	"fmt"

	"github.com/Mindburn-Labs/bpi/pkg/contracts"
)

// KeyPurpose tags what a registered key is used for. Verification
// dispatches by purpose, not by subject subtype.
type KeyPurpose string

const (
	// KeyPurposeAuth covers ECDSA challenge-response login proofs.
	KeyPurposeAuth KeyPurpose = "auth"
	// KeyPurposeSigning covers EDDSA transaction payload signatures.
	KeyPurposeSigning KeyPurpose = "signing"
)

var purposeToKeyType = map[KeyPurpose]contracts.KeyType{
	KeyPurposeAuth:    contracts.KeyTypeEcdsa,
	KeyPurposeSigning: contracts.KeyTypeEddsa,
}

// Keyring is a subject's capability-tagged key set.
type Keyring struct {
	keys map[contracts.KeyType]string
}

// NewKeyring builds a keyring from a subject's registered keys.
// Duplicate key types are an error: keys are unique per type per
// subject.
func NewKeyring(keys []contracts.PublicKey) (*Keyring, error) {
	kr := &Keyring{keys: make(map[contracts.KeyType]string, len(keys))}
	for _, k := range keys {
		if _, exists := kr.keys[k.Type]; exists {
			return nil, fmt.Errorf("duplicate %s key", k.Type)
		}
		kr.keys[k.Type] = k.Value
	}
	return kr, nil
}

// KeyFor returns the public key registered for the given purpose.
func (kr *Keyring) KeyFor(purpose KeyPurpose) (string, bool) {
	kt, ok := purposeToKeyType[purpose]
	if !ok {
		return "", false
	}
	v, ok := kr.keys[kt]
	return v, ok
}

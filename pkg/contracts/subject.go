package contracts

import "time"

// KeyType identifies the algorithm of a subject public key.
type KeyType string

const (
	KeyTypeEcdsa KeyType = "ecdsa"
	KeyTypeEddsa KeyType = "eddsa"
)

// PublicKey is one typed key registered for a BpiSubject.
// A subject holds at most one key per type.
type PublicKey struct {
	Type  KeyType `json:"type"`
	Value string  `json:"value"`
}

// BpiSubject is an organizational or individual identity participating
// in baselined workflows. Its key set is immutable after registration
// except by explicit rotation.
type BpiSubject struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"desc"`
	PublicKeys  []PublicKey `json:"publicKeys"`
}

// BpiSubjectAccount binds a creator subject and an owner subject to a
// single workflow context. Exactly one exists per (workflow, participant)
// pairing. LastCommittedNonce orders the transactions this account
// sends: it starts at 0 on creation and advances by exactly one per
// successful commit. FlaggedAt quarantines the account's queue after
// repeated commit failures until an operator clears it.
type BpiSubjectAccount struct {
	ID                  string     `json:"id"`
	CreatorBpiSubjectID string     `json:"creatorBpiSubjectId"`
	OwnerBpiSubjectID   string     `json:"ownerBpiSubjectId"`
	LastCommittedNonce  uint64     `json:"lastCommittedNonce"`
	FlaggedAt           *time.Time `json:"flaggedAt,omitempty"`
}

// Flagged reports whether the account's queue is quarantined for
// operator intervention.
func (a *BpiSubjectAccount) Flagged() bool {
	return a.FlaggedAt != nil
}

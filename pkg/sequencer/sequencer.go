// Package sequencer enforces strict monotonic, gap-free transaction
// ordering per sending account. The last committed nonce advances only
// on successful commit, never on rejection.
package sequencer

import (
	"sort"

	"github.com/Mindburn-Labs/bpi/pkg/contracts"
)

// Order sorts a batch of pending transactions for one account by nonce
// ascending. The sort is stable so equal nonces (a replay submitted
// twice) keep arrival order and both hit the replay check in turn.
func Order(txs []*contracts.Transaction) []*contracts.Transaction {
	ordered := make([]*contracts.Transaction, len(txs))
	copy(ordered, txs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Nonce < ordered[j].Nonce
	})
	return ordered
}

// Check validates a transaction nonce against the account's last
// committed nonce. The only acceptable value is lastCommitted + 1.
// A consumed nonce is a terminal replay; a nonce further ahead is a
// hold, retried on a later cycle if the transaction is still NEW.
func Check(lastCommitted, nonce uint64) error {
	expected := lastCommitted + 1
	switch {
	case nonce == expected:
		return nil
	case nonce <= lastCommitted:
		return &contracts.NonceOrderError{Expected: expected, Got: nonce, Replay: true}
	default:
		return &contracts.NonceOrderError{Expected: expected, Got: nonce, Replay: false}
	}
}

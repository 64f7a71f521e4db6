package contracts

import "fmt"

// AuthenticationError reports a failed login proof. Surfaced to the
// caller; causes no state change.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// SignatureError reports an invalid transaction payload signature.
// Terminal: the transaction is marked REJECTED.
type SignatureError struct {
	TransactionID string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("transaction %s: invalid payload signature", e.TransactionID)
}

// NonceOrderError reports an out-of-sequence nonce. Replay (nonce
// already consumed) is terminal; a nonce ahead of expectation holds the
// transaction for a later cycle.
type NonceOrderError struct {
	Expected uint64
	Got      uint64
	Replay   bool
}

func (e *NonceOrderError) Error() string {
	if e.Replay {
		return fmt.Sprintf("nonce %d already consumed (expected %d)", e.Got, e.Expected)
	}
	return fmt.Sprintf("nonce %d ahead of expected %d", e.Got, e.Expected)
}

// EvaluationError reports a payload that fails the workstep transform.
// Terminal: the transaction is marked REJECTED.
type EvaluationError struct {
	Reason RejectionReason
	Detail string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("workstep evaluation failed (%s): %s", e.Reason, e.Detail)
}

// CommitError reports a storage or transactional failure during the
// commit phase. Transient: the transaction stays NEW for retry.
type CommitError struct {
	AccountID string
	Err       error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit failed for account %s: %v", e.AccountID, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

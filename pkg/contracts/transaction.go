package contracts

import (
	"fmt"
	"time"
)

// TransactionStatus is the lifecycle state of a transaction.
// NEW transitions to exactly one of EXECUTED or REJECTED; terminal
// states are permanent.
type TransactionStatus string

const (
	TransactionStatusNew      TransactionStatus = "NEW"
	TransactionStatusExecuted TransactionStatus = "EXECUTED"
	TransactionStatusRejected TransactionStatus = "REJECTED"
)

// RejectionReason codes persisted on REJECTED transactions.
type RejectionReason string

const (
	ReasonSignatureInvalid RejectionReason = "SIGNATURE_INVALID"
	ReasonNonceReplayed    RejectionReason = "NONCE_REPLAYED"
	ReasonEvaluationFailed RejectionReason = "EVALUATION_FAILED"
	ReasonPolicyViolation  RejectionReason = "POLICY_VIOLATION"
)

// Transaction is an immutable signed workstep execution request.
// ID is caller-supplied and globally unique; Nonce is strictly
// increasing per sending subject account; Signature is EDDSA over the
// canonical payload bytes using the sender's eddsa key.
type Transaction struct {
	ID                   string            `json:"id"`
	Nonce                uint64            `json:"nonce"`
	WorkflowInstanceID   string            `json:"workflowInstanceId"`
	WorkstepInstanceID   string            `json:"workstepInstanceId"`
	FromSubjectAccountID string            `json:"fromSubjectAccountId"`
	ToSubjectAccountID   string            `json:"toSubjectAccountId"`
	Payload              string            `json:"payload"`
	Signature            string            `json:"signature"`
	Status               TransactionStatus `json:"status"`
	Reason               RejectionReason   `json:"reason,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	ExecutedAt           *time.Time        `json:"executedAt,omitempty"`
}

// MarkExecuted transitions the transaction to EXECUTED. It is an error
// to transition out of a terminal state.
func (t *Transaction) MarkExecuted(at time.Time) error {
	if t.Status != TransactionStatusNew {
		return fmt.Errorf("transaction %s: cannot execute from status %s", t.ID, t.Status)
	}
	t.Status = TransactionStatusExecuted
	t.ExecutedAt = &at
	return nil
}

// MarkRejected transitions the transaction to REJECTED with a reason.
func (t *Transaction) MarkRejected(reason RejectionReason) error {
	if t.Status != TransactionStatusNew {
		return fmt.Errorf("transaction %s: cannot reject from status %s", t.ID, t.Status)
	}
	t.Status = TransactionStatusRejected
	t.Reason = reason
	return nil
}

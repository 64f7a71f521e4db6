// Package vsm implements the account Virtual State Machine: the
// periodic engine that authenticates, orders, evaluates and commits
// transactions into each account's state and history trees.
//
// One cycle runs three phases: collect (all NEW transactions grouped by
// sending account), validate-and-evaluate (per account, in nonce order:
// signature, sequencing, workstep transform), and commit (tree updates,
// nonce advance and status transition in one scoped transaction).
// Accounts are processed independently and in parallel; within one
// account's queue processing is strictly sequential, and the first
// failure halts that queue for the tick so no transaction skips ahead.
package vsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/bpi/pkg/canonicalize"
	"github.com/Mindburn-Labs/bpi/pkg/contracts"
	"github.com/Mindburn-Labs/bpi/pkg/crypto"
	"github.com/Mindburn-Labs/bpi/pkg/evaluator"
	"github.com/Mindburn-Labs/bpi/pkg/merkle"
	"github.com/Mindburn-Labs/bpi/pkg/sequencer"
	"github.com/Mindburn-Labs/bpi/pkg/storage"
)

// commitRetryBudget is the number of consecutive commit failures after
// which an account is flagged for operator intervention instead of
// being silently retried forever.
const commitRetryBudget = 3

// defaultAccountWorkers bounds parallel account processing per tick.
const defaultAccountWorkers = 4

// CycleReport summarizes one tick.
type CycleReport struct {
	Skipped  bool
	Accounts int
	Executed int
	Rejected int
	Held     int
	Errors   []string
}

// Cycle drives the VSM phases against the stores.
type Cycle struct {
	subjects     *storage.SubjectStore
	accounts     *storage.AccountStore
	transactions *storage.TransactionStore
	workflows    *storage.WorkflowStore
	worksteps    *storage.WorkstepStore
	eval         *evaluator.Evaluator

	workers int
	running sync.Mutex
	clock   func() time.Time
	logger  *slog.Logger

	failMu         sync.Mutex
	commitFailures map[string]int

	executedCounter metric.Int64Counter
	rejectedCounter metric.Int64Counter
	heldCounter     metric.Int64Counter
	cycleDuration   metric.Float64Histogram
}

// NewCycle wires a cycle over the given stores and evaluator.
func NewCycle(
	subjects *storage.SubjectStore,
	accounts *storage.AccountStore,
	transactions *storage.TransactionStore,
	workflows *storage.WorkflowStore,
	worksteps *storage.WorkstepStore,
	eval *evaluator.Evaluator,
) (*Cycle, error) {
	meter := otel.Meter("bpi/vsm")
	executed, err := meter.Int64Counter("vsm.transactions.executed")
	if err != nil {
		return nil, err
	}
	rejected, err := meter.Int64Counter("vsm.transactions.rejected")
	if err != nil {
		return nil, err
	}
	held, err := meter.Int64Counter("vsm.transactions.held")
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("vsm.cycle.duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Cycle{
		subjects:        subjects,
		accounts:        accounts,
		transactions:    transactions,
		workflows:       workflows,
		worksteps:       worksteps,
		eval:            eval,
		workers:         defaultAccountWorkers,
		clock:           time.Now,
		logger:          slog.Default().With("component", "vsm"),
		commitFailures:  make(map[string]int),
		executedCounter: executed,
		rejectedCounter: rejected,
		heldCounter:     held,
		cycleDuration:   duration,
	}, nil
}

// WithClock overrides the clock for testing.
func (c *Cycle) WithClock(clock func() time.Time) *Cycle {
	c.clock = clock
	return c
}

// RunCycle executes one tick. It is idempotent under concurrent
// invocation: if a cycle is already running the call is a no-op.
func (c *Cycle) RunCycle(ctx context.Context) (CycleReport, error) {
	if !c.running.TryLock() {
		return CycleReport{Skipped: true}, nil
	}
	defer c.running.Unlock()

	start := c.clock()
	report, err := c.run(ctx)
	c.cycleDuration.Record(ctx, c.clock().Sub(start).Seconds())
	return report, err
}

func (c *Cycle) run(ctx context.Context) (CycleReport, error) {
	groups, err := c.transactions.PendingBySender(ctx)
	if err != nil {
		return CycleReport{}, fmt.Errorf("vsm: collect: %w", err)
	}

	report := CycleReport{Accounts: len(groups)}
	if len(groups) == 0 {
		return report, nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, c.workers)
	)
	for senderID, txs := range groups {
		// Abort between accounts on cancellation, never mid-commit.
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(senderID string, txs []*contracts.Transaction) {
			defer wg.Done()
			defer func() { <-sem }()
			ar := c.processAccount(ctx, senderID, txs)
			mu.Lock()
			report.Executed += ar.Executed
			report.Rejected += ar.Rejected
			report.Held += ar.Held
			report.Errors = append(report.Errors, ar.Errors...)
			mu.Unlock()
		}(senderID, txs)
	}
	wg.Wait()

	c.executedCounter.Add(ctx, int64(report.Executed))
	c.rejectedCounter.Add(ctx, int64(report.Rejected))
	c.heldCounter.Add(ctx, int64(report.Held))

	c.logger.Info("cycle complete",
		"accounts", report.Accounts,
		"executed", report.Executed,
		"rejected", report.Rejected,
		"held", report.Held,
	)
	return report, nil
}

type accountReport struct {
	Executed int
	Rejected int
	Held     int
	Errors   []string
}

// processAccount walks one sender's queue in strict nonce order. The
// first failure halts the queue for this tick: a rejection or hold at
// nonce n must not let nonce n+1 skip ahead.
func (c *Cycle) processAccount(ctx context.Context, senderID string, txs []*contracts.Transaction) accountReport {
	var ar accountReport
	logger := c.logger.With("subject_account", senderID)

	sender, err := c.subjects.GetSubjectAccount(ctx, senderID)
	if err != nil {
		ar.Errors = append(ar.Errors, fmt.Sprintf("account %s: %v", senderID, err))
		return ar
	}
	if sender.Flagged() {
		logger.Warn("account flagged, skipping queue", "flagged_at", sender.FlaggedAt)
		return ar
	}

	signingKey, err := c.senderSigningKey(ctx, sender)
	if err != nil {
		// No eddsa key registered: nothing this sender submits can
		// ever verify.
		for _, tx := range txs {
			if rejectErr := c.reject(ctx, tx, contracts.ReasonSignatureInvalid); rejectErr != nil {
				ar.Errors = append(ar.Errors, rejectErr.Error())
			} else {
				ar.Rejected++
			}
		}
		return ar
	}

	lastCommitted := sender.LastCommittedNonce
	for _, tx := range sequencer.Order(txs) {
		outcome, err := c.processTransaction(ctx, tx, sender.ID, signingKey, lastCommitted)
		switch outcome {
		case outcomeExecuted:
			lastCommitted++
			ar.Executed++
		case outcomeRejected:
			ar.Rejected++
		case outcomeHeld:
			ar.Held++
		}
		if err != nil {
			ar.Errors = append(ar.Errors, err.Error())
		}
		if outcome != outcomeExecuted {
			// Ordering invariant: nothing after a failing nonce runs
			// this tick.
			ar.Held += countRemaining(txs, tx)
			break
		}
	}
	return ar
}

type txOutcome int

const (
	outcomeExecuted txOutcome = iota
	outcomeRejected
	outcomeHeld
	outcomeError
)

func (c *Cycle) processTransaction(ctx context.Context, tx *contracts.Transaction, senderID, signingKey string, lastCommitted uint64) (txOutcome, error) {
	logger := c.logger.With("transaction", tx.ID)

	// Verify the EDDSA payload signature over canonical bytes.
	payloadBytes, err := canonicalize.CanonicalBytes([]byte(tx.Payload))
	if err != nil {
		if rejectErr := c.reject(ctx, tx, contracts.ReasonEvaluationFailed); rejectErr != nil {
			return outcomeError, rejectErr
		}
		return outcomeRejected, nil
	}
	if !crypto.VerifyEddsaSignature(payloadBytes, tx.Signature, signingKey) {
		logger.Info("rejecting transaction", "reason", contracts.ReasonSignatureInvalid)
		if rejectErr := c.reject(ctx, tx, contracts.ReasonSignatureInvalid); rejectErr != nil {
			return outcomeError, rejectErr
		}
		return outcomeRejected, nil
	}

	// Enforce strict per-account ordering.
	if err := sequencer.Check(lastCommitted, tx.Nonce); err != nil {
		var nonceErr *contracts.NonceOrderError
		if errors.As(err, &nonceErr) && !nonceErr.Replay {
			// Ahead of sequence: hold for a later cycle.
			logger.Debug("holding transaction", "nonce", tx.Nonce, "expected", nonceErr.Expected)
			return outcomeHeld, nil
		}
		logger.Info("rejecting transaction", "reason", contracts.ReasonNonceReplayed)
		if rejectErr := c.reject(ctx, tx, contracts.ReasonNonceReplayed); rejectErr != nil {
			return outcomeError, rejectErr
		}
		return outcomeRejected, nil
	}

	// Resolve the workflow context and evaluate the workstep.
	workflow, err := c.workflows.Get(ctx, tx.WorkflowInstanceID)
	if err != nil {
		if rejectErr := c.reject(ctx, tx, contracts.ReasonEvaluationFailed); rejectErr != nil {
			return outcomeError, rejectErr
		}
		return outcomeRejected, nil
	}
	slot := workflow.WorkstepIndex(tx.WorkstepInstanceID)
	if slot < 0 || !contains(workflow.OwnerSubjectAccountIDs, senderID) {
		if rejectErr := c.reject(ctx, tx, contracts.ReasonEvaluationFailed); rejectErr != nil {
			return outcomeError, rejectErr
		}
		return outcomeRejected, nil
	}
	workstep, err := c.worksteps.Get(ctx, tx.WorkstepInstanceID)
	if err != nil {
		if rejectErr := c.reject(ctx, tx, contracts.ReasonEvaluationFailed); rejectErr != nil {
			return outcomeError, rejectErr
		}
		return outcomeRejected, nil
	}

	leaf, err := c.eval.Evaluate(ctx, workstep, tx.Payload)
	if err != nil {
		reason := contracts.ReasonEvaluationFailed
		var evalErr *contracts.EvaluationError
		if errors.As(err, &evalErr) {
			reason = evalErr.Reason
		}
		logger.Info("rejecting transaction", "reason", reason, "error", err)
		if rejectErr := c.reject(ctx, tx, reason); rejectErr != nil {
			return outcomeError, rejectErr
		}
		return outcomeRejected, nil
	}

	// Commit: trees, nonce and status land together.
	if err := c.commit(ctx, workflow.BpiAccountID, senderID, tx, slot, leaf); err != nil {
		var commitErr *contracts.CommitError
		if errors.As(err, &commitErr) {
			c.noteCommitFailure(ctx, senderID)
			logger.Error("commit failed, transaction left NEW for retry", "error", err)
			return outcomeHeld, err
		}
		// Tree invariant violations are fatal for this account's
		// processing and must surface, not be swallowed.
		logger.Error("account processing aborted", "error", err)
		return outcomeError, err
	}

	c.clearCommitFailures(senderID)
	if err := tx.MarkExecuted(c.clock()); err != nil {
		return outcomeExecuted, err
	}
	return outcomeExecuted, nil
}

// reject moves the transaction through its in-memory lifecycle guard
// before persisting the terminal state, so a transaction that already
// left NEW cannot be rejected twice.
func (c *Cycle) reject(ctx context.Context, tx *contracts.Transaction, reason contracts.RejectionReason) error {
	if err := tx.MarkRejected(reason); err != nil {
		return err
	}
	return c.transactions.Reject(ctx, tx.ID, reason)
}

func (c *Cycle) commit(ctx context.Context, accountID, senderID string, tx *contracts.Transaction, slot int, leaf *evaluator.Leaf) error {
	account, err := c.accounts.Get(ctx, accountID)
	if err != nil {
		return &contracts.CommitError{AccountID: accountID, Err: err}
	}
	stateTree, err := merkle.Deserialize([]byte(account.StateTree))
	if err != nil {
		return fmt.Errorf("account %s: %w", accountID, err)
	}
	historyTree, err := merkle.Deserialize([]byte(account.HistoryTree))
	if err != nil {
		return fmt.Errorf("account %s: %w", accountID, err)
	}

	value, err := leaf.CanonicalValue()
	if err != nil {
		return fmt.Errorf("account %s: leaf serialization: %w", accountID, err)
	}
	// Worksteps may commit out of order; when earlier slots are still
	// empty the leaf lands at the next free one so the queue never
	// wedges on a gap.
	if slot > len(stateTree.Leaves) {
		slot = len(stateTree.Leaves)
	}
	if _, err := stateTree.InsertOrUpdate(slot, value); err != nil {
		return fmt.Errorf("account %s: %w", accountID, err)
	}
	if _, err := historyTree.Append(value); err != nil {
		return fmt.Errorf("account %s: %w", accountID, err)
	}

	stateBytes, err := stateTree.Serialize()
	if err != nil {
		return fmt.Errorf("account %s: %w", accountID, err)
	}
	historyBytes, err := historyTree.Serialize()
	if err != nil {
		return fmt.Errorf("account %s: %w", accountID, err)
	}

	return c.accounts.CommitTransition(ctx, storage.CommitInput{
		AccountID:              accountID,
		StateTree:              stateBytes,
		HistoryTree:            historyBytes,
		SenderSubjectAccountID: senderID,
		Nonce:                  tx.Nonce,
		TransactionID:          tx.ID,
		ExecutedAt:             c.clock(),
	})
}

// senderSigningKey resolves the sender's eddsa key through its owner
// subject's capability-tagged key set.
func (c *Cycle) senderSigningKey(ctx context.Context, sender *contracts.BpiSubjectAccount) (string, error) {
	subject, err := c.subjects.GetSubject(ctx, sender.OwnerBpiSubjectID)
	if err != nil {
		return "", err
	}
	keyring, err := crypto.NewKeyring(subject.PublicKeys)
	if err != nil {
		return "", err
	}
	key, ok := keyring.KeyFor(crypto.KeyPurposeSigning)
	if !ok {
		return "", fmt.Errorf("subject %s has no signing key", subject.ID)
	}
	return key, nil
}

func (c *Cycle) noteCommitFailure(ctx context.Context, senderID string) {
	c.failMu.Lock()
	c.commitFailures[senderID]++
	failures := c.commitFailures[senderID]
	c.failMu.Unlock()

	if failures >= commitRetryBudget {
		c.logger.Error("commit retry budget exhausted, flagging account",
			"subject_account", senderID, "failures", failures)
		if err := c.subjects.FlagSubjectAccount(ctx, senderID, c.clock()); err != nil {
			c.logger.Error("failed to flag account", "subject_account", senderID, "error", err)
		}
	}
}

func (c *Cycle) clearCommitFailures(senderID string) {
	c.failMu.Lock()
	delete(c.commitFailures, senderID)
	c.failMu.Unlock()
}

func countRemaining(ordered []*contracts.Transaction, after *contracts.Transaction) int {
	remaining := 0
	seen := false
	for _, tx := range sequencer.Order(ordered) {
		if seen {
			remaining++
		}
		if tx.ID == after.ID {
			seen = true
		}
	}
	return remaining
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package completion

import (
	"context"
	"errors"
	"fmt"
	"time"

	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/taskledger/common"
	"github.com/provideplatform/taskledger/fingerprint"
	"github.com/provideplatform/taskledger/ledger"
	"github.com/provideplatform/taskledger/task"
	"golang.org/x/sync/singleflight"
)

const defaultCompletionTimeout = time.Minute * 5

var (
	// ErrAccountRequired is returned when no account is given for a completion
	ErrAccountRequired = errors.New("account required")

	// ErrNothingToReconcile is returned when a task has no completion, confirmed or pending, to re-check
	ErrNothingToReconcile = errors.New("task has no completion to reconcile")

	// ErrStaleContent is returned when the task was frozen under another fingerprint while the request waited
	ErrStaleContent = errors.New("task content changed while completion was in flight")

	errDivergent = errors.New("task is completed off-chain but the ledger has no record of the completion")
)

// Journal records confirmed completions
type Journal interface {
	Append(account string, fp fingerprint.Fingerprint, receipt *string) error
}

// Config for a Coordinator; Store and Ledger are required
type Config struct {
	Store     task.Store
	Ledger    ledger.Client
	Locker    Locker
	Journal   Journal
	Publisher Publisher

	// Timeout bounds each attempt, independently of the callers waiting on it
	Timeout time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.Locker == nil {
		cfg.Locker = newKeyedLocker()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = common.CompletionTimeout
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCompletionTimeout
	}
}

type mode string

const (
	modeComplete  mode = "complete"
	modeReconcile mode = "reconcile"
)

// Coordinator drives completions through the ledger and the off-chain store so
// that a task is marked completed only once the ledger records it
type Coordinator struct {
	store     task.Store
	ledger    ledger.Client
	verifier  *Verifier
	locker    Locker
	journal   Journal
	publisher Publisher
	timeout   time.Duration

	flights singleflight.Group
}

// NewCoordinator initializes a coordinator
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("failed to initialize completion coordinator; store required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("failed to initialize completion coordinator; ledger client required")
	}

	cfg.applyDefaults()

	return &Coordinator{
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		verifier:  NewVerifier(cfg.Ledger),
		locker:    cfg.Locker,
		journal:   cfg.Journal,
		publisher: cfg.Publisher,
		timeout:   cfg.Timeout,
	}, nil
}

// CompleteTask completes the task owned by account. Concurrent requests for the
// same task share a single attempt; a caller whose context ends stops waiting
// without affecting the attempt.
func (c *Coordinator) CompleteTask(ctx context.Context, taskID uuid.UUID, account string) (*Result, error) {
	account = common.NormalizeAddress(account)
	if account == "" {
		return nil, ErrAccountRequired
	}

	t, err := c.store.Find(account, taskID)
	if err != nil {
		return nil, err
	}

	fp, err := completionFingerprint(t)
	if err != nil {
		return nil, err
	}

	return c.run(ctx, t.ID, account, fp, modeComplete)
}

// Reconcile re-checks the ledger for a task whose completion is ambiguous or
// divergent, confirming it or resubmitting under the recorded fingerprint
func (c *Coordinator) Reconcile(ctx context.Context, taskID uuid.UUID) (*Result, error) {
	t, err := c.store.FindByID(taskID)
	if err != nil {
		return nil, err
	}

	if !t.Frozen() || t.Fingerprint == nil {
		return nil, ErrNothingToReconcile
	}

	fp, err := fingerprint.Parse(*t.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse recorded fingerprint of task %s; %w", t.ID, err)
	}

	return c.run(ctx, t.ID, t.Submitter(), fp, modeReconcile)
}

// ReconcileTask reconciles the task owned by account
func (c *Coordinator) ReconcileTask(ctx context.Context, taskID uuid.UUID, account string) (*Result, error) {
	account = common.NormalizeAddress(account)
	if account == "" {
		return nil, ErrAccountRequired
	}

	if _, err := c.store.Find(account, taskID); err != nil {
		return nil, err
	}

	return c.Reconcile(ctx, taskID)
}

// VerifyTask compares the off-chain completion of the task with the ledger.
// Verification is an audit and is not scoped to the owner.
func (c *Coordinator) VerifyTask(ctx context.Context, taskID uuid.UUID) (*Verification, error) {
	t, err := c.store.FindByID(taskID)
	if err != nil {
		return nil, err
	}

	current, err := fingerprint.DeriveContent(t.Content())
	if err != nil {
		return nil, err
	}

	fp := current
	var contentMatches *bool
	if t.Fingerprint != nil {
		stored, err := fingerprint.Parse(*t.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("failed to parse recorded fingerprint of task %s; %w", t.ID, err)
		}
		fp = stored
		matches := stored == current
		contentMatches = &matches
	}

	v, err := c.verifier.Verify(ctx, t.Submitter(), fp, t.Completed)
	if err != nil {
		return nil, err
	}
	v.TaskID = &t.ID
	v.ContentMatches = contentMatches

	if t.VerifiedOnLedger != v.LedgerSaysComplete {
		if err := c.store.SetVerifiedOnLedger(t.ID, v.LedgerSaysComplete); err != nil {
			common.Log.Warningf("failed to refresh ledger verification of task %s; %s", t.ID, err.Error())
		}
	}

	return v, nil
}

// VerifyContent reports whether account completed the given content on the ledger
func (c *Coordinator) VerifyContent(ctx context.Context, account string, content fingerprint.Content) (*Verification, error) {
	return c.verifier.VerifyContent(ctx, common.NormalizeAddress(account), content)
}

// VerifyFingerprint reports whether account completed the given fingerprint on the ledger
func (c *Coordinator) VerifyFingerprint(ctx context.Context, account string, fp fingerprint.Fingerprint) (*Verification, error) {
	return c.verifier.Verify(ctx, common.NormalizeAddress(account), fp, true)
}

// completionFingerprint is the recorded fingerprint once content is frozen,
// otherwise the fingerprint of the current content
func completionFingerprint(t *task.Task) (fingerprint.Fingerprint, error) {
	if t.Frozen() && t.Fingerprint != nil {
		return fingerprint.Parse(*t.Fingerprint)
	}
	return fingerprint.DeriveContent(t.Content())
}

func lockKey(account string, fp fingerprint.Fingerprint) string {
	return fmt.Sprintf("%s|%s", account, fp)
}

// run joins or leads the single flight for the task; the leader runs detached
// from the caller's cancellation, bounded by the coordinator timeout
func (c *Coordinator) run(ctx context.Context, taskID uuid.UUID, account string, fp fingerprint.Fingerprint, m mode) (*Result, error) {
	key := fmt.Sprintf("%s|%s|%s", m, taskID, lockKey(account, fp))

	ch := c.flights.DoChan(key, func() (interface{}, error) {
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.attempt(attemptCtx, taskID, account, fp, m)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Result), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) attempt(ctx context.Context, taskID uuid.UUID, account string, fp fingerprint.Fingerprint, m mode) (*Result, error) {
	unlock, err := c.locker.Lock(ctx, lockKey(account, fp))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// the task is reloaded under the lock; a previous flight may have settled it
	t, err := c.store.FindByID(taskID)
	if err != nil {
		return nil, err
	}

	if t.Frozen() && t.Fingerprint != nil && *t.Fingerprint != fp.String() {
		return nil, ErrStaleContent
	}

	from := StateNotStarted
	if t.HasStatus(task.CompletionStatusAmbiguous) || t.HasStatus(task.CompletionStatusSubmitting) {
		from = StateAmbiguous
	}
	a := newAttempt(t.ID, account, fp, from)
	if err := a.transition(StateChecking); err != nil {
		return nil, err
	}

	v, err := c.verifier.Verify(ctx, account, fp, t.Completed)
	if err != nil {
		if m == modeReconcile {
			return nil, err
		}
		if err := a.transition(StateFailed); err != nil {
			return nil, err
		}
		result := failed(a, false, reasonLedgerUnavailable, err, t)
		c.dispatchNotification(result, false)
		return result, nil
	}

	if v.LedgerSaysComplete {
		return c.confirm(a, t, nil, false, reasonAlreadyOnLedger)
	}

	if t.Completed && m == modeComplete {
		common.Log.Warningf("task %s is completed off-chain but fingerprint %s is not on the ledger for %s", t.ID, fp, account)
		if t.VerifiedOnLedger {
			if err := c.store.SetVerifiedOnLedger(t.ID, false); err != nil {
				common.Log.Warningf("failed to clear ledger verification of task %s; %s", t.ID, err.Error())
			}
		}
		if err := a.transition(StateFailed); err != nil {
			return nil, err
		}
		result := failed(a, false, reasonDivergent, errDivergent, t)
		c.dispatchNotification(result, false)
		return result, nil
	}

	// the ledger read is only negative once the previous transaction is resolved
	if t.Frozen() && t.PendingReceipt != nil {
		if result, err := c.awaitPending(ctx, a, t, m); result != nil || err != nil {
			return result, err
		}
	}

	// content is frozen under fp before the transaction is broadcast
	prior := t
	t, err = c.store.SaveCompletion(prior.ID, &task.Completion{
		Status:         task.CompletionStatusSubmitting,
		Completed:      prior.Completed,
		Fingerprint:    fp.String(),
		PendingReceipt: prior.PendingReceipt,
	})
	if err != nil {
		if errors.Is(err, task.ErrContentChanged) {
			return nil, ErrStaleContent
		}
		if m == modeReconcile {
			return nil, err
		}
		common.Log.Warningf("failed to persist submission of task %s; %s", prior.ID, err.Error())
		if err := a.transition(StateFailed); err != nil {
			return nil, err
		}
		result := failed(a, false, reasonPersistFailed, err, prior)
		c.dispatchNotification(result, false)
		return result, nil
	}

	if err := a.transition(StateSubmitting); err != nil {
		return nil, err
	}

	receipt, err := c.ledger.SubmitCompletion(ctx, account, fp)
	switch {
	case err == nil:
		return c.confirm(a, t, receipt, true, "")
	case ledger.IsAmbiguous(err):
		return c.pend(a, t, err, m)
	default:
		return c.fail(ctx, a, t, prior, err, m)
	}
}

// awaitPending resolves the transaction of a previous ambiguous submission and
// returns an ambiguous result while it may still land; a nil result means the
// transaction is settled negative and a resubmission is safe
func (c *Coordinator) awaitPending(ctx context.Context, a *attempt, t *task.Task, m mode) (*Result, error) {
	tracker, ok := c.ledger.(ledger.TransactionTracker)
	if !ok {
		return nil, nil
	}

	txHash := *t.PendingReceipt
	state, err := tracker.TransactionState(ctx, txHash)
	if err == nil && !state.Unresolved() {
		common.Log.Debugf("pending transaction %s of task %s is %s; resubmitting", txHash, t.ID, state)
		return nil, nil
	}

	if err != nil {
		if m == modeReconcile {
			return nil, err
		}
		err = fmt.Errorf("failed to resolve pending transaction %s; %w", txHash, err)
	} else {
		err = fmt.Errorf("transaction %s is %s on the ledger", txHash, state)
	}

	if terr := a.transition(StateAmbiguous); terr != nil {
		return nil, terr
	}

	common.Log.Debugf("completion of task %s remains ambiguous; %s", t.ID, err.Error())
	result := ambiguous(a, false, reasonSubmissionPending, err, t)
	c.dispatchNotification(result, m == modeComplete)
	return result, nil
}

// confirm persists a completion the ledger has recorded
func (c *Coordinator) confirm(a *attempt, t *task.Task, receipt *ledger.Receipt, submitted bool, reason string) (*Result, error) {
	var ledgerReceipt *string
	if receipt != nil {
		ledgerReceipt = common.StringOrNil(receipt.TransactionHash)
	} else if t.LedgerReceipt != nil {
		ledgerReceipt = t.LedgerReceipt
	} else if t.PendingReceipt != nil {
		ledgerReceipt = t.PendingReceipt
	}

	updated := t
	settled := t.Completed && t.VerifiedOnLedger && t.HasStatus(task.CompletionStatusConfirmed)
	if !settled {
		now := time.Now().UTC()
		var err error
		updated, err = c.store.SaveCompletion(t.ID, &task.Completion{
			Status:           task.CompletionStatusConfirmed,
			Completed:        true,
			Fingerprint:      a.fp.String(),
			LedgerReceipt:    ledgerReceipt,
			VerifiedOnLedger: true,
			CompletedBy:      a.account,
			CompletedAt:      &now,
		})
		if err != nil {
			// the ledger holds the completion; the next check repairs the off-chain record
			common.Log.Warningf("failed to persist confirmed completion of task %s; %s", t.ID, err.Error())
			result := ambiguous(a, submitted, reasonPersistFailed, err, t)
			c.dispatchNotification(result, false)
			return result, nil
		}

		if c.journal != nil {
			if err := c.journal.Append(a.account, a.fp, ledgerReceipt); err != nil {
				common.Log.Warningf("failed to journal completion of task %s; %s", t.ID, err.Error())
			}
		}
	}

	if err := a.transition(StateConfirmed); err != nil {
		return nil, err
	}

	if receipt == nil && ledgerReceipt != nil {
		receipt = &ledger.Receipt{TransactionHash: *ledgerReceipt}
	}

	common.Log.Debugf("completion of task %s confirmed on ledger; fingerprint: %s", t.ID, a.fp)
	result := confirmed(a, receipt, submitted, reason, updated)
	c.dispatchNotification(result, false)
	return result, nil
}

// pend records an ambiguous submission; the task stays not completed until reconciled
func (c *Coordinator) pend(a *attempt, t *task.Task, err error, m mode) (*Result, error) {
	if terr := a.transition(StateAmbiguous); terr != nil {
		return nil, terr
	}

	pending := t.PendingReceipt
	var timeout *ledger.TimeoutError
	if errors.As(err, &timeout) && timeout.TransactionHash != "" {
		pending = common.StringOrNil(timeout.TransactionHash)
	}

	updated, perr := c.store.SaveCompletion(t.ID, &task.Completion{
		Status:         task.CompletionStatusAmbiguous,
		Completed:      t.Completed,
		Fingerprint:    a.fp.String(),
		PendingReceipt: pending,
		CompletedBy:    a.account,
	})
	if perr != nil {
		common.Log.Warningf("failed to persist ambiguous completion of task %s; %s", t.ID, perr.Error())
		updated = t
	}

	common.Log.Warningf("completion of task %s is ambiguous; fingerprint: %s; %s", t.ID, a.fp, err.Error())
	result := ambiguous(a, true, reasonSubmissionTimeout, err, updated)
	c.dispatchNotification(result, m == modeComplete)
	return result, nil
}

// fail reports a submission that did not record the completion. A rejection
// is checked against the ledger since the ledger refuses a duplicate of a
// completion which already landed. t is the task as frozen for submission;
// the completion fields of prior are restored unless a rejection settles an
// ambiguous attempt.
func (c *Coordinator) fail(ctx context.Context, a *attempt, t, prior *task.Task, err error, m mode) (*Result, error) {
	if ledger.IsRejected(err) {
		v, verr := c.verifier.Verify(ctx, a.account, a.fp, prior.Completed)
		if verr == nil && v.LedgerSaysComplete {
			common.Log.Debugf("rejected submission of task %s is already on the ledger; %s", prior.ID, err.Error())
			return c.confirm(a, t, nil, true, reasonAlreadyOnLedger)
		}
		if verr != nil {
			common.Log.Warningf("failed to verify rejected submission of task %s; %s", prior.ID, verr.Error())
			err = verr
		}
	}

	rejected := ledger.IsRejected(err)
	settles := rejected && !prior.Completed && prior.Frozen()

	updated := prior
	var perr error
	if settles {
		updated, perr = c.store.SaveCompletion(prior.ID, &task.Completion{
			Status:      task.CompletionStatusFailed,
			Fingerprint: a.fp.String(),
			CompletedBy: a.account,
		})
	} else {
		updated, perr = c.store.SaveCompletion(prior.ID, prior.CompletionSnapshot())
	}
	if perr != nil {
		common.Log.Warningf("failed to persist failed completion of task %s; %s", prior.ID, perr.Error())
		updated = prior
	}

	if m == modeReconcile && !rejected {
		return nil, err
	}

	if terr := a.transition(StateFailed); terr != nil {
		return nil, terr
	}

	reason := reasonLedgerUnavailable
	if rejected {
		reason = reasonRejected
	}

	common.Log.Warningf("completion of task %s failed; fingerprint: %s; %s", prior.ID, a.fp, err.Error())
	result := failed(a, true, reason, err, updated)
	c.dispatchNotification(result, false)
	return result, nil
}

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
	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/taskledger/ledger"
	"github.com/provideplatform/taskledger/task"
)

// Status is the caller-visible outcome of a completion request
type Status string

const (
	// StatusConfirmed means the ledger shows the completion and the off-chain record reflects it
	StatusConfirmed Status = "confirmed"

	// StatusAmbiguous means the outcome is pending verification; the task remains not completed
	StatusAmbiguous Status = "ambiguous"

	// StatusFailed means the completion was not recorded; the task remains not completed
	StatusFailed Status = "failed"
)

const (
	reasonAlreadyOnLedger   = "already_on_ledger"
	reasonSubmissionTimeout = "submission_timeout"
	reasonSubmissionPending = "submission_pending"
	reasonPersistFailed     = "persist_failed"
	reasonRejected          = "rejected"
	reasonLedgerUnavailable = "ledger_unavailable"
	reasonDivergent         = "divergent"
)

// Result is the outcome of CompleteTask or Reconcile. Receipt is only set for
// StatusConfirmed; Reason explains any non-confirmed outcome.
type Result struct {
	Status      Status          `json:"status"`
	TaskID      uuid.UUID       `json:"task_id"`
	Account     string          `json:"account"`
	Fingerprint string          `json:"fingerprint"`
	Receipt     *ledger.Receipt `json:"receipt,omitempty"`
	Submitted   bool            `json:"submitted"`
	Reason      string          `json:"reason,omitempty"`
	Message     string          `json:"message,omitempty"`
	Task        *task.Task      `json:"task,omitempty"`
}

func confirmed(a *attempt, receipt *ledger.Receipt, submitted bool, reason string, t *task.Task) *Result {
	return &Result{
		Status:      StatusConfirmed,
		TaskID:      a.taskID,
		Account:     a.account,
		Fingerprint: a.fp.String(),
		Receipt:     receipt,
		Submitted:   submitted,
		Reason:      reason,
		Task:        t,
	}
}

func ambiguous(a *attempt, submitted bool, reason string, err error, t *task.Task) *Result {
	return &Result{
		Status:      StatusAmbiguous,
		TaskID:      a.taskID,
		Account:     a.account,
		Fingerprint: a.fp.String(),
		Submitted:   submitted,
		Reason:      reason,
		Message:     errorMessage(err),
		Task:        t,
	}
}

func failed(a *attempt, submitted bool, reason string, err error, t *task.Task) *Result {
	return &Result{
		Status:      StatusFailed,
		TaskID:      a.taskID,
		Account:     a.account,
		Fingerprint: a.fp.String(),
		Submitted:   submitted,
		Reason:      reason,
		Message:     errorMessage(err),
		Task:        t,
	}
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Verification compares an off-chain completion claim with ledger truth
type Verification struct {
	TaskID             *uuid.UUID `json:"task_id,omitempty"`
	Account            string     `json:"account"`
	Fingerprint        string     `json:"fingerprint"`
	ClaimedComplete    bool       `json:"claimed_complete"`
	LedgerSaysComplete bool       `json:"ledger_says_complete"`
	MatchesLedger      bool       `json:"matches_ledger"`

	// ContentMatches is set when the stored fingerprint could be compared with
	// one recomputed from the current task content
	ContentMatches *bool `json:"content_matches,omitempty"`
}

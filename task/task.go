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

package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	provide "github.com/provideplatform/provide-go/api"
	"github.com/provideplatform/taskledger/common"
	"github.com/provideplatform/taskledger/fingerprint"
)

// CompletionStatusSubmitting is a submission in flight; content is frozen from here on
const CompletionStatusSubmitting = "submitting"

// CompletionStatusConfirmed is a completion observed on the ledger
const CompletionStatusConfirmed = "confirmed"

// CompletionStatusAmbiguous is a submission with an unknown outcome awaiting reconciliation
const CompletionStatusAmbiguous = "ambiguous"

// CompletionStatusFailed is a submission explicitly refused by the ledger
const CompletionStatusFailed = "failed"

// DeadlineDateLayout is the date-only form accepted for deadlines
const DeadlineDateLayout = "2006-01-02"

var (
	// ErrNotFound is returned when a task is unknown to the store
	ErrNotFound = errors.New("task not found")

	// ErrContentFrozen is returned when the content of a completed task would change
	ErrContentFrozen = errors.New("task content cannot change once completion has been attempted")

	// ErrContentChanged is returned when a submission is recorded for content the task no longer has
	ErrContentChanged = errors.New("task content no longer matches the submitted fingerprint")
)

// Task is the off-chain record of a task and its ledger completion
type Task struct {
	provide.Model

	WalletAddress string     `sql:"not null" json:"wallet_address"`
	Title         string     `sql:"not null" json:"title"`
	Description   string     `json:"description"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	Priority      int        `sql:"not null;default:0" json:"priority"`

	Completed        bool       `sql:"not null;default:false" json:"completed"`
	CompletionStatus *string    `json:"completion_status,omitempty"`
	Fingerprint      *string    `json:"fingerprint,omitempty"`
	LedgerReceipt    *string    `json:"ledger_receipt,omitempty"`
	PendingReceipt   *string    `json:"pending_receipt,omitempty"`
	VerifiedOnLedger bool       `sql:"not null;default:false" json:"verified_on_ledger"`
	CompletedBy      *string    `json:"completed_by,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`

	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Edit is a partial update of the mutable task fields; nil fields are untouched
type Edit struct {
	Title         *string
	Description   *string
	Deadline      *time.Time
	ClearDeadline bool
	Priority      *int
}

// Completion is the set of completion fields written by the completion coordinator
type Completion struct {
	Status           string
	Completed        bool
	Fingerprint      string
	LedgerReceipt    *string
	PendingReceipt   *string
	VerifiedOnLedger bool
	CompletedBy      string
	CompletedAt      *time.Time
}

// Content returns the snapshot of the task content that is fingerprinted
func (t *Task) Content() fingerprint.Content {
	return fingerprint.Content{
		Title:       t.Title,
		Description: t.Description,
		Deadline:    t.Deadline,
	}
}

// Frozen returns true once the content has been bound to a ledger submission
func (t *Task) Frozen() bool {
	if t.Completed {
		return true
	}
	return t.HasStatus(CompletionStatusSubmitting) || t.HasStatus(CompletionStatusAmbiguous)
}

// HasStatus returns true if the completion status equals the given status
func (t *Task) HasStatus(status string) bool {
	return t.CompletionStatus != nil && *t.CompletionStatus == status
}

// Submitter returns the account which completed, or would complete, the task on the ledger
func (t *Task) Submitter() string {
	if t.CompletedBy != nil && *t.CompletedBy != "" {
		return *t.CompletedBy
	}
	return t.WalletAddress
}

// ApplyEdit applies the given edit, refusing content changes once the task is frozen
func (t *Task) ApplyEdit(edit *Edit) error {
	title := t.Title
	description := t.Description
	deadline := t.Deadline

	if edit.Title != nil {
		title = strings.TrimSpace(*edit.Title)
	}
	if edit.Description != nil {
		description = strings.TrimSpace(*edit.Description)
	}
	if edit.ClearDeadline {
		deadline = nil
	} else if edit.Deadline != nil {
		d := edit.Deadline.UTC()
		deadline = &d
	}

	contentChanged := title != t.Title || description != t.Description || !sameDeadline(deadline, t.Deadline)
	if contentChanged && t.Frozen() {
		return ErrContentFrozen
	}

	t.Title = title
	t.Description = description
	t.Deadline = deadline
	if edit.Priority != nil {
		t.Priority = *edit.Priority
	}

	return nil
}

// ApplyCompletion merges a completion write; completed never reverts to false
func (t *Task) ApplyCompletion(c *Completion) {
	t.CompletionStatus = common.StringOrNil(c.Status)
	t.Fingerprint = common.StringOrNil(c.Fingerprint)
	t.VerifiedOnLedger = c.VerifiedOnLedger
	t.PendingReceipt = c.PendingReceipt

	if c.LedgerReceipt != nil {
		t.LedgerReceipt = c.LedgerReceipt
	}
	if c.CompletedBy != "" {
		t.CompletedBy = common.StringOrNil(common.NormalizeAddress(c.CompletedBy))
	}
	if c.Completed && !t.Completed {
		t.Completed = true
		t.CompletedAt = c.CompletedAt
	}
}

// CompletionSnapshot returns the current completion fields, suitable for
// restoring them with ApplyCompletion
func (t *Task) CompletionSnapshot() *Completion {
	c := &Completion{
		Completed:        t.Completed,
		PendingReceipt:   t.PendingReceipt,
		VerifiedOnLedger: t.VerifiedOnLedger,
	}
	if t.CompletionStatus != nil {
		c.Status = *t.CompletionStatus
	}
	if t.Fingerprint != nil {
		c.Fingerprint = *t.Fingerprint
	}
	return c
}

// checkSubmission refuses to record a submission whose fingerprint was not
// derived from the current content
func (t *Task) checkSubmission(c *Completion) error {
	if c.Status != CompletionStatusSubmitting {
		return nil
	}

	current, err := fingerprint.DeriveContent(t.Content())
	if err != nil {
		return err
	}
	if current.String() != c.Fingerprint {
		return ErrContentChanged
	}
	return nil
}

// Validate the task params
func (t *Task) Validate() bool {
	t.Errors = make([]*provide.Error, 0)

	t.WalletAddress = common.NormalizeAddress(t.WalletAddress)
	t.Title = strings.TrimSpace(t.Title)
	t.Description = strings.TrimSpace(t.Description)

	if t.WalletAddress == "" {
		t.Errors = append(t.Errors, &provide.Error{
			Message: common.StringOrNil("task wallet address required"),
		})
	}

	if t.Title == "" {
		t.Errors = append(t.Errors, &provide.Error{
			Message: common.StringOrNil("task title required"),
		})
	}

	if _, err := fingerprint.DeriveContent(t.Content()); err != nil {
		t.Errors = append(t.Errors, &provide.Error{
			Message: common.StringOrNil(fmt.Sprintf("task content invalid; %s", err.Error())),
		})
	}

	return len(t.Errors) == 0
}

// ParseDeadline accepts a date (2006-01-02) or an RFC 3339 timestamp
func ParseDeadline(str string) (*time.Time, error) {
	str = strings.TrimSpace(str)
	if str == "" {
		return nil, nil
	}

	if d, err := time.Parse(DeadlineDateLayout, str); err == nil {
		return &d, nil
	}

	d, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return nil, fmt.Errorf("invalid deadline %q; expected %s or RFC 3339", str, DeadlineDateLayout)
	}

	d = d.UTC()
	return &d, nil
}

func sameDeadline(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

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
	"fmt"
	"time"

	"github.com/jinzhu/gorm"
	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/taskledger/common"
)

// GormStore is a Store backed by the tasks table
type GormStore struct {
	db *gorm.DB
}

// NewGormStore initializes a GormStore using the given connection
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) first(query *gorm.DB) (*Task, error) {
	t := &Task{}
	result := query.First(t)
	if result.RecordNotFound() {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to resolve task; %s", result.Error.Error())
	}
	return t, nil
}

// Find resolves a task owned by the given account
func (s *GormStore) Find(owner string, id uuid.UUID) (*Task, error) {
	return s.first(s.db.Where("tasks.id = ? AND tasks.wallet_address = ?", id, common.NormalizeAddress(owner)))
}

// FindByID resolves a task regardless of owner
func (s *GormStore) FindByID(id uuid.UUID) (*Task, error) {
	return s.first(s.db.Where("tasks.id = ?", id))
}

// List returns a page of the tasks owned by the given account, newest first
func (s *GormStore) List(owner string, page, rpp int) ([]*Task, error) {
	offset, limit := pageBounds(page, rpp)

	tasks := make([]*Task, 0)
	result := s.db.Where("tasks.wallet_address = ?", common.NormalizeAddress(owner)).
		Order("tasks.created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&tasks)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list tasks; %s", result.Error.Error())
	}

	return tasks, nil
}

// Create persists a new task
func (s *GormStore) Create(t *Task) error {
	if !s.db.NewRecord(t) {
		return fmt.Errorf("task %s already persisted", t.ID)
	}

	result := s.db.Create(t)
	if result.Error != nil {
		return fmt.Errorf("failed to create task; %s", result.Error.Error())
	}

	if s.db.NewRecord(t) || result.RowsAffected == 0 {
		return fmt.Errorf("failed to create task for %s", t.WalletAddress)
	}

	common.Log.Debugf("created task %s for %s", t.ID, t.WalletAddress)
	return nil
}

// Update persists the mutable content and priority fields; the frozen check
// runs under a row lock so it cannot race a concurrent completion write
func (s *GormStore) Update(t *Task) error {
	return s.transact(func(tx *gorm.DB) error {
		existing, err := s.first(tx.Set("gorm:query_option", "FOR UPDATE").Where("tasks.id = ? AND tasks.wallet_address = ?", t.ID, t.WalletAddress))
		if err != nil {
			return err
		}

		contentChanged := existing.Title != t.Title || existing.Description != t.Description || !sameDeadline(existing.Deadline, t.Deadline)
		if contentChanged && existing.Frozen() {
			return ErrContentFrozen
		}

		now := time.Now().UTC()
		return tx.Model(existing).Updates(map[string]interface{}{
			"title":       t.Title,
			"description": t.Description,
			"deadline":    t.Deadline,
			"priority":    t.Priority,
			"updated_at":  now,
		}).Error
	})
}

// Delete removes a task owned by the given account
func (s *GormStore) Delete(owner string, id uuid.UUID) error {
	result := s.db.Where("tasks.id = ? AND tasks.wallet_address = ?", id, common.NormalizeAddress(owner)).Delete(&Task{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete task %s; %s", id, result.Error.Error())
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveCompletion merges the completion fields into the task under a row lock
func (s *GormStore) SaveCompletion(id uuid.UUID, completion *Completion) (*Task, error) {
	var saved *Task

	err := s.transact(func(tx *gorm.DB) error {
		t, err := s.first(tx.Set("gorm:query_option", "FOR UPDATE").Where("tasks.id = ?", id))
		if err != nil {
			return err
		}

		if err := t.checkSubmission(completion); err != nil {
			return err
		}

		now := time.Now().UTC()
		t.ApplyCompletion(completion)
		t.UpdatedAt = &now

		result := tx.Model(t).Updates(map[string]interface{}{
			"completed":          t.Completed,
			"completion_status":  t.CompletionStatus,
			"fingerprint":        t.Fingerprint,
			"ledger_receipt":     t.LedgerReceipt,
			"pending_receipt":    t.PendingReceipt,
			"verified_on_ledger": t.VerifiedOnLedger,
			"completed_by":       t.CompletedBy,
			"completed_at":       t.CompletedAt,
			"updated_at":         t.UpdatedAt,
		})
		if result.Error != nil {
			return fmt.Errorf("failed to persist completion of task %s; %s", id, result.Error.Error())
		}

		saved = t
		return nil
	})

	return saved, err
}

// SetVerifiedOnLedger refreshes the advisory ledger verification cache
func (s *GormStore) SetVerifiedOnLedger(id uuid.UUID, verified bool) error {
	result := s.db.Model(&Task{}).Where("tasks.id = ?", id).Update("verified_on_ledger", verified)
	if result.Error != nil {
		return fmt.Errorf("failed to update ledger verification of task %s; %s", id, result.Error.Error())
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) transact(fn func(tx *gorm.DB) error) error {
	tx := s.db.Begin()
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction; %s", tx.Error.Error())
	}

	err := fn(tx)
	if err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit transaction; %s", err.Error())
	}

	return nil
}

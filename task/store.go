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
	"sort"
	"sync"
	"time"

	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/taskledger/common"
)

// Store is the off-chain task store; every write touches a single task
type Store interface {
	// Find resolves a task owned by the given account
	Find(owner string, id uuid.UUID) (*Task, error)

	// FindByID resolves a task regardless of owner, for public audit reads
	FindByID(id uuid.UUID) (*Task, error)

	// List returns a page of the tasks owned by the given account, newest first
	List(owner string, page, rpp int) ([]*Task, error)

	// Create persists a new, validated task
	Create(task *Task) error

	// Update persists the mutable content and priority fields of the given task
	Update(task *Task) error

	// Delete removes a task owned by the given account
	Delete(owner string, id uuid.UUID) error

	// SaveCompletion merges the completion fields into the task and returns the result;
	// a submitting write fails with ErrContentChanged unless the fingerprint
	// matches the current content
	SaveCompletion(id uuid.UUID, completion *Completion) (*Task, error)

	// SetVerifiedOnLedger refreshes the advisory ledger verification cache
	SetVerifiedOnLedger(id uuid.UUID, verified bool) error
}

// MemoryStore is a goroutine-safe Store held in process memory
type MemoryStore struct {
	mutex sync.RWMutex
	tasks map[uuid.UUID]*Task
}

// NewMemoryStore initializes an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: map[uuid.UUID]*Task{},
	}
}

func copyTask(t *Task) *Task {
	cpy := *t
	cpy.Errors = nil
	return &cpy
}

// Find resolves a task owned by the given account
func (s *MemoryStore) Find(owner string, id uuid.UUID) (*Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	t, ok := s.tasks[id]
	if !ok || t.WalletAddress != common.NormalizeAddress(owner) {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

// FindByID resolves a task regardless of owner
func (s *MemoryStore) FindByID(id uuid.UUID) (*Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

// List returns a page of the tasks owned by the given account, newest first
func (s *MemoryStore) List(owner string, page, rpp int) ([]*Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	owner = common.NormalizeAddress(owner)
	tasks := make([]*Task, 0)
	for _, t := range s.tasks {
		if t.WalletAddress == owner {
			tasks = append(tasks, copyTask(t))
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	offset, limit := pageBounds(page, rpp)
	if offset >= len(tasks) {
		return []*Task{}, nil
	}
	end := offset + limit
	if end > len(tasks) {
		end = len(tasks)
	}
	return tasks[offset:end], nil
}

// Create persists a new task, assigning its id
func (s *MemoryStore) Create(t *Task) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if t.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		t.ID = id
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	s.tasks[t.ID] = copyTask(t)
	return nil
}

// Update persists the mutable content and priority fields
func (s *MemoryStore) Update(t *Task) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, ok := s.tasks[t.ID]
	if !ok || existing.WalletAddress != t.WalletAddress {
		return ErrNotFound
	}

	contentChanged := existing.Title != t.Title || existing.Description != t.Description || !sameDeadline(existing.Deadline, t.Deadline)
	if contentChanged && existing.Frozen() {
		return ErrContentFrozen
	}

	now := time.Now().UTC()
	existing.Title = t.Title
	existing.Description = t.Description
	existing.Deadline = t.Deadline
	existing.Priority = t.Priority
	existing.UpdatedAt = &now
	return nil
}

// Delete removes a task owned by the given account
func (s *MemoryStore) Delete(owner string, id uuid.UUID) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.WalletAddress != common.NormalizeAddress(owner) {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

// SaveCompletion merges the completion fields into the task
func (s *MemoryStore) SaveCompletion(id uuid.UUID, completion *Completion) (*Task, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}

	if err := t.checkSubmission(completion); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t.ApplyCompletion(completion)
	t.UpdatedAt = &now
	return copyTask(t), nil
}

// SetVerifiedOnLedger refreshes the advisory ledger verification cache
func (s *MemoryStore) SetVerifiedOnLedger(id uuid.UUID, verified bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.VerifiedOnLedger = verified
	return nil
}

const defaultPageSize = 25
const maxPageSize = 100

func pageBounds(page, rpp int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if rpp < 1 {
		rpp = defaultPageSize
	}
	if rpp > maxPageSize {
		rpp = maxPageSize
	}
	return (page - 1) * rpp, rpp
}

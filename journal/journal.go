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

package journal

import (
	"fmt"
	"sync"

	"github.com/jinzhu/gorm"
	provide "github.com/provideplatform/provide-go/api"
	"github.com/provideplatform/taskledger/common"
	"github.com/provideplatform/taskledger/fingerprint"
)

// Entry is a journaled confirmed completion
type Entry struct {
	provide.Model

	Account     string  `sql:"not null" json:"account"`
	Fingerprint string  `sql:"not null" json:"fingerprint"`
	Receipt     *string `json:"receipt,omitempty"`
}

// TableName of journal entries
func (Entry) TableName() string {
	return "journal_entries"
}

// Backend persists journal entries in append order
type Backend interface {
	Load(account string) ([]*Entry, error)
	Save(entry *Entry) error
}

// MemoryBackend keeps journal entries in process
type MemoryBackend struct {
	mutex   sync.Mutex
	entries map[string][]*Entry
}

// NewMemoryBackend initializes an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: map[string][]*Entry{},
	}
}

// Load the entries of the account
func (b *MemoryBackend) Load(account string) ([]*Entry, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	entries := make([]*Entry, len(b.entries[account]))
	copy(entries, b.entries[account])
	return entries, nil
}

// Save appends the entry
func (b *MemoryBackend) Save(entry *Entry) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.entries[entry.Account] = append(b.entries[entry.Account], entry)
	return nil
}

// GormBackend persists entries in the journal_entries table
type GormBackend struct {
	db *gorm.DB
}

// NewGormBackend initializes a GormBackend using the given connection
func NewGormBackend(db *gorm.DB) *GormBackend {
	return &GormBackend{db: db}
}

// Load the entries of the account in append order
func (b *GormBackend) Load(account string) ([]*Entry, error) {
	entries := make([]*Entry, 0)
	result := b.db.Where("journal_entries.account = ?", account).
		Order("journal_entries.created_at ASC").
		Find(&entries)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load journal of %s; %s", account, result.Error.Error())
	}
	return entries, nil
}

// Save persists the entry
func (b *GormBackend) Save(entry *Entry) error {
	result := b.db.Create(entry)
	if result.Error != nil {
		return fmt.Errorf("failed to persist journal entry; %s", result.Error.Error())
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("failed to persist journal entry %s for %s", entry.Fingerprint, entry.Account)
	}
	return nil
}

// Summary describes the journal of one account
type Summary struct {
	Account  string `json:"account"`
	Root     string `json:"root,omitempty"`
	Size     int    `json:"size"`
	Contains *bool  `json:"contains,omitempty"`
}

// Journal is a per-account dense merkle accumulator of confirmed fingerprints;
// its root is a tamper-evident digest of the off-chain confirmations
type Journal struct {
	backend Backend
	mutex   sync.Mutex
	trees   map[string]*accountTree
}

// NewJournal initializes a journal over the given backend
func NewJournal(backend Backend) *Journal {
	return &Journal{
		backend: backend,
		trees:   map[string]*accountTree{},
	}
}

// tree resolves the cached tree of the account, loading it from the backend on first use;
// the caller must hold the mutex
func (j *Journal) tree(account string) (*accountTree, error) {
	if t, ok := j.trees[account]; ok {
		return t, nil
	}

	entries, err := j.backend.Load(account)
	if err != nil {
		return nil, err
	}

	fps := make([]fingerprint.Fingerprint, 0, len(entries))
	for _, entry := range entries {
		fp, err := fingerprint.Parse(entry.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("failed to parse journaled fingerprint %s of %s; %s", entry.Fingerprint, account, err.Error())
		}
		fps = append(fps, fp)
	}

	t, err := newAccountTree(fps)
	if err != nil {
		return nil, err
	}

	common.Log.Debugf("loaded journal of %s; %d entries; root: %s", account, t.size(), t.root())
	j.trees[account] = t
	return t, nil
}

// Append journals a confirmed completion; appending a journaled fingerprint is a no-op
func (j *Journal) Append(account string, fp fingerprint.Fingerprint, receipt *string) error {
	account = common.NormalizeAddress(account)

	j.mutex.Lock()
	defer j.mutex.Unlock()

	t, err := j.tree(account)
	if err != nil {
		return err
	}

	if t.contains(fp) {
		return nil
	}

	err = j.backend.Save(&Entry{
		Account:     account,
		Fingerprint: fp.String(),
		Receipt:     receipt,
	})
	if err != nil {
		return err
	}

	if _, err := t.insert(fp); err != nil {
		// the backend holds the entry; rebuild from it on next use
		delete(j.trees, account)
		return err
	}

	common.Log.Debugf("journaled %s for %s; root: %s", fp, account, t.root())
	return nil
}

// Summary returns the root and size of the account's journal
func (j *Journal) Summary(account string) (*Summary, error) {
	account = common.NormalizeAddress(account)

	j.mutex.Lock()
	defer j.mutex.Unlock()

	t, err := j.tree(account)
	if err != nil {
		return nil, err
	}

	return &Summary{
		Account: account,
		Root:    t.root(),
		Size:    t.size(),
	}, nil
}

// Contains proves inclusion of fp in the account's journal
func (j *Journal) Contains(account string, fp fingerprint.Fingerprint) (bool, error) {
	account = common.NormalizeAddress(account)

	j.mutex.Lock()
	defer j.mutex.Unlock()

	t, err := j.tree(account)
	if err != nil {
		return false, err
	}

	return t.verify(fp)
}

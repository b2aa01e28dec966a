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

package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/provideplatform/taskledger/common"
	"github.com/provideplatform/taskledger/fingerprint"
	"golang.org/x/crypto/sha3"
)

// SubmitFault is an injected outcome for the next SubmitCompletion call
type SubmitFault struct {
	Err error

	// Landed records the completion despite Err, i.e. a timeout after broadcast
	Landed bool
}

type memoryRecord struct {
	timestamp       time.Time
	transactionHash string
}

// MemoryLedger is a goroutine-safe in-process ledger with fault injection
type MemoryLedger struct {
	mutex sync.Mutex

	records      map[string]*memoryRecord
	transactions map[string]TransactionState
	submitFaults []SubmitFault
	queryFaults  []error
	gate         <-chan struct{}

	blocks  uint64
	submits int
	queries int
}

// NewMemoryLedger initializes an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records:      map[string]*memoryRecord{},
		transactions: map[string]TransactionState{},
	}
}

func memoryKey(account string, fp fingerprint.Fingerprint) string {
	return fmt.Sprintf("%s:%s", common.NormalizeAddress(account), fp.String())
}

// SubmitCompletion records the completion, consuming an injected fault when present
func (l *MemoryLedger) SubmitCompletion(ctx context.Context, account string, fp fingerprint.Fingerprint) (*Receipt, error) {
	l.mutex.Lock()
	l.submits++
	gate := l.gate
	var fault *SubmitFault
	if len(l.submitFaults) > 0 {
		fault = &l.submitFaults[0]
		l.submitFaults = l.submitFaults[1:]
	}
	l.mutex.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &TimeoutError{Op: ledgerOpSubmitCompletion, Err: ctx.Err()}
		}
	}

	if account == "" {
		return nil, &RejectedError{Op: ledgerOpSubmitCompletion, Reason: "account required"}
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if fault != nil && !fault.Landed {
		return nil, fault.Err
	}

	key := memoryKey(account, fp)
	l.blocks++
	txHash := l.transactionHash(key)

	record, ok := l.records[key]
	if !ok {
		record = &memoryRecord{
			timestamp:       time.Now().UTC(),
			transactionHash: txHash,
		}
		l.records[key] = record
	}
	l.transactions[txHash] = TransactionMined

	if fault != nil {
		if timeout, isTimeout := fault.Err.(*TimeoutError); isTimeout && timeout.TransactionHash == "" {
			return nil, &TimeoutError{Op: timeout.Op, TransactionHash: txHash, Err: timeout.Err}
		}
		return nil, fault.Err
	}

	return &Receipt{
		TransactionHash: txHash,
		BlockNumber:     l.blocks,
		Timestamp:       record.timestamp,
	}, nil
}

// QueryCompletion reports whether the completion is recorded, consuming an injected fault when present
func (l *MemoryLedger) QueryCompletion(ctx context.Context, account string, fp fingerprint.Fingerprint) (bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.queries++
	if len(l.queryFaults) > 0 {
		err := l.queryFaults[0]
		l.queryFaults = l.queryFaults[1:]
		return false, err
	}

	_, ok := l.records[memoryKey(account, fp)]
	return ok, nil
}

// InjectSubmitFault queues an outcome for a future SubmitCompletion call
func (l *MemoryLedger) InjectSubmitFault(fault SubmitFault) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.submitFaults = append(l.submitFaults, fault)
}

// InjectQueryFault queues an error for a future QueryCompletion call
func (l *MemoryLedger) InjectQueryFault(err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.queryFaults = append(l.queryFaults, err)
}

// Gate blocks every SubmitCompletion until the given channel is closed or ctx is done
func (l *MemoryLedger) Gate(ch <-chan struct{}) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.gate = ch
}

// Record marks a completion as already present on the ledger
func (l *MemoryLedger) Record(account string, fp fingerprint.Fingerprint) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	key := memoryKey(account, fp)
	l.blocks++
	txHash := l.transactionHash(key)
	l.records[key] = &memoryRecord{
		timestamp:       time.Now().UTC(),
		transactionHash: txHash,
	}
	l.transactions[txHash] = TransactionMined
}

// TransactionState reports the state of a transaction this ledger produced or
// was told about; any other transaction is unknown
func (l *MemoryLedger) TransactionState(ctx context.Context, txHash string) (TransactionState, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if state, ok := l.transactions[txHash]; ok {
		return state, nil
	}
	return TransactionUnknown, nil
}

// SetTransactionState overrides the reported state of the given transaction
func (l *MemoryLedger) SetTransactionState(txHash string, state TransactionState) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.transactions[txHash] = state
}

// Submits returns the number of SubmitCompletion calls observed
func (l *MemoryLedger) Submits() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.submits
}

// Queries returns the number of QueryCompletion calls observed
func (l *MemoryLedger) Queries() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.queries
}

// transactionHash derives a deterministic pseudo transaction hash; callers hold the mutex
func (l *MemoryLedger) transactionHash(key string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(fmt.Sprintf("%s:%d", key, l.blocks)))
	return fmt.Sprintf("0x%x", h.Sum(nil))
}

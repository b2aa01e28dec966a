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
	"time"

	"github.com/provideplatform/taskledger/fingerprint"
)

const ledgerOpSubmitCompletion = "submit completion"
const ledgerOpQueryCompletion = "query completion"
const ledgerOpTransactionState = "transaction state"

// Client is the two-operation interface to the external append-only ledger.
// Implementations classify every failure as *RPCError, *RejectedError or
// *TimeoutError before returning it.
type Client interface {
	// SubmitCompletion records the completion of fp by account; a *TimeoutError
	// means the ledger may or may not have recorded it
	SubmitCompletion(ctx context.Context, account string, fp fingerprint.Fingerprint) (*Receipt, error)

	// QueryCompletion reports whether the ledger shows fp completed by account
	QueryCompletion(ctx context.Context, account string, fp fingerprint.Fingerprint) (bool, error)
}

// Receipt is the proof of submission returned by a successful SubmitCompletion
type Receipt struct {
	TransactionHash string    `json:"transaction_hash"`
	BlockNumber     uint64    `json:"block_number,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// TransactionState is the ledger's view of a previously broadcast transaction
type TransactionState string

const (
	// TransactionUnknown is a transaction the ledger does not know, i.e. dropped or never broadcast
	TransactionUnknown TransactionState = "unknown"

	// TransactionPending is a transaction waiting to be mined
	TransactionPending TransactionState = "pending"

	// TransactionMined is a successful transaction which may not be final yet
	TransactionMined TransactionState = "mined"

	// TransactionReverted is a mined transaction which did not record the completion
	TransactionReverted TransactionState = "reverted"
)

// Unresolved returns true while the transaction may still record its completion
func (s TransactionState) Unresolved() bool {
	return s == TransactionPending || s == TransactionMined
}

// TransactionTracker is implemented by clients able to resolve the transaction
// behind an ambiguous submission
type TransactionTracker interface {
	TransactionState(ctx context.Context, txHash string) (TransactionState, error)
}

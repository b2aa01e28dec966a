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
	"errors"
	"fmt"
)

// RPCError is a transient failure talking to the ledger node; the operation
// did not change ledger state and may be retried
type RPCError struct {
	Op  string
	Err error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger %s rpc failed; %s", e.Op, e.Err.Error())
}

func (e *RPCError) Unwrap() error {
	return e.Err
}

// RejectedError is an explicit refusal by the ledger (revert, authorization,
// malformed input); retrying will not change the outcome
type RejectedError struct {
	Op     string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger rejected %s; %s", e.Op, e.Reason)
}

// TimeoutError is an ambiguous submission outcome: the transaction may or may
// not have been recorded. TransactionHash is set when the transaction was broadcast.
type TimeoutError struct {
	Op              string
	TransactionHash string
	Err             error
}

func (e *TimeoutError) Error() string {
	if e.TransactionHash != "" {
		return fmt.Sprintf("ledger %s outcome unknown for transaction %s; %s", e.Op, e.TransactionHash, e.Err.Error())
	}
	return fmt.Sprintf("ledger %s outcome unknown; %s", e.Op, e.Err.Error())
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// IsTransient returns true if err is a retryable ledger rpc failure
func IsTransient(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// IsRejected returns true if err is an explicit ledger refusal
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// IsAmbiguous returns true if err leaves the submission outcome unknown
func IsAmbiguous(err error) bool {
	var timeout *TimeoutError
	return errors.As(err, &timeout)
}

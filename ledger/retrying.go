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

	"github.com/provideplatform/taskledger/common"
	"github.com/provideplatform/taskledger/fingerprint"
	"github.com/provideplatform/taskledger/retry"
)

// RetryingClient retries transient rpc failures of the wrapped client within
// a bounded policy. Rejections and ambiguous submissions are returned as-is;
// a timed out submission is never retried here.
type RetryingClient struct {
	client      Client
	maxAttempts int
	delay       time.Duration
}

// NewRetryingClient wraps client with the given attempt budget and fixed delay
func NewRetryingClient(client Client, maxAttempts int, delay time.Duration) *RetryingClient {
	return &RetryingClient{
		client:      client,
		maxAttempts: maxAttempts,
		delay:       delay,
	}
}

func (c *RetryingClient) policy(op string) retry.Policy {
	return retry.Policy{
		MaxAttempts:  c.maxAttempts,
		InitialDelay: c.delay,
		Transient:    IsTransient,
		Notify: func(attempt int, err error, wait time.Duration) {
			common.Log.Warningf("ledger %s attempt %d failed; retrying in %s; %s", op, attempt, wait, err.Error())
		},
	}
}

// SubmitCompletion submits through the wrapped client, retrying only failures
// that happened before the transaction was broadcast
func (c *RetryingClient) SubmitCompletion(ctx context.Context, account string, fp fingerprint.Fingerprint) (*Receipt, error) {
	receipt, attempts, err := retry.Execute(ctx, c.policy(ledgerOpSubmitCompletion), func(ctx context.Context) (*Receipt, error) {
		return c.client.SubmitCompletion(ctx, account, fp)
	})
	if err != nil {
		common.Log.Debugf("ledger submission of %s for %s failed after %d attempt(s); %s", fp, account, attempts, err.Error())
		return nil, err
	}
	return receipt, nil
}

// QueryCompletion queries through the wrapped client, retrying transient failures
func (c *RetryingClient) QueryCompletion(ctx context.Context, account string, fp fingerprint.Fingerprint) (bool, error) {
	completed, _, err := retry.Execute(ctx, c.policy(ledgerOpQueryCompletion), func(ctx context.Context) (bool, error) {
		return c.client.QueryCompletion(ctx, account, fp)
	})
	return completed, err
}

// TransactionState resolves a broadcast transaction through the wrapped client,
// retrying transient failures; a wrapped client which cannot track
// transactions reports TransactionUnknown
func (c *RetryingClient) TransactionState(ctx context.Context, txHash string) (TransactionState, error) {
	tracker, ok := c.client.(TransactionTracker)
	if !ok {
		return TransactionUnknown, nil
	}

	state, _, err := retry.Execute(ctx, c.policy(ledgerOpTransactionState), func(ctx context.Context) (TransactionState, error) {
		return tracker.TransactionState(ctx, txHash)
	})
	return state, err
}

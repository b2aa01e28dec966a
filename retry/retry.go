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

package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/provideplatform/taskledger/common"
)

const defaultMaxAttempts = 3
const defaultInitialDelay = time.Second * 5

// ExhaustedError is returned when every attempt permitted by the policy failed transiently
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts; %s", e.Attempts, e.Err.Error())
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Policy describes a bounded retry
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int

	// InitialDelay is the wait before the second attempt
	InitialDelay time.Duration

	// Multiplier grows the delay between attempts; values <= 1 keep it fixed
	Multiplier float64

	// Transient reports whether an error may be retried; nil treats every error as transient
	Transient func(err error) bool

	// Notify is invoked before each wait; nil logs a warning
	Notify func(attempt int, err error, wait time.Duration)
}

func (p *Policy) applyDefaults() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = defaultInitialDelay
	}
}

func (p *Policy) backOff() backoff.BackOff {
	if p.Multiplier <= 1 {
		return backoff.NewConstantBackOff(p.InitialDelay)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (p *Policy) transient(err error) bool {
	if p.Transient == nil {
		return true
	}
	return p.Transient(err)
}

// Execute runs op until it succeeds, fails with a non-transient error, the
// policy's attempts are spent or ctx is done. It returns the result, the
// number of attempts made and, on failure, either the non-transient error,
// ctx.Err() or an *ExhaustedError wrapping the last transient error.
func Execute[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, int, error) {
	policy.applyDefaults()

	var result T
	attempts := 0

	operation := func() error {
		attempts++
		res, err := op(ctx)
		if err != nil {
			if ctx.Err() != nil || !policy.transient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}

	notify := func(err error, wait time.Duration) {
		if policy.Notify != nil {
			policy.Notify(attempts, err, wait)
			return
		}
		common.Log.Warningf("attempt %d of %d failed; retrying in %s; %s", attempts, policy.MaxAttempts, wait, err.Error())
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy.backOff(), uint64(policy.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	if err != nil {
		var zero T
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return zero, attempts, err
		}
		if attempts >= policy.MaxAttempts && policy.transient(err) {
			return zero, attempts, &ExhaustedError{Attempts: attempts, Err: err}
		}
		return zero, attempts, err
	}

	return result, attempts, nil
}

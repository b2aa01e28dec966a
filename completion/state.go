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
	"fmt"

	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/taskledger/common"
	"github.com/provideplatform/taskledger/fingerprint"
)

// State is the protocol state of a single completion attempt for a (task, fingerprint)
type State string

const (
	StateNotStarted State = "not_started"
	StateChecking   State = "checking"
	StateSubmitting State = "submitting"
	StateConfirmed  State = "confirmed"
	StateFailed     State = "failed"
	StateAmbiguous  State = "ambiguous"
)

// IsTerminal reports whether the state ends an attempt
func IsTerminal(s State) bool {
	switch s {
	case StateConfirmed, StateFailed, StateAmbiguous:
		return true
	default:
		return false
	}
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StateNotStarted:
		return to == StateChecking
	case StateChecking:
		return to == StateConfirmed || to == StateSubmitting || to == StateFailed || to == StateAmbiguous
	case StateSubmitting:
		return to == StateConfirmed || to == StateAmbiguous || to == StateFailed
	case StateAmbiguous:
		return to == StateChecking
	default:
		return false
	}
}

// attempt tracks the state of one pass through the protocol
type attempt struct {
	taskID  uuid.UUID
	account string
	fp      fingerprint.Fingerprint
	state   State
}

func newAttempt(taskID uuid.UUID, account string, fp fingerprint.Fingerprint, from State) *attempt {
	return &attempt{
		taskID:  taskID,
		account: account,
		fp:      fp,
		state:   from,
	}
}

// transition moves the attempt to the given state; a disallowed transition is
// a coordinator bug and is reported rather than applied
func (a *attempt) transition(to State) error {
	if !isAllowedTransition(a.state, to) {
		return fmt.Errorf("disallowed completion transition for task %s: %s -> %s", a.taskID, a.state, to)
	}
	common.Log.Debugf("completion of task %s (%s by %s): %s -> %s", a.taskID, a.fp, a.account, a.state, to)
	a.state = to
	return nil
}

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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	natsutil "github.com/kthomas/go-natsutil"
	uuid "github.com/kthomas/go.uuid"
	"github.com/nats-io/nats.go"
	"github.com/provideplatform/taskledger/common"
	"github.com/provideplatform/taskledger/task"
)

const natsReconcileMaxInFlight = 32
const reconcileAckWait = time.Minute * 10
const reconcileMaxDeliveries = 10
const defaultReconcileRedeliveryDelay = time.Second * 30

// RequireReconcileConsumer establishes the shared NATS connection, the
// taskledger stream and the durable consumers reconciling ambiguous completions
func RequireReconcileConsumer(wg *sync.WaitGroup, coordinator *Coordinator) {
	natsutil.EstablishSharedNatsConnection(nil)
	natsutil.NatsCreateStream(natsStream, []string{
		fmt.Sprintf("%s.>", natsStream),
	})

	for i := uint64(0); i < natsutil.GetNatsConsumerConcurrency(); i++ {
		natsutil.RequireNatsJetstreamSubscription(wg,
			reconcileAckWait,
			natsReconcileSubject,
			natsReconcileSubject,
			natsReconcileSubject,
			coordinator.consumeReconcileMsg,
			reconcileAckWait,
			natsReconcileMaxInFlight,
			reconcileMaxDeliveries,
			nil,
		)
	}
}

func (c *Coordinator) consumeReconcileMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during completion reconciliation; %s", r)
			msg.Nak()
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS reconcile message on subject: %s", len(msg.Data), msg.Subject)

	if c.handleReconcileMsg(context.Background(), msg.Data) {
		msg.Ack()
	} else {
		msg.NakWithDelay(reconcileRedeliveryDelay())
	}
}

// reconcileRedeliveryDelay spaces reconciliation attempts by one confirmation
// window so a broadcast transaction has the chance to be mined
func reconcileRedeliveryDelay() time.Duration {
	if common.LedgerConfirmationTimeout > 0 {
		return common.LedgerConfirmationTimeout
	}
	return defaultReconcileRedeliveryDelay
}

// handleReconcileMsg returns true when the message is settled and should be acked
func (c *Coordinator) handleReconcileMsg(ctx context.Context, data []byte) bool {
	params := &reconcileMsg{}
	if err := json.Unmarshal(data, params); err != nil {
		common.Log.Warningf("failed to unmarshal reconcile message; %s", err.Error())
		return true
	}

	if params.TaskID == uuid.Nil {
		common.Log.Warning("failed to resolve task_id during reconcile message handler")
		return true
	}

	result, err := c.Reconcile(ctx, params.TaskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) || errors.Is(err, ErrNothingToReconcile) {
			common.Log.Debugf("dropping reconciliation of task %s; %s", params.TaskID, err.Error())
			return true
		}
		common.Log.Warningf("failed to reconcile task %s; %s", params.TaskID, err.Error())
		return false
	}

	if result.Status == StatusAmbiguous {
		common.Log.Debugf("reconciliation of task %s remains ambiguous; redelivery requested", params.TaskID)
		return false
	}

	common.Log.Debugf("reconciled task %s; status: %s", params.TaskID, result.Status)
	return true
}

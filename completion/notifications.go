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
	"encoding/json"
	"fmt"

	natsutil "github.com/kthomas/go-natsutil"
	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/taskledger/common"
)

const natsStream = "taskledger"
const natsCompletionSubjectPrefix = "taskledger.completion"
const natsReconcileSubject = "taskledger.completion.reconcile"

// Publisher publishes a payload on a subject
type Publisher interface {
	Publish(subject string, payload []byte) error
}

// NatsPublisher publishes to the shared NATS JetStream connection
type NatsPublisher struct{}

// Publish the payload on the given subject
func (NatsPublisher) Publish(subject string, payload []byte) error {
	_, err := natsutil.NatsJetstreamPublish(subject, payload)
	return err
}

type noopPublisher struct{}

func (noopPublisher) Publish(subject string, payload []byte) error {
	return nil
}

type reconcileMsg struct {
	TaskID uuid.UUID `json:"task_id"`
}

// notificationSubject returns the subject on which results of the given status are published
func notificationSubject(status Status) string {
	return fmt.Sprintf("%s.%s", natsCompletionSubjectPrefix, status)
}

func (c *Coordinator) dispatchNotification(result *Result, enqueue bool) {
	payload, _ := json.Marshal(map[string]interface{}{
		"task_id":     result.TaskID.String(),
		"account":     result.Account,
		"fingerprint": result.Fingerprint,
		"status":      result.Status,
		"reason":      result.Reason,
		"submitted":   result.Submitted,
	})

	if err := c.publisher.Publish(notificationSubject(result.Status), payload); err != nil {
		common.Log.Warningf("failed to dispatch %s completion notification for task %s; %s", result.Status, result.TaskID, err.Error())
	}

	if enqueue && result.Status == StatusAmbiguous {
		c.enqueueReconcile(result.TaskID)
	}
}

func (c *Coordinator) enqueueReconcile(taskID uuid.UUID) {
	payload, _ := json.Marshal(&reconcileMsg{TaskID: taskID})
	if err := c.publisher.Publish(natsReconcileSubject, payload); err != nil {
		common.Log.Warningf("failed to enqueue reconciliation of task %s; %s", taskID, err.Error())
	}
}

// +build integration

package test

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/provideplatform/taskledger/common"
)

const natsCompletionNotificationSubject = "taskledger.completion.*"

// completionNotifications collects completion notifications published by the api
type completionNotifications struct {
	mutex    sync.Mutex
	received map[string][]map[string]interface{}
	conn     *nats.Conn
	sub      *nats.Subscription
}

// subscribeCompletionNotifications returns nil when NATS_URL is not configured
func subscribeCompletionNotifications() (*completionNotifications, error) {
	if os.Getenv("NATS_URL") == "" {
		common.Log.Debug("completion notification consumer not configured; NATS_URL unset")
		return nil, nil
	}

	conn, err := nats.Connect(os.Getenv("NATS_URL"), nats.Token(os.Getenv("NATS_TOKEN")))
	if err != nil {
		return nil, err
	}

	n := &completionNotifications{
		received: map[string][]map[string]interface{}{},
		conn:     conn,
	}

	n.sub, err = conn.Subscribe(natsCompletionNotificationSubject, n.handle)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return n, nil
}

func (n *completionNotifications) handle(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during completion notification handler; %s", r)
		}
	}()

	params := map[string]interface{}{}
	if err := json.Unmarshal(msg.Data, &params); err != nil {
		common.Log.Warningf("failed to unmarshal completion notification; %s", err.Error())
		return
	}

	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.received[msg.Subject] = append(n.received[msg.Subject], params)
}

// await blocks until a notification for the task arrives on subject or the timeout elapses
func (n *completionNotifications) await(subject, taskID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n.mutex.Lock()
		for _, params := range n.received[subject] {
			if params["task_id"] == taskID {
				n.mutex.Unlock()
				return true
			}
		}
		n.mutex.Unlock()
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

func (n *completionNotifications) close() {
	n.sub.Unsubscribe()
	n.conn.Close()
}

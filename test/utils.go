// +build integration

package test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/taskledger/completion"
	"github.com/provideplatform/taskledger/journal"
	"github.com/provideplatform/taskledger/task"
)

const defaultAPIURL = "http://localhost:8080"

var httpClient = &http.Client{Timeout: time.Minute * 5}

func apiURL(path string) string {
	base := os.Getenv("TASKLEDGER_API_URL")
	if base == "" {
		base = defaultAPIURL
	}
	return fmt.Sprintf("%s%s", strings.TrimSuffix(base, "/"), path)
}

// testAccount returns the account the running api signs completions for
func testAccount() string {
	if os.Getenv("TASKLEDGER_TEST_ACCOUNT") != "" {
		return os.Getenv("TASKLEDGER_TEST_ACCOUNT")
	}
	addr, _ := uuid.NewV4()
	return fmt.Sprintf("0x%s", strings.ReplaceAll(addr.String(), "-", "")[:32]+"00000000")
}

func apiRequest(method, path, account string, params interface{}, response interface{}) (int, error) {
	var body io.Reader
	if params != nil {
		payload, err := json.Marshal(params)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, apiURL(path), body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if account != "" {
		req.Header.Set("X-Wallet-Address", account)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}

	if response != nil && len(raw) > 0 && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, response); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to unmarshal %d response; %s; %s", resp.StatusCode, err.Error(), string(raw))
		}
	}

	return resp.StatusCode, nil
}

func createTask(account, title, deadline string) (*task.Task, error) {
	t := &task.Task{}
	status, err := apiRequest(http.MethodPost, "/api/v1/tasks", account, map[string]interface{}{
		"title":    title,
		"deadline": deadline,
	}, t)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, fmt.Errorf("failed to create task; status: %d", status)
	}
	return t, nil
}

func completeTask(account string, taskID uuid.UUID) (int, *completion.Result, error) {
	result := &completion.Result{}
	status, err := apiRequest(http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/complete", taskID), account, nil, result)
	return status, result, err
}

func verifyTask(taskID uuid.UUID) (*completion.Verification, error) {
	v := &completion.Verification{}
	status, err := apiRequest(http.MethodGet, fmt.Sprintf("/api/v1/tasks/%s/verify", taskID), "", nil, v)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("failed to verify task %s; status: %d", taskID, status)
	}
	return v, nil
}

func journalSummary(account, fp string) (*journal.Summary, error) {
	summary := &journal.Summary{}
	status, err := apiRequest(http.MethodGet, fmt.Sprintf("/api/v1/journal/%s?fingerprint=%s", account, fp), "", nil, summary)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("failed to resolve journal of %s; status: %d", account, status)
	}
	return summary, nil
}

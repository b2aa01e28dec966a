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

package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/provideplatform/taskledger/common"
	"github.com/provideplatform/taskledger/retry"
)

const defaultMaxAttempts = 3
const defaultRetryDelay = time.Second * 5
const defaultTimeout = time.Second * 15
const defaultMaxNewTokens = 150

// ServiceError is a non-success response from the text-generation service
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("text generation failed with status %d; %s", e.StatusCode, e.Message)
}

// transportError is a failure to reach the text-generation service
type transportError struct {
	err error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("text generation request failed; %s", e.err.Error())
}

func (e *transportError) Unwrap() error {
	return e.err
}

// IsTransient returns true for network failures, rate limiting and
// service-side errors (including a model that is still loading)
func IsTransient(err error) bool {
	var terr *transportError
	if errors.As(err, &terr) {
		return true
	}

	var serr *ServiceError
	if errors.As(err, &serr) {
		return serr.StatusCode == http.StatusTooManyRequests || serr.StatusCode >= 500
	}

	return false
}

// Config for a Client
type Config struct {
	ModelURL    string
	APIToken    string
	Timeout     time.Duration
	RetryDelay  time.Duration
	MaxAttempts int
}

func (cfg *Config) applyDefaults() {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
}

// Generation is generated text and the attempts it took
type Generation struct {
	Text     string `json:"text"`
	Attempts int    `json:"attempts"`
}

// Client calls a HuggingFace-style text-generation endpoint
type Client struct {
	url        string
	token      string
	timeout    time.Duration
	policy     retry.Policy
	httpClient *http.Client
}

type generateParameters struct {
	MaxNewTokens      int     `json:"max_new_tokens"`
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"top_p"`
	DoSample          bool    `json:"do_sample"`
	NoRepeatNgramSize int     `json:"no_repeat_ngram_size"`
}

type generateRequest struct {
	Inputs     string              `json:"inputs"`
	Parameters *generateParameters `json:"parameters"`
}

type generatedText struct {
	GeneratedText string `json:"generated_text"`
}

// NewClient initializes a text-generation client
func NewClient(cfg Config) (*Client, error) {
	if cfg.ModelURL == "" {
		return nil, errors.New("failed to initialize inference client; model url required")
	}

	cfg.applyDefaults()

	return &Client{
		url:     cfg.ModelURL,
		token:   cfg.APIToken,
		timeout: cfg.Timeout,
		policy: retry.Policy{
			MaxAttempts:  cfg.MaxAttempts,
			InitialDelay: cfg.RetryDelay,
			Transient:    IsTransient,
			Notify: func(attempt int, err error, wait time.Duration) {
				common.Log.Warningf("text generation attempt %d failed; retrying in %s; %s", attempt, wait, err.Error())
			},
		},
		httpClient: &http.Client{},
	}, nil
}

// Generate text for the prompt, retrying transient failures; each attempt is
// bounded by the configured timeout
func (c *Client) Generate(ctx context.Context, prompt string) (*Generation, error) {
	text, attempts, err := retry.Execute(ctx, c.policy, func(ctx context.Context) (string, error) {
		return c.generate(ctx, prompt)
	})
	if err != nil {
		return nil, err
	}

	return &Generation{
		Text:     text,
		Attempts: attempts,
	}, nil
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, _ := json.Marshal(&generateRequest{
		Inputs: prompt,
		Parameters: &generateParameters{
			MaxNewTokens:      defaultMaxNewTokens,
			Temperature:       1.0,
			TopP:              0.9,
			DoSample:          true,
			NoRepeatNgramSize: 2,
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build text generation request; %s", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &transportError{err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &transportError{err: err}
	}

	if resp.StatusCode >= 300 {
		return "", &ServiceError{StatusCode: resp.StatusCode, Message: serviceErrorMessage(body)}
	}

	var generated []*generatedText
	if err := json.Unmarshal(body, &generated); err != nil || len(generated) == 0 {
		return "", nil
	}

	return generated[0].GeneratedText, nil
}

func serviceErrorMessage(body []byte) string {
	var params map[string]interface{}
	if err := json.Unmarshal(body, &params); err == nil {
		if msg, ok := params["error"].(string); ok {
			return msg
		}
	}
	return common.Truncate(string(body), 256)
}

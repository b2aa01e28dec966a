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

package common

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	logger "github.com/kthomas/go-logger"
)

const defaultLedgerRetryMaxAttempts = 3
const defaultLedgerRetryDelay = time.Second * 2
const defaultLedgerConfirmationTimeout = time.Minute * 2
const defaultCompletionTimeout = time.Minute * 5
const defaultCompletionLockExpiry = time.Minute * 10

const defaultInferenceModelURL = "https://api-inference.huggingface.co/models/google/flan-t5-base"
const defaultInferenceTimeout = time.Second * 15
const defaultInferenceRetryDelay = time.Second * 5
const defaultInferenceMaxAttempts = 3

const defaultListenPort = "8080"

var (
	// Log is the configured logger
	Log *logger.Logger

	// ConsumeNATSStreamingSubscriptions is true when the process should establish nats consumers
	ConsumeNATSStreamingSubscriptions bool

	// PublishNATSNotifications is true when completion outcomes are published to nats
	PublishNATSNotifications bool

	// LedgerProvider is the configured ledger client provider, i.e., ethereum or memory
	LedgerProvider string

	// LedgerRPCURL is the JSON-RPC endpoint of the ledger node
	LedgerRPCURL string

	// LedgerContractAddress is the address of the task completion contract
	LedgerContractAddress string

	// LedgerChainID is the chain id used to sign completion transactions
	LedgerChainID int64

	// LedgerSignerPrivateKey is the hex-encoded key used to sign completion transactions
	LedgerSignerPrivateKey string

	// LedgerConfirmationTimeout bounds the wait for a submitted transaction to be mined
	LedgerConfirmationTimeout time.Duration

	// LedgerRetryMaxAttempts is the number of attempts made for transient ledger rpc failures
	LedgerRetryMaxAttempts int

	// LedgerRetryDelay is the fixed delay between ledger rpc attempts
	LedgerRetryDelay time.Duration

	// CompletionTimeout bounds a single completion attempt, independent of the caller
	CompletionTimeout time.Duration

	// CompletionLockExpiry is the expiry of the distributed per-fingerprint lock
	CompletionLockExpiry time.Duration

	// RedisHosts is the list of redis hosts backing the distributed completion lock
	RedisHosts []string

	// InferenceModelURL is the text-generation endpoint
	InferenceModelURL string

	// InferenceAPIToken is the bearer token presented to the text-generation endpoint
	InferenceAPIToken string

	// InferenceTimeout bounds a single inference call
	InferenceTimeout time.Duration

	// InferenceRetryDelay is the fixed delay between inference attempts
	InferenceRetryDelay time.Duration

	// InferenceMaxAttempts is the number of inference attempts before giving up
	InferenceMaxAttempts int

	// ListenPort is the port the API binds
	ListenPort string
)

func init() {
	godotenv.Load()

	requireLogger()
	requireLedger()
	requireCompletion()
	requireInference()

	ConsumeNATSStreamingSubscriptions = strings.ToLower(os.Getenv("CONSUME_NATS_STREAMING_SUBSCRIPTIONS")) == "true"
	PublishNATSNotifications = ConsumeNATSStreamingSubscriptions || os.Getenv("NATS_URL") != ""

	ListenPort = os.Getenv("PORT")
	if ListenPort == "" {
		ListenPort = defaultListenPort
	}
}

func requireLogger() {
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		lvl = "INFO"
	}

	var endpoint *string
	if os.Getenv("SYSLOG_ENDPOINT") != "" {
		endpt := os.Getenv("SYSLOG_ENDPOINT")
		endpoint = &endpt
	}

	Log = logger.NewLogger("taskledger", lvl, endpoint)
}

func requireLedger() {
	LedgerProvider = strings.ToLower(os.Getenv("LEDGER_PROVIDER"))
	if LedgerProvider == "" {
		LedgerProvider = "ethereum"
	}

	LedgerRPCURL = os.Getenv("LEDGER_RPC_URL")
	LedgerContractAddress = os.Getenv("LEDGER_CONTRACT_ADDRESS")
	LedgerSignerPrivateKey = strings.TrimPrefix(os.Getenv("LEDGER_SIGNER_PRIVATE_KEY"), "0x")

	if os.Getenv("LEDGER_CHAIN_ID") != "" {
		chainID, err := strconv.ParseInt(os.Getenv("LEDGER_CHAIN_ID"), 10, 64)
		if err != nil {
			Log.Panicf("failed to parse LEDGER_CHAIN_ID; %s", err.Error())
		}
		LedgerChainID = chainID
	}

	LedgerConfirmationTimeout = durationFromEnv("LEDGER_CONFIRMATION_TIMEOUT", defaultLedgerConfirmationTimeout)
	LedgerRetryMaxAttempts = intFromEnv("LEDGER_RETRY_MAX_ATTEMPTS", defaultLedgerRetryMaxAttempts)
	LedgerRetryDelay = durationFromEnv("LEDGER_RETRY_DELAY", defaultLedgerRetryDelay)
}

func requireCompletion() {
	CompletionTimeout = durationFromEnv("COMPLETION_TIMEOUT", defaultCompletionTimeout)
	CompletionLockExpiry = durationFromEnv("COMPLETION_LOCK_EXPIRY", defaultCompletionLockExpiry)

	if os.Getenv("REDIS_HOSTS") != "" {
		for _, host := range strings.Split(os.Getenv("REDIS_HOSTS"), ",") {
			if host = strings.TrimSpace(host); host != "" {
				RedisHosts = append(RedisHosts, host)
			}
		}
	}
}

func requireInference() {
	InferenceModelURL = os.Getenv("INFERENCE_MODEL_URL")
	if InferenceModelURL == "" {
		InferenceModelURL = defaultInferenceModelURL
	}

	InferenceAPIToken = os.Getenv("INFERENCE_API_TOKEN")
	InferenceTimeout = durationFromEnv("INFERENCE_TIMEOUT", defaultInferenceTimeout)
	InferenceRetryDelay = durationFromEnv("INFERENCE_RETRY_DELAY", defaultInferenceRetryDelay)
	InferenceMaxAttempts = intFromEnv("INFERENCE_MAX_ATTEMPTS", defaultInferenceMaxAttempts)
}

func durationFromEnv(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}

	d, err := time.ParseDuration(val)
	if err != nil {
		Log.Warningf("failed to parse %s as duration; using default %s; %s", key, fallback, err.Error())
		return fallback
	}

	return d
}

func intFromEnv(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}

	i, err := strconv.Atoi(val)
	if err != nil || i <= 0 {
		Log.Warningf("failed to parse %s as positive integer; using default %d", key, fallback)
		return fallback
	}

	return i
}

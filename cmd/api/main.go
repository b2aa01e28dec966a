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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	dbconf "github.com/kthomas/go-db-config"
	natsutil "github.com/kthomas/go-natsutil"
	provide "github.com/provideplatform/provide-go/common"
	"github.com/provideplatform/taskledger/common"
	"github.com/provideplatform/taskledger/completion"
	"github.com/provideplatform/taskledger/inference"
	"github.com/provideplatform/taskledger/journal"
	"github.com/provideplatform/taskledger/ledger"
	"github.com/provideplatform/taskledger/task"
)

const runloopSleepInterval = 250 * time.Millisecond
const runloopTickInterval = 5000 * time.Millisecond
const ledgerDialTimeout = 30 * time.Second

var (
	cancelF     context.CancelFunc
	closing     uint32
	shutdownCtx context.Context
	sigs        chan os.Signal

	srv *http.Server
	wg  sync.WaitGroup
)

// services are the components served by the api
type services struct {
	store       task.Store
	coordinator *completion.Coordinator
	journal     *journal.Journal
	inference   *inference.Client
}

func main() {
	common.Log.Debug("starting taskledger API...")
	installSignalHandlers()

	svc, err := requireServices()
	if err != nil {
		common.Log.Panicf("failed to initialize taskledger API; %s", err.Error())
	}

	if common.ConsumeNATSStreamingSubscriptions {
		completion.RequireReconcileConsumer(&wg, svc.coordinator)
	}

	runAPI(svc)

	timer := time.NewTicker(runloopTickInterval)
	defer timer.Stop()

	for !shuttingDown() {
		select {
		case <-timer.C:
			// tick... no-op
		case sig := <-sigs:
			common.Log.Debugf("received signal: %s", sig)
			srv.Shutdown(shutdownCtx)
			shutdown()
		case <-shutdownCtx.Done():
			close(sigs)
		default:
			time.Sleep(runloopSleepInterval)
		}
	}

	common.Log.Debug("exiting taskledger API")
	cancelF()
}

func installSignalHandlers() {
	common.Log.Debug("installing signal handlers for taskledger API")
	sigs = make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	shutdownCtx, cancelF = context.WithCancel(context.Background())
}

func shutdown() {
	if atomic.AddUint32(&closing, 1) == 1 {
		common.Log.Debug("shutting down taskledger API")
		cancelF()
	}
}

func shuttingDown() bool {
	return (atomic.LoadUint32(&closing) > 0)
}

func requireLedger() (ledger.Client, error) {
	var client ledger.Client

	switch common.LedgerProvider {
	case "memory":
		common.Log.Warning("using in-memory ledger; completions will not survive a restart")
		client = ledger.NewMemoryLedger()
	case "ethereum":
		ctx, cancel := context.WithTimeout(context.Background(), ledgerDialTimeout)
		defer cancel()

		eth, err := ledger.DialEthereum(ctx, ledger.EthereumConfig{
			RPCURL:              common.LedgerRPCURL,
			ContractAddress:     common.LedgerContractAddress,
			ChainID:             common.LedgerChainID,
			SignerPrivateKey:    common.LedgerSignerPrivateKey,
			ConfirmationTimeout: common.LedgerConfirmationTimeout,
		})
		if err != nil {
			return nil, err
		}
		client = eth
	default:
		return nil, fmt.Errorf("unknown ledger provider: %s", common.LedgerProvider)
	}

	return ledger.NewRetryingClient(client, common.LedgerRetryMaxAttempts, common.LedgerRetryDelay), nil
}

func requireServices() (*services, error) {
	ledgerClient, err := requireLedger()
	if err != nil {
		return nil, err
	}

	db := dbconf.DatabaseConnection()
	store := task.NewGormStore(db)
	jrnl := journal.NewJournal(journal.NewGormBackend(db))

	var locker completion.Locker
	if len(common.RedisHosts) > 0 {
		locker, err = completion.NewRedisLocker(common.RedisHosts, common.CompletionLockExpiry, common.CompletionTimeout)
		if err != nil {
			return nil, err
		}
	}

	var publisher completion.Publisher
	if common.PublishNATSNotifications {
		natsutil.EstablishSharedNatsConnection(nil)
		publisher = completion.NatsPublisher{}
	}

	coordinator, err := completion.NewCoordinator(completion.Config{
		Store:     store,
		Ledger:    ledgerClient,
		Locker:    locker,
		Journal:   jrnl,
		Publisher: publisher,
		Timeout:   common.CompletionTimeout,
	})
	if err != nil {
		return nil, err
	}

	inferenceClient, err := inference.NewClient(inference.Config{
		ModelURL:    common.InferenceModelURL,
		APIToken:    common.InferenceAPIToken,
		Timeout:     common.InferenceTimeout,
		RetryDelay:  common.InferenceRetryDelay,
		MaxAttempts: common.InferenceMaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	return &services{
		store:       store,
		coordinator: coordinator,
		journal:     jrnl,
		inference:   inferenceClient,
	}, nil
}

func newRouter(svc *services) *gin.Engine {
	r := gin.Default()
	r.Use(gin.Recovery())
	r.Use(provide.CORSMiddleware())

	r.GET("/status", statusHandler)

	task.InstallAPI(r, svc.store, task.DefaultAccountResolver)
	completion.InstallAPI(r, svc.coordinator, task.DefaultAccountResolver)
	journal.InstallAPI(r, svc.journal)
	inference.InstallAPI(r, svc.inference, svc.store, task.DefaultAccountResolver)

	return r
}

func runAPI(svc *services) {
	srv = &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%s", common.ListenPort),
		Handler: newRouter(svc),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			common.Log.Panicf("failed to serve taskledger API; %s", err.Error())
		}
	}()

	common.Log.Debugf("listening on %s", srv.Addr)
}

func statusHandler(c *gin.Context) {
	provide.Render(nil, 204, c)
}

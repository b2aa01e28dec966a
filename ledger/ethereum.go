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
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/provideplatform/taskledger/common"
	"github.com/provideplatform/taskledger/fingerprint"
)

// TaskManagerABI is the interface of the task completion contract
const TaskManagerABI = `[
  {"inputs":[{"internalType":"bytes32","name":"taskHash","type":"bytes32"}],"name":"completeTask","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"user","type":"address"},{"indexed":false,"internalType":"bytes32","name":"taskHash","type":"bytes32"},{"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}],"name":"TaskCompleted","type":"event"},
  {"inputs":[{"internalType":"address","name":"user","type":"address"},{"internalType":"bytes32","name":"taskHash","type":"bytes32"}],"name":"isTaskCompleted","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"}
]`

const taskManagerMethodCompleteTask = "completeTask"
const taskManagerMethodIsTaskCompleted = "isTaskCompleted"

const rpcErrorCodeExecutionReverted = 3

// EthereumConfig configures an EthereumClient
type EthereumConfig struct {
	RPCURL              string
	ContractAddress     string
	ChainID             int64
	SignerPrivateKey    string
	ConfirmationTimeout time.Duration
}

func (c *EthereumConfig) applyDefaults() {
	if c.ConfirmationTimeout == 0 {
		c.ConfirmationTimeout = time.Minute * 2
	}
}

func (c *EthereumConfig) validate() error {
	if c.RPCURL == "" {
		return errors.New("ledger rpc url required")
	}
	if !ethcommon.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("invalid ledger contract address: %s", c.ContractAddress)
	}
	if c.ChainID == 0 {
		return errors.New("ledger chain id required")
	}
	return nil
}

// EthereumClient is the Client for an EVM ledger hosting the task completion contract
type EthereumClient struct {
	backend  *ethclient.Client
	contract *bind.BoundContract

	chainID             *big.Int
	signer              *ecdsa.PrivateKey
	signerAddress       ethcommon.Address
	confirmationTimeout time.Duration
}

// DialEthereum connects to the configured node and binds the task completion contract;
// without a signer key the client is read-only and rejects submissions
func DialEthereum(ctx context.Context, cfg EthereumConfig) (*EthereumClient, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	parsed, err := abi.JSON(strings.NewReader(TaskManagerABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse task manager abi; %s", err.Error())
	}

	backend, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger rpc %s; %s", cfg.RPCURL, err.Error())
	}

	address := ethcommon.HexToAddress(cfg.ContractAddress)
	client := &EthereumClient{
		backend:             backend,
		contract:            bind.NewBoundContract(address, parsed, backend, backend, backend),
		chainID:             big.NewInt(cfg.ChainID),
		confirmationTimeout: cfg.ConfirmationTimeout,
	}

	if cfg.SignerPrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerPrivateKey, "0x"))
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("failed to parse ledger signer key; %s", err.Error())
		}
		client.signer = key
		client.signerAddress = crypto.PubkeyToAddress(key.PublicKey)
		common.Log.Debugf("ledger client bound to contract %s with signer %s", address.Hex(), client.signerAddress.Hex())
	} else {
		common.Log.Warningf("ledger client bound to contract %s without a signer; submissions will be rejected", address.Hex())
	}

	return client, nil
}

// Close releases the underlying rpc connection
func (c *EthereumClient) Close() {
	c.backend.Close()
}

// SubmitCompletion signs and broadcasts completeTask(fp), then waits for it to be mined.
// Failures before broadcast are *RPCError or *RejectedError; once broadcast,
// a failure to observe the receipt is a *TimeoutError.
func (c *EthereumClient) SubmitCompletion(ctx context.Context, account string, fp fingerprint.Fingerprint) (*Receipt, error) {
	if c.signer == nil {
		return nil, &RejectedError{Op: ledgerOpSubmitCompletion, Reason: "ledger client has no signer"}
	}

	if !ethcommon.IsHexAddress(account) {
		return nil, &RejectedError{Op: ledgerOpSubmitCompletion, Reason: fmt.Sprintf("invalid account address: %s", account)}
	}

	if ethcommon.HexToAddress(account) != c.signerAddress {
		return nil, &RejectedError{
			Op:     ledgerOpSubmitCompletion,
			Reason: fmt.Sprintf("account %s is not the ledger signer %s", account, c.signerAddress.Hex()),
		}
	}

	opts, err := bind.NewKeyedTransactorWithChainID(c.signer, c.chainID)
	if err != nil {
		return nil, &RejectedError{Op: ledgerOpSubmitCompletion, Reason: err.Error()}
	}
	opts.Context = ctx
	opts.NoSend = true

	tx, err := c.contract.Transact(opts, taskManagerMethodCompleteTask, [32]byte(fp))
	if err != nil {
		return nil, classifyPreflightError(ledgerOpSubmitCompletion, err)
	}

	txHash := tx.Hash().Hex()
	err = c.backend.SendTransaction(ctx, tx)
	if err != nil {
		if isAlreadyKnown(err) {
			common.Log.Debugf("completion transaction %s already known to ledger node", txHash)
		} else if classified := classifyBroadcastError(txHash, err); classified != nil {
			return nil, classified
		}
	}

	common.Log.Debugf("broadcast completion transaction %s for %s by %s", txHash, fp, account)

	waitCtx, cancel := context.WithTimeout(ctx, c.confirmationTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		return nil, &TimeoutError{Op: ledgerOpSubmitCompletion, TransactionHash: txHash, Err: err}
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &RejectedError{Op: ledgerOpSubmitCompletion, Reason: fmt.Sprintf("transaction %s reverted", txHash)}
	}

	var blockNumber uint64
	if receipt.BlockNumber != nil {
		blockNumber = receipt.BlockNumber.Uint64()
	}

	return &Receipt{
		TransactionHash: txHash,
		BlockNumber:     blockNumber,
		Timestamp:       time.Now().UTC(),
	}, nil
}

// QueryCompletion calls the isTaskCompleted view function
func (c *EthereumClient) QueryCompletion(ctx context.Context, account string, fp fingerprint.Fingerprint) (bool, error) {
	if !ethcommon.IsHexAddress(account) {
		return false, &RejectedError{Op: ledgerOpQueryCompletion, Reason: fmt.Sprintf("invalid account address: %s", account)}
	}

	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, taskManagerMethodIsTaskCompleted, ethcommon.HexToAddress(account), [32]byte(fp))
	if err != nil {
		return false, classifyPreflightError(ledgerOpQueryCompletion, err)
	}

	if len(out) != 1 {
		return false, &RPCError{Op: ledgerOpQueryCompletion, Err: fmt.Errorf("unexpected result arity %d", len(out))}
	}

	completed, ok := out[0].(bool)
	if !ok {
		return false, &RPCError{Op: ledgerOpQueryCompletion, Err: fmt.Errorf("unexpected result type %T", out[0])}
	}

	return completed, nil
}

// TransactionState resolves a broadcast completion transaction; a successful
// receipt is reported as mined whether or not the view function reflects it yet
func (c *EthereumClient) TransactionState(ctx context.Context, txHash string) (TransactionState, error) {
	if len(ethcommon.FromHex(txHash)) != ethcommon.HashLength {
		return TransactionUnknown, &RejectedError{Op: ledgerOpTransactionState, Reason: fmt.Sprintf("invalid transaction hash: %s", txHash)}
	}
	hash := ethcommon.HexToHash(txHash)

	_, pending, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return TransactionUnknown, nil
		}
		return TransactionUnknown, &RPCError{Op: ledgerOpTransactionState, Err: err}
	}
	if pending {
		return TransactionPending, nil
	}

	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return TransactionPending, nil
		}
		return TransactionUnknown, &RPCError{Op: ledgerOpTransactionState, Err: err}
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return TransactionReverted, nil
	}
	return TransactionMined, nil
}

// classifyPreflightError classifies a failure that cannot have changed ledger state
func classifyPreflightError(op string, err error) error {
	if isRevert(err) {
		return &RejectedError{Op: op, Reason: err.Error()}
	}
	return &RPCError{Op: op, Err: err}
}

// classifyBroadcastError classifies a SendTransaction failure; a node that
// answered with an error did not accept the transaction, anything else may
// have reached the network
func classifyBroadcastError(txHash string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if isRevert(err) || isFundsError(err) {
			return &RejectedError{Op: ledgerOpSubmitCompletion, Reason: err.Error()}
		}
		return &RPCError{Op: ledgerOpSubmitCompletion, Err: err}
	}
	return &TimeoutError{Op: ledgerOpSubmitCompletion, TransactionHash: txHash, Err: err}
}

func isRevert(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == rpcErrorCodeExecutionReverted {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func isFundsError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "intrinsic gas too low")
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// Package contractclient wraps a single ABI-bound contract address
// with Call/Send/decode helpers: the Chain Client exposes raw
// JSON-RPC, the DEX Adapters and the Flash-Loan Planner exercise
// contracts through this thinner, ABI-aware layer.
package contractclient

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	arbtypes "github.com/arbitrage-engine/arbbot/pkg/types"
)

// ContractClient is the capability every adapter and the flash-loan
// planner need from a bound contract address: read via Call, write via
// Send, and decode receipts/calldata for logging and revert-reason
// extraction.
type ContractClient interface {
	ContractAddress() common.Address
	Abi() abi.ABI
	Call(caller *common.Address, method string, args ...interface{}) ([]interface{}, error)
	CallWithOverride(ctx context.Context, caller *common.Address, blockNumber *big.Int, method string, args ...interface{}) ([]interface{}, error)
	Send(kind arbtypes.SendKind, gasLimit *uint64, from *common.Address, pk *ecdsa.PrivateKey, method string, args ...interface{}) (common.Hash, error)
	TransactionData(txHash common.Hash) ([]byte, error)
	DecodeTransaction(data []byte) (*DecodedCall, error)
	ParseReceipt(receipt *arbtypes.TxReceipt) (string, error)
}

// DecodedCall is the result of matching raw calldata against a
// contract's ABI.
type DecodedCall struct {
	MethodName string                 `json:"methodName"`
	Parameters map[string]interface{} `json:"parameter"`
}

// EthClient is the subset of *ethclient.Client this package needs,
// narrowed so tests can supply a fake.
type EthClient interface {
	bind.ContractBackend
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

var _ EthClient = (*ethclient.Client)(nil)

type client struct {
	eth     EthClient
	address common.Address
	abi     abi.ABI
}

// NewContractClient binds a deployed contract's address and ABI to an
// RPC client capability.
func NewContractClient(eth EthClient, address common.Address, contractABI abi.ABI) ContractClient {
	return &client{eth: eth, address: address, abi: contractABI}
}

func (c *client) ContractAddress() common.Address { return c.address }

func (c *client) Abi() abi.ABI { return c.abi }

// Call performs a read-only eth_call against the bound contract and
// unpacks the result according to the ABI method's outputs.
func (c *client) Call(caller *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	msg := ethereum.CallMsg{To: &c.address, Data: input}
	if caller != nil {
		msg.From = *caller
	}

	out, err := c.eth.CallContract(context.Background(), msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// CallWithOverride is Call but against a specific block/state, used by
// the Flash-Loan Planner to simulate revert-freedom at the current
// head before bundling.
func (c *client) CallWithOverride(ctx context.Context, caller *common.Address, blockNumber *big.Int, method string, args ...interface{}) ([]interface{}, error) {
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &c.address, Data: input}
	if caller != nil {
		msg.From = *caller
	}
	out, err := c.eth.CallContract(ctx, msg, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return c.abi.Unpack(method, out)
}

// Send signs and submits a transaction invoking method on the bound
// contract. With kind=Standard and a nil gasLimit, gas is estimated
// automatically; Manual expects gasLimit to be supplied.
func (c *client) Send(kind arbtypes.SendKind, gasLimit *uint64, from *common.Address, pk *ecdsa.PrivateKey, method string, args ...interface{}) (common.Hash, error) {
	if pk == nil {
		return common.Hash{}, fmt.Errorf("send %s: no signing key configured", method)
	}
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}

	ctx := context.Background()
	nonce, err := c.eth.PendingNonceAt(ctx, *from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce for %s: %w", method, err)
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price for %s: %w", method, err)
	}

	gas := uint64(0)
	if gasLimit != nil {
		gas = *gasLimit
	} else if kind == arbtypes.Standard {
		est, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: *from, To: &c.address, Data: input, GasPrice: gasPrice})
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimate gas for %s: %w", method, err)
		}
		gas = est
	}

	chainID, err := c.eth.NetworkID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain id for %s: %w", method, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.address,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     input,
	})

	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), pk)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign %s: %w", method, err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send %s: %w", method, err)
	}
	return signed.Hash(), nil
}

// TransactionData fetches the calldata of a previously-submitted
// transaction, for decoding.
func (c *client) TransactionData(txHash common.Hash) ([]byte, error) {
	tx, _, err := c.eth.TransactionByHash(context.Background(), txHash)
	if err != nil {
		return nil, fmt.Errorf("fetch tx %s: %w", txHash.Hex(), err)
	}
	return tx.Data(), nil
}

// DecodeTransaction matches raw calldata against the bound ABI and
// returns the method name plus named parameters.
func (c *client) DecodeTransaction(data []byte) (*DecodedCall, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("calldata too short: %d bytes", len(data))
	}
	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("match selector: %w", err)
	}

	args := map[string]interface{}{}
	if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method.Name, err)
	}

	return &DecodedCall{MethodName: method.Name, Parameters: args}, nil
}

// ParseReceipt decodes a receipt's logs against the bound ABI,
// returning a JSON array of {EventName, Parameter} objects.
func (c *client) ParseReceipt(receipt *arbtypes.TxReceipt) (string, error) {
	type decodedEvent struct {
		EventName string                 `json:"EventName"`
		Parameter map[string]interface{} `json:"Parameter"`
	}
	var events []decodedEvent

	for _, l := range receipt.Logs {
		if len(l.Topics) == 0 {
			continue
		}
		ev, err := c.abi.EventByID(common.HexToHash(l.Topics[0]))
		if err != nil {
			continue // log from another contract/event this ABI doesn't know
		}
		params := map[string]interface{}{}
		data := common.FromHex(l.Data)
		if len(ev.Inputs.NonIndexed()) > 0 {
			if err := ev.Inputs.UnpackIntoMap(params, data); err != nil {
				continue
			}
		}
		events = append(events, decodedEvent{EventName: ev.Name, Parameter: params})
	}

	out, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("marshal decoded events: %w", err)
	}
	return string(out), nil
}

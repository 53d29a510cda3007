// Package txlistener polls a chain client for a transaction's receipt
// until it is mined or a deadline passes. It backs the realized-gas
// feedback into the cycle recorder; the Orchestrator does not use it.
package txlistener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrTimeout is returned when a transaction is not mined within the
// configured timeout.
var ErrTimeout = errors.New("txlistener: timed out waiting for receipt")

// ReceiptFetcher is the chain-client capability needed to poll for a
// mined receipt.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ ReceiptFetcher = receiptFetcherFunc(nil)

type receiptFetcherFunc func(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

func (f receiptFetcherFunc) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return f(ctx, txHash)
}

// TxListener polls for mined receipts at a fixed interval, bounded by
// a per-wait timeout.
type TxListener struct {
	client       ReceiptFetcher
	pollInterval time.Duration
	timeout      time.Duration
}

// Option configures a TxListener.
type Option func(*TxListener)

// WithPollInterval overrides the default 2s poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(l *TxListener) { l.pollInterval = d }
}

// WithTimeout overrides the default 2-minute wait timeout.
func WithTimeout(d time.Duration) Option {
	return func(l *TxListener) { l.timeout = d }
}

// NewTxListener builds a TxListener against a chain client capable of
// fetching transaction receipts.
func NewTxListener(client ReceiptFetcher, opts ...Option) *TxListener {
	l := &TxListener{
		client:       client,
		pollInterval: 2 * time.Second,
		timeout:      2 * time.Minute,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WaitForReceipt polls until the transaction is mined, the supplied
// context is cancelled, or the listener's timeout elapses, whichever
// comes first.
func (l *TxListener) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("poll receipt %s: %w", txHash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

package txlistener

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sequencedFetcher struct {
	calls     int
	failUntil int
	receipt   *types.Receipt
}

func (f *sequencedFetcher) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.calls++
	if f.calls <= f.failUntil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func TestWaitForReceiptSucceedsAfterPolling(t *testing.T) {
	fetcher := &sequencedFetcher{failUntil: 2, receipt: &types.Receipt{Status: 1}}
	listener := NewTxListener(fetcher, WithPollInterval(5*time.Millisecond), WithTimeout(time.Second))

	receipt, err := listener.WaitForReceipt(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), receipt.Status)
	assert.GreaterOrEqual(t, fetcher.calls, 3)
}

func TestWaitForReceiptTimesOut(t *testing.T) {
	fetcher := &sequencedFetcher{failUntil: 1000}
	listener := NewTxListener(fetcher, WithPollInterval(2*time.Millisecond), WithTimeout(20*time.Millisecond))

	_, err := listener.WaitForReceipt(context.Background(), common.HexToHash("0x02"))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitForReceiptRespectsCancellation(t *testing.T) {
	fetcher := &sequencedFetcher{failUntil: 1000}
	listener := NewTxListener(fetcher, WithPollInterval(2*time.Millisecond), WithTimeout(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := listener.WaitForReceipt(ctx, common.HexToHash("0x03"))
	assert.Error(t, err)
}

// Package chainclient is the single owner of JSON-RPC access: every
// other component reaches the chain through a Client, never through a
// raw *ethclient.Client of its own. It multiplexes a priority-ordered
// provider list with failover and per-provider rate limiting, and
// provides the NonceManager the Orchestrator uses to assign nonces to
// submitted transactions. ContractClient.Send does not use it; it takes
// its nonce from PendingNonceAt.
package chainclient

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/arbitrage-engine/arbbot/pkg/txlistener"
)

const (
	// defaultBackoffCeiling caps the exponential backoff a backend
	// uses while redialing a provider it has just failed over away
	// from.
	defaultBackoffCeiling = 30 * time.Second
	initialReconnectDelay = 250 * time.Millisecond
	maxReconnectAttempts  = 6

	// defaultStickySeconds is how long the client stays on a fallback
	// provider before it will try the primary again.
	defaultStickySeconds = 30 * time.Second
)

// Provider is one configured RPC endpoint and its request budget.
type Provider struct {
	Name  string
	URL   string
	RPS   float64
	Burst int

	// ReconnectBackoffCeiling caps the exponential backoff used when
	// this provider is redialed in the background after an error.
	// Defaults to defaultBackoffCeiling if zero.
	ReconnectBackoffCeiling time.Duration

	// StickyFor is how long the client waits after failing over away
	// from the primary before it tries the primary again. Only read
	// off the first (primary) provider entry; defaults to
	// defaultStickySeconds if zero.
	StickyFor time.Duration
}

type backend struct {
	name           string
	url            string
	limiter        *rate.Limiter
	backoffCeiling time.Duration

	mu     sync.Mutex
	client *ethclient.Client

	reconnectMu  sync.Mutex
	reconnecting bool
}

func (b *backend) get() *ethclient.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

func (b *backend) set(c *ethclient.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = c
}

// triggerReconnect redials b in the background with exponential
// backoff up to b.backoffCeiling, giving up after maxReconnectAttempts
// (the failed-over-to backend keeps serving calls in the meantime). At
// most one reconnect attempt is ever in flight for a given backend.
func (b *backend) triggerReconnect() {
	b.reconnectMu.Lock()
	if b.reconnecting {
		b.reconnectMu.Unlock()
		return
	}
	b.reconnecting = true
	b.reconnectMu.Unlock()

	go func() {
		defer func() {
			b.reconnectMu.Lock()
			b.reconnecting = false
			b.reconnectMu.Unlock()
		}()

		ceiling := b.backoffCeiling
		if ceiling <= 0 {
			ceiling = defaultBackoffCeiling
		}
		delay := initialReconnectDelay
		for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
			dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			c, err := ethclient.DialContext(dialCtx, b.url)
			cancel()
			if err == nil {
				b.set(c)
				return
			}
			time.Sleep(delay)
			delay *= 2
			if delay > ceiling {
				delay = ceiling
			}
		}
	}()
}

// Client multiplexes calls across a list of providers, sticking to the
// first healthy one and failing over to the next on error.
type Client struct {
	backends []*backend

	mu           sync.Mutex
	current      int
	stickyFor    time.Duration
	failedOverAt time.Time
}

// Dial connects to every configured provider eagerly; a provider that
// fails to dial is skipped rather than failing the whole client, since
// a single dead RPC endpoint shouldn't prevent startup against the
// others.
func Dial(ctx context.Context, providers []Provider) (*Client, error) {
	var backends []*backend
	for _, p := range providers {
		c, err := ethclient.DialContext(ctx, p.URL)
		if err != nil {
			continue
		}
		rps := p.RPS
		if rps <= 0 {
			rps = 10
		}
		burst := p.Burst
		if burst <= 0 {
			burst = 1
		}
		ceiling := p.ReconnectBackoffCeiling
		if ceiling <= 0 {
			ceiling = defaultBackoffCeiling
		}
		backends = append(backends, &backend{
			name:           p.Name,
			url:            p.URL,
			client:         c,
			limiter:        rate.NewLimiter(rate.Limit(rps), burst),
			backoffCeiling: ceiling,
		})
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("chainclient: no provider could be dialed out of %d configured", len(providers))
	}

	stickyFor := defaultStickySeconds
	if len(providers) > 0 && providers[0].StickyFor > 0 {
		stickyFor = providers[0].StickyFor
	}
	return &Client{backends: backends, stickyFor: stickyFor}, nil
}

// active returns the currently preferred backend, switching back to
// the primary once the sticky window since the last failover has
// elapsed.
func (c *Client) active() *backend {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != 0 && !c.failedOverAt.IsZero() && time.Since(c.failedOverAt) >= c.stickyFor {
		c.current = 0
		c.failedOverAt = time.Time{}
	}
	return c.backends[c.current]
}

// failover advances to the next provider in the list, wrapping around,
// and kicks off a background reconnect of the one just abandoned;
// called after a request against it errors. Leaving the primary starts
// the sticky window that active() uses to decide when to try it again.
func (c *Client) failover(from *backend) {
	c.mu.Lock()
	leavingPrimary := c.backends[c.current] == from && c.current == 0
	c.current = (c.current + 1) % len(c.backends)
	if leavingPrimary {
		c.failedOverAt = time.Now()
	}
	c.mu.Unlock()

	from.triggerReconnect()
}

// withBackend runs fn against the active backend, rate-limited, and
// advances to the next provider if fn reports an error.
func withBackend[T any](ctx context.Context, c *Client, fn func(ctx context.Context, b *backend) (T, error)) (T, error) {
	var zero T
	b := c.active()
	if err := b.limiter.Wait(ctx); err != nil {
		return zero, fmt.Errorf("rate limit wait on %s: %w", b.name, err)
	}
	out, err := fn(ctx, b)
	if err != nil {
		c.failover(b)
		return zero, fmt.Errorf("%s: %w", b.name, err)
	}
	return out, nil
}

// HeaderByNumber fetches a block header, nil for the latest.
func (c *Client) HeaderByNumber(ctx context.Context, number *uint64) (*types.Header, error) {
	return withBackend(ctx, c, func(ctx context.Context, b *backend) (*types.Header, error) {
		var n *big.Int
		if number != nil {
			n = new(big.Int).SetUint64(*number)
		}
		return b.get().HeaderByNumber(ctx, n)
	})
}

// BlockNumber fetches the current head block number, used by the
// Orchestrator's timer-driven tick fallback and by the MEV submission
// pipeline to decide whether a bundle's target range has expired.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return withBackend(ctx, c, func(ctx context.Context, b *backend) (uint64, error) {
		return b.get().BlockNumber(ctx)
	})
}

// SendRawTransaction broadcasts an already-signed transaction to the
// public mempool. The MEV submission pipeline always submits through
// its relay and does not call it.
func (c *Client) SendRawTransaction(ctx context.Context, signed *types.Transaction) error {
	_, err := withBackend(ctx, c, func(ctx context.Context, b *backend) (struct{}, error) {
		return struct{}{}, b.get().SendTransaction(ctx, signed)
	})
	return err
}

// SuggestGasPrice returns the active provider's suggested gas price,
// the floor the MEV submission pipeline's priority-fee clamp builds on
// top of.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return withBackend(ctx, c, func(ctx context.Context, b *backend) (*big.Int, error) {
		return b.get().SuggestGasPrice(ctx)
	})
}

// EthClient returns the raw *ethclient.Client behind the active
// backend, for components (ContractClient, TxListener) that need the
// full bind.ContractBackend surface.
func (c *Client) EthClient() *ethclient.Client {
	return c.active().get()
}

// ReceiptFetcher adapts the active backend for txlistener.TxListener.
func (c *Client) ReceiptFetcher() txlistener.ReceiptFetcher {
	return receiptAdapter{c: c}
}

type receiptAdapter struct{ c *Client }

func (r receiptAdapter) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return withBackend(ctx, r.c, func(ctx context.Context, b *backend) (*types.Receipt, error) {
		return b.get().TransactionReceipt(ctx, txHash)
	})
}

// SubscribeNewHead starts a best-effort new-head subscription against
// the active backend. The Orchestrator subscribes once and falls back
// to its BlockNumber polling timer; nothing resubscribes if the
// subscription's error channel fires.
func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (func(), error) {
	b := c.active()
	sub, err := b.get().SubscribeNewHead(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("subscribe new heads on %s: %w", b.name, err)
	}
	return sub.Unsubscribe, nil
}

// NonceManager hands out strictly increasing nonces for a single
// signing address. A mutex guards the counter so concurrent cycles on
// the same wallet never share a nonce.
type NonceManager struct {
	mu     sync.Mutex
	client *Client
	addr   common.Address
	next   *uint64
}

// NewNonceManager builds a NonceManager for addr; the first call to
// Next fetches the pending nonce from chain, subsequent calls increment
// in-process.
func NewNonceManager(client *Client, addr common.Address) *NonceManager {
	return &NonceManager{client: client, addr: addr}
}

// Next returns the next nonce to use and reserves it.
func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.next == nil {
		n, err := withBackend(ctx, m.client, func(ctx context.Context, b *backend) (uint64, error) {
			return b.get().PendingNonceAt(ctx, m.addr)
		})
		if err != nil {
			return 0, fmt.Errorf("fetch initial nonce: %w", err)
		}
		m.next = &n
	}
	n := *m.next
	*m.next = n + 1
	return n, nil
}

// Reset forces the next Next call to re-fetch from chain, used after a
// transaction fails to broadcast so the manager doesn't leak a nonce.
func (m *NonceManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next = nil
}

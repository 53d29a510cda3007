// Package mevsubmit is the MEV-protected submission pipeline: it wraps
// a signed transaction as a single-tx Bundle, submits it over a
// private relay with an auth-signed header, escalates the priority fee
// across blocks, tracks inclusion, and consults an optional
// MempoolWatcher for sandwich activity. The relay protocol is plain JSON-over-HTTP with a
// signed auth header, built on net/http and go-ethereum/crypto; the
// relay signing key is distinct from the wallet key.
package mevsubmit

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// BundleRequest is the body submitted to the relay's submit-bundle and
// simulate-bundle endpoints: one signed transaction targeted at a
// single block.
type BundleRequest struct {
	Transactions []string `json:"txs"` // 0x-prefixed raw signed tx
	BlockNumber  string   `json:"blockNumber"`
	MinTimestamp uint64   `json:"minTimestamp,omitempty"`
	MaxTimestamp uint64   `json:"maxTimestamp,omitempty"`
}

// SimulateResult is the relay's response to simulate-bundle: whether
// the bundle would succeed against the target block and, if not, why.
type SimulateResult struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	GasUsed      uint64 `json:"gasUsed,omitempty"`
	EffectiveGas string `json:"effectiveGasPrice,omitempty"`
}

// BundleStats is the relay's response to get-bundle-stats: whether
// and where a previously-submitted bundle landed.
type BundleStats struct {
	IsSimulated      bool   `json:"isSimulated"`
	IsSentToMiners   bool   `json:"isSentToMiners"`
	IsHighPriority   bool   `json:"isHighPriority"`
	SentAtBlock      uint64 `json:"sentAtBlock,omitempty"`
	IncludedBlock    uint64 `json:"includedBlock,omitempty"`
	IncludedTxHash   string `json:"includedTxHash,omitempty"`
}

// RelayClient is the private-relay capability the submission pipeline
// needs: submit-bundle, simulate-bundle, get-bundle-stats.
type RelayClient interface {
	SubmitBundle(ctx context.Context, req BundleRequest) (relayBundleID string, err error)
	SimulateBundle(ctx context.Context, req BundleRequest) (SimulateResult, error)
	GetBundleStats(ctx context.Context, relayBundleID string) (BundleStats, error)
}

// HTTPRelayClient posts JSON-RPC-shaped bundle requests to a single
// Flashbots-compatible relay endpoint, authenticating every request
// with an ECDSA signature over the request body using signingKey,
// which must be distinct from the wallet's transaction-signing key.
type HTTPRelayClient struct {
	url        string
	signingKey *ecdsa.PrivateKey
	httpClient *http.Client
}

// NewHTTPRelayClient builds a relay client against url, signing every
// request with signingKey. A nil httpClient gets a default with a
// 5-second timeout so a stalled relay cannot hang a submission cycle
// indefinitely.
func NewHTTPRelayClient(url string, signingKey *ecdsa.PrivateKey, httpClient *http.Client) *HTTPRelayClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPRelayClient{url: url, signingKey: signingKey, httpClient: httpClient}
}

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPRelayClient) post(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("mevsubmit: marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mevsubmit: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	sig, err := signAuthHeader(c.signingKey, body)
	if err != nil {
		return nil, fmt.Errorf("mevsubmit: sign %s request: %w", method, err)
	}
	req.Header.Set("X-Flashbots-Signature", sig)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mevsubmit: %s transport: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mevsubmit: read %s response: %w", method, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("mevsubmit: %s relay 5xx: %s", method, string(raw))
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("mevsubmit: unmarshal %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("mevsubmit: %s relay error: %s", method, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// signAuthHeader signs keccak256(body) and formats the header the way
// Flashbots-compatible relays expect: "<signer address>:<hex sig>".
func signAuthHeader(key *ecdsa.PrivateKey, body []byte) (string, error) {
	digest := crypto.Keccak256Hash(body)
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return "", err
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return fmt.Sprintf("%s:0x%x", addr.Hex(), sig), nil
}

func (c *HTTPRelayClient) SubmitBundle(ctx context.Context, req BundleRequest) (string, error) {
	result, err := c.post(ctx, "eth_sendBundle", []interface{}{req})
	if err != nil {
		return "", err
	}
	var id struct {
		BundleHash string `json:"bundleHash"`
	}
	if err := json.Unmarshal(result, &id); err != nil {
		return "", fmt.Errorf("mevsubmit: unmarshal submit-bundle result: %w", err)
	}
	return id.BundleHash, nil
}

func (c *HTTPRelayClient) SimulateBundle(ctx context.Context, req BundleRequest) (SimulateResult, error) {
	result, err := c.post(ctx, "eth_callBundle", []interface{}{req})
	if err != nil {
		return SimulateResult{}, err
	}
	var sim SimulateResult
	if err := json.Unmarshal(result, &sim); err != nil {
		return SimulateResult{}, fmt.Errorf("mevsubmit: unmarshal simulate-bundle result: %w", err)
	}
	return sim, nil
}

func (c *HTTPRelayClient) GetBundleStats(ctx context.Context, relayBundleID string) (BundleStats, error) {
	result, err := c.post(ctx, "flashbots_getBundleStats", []interface{}{map[string]string{"bundleHash": relayBundleID}})
	if err != nil {
		return BundleStats{}, err
	}
	var stats BundleStats
	if err := json.Unmarshal(result, &stats); err != nil {
		return BundleStats{}, fmt.Errorf("mevsubmit: unmarshal bundle stats: %w", err)
	}
	return stats, nil
}

var _ RelayClient = (*HTTPRelayClient)(nil)

// rawTxHex hex-encodes a signed transaction's RLP encoding with the
// 0x prefix the relay's txs field expects.
func rawTxHex(signed []byte) string {
	return fmt.Sprintf("0x%x", signed)
}

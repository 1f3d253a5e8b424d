// Package ton provides TON blockchain interaction for the custody service.
// It speaks the toncenter v2 JSON-RPC API for node queries and the index API
// for block-level transaction listings.
package ton

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Client is a rate-limited toncenter API client.
type Client struct {
	nodeURL    string
	indexURL   string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Config holds client configuration.
type Config struct {
	NodeAPIURL  string // e.g. https://toncenter.com/api/v2/jsonRPC
	IndexAPIURL string // e.g. https://toncenter.com/api/index/
	APIKey      string
	Timeout     time.Duration
	// RateLimit caps outbound requests per second; public toncenter keys
	// are quota-limited. Zero disables limiting.
	RateLimit float64
	RateBurst int
}

// NewClient creates a new toncenter client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.NodeAPIURL == "" {
		return nil, fmt.Errorf("node API URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		nodeURL:  cfg.NodeAPIURL,
		indexURL: strings.TrimRight(cfg.IndexAPIURL, "/"),
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: limiter,
	}, nil
}

// Call makes a JSON-RPC call to the toncenter node API.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.nodeURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// indexGet makes a GET request against the index API.
func (c *Client) indexGet(ctx context.Context, path string, query url.Values, out interface{}) error {
	if c.indexURL == "" {
		return fmt.Errorf("index API URL not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	reqURL := c.indexURL + "/" + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("index API status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return json.Unmarshal(respBody, out)
}

// GetMasterchainHeight returns the latest masterchain block seqno.
func (c *Client) GetMasterchainHeight(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "getMasterchainInfo", map[string]interface{}{})
	if err != nil {
		return 0, err
	}

	var info masterchainInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return 0, err
	}
	return info.Last.Seqno, nil
}

// GetBlockTransactions returns every transaction included under the given
// masterchain block, across all shards, via the index API.
func (c *Client) GetBlockTransactions(ctx context.Context, seqno uint64) ([]Transaction, error) {
	var txs []Transaction
	query := url.Values{"seqno": {strconv.FormatUint(seqno, 10)}}
	if err := c.indexGet(ctx, "getTransactionsByMasterchainSeqno", query, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// GetAccountTransactions returns the most recent transactions for an
// address, newest first.
func (c *Client) GetAccountTransactions(ctx context.Context, address string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	result, err := c.Call(ctx, "getTransactions", map[string]interface{}{
		"address": address,
		"limit":   limit,
	})
	if err != nil {
		return nil, err
	}

	var txs []Transaction
	if err := json.Unmarshal(result, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// GetBalance returns the account balance in nanotons.
func (c *Client) GetBalance(ctx context.Context, address string) (int64, error) {
	result, err := c.Call(ctx, "getAddressBalance", map[string]interface{}{
		"address": address,
	})
	if err != nil {
		return 0, err
	}

	var balance Coins
	if err := json.Unmarshal(result, &balance); err != nil {
		return 0, err
	}
	return int64(balance), nil
}

// GetSeqno returns the wallet sequence number, or 0 when the account is not
// yet deployed (its first outgoing transfer).
func (c *Client) GetSeqno(ctx context.Context, address string) (uint32, error) {
	result, err := c.Call(ctx, "runGetMethod", map[string]interface{}{
		"address": address,
		"method":  "seqno",
		"stack":   []interface{}{},
	})
	if err != nil {
		return 0, err
	}

	var res seqnoResult
	if err := json.Unmarshal(result, &res); err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		// Uninitialised account: the get method does not exist yet.
		return 0, nil
	}
	if len(res.Stack) == 0 || len(res.Stack[0]) < 2 {
		return 0, fmt.Errorf("unexpected seqno stack shape")
	}

	raw, ok := res.Stack[0][1].(string)
	if !ok {
		return 0, fmt.Errorf("unexpected seqno stack value %T", res.Stack[0][1])
	}
	value, err := strconv.ParseUint(strings.TrimPrefix(raw, "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse seqno %q: %w", raw, err)
	}
	return uint32(value), nil
}

// SendBoc submits a signed transfer and returns its hash.
func (c *Client) SendBoc(ctx context.Context, payload []byte) (string, error) {
	result, err := c.Call(ctx, "sendBocReturnHash", map[string]interface{}{
		"boc": base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return "", err
	}

	var res sendResult
	if err := json.Unmarshal(result, &res); err != nil {
		return "", err
	}
	return res.Hash, nil
}

// HasTransaction checks the index API for a transaction hash on the given
// address. Used as an independent corroboration source by the verifier.
func (c *Client) HasTransaction(ctx context.Context, address, hash string) (bool, error) {
	var txs []Transaction
	query := url.Values{"address": {address}, "limit": {"50"}}
	if err := c.indexGet(ctx, "getTransactionsByAddress", query, &txs); err != nil {
		return false, err
	}
	for _, tx := range txs {
		if tx.Hash() == hash {
			return true, nil
		}
	}
	return false, nil
}

// Package rpc provides a typed JSON-RPC client for the node block-query and
// transaction interfaces, with retry logic.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Client is the interface for JSON-RPC communication with one node endpoint.
type Client interface {
	// Endpoint returns the node URL.
	Endpoint() string

	// Call makes a JSON-RPC call.
	Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)

	// BatchCall makes multiple JSON-RPC calls in a single HTTP request.
	BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error)

	// GetBlockNumber returns the latest block number.
	GetBlockNumber(ctx context.Context) (uint64, error)

	// GetBlockByNumber fetches the block at height, or ErrNotFound if the
	// height is beyond the head at query time.
	GetBlockByNumber(ctx context.Context, height uint64) (*BlockRecord, error)

	// GetBlockRange fetches [from, to] with batched requests.
	GetBlockRange(ctx context.Context, from, to uint64) ([]RangeResult, error)

	// SendTransaction submits an unsigned transfer via eth_sendTransaction.
	SendTransaction(ctx context.Context, tx TxRequest) (string, error)
}

// BlockRecord is the subset of a block the fairness analysis needs.
type BlockRecord struct {
	Height     uint64  `json:"height"`
	Hash       string  `json:"hash"`
	ParentHash string  `json:"parentHash"`
	Author     string  `json:"author"`
	Timestamp  uint64  `json:"timestamp"`          // seconds since epoch
	SealStep   *uint64 `json:"sealStep,omitempty"` // AuRa step reported by the node, if any
	TxCount    int     `json:"txCount"`
}

// RangeResult is one height of a GetBlockRange call. Exactly one of Block and Err is set.
type RangeResult struct {
	Height uint64
	Block  *BlockRecord
	Err    error
}

// TxRequest is an eth_sendTransaction payload. Quantities are hex strings.
type TxRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Gas      string `json:"gas,omitempty"`
	GasPrice string `json:"gasPrice,omitempty"`
	Value    string `json:"value,omitempty"`
}

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// JSONRPCError represents a JSON-RPC error.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// BatchRequest represents a single request in a batch.
type BatchRequest struct {
	Method string
	Params []interface{}
}

// BatchResponse represents a single response in a batch.
type BatchResponse struct {
	Result json.RawMessage
	Error  error
}

// Observer receives per-call timings. metrics.Harness implements it.
type Observer interface {
	ObserveRPC(method, status string, d time.Duration)
}

// ClientConfig holds configuration for the RPC client.
type ClientConfig struct {
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxBatch       int // heights per batch request in GetBlockRange
	Observer       Observer
	Logger         *slog.Logger
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        2 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		MaxBatch:       64,
	}
}

// HTTPClient implements Client using HTTP.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	maxBatch   int
	observer   Observer
	logger     *slog.Logger
}

// NewHTTPClient creates a new HTTP-based RPC client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 64
	}

	return &HTTPClient{
		url: cfg.URL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		maxBatch:   maxBatch,
		observer:   cfg.Observer,
		logger:     logger.With(slog.String("endpoint", cfg.URL)),
	}
}

// Endpoint returns the node URL.
func (c *HTTPClient) Endpoint() string {
	return c.url
}

// Call makes a JSON-RPC call with retry logic. Failures are returned as *EndpointError.
func (c *HTTPClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, c.fail(method, fmt.Errorf("failed to marshal request: %w", err))
	}

	var lastErr error
	backoff := c.backoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, c.fail(method, ctx.Err())
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		start := time.Now()
		result, err := c.doRequest(ctx, body)
		c.observe(method, err, time.Since(start))
		if err == nil {
			return result, nil
		}

		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return nil, c.fail(method, ctx.Err())
		}

		if isRetryableHTTPError(err) {
			backoff = getRetryDelay(err, backoff)
			c.logger.Debug("RPC got retryable HTTP error, retrying",
				slog.String("method", method),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			continue
		}

		// Application-level errors and malformed responses are final
		if isRPCError(err) || errors.Is(err, ErrMalformed) {
			return nil, c.fail(method, err)
		}

		c.logger.Debug("RPC call failed, retrying",
			slog.String("method", method),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, c.fail(method, fmt.Errorf("all retries failed: %w", lastErr))
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte) (json.RawMessage, error) {
	respBody, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if rpcResp.Error != nil {
		return nil, &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
		}
	}

	return rpcResp.Result, nil
}

// post sends body and returns the raw response, mapping non-200 statuses to HTTPStatusError.
func (c *HTTPClient) post(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Check HTTP status code BEFORE reading/parsing body
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Body:       string(errBody),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return respBody, nil
}

func (c *HTTPClient) fail(method string, err error) error {
	return &EndpointError{Endpoint: c.url, Method: method, Err: err}
}

func (c *HTTPClient) observe(method string, err error, d time.Duration) {
	if c.observer == nil {
		return
	}
	status := "ok"
	switch {
	case err == nil:
	case isRPCError(err):
		status = "rpc_error"
	case isRetryableHTTPError(err):
		status = "http_retryable"
	default:
		status = "transport_error"
	}
	c.observer.ObserveRPC(method, status, d)
}

// GetBlockNumber returns the latest block number.
func (c *HTTPClient) GetBlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}

	var blockHex string
	if err := json.Unmarshal(result, &blockHex); err != nil {
		return 0, c.fail("eth_blockNumber", fmt.Errorf("%w: block number: %v", ErrMalformed, err))
	}
	n, err := hexutil.DecodeUint64(blockHex)
	if err != nil {
		return 0, c.fail("eth_blockNumber", fmt.Errorf("%w: block number %q: %v", ErrMalformed, blockHex, err))
	}
	return n, nil
}

// GetBlockByNumber fetches the block at height with transaction hashes only.
func (c *HTTPClient) GetBlockByNumber(ctx context.Context, height uint64) (*BlockRecord, error) {
	const method = "eth_getBlockByNumber"
	result, err := c.Call(ctx, method, []interface{}{hexutil.EncodeUint64(height), false})
	if err != nil {
		return nil, err
	}
	block, err := decodeBlock(result, height)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, c.fail(method, err)
	}
	return block, nil
}

// GetBlockRange fetches every height in [from, to], MaxBatch heights per
// request. Results are in height order. A height the node does not have yet
// yields ErrNotFound; the returned block is always the one at the requested height.
func (c *HTTPClient) GetBlockRange(ctx context.Context, from, to uint64) ([]RangeResult, error) {
	const method = "eth_getBlockByNumber"
	if from > to {
		return nil, c.fail(method, fmt.Errorf("invalid range [%d, %d]", from, to))
	}

	results := make([]RangeResult, 0, to-from+1)
	for start := from; ; {
		end := min(start+uint64(c.maxBatch)-1, to)

		calls := make([]BatchRequest, 0, end-start+1)
		for h := start; h <= end; h++ {
			calls = append(calls, BatchRequest{
				Method: method,
				Params: []interface{}{hexutil.EncodeUint64(h), false},
			})
		}

		responses, err := c.BatchCall(ctx, calls)
		if err != nil {
			return results, err
		}

		for i, resp := range responses {
			h := start + uint64(i)
			if resp.Error != nil {
				results = append(results, RangeResult{Height: h, Err: c.fail(method, resp.Error)})
				continue
			}
			block, err := decodeBlock(resp.Result, h)
			switch {
			case errors.Is(err, ErrNotFound):
				results = append(results, RangeResult{Height: h, Err: err})
			case err != nil:
				results = append(results, RangeResult{Height: h, Err: c.fail(method, err)})
			default:
				results = append(results, RangeResult{Height: h, Block: block})
			}
		}

		if end == to {
			return results, nil
		}
		start = end + 1
	}
}

// SendTransaction submits tx via eth_sendTransaction and returns its hash.
// The sending account must be unlocked on the node.
func (c *HTTPClient) SendTransaction(ctx context.Context, tx TxRequest) (string, error) {
	const method = "eth_sendTransaction"
	result, err := c.Call(ctx, method, []interface{}{tx})
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", c.fail(method, fmt.Errorf("%w: tx hash: %v", ErrMalformed, err))
	}
	return hash, nil
}

// BatchCall makes multiple JSON-RPC calls in a single HTTP request.
// Results are returned in the same order as the input calls.
// Individual call errors are returned in BatchResponse.Error.
func (c *HTTPClient) BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	reqs := make([]JSONRPCRequest, len(calls))
	for i, call := range calls {
		reqs[i] = JSONRPCRequest{
			JSONRPC: "2.0",
			Method:  call.Method,
			Params:  call.Params,
			ID:      i + 1, // 1-indexed IDs for easier debugging
		}
	}

	method := "batch:" + calls[0].Method
	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, c.fail(method, fmt.Errorf("failed to marshal batch request: %w", err))
	}

	var lastErr error
	backoff := c.backoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, c.fail(method, ctx.Err())
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		start := time.Now()
		results, err := c.doBatchRequest(ctx, body, len(calls))
		c.observe(method, err, time.Since(start))
		if err == nil {
			return results, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return nil, c.fail(method, ctx.Err())
		}

		if isRetryableHTTPError(err) {
			backoff = getRetryDelay(err, backoff)
			c.logger.Debug("batch RPC got retryable HTTP error, retrying",
				slog.Int("callCount", len(calls)),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			continue
		}

		if isRPCError(err) || errors.Is(err, ErrMalformed) {
			return nil, c.fail(method, err)
		}
	}

	return nil, c.fail(method, fmt.Errorf("all batch retries failed: %w", lastErr))
}

func (c *HTTPClient) doBatchRequest(ctx context.Context, body []byte, expectedCount int) ([]BatchResponse, error) {
	respBody, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	var rpcResps []JSONRPCResponse
	if err := json.Unmarshal(respBody, &rpcResps); err != nil {
		// Some nodes answer a rejected batch with a single error object.
		var single JSONRPCResponse
		if json.Unmarshal(respBody, &single) == nil && single.Error != nil {
			return nil, &RPCError{Code: single.Error.Code, Message: single.Error.Message}
		}
		return nil, fmt.Errorf("%w: batch response: %v", ErrMalformed, err)
	}

	respMap := make(map[int]*JSONRPCResponse, len(rpcResps))
	for i := range rpcResps {
		respMap[rpcResps[i].ID] = &rpcResps[i]
	}

	results := make([]BatchResponse, expectedCount)
	for i := range expectedCount {
		rpcResp, ok := respMap[i+1]
		if !ok {
			results[i] = BatchResponse{Error: fmt.Errorf("missing response for request %d", i+1)}
			continue
		}
		if rpcResp.Error != nil {
			results[i] = BatchResponse{Error: &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}}
			continue
		}
		results[i] = BatchResponse{Result: rpcResp.Result}
	}

	return results, nil
}

// rawBlock mirrors the eth_getBlockByNumber fields we consume. OpenEthereum
// reports the sealer as "author" and the AuRa step as a decimal string.
type rawBlock struct {
	Number       string            `json:"number"`
	Hash         string            `json:"hash"`
	ParentHash   string            `json:"parentHash"`
	Author       string            `json:"author"`
	Miner        string            `json:"miner"`
	Timestamp    string            `json:"timestamp"`
	Step         json.RawMessage   `json:"step"`
	Transactions []json.RawMessage `json:"transactions"`
}

func decodeBlock(data json.RawMessage, want uint64) (*BlockRecord, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, fmt.Errorf("height %d: %w", want, ErrNotFound)
	}

	var raw rawBlock
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: block: %v", ErrMalformed, err)
	}

	author := raw.Author
	if author == "" {
		author = raw.Miner
	}
	for _, f := range []struct{ name, value string }{
		{"number", raw.Number},
		{"hash", raw.Hash},
		{"parentHash", raw.ParentHash},
		{"timestamp", raw.Timestamp},
		{"author", author},
	} {
		if f.value == "" {
			return nil, fmt.Errorf("%w: block %d lacks %s", ErrMalformed, want, f.name)
		}
	}

	num, err := hexutil.DecodeUint64(raw.Number)
	if err != nil {
		return nil, fmt.Errorf("%w: block number %q: %v", ErrMalformed, raw.Number, err)
	}
	if num != want {
		return nil, fmt.Errorf("%w: requested height %d, node returned %d", ErrHeightMismatch, want, num)
	}
	ts, err := hexutil.DecodeUint64(raw.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp %q: %v", ErrMalformed, raw.Timestamp, err)
	}

	return &BlockRecord{
		Height:     num,
		Hash:       strings.ToLower(raw.Hash),
		ParentHash: strings.ToLower(raw.ParentHash),
		Author:     strings.ToLower(author),
		Timestamp:  ts,
		SealStep:   decodeStep(raw.Step),
		TxCount:    len(raw.Transactions),
	}, nil
}

// decodeStep accepts the step as a decimal string, hex string or JSON number.
func decodeStep(data json.RawMessage) *uint64 {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		s = string(data)
	}
	if strings.HasPrefix(s, "0x") {
		if v, err := hexutil.DecodeUint64(s); err == nil {
			return &v
		}
		return nil
	}
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return &v
	}
	return nil
}

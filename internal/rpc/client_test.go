package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestRPCError(t *testing.T) {
	err := &RPCError{Code: -32000, Message: "nonce too low"}

	errStr := err.Error()
	if errStr != "RPC error -32000: nonce too low" {
		t.Errorf("RPCError.Error() = %q, want %q", errStr, "RPC error -32000: nonce too low")
	}

	if !isRPCError(err) {
		t.Error("isRPCError should return true for *RPCError")
	}
	if !isRPCError(fmt.Errorf("wrapped: %w", err)) {
		t.Error("isRPCError should see through wrapping")
	}
}

func TestHTTPStatusError(t *testing.T) {
	tests := []struct {
		name       string
		err        HTTPStatusError
		wantString string
		wantRetry  bool
	}{
		{
			name:       "429 Too Many Requests",
			err:        HTTPStatusError{StatusCode: 429, Body: "rate limited"},
			wantString: "HTTP 429: Too Many Requests (body: rate limited)",
			wantRetry:  true,
		},
		{
			name:       "503 Service Unavailable",
			err:        HTTPStatusError{StatusCode: 503},
			wantString: "HTTP 503: Service Unavailable",
			wantRetry:  true,
		},
		{
			name:       "400 Bad Request not retryable",
			err:        HTTPStatusError{StatusCode: 400, Body: "invalid request"},
			wantString: "HTTP 400: Bad Request (body: invalid request)",
			wantRetry:  false,
		},
		{
			name:       "500 Internal Server Error not retryable",
			err:        HTTPStatusError{StatusCode: 500},
			wantString: "HTTP 500: Internal Server Error",
			wantRetry:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantString {
				t.Errorf("HTTPStatusError.Error() = %q, want %q", got, tt.wantString)
			}
			if got := tt.err.IsRetryable(); got != tt.wantRetry {
				t.Errorf("HTTPStatusError.IsRetryable() = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestGetRetryDelay(t *testing.T) {
	defaultBackoff := 100 * time.Millisecond

	tests := []struct {
		name      string
		err       error
		wantDelay time.Duration
	}{
		{
			name:      "HTTP error with Retry-After",
			err:       &HTTPStatusError{StatusCode: 429, RetryAfter: 2 * time.Second},
			wantDelay: 2 * time.Second,
		},
		{
			name:      "HTTP error without Retry-After",
			err:       &HTTPStatusError{StatusCode: 503},
			wantDelay: defaultBackoff,
		},
		{
			name:      "RPC error uses default",
			err:       &RPCError{Code: -32000, Message: "test"},
			wantDelay: defaultBackoff,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getRetryDelay(tt.err, defaultBackoff); got != tt.wantDelay {
				t.Errorf("getRetryDelay() = %v, want %v", got, tt.wantDelay)
			}
		})
	}
}

func TestEndpointErrorTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "transport failure", err: errors.New("connection refused"), want: true},
		{name: "retryable status exhausted", err: &HTTPStatusError{StatusCode: 503}, want: true},
		{name: "application error", err: &RPCError{Code: -32601, Message: "method not found"}, want: false},
		{name: "malformed", err: fmt.Errorf("%w: bad json", ErrMalformed), want: false},
		{name: "height mismatch", err: fmt.Errorf("%w: 5 != 6", ErrHeightMismatch), want: false},
		{name: "cancelled", err: context.Canceled, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &EndpointError{Endpoint: "http://n", Method: "m", Err: tt.err}
			if got := err.Transient(); got != tt.want {
				t.Errorf("Transient() = %v, want %v", got, tt.want)
			}
			if got := IsTransient(fmt.Errorf("scrape: %w", err)); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultClientConfig(t *testing.T) {
	url := "http://localhost:8545"
	cfg := DefaultClientConfig(url)

	if cfg.URL != url {
		t.Errorf("URL = %q, want %q", cfg.URL, url)
	}
	if cfg.Timeout != 2*time.Second {
		t.Errorf("Timeout = %v, want %v", cfg.Timeout, 2*time.Second)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.MaxBatch != 64 {
		t.Errorf("MaxBatch = %d, want 64", cfg.MaxBatch)
	}
}

// fakeNode answers eth_getBlockByNumber for heights <= head with a
// deterministic block, and null above the head.
type fakeNode struct {
	head     uint64
	useMiner bool
	requests atomic.Int32
	lastTx   atomic.Value
}

func blockHash(h uint64) string {
	return fmt.Sprintf("0x%064x", h+0x1000)
}

func (n *fakeNode) block(h uint64) map[string]interface{} {
	b := map[string]interface{}{
		"number":       fmt.Sprintf("0x%x", h),
		"hash":         blockHash(h),
		"parentHash":   blockHash(h - 1),
		"timestamp":    fmt.Sprintf("0x%x", 1000+5*h),
		"step":         strconv.FormatUint(200+h, 10),
		"transactions": []string{"0xaa", "0xbb"},
	}
	author := fmt.Sprintf("0x%040X", h%3+1)
	if n.useMiner {
		b["miner"] = author
	} else {
		b["author"] = author
	}
	return b
}

func (n *fakeNode) answer(req JSONRPCRequest) JSONRPCResponse {
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: req.ID}
	var result interface{}
	switch req.Method {
	case "eth_blockNumber":
		result = fmt.Sprintf("0x%x", n.head)
	case "eth_getBlockByNumber":
		s, _ := req.Params[0].(string)
		h, _ := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
		if h <= n.head {
			result = n.block(h)
		}
	case "eth_sendTransaction":
		n.lastTx.Store(req.Params[0])
		result = "0xfeed"
	default:
		resp.Error = &JSONRPCError{Code: -32601, Message: "method not found"}
		return resp
	}
	resp.Result, _ = json.Marshal(result)
	return resp
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.requests.Add(1)
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")

	if strings.HasPrefix(strings.TrimSpace(string(body)), "[") {
		var reqs []JSONRPCRequest
		_ = json.Unmarshal(body, &reqs)
		resps := make([]JSONRPCResponse, 0, len(reqs))
		// Answer in reverse to exercise ID-based reordering.
		for i := len(reqs) - 1; i >= 0; i-- {
			resps = append(resps, n.answer(reqs[i]))
		}
		_ = json.NewEncoder(w).Encode(resps)
		return
	}

	var req JSONRPCRequest
	_ = json.Unmarshal(body, &req)
	_ = json.NewEncoder(w).Encode(n.answer(req))
}

func newTestClient(url string) *HTTPClient {
	cfg := DefaultClientConfig(url)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	return NewHTTPClient(cfg)
}

func TestGetBlockByNumber(t *testing.T) {
	node := &fakeNode{head: 10}
	srv := httptest.NewServer(node)
	defer srv.Close()

	c := newTestClient(srv.URL)
	b, err := c.GetBlockByNumber(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetBlockByNumber() error = %v", err)
	}

	if b.Height != 7 {
		t.Errorf("Height = %d, want 7", b.Height)
	}
	if b.Hash != blockHash(7) || b.ParentHash != blockHash(6) {
		t.Errorf("hash linkage = %s <- %s", b.ParentHash, b.Hash)
	}
	if b.Timestamp != 1035 {
		t.Errorf("Timestamp = %d, want 1035", b.Timestamp)
	}
	if want := fmt.Sprintf("0x%040x", 2); b.Author != want {
		t.Errorf("Author = %q, want lower-cased %q", b.Author, want)
	}
	if b.SealStep == nil || *b.SealStep != 207 {
		t.Errorf("SealStep = %v, want 207", b.SealStep)
	}
	if b.TxCount != 2 {
		t.Errorf("TxCount = %d, want 2", b.TxCount)
	}
}

func TestGetBlockByNumber_MinerFallback(t *testing.T) {
	srv := httptest.NewServer(&fakeNode{head: 3, useMiner: true})
	defer srv.Close()

	b, err := newTestClient(srv.URL).GetBlockByNumber(context.Background(), 3)
	if err != nil {
		t.Fatalf("GetBlockByNumber() error = %v", err)
	}
	if b.Author != fmt.Sprintf("0x%040x", 1) {
		t.Errorf("Author = %q, want miner field", b.Author)
	}
}

func TestGetBlockByNumber_BeyondHead(t *testing.T) {
	srv := httptest.NewServer(&fakeNode{head: 3})
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetBlockByNumber(context.Background(), 4)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	var epErr *EndpointError
	if errors.As(err, &epErr) {
		t.Error("ErrNotFound should not be reported as an endpoint fault")
	}
}

func TestGetBlockByNumber_HeightMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"number":"0x9","hash":"0x01","parentHash":"0x00","timestamp":"0x10","author":"0xab","transactions":[]}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetBlockByNumber(context.Background(), 8)
	if !errors.Is(err, ErrHeightMismatch) {
		t.Fatalf("error = %v, want ErrHeightMismatch", err)
	}
	var epErr *EndpointError
	if !errors.As(err, &epErr) || epErr.Endpoint != srv.URL {
		t.Errorf("error = %v, want *EndpointError carrying the endpoint", err)
	}
}

func TestGetBlockByNumber_MissingField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"number":"0x8","hash":"0x01","timestamp":"0x10","author":"0xab"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetBlockByNumber(context.Background(), 8)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("error = %v, want ErrMalformed", err)
	}
}

func TestGetBlockRange(t *testing.T) {
	node := &fakeNode{head: 12}
	srv := httptest.NewServer(node)
	defer srv.Close()

	cfg := DefaultClientConfig(srv.URL)
	cfg.MaxBatch = 4
	c := NewHTTPClient(cfg)

	results, err := c.GetBlockRange(context.Background(), 5, 14)
	if err != nil {
		t.Fatalf("GetBlockRange() error = %v", err)
	}
	if len(results) != 10 {
		t.Fatalf("len(results) = %d, want 10", len(results))
	}
	for i, r := range results {
		h := uint64(5 + i)
		if r.Height != h {
			t.Fatalf("results[%d].Height = %d, want %d", i, r.Height, h)
		}
		if h <= 12 {
			if r.Err != nil || r.Block == nil || r.Block.Height != h {
				t.Errorf("height %d: block=%v err=%v", h, r.Block, r.Err)
			}
			continue
		}
		if !errors.Is(r.Err, ErrNotFound) {
			t.Errorf("height %d beyond head: err = %v, want ErrNotFound", h, r.Err)
		}
	}
	if got := node.requests.Load(); got != 3 {
		t.Errorf("requests = %d, want 3 batches of at most 4", got)
	}
}

func TestGetBlockRange_InvalidRange(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	if _, err := c.GetBlockRange(context.Background(), 9, 3); err == nil {
		t.Error("GetBlockRange(9, 3) should fail")
	}
}

func TestGetBlockNumber(t *testing.T) {
	srv := httptest.NewServer(&fakeNode{head: 42})
	defer srv.Close()

	n, err := newTestClient(srv.URL).GetBlockNumber(context.Background())
	if err != nil {
		t.Fatalf("GetBlockNumber() error = %v", err)
	}
	if n != 42 {
		t.Errorf("GetBlockNumber() = %d, want 42", n)
	}
}

func TestSendTransaction(t *testing.T) {
	node := &fakeNode{}
	srv := httptest.NewServer(node)
	defer srv.Close()

	tx := TxRequest{From: "0x01", To: "0x02", Gas: "0x21000", GasPrice: "0x20", Value: "0x22"}
	hash, err := newTestClient(srv.URL).SendTransaction(context.Background(), tx)
	if err != nil {
		t.Fatalf("SendTransaction() error = %v", err)
	}
	if hash != "0xfeed" {
		t.Errorf("hash = %q, want 0xfeed", hash)
	}

	sent, _ := node.lastTx.Load().(map[string]interface{})
	for k, want := range map[string]string{"from": "0x01", "to": "0x02", "gas": "0x21000", "gasPrice": "0x20", "value": "0x22"} {
		if sent[k] != want {
			t.Errorf("sent %s = %v, want %s", k, sent[k], want)
		}
	}
}

func TestCall_RetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":"0x5"}`)
	}))
	defer srv.Close()

	n, err := newTestClient(srv.URL).GetBlockNumber(context.Background())
	if err != nil {
		t.Fatalf("GetBlockNumber() error = %v", err)
	}
	if n != 5 || calls.Load() != 3 {
		t.Errorf("got %d after %d calls, want 5 after 3", n, calls.Load())
	}
}

func TestCall_NoRetryOnRPCError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"nonce too low"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).SendTransaction(context.Background(), TxRequest{From: "0x01", To: "0x02"})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32000 {
		t.Fatalf("error = %v, want RPCError -32000", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if IsTransient(err) {
		t.Error("application error must not be transient")
	}
}

type recordingObserver struct {
	statuses []string
}

func (o *recordingObserver) ObserveRPC(method, status string, _ time.Duration) {
	o.statuses = append(o.statuses, method+":"+status)
}

func TestObserver(t *testing.T) {
	srv := httptest.NewServer(&fakeNode{head: 1})
	defer srv.Close()

	obs := &recordingObserver{}
	cfg := DefaultClientConfig(srv.URL)
	cfg.Observer = obs
	c := NewHTTPClient(cfg)

	_, _ = c.GetBlockNumber(context.Background())
	_, _ = c.Call(context.Background(), "eth_nope", nil)

	want := []string{"eth_blockNumber:ok", "eth_nope:rpc_error"}
	if strings.Join(obs.statuses, ",") != strings.Join(want, ",") {
		t.Errorf("observed %v, want %v", obs.statuses, want)
	}
}

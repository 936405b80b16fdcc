package heads

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nodeServer answers eth_subscribe and then pushes one head per number.
func nodeServer(t *testing.T, numbers []uint64, subscribeErr bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil || req.Method != "eth_subscribe" {
			return
		}
		if subscribeErr {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
		for _, n := range numbers {
			msg := fmt.Sprintf(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0x1","result":{"number":"0x%x","hash":"0xH%d","parentHash":"0xP%d","miner":"0xAAA","timestamp":"0x%x"}}}`, n, n, n, 1000+n*5)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// hold the connection until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string { return WSURL(srv.URL) }

type fakeSource struct {
	heads []uint64 // successive answers; the last repeats
	calls atomic.Int32
	err   error
}

func (f *fakeSource) GetBlockNumber(context.Context) (uint64, error) {
	i := int(f.calls.Add(1)) - 1
	if f.err != nil {
		return 0, f.err
	}
	if i >= len(f.heads) {
		i = len(f.heads) - 1
	}
	return f.heads[i], nil
}

func TestWSURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:8545", WSURL("http://127.0.0.1:8545"))
	assert.Equal(t, "wss://node", WSURL("https://node"))
	assert.Equal(t, "ws://x", WSURL("ws://x"))
}

func TestRun_DeliversHeads(t *testing.T) {
	srv := nodeServer(t, []uint64{5, 6, 7}, false)
	w := New(Config{URL: wsURL(srv)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []Head
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(h Head) {
			mu.Lock()
			got = append(got, h)
			n := len(got)
			mu.Unlock()
			if n == 3 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err, "cancellation is a clean exit")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	require.Len(t, got, 3)
	assert.Equal(t, uint64(5), got[0].Number)
	assert.Equal(t, "0xaaa", got[0].Author, "miner is used when author is absent")
	assert.Equal(t, uint64(1035), got[2].Timestamp)
	assert.Equal(t, "0xh7", got[2].Hash)
}

func TestRun_SubscribeRejected(t *testing.T) {
	srv := nodeServer(t, nil, true)
	err := New(Config{URL: wsURL(srv)}).Run(context.Background(), func(Head) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
}

func TestWaitFor_Subscription(t *testing.T) {
	srv := nodeServer(t, []uint64{8, 9, 10, 11}, false)
	w := New(Config{URL: wsURL(srv), Fallback: &fakeSource{heads: []uint64{3}}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	head, err := w.WaitFor(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), head)
}

func TestWaitFor_AlreadyReached(t *testing.T) {
	src := &fakeSource{heads: []uint64{42}}
	w := New(Config{URL: "ws://127.0.0.1:1", Fallback: src})

	head, err := w.WaitFor(context.Background(), 40)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), head)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestWaitFor_FallsBackToPolling(t *testing.T) {
	src := &fakeSource{heads: []uint64{1, 2, 3, 12}}
	w := New(Config{URL: "ws://127.0.0.1:1", Fallback: src, PollInterval: 5 * time.Millisecond, DialTimeout: 200 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	head, err := w.WaitFor(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), head)
}

func TestWaitFor_Cancelled(t *testing.T) {
	src := &fakeSource{heads: []uint64{1}}
	w := New(Config{Fallback: src, PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := w.WaitFor(ctx, 100)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitFor_NoSource(t *testing.T) {
	_, err := New(Config{}).WaitFor(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no head source"))
}

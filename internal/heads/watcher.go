// Package heads follows a node's chain head through an eth_subscribe
// newHeads subscription.
package heads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
)

// Head is one newHeads notification.
type Head struct {
	Number     uint64 `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Author     string `json:"author"`
	Timestamp  uint64 `json:"timestamp"`
}

// HeightSource reports the current head height. rpc.Client satisfies it.
type HeightSource interface {
	GetBlockNumber(ctx context.Context) (uint64, error)
}

// Config configures a Watcher.
type Config struct {
	URL          string        // ws:// endpoint
	Fallback     HeightSource  // polled when the subscription cannot be used
	PollInterval time.Duration // fallback poll interval
	DialTimeout  time.Duration
	Logger       *slog.Logger
}

// Watcher subscribes to new heads of one node.
type Watcher struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

// New creates a Watcher.
func New(cfg Config) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		logger: logger.With("ws", cfg.URL),
	}
}

// WSURL derives a websocket URL from an HTTP RPC URL.
func WSURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	}
	return httpURL
}

type subscribeRequest struct {
	JSONRPC string   `json:"jsonrpc"`
	ID      int      `json:"id"`
	Method  string   `json:"method"`
	Params  []string `json:"params"`
}

type message struct {
	ID     *int            `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Method string `json:"method"`
	Params *struct {
		Subscription string  `json:"subscription"`
		Result       rawHead `json:"result"`
	} `json:"params"`
}

type rawHead struct {
	Number     string `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Author     string `json:"author"`
	Miner      string `json:"miner"`
	Timestamp  string `json:"timestamp"`
}

func (r rawHead) decode() (Head, error) {
	number, err := hexutil.DecodeUint64(r.Number)
	if err != nil {
		return Head{}, fmt.Errorf("head number %q: %w", r.Number, err)
	}
	ts, err := hexutil.DecodeUint64(r.Timestamp)
	if err != nil {
		return Head{}, fmt.Errorf("head timestamp %q: %w", r.Timestamp, err)
	}
	author := r.Author
	if author == "" {
		author = r.Miner
	}
	return Head{
		Number:     number,
		Hash:       strings.ToLower(r.Hash),
		ParentHash: strings.ToLower(r.ParentHash),
		Author:     strings.ToLower(author),
		Timestamp:  ts,
	}, nil
}

// Run subscribes to newHeads and calls fn for every head until ctx is done
// or the connection fails. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context, fn func(Head)) error {
	conn, _, err := w.dialer.DialContext(ctx, w.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.cfg.URL, err)
	}

	var once sync.Once
	closeConn := func() { once.Do(func() { conn.Close() }) }
	defer closeConn()

	stop := context.AfterFunc(ctx, closeConn)
	defer stop()

	if err := conn.WriteJSON(subscribeRequest{JSONRPC: "2.0", ID: 1, Method: "eth_subscribe", Params: []string{"newHeads"}}); err != nil {
		return fmt.Errorf("subscribe newHeads: %w", err)
	}

	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read %s: %w", w.cfg.URL, err)
		}

		if msg.ID != nil {
			if msg.Error != nil {
				return fmt.Errorf("subscribe newHeads: %d %s", msg.Error.Code, msg.Error.Message)
			}
			w.logger.Debug("subscribed to newHeads", "subscription", string(msg.Result))
			continue
		}
		if msg.Method != "eth_subscription" || msg.Params == nil {
			continue
		}
		head, err := msg.Params.Result.decode()
		if err != nil {
			w.logger.Warn("skipping malformed head", "error", err)
			continue
		}
		fn(head)
	}
}

// errReached stops Run once the target height is seen.
var errReached = errors.New("height reached")

// WaitFor blocks until the node's head is at or beyond height. When the
// subscription fails and a Fallback is configured, it polls instead.
func (w *Watcher) WaitFor(ctx context.Context, height uint64) (uint64, error) {
	if w.cfg.Fallback != nil {
		if head, err := w.cfg.Fallback.GetBlockNumber(ctx); err == nil && head >= height {
			return head, nil
		}
	}

	if w.cfg.URL != "" {
		subCtx, cancel := context.WithCancelCause(ctx)
		var reached uint64
		err := w.Run(subCtx, func(h Head) {
			if h.Number >= height {
				reached = h.Number
				cancel(errReached)
			}
		})
		cause := context.Cause(subCtx)
		cancel(nil)
		if errors.Is(cause, errReached) {
			return reached, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err == nil {
			err = errors.New("subscription closed")
		}
		if w.cfg.Fallback == nil {
			return 0, err
		}
		w.logger.Warn("head subscription failed, polling", "error", err)
	}

	if w.cfg.Fallback == nil {
		return 0, errors.New("no head source configured")
	}
	return w.poll(ctx, height)
}

func (w *Watcher) poll(ctx context.Context, height uint64) (uint64, error) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		head, err := w.cfg.Fallback.GetBlockNumber(ctx)
		if err == nil && head >= height {
			return head, nil
		}
		if err != nil {
			w.logger.Debug("head poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingInterval   = 25 * time.Second
	wsBackoffInitial = time.Second
	wsBackoffMax     = 30 * time.Second
)

// PendingTxHandler receives the hash of each newly observed pending
// transaction. It must not block; slow consumers should buffer internally.
type PendingTxHandler func(hash common.Hash)

// MempoolFeed maintains a websocket JSON-RPC subscription to
// newPendingTransactions and forwards hashes to a handler, reconnecting
// with capped exponential backoff on failure.
type MempoolFeed struct {
	url     string
	handler PendingTxHandler
	logger  *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}
}

// NewMempoolFeed builds a feed; Run starts it.
func NewMempoolFeed(wsURL string, handler PendingTxHandler, logger *slog.Logger) *MempoolFeed {
	return &MempoolFeed{
		url:     wsURL,
		handler: handler,
		logger:  logger.With(slog.String("component", "mempool_feed")),
		done:    make(chan struct{}),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcMessage struct {
	ID     int             `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Run connects and pumps messages until ctx is cancelled. Connection
// failures are retried; Run returns only on cancellation.
func (f *MempoolFeed) Run(ctx context.Context) error {
	defer close(f.done)

	backoff := wsBackoffInitial
	for {
		if err := f.connectAndPump(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("mempool connection lost, retrying",
				slog.Any("error", err),
				slog.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > wsBackoffMax {
				backoff = wsBackoffMax
			}
			continue
		}
		backoff = wsBackoffInitial
	}
}

func (f *MempoolFeed) connectAndPump(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	sub := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "eth_subscribe", Params: []any{"newPendingTransactions"}}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	// Ping loop keeps intermediaries from idling the connection out.
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go f.pingLoop(pingCtx, conn)

	// Close the socket on cancellation so ReadMessage unblocks.
	go func() {
		<-pingCtx.Done()
		conn.Close()
	}()

	f.logger.Info("mempool subscription established", slog.String("url", f.url))

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var msg rpcMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			f.logger.Debug("unparseable frame", slog.Any("error", err))
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("rpc error %d: %s", msg.Error.Code, msg.Error.Message)
		}
		if msg.Params == nil {
			// Subscription confirmation or other control reply.
			continue
		}

		var hash common.Hash
		if err := json.Unmarshal(msg.Params.Result, &hash); err != nil {
			continue
		}
		f.handler(hash)
	}
}

func (f *MempoolFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

package chain

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sethvargo/go-retry"
)

// Client captures the subset of ethclient used by the transports.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// Dialer opens a Client for an RPC endpoint.
type Dialer func(ctx context.Context, rawURL string) (Client, error)

// DialEthclient dials rawURL with go-ethereum. ws(s) endpoints get a
// persistent connection, http(s) endpoints a plain JSON-RPC client.
func DialEthclient(ctx context.Context, rawURL string) (Client, error) {
	c, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return c, nil
}

// CursorStore persists per-chain positions so transports resume after
// restart. Connections only read it; writes follow checkpoints.
type CursorStore interface {
	GetCursor(ctx context.Context, chain string) (height uint64, hash string, ok bool, err error)
	UpsertCursor(ctx context.Context, chain string, height uint64, hash string) error
}

// Backoff bounds reconnect delays. MaxAttempts caps dials per outage; zero
// retries forever.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultBackoff mirrors the config defaults.
var DefaultBackoff = Backoff{
	Initial:    time.Second,
	Max:        time.Minute,
	Multiplier: 2,
}

// Delay returns the wait before the given 1-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		d *= mult
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// policy adapts b to a go-retry backoff for the dials after the first one,
// which reconnect makes after waiting Delay(1).
func (b Backoff) policy() retry.Backoff {
	attempt := 1
	var p retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return b.Delay(attempt), false
	})
	if b.Max > 0 {
		p = retry.WithCappedDuration(b.Max, p)
	}
	if b.MaxAttempts > 0 {
		p = retry.WithMaxRetries(uint64(b.MaxAttempts-1), p)
	}
	return p
}

// resolveStartHeight maps start_block onto a height. Empty and "latest" mean
// the current safe head; "latest-N" counts back from it.
func resolveStartHeight(start string, safeHeight uint64) (uint64, error) {
	start = strings.TrimSpace(start)
	if start == "" || start == "latest" {
		return safeHeight, nil
	}
	if strings.HasPrefix(start, "latest-") {
		offsetStr := strings.TrimPrefix(start, "latest-")
		n, err := strconv.ParseUint(offsetStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse start_block %q: %w", start, err)
		}
		if n > safeHeight {
			return 0, nil
		}
		return safeHeight - n, nil
	}

	n, err := strconv.ParseUint(start, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse start_block %q: %w", start, err)
	}
	return n, nil
}

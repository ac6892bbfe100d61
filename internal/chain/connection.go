package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/devblac/intent-indexer/internal/config"
	"github.com/devblac/intent-indexer/internal/metrics"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sethvargo/go-retry"
)

// Handler receives raw logs for one registered event, in (block, index) order.
type Handler func(ctx context.Context, lg types.Log)

// Checkpoint marks every log of Chain at or below Height as dispatched.
type Checkpoint struct {
	Chain  string
	Height uint64
	Hash   string
}

// CheckpointFunc is called after the logs a checkpoint covers were handed to
// their handlers, on the same goroutine.
type CheckpointFunc func(ctx context.Context, cp Checkpoint)

// reorgRewind is how far polling steps back when the cursor hash no longer
// matches the canonical chain.
const reorgRewind = 12

var errClosed = errors.New("connection closed")

// Options configure connections built by a Manager.
type Options struct {
	Dialer         Dialer
	Cursors        CursorStore
	Backoff        Backoff
	ConnectTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = DialEthclient
	}
	if o.Backoff.Initial <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

type registration struct {
	name string
	fn   Handler
}

// Connection is the live session with one chain's settler contract.
type Connection struct {
	cfg      config.Chain
	opts     Options
	contract common.Address
	log      *slog.Logger

	mu       sync.Mutex
	client   Client
	handlers map[common.Hash]registration
	onCheck  CheckpointFunc
	closed   bool
	// downErr is set once reconnects are exhausted.
	downErr error
	// delivered is the highest block whose logs were all handed to handlers.
	delivered    uint64
	hasDelivered bool
	lastHash     string

	done   chan struct{}
	onDown func()
}

func newConnection(cfg config.Chain, opts Options) *Connection {
	return &Connection{
		cfg:      cfg,
		opts:     opts,
		contract: common.HexToAddress(cfg.ContractAddress),
		log:      opts.Logger.With("chain", cfg.Name),
		handlers: map[common.Hash]registration{},
	}
}

// Name returns the configured chain name.
func (c *Connection) Name() string { return c.cfg.Name }

// Streaming reports whether the connection uses push subscriptions.
func (c *Connection) Streaming() bool { return c.cfg.Streaming() }

// connect dials the endpoint and verifies it serves the configured chain.
func (c *Connection) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	client, err := c.opts.Dialer(ctx, c.cfg.RPCURL)
	if err != nil {
		return err
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("chain id: %w", err)
	}
	if id.Uint64() != c.cfg.ChainID {
		client.Close()
		return fmt.Errorf("endpoint serves chain id %s, expected %d", id.String(), c.cfg.ChainID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		client.Close()
		return errClosed
	}
	if c.client != nil {
		c.client.Close()
	}
	c.client = client
	return nil
}

func (c *Connection) currentClient() (Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.client == nil {
		return nil, errClosed
	}
	return c.client, nil
}

// Subscribe routes logs whose first topic equals topic to h.
func (c *Connection) Subscribe(eventName string, topic common.Hash, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	if existing, ok := c.handlers[topic]; ok {
		return fmt.Errorf("event %s already subscribed as %s", eventName, existing.name)
	}
	c.handlers[topic] = registration{name: eventName, fn: h}
	return nil
}

// Unsubscribe removes the handler registered for eventName.
func (c *Connection) Unsubscribe(eventName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, reg := range c.handlers {
		if reg.name == eventName {
			delete(c.handlers, topic)
		}
	}
}

// UnsubscribeAll drops every handler and the checkpoint hook.
func (c *Connection) UnsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = map[common.Hash]registration{}
	c.onCheck = nil
}

// OnCheckpoint sets the hook told about dispatched heights. Nil clears it.
// Positions are only persisted through this hook.
func (c *Connection) OnCheckpoint(fn CheckpointFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCheck = fn
}

// Subscriptions lists registered event names.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.handlers))
	for _, reg := range c.handlers {
		out = append(out, reg.name)
	}
	sort.Strings(out)
	return out
}

// Down returns the error that stopped the transport for good, or nil.
func (c *Connection) Down() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downErr
}

// Ping asks the endpoint for its head block.
func (c *Connection) Ping(ctx context.Context) error {
	if err := c.Down(); err != nil {
		return fmt.Errorf("chain %s: transport down: %w", c.cfg.Name, err)
	}
	client, err := c.currentClient()
	if err != nil {
		return fmt.Errorf("chain %s: %w", c.cfg.Name, err)
	}
	if _, err := client.BlockNumber(ctx); err != nil {
		return fmt.Errorf("chain %s: %w", c.cfg.Name, err)
	}
	return nil
}

// Close releases the client. Safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.handlers = map[common.Hash]registration{}
	c.onCheck = nil
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// Delivered returns the highest fully delivered block.
func (c *Connection) Delivered() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered, c.hasDelivered
}

// run drives the transport until ctx ends or reconnects are exhausted.
func (c *Connection) run(ctx context.Context) {
	defer close(c.done)
	for {
		var err error
		if c.Streaming() {
			err = c.stream(ctx)
		} else {
			err = c.poll(ctx)
		}
		if ctx.Err() != nil || errors.Is(err, errClosed) {
			return
		}
		c.log.Warn("transport interrupted", "err", err)
		if err := c.reconnect(ctx); err != nil {
			if ctx.Err() == nil && !errors.Is(err, errClosed) {
				c.markDown(err)
			}
			return
		}
	}
}

func (c *Connection) markDown(err error) {
	c.mu.Lock()
	c.downErr = err
	onDown := c.onDown
	c.mu.Unlock()
	if onDown != nil {
		onDown()
	}
}

// reconnect redials with bounded exponential backoff. It fails when ctx
// ends, the connection is closed or attempts run out.
func (c *Connection) reconnect(ctx context.Context) error {
	t := time.NewTimer(c.opts.Backoff.Delay(1))
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.C:
	}

	attempt := 0
	err := retry.Do(ctx, c.opts.Backoff.policy(), func(ctx context.Context) error {
		attempt++
		c.opts.Metrics.Reconnect(c.cfg.Name)
		err := c.connect(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errClosed):
			return err
		default:
			c.log.Warn("reconnect failed", "attempt", attempt, "err", err)
			return retry.RetryableError(err)
		}
	})
	if err == nil {
		c.log.Info("reconnected", "attempt", attempt)
		return nil
	}
	if ctx.Err() == nil && !errors.Is(err, errClosed) {
		c.log.Error("giving up on chain", "attempts", attempt, "err", err)
	}
	return err
}

// stream subscribes first, then back-fills any gap since the last delivered
// block, then forwards live logs. Overlap is absorbed downstream.
func (c *Connection) stream(ctx context.Context) error {
	client, err := c.currentClient()
	if err != nil {
		return err
	}

	logs := make(chan types.Log, 128)
	sub, err := client.SubscribeFilterLogs(ctx, c.query(nil, nil), logs)
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}
	defer sub.Unsubscribe()

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("head block: %w", err)
	}
	from, ok, err := c.nextFrom(ctx, head)
	if err != nil {
		return err
	}
	if ok {
		if err := c.backfill(ctx, client, from, head); err != nil {
			return err
		}
	} else {
		// Starting live: anchor at head so a drop before the first log backfills.
		c.advance(ctx, head, "")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return err
		case lg := <-logs:
			c.dispatch(ctx, lg)
			if lg.BlockNumber > 0 {
				c.advance(ctx, lg.BlockNumber-1, "")
			}
		}
	}
}

// poll walks confirmed blocks in ranges of at most max_block_range.
func (c *Connection) poll(ctx context.Context) error {
	interval := c.cfg.PollInterval.Std()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		if err := c.pollOnce(ctx); err != nil {
			return err
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Connection) pollOnce(ctx context.Context) error {
	client, err := c.currentClient()
	if err != nil {
		return err
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("head block: %w", err)
	}
	if c.cfg.Confirmations > head {
		return nil
	}
	safe := head - c.cfg.Confirmations

	from, ok, err := c.nextFrom(ctx, safe)
	if err != nil || !ok {
		return err
	}
	from, err = c.checkReorg(ctx, client, from)
	if err != nil {
		return err
	}
	return c.backfill(ctx, client, from, safe)
}

// nextFrom picks the first block to read: after the in-memory position, then
// after the persisted cursor, then start_block. Streaming without either
// starts live.
func (c *Connection) nextFrom(ctx context.Context, safe uint64) (uint64, bool, error) {
	c.mu.Lock()
	delivered, has := c.delivered, c.hasDelivered
	c.mu.Unlock()
	if has {
		return delivered + 1, true, nil
	}

	if c.opts.Cursors != nil {
		height, hash, ok, err := c.opts.Cursors.GetCursor(ctx, c.cfg.Name)
		if err != nil {
			return 0, false, fmt.Errorf("load cursor: %w", err)
		}
		if ok {
			c.mu.Lock()
			c.delivered, c.hasDelivered, c.lastHash = height, true, hash
			c.mu.Unlock()
			return height + 1, true, nil
		}
	}

	if c.Streaming() && c.cfg.StartBlock == "" {
		return 0, false, nil
	}
	start, err := resolveStartHeight(c.cfg.StartBlock, safe)
	if err != nil {
		return 0, false, err
	}
	return start, true, nil
}

// checkReorg compares the parent of from with the stored cursor hash and
// rewinds when they differ.
func (c *Connection) checkReorg(ctx context.Context, client Client, from uint64) (uint64, error) {
	c.mu.Lock()
	hash := c.lastHash
	c.mu.Unlock()
	if hash == "" || from == 0 {
		return from, nil
	}
	header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(from-1))
	if err != nil {
		return 0, fmt.Errorf("header %d: %w", from-1, err)
	}
	if header.Hash().Hex() == hash {
		return from, nil
	}
	rewind := uint64(reorgRewind)
	if rewind > from {
		rewind = from
	}
	c.log.Warn("reorg detected, rewinding", "height", from-1, "rewind", rewind)
	c.mu.Lock()
	c.lastHash = ""
	c.mu.Unlock()
	return from - rewind, nil
}

// backfill reads [from, to] in chunks and dispatches in order.
func (c *Connection) backfill(ctx context.Context, client Client, from, to uint64) error {
	step := c.cfg.MaxBlockRange
	if step == 0 {
		step = 2000
	}
	for from <= to {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := from + step - 1
		if end > to {
			end = to
		}
		logs, err := client.FilterLogs(ctx, c.query(new(big.Int).SetUint64(from), new(big.Int).SetUint64(end)))
		if err != nil {
			return fmt.Errorf("filter logs %d-%d: %w", from, end, err)
		}
		sort.SliceStable(logs, func(i, j int) bool {
			if logs[i].BlockNumber != logs[j].BlockNumber {
				return logs[i].BlockNumber < logs[j].BlockNumber
			}
			return logs[i].Index < logs[j].Index
		})
		for _, lg := range logs {
			c.dispatch(ctx, lg)
		}

		hash := ""
		if header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(end)); err == nil {
			hash = header.Hash().Hex()
		}
		c.advance(ctx, end, hash)
		from = end + 1
	}
	return nil
}

func (c *Connection) query(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{c.contract},
	}
}

func (c *Connection) dispatch(ctx context.Context, lg types.Log) {
	if lg.Removed {
		c.log.Debug("skipping removed log", "tx", lg.TxHash.Hex(), "block", lg.BlockNumber)
		return
	}
	if len(lg.Topics) == 0 {
		return
	}
	c.mu.Lock()
	reg, ok := c.handlers[lg.Topics[0]]
	c.mu.Unlock()
	if !ok {
		return
	}
	reg.fn(ctx, lg)
}

// advance records height as fully delivered and reports the checkpoint.
func (c *Connection) advance(ctx context.Context, height uint64, hash string) {
	c.mu.Lock()
	if c.hasDelivered && height <= c.delivered {
		c.mu.Unlock()
		return
	}
	c.delivered, c.hasDelivered, c.lastHash = height, true, hash
	onCheck := c.onCheck
	c.mu.Unlock()

	c.opts.Metrics.LastBlock(c.cfg.Name, height)
	if onCheck != nil {
		onCheck(ctx, Checkpoint{Chain: c.cfg.Name, Height: height, Hash: hash})
	}
}

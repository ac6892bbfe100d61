package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/devblac/intent-indexer/internal/config"
	"github.com/devblac/intent-indexer/internal/intent"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	settler    = common.HexToAddress("0xB0B07055F214Ce59ccb968663d3435B9f3294998")
	openTopic  = common.HexToHash("0x01")
	otherTopic = common.HexToHash("0x02")
)

// fakeChain is the node state shared by every client dialed against it.
type fakeChain struct {
	mu       sync.Mutex
	id       uint64
	head     uint64
	logs     []types.Log
	dialErr  error
	clients  []*fakeClient
	subs     []*fakeSub
	filtered [][2]uint64
}

func (f *fakeChain) setHead(h uint64) {
	f.mu.Lock()
	f.head = h
	f.mu.Unlock()
}

func (f *fakeChain) latestSub() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

func (f *fakeChain) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type fakeClient struct {
	chain  *fakeChain
	mu     sync.Mutex
	closed bool
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(c.chain.id), nil
}

func (c *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	c.chain.mu.Lock()
	defer c.chain.mu.Unlock()
	return c.chain.head, nil
}

func (c *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	n := number
	if n == nil {
		h, _ := c.BlockNumber(ctx)
		n = new(big.Int).SetUint64(h)
	}
	return &types.Header{Number: new(big.Int).Set(n), Difficulty: big.NewInt(0), Extra: []byte(n.String())}, nil
}

func (c *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.chain.mu.Lock()
	defer c.chain.mu.Unlock()
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	c.chain.filtered = append(c.chain.filtered, [2]uint64{from, to})
	out := []types.Log{}
	for _, lg := range c.chain.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (c *fakeClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	sub := &fakeSub{ch: ch, errc: make(chan error, 1)}
	c.chain.mu.Lock()
	c.chain.subs = append(c.chain.subs, sub)
	c.chain.mu.Unlock()
	return sub, nil
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

type fakeSub struct {
	ch   chan<- types.Log
	errc chan error
	once sync.Once
}

func (s *fakeSub) Unsubscribe() { s.once.Do(func() { close(s.errc) }) }

func (s *fakeSub) Err() <-chan error { return s.errc }

func dialer(chains map[string]*fakeChain) Dialer {
	return func(ctx context.Context, rawURL string) (Client, error) {
		fc, ok := chains[rawURL]
		if !ok {
			return nil, fmt.Errorf("no route to %s", rawURL)
		}
		fc.mu.Lock()
		defer fc.mu.Unlock()
		if fc.dialErr != nil {
			return nil, fc.dialErr
		}
		c := &fakeClient{chain: fc}
		fc.clients = append(fc.clients, c)
		return c, nil
	}
}

type memCursors struct {
	mu      sync.Mutex
	heights map[string]uint64
}

func (m *memCursors) GetCursor(ctx context.Context, chain string) (uint64, string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.heights[chain]
	return h, "", ok, nil
}

func (m *memCursors) UpsertCursor(ctx context.Context, chain string, height uint64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heights[chain] = height
	return nil
}

func (m *memCursors) checkpoint(ctx context.Context, cp Checkpoint) {
	_ = m.UpsertCursor(ctx, cp.Chain, cp.Height, cp.Hash)
}

func (m *memCursors) get(chain string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heights[chain]
}

type recorder struct {
	mu  sync.Mutex
	txs []common.Hash
}

func (r *recorder) handle(ctx context.Context, lg types.Log) {
	r.mu.Lock()
	r.txs = append(r.txs, lg.TxHash)
	r.mu.Unlock()
}

func (r *recorder) seen() []common.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]common.Hash(nil), r.txs...)
}

func mkLog(topic common.Hash, block uint64, index uint, tx byte) types.Log {
	return types.Log{
		Address:     settler,
		Topics:      []common.Hash{topic},
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BytesToHash([]byte{tx}),
	}
}

func chainCfg(name string, id uint64, url string) config.Chain {
	return config.Chain{
		Name:            name,
		ChainID:         id,
		RPCURL:          url,
		ContractAddress: settler.Hex(),
		PollInterval:    config.Duration(10 * time.Millisecond),
		MaxBlockRange:   3,
	}
}

func fastOptions(chains map[string]*fakeChain) Options {
	return Options{
		Dialer:  dialer(chains),
		Backoff: Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestResolveStartHeight(t *testing.T) {
	tests := []struct {
		start string
		want  uint64
		err   bool
	}{
		{"", 100, false},
		{"latest", 100, false},
		{"latest-10", 90, false},
		{"latest-500", 0, false},
		{"42", 42, false},
		{"latest-x", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := resolveStartHeight(tt.start, 100)
		if tt.err {
			assert.Error(t, err, tt.start)
			continue
		}
		require.NoError(t, err, tt.start)
		assert.Equal(t, tt.want, got, tt.start)
	}
}

func TestInitializePartialConnectivity(t *testing.T) {
	chains := map[string]*fakeChain{
		"wss://arb": {id: 42161},
		"wss://base": {id: 8453, dialErr: errors.New("connection refused")},
	}
	m := NewManager(fastOptions(chains))

	res, err := m.Initialize(context.Background(), []config.Chain{
		chainCfg("Arbitrum", 42161, "wss://arb"),
		chainCfg("Base", 8453, "wss://base"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ConnectedChains())
	assert.Equal(t, 1, res.FailedChains())
	assert.Equal(t, []string{"Arbitrum"}, res.Connected)
	assert.Contains(t, res.Failed, "Base")
	require.Len(t, m.Connections(), 1)

	_, ok := m.Connection("Base")
	assert.False(t, ok)
	require.NoError(t, m.Stop(context.Background()))
}

func TestInitializeTotalFailure(t *testing.T) {
	chains := map[string]*fakeChain{
		"wss://arb": {id: 42161, dialErr: errors.New("timeout")},
	}
	m := NewManager(fastOptions(chains))

	res, err := m.Initialize(context.Background(), []config.Chain{
		chainCfg("Arbitrum", 42161, "wss://arb"),
		chainCfg("Base", 8453, "wss://missing"),
	})
	var cerr *intent.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.Total)
	assert.Equal(t, 0, res.ConnectedChains())
	assert.Equal(t, 2, res.FailedChains())
	assert.ErrorIs(t, m.Start(context.Background()), intent.ErrNotReady)
}

func TestInitializeRejectsWrongChainID(t *testing.T) {
	fc := &fakeChain{id: 1}
	m := NewManager(fastOptions(map[string]*fakeChain{"https://arb": fc}))

	res, err := m.Initialize(context.Background(), []config.Chain{chainCfg("Arbitrum", 42161, "https://arb")})
	require.Error(t, err)
	assert.Contains(t, res.Failed["Arbitrum"].Error(), "expected 42161")
	require.Len(t, fc.clients, 1)
	assert.True(t, fc.clients[0].isClosed())
}

func TestPollDeliversInOrderAndPersistsCursor(t *testing.T) {
	fc := &fakeChain{id: 8453, head: 10, logs: []types.Log{
		mkLog(openTopic, 2, 1, 0x02),
		mkLog(openTopic, 2, 0, 0x01),
		func() types.Log { l := mkLog(openTopic, 4, 0, 0x03); l.Removed = true; return l }(),
		mkLog(otherTopic, 5, 0, 0x04),
		mkLog(openTopic, 7, 0, 0x05),
		mkLog(openTopic, 9, 0, 0x06),
	}}
	cursors := &memCursors{heights: map[string]uint64{}}
	opts := fastOptions(map[string]*fakeChain{"https://base": fc})
	opts.Cursors = cursors
	m := NewManager(opts)

	cfg := chainCfg("Base", 8453, "https://base")
	cfg.StartBlock = "0"
	cfg.Confirmations = 2
	_, err := m.Initialize(context.Background(), []config.Chain{cfg})
	require.NoError(t, err)

	conn, ok := m.Connection("Base")
	require.True(t, ok)
	rec := &recorder{}
	require.NoError(t, conn.Subscribe("CrossChainOrderOpened", openTopic, rec.handle))
	assert.Error(t, conn.Subscribe("Duplicate", openTopic, rec.handle))
	assert.Equal(t, []string{"CrossChainOrderOpened"}, conn.Subscriptions())
	conn.OnCheckpoint(cursors.checkpoint)

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool {
		h, ok := conn.Delivered()
		return ok && h == 8
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop(context.Background()))

	want := []common.Hash{
		common.BytesToHash([]byte{0x01}),
		common.BytesToHash([]byte{0x02}),
		common.BytesToHash([]byte{0x05}),
	}
	assert.Equal(t, want, rec.seen())
	assert.Equal(t, uint64(8), cursors.get("Base"))

	fc.mu.Lock()
	first := fc.filtered[0]
	fc.mu.Unlock()
	assert.Equal(t, [2]uint64{0, 2}, first)
}

func TestPollResumesFromCursor(t *testing.T) {
	fc := &fakeChain{id: 8453, head: 7}
	cursors := &memCursors{heights: map[string]uint64{"Base": 5}}
	opts := fastOptions(map[string]*fakeChain{"http://base": fc})
	opts.Cursors = cursors
	m := NewManager(opts)

	_, err := m.Initialize(context.Background(), []config.Chain{chainCfg("Base", 8453, "http://base")})
	require.NoError(t, err)
	conn, _ := m.Connection("Base")
	conn.OnCheckpoint(cursors.checkpoint)
	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return cursors.get("Base") == 7 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop(context.Background()))

	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.NotEmpty(t, fc.filtered)
	assert.Equal(t, [2]uint64{6, 7}, fc.filtered[0])
}

func TestStreamReconnectsAndBackfills(t *testing.T) {
	fc := &fakeChain{id: 42161, head: 5, logs: []types.Log{
		mkLog(openTopic, 6, 0, 0x06),
		mkLog(openTopic, 7, 0, 0x07),
	}}
	m := NewManager(fastOptions(map[string]*fakeChain{"wss://arb": fc}))
	_, err := m.Initialize(context.Background(), []config.Chain{chainCfg("Arbitrum", 42161, "wss://arb")})
	require.NoError(t, err)

	conn, _ := m.Connection("Arbitrum")
	assert.True(t, conn.Streaming())
	rec := &recorder{}
	require.NoError(t, conn.Subscribe("CrossChainOrderOpened", openTopic, rec.handle))
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool { return fc.latestSub() != nil }, 2*time.Second, 5*time.Millisecond)
	fc.latestSub().ch <- mkLog(openTopic, 6, 0, 0x06)
	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// Block 7 lands while the socket is down.
	fc.setHead(7)
	fc.latestSub().errc <- errors.New("websocket: close 1006")

	require.Eventually(t, func() bool {
		h, ok := conn.Delivered()
		return ok && h == 7
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop(context.Background()))

	assert.Equal(t, 2, fc.subCount())
	seen := rec.seen()
	assert.Contains(t, seen, common.BytesToHash([]byte{0x07}))
	assert.Equal(t, common.BytesToHash([]byte{0x06}), seen[0])
	require.Len(t, fc.clients, 2)
	assert.True(t, fc.clients[0].isClosed())
}

func TestStreamStartingLiveBackfillsOutage(t *testing.T) {
	fc := &fakeChain{id: 42161, head: 5, logs: []types.Log{
		mkLog(openTopic, 7, 0, 0x07),
	}}
	cursors := &memCursors{heights: map[string]uint64{}}
	m := NewManager(fastOptions(map[string]*fakeChain{"wss://arb": fc}))
	_, err := m.Initialize(context.Background(), []config.Chain{chainCfg("Arbitrum", 42161, "wss://arb")})
	require.NoError(t, err)

	conn, _ := m.Connection("Arbitrum")
	rec := &recorder{}
	require.NoError(t, conn.Subscribe("CrossChainOrderOpened", openTopic, rec.handle))
	conn.OnCheckpoint(cursors.checkpoint)
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool {
		h, ok := conn.Delivered()
		return ok && h == 5 && fc.latestSub() != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(5), cursors.get("Arbitrum"))

	// No live log arrived before the drop; block 7 lands during the outage.
	fc.setHead(7)
	fc.latestSub().errc <- errors.New("websocket: close 1006")

	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop(context.Background()))

	assert.Equal(t, common.BytesToHash([]byte{0x07}), rec.seen()[0])
	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.NotEmpty(t, fc.filtered)
	assert.Equal(t, [2]uint64{6, 7}, fc.filtered[0])
}

func TestStopClosesEverything(t *testing.T) {
	arb := &fakeChain{id: 42161, head: 1}
	base := &fakeChain{id: 8453, head: 1}
	m := NewManager(fastOptions(map[string]*fakeChain{"wss://arb": arb, "https://base": base}))
	_, err := m.Initialize(context.Background(), []config.Chain{
		chainCfg("Arbitrum", 42161, "wss://arb"),
		chainCfg("Base", 8453, "https://base"),
	})
	require.NoError(t, err)
	conns := m.Connections()
	for _, c := range conns {
		require.NoError(t, c.Subscribe("CrossChainOrderOpened", openTopic, func(context.Context, types.Log) {}))
	}
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Ping(context.Background()))

	require.NoError(t, m.Stop(context.Background()))
	assert.Empty(t, m.Connections())
	for _, c := range conns {
		assert.Empty(t, c.Subscriptions())
		assert.Error(t, c.Subscribe("CrossChainOrderOpened", openTopic, nil))
		assert.Error(t, c.Ping(context.Background()))
	}
	assert.True(t, arb.clients[0].isClosed())
	assert.True(t, base.clients[0].isClosed())

	require.NoError(t, m.Stop(context.Background()))
}

func TestBackoffPolicyBounded(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Max: 30 * time.Millisecond, Multiplier: 2, MaxAttempts: 3}
	p := b.policy()

	d, stop := p.Next()
	assert.False(t, stop)
	assert.Equal(t, 20*time.Millisecond, d)
	d, stop = p.Next()
	assert.False(t, stop)
	assert.Equal(t, 30*time.Millisecond, d)
	_, stop = p.Next()
	assert.True(t, stop)
}

func TestReconnectGivesUp(t *testing.T) {
	fc := &fakeChain{id: 42161, head: 1}
	opts := fastOptions(map[string]*fakeChain{"wss://arb": fc})
	opts.Backoff.MaxAttempts = 2
	m := NewManager(opts)
	_, err := m.Initialize(context.Background(), []config.Chain{chainCfg("Arbitrum", 42161, "wss://arb")})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	conn, _ := m.Connection("Arbitrum")

	require.Eventually(t, func() bool { return fc.latestSub() != nil }, 2*time.Second, 5*time.Millisecond)
	fc.mu.Lock()
	fc.dialErr = errors.New("connection refused")
	fc.mu.Unlock()
	fc.latestSub().errc <- errors.New("websocket: close 1006")

	select {
	case <-conn.done:
	case <-time.After(2 * time.Second):
		t.Fatal("transport kept retrying past max attempts")
	}
	require.Error(t, conn.Down())
	err = m.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport down")
	require.NoError(t, m.Stop(context.Background()))
}

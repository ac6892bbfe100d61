package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/devblac/intent-indexer/internal/config"
	"github.com/devblac/intent-indexer/internal/intent"
	"golang.org/x/sync/errgroup"
)

// Result reports which chains connected during Initialize.
type Result struct {
	Connected []string
	Failed    map[string]error
}

// ConnectedChains is the number of chains that connected.
func (r Result) ConnectedChains() int { return len(r.Connected) }

// FailedChains is the number of chains that failed to connect.
func (r Result) FailedChains() int { return len(r.Failed) }

// Manager owns one Connection per configured chain.
type Manager struct {
	opts Options

	mu        sync.Mutex
	conns     []*Connection
	runCancel context.CancelFunc
}

// NewManager builds a manager; zero-valued options get defaults.
func NewManager(opts Options) *Manager {
	return &Manager{opts: opts.withDefaults()}
}

// Initialize connects to every chain concurrently. Chains that fail are
// reported in the result and skipped; only a total failure is an error.
func (m *Manager) Initialize(ctx context.Context, chains []config.Chain) (Result, error) {
	res := Result{Failed: map[string]error{}}
	conns := make([]*Connection, len(chains))
	errs := make([]error, len(chains))

	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range chains {
		i, ch := i, ch
		g.Go(func() error {
			conn := newConnection(ch, m.opts)
			if err := conn.connect(gctx); err != nil {
				errs[i] = err
				return nil
			}
			conns[i] = conn
			return nil
		})
	}
	_ = g.Wait()

	live := make([]*Connection, 0, len(chains))
	var joined []error
	for i, ch := range chains {
		if errs[i] != nil {
			m.opts.Logger.Warn("chain connection failed", "chain", ch.Name, "rpc", ch.RPCURL, "err", errs[i])
			res.Failed[ch.Name] = errs[i]
			joined = append(joined, fmt.Errorf("%s: %w", ch.Name, errs[i]))
			continue
		}
		m.opts.Logger.Info("chain connected", "chain", ch.Name, "chain_id", ch.ChainID, "streaming", ch.Streaming())
		res.Connected = append(res.Connected, ch.Name)
		live = append(live, conns[i])
	}

	m.mu.Lock()
	m.conns = live
	m.mu.Unlock()
	m.opts.Metrics.ConnectedChains(len(live))

	if len(live) == 0 {
		return res, &intent.ConnectionError{Chain: "*", Total: true, Err: errors.Join(joined...)}
	}
	return res, nil
}

// Connections returns the live connections in configuration order.
func (m *Manager) Connections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, len(m.conns))
	copy(out, m.conns)
	return out
}

// Connection looks up a live connection by chain name.
func (m *Manager) Connection(name string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// Start launches the transport loop of every connection. The loops outlive
// ctx's cancellation and stop only through Stop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCancel != nil {
		return nil
	}
	if len(m.conns) == 0 {
		return intent.ErrNotReady
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.runCancel = cancel
	for _, c := range m.conns {
		c.done = make(chan struct{})
		c.onDown = m.refreshGauge
		go c.run(runCtx)
	}
	return nil
}

// refreshGauge counts connections whose transport is still alive.
func (m *Manager) refreshGauge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := 0
	for _, c := range m.conns {
		if c.Down() == nil {
			live++
		}
	}
	m.opts.Metrics.ConnectedChains(live)
}

// Stop unsubscribes all handlers, stops the transport loops and closes every
// connection. Each connection is released even when another fails.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	conns := m.conns
	cancel := m.runCancel
	m.conns = nil
	m.runCancel = nil
	m.mu.Unlock()

	for _, c := range conns {
		c.UnsubscribeAll()
	}
	if cancel != nil {
		cancel()
	}

	var errs []error
	for _, c := range conns {
		if c.done != nil {
			select {
			case <-c.done:
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("chain %s: transport did not stop: %w", c.Name(), ctx.Err()))
			}
		}
		c.Close()
	}
	m.opts.Metrics.ConnectedChains(0)
	return errors.Join(errs...)
}

// Ping checks every live connection and returns the last failure.
func (m *Manager) Ping(ctx context.Context) error {
	var lastErr error
	for _, c := range m.Connections() {
		if err := c.Ping(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

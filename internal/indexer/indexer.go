package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devblac/intent-indexer/internal/chain"
	"github.com/devblac/intent-indexer/internal/config"
	"github.com/devblac/intent-indexer/internal/intent"
	"github.com/devblac/intent-indexer/internal/metrics"
	"github.com/devblac/intent-indexer/internal/normalizer"
	"github.com/devblac/intent-indexer/internal/subscriber"
	"github.com/devblac/intent-indexer/internal/writer"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// State is the controller lifecycle phase.
type State int32

const (
	StateStopped State = iota
	StateInitializing
	StateReady
	StateFailed
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Store is what the controller needs from persistence.
type Store interface {
	writer.Store
	chain.CursorStore
}

// Options carry collaborators; nil fields get defaults.
type Options struct {
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Dialer    chain.Dialer
	OnAnomaly writer.AnomalyFunc
}

// Controller owns the indexing lifecycle for every configured chain.
type Controller struct {
	cfg     *config.Config
	store   Store
	manager *chain.Manager
	writer  *writer.Writer
	log     *slog.Logger
	metrics *metrics.Metrics

	// mu serializes lifecycle operations; state is readable without it.
	mu       sync.Mutex
	state    atomic.Int32
	decoders map[string]*subscriber.Decoder
	run      *runState
}

type runState struct {
	subs   []*subscriber.Subscriber
	group  *errgroup.Group
	cancel context.CancelFunc
	drain  chan struct{}
}

// New builds a stopped controller.
func New(cfg *config.Config, store Store, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	g := cfg.Global
	manager := chain.NewManager(chain.Options{
		Dialer:  opts.Dialer,
		Cursors: store,
		Backoff: chain.Backoff{
			Initial:     g.Backoff.Initial.Std(),
			Max:         g.Backoff.Max.Std(),
			Multiplier:  g.Backoff.Multiplier,
			MaxAttempts: g.Backoff.MaxAttempts,
		},
		ConnectTimeout: g.ConnectTimeout.Std(),
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
	})
	w := writer.New(store, normalizer.New(g.Protocol, g.IntentType), writer.Options{
		MaxAttempts: g.MaxWriteAttempts,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
		OnAnomaly:   opts.OnAnomaly,
	})
	return &Controller{
		cfg:     cfg,
		store:   store,
		manager: manager,
		writer:  w,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
}

// State returns the current lifecycle phase.
func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.log.Debug("indexer state", "from", prev.String(), "to", s.String())
	}
}

// Initialize loads ABIs and connects every chain. Partial connectivity is
// logged and tolerated; the controller fails only when no chain connects.
func (c *Controller) Initialize(ctx context.Context) (chain.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch st := c.State(); st {
	case StateStopped, StateFailed:
	default:
		return chain.Result{}, fmt.Errorf("initialize: indexer is %s", st)
	}
	c.setState(StateInitializing)

	decoders := make(map[string]*subscriber.Decoder, len(c.cfg.Chains))
	for _, ch := range c.cfg.Chains {
		a, err := subscriber.LoadABI(ch.ABIPath)
		if err != nil {
			c.setState(StateFailed)
			return chain.Result{}, fmt.Errorf("chain %s: %w", ch.Name, err)
		}
		dec, err := subscriber.NewDecoder(ch.Name, ch.ChainID, a)
		if err != nil {
			c.setState(StateFailed)
			return chain.Result{}, fmt.Errorf("chain %s: %w", ch.Name, err)
		}
		decoders[ch.Name] = dec
	}

	res, err := c.manager.Initialize(ctx, c.cfg.Chains)
	if err != nil {
		c.setState(StateFailed)
		c.log.Error("indexer initialization failed", "err", err)
		return res, err
	}
	if res.FailedChains() > 0 {
		c.log.Warn("partial connectivity", "connected", res.ConnectedChains(), "failed", res.FailedChains())
	}
	c.decoders = decoders
	c.setState(StateReady)
	c.log.Info("indexer ready", "chains", res.Connected)
	return res, nil
}

// StartIndexing attaches subscribers and starts one lane per chain. It is a
// no-op while running and fails with intent.ErrNotReady before Initialize.
func (c *Controller) StartIndexing(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateRunning:
		return nil
	case StateReady:
	default:
		return intent.ErrNotReady
	}

	laneCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(laneCtx)
	rs := &runState{group: g, cancel: cancel, drain: make(chan struct{})}

	queue := c.cfg.Global.QueueSize
	for _, conn := range c.manager.Connections() {
		l := c.newLane(conn.Name(), queue)
		sub := subscriber.New(conn, c.decoders[conn.Name()], l.items, c.log, c.metrics)
		if err := sub.Start(); err != nil {
			for _, s := range rs.subs {
				s.Stop()
			}
			cancel()
			return fmt.Errorf("chain %s: subscribe: %w", conn.Name(), err)
		}
		rs.subs = append(rs.subs, sub)
		g.Go(func() error { return l.run(gctx, rs.drain) })
	}

	if err := c.manager.Start(ctx); err != nil {
		for _, s := range rs.subs {
			s.Stop()
		}
		close(rs.drain)
		cancel()
		_ = g.Wait()
		return err
	}

	c.run = rs
	c.setState(StateRunning)
	c.log.Info("indexing started")
	return nil
}

// StopIndexing tears everything down from any state and always ends in
// StateStopped. Queued events are drained for up to drain_timeout.
func (c *Controller) StopIndexing(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.setState(StateStopped)

	timeout := c.cfg.Global.DrainTimeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	rs := c.run
	c.run = nil
	if rs != nil {
		for _, s := range rs.subs {
			s.Stop()
		}
	}
	if err := c.manager.Stop(stopCtx); err != nil {
		errs = append(errs, err)
	}

	if rs != nil {
		close(rs.drain)
		done := make(chan struct{})
		go func() {
			_ = rs.group.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-stopCtx.Done():
			c.log.Warn("drain timeout, cancelling in-flight writes", "timeout", timeout)
			rs.cancel()
			<-done
		}
		rs.cancel()
	}

	c.decoders = nil
	c.log.Info("indexing stopped")
	return errors.Join(errs...)
}

// Ping checks every live chain connection.
func (c *Controller) Ping(ctx context.Context) error {
	return c.manager.Ping(ctx)
}

// Connections lists the live chain connections.
func (c *Controller) Connections() []*chain.Connection {
	return c.manager.Connections()
}

func (c *Controller) newLane(name string, queue int) *lane {
	b := c.cfg.Global.Backoff
	return &lane{
		chain:        name,
		items:        make(chan subscriber.Delivery, queue),
		writer:       c.writer,
		cursors:      c.store,
		retryInitial: b.Initial.Std(),
		retryMax:     b.Max.Std(),
		log:          c.log.With("chain", name),
	}
}

// lane applies one chain's events in arrival order and persists its cursor
// only up to checkpoints whose events were all applied.
type lane struct {
	chain        string
	items        chan subscriber.Delivery
	writer       *writer.Writer
	cursors      chain.CursorStore
	retryInitial time.Duration
	retryMax     time.Duration
	log          *slog.Logger

	// gap is set once an event could not be applied. Later checkpoints are
	// skipped so a restart reads the event again.
	gap bool
}

func (l *lane) run(ctx context.Context, drain <-chan struct{}) error {
	for {
		select {
		case d := <-l.items:
			l.process(ctx, d)
		case <-drain:
			for {
				if ctx.Err() != nil {
					l.dropQueued()
					return nil
				}
				select {
				case d := <-l.items:
					l.process(ctx, d)
				default:
					return nil
				}
			}
		case <-ctx.Done():
			l.dropQueued()
			return nil
		}
	}
}

func (l *lane) dropQueued() {
	if n := len(l.items); n > 0 {
		l.gap = true
		l.log.Warn("dropping queued events, cursor held", "count", n)
	}
}

func (l *lane) process(ctx context.Context, d subscriber.Delivery) {
	switch {
	case d.Event != nil:
		l.apply(ctx, d.Event)
	case d.Checkpoint != nil:
		l.checkpoint(ctx, *d.Checkpoint)
	}
}

// apply writes ev, retrying storage failures and write conflicts until ctx
// ends. Rejected transitions count as applied.
func (l *lane) apply(ctx context.Context, ev intent.Event) {
	err := retry.Do(ctx, l.backoff(), func(ctx context.Context) error {
		_, err := l.writer.Apply(ctx, ev)
		var (
			terr *intent.TransitionError
			serr *intent.StorageUnavailable
			werr *intent.WriteConflict
		)
		switch {
		case err == nil, errors.As(err, &terr):
			return nil
		case errors.As(err, &serr), errors.As(err, &werr):
			l.log.Warn("write failed, retrying", "order_id", ev.Meta().OrderID, "err", err)
			return retry.RetryableError(err)
		default:
			return err
		}
	})
	if err == nil {
		return
	}
	l.gap = true
	m := ev.Meta()
	l.log.Error("event not applied, cursor held", "order_id", m.OrderID, "event", string(ev.EntryType()), "tx", m.TxHash, "block", m.BlockNumber, "err", err)
}

func (l *lane) backoff() retry.Backoff {
	initial := l.retryInitial
	if initial <= 0 {
		initial = time.Second
	}
	b := retry.NewExponential(initial)
	if l.retryMax > 0 {
		b = retry.WithCappedDuration(l.retryMax, b)
	}
	return b
}

func (l *lane) checkpoint(ctx context.Context, cp chain.Checkpoint) {
	if l.gap {
		return
	}
	if err := l.cursors.UpsertCursor(ctx, cp.Chain, cp.Height, cp.Hash); err != nil && ctx.Err() == nil {
		l.log.Warn("persist cursor failed", "height", cp.Height, "err", err)
	}
}

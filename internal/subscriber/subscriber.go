package subscriber

import (
	"context"
	"io"
	"log/slog"

	"github.com/devblac/intent-indexer/internal/chain"
	"github.com/devblac/intent-indexer/internal/intent"
	"github.com/devblac/intent-indexer/internal/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Conn is the part of a chain connection the subscriber binds to.
type Conn interface {
	Name() string
	Subscribe(eventName string, topic common.Hash, h chain.Handler) error
	Unsubscribe(eventName string)
	OnCheckpoint(fn chain.CheckpointFunc)
}

// Delivery is one item on a chain's channel: a decoded event, or a
// checkpoint sent after every event it covers.
type Delivery struct {
	Event      intent.Event
	Checkpoint *chain.Checkpoint
}

// Subscriber decodes one chain's settler logs onto a channel.
type Subscriber struct {
	conn    Conn
	dec     *Decoder
	out     chan<- Delivery
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New wires conn to out through dec. logger and m may be nil.
func New(conn Conn, dec *Decoder, out chan<- Delivery, logger *slog.Logger, m *metrics.Metrics) *Subscriber {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Subscriber{
		conn:    conn,
		dec:     dec,
		out:     out,
		log:     logger.With("chain", conn.Name()),
		metrics: m,
	}
}

// Start registers a handler for each settler event and forwards checkpoints.
func (s *Subscriber) Start() error {
	for name, topic := range s.dec.Topics() {
		if err := s.conn.Subscribe(name, topic, s.handle); err != nil {
			s.Stop()
			return err
		}
	}
	s.conn.OnCheckpoint(s.checkpoint)
	return nil
}

// Stop removes the handlers and checkpoint hook registered by Start.
func (s *Subscriber) Stop() {
	s.conn.OnCheckpoint(nil)
	for name := range s.dec.Topics() {
		s.conn.Unsubscribe(name)
	}
}

func (s *Subscriber) handle(ctx context.Context, lg types.Log) {
	ev, err := s.dec.Decode(lg)
	if err != nil {
		s.metrics.DecodeError(s.conn.Name())
		s.log.Warn("dropping undecodable log", "tx", lg.TxHash.Hex(), "block", lg.BlockNumber, "err", err)
		return
	}
	s.metrics.EventReceived(s.conn.Name(), string(ev.EntryType()))
	s.log.Debug("event decoded", "event", ev.EntryType(), "order_id", ev.Meta().OrderID, "block", lg.BlockNumber)

	select {
	case s.out <- Delivery{Event: ev}:
	case <-ctx.Done():
	}
}

func (s *Subscriber) checkpoint(ctx context.Context, cp chain.Checkpoint) {
	// Once ctx is done an earlier event may have been dropped.
	if ctx.Err() != nil {
		return
	}
	select {
	case s.out <- Delivery{Checkpoint: &cp}:
	case <-ctx.Done():
	}
}

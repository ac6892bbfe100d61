package notify

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/devblac/intent-indexer/internal/intent"
)

// Dispatcher fans anomalies out to every sender without blocking the caller.
type Dispatcher struct {
	senders map[string]Sender
	log     *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher wraps senders. logger may be nil.
func NewDispatcher(senders map[string]Sender, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{senders: senders, log: logger, timeout: 10 * time.Second}
}

// Payload builds the notification for a rejected event.
func Payload(ev intent.Event, terr *intent.TransitionError) AnomalyPayload {
	m := ev.Meta()
	return AnomalyPayload{
		OrderID:     m.OrderID,
		Chain:       m.Chain,
		ChainID:     m.ChainID,
		Event:       string(ev.EntryType()),
		From:        string(terr.From),
		To:          string(terr.To),
		Reason:      terr.Reason,
		TxHash:      m.TxHash,
		BlockNumber: m.BlockNumber,
		ObservedAt:  m.ObservedAt,
	}
}

// Anomaly matches writer.AnomalyFunc. Sends run in the background.
func (d *Dispatcher) Anomaly(ctx context.Context, ev intent.Event, terr *intent.TransitionError) {
	if len(d.senders) == 0 {
		return
	}
	payload := Payload(ev, terr)
	ids := make([]string, 0, len(d.senders))
	for id := range d.senders {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		id := id
		sender := d.senders[id]
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
			defer cancel()
			if err := sender.Send(sendCtx, payload); err != nil {
				d.log.Warn("anomaly notification failed", "notifier", id, "order_id", payload.OrderID, "err", err)
			}
		}()
	}
}

// Wait blocks until in-flight notifications finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

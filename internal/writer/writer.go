package writer

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/devblac/intent-indexer/internal/intent"
	"github.com/devblac/intent-indexer/internal/metrics"
	"github.com/devblac/intent-indexer/internal/normalizer"
)

// DefaultMaxAttempts bounds optimistic retries per write.
const DefaultMaxAttempts = 5

// Store is the narrow persistence surface the writer mutates through.
type Store interface {
	CreateIntent(ctx context.Context, rec *intent.Intent) (bool, error)
	GetIntent(ctx context.Context, id string) (*intent.Intent, error)
	UpdateIntent(ctx context.Context, rec *intent.Intent, expectedVersion int64) error
}

// AnomalyFunc is invoked for every rejected transition.
type AnomalyFunc func(ctx context.Context, ev intent.Event, terr *intent.TransitionError)

// Options tune a Writer. Zero values use defaults.
type Options struct {
	MaxAttempts int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	OnAnomaly   AnomalyFunc
}

// Outcome describes what a write did.
type Outcome struct {
	Kind       normalizer.Kind
	Intent     *intent.Intent
	Attempts   int
	CrossChain bool
}

// Applied reports whether the store was mutated.
func (o Outcome) Applied() bool {
	return o.Kind == normalizer.Create || o.Kind == normalizer.Update
}

// Writer is the only component that mutates persisted intents.
type Writer struct {
	store       Store
	norm        *normalizer.Normalizer
	maxAttempts int
	log         *slog.Logger
	metrics     *metrics.Metrics
	onAnomaly   AnomalyFunc
}

// New builds a writer over store using norm for transition rules.
func New(store Store, norm *normalizer.Normalizer, opts Options) *Writer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if norm == nil {
		norm = normalizer.New("", "")
	}
	return &Writer{
		store:       store,
		norm:        norm,
		maxAttempts: opts.MaxAttempts,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		onAnomaly:   opts.OnAnomaly,
	}
}

// Create inserts rec if no record with its id exists.
func (w *Writer) Create(ctx context.Context, rec *intent.Intent) (bool, error) {
	ok, err := w.store.CreateIntent(ctx, rec)
	if err != nil {
		return false, &intent.StorageUnavailable{Op: "create", Err: err}
	}
	return ok, nil
}

// Update sets status on id and appends entry with compare-and-append
// semantics. It returns the stored record after the write, or the unchanged
// record when entry was already applied.
func (w *Writer) Update(ctx context.Context, id string, status intent.Status, entry intent.EventEntry) (*intent.Intent, error) {
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		cur, err := w.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur == nil {
			return nil, intent.ErrNotFound
		}
		d := normalizer.Append(cur, status, entry)
		switch d.Kind {
		case normalizer.Duplicate:
			return cur, nil
		case normalizer.Reject:
			return nil, d.Err
		}
		err = w.store.UpdateIntent(ctx, d.Record, cur.Version)
		if errors.Is(err, intent.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, &intent.StorageUnavailable{Op: "update", Err: err}
		}
		return d.Record, nil
	}
	return nil, &intent.WriteConflict{OrderID: id, Attempts: w.maxAttempts}
}

// Apply runs ev through the normalizer against the stored record and persists
// the result. Redelivered events are absorbed as duplicates.
func (w *Writer) Apply(ctx context.Context, ev intent.Event) (Outcome, error) {
	m := ev.Meta()
	log := w.log.With("chain", m.Chain, "order_id", m.OrderID, "event", string(ev.EntryType()), "tx", m.TxHash)

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Attempts: attempt - 1}, err
		}
		cur, err := w.get(ctx, m.OrderID)
		if err != nil {
			w.metrics.WriteError(m.Chain)
			return Outcome{Attempts: attempt}, err
		}

		d := w.norm.Transition(cur, ev)
		out := Outcome{Kind: d.Kind, Intent: d.Record, Attempts: attempt, CrossChain: d.CrossChain}
		if d.CrossChain {
			log.Warn("order id already indexed on another chain", "stored_chain", cur.Chain)
		}

		switch d.Kind {
		case normalizer.Create:
			inserted, err := w.store.CreateIntent(ctx, d.Record)
			if err != nil {
				w.metrics.WriteError(m.Chain)
				return out, &intent.StorageUnavailable{Op: "create", Err: err}
			}
			if !inserted {
				// Another lane created it first; recompute against the stored row.
				w.metrics.WriteConflict(m.Chain)
				continue
			}
		case normalizer.Update:
			err := w.store.UpdateIntent(ctx, d.Record, cur.Version)
			if errors.Is(err, intent.ErrVersionConflict) {
				w.metrics.WriteConflict(m.Chain)
				log.Debug("write conflict, retrying", "attempt", attempt)
				continue
			}
			if err != nil {
				w.metrics.WriteError(m.Chain)
				return out, &intent.StorageUnavailable{Op: "update", Err: err}
			}
		case normalizer.Reject:
			w.metrics.Transition(m.Chain, d.Kind.String())
			w.metrics.Anomaly(m.Chain)
			log.Warn("anomaly: transition rejected", "from", string(d.Err.From), "to", string(d.Err.To), "reason", d.Err.Reason)
			if w.onAnomaly != nil {
				w.onAnomaly(ctx, ev, d.Err)
			}
			out.Intent = cur
			return out, d.Err
		default:
			out.Intent = cur
			w.metrics.Transition(m.Chain, d.Kind.String())
			log.Debug("event absorbed", "kind", d.Kind.String())
			return out, nil
		}

		w.metrics.Transition(m.Chain, d.Kind.String())
		log.Info("intent written", "kind", d.Kind.String(), "status", string(d.Record.Status), "version", d.Record.Version)
		return out, nil
	}

	w.metrics.WriteError(m.Chain)
	return Outcome{Attempts: w.maxAttempts}, &intent.WriteConflict{OrderID: m.OrderID, Attempts: w.maxAttempts}
}

func (w *Writer) get(ctx context.Context, id string) (*intent.Intent, error) {
	cur, err := w.store.GetIntent(ctx, id)
	if err != nil {
		return nil, &intent.StorageUnavailable{Op: "get", Err: err}
	}
	return cur, nil
}

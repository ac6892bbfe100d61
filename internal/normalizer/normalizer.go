package normalizer

import (
	"fmt"

	"github.com/devblac/intent-indexer/internal/intent"
)

// Default labels written on new records.
const (
	DefaultProtocol   = "ERC-7683"
	DefaultIntentType = "Cross-Chain Swap"
)

// Kind classifies the outcome of a transition.
type Kind int

const (
	// Noop means the event carries nothing new for the record.
	Noop Kind = iota
	// Create means the record is absent and Record must be inserted.
	Create
	// Update means Record is the next state of an existing record.
	Update
	// Duplicate means the same (type, tx) entry was already applied.
	Duplicate
	// Reject means the transition is illegal; Err describes it.
	Reject
)

func (k Kind) String() string {
	switch k {
	case Noop:
		return "noop"
	case Create:
		return "create"
	case Update:
		return "update"
	case Duplicate:
		return "duplicate"
	case Reject:
		return "reject"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Decision is the computed transition for one event. The normalizer never
// touches storage; the writer applies Record.
type Decision struct {
	Kind   Kind
	Record *intent.Intent
	Err    *intent.TransitionError
	// CrossChain is set when the event's chain differs from the stored record's.
	CrossChain bool
}

// Normalizer maps decoded events onto the canonical record.
type Normalizer struct {
	protocol   string
	intentType string
}

// New returns a normalizer labelling new records with protocol and intentType.
func New(protocol, intentType string) *Normalizer {
	if protocol == "" {
		protocol = DefaultProtocol
	}
	if intentType == "" {
		intentType = DefaultIntentType
	}
	return &Normalizer{protocol: protocol, intentType: intentType}
}

// Transition computes what ev does to cur (nil when no record exists).
func (n *Normalizer) Transition(cur *intent.Intent, ev intent.Event) Decision {
	if cur == nil {
		return Decision{Kind: Create, Record: n.newRecord(ev)}
	}

	m := ev.Meta()
	entry := intent.Entry(ev)
	if cur.HasEntry(entry.Type, entry.TransactionHash) {
		return Decision{Kind: Duplicate}
	}
	crossChain := cur.Chain != m.Chain

	switch e := ev.(type) {
	case intent.Opened:
		if !cur.Placeholder() {
			return Decision{Kind: Noop, CrossChain: crossChain}
		}
		next := cur.Clone()
		if next.FromAddress == nil {
			next.FromAddress = intent.Ptr(e.User)
		}
		if next.Solver == nil {
			next.Solver = intent.Ptr(e.Solver)
		}
		next.Amount = e.Amount
		mergeParams(next, map[string]string{"user": e.User, "solver": e.Solver, "amount": e.Amount})
		next.Events = append(next.Events, entry)
		next.UpdatedAt = m.ObservedAt
		return Decision{Kind: Update, Record: next, CrossChain: crossChain}

	case intent.Filled:
		if err := checkStatus(cur, intent.StatusSuccess, entry.Type); err != nil {
			return Decision{Kind: Reject, Err: err, CrossChain: crossChain}
		}
		next := cur.Clone()
		next.Status = intent.StatusSuccess
		if next.Solver == nil {
			next.Solver = intent.Ptr(e.Solver)
		}
		mergeParams(next, map[string]string{"fillAmount": e.FillAmount, "filledBy": e.Solver})
		next.Events = append(next.Events, entry)
		next.UpdatedAt = m.ObservedAt
		return Decision{Kind: Update, Record: next, CrossChain: crossChain}

	case intent.Cancelled:
		if err := checkStatus(cur, intent.StatusFailed, entry.Type); err != nil {
			return Decision{Kind: Reject, Err: err, CrossChain: crossChain}
		}
		next := cur.Clone()
		next.Status = intent.StatusFailed
		if next.FromAddress == nil {
			next.FromAddress = intent.Ptr(e.User)
		}
		mergeParams(next, map[string]string{"cancelledBy": e.User})
		next.Events = append(next.Events, entry)
		next.UpdatedAt = m.ObservedAt
		return Decision{Kind: Update, Record: next, CrossChain: crossChain}
	}
	return Decision{Kind: Noop}
}

// Append computes a plain status change plus entry against cur, applying the
// same duplicate and terminal rules as Transition.
func Append(cur *intent.Intent, status intent.Status, entry intent.EventEntry) Decision {
	if cur.HasEntry(entry.Type, entry.TransactionHash) {
		return Decision{Kind: Duplicate}
	}
	// A terminal record only accepts the OrderOpened that back-fills a placeholder.
	backfill := entry.Type == intent.EventOpened && cur.Placeholder() && status == cur.Status
	if status != cur.Status || (cur.Status.Terminal() && !backfill) {
		if err := checkStatus(cur, status, entry.Type); err != nil {
			return Decision{Kind: Reject, Err: err}
		}
	}
	next := cur.Clone()
	next.Status = status
	next.Events = append(next.Events, entry)
	next.UpdatedAt = entry.Timestamp
	return Decision{Kind: Update, Record: next}
}

func checkStatus(cur *intent.Intent, to intent.Status, ev intent.EventType) *intent.TransitionError {
	if cur.Status.Terminal() {
		return &intent.TransitionError{
			OrderID: cur.ID,
			From:    cur.Status,
			To:      to,
			Event:   ev,
			Reason:  "terminal state is immutable",
		}
	}
	if !cur.Status.CanTransition(to) {
		return &intent.TransitionError{OrderID: cur.ID, From: cur.Status, To: to, Event: ev}
	}
	return nil
}

func (n *Normalizer) newRecord(ev intent.Event) *intent.Intent {
	m := ev.Meta()
	rec := &intent.Intent{
		ID:              m.OrderID,
		Type:            n.intentType,
		Protocol:        n.protocol,
		Chain:           m.Chain,
		ChainID:         m.ChainID,
		Events:          []intent.EventEntry{intent.Entry(ev)},
		BlockNumber:     m.BlockNumber,
		TransactionHash: m.TxHash,
		Timestamp:       m.ObservedAt,
		UpdatedAt:       m.ObservedAt,
	}

	switch e := ev.(type) {
	case intent.Opened:
		rec.Status = intent.StatusPending
		rec.Solver = intent.Ptr(e.Solver)
		rec.FromAddress = intent.Ptr(e.User)
		rec.Amount = e.Amount
		rec.Parameters = map[string]string{"user": e.User, "solver": e.Solver, "amount": e.Amount}
	case intent.Filled:
		rec.Status = intent.StatusSuccess
		rec.Solver = intent.Ptr(e.Solver)
		rec.Amount = e.FillAmount
		rec.Parameters = map[string]string{"solver": e.Solver, "fillAmount": e.FillAmount, "filledBy": e.Solver}
	case intent.Cancelled:
		rec.Status = intent.StatusFailed
		rec.FromAddress = intent.Ptr(e.User)
		rec.Parameters = map[string]string{"user": e.User, "cancelledBy": e.User}
	}
	return rec
}

// mergeParams adds kv to rec.Parameters without overwriting existing keys.
func mergeParams(rec *intent.Intent, kv map[string]string) {
	if rec.Parameters == nil {
		rec.Parameters = make(map[string]string, len(kv))
	}
	for k, v := range kv {
		if v == "" {
			continue
		}
		if _, ok := rec.Parameters[k]; !ok {
			rec.Parameters[k] = v
		}
	}
}

package intent

import (
	"time"
)

// Status is the lifecycle state of an intent.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusExecuting, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal forward step.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusExecuting || next == StatusSuccess || next == StatusFailed
	case StatusExecuting:
		return next == StatusSuccess || next == StatusFailed
	}
	return false
}

// EventType names a lifecycle entry in Intent.Events.
type EventType string

const (
	EventOpened    EventType = "OrderOpened"
	EventFilled    EventType = "OrderFilled"
	EventCancelled EventType = "OrderCancelled"
)

// EventEntry is one append-only lifecycle record.
type EventEntry struct {
	Type            EventType `json:"type"`
	Timestamp       time.Time `json:"timestamp"`
	BlockNumber     uint64    `json:"blockNumber"`
	TransactionHash string    `json:"transactionHash"`
}

// Intent is the canonical record of one cross-chain order.
type Intent struct {
	ID              string            `json:"id"`
	Type            string            `json:"type"`
	Protocol        string            `json:"protocol"`
	Chain           string            `json:"chain"`
	ChainID         uint64            `json:"chainId"`
	Status          Status            `json:"status"`
	Solver          *string           `json:"solver"`
	FromAddress     *string           `json:"fromAddress"`
	ToAddress       *string           `json:"toAddress"`
	Amount          string            `json:"amount"`
	Parameters      map[string]string `json:"parameters"`
	Events          []EventEntry      `json:"events"`
	BlockNumber     uint64            `json:"blockNumber"`
	TransactionHash string            `json:"transactionHash"`
	Timestamp       time.Time         `json:"timestamp"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	Version         int64             `json:"version"`
}

// HasEntry reports whether an entry with the given type and tx hash was already applied.
func (i *Intent) HasEntry(t EventType, txHash string) bool {
	for _, e := range i.Events {
		if e.Type == t && e.TransactionHash == txHash {
			return true
		}
	}
	return false
}

// HasType reports whether any entry of type t exists.
func (i *Intent) HasType(t EventType) bool {
	for _, e := range i.Events {
		if e.Type == t {
			return true
		}
	}
	return false
}

// Placeholder reports whether the record was synthesized from a terminal
// event before its OrderOpened was observed.
func (i *Intent) Placeholder() bool {
	return !i.HasType(EventOpened)
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	out := *i
	out.Solver = cloneStr(i.Solver)
	out.FromAddress = cloneStr(i.FromAddress)
	out.ToAddress = cloneStr(i.ToAddress)
	if i.Parameters != nil {
		out.Parameters = make(map[string]string, len(i.Parameters))
		for k, v := range i.Parameters {
			out.Parameters[k] = v
		}
	}
	out.Events = append([]EventEntry(nil), i.Events...)
	return &out
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Ptr returns a pointer to s, or nil when s is empty.
func Ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

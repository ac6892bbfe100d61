package intent

import "time"

// Provenance locates a decoded event on its origin chain.
type Provenance struct {
	OrderID     string
	Chain       string
	ChainID     uint64
	BlockNumber uint64
	TxHash      string
	LogIndex    uint
	ObservedAt  time.Time
}

// Event is one decoded contract event: Opened, Filled or Cancelled.
type Event interface {
	Meta() Provenance
	EntryType() EventType
	isEvent()
}

// Opened is CrossChainOrderOpened(orderId, user, solver, amount).
type Opened struct {
	Provenance
	User   string
	Solver string
	Amount string
}

// Filled is CrossChainOrderFilled(orderId, solver, fillAmount).
type Filled struct {
	Provenance
	Solver     string
	FillAmount string
}

// Cancelled is CrossChainOrderCancelled(orderId, user).
type Cancelled struct {
	Provenance
	User string
}

func (e Opened) Meta() Provenance    { return e.Provenance }
func (e Filled) Meta() Provenance    { return e.Provenance }
func (e Cancelled) Meta() Provenance { return e.Provenance }

func (Opened) EntryType() EventType    { return EventOpened }
func (Filled) EntryType() EventType    { return EventFilled }
func (Cancelled) EntryType() EventType { return EventCancelled }

func (Opened) isEvent()    {}
func (Filled) isEvent()    {}
func (Cancelled) isEvent() {}

// Entry builds the lifecycle entry recorded for ev.
func Entry(ev Event) EventEntry {
	m := ev.Meta()
	return EventEntry{
		Type:            ev.EntryType(),
		Timestamp:       m.ObservedAt.UTC(),
		BlockNumber:     m.BlockNumber,
		TransactionHash: m.TxHash,
	}
}

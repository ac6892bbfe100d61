package intent

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict is returned by a store when a compare-and-swap misses.
	ErrVersionConflict = errors.New("intent version conflict")
	// ErrNotFound is returned when an update targets an unknown intent.
	ErrNotFound = errors.New("intent not found")
	// ErrNotReady is returned when indexing is started before a successful initialize.
	ErrNotReady = errors.New("indexer not ready")
)

// ConnectionError reports a chain that could not be reached. Total is set when
// no configured chain connected.
type ConnectionError struct {
	Chain string
	Total bool
	Err   error
}

func (e *ConnectionError) Error() string {
	if e.Total {
		return fmt.Sprintf("no chain connected: %v", e.Err)
	}
	return fmt.Sprintf("chain %s: connect: %v", e.Chain, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DecodeError reports a log that could not be decoded into an Event.
type DecodeError struct {
	Chain  string
	Event  string
	TxHash string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("chain %s: decode %s in tx %s: %v", e.Chain, e.Event, e.TxHash, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TransitionError reports an illegal status change. The write is rejected.
type TransitionError struct {
	OrderID string
	From    Status
	To      Status
	Event   EventType
	Reason  string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("intent %s: illegal transition %s -> %s on %s", e.OrderID, e.From, e.To, e.Event)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// WriteConflict reports that optimistic retries were exhausted. It is transient.
type WriteConflict struct {
	OrderID  string
	Attempts int
}

func (e *WriteConflict) Error() string {
	return fmt.Sprintf("intent %s: write conflict after %d attempts", e.OrderID, e.Attempts)
}

func (e *WriteConflict) Unwrap() error { return ErrVersionConflict }

// StorageUnavailable reports a failed store operation.
type StorageUnavailable struct {
	Op  string
	Err error
}

func (e *StorageUnavailable) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageUnavailable) Unwrap() error { return e.Err }

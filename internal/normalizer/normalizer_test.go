package normalizer

import (
	"testing"
	"time"

	"github.com/devblac/intent-indexer/internal/intent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func prov(tx string, block uint64) intent.Provenance {
	return intent.Provenance{
		OrderID:     "0xA",
		Chain:       "Arbitrum",
		ChainID:     42161,
		BlockNumber: block,
		TxHash:      tx,
		ObservedAt:  t0.Add(time.Duration(block) * time.Second),
	}
}

func opened() intent.Event {
	return intent.Opened{Provenance: prov("0xt1", 10), User: "0xu", Solver: "0x1", Amount: "1000000000000000000"}
}

func filled() intent.Event {
	return intent.Filled{Provenance: prov("0xt2", 11), Solver: "0x1", FillAmount: "1000000000000000000"}
}

func cancelled() intent.Event {
	return intent.Cancelled{Provenance: prov("0xt3", 12), User: "0xu"}
}

// apply folds events the way the writer does, minus persistence.
func apply(t *testing.T, n *Normalizer, evs ...intent.Event) *intent.Intent {
	t.Helper()
	var cur *intent.Intent
	for _, ev := range evs {
		d := n.Transition(cur, ev)
		switch d.Kind {
		case Create, Update:
			cur = d.Record
		}
	}
	return cur
}

func TestOpenedThenFilled(t *testing.T) {
	n := New("", "")
	rec := apply(t, n, opened(), filled())

	require.NotNil(t, rec)
	assert.Equal(t, "0xA", rec.ID)
	assert.Equal(t, intent.StatusSuccess, rec.Status)
	assert.Equal(t, "1000000000000000000", rec.Amount)
	assert.Equal(t, DefaultProtocol, rec.Protocol)
	assert.Equal(t, DefaultIntentType, rec.Type)
	require.Len(t, rec.Events, 2)
	assert.Equal(t, intent.EventOpened, rec.Events[0].Type)
	assert.Equal(t, intent.EventFilled, rec.Events[1].Type)
	assert.Equal(t, uint64(10), rec.BlockNumber)
	assert.Equal(t, "0xt1", rec.TransactionHash)
}

func TestFinalStatusIsOrderIndependent(t *testing.T) {
	n := New("", "")
	tests := []struct {
		name string
		a, b intent.Event
		want intent.Status
	}{
		{"opened_filled", opened(), filled(), intent.StatusSuccess},
		{"filled_opened", filled(), opened(), intent.StatusSuccess},
		{"opened_cancelled", opened(), cancelled(), intent.StatusFailed},
		{"cancelled_opened", cancelled(), opened(), intent.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := apply(t, n, tt.a, tt.b)
			assert.Equal(t, tt.want, rec.Status)
			assert.Len(t, rec.Events, 2)
			assert.False(t, rec.Placeholder())
		})
	}
}

func TestOpenedReplayIsDuplicate(t *testing.T) {
	n := New("", "")
	rec := apply(t, n, opened())

	d := n.Transition(rec, opened())
	assert.Equal(t, Duplicate, d.Kind)
	assert.Nil(t, d.Record)
}

func TestOpenedOnOpenedRecordIsNoop(t *testing.T) {
	n := New("", "")
	rec := apply(t, n, opened())

	other := intent.Opened{Provenance: prov("0xother", 20), User: "0xu2", Solver: "0x2", Amount: "5"}
	d := n.Transition(rec, other)
	assert.Equal(t, Noop, d.Kind)
}

func TestTerminalStateIsImmutable(t *testing.T) {
	n := New("", "")
	rec := apply(t, n, opened(), filled())

	d := n.Transition(rec, cancelled())
	require.Equal(t, Reject, d.Kind)
	require.NotNil(t, d.Err)
	assert.Equal(t, intent.StatusSuccess, d.Err.From)
	assert.Equal(t, intent.StatusFailed, d.Err.To)
	assert.Equal(t, intent.StatusSuccess, rec.Status)

	second := intent.Filled{Provenance: prov("0xt9", 30), Solver: "0x9", FillAmount: "1"}
	assert.Equal(t, Reject, n.Transition(rec, second).Kind)
}

func TestPlaceholderFromFilled(t *testing.T) {
	n := New("", "")
	d := n.Transition(nil, filled())

	require.Equal(t, Create, d.Kind)
	rec := d.Record
	assert.Equal(t, intent.StatusSuccess, rec.Status)
	assert.True(t, rec.Placeholder())
	require.NotNil(t, rec.Solver)
	assert.Equal(t, "0x1", *rec.Solver)
	assert.Nil(t, rec.FromAddress)
	assert.Equal(t, "Arbitrum", rec.Chain)
}

func TestPlaceholderBackfilledByOpened(t *testing.T) {
	n := New("", "")
	rec := apply(t, n, cancelled())
	require.Equal(t, intent.StatusFailed, rec.Status)
	require.Nil(t, rec.Solver)

	d := n.Transition(rec, opened())
	require.Equal(t, Update, d.Kind)
	next := d.Record
	assert.Equal(t, intent.StatusFailed, next.Status)
	require.NotNil(t, next.Solver)
	assert.Equal(t, "0x1", *next.Solver)
	assert.Equal(t, "1000000000000000000", next.Amount)
	assert.Equal(t, "0xt3", next.TransactionHash)
	assert.Len(t, rec.Events, 1, "input record must not be mutated")
}

func TestCrossChainFlagged(t *testing.T) {
	n := New("", "")
	rec := apply(t, n, opened())

	ev := intent.Filled{Provenance: prov("0xt2", 11), Solver: "0x1", FillAmount: "1"}
	ev.Chain = "Base"
	ev.ChainID = 8453
	d := n.Transition(rec, ev)
	assert.Equal(t, Update, d.Kind)
	assert.True(t, d.CrossChain)
	assert.Equal(t, "Arbitrum", d.Record.Chain)
}

func TestAppend(t *testing.T) {
	n := New("", "")
	rec := apply(t, n, opened())
	entry := intent.EventEntry{Type: intent.EventFilled, TransactionHash: "0xt2", BlockNumber: 11, Timestamp: t0}

	d := Append(rec, intent.StatusSuccess, entry)
	require.Equal(t, Update, d.Kind)
	assert.Equal(t, intent.StatusSuccess, d.Record.Status)

	assert.Equal(t, Duplicate, Append(d.Record, intent.StatusSuccess, entry).Kind)

	late := intent.EventEntry{Type: intent.EventCancelled, TransactionHash: "0xt3"}
	assert.Equal(t, Reject, Append(d.Record, intent.StatusFailed, late).Kind)

	sameStatus := Append(d.Record, intent.StatusSuccess, late)
	require.Equal(t, Reject, sameStatus.Kind)
	assert.Equal(t, intent.StatusSuccess, sameStatus.Err.From)
}

package subscriber

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/devblac/intent-indexer/internal/intent"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Decoder turns settler logs from one chain into intent events.
type Decoder struct {
	chain   string
	chainID uint64
	byTopic map[common.Hash]abi.Event
	now     func() time.Time
}

// NewDecoder binds the three settler events of a.
func NewDecoder(chain string, chainID uint64, a *abi.ABI) (*Decoder, error) {
	d := &Decoder{
		chain:   chain,
		chainID: chainID,
		byTopic: map[common.Hash]abi.Event{},
		now:     time.Now,
	}
	for _, name := range []string{EventOpened, EventFilled, EventCancelled} {
		ev, ok := a.Events[name]
		if !ok {
			return nil, fmt.Errorf("abi has no %s event", name)
		}
		d.byTopic[ev.ID] = ev
	}
	return d, nil
}

// Topics maps each bound event name to its topic0.
func (d *Decoder) Topics() map[string]common.Hash {
	out := make(map[string]common.Hash, len(d.byTopic))
	for topic, ev := range d.byTopic {
		out[ev.Name] = topic
	}
	return out
}

// Decode parses lg. Failures come back as *intent.DecodeError.
func (d *Decoder) Decode(lg types.Log) (intent.Event, error) {
	if len(lg.Topics) == 0 {
		return nil, d.fail("", lg, errors.New("log has no topics"))
	}
	ev, ok := d.byTopic[lg.Topics[0]]
	if !ok {
		return nil, d.fail("", lg, fmt.Errorf("unknown topic %s", lg.Topics[0].Hex()))
	}

	args := map[string]any{}
	indexed, nonIndexed := splitIndexed(ev.Inputs)
	if len(lg.Topics)-1 != len(indexed) {
		return nil, d.fail(ev.Name, lg, fmt.Errorf("expected %d indexed topics, got %d", len(indexed), len(lg.Topics)-1))
	}
	if err := abi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:]); err != nil {
		return nil, d.fail(ev.Name, lg, fmt.Errorf("parse topics: %w", err))
	}
	if err := nonIndexed.UnpackIntoMap(args, lg.Data); err != nil {
		return nil, d.fail(ev.Name, lg, fmt.Errorf("unpack data: %w", err))
	}

	orderID, err := bytes32Arg(args, "orderId")
	if err != nil {
		return nil, d.fail(ev.Name, lg, err)
	}
	meta := intent.Provenance{
		OrderID:     orderID,
		Chain:       d.chain,
		ChainID:     d.chainID,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
		ObservedAt:  d.now().UTC(),
	}

	switch ev.Name {
	case EventOpened:
		user, err1 := addressArg(args, "user")
		solver, err2 := addressArg(args, "solver")
		amount, err3 := uintArg(args, "amount")
		if err := errors.Join(err1, err2, err3); err != nil {
			return nil, d.fail(ev.Name, lg, err)
		}
		return intent.Opened{Provenance: meta, User: user, Solver: solver, Amount: amount}, nil
	case EventFilled:
		solver, err1 := addressArg(args, "solver")
		amount, err2 := uintArg(args, "fillAmount")
		if err := errors.Join(err1, err2); err != nil {
			return nil, d.fail(ev.Name, lg, err)
		}
		return intent.Filled{Provenance: meta, Solver: solver, FillAmount: amount}, nil
	default:
		user, err := addressArg(args, "user")
		if err != nil {
			return nil, d.fail(ev.Name, lg, err)
		}
		return intent.Cancelled{Provenance: meta, User: user}, nil
	}
}

func (d *Decoder) fail(event string, lg types.Log, err error) error {
	return &intent.DecodeError{Chain: d.chain, Event: event, TxHash: lg.TxHash.Hex(), Err: err}
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}

func bytes32Arg(args map[string]any, name string) (string, error) {
	switch v := args[name].(type) {
	case [32]byte:
		return common.Hash(v).Hex(), nil
	case common.Hash:
		return v.Hex(), nil
	default:
		return "", fmt.Errorf("%s: unexpected type %T", name, args[name])
	}
}

func addressArg(args map[string]any, name string) (string, error) {
	v, ok := args[name].(common.Address)
	if !ok {
		return "", fmt.Errorf("%s: unexpected type %T", name, args[name])
	}
	return v.Hex(), nil
}

func uintArg(args map[string]any, name string) (string, error) {
	v, ok := args[name].(*big.Int)
	if !ok || v == nil {
		return "", fmt.Errorf("%s: unexpected type %T", name, args[name])
	}
	return v.String(), nil
}

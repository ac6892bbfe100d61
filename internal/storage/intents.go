package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devblac/intent-indexer/internal/intent"
)

const intentColumns = `id, type, protocol, chain, chain_id, status, solver, from_address, to_address,
  amount, parameters, events, block_number, transaction_hash, observed_at, updated_at, version`

type intentRow struct {
	ID              string         `db:"id"`
	Type            string         `db:"type"`
	Protocol        string         `db:"protocol"`
	Chain           string         `db:"chain"`
	ChainID         int64          `db:"chain_id"`
	Status          string         `db:"status"`
	Solver          sql.NullString `db:"solver"`
	FromAddress     sql.NullString `db:"from_address"`
	ToAddress       sql.NullString `db:"to_address"`
	Amount          string         `db:"amount"`
	Parameters      string         `db:"parameters"`
	Events          string         `db:"events"`
	BlockNumber     int64          `db:"block_number"`
	TransactionHash string         `db:"transaction_hash"`
	ObservedAt      time.Time      `db:"observed_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	Version         int64          `db:"version"`

	ExpectedVersion int64 `db:"expected_version"`
}

func toRow(in *intent.Intent) (intentRow, error) {
	params := in.Parameters
	if params == nil {
		params = map[string]string{}
	}
	pj, err := json.Marshal(params)
	if err != nil {
		return intentRow{}, fmt.Errorf("marshal parameters: %w", err)
	}
	events := in.Events
	if events == nil {
		events = []intent.EventEntry{}
	}
	ej, err := json.Marshal(events)
	if err != nil {
		return intentRow{}, fmt.Errorf("marshal events: %w", err)
	}
	updated := in.UpdatedAt
	if updated.IsZero() {
		updated = in.Timestamp
	}
	return intentRow{
		ID:              in.ID,
		Type:            in.Type,
		Protocol:        in.Protocol,
		Chain:           in.Chain,
		ChainID:         int64(in.ChainID),
		Status:          string(in.Status),
		Solver:          nullString(in.Solver),
		FromAddress:     nullString(in.FromAddress),
		ToAddress:       nullString(in.ToAddress),
		Amount:          in.Amount,
		Parameters:      string(pj),
		Events:          string(ej),
		BlockNumber:     int64(in.BlockNumber),
		TransactionHash: in.TransactionHash,
		ObservedAt:      in.Timestamp.UTC(),
		UpdatedAt:       updated.UTC(),
		Version:         in.Version,
	}, nil
}

func (r intentRow) toIntent() (*intent.Intent, error) {
	out := &intent.Intent{
		ID:              r.ID,
		Type:            r.Type,
		Protocol:        r.Protocol,
		Chain:           r.Chain,
		ChainID:         uint64(r.ChainID),
		Status:          intent.Status(r.Status),
		Solver:          fromNull(r.Solver),
		FromAddress:     fromNull(r.FromAddress),
		ToAddress:       fromNull(r.ToAddress),
		Amount:          r.Amount,
		BlockNumber:     uint64(r.BlockNumber),
		TransactionHash: r.TransactionHash,
		Timestamp:       r.ObservedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
		Version:         r.Version,
	}
	if err := json.Unmarshal([]byte(r.Parameters), &out.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Events), &out.Events); err != nil {
		return nil, fmt.Errorf("decode events of %s: %w", r.ID, err)
	}
	return out, nil
}

// CreateIntent inserts rec unless a record with the same id exists. It reports
// whether the row was inserted; on insert rec.Version is set to 1.
func (s *Store) CreateIntent(ctx context.Context, rec *intent.Intent) (bool, error) {
	if rec == nil || rec.ID == "" {
		return false, errors.New("intent id required")
	}
	row, err := toRow(rec)
	if err != nil {
		return false, err
	}
	row.Version = 1
	res, err := s.db.NamedExecContext(ctx, `
INSERT INTO intents (`+intentColumns+`)
VALUES (:id, :type, :protocol, :chain, :chain_id, :status, :solver, :from_address, :to_address,
  :amount, :parameters, :events, :block_number, :transaction_hash, :observed_at, :updated_at, :version)
ON CONFLICT (id) DO NOTHING;
`, row)
	if err != nil {
		return false, fmt.Errorf("insert intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert intent: %w", err)
	}
	if n == 1 {
		rec.Version = 1
	}
	return n == 1, nil
}

// GetIntent returns the record with id, or nil when none exists.
func (s *Store) GetIntent(ctx context.Context, id string) (*intent.Intent, error) {
	var row intentRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+intentColumns+` FROM intents WHERE id = ?;`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get intent: %w", err)
	}
	return row.toIntent()
}

// UpdateIntent writes rec back only if the stored version still equals
// expectedVersion, bumping the version. A miss returns intent.ErrVersionConflict.
func (s *Store) UpdateIntent(ctx context.Context, rec *intent.Intent, expectedVersion int64) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	row.ExpectedVersion = expectedVersion
	res, err := s.db.NamedExecContext(ctx, `
UPDATE intents SET
  status = :status,
  solver = :solver,
  from_address = :from_address,
  to_address = :to_address,
  amount = :amount,
  parameters = :parameters,
  events = :events,
  updated_at = :updated_at,
  version = version + 1
WHERE id = :id AND version = :expected_version;
`, row)
	if err != nil {
		return fmt.Errorf("update intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update intent: %w", err)
	}
	if n == 0 {
		return intent.ErrVersionConflict
	}
	rec.Version = expectedVersion + 1
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

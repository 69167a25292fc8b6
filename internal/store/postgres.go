package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/payoutengine/internal/payout"
)

// Postgres persists payout records in a payouts table. The request
// payload is stored as JSONB; lifecycle fields get their own columns so
// the conditional update and List filters stay in SQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Create inserts a new payout record.
func (p *Postgres) Create(ctx context.Context, rec *payout.Record) error {
	reqJSON, err := json.Marshal(rec.Request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO payouts (id, request, state, router, txid, confirmations, fee_amount, net_amount, reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, reqJSON, rec.State, rec.Router, rec.TxID, rec.Confirmations,
		rec.FeeAmount, rec.NetAmount, rec.Reason, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

// UpdateStatus performs the conditional transition in a single UPDATE
// guarded by the expected state, so a concurrent writer that got there
// first causes ErrStateConflict instead of a lost update.
func (p *Postgres) UpdateStatus(ctx context.Context, id uuid.UUID, expected, next payout.State, upd Update) (*payout.Record, error) {
	now := time.Now()

	sets := []string{"state = $1", "updated_at = $2"}
	args := []interface{}{next, now}

	if upd.TxID != nil {
		args = append(args, *upd.TxID)
		sets = append(sets, fmt.Sprintf("txid = $%d", len(args)))
	}
	if upd.Confirmations != nil {
		args = append(args, *upd.Confirmations)
		sets = append(sets, fmt.Sprintf("confirmations = $%d", len(args)))
	}
	if upd.Reason != nil {
		args = append(args, *upd.Reason)
		sets = append(sets, fmt.Sprintf("reason = $%d", len(args)))
	}
	if upd.SubmittedNow {
		args = append(args, now)
		sets = append(sets, fmt.Sprintf("submitted_at = $%d", len(args)))
	}

	args = append(args, id)
	idPos := len(args)
	args = append(args, expected)
	expPos := len(args)

	query := fmt.Sprintf("UPDATE payouts SET %s WHERE id = $%d AND state = $%d",
		strings.Join(sets, ", "), idPos, expPos)

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		rec, err := p.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: have %s, want %s", ErrStateConflict, rec.State, expected)
	}

	return p.Get(ctx, id)
}

const selectColumns = `id, request, state, router, txid, confirmations, fee_amount, net_amount, reason, created_at, updated_at, submitted_at`

// Get loads one payout record.
func (p *Postgres) Get(ctx context.Context, id uuid.UUID) (*payout.Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM payouts WHERE id = $1`, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// List returns matching records in creation order.
func (p *Postgres) List(ctx context.Context, f Filter) ([]*payout.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM payouts`
	var conds []string
	var args []interface{}

	if f.State != "" {
		args = append(args, f.State)
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}
	if f.BatchType != "" {
		args = append(args, f.BatchType)
		conds = append(conds, fmt.Sprintf("request->>'batch_type' = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*payout.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*payout.Record, error) {
	var rec payout.Record
	var reqJSON []byte
	var txid sql.NullString
	var reason sql.NullString
	var submittedAt sql.NullTime

	err := s.Scan(&rec.ID, &reqJSON, &rec.State, &rec.Router, &txid, &rec.Confirmations,
		&rec.FeeAmount, &rec.NetAmount, &reason, &rec.CreatedAt, &rec.UpdatedAt, &submittedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(reqJSON, &rec.Request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	rec.TxID = txid.String
	rec.Reason = payout.Reason(reason.String)
	if submittedAt.Valid {
		t := submittedAt.Time
		rec.SubmittedAt = &t
	}
	return &rec, nil
}

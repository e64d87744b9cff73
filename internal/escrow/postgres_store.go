package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/ojapay/ojapay/internal/money"
)

// PostgresStore persists orders and disputes in PostgreSQL.
//
// The disputes table carries a partial unique index on (order_id) WHERE
// status = 'open'; that index, not the service-level checks, is what makes
// "one open dispute per order" hold across processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, handshake, buyer_id, listing_id, seller_id, pilot_id,
	amount, status, delivery_status, delivered_at, resolved_at, created_at, updated_at`

const disputeColumns = `id, order_id, claimant_id, reason, status, verdict,
	adjudicator_id, created_at, resolved_at`

func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(20,2), $8, $9, $10, $11, $12, $13)`,
		o.ID, o.Handshake, o.BuyerID, o.ListingID, o.SellerID, nullString(o.PilotID),
		money.Format(o.Amount), string(o.Status), string(o.DeliveryStatus),
		nullTime(o.DeliveredAt), nullTime(o.ResolvedAt), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

// UpdateOrder applies the write only while the stored status still equals
// expect. The status predicate makes every transition a compare-and-swap at
// the row, which is what holds across processes where the in-process order
// lock cannot.
func (p *PostgresStore) UpdateOrder(ctx context.Context, o *Order, expect Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders
		SET pilot_id = $2, status = $3, delivery_status = $4,
		    delivered_at = $5, resolved_at = $6, updated_at = $7
		WHERE id = $1 AND status = $8`,
		o.ID, nullString(o.PilotID), string(o.Status), string(o.DeliveryStatus),
		nullTime(o.DeliveredAt), nullTime(o.ResolvedAt), o.UpdatedAt,
		string(expect),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Zero rows is either a missing order or a lost status race.
		if _, getErr := p.GetOrder(ctx, o.ID); getErr != nil {
			return getErr
		}
		return ErrOrderConflict
	}
	return nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE buyer_id = $1 OR seller_id = $1 OR pilot_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return collectOrders(rows)
}

func (p *PostgresStore) ListEligibleForRelease(ctx context.Context, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'escrowed' AND delivery_status = 'delivered'
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return collectOrders(rows)
}

func (p *PostgresStore) ListResolvedSince(ctx context.Context, since time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('released', 'refunded') AND resolved_at >= $1
		ORDER BY resolved_at DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return collectOrders(rows)
}

func (p *PostgresStore) CountReleasedBySeller(ctx context.Context, sellerID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders WHERE seller_id = $1 AND status = 'released'`,
		sellerID).Scan(&count)
	return count, err
}

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.OrderID, d.ClaimantID, d.Reason, string(d.Status),
		nullString(string(d.Verdict)), nullString(d.AdjudicatorID),
		d.CreatedAt, nullTime(d.ResolvedAt),
	)
	if isUniqueViolation(err) {
		return ErrDisputeAlreadyOpen
	}
	return err
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetOpenDisputeByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE order_id = $1 AND status = 'open'`, orderID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $2, verdict = $3, adjudicator_id = $4, resolved_at = $5
		WHERE id = $1`,
		d.ID, string(d.Status), nullString(string(d.Verdict)),
		nullString(d.AdjudicatorID), nullTime(d.ResolvedAt),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		pilotID     sql.NullString
		amount      string
		status      string
		delivery    string
		deliveredAt sql.NullTime
		resolvedAt  sql.NullTime
	)
	err := s.Scan(&o.ID, &o.Handshake, &o.BuyerID, &o.ListingID, &o.SellerID, &pilotID,
		&amount, &status, &delivery, &deliveredAt, &resolvedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.PilotID = pilotID.String
	o.Status = Status(status)
	o.DeliveryStatus = DeliveryStatus(delivery)
	o.DeliveredAt = timePtr(deliveredAt)
	o.ResolvedAt = timePtr(resolvedAt)
	o.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount on %s: %w", o.ID, err)
	}
	return o, nil
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status        string
		verdict       sql.NullString
		adjudicatorID sql.NullString
		resolvedAt    sql.NullTime
	)
	err := s.Scan(&d.ID, &d.OrderID, &d.ClaimantID, &d.Reason, &status,
		&verdict, &adjudicatorID, &d.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.Status = DisputeStatus(status)
	d.Verdict = Verdict(verdict.String)
	d.AdjudicatorID = adjudicatorID.String
	d.ResolvedAt = timePtr(resolvedAt)
	return d, nil
}

func collectOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	cp := t.Time
	return &cp
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

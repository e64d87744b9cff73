package listing

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ojapay/ojapay/internal/money"
)

// PostgresStore persists listings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const listingColumns = `id, owner_id, agent_id, title, price, status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7, $8)`,
		l.ID, l.OwnerID, nullString(l.AgentID), l.Title,
		money.Format(l.Price), string(l.Status), l.CreatedAt, l.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, ErrListingNotFound
	}
	return l, err
}

// Transition is a status-guarded UPDATE. Matching zero rows means the
// listing either does not exist or lost a concurrent status race; a
// follow-up read tells the two apart.
func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE listings SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+listingColumns,
		id, string(from), string(to),
	)
	l, err := scanListing(row)
	if err == sql.ErrNoRows {
		current, getErr := p.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrListingUnavailable, id, current.Status)
	}
	return l, err
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(s scanner) (*Listing, error) {
	l := &Listing{}
	var (
		agentID sql.NullString
		price   string
		status  string
	)
	err := s.Scan(&l.ID, &l.OwnerID, &agentID, &l.Title, &price, &status, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.AgentID = agentID.String
	l.Status = Status(status)
	l.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("corrupt price on %s: %w", l.ID, err)
	}
	return l, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

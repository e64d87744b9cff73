package reputation

import (
	"context"
	"database/sql"
)

// PostgresStore persists reputation data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed reputation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) AddPilotRating(ctx context.Context, pilotID string, rating int) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pilot_ratings (pilot_id, rating_sum, rating_count, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (pilot_id) DO UPDATE SET
			rating_sum   = pilot_ratings.rating_sum + $2,
			rating_count = pilot_ratings.rating_count + 1,
			updated_at   = NOW()`,
		pilotID, rating)
	return err
}

func (p *PostgresStore) GetPilotRating(ctx context.Context, pilotID string) (*Rating, error) {
	r := &Rating{PilotID: pilotID}
	err := p.db.QueryRowContext(ctx, `
		SELECT rating_sum, rating_count, updated_at
		FROM pilot_ratings WHERE pilot_id = $1`, pilotID,
	).Scan(&r.Sum, &r.Count, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPilotNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) SetMerchantTier(ctx context.Context, merchantID string, tier Tier) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO merchant_tiers (merchant_id, tier, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (merchant_id) DO UPDATE SET
			tier       = $2,
			updated_at = NOW()`,
		merchantID, string(tier))
	return err
}

func (p *PostgresStore) GetMerchantTier(ctx context.Context, merchantID string) (Tier, error) {
	var tier string
	err := p.db.QueryRowContext(ctx, `
		SELECT tier FROM merchant_tiers WHERE merchant_id = $1`, merchantID).Scan(&tier)
	if err == sql.ErrNoRows {
		return TierNovice, nil
	}
	if err != nil {
		return "", err
	}
	return Tier(tier), nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

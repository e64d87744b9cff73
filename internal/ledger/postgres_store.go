package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/ojapay/ojapay/internal/idgen"
	"github.com/ojapay/ojapay/internal/money"
	"github.com/ojapay/ojapay/internal/pagination"
)

// PostgresStore persists the ledger in PostgreSQL.
//
// Correctness leans on the schema, not the application: the CHECK
// constraint on accounts.balance rejects overdrafts and the UNIQUE index on
// transactions.reference rejects replays, both inside the same serializable
// transaction as the balance update.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateAccount(ctx context.Context, account *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, created_at, updated_at)
		VALUES ($1, $2::NUMERIC(20,2), $3, $4)`,
		account.ID, money.Format(account.Balance), account.CreatedAt, account.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAccountExists
	}
	return err
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	acct := &Account{}
	var balance string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, balance, created_at, updated_at FROM accounts WHERE id = $1`, id,
	).Scan(&acct.ID, &balance, &acct.CreatedAt, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	acct.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("corrupt balance for %s: %w", id, err)
	}
	return acct, nil
}

// Apply commits all legs in one serializable transaction.
func (p *PostgresStore) Apply(ctx context.Context, legs []Leg) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, leg := range legs {
		if err := applyLeg(ctx, tx, leg); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyLeg(ctx context.Context, tx *sql.Tx, leg Leg) error {
	amount := money.Format(leg.Amount)

	switch leg.Type {
	case Credit:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, balance, created_at, updated_at)
			VALUES ($1, $2::NUMERIC(20,2), NOW(), NOW())
			ON CONFLICT (id) DO UPDATE SET
				balance    = accounts.balance + $2::NUMERIC(20,2),
				updated_at = NOW()`,
			leg.AccountID, amount)
		if err != nil {
			return fmt.Errorf("credit %s: %w", leg.AccountID, mapConstraint(err))
		}
	case Debit:
		// The balance >= 0 CHECK turns an overdraft into a constraint
		// violation inside the same statement that moves the money.
		result, err := tx.ExecContext(ctx, `
			UPDATE accounts SET
				balance    = balance - $2::NUMERIC(20,2),
				updated_at = NOW()
			WHERE id = $1`,
			leg.AccountID, amount)
		if err != nil {
			return fmt.Errorf("debit %s: %w", leg.AccountID, mapConstraint(err))
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return ErrAccountNotFound
		}
	default:
		return fmt.Errorf("unknown entry type %q", leg.Type)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, NOW())`,
		idgen.WithPrefix("txn_"), leg.AccountID, string(leg.Type), amount, leg.Reference)
	if err != nil {
		return fmt.Errorf("record %s: %w", leg.Reference, mapConstraint(err))
	}
	return nil
}

func (p *PostgresStore) HasReference(ctx context.Context, reference string) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions WHERE reference = $1`, reference).Scan(&count)
	return count > 0, err
}

func (p *PostgresStore) History(ctx context.Context, accountID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, account_id, type, amount, reference, created_at
			FROM transactions
			WHERE account_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, accountID, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, account_id, type, amount, reference, created_at
			FROM transactions
			WHERE account_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, accountID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) FindByReferencePrefix(ctx context.Context, prefix string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, type, amount, reference, created_at
		FROM transactions
		WHERE reference LIKE $1 || '%'
		ORDER BY created_at`, prefix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) CreateWithdrawal(ctx context.Context, w *Withdrawal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO withdrawals (id, account_id, amount, status, reference, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4, $5, $6, $7)`,
		w.ID, w.AccountID, money.Format(w.Amount), string(w.Status), w.Reference, w.CreatedAt, w.UpdatedAt)
	return err
}

func (p *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	w := &Withdrawal{}
	var amount, status string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, account_id, amount, status, reference, created_at, updated_at
		FROM withdrawals WHERE id = $1`, id,
	).Scan(&w.ID, &w.AccountID, &amount, &status, &w.Reference, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Status = WithdrawalStatus(status)
	w.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt withdrawal amount for %s: %w", id, err)
	}
	return w, nil
}

func (p *PostgresStore) UpdateWithdrawal(ctx context.Context, w *Withdrawal) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE withdrawals SET status = $2, updated_at = $3 WHERE id = $1`,
		w.ID, string(w.Status), w.UpdatedAt)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWithdrawalNotFound
	}
	return nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var entryType, amount string
		if err := rows.Scan(&t.ID, &t.AccountID, &entryType, &amount, &t.Reference, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = EntryType(entryType)
		var err error
		t.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("corrupt amount on %s: %w", t.ID, err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// mapConstraint converts Postgres constraint violations into the store's
// sentinel errors.
func mapConstraint(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code.Name() {
	case "unique_violation":
		return ErrDuplicateReference
	case "check_violation":
		return ErrInsufficientFunds
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

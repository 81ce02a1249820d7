package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yieldbrick/yieldbrick/internal/pgnum"
)

// PostgresLedger persists share balances in PostgreSQL. Balances are stored as
// NUMERIC(78,0) so full 256-bit wei-scale amounts round-trip without loss.
// Atomicity is provided by row locks (SELECT ... FOR UPDATE) inside a single
// transaction per operation; no application-level mutex is involved.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Balance returns the holder's balance for the agreement, zero when no row
// exists.
func (l *PostgresLedger) Balance(ctx context.Context, holder, agreementID string) (*big.Int, error) {
	const query = `SELECT balance FROM share_balances WHERE agreement_id = $1 AND holder_address = $2`
	var n pgtype.Numeric
	if err := l.db.QueryRow(ctx, query, agreementID, holder).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(big.Int), nil
		}
		return nil, err
	}
	return pgnum.ToBig(n), nil
}

// AvailableBalance returns the balance minus the caller-supplied reservation
// total, floored at zero.
func (l *PostgresLedger) AvailableBalance(ctx context.Context, holder, agreementID string, reserved *big.Int) (*big.Int, error) {
	bal, err := l.Balance(ctx, holder, agreementID)
	if err != nil {
		return nil, err
	}
	if reserved != nil {
		bal.Sub(bal, reserved)
	}
	if bal.Sign() < 0 {
		bal.SetInt64(0)
	}
	return bal, nil
}

// Credit increases the holder's balance, creating the row lazily on first
// credit. The upsert is a single atomic statement.
func (l *PostgresLedger) Credit(ctx context.Context, holder, agreementID string, amount *big.Int) (*big.Int, error) {
	if !validAmount(amount) {
		return nil, ErrInvalidAmount
	}
	const query = `
        INSERT INTO share_balances (agreement_id, holder_address, balance)
        VALUES ($1, $2, $3)
        ON CONFLICT (agreement_id, holder_address)
        DO UPDATE SET balance = share_balances.balance + EXCLUDED.balance
        RETURNING balance`
	var n pgtype.Numeric
	if err := l.db.QueryRow(ctx, query, agreementID, holder, pgnum.FromBig(amount)).Scan(&n); err != nil {
		return nil, err
	}
	return pgnum.ToBig(n), nil
}

// Debit decreases the holder's balance under a row lock so two concurrent
// debits cannot jointly exceed it.
func (l *PostgresLedger) Debit(ctx context.Context, holder, agreementID string, amount *big.Int) (*big.Int, error) {
	if !validAmount(amount) {
		return nil, ErrInvalidAmount
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	bal, err := debitInTx(ctx, tx, holder, agreementID, amount)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return bal, nil
}

// Transfer moves shares between holders within one transaction.
func (l *PostgresLedger) Transfer(ctx context.Context, from, to, agreementID string, amount *big.Int) (TransferResult, error) {
	if !validAmount(amount) {
		return TransferResult{}, ErrInvalidAmount
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return TransferResult{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	res, err := TransferInTx(ctx, tx, from, to, agreementID, amount)
	if err != nil {
		return TransferResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return TransferResult{}, err
	}
	return res, nil
}

// DistributedSupply sums all balances held for the agreement.
func (l *PostgresLedger) DistributedSupply(ctx context.Context, agreementID string) (*big.Int, error) {
	const query = `SELECT COALESCE(SUM(balance), 0) FROM share_balances WHERE agreement_id = $1`
	var n pgtype.Numeric
	if err := l.db.QueryRow(ctx, query, agreementID).Scan(&n); err != nil {
		return nil, err
	}
	return pgnum.ToBig(n), nil
}

// TransferInTx performs the debit-and-credit pair inside a caller-owned
// transaction. The marketplace settlement transaction uses it so the balance
// move commits or rolls back together with the listing decrement and trade
// insert, while the locking mechanism stays in this package.
//
// The destination row is created first and both rows are locked in holder
// order, so two transfers touching the same pair cannot deadlock.
func TransferInTx(ctx context.Context, tx pgx.Tx, from, to, agreementID string, amount *big.Int) (TransferResult, error) {
	if !validAmount(amount) {
		return TransferResult{}, ErrInvalidAmount
	}
	if from == to {
		return TransferResult{}, fmt.Errorf("transfer endpoints must differ")
	}

	const ensure = `
        INSERT INTO share_balances (agreement_id, holder_address, balance)
        VALUES ($1, $2, 0)
        ON CONFLICT (agreement_id, holder_address) DO NOTHING`
	if _, err := tx.Exec(ctx, ensure, agreementID, to); err != nil {
		return TransferResult{}, err
	}

	const lock = `
        SELECT holder_address, balance FROM share_balances
        WHERE agreement_id = $1 AND holder_address = ANY($2)
        ORDER BY holder_address
        FOR UPDATE`
	rows, err := tx.Query(ctx, lock, agreementID, []string{from, to})
	if err != nil {
		return TransferResult{}, err
	}

	balances := make(map[string]*big.Int, 2)
	for rows.Next() {
		var holder string
		var n pgtype.Numeric
		if err := rows.Scan(&holder, &n); err != nil {
			rows.Close()
			return TransferResult{}, err
		}
		balances[holder] = pgnum.ToBig(n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return TransferResult{}, err
	}

	fromBal, ok := balances[from]
	if !ok || fromBal.Cmp(amount) < 0 {
		return TransferResult{}, ErrInsufficientBalance
	}
	toBal := balances[to]

	fromBal.Sub(fromBal, amount)
	toBal.Add(toBal, amount)

	const update = `UPDATE share_balances SET balance = $3 WHERE agreement_id = $1 AND holder_address = $2`
	if _, err := tx.Exec(ctx, update, agreementID, from, pgnum.FromBig(fromBal)); err != nil {
		return TransferResult{}, err
	}
	if _, err := tx.Exec(ctx, update, agreementID, to, pgnum.FromBig(toBal)); err != nil {
		return TransferResult{}, err
	}

	return TransferResult{FromBalance: fromBal, ToBalance: toBal}, nil
}

func debitInTx(ctx context.Context, tx pgx.Tx, holder, agreementID string, amount *big.Int) (*big.Int, error) {
	const lock = `
        SELECT balance FROM share_balances
        WHERE agreement_id = $1 AND holder_address = $2
        FOR UPDATE`
	var n pgtype.Numeric
	if err := tx.QueryRow(ctx, lock, agreementID, holder).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInsufficientBalance
		}
		return nil, err
	}
	bal := pgnum.ToBig(n)
	if bal.Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	bal.Sub(bal, amount)

	const update = `UPDATE share_balances SET balance = $3 WHERE agreement_id = $1 AND holder_address = $2`
	if _, err := tx.Exec(ctx, update, agreementID, holder, pgnum.FromBig(bal)); err != nil {
		return nil, err
	}
	return bal, nil
}

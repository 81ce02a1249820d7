package registry

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yieldbrick/yieldbrick/internal/pgnum"
)

// PostgresRegistry stores agreements in PostgreSQL.
type PostgresRegistry struct {
	db *pgxpool.Pool
}

// NewPostgresRegistry builds a registry backed by PostgreSQL.
func NewPostgresRegistry(db *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// Get fetches an agreement by identifier.
func (r *PostgresRegistry) Get(ctx context.Context, id string) (Agreement, error) {
	const query = `SELECT id, property_id, total_token_supply, is_active, created_at
        FROM agreements WHERE id = $1`
	var a Agreement
	var supply pgtype.Numeric
	var createdAt time.Time
	if err := r.db.QueryRow(ctx, query, id).Scan(&a.ID, &a.PropertyID, &supply, &a.IsActive, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrAgreementNotFound
		}
		return Agreement{}, err
	}
	a.TotalTokenSupply = pgnum.ToBig(supply)
	a.CreatedAt = createdAt.UTC()
	return a, nil
}

// Create inserts an agreement record.
func (r *PostgresRegistry) Create(ctx context.Context, agreement Agreement) error {
	supply := pgnum.FromBig(agreement.TotalTokenSupply)
	const query = `INSERT INTO agreements (id, property_id, total_token_supply, is_active, created_at)
        VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Exec(ctx, query, agreement.ID, agreement.PropertyID, supply, agreement.IsActive, agreement.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAgreementExists
	}
	return err
}

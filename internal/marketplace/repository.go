package marketplace

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yieldbrick/yieldbrick/internal/ledger"
	"github.com/yieldbrick/yieldbrick/internal/pgnum"
)

// Filter narrows listing queries.
type Filter struct {
	AgreementID string
	Seller      string
	Status      ListingStatus
}

// SettleInput describes an atomic fill to commit.
type SettleInput struct {
	TradeID            string
	ListingID          string
	Buyer              string
	Shares             *big.Int
	TotalPriceUSDCents int64
	ExecutedAt         time.Time
}

// SettleOutcome reports the committed fill.
type SettleOutcome struct {
	Trade       Trade
	Listing     Listing
	FromBalance *big.Int
	ToBalance   *big.Int
}

// Repository persists listings and trades. Settle is the atomic unit of
// `buy_shares`: the ledger transfer, the listing decrement and the trade
// insert commit together or not at all, re-validating remaining shares under
// the same lock so concurrent buyers can never oversell a listing.
type Repository interface {
	// CreateListing validates the seller's unreserved balance and inserts
	// the listing as one atomic unit; ErrInsufficientShares when the
	// seller's active reservations plus the new listing exceed their
	// ledger balance.
	CreateListing(ctx context.Context, listing Listing) error
	GetListing(ctx context.Context, id string) (Listing, error)
	ListListings(ctx context.Context, filter Filter) ([]Listing, error)
	// ReservedShares sums the remaining shares across the seller's ACTIVE
	// listings for the agreement: their logical reservation against the
	// ledger balance.
	ReservedShares(ctx context.Context, seller, agreementID string) (*big.Int, error)
	// UpdateListingStatus transitions from -> to as a compare-and-set;
	// ErrListingNotActive when the listing is no longer in `from`.
	UpdateListingStatus(ctx context.Context, id string, from, to ListingStatus) error
	Settle(ctx context.Context, input SettleInput) (SettleOutcome, error)
	SetTradeSettlementRef(ctx context.Context, tradeID, reference string) error
	ListTrades(ctx context.Context, listingID string) ([]Trade, error)
}

// PostgresRepository stores marketplace state in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const listingColumns = `id, agreement_id, seller_address, shares_listed, shares_for_sale,
    price_per_share_usd_cents, price_per_share_wei, status, expires_at, created_at`

// CreateListing inserts a listing record in one transaction: lock the
// seller's balance row, re-sum their active reservations and reject the
// insert when balance - reserved cannot cover the new listing. The lock
// serializes concurrent listings by the same seller so they cannot
// over-reserve between check and insert.
func (r *PostgresRepository) CreateListing(ctx context.Context, l Listing) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	const lockBalance = `SELECT balance FROM share_balances
        WHERE agreement_id = $1 AND holder_address = $2 FOR UPDATE`
	var bal pgtype.Numeric
	if err := tx.QueryRow(ctx, lockBalance, l.AgreementID, l.Seller).Scan(&bal); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInsufficientShares
		}
		return err
	}

	const sumReserved = `SELECT COALESCE(SUM(shares_for_sale), 0) FROM listings
        WHERE seller_address = $1 AND agreement_id = $2 AND status = $3`
	var reserved pgtype.Numeric
	if err := tx.QueryRow(ctx, sumReserved, l.Seller, l.AgreementID, string(StatusActive)).Scan(&reserved); err != nil {
		return err
	}

	demand := new(big.Int).Add(pgnum.ToBig(reserved), l.SharesForSale)
	if demand.Cmp(pgnum.ToBig(bal)) > 0 {
		return ErrInsufficientShares
	}

	const query = `INSERT INTO listings (` + listingColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	if _, err := tx.Exec(ctx, query,
		l.ID, l.AgreementID, l.Seller, pgnum.FromBig(l.SharesListed), pgnum.FromBig(l.SharesForSale),
		l.PricePerShareUSDCents, pgnum.FromBig(l.PricePerShareWei), string(l.Status),
		l.ExpiresAt.UTC(), l.CreatedAt.UTC()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetListing fetches a listing by identifier.
func (r *PostgresRepository) GetListing(ctx context.Context, id string) (Listing, error) {
	row := r.db.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Listing{}, ErrListingNotFound
	}
	return l, err
}

// ListListings returns listings matching the filter, newest first.
func (r *PostgresRepository) ListListings(ctx context.Context, f Filter) ([]Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE 1=1`
	args := []any{}
	if f.AgreementID != "" {
		args = append(args, f.AgreementID)
		query += ` AND agreement_id = $` + strconv.Itoa(len(args))
	}
	if f.Seller != "" {
		args = append(args, f.Seller)
		query += ` AND seller_address = $` + strconv.Itoa(len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// ReservedShares sums the seller's active reservations for the agreement.
func (r *PostgresRepository) ReservedShares(ctx context.Context, seller, agreementID string) (*big.Int, error) {
	const query = `SELECT COALESCE(SUM(shares_for_sale), 0) FROM listings
        WHERE seller_address = $1 AND agreement_id = $2 AND status = $3`
	var n pgtype.Numeric
	if err := r.db.QueryRow(ctx, query, seller, agreementID, string(StatusActive)).Scan(&n); err != nil {
		return nil, err
	}
	return pgnum.ToBig(n), nil
}

// UpdateListingStatus performs the compare-and-set transition.
func (r *PostgresRepository) UpdateListingStatus(ctx context.Context, id string, from, to ListingStatus) error {
	tag, err := r.db.Exec(ctx, `UPDATE listings SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetListing(ctx, id); err != nil {
			return err
		}
		return ErrListingNotActive
	}
	return nil
}

// Settle commits the fill in one transaction: lock the listing row,
// re-validate, move balances through the ledger, decrement the listing and
// record the trade. Any failure rolls the entire unit back.
func (r *PostgresRepository) Settle(ctx context.Context, input SettleInput) (SettleOutcome, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return SettleOutcome{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, input.ListingID)
	listing, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SettleOutcome{}, ErrListingNotFound
		}
		return SettleOutcome{}, err
	}
	if listing.Status != StatusActive {
		return SettleOutcome{}, ErrListingNotActive
	}
	if listing.SharesForSale.Cmp(input.Shares) < 0 {
		return SettleOutcome{}, ErrInsufficientSharesAvailable
	}

	transfer, err := ledger.TransferInTx(ctx, tx, listing.Seller, input.Buyer, listing.AgreementID, input.Shares)
	if err != nil {
		return SettleOutcome{}, err
	}

	remaining := new(big.Int).Sub(listing.SharesForSale, input.Shares)
	status := StatusActive
	if remaining.Sign() == 0 {
		status = StatusSold
	}
	if _, err := tx.Exec(ctx, `UPDATE listings SET shares_for_sale = $2, status = $3 WHERE id = $1`,
		listing.ID, pgnum.FromBig(remaining), string(status)); err != nil {
		return SettleOutcome{}, err
	}

	trade := Trade{
		ID:                 input.TradeID,
		ListingID:          listing.ID,
		Buyer:              input.Buyer,
		SharesPurchased:    new(big.Int).Set(input.Shares),
		TotalPriceUSDCents: input.TotalPriceUSDCents,
		ExecutedAt:         input.ExecutedAt,
	}
	const insertTrade = `INSERT INTO trades (id, listing_id, buyer_address, shares_purchased,
        total_price_usd_cents, settlement_reference, executed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := tx.Exec(ctx, insertTrade, trade.ID, trade.ListingID, trade.Buyer,
		pgnum.FromBig(trade.SharesPurchased), trade.TotalPriceUSDCents, trade.SettlementReference,
		trade.ExecutedAt.UTC()); err != nil {
		return SettleOutcome{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return SettleOutcome{}, err
	}

	listing.SharesForSale = remaining
	listing.Status = status
	return SettleOutcome{
		Trade:       trade,
		Listing:     listing,
		FromBalance: transfer.FromBalance,
		ToBalance:   transfer.ToBalance,
	}, nil
}

// SetTradeSettlementRef backfills the custody reference once mirroring
// succeeds.
func (r *PostgresRepository) SetTradeSettlementRef(ctx context.Context, tradeID, reference string) error {
	_, err := r.db.Exec(ctx, `UPDATE trades SET settlement_reference = $2 WHERE id = $1`, tradeID, reference)
	return err
}

// ListTrades returns all fills against a listing, oldest first.
func (r *PostgresRepository) ListTrades(ctx context.Context, listingID string) ([]Trade, error) {
	const query = `SELECT id, listing_id, buyer_address, shares_purchased,
        total_price_usd_cents, settlement_reference, executed_at
        FROM trades WHERE listing_id = $1 ORDER BY executed_at`
	rows, err := r.db.Query(ctx, query, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		var shares pgtype.Numeric
		var executedAt time.Time
		if err := rows.Scan(&t.ID, &t.ListingID, &t.Buyer, &shares,
			&t.TotalPriceUSDCents, &t.SettlementReference, &executedAt); err != nil {
			return nil, err
		}
		t.SharesPurchased = pgnum.ToBig(shares)
		t.ExecutedAt = executedAt.UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func scanListing(row pgx.Row) (Listing, error) {
	var l Listing
	var listed, forSale, wei pgtype.Numeric
	var status string
	var expiresAt, createdAt time.Time
	err := row.Scan(&l.ID, &l.AgreementID, &l.Seller, &listed, &forSale,
		&l.PricePerShareUSDCents, &wei, &status, &expiresAt, &createdAt)
	if err != nil {
		return Listing{}, err
	}
	l.SharesListed = pgnum.ToBig(listed)
	l.SharesForSale = pgnum.ToBig(forSale)
	l.PricePerShareWei = pgnum.ToBig(wei)
	l.Status = ListingStatus(status)
	l.ExpiresAt = expiresAt.UTC()
	l.CreatedAt = createdAt.UTC()
	return l, nil
}



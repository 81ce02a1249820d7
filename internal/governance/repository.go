package governance

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yieldbrick/yieldbrick/internal/pgnum"
)

// Repository persists proposals and votes. CastVote must be atomic: the
// uniqueness check, vote insert and tally increment happen as one unit, so two
// concurrent votes by the same voter resolve to exactly one row.
type Repository interface {
	Create(ctx context.Context, proposal Proposal) error
	Get(ctx context.Context, id string) (Proposal, error)
	List(ctx context.Context, agreementID string) ([]Proposal, error)
	CastVote(ctx context.Context, vote Vote) (Proposal, error)
	GetVote(ctx context.Context, proposalID, voter string) (Vote, error)
	// MarkExecuted sets the executed flag as a compare-and-set;
	// ErrAlreadyExecuted when the proposal was claimed by another caller.
	MarkExecuted(ctx context.Context, id string) error
	MarkDefeated(ctx context.Context, id string) error
}

// PostgresRepository stores governance state in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const proposalColumns = `id, agreement_id, proposer, proposal_type, target_value, description,
    voting_start, voting_end, quorum_required, proposal_threshold,
    votes_for, votes_against, votes_abstain, executed, defeated, created_at`

// Create inserts a proposal record.
func (r *PostgresRepository) Create(ctx context.Context, p Proposal) error {
	const query = `INSERT INTO proposals (` + proposalColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err := r.db.Exec(ctx, query,
		p.ID, p.AgreementID, p.Proposer, string(p.Type), p.TargetValue, p.Description,
		p.VotingStart.UTC(), p.VotingEnd.UTC(), pgnum.FromBig(p.QuorumRequired), pgnum.FromBig(p.ProposalThreshold),
		pgnum.FromBig(p.VotesFor), pgnum.FromBig(p.VotesAgainst), pgnum.FromBig(p.VotesAbstain),
		p.Executed, p.Defeated, p.CreatedAt.UTC())
	return err
}

// Get fetches a proposal by identifier.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Proposal, error) {
	row := r.db.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id)
	p, err := scanProposal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Proposal{}, ErrProposalNotFound
	}
	return p, err
}

// List returns proposals, optionally filtered by agreement, newest first.
func (r *PostgresRepository) List(ctx context.Context, agreementID string) ([]Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals ORDER BY created_at DESC`
	args := []any{}
	if agreementID != "" {
		query = `SELECT ` + proposalColumns + ` FROM proposals WHERE agreement_id = $1 ORDER BY created_at DESC`
		args = append(args, agreementID)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proposals []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

// CastVote inserts the vote and bumps the matching tally in one transaction.
// The UNIQUE (proposal_id, voter_address) constraint arbitrates concurrent
// duplicates: the loser observes zero inserted rows and gets ErrAlreadyVoted.
func (r *PostgresRepository) CastVote(ctx context.Context, v Vote) (Proposal, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Proposal{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	const insert = `INSERT INTO votes (proposal_id, voter_address, support, voting_power, voted_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (proposal_id, voter_address) DO NOTHING`
	tag, err := tx.Exec(ctx, insert, v.ProposalID, v.Voter, int(v.Support), pgnum.FromBig(v.VotingPower), v.VotedAt.UTC())
	if err != nil {
		return Proposal{}, err
	}
	if tag.RowsAffected() == 0 {
		return Proposal{}, ErrAlreadyVoted
	}

	column := "votes_against"
	switch v.Support {
	case SupportFor:
		column = "votes_for"
	case SupportAbstain:
		column = "votes_abstain"
	}
	row := tx.QueryRow(ctx, `UPDATE proposals SET `+column+` = `+column+` + $2
        WHERE id = $1 RETURNING `+proposalColumns, v.ProposalID, pgnum.FromBig(v.VotingPower))
	p, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrProposalNotFound
		}
		return Proposal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// GetVote fetches one voter's ballot on a proposal.
func (r *PostgresRepository) GetVote(ctx context.Context, proposalID, voter string) (Vote, error) {
	const query = `SELECT proposal_id, voter_address, support, voting_power, voted_at
        FROM votes WHERE proposal_id = $1 AND voter_address = $2`
	var v Vote
	var support int
	var power pgtype.Numeric
	var votedAt time.Time
	if err := r.db.QueryRow(ctx, query, proposalID, voter).Scan(&v.ProposalID, &v.Voter, &support, &power, &votedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Vote{}, ErrVoteNotFound
		}
		return Vote{}, err
	}
	v.Support = Support(support)
	v.VotingPower = pgnum.ToBig(power)
	v.VotedAt = votedAt.UTC()
	return v, nil
}

// MarkExecuted claims execution as a compare-and-set: the update succeeds for
// exactly one caller, everyone else gets ErrAlreadyExecuted.
func (r *PostgresRepository) MarkExecuted(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `UPDATE proposals SET executed = TRUE WHERE id = $1 AND NOT executed`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyExecuted
	}
	return nil
}

// MarkDefeated records the terminal defeated outcome. An already-executed
// proposal stays executed; marking it defeated is a no-op.
func (r *PostgresRepository) MarkDefeated(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `UPDATE proposals SET defeated = TRUE WHERE id = $1 AND NOT executed`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func scanProposal(row pgx.Row) (Proposal, error) {
	var p Proposal
	var ptype string
	var quorum, threshold, votesFor, votesAgainst, votesAbstain pgtype.Numeric
	var start, end, created time.Time
	err := row.Scan(&p.ID, &p.AgreementID, &p.Proposer, &ptype, &p.TargetValue, &p.Description,
		&start, &end, &quorum, &threshold,
		&votesFor, &votesAgainst, &votesAbstain, &p.Executed, &p.Defeated, &created)
	if err != nil {
		return Proposal{}, err
	}
	p.Type = ProposalType(ptype)
	p.VotingStart = start.UTC()
	p.VotingEnd = end.UTC()
	p.QuorumRequired = pgnum.ToBig(quorum)
	p.ProposalThreshold = pgnum.ToBig(threshold)
	p.VotesFor = pgnum.ToBig(votesFor)
	p.VotesAgainst = pgnum.ToBig(votesAgainst)
	p.VotesAbstain = pgnum.ToBig(votesAbstain)
	p.CreatedAt = created.UTC()
	return p, nil
}

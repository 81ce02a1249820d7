package governance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/yieldbrick/yieldbrick/internal/config"
	"github.com/yieldbrick/yieldbrick/internal/ledger"
	"github.com/yieldbrick/yieldbrick/internal/notification"
	"github.com/yieldbrick/yieldbrick/internal/registry"
)

const basisPointDenominator = 10_000

// Service manages the proposal lifecycle: creation, vote casting and
// execution. Voting power is always read from the ledger at cast time.
type Service struct {
	repo       Repository
	ledger     ledger.Ledger
	agreements registry.Registry
	applier    ActionApplier
	notifier   notification.Notifier
	params     config.GovernanceParams

	now func() time.Time
}

// NewService builds a governance service instance. A nil applier means
// execution only flips the flag, with no external side effect.
func NewService(repo Repository, led ledger.Ledger, agreements registry.Registry, applier ActionApplier, notifier notification.Notifier, params config.GovernanceParams) *Service {
	return &Service{
		repo:       repo,
		ledger:     led,
		agreements: agreements,
		applier:    applier,
		notifier:   notifier,
		params:     params,
		now:        time.Now,
	}
}

// CreateProposalInput captures data required to open a proposal.
type CreateProposalInput struct {
	AgreementID string
	Proposer    string
	Type        ProposalType
	TargetValue int64
	Description string
}

// CreateProposal opens a proposal for an agreement. The voting window starts
// after the configured delay, and quorum/threshold are computed from the
// distributed supply at this moment and stored on the proposal, so later
// share circulation cannot move the target.
func (s *Service) CreateProposal(ctx context.Context, input CreateProposalInput) (Proposal, error) {
	if _, err := s.agreements.Get(ctx, input.AgreementID); err != nil {
		return Proposal{}, err
	}

	supply, err := s.ledger.DistributedSupply(ctx, input.AgreementID)
	if err != nil {
		return Proposal{}, fmt.Errorf("read distributed supply: %w", err)
	}
	if supply.Sign() == 0 {
		return Proposal{}, ErrNoTokenDistribution
	}

	now := s.now().UTC()
	start := now.Add(s.params.VotingDelay)

	proposal := Proposal{
		ID:                uuid.NewString(),
		AgreementID:       input.AgreementID,
		Proposer:          input.Proposer,
		Type:              input.Type,
		TargetValue:       input.TargetValue,
		Description:       input.Description,
		VotingStart:       start,
		VotingEnd:         start.Add(s.params.VotingPeriod),
		QuorumRequired:    basisPoints(supply, s.params.QuorumBP),
		ProposalThreshold: basisPoints(supply, s.params.ThresholdBP),
		VotesFor:          new(big.Int),
		VotesAgainst:      new(big.Int),
		VotesAbstain:      new(big.Int),
		CreatedAt:         now,
	}

	if err := s.repo.Create(ctx, proposal); err != nil {
		return Proposal{}, err
	}
	return proposal, nil
}

// CastVote records a ballot with the voter's current ledger balance as voting
// power. A holder who acquired shares mid-vote votes with today's balance, but
// can never vote twice: the repository arbitrates concurrent duplicates.
func (s *Service) CastVote(ctx context.Context, proposalID, voter string, support Support) (Vote, error) {
	if !support.Valid() {
		return Vote{}, fmt.Errorf("invalid support value %d", support)
	}

	proposal, err := s.repo.Get(ctx, proposalID)
	if err != nil {
		return Vote{}, err
	}

	now := s.now().UTC()
	if now.Before(proposal.VotingStart) || now.After(proposal.VotingEnd) {
		return Vote{}, ErrVotingNotActive
	}

	power, err := s.ledger.Balance(ctx, voter, proposal.AgreementID)
	if err != nil {
		return Vote{}, fmt.Errorf("read voting power: %w", err)
	}
	if power.Sign() == 0 {
		return Vote{}, ErrNoVotingPower
	}

	vote := Vote{
		ProposalID:  proposalID,
		Voter:       voter,
		Support:     support,
		VotingPower: power,
		VotedAt:     now,
	}
	if _, err := s.repo.CastVote(ctx, vote); err != nil {
		return Vote{}, err
	}
	return vote, nil
}

// ExecuteProposal claims a succeeded proposal via the repository's
// compare-and-set and applies its action exactly once. A concurrent or
// repeated invocation loses the claim and returns the executed proposal as a
// no-op success, so callers can retry safely without re-applying the action.
// A failed-outcome proposal gets its defeated flag pinned so the terminal
// state survives any later tally reads.
func (s *Service) ExecuteProposal(ctx context.Context, proposalID string) (Proposal, error) {
	proposal, err := s.repo.Get(ctx, proposalID)
	if err != nil {
		return Proposal{}, err
	}
	if proposal.Executed {
		return proposal, nil
	}

	now := s.now().UTC()
	if !now.After(proposal.VotingEnd) {
		return Proposal{}, ErrVotingNotEnded
	}
	if !proposal.QuorumReached() {
		if err := s.repo.MarkDefeated(ctx, proposalID); err != nil {
			return Proposal{}, err
		}
		return Proposal{}, ErrQuorumNotReached
	}
	if !proposal.Passed() {
		if err := s.repo.MarkDefeated(ctx, proposalID); err != nil {
			return Proposal{}, err
		}
		return Proposal{}, ErrNotPassed
	}

	// Claim before applying: the compare-and-set succeeds for exactly one
	// caller, so the external action runs at most once.
	if err := s.repo.MarkExecuted(ctx, proposalID); err != nil {
		if errors.Is(err, ErrAlreadyExecuted) {
			return s.repo.Get(ctx, proposalID)
		}
		return Proposal{}, err
	}
	proposal.Executed = true

	if s.applier != nil {
		if err := s.applier.Apply(ctx, proposal); err != nil {
			return Proposal{}, fmt.Errorf("apply proposal action: %w", err)
		}
	}

	if s.notifier != nil {
		_ = s.notifier.Send(ctx, notification.Message{
			Kind:        notification.KindProposalExecuted,
			Destination: proposal.Proposer,
			Body:        fmt.Sprintf("Proposal %s executed for agreement %s", proposal.ID, proposal.AgreementID),
		})
	}
	return proposal, nil
}

// GetProposal retrieves a proposal by identifier.
func (s *Service) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	return s.repo.Get(ctx, proposalID)
}

// ListProposals returns proposals, optionally filtered by agreement.
func (s *Service) ListProposals(ctx context.Context, agreementID string) ([]Proposal, error) {
	return s.repo.List(ctx, agreementID)
}

// Status computes the proposal's lifecycle state at the current instant.
func (s *Service) Status(proposal Proposal) Status {
	return proposal.StatusAt(s.now().UTC())
}

// VotingPower returns the holder's current ledger balance for the agreement.
func (s *Service) VotingPower(ctx context.Context, voter, agreementID string) (*big.Int, error) {
	return s.ledger.Balance(ctx, voter, agreementID)
}

func basisPoints(supply *big.Int, bp int64) *big.Int {
	out := new(big.Int).Mul(supply, big.NewInt(bp))
	return out.Div(out, big.NewInt(basisPointDenominator))
}

package governance

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	// ErrProposalNotFound occurs when the referenced proposal does not exist.
	ErrProposalNotFound = errors.New("proposal not found")

	// ErrNoTokenDistribution occurs when a proposal is created for an
	// agreement before any shares have been credited; a proposal with zero
	// attainable voting power is never admissible.
	ErrNoTokenDistribution = errors.New("no shares distributed for agreement")

	// ErrVotingNotActive occurs when a vote is cast outside the proposal's
	// voting window.
	ErrVotingNotActive = errors.New("voting is not active")

	// ErrAlreadyVoted occurs when a voter attempts a second vote on the same
	// proposal.
	ErrAlreadyVoted = errors.New("voter already voted on proposal")

	// ErrNoVotingPower occurs when the voter holds no shares of the
	// proposal's agreement.
	ErrNoVotingPower = errors.New("voter has no voting power")

	// ErrVotingNotEnded occurs when execution is attempted before the window
	// closes.
	ErrVotingNotEnded = errors.New("voting has not ended")

	// ErrQuorumNotReached occurs when total participation fell short of the
	// quorum fixed at proposal creation.
	ErrQuorumNotReached = errors.New("quorum not reached")

	// ErrNotPassed occurs when the proposal met quorum but the for votes did
	// not exceed the against votes.
	ErrNotPassed = errors.New("proposal did not pass")

	// ErrVoteNotFound occurs when looking up a vote that was never cast.
	ErrVoteNotFound = errors.New("vote not found")

	// ErrAlreadyExecuted occurs when a second caller tries to claim an
	// already-executed proposal.
	ErrAlreadyExecuted = errors.New("proposal already executed")
)

// ProposalType identifies the parameter a proposal intends to change.
type ProposalType string

const (
	TypeROIAdjustment      ProposalType = "roi_adjustment"
	TypeReserveAllocation  ProposalType = "reserve_allocation"
	TypeReserveWithdrawal  ProposalType = "reserve_withdrawal"
	TypeParameterUpdate    ProposalType = "parameter_update"
	TypeGovernanceUpdate   ProposalType = "governance_parameter_update"
)

// ParseProposalType validates a wire-format proposal type.
func ParseProposalType(s string) (ProposalType, error) {
	switch t := ProposalType(s); t {
	case TypeROIAdjustment, TypeReserveAllocation, TypeReserveWithdrawal,
		TypeParameterUpdate, TypeGovernanceUpdate:
		return t, nil
	default:
		return "", fmt.Errorf("unknown proposal type %q", s)
	}
}

// Support encodes a vote direction.
type Support int

const (
	SupportAgainst Support = 0
	SupportFor     Support = 1
	SupportAbstain Support = 2
)

// Valid reports whether the support value is one of the three directions.
func (s Support) Valid() bool {
	return s == SupportAgainst || s == SupportFor || s == SupportAbstain
}

// Status is the computed lifecycle state of a proposal. It is derived from
// time and tallies, never persisted redundantly.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSucceeded Status = "succeeded"
	StatusDefeated  Status = "defeated"
	StatusExecuted  Status = "executed"
)

// Proposal is a governance action over one agreement. Quorum and threshold are
// fixed at creation from the distributed supply at that moment, so circulating
// shares cannot move the target mid-vote.
type Proposal struct {
	ID                string
	AgreementID       string
	Proposer          string
	Type              ProposalType
	TargetValue       int64
	Description       string
	VotingStart       time.Time
	VotingEnd         time.Time
	QuorumRequired    *big.Int
	ProposalThreshold *big.Int
	VotesFor          *big.Int
	VotesAgainst      *big.Int
	VotesAbstain      *big.Int
	Executed          bool
	Defeated          bool
	CreatedAt         time.Time
}

// TotalVotes sums participation across all three directions.
func (p Proposal) TotalVotes() *big.Int {
	total := new(big.Int).Add(p.VotesFor, p.VotesAgainst)
	return total.Add(total, p.VotesAbstain)
}

// QuorumReached reports whether participation meets the fixed quorum.
func (p Proposal) QuorumReached() bool {
	return p.TotalVotes().Cmp(p.QuorumRequired) >= 0
}

// Passed reports whether the proposal met quorum with a strict for-majority.
func (p Proposal) Passed() bool {
	return p.QuorumReached() && p.VotesFor.Cmp(p.VotesAgainst) > 0
}

// StatusAt computes the lifecycle state at the given instant. Terminal states
// (executed, defeated) never regress to a live one.
func (p Proposal) StatusAt(now time.Time) Status {
	if p.Executed {
		return StatusExecuted
	}
	if p.Defeated {
		return StatusDefeated
	}
	if now.Before(p.VotingStart) {
		return StatusPending
	}
	if !now.After(p.VotingEnd) {
		return StatusActive
	}
	if p.Passed() {
		return StatusSucceeded
	}
	return StatusDefeated
}

// Vote records one holder's ballot. Immutable once cast; uniqueness on
// (proposal, voter) is the double-vote guard.
type Vote struct {
	ProposalID  string
	Voter       string
	Support     Support
	VotingPower *big.Int
	VotedAt     time.Time
}

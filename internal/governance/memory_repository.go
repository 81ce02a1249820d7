package governance

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
)

type memoryRepository struct {
	mu        sync.Mutex
	proposals map[string]*Proposal
	votes     map[string]Vote // keyed proposalID|voter
}

// NewMemoryRepository constructs an in-memory repository for tests and dev
// mode. The single mutex makes the check-then-insert of CastVote atomic.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		proposals: make(map[string]*Proposal),
		votes:     make(map[string]Vote),
	}
}

func voteKey(proposalID, voter string) string {
	return proposalID + "|" + voter
}

func (r *memoryRepository) Create(_ context.Context, p Proposal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.proposals[p.ID]; exists {
		return errors.New("proposal exists")
	}
	stored := p
	r.proposals[p.ID] = &stored
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proposals[id]
	if !ok {
		return Proposal{}, ErrProposalNotFound
	}
	return cloneProposal(*p), nil
}

func (r *memoryRepository) List(_ context.Context, agreementID string) ([]Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Proposal
	for _, p := range r.proposals {
		if agreementID == "" || p.AgreementID == agreementID {
			out = append(out, cloneProposal(*p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryRepository) CastVote(_ context.Context, v Vote) (Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.proposals[v.ProposalID]
	if !ok {
		return Proposal{}, ErrProposalNotFound
	}

	key := voteKey(v.ProposalID, v.Voter)
	if _, voted := r.votes[key]; voted {
		return Proposal{}, ErrAlreadyVoted
	}
	r.votes[key] = v

	switch v.Support {
	case SupportFor:
		p.VotesFor = new(big.Int).Add(p.VotesFor, v.VotingPower)
	case SupportAbstain:
		p.VotesAbstain = new(big.Int).Add(p.VotesAbstain, v.VotingPower)
	default:
		p.VotesAgainst = new(big.Int).Add(p.VotesAgainst, v.VotingPower)
	}
	return cloneProposal(*p), nil
}

func (r *memoryRepository) GetVote(_ context.Context, proposalID, voter string) (Vote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.votes[voteKey(proposalID, voter)]
	if !ok {
		return Vote{}, ErrVoteNotFound
	}
	return v, nil
}

func (r *memoryRepository) MarkExecuted(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proposals[id]
	if !ok {
		return ErrProposalNotFound
	}
	if p.Executed {
		return ErrAlreadyExecuted
	}
	p.Executed = true
	return nil
}

func (r *memoryRepository) MarkDefeated(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proposals[id]
	if !ok {
		return ErrProposalNotFound
	}
	if !p.Executed {
		p.Defeated = true
	}
	return nil
}

func cloneProposal(p Proposal) Proposal {
	p.QuorumRequired = new(big.Int).Set(p.QuorumRequired)
	p.ProposalThreshold = new(big.Int).Set(p.ProposalThreshold)
	p.VotesFor = new(big.Int).Set(p.VotesFor)
	p.VotesAgainst = new(big.Int).Set(p.VotesAgainst)
	p.VotesAbstain = new(big.Int).Set(p.VotesAbstain)
	return p
}

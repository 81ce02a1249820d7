package governance

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/yieldbrick/yieldbrick/internal/config"
	"github.com/yieldbrick/yieldbrick/internal/ledger"
	"github.com/yieldbrick/yieldbrick/internal/notification"
	"github.com/yieldbrick/yieldbrick/internal/registry"
)

const testAgreementID = "agr-oakview-12"

var testParams = config.GovernanceParams{
	VotingDelay:  24 * time.Hour,
	VotingPeriod: 7 * 24 * time.Hour,
	QuorumBP:     1_000,
	ThresholdBP:  100,
}

type testNotifier struct {
	last notification.Message
}

func (n *testNotifier) Send(_ context.Context, msg notification.Message) error {
	n.last = msg
	return nil
}

type countingApplier struct {
	mu    sync.Mutex
	calls int
}

func (a *countingApplier) Apply(_ context.Context, _ Proposal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return nil
}

func newTestService(t *testing.T) (*Service, ledger.Ledger, Repository) {
	t.Helper()

	led := ledger.NewInMemory()
	agreements := registry.NewMemoryRegistry()
	if err := agreements.Create(context.Background(), registry.Agreement{
		ID:               testAgreementID,
		PropertyID:       "prop-oakview",
		TotalTokenSupply: ledger.Shares(1_000_000),
		IsActive:         true,
	}); err != nil {
		t.Fatalf("seed agreement: %v", err)
	}

	repo := NewMemoryRepository()
	svc := NewService(repo, led, agreements, nil, nil, testParams)
	return svc, led, repo
}

// seedHolders distributes exactly 1,000,000 shares so a 1,000bp quorum lands
// at 100,000 shares.
func seedHolders(led ledger.Ledger, balances map[string]int64) {
	total := int64(1_000_000)
	for holder, shares := range balances {
		ledger.SeedBalance(led, holder, testAgreementID, ledger.Shares(shares))
		total -= shares
	}
	if total > 0 {
		ledger.SeedBalance(led, "0xPassiveMajority", testAgreementID, ledger.Shares(total))
	}
}

func TestProposalDefeatedBelowQuorum(t *testing.T) {
	svc, led, _ := newTestService(t)
	seedHolders(led, map[string]int64{"0xAlice": 60_000, "0xBob": 30_000})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	svc.now = func() time.Time { return now }

	ctx := context.Background()
	proposal, err := svc.CreateProposal(ctx, CreateProposalInput{
		AgreementID: testAgreementID,
		Proposer:    "0xAlice",
		Type:        TypeROIAdjustment,
		TargetValue: 850,
		Description: "raise target ROI to 8.5%",
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	if proposal.QuorumRequired.Cmp(ledger.Shares(100_000)) != 0 {
		t.Fatalf("expected quorum of 100000 shares, got %s", proposal.QuorumRequired)
	}

	now = base.Add(25 * time.Hour)
	if _, err := svc.CastVote(ctx, proposal.ID, "0xAlice", SupportFor); err != nil {
		t.Fatalf("alice vote: %v", err)
	}
	if _, err := svc.CastVote(ctx, proposal.ID, "0xBob", SupportAgainst); err != nil {
		t.Fatalf("bob vote: %v", err)
	}

	now = proposal.VotingEnd.Add(time.Hour)
	if _, err := svc.ExecuteProposal(ctx, proposal.ID); !errors.Is(err, ErrQuorumNotReached) {
		t.Fatalf("expected quorum failure, got %v", err)
	}

	got, err := svc.GetProposal(ctx, proposal.ID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if !got.Defeated || got.Executed {
		t.Fatalf("expected defeated proposal, got %+v", got)
	}
	if svc.Status(got) != StatusDefeated {
		t.Fatalf("expected defeated status, got %s", svc.Status(got))
	}
}

func TestProposalExecutesOnceAndStaysExecuted(t *testing.T) {
	svc, led, _ := newTestService(t)
	seedHolders(led, map[string]int64{"0xAlice": 80_000, "0xBob": 20_000})

	applier := &countingApplier{}
	notifier := &testNotifier{}
	svc.applier = applier
	svc.notifier = notifier

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	svc.now = func() time.Time { return now }

	ctx := context.Background()
	proposal, err := svc.CreateProposal(ctx, CreateProposalInput{
		AgreementID: testAgreementID,
		Proposer:    "0xAlice",
		Type:        TypeReserveAllocation,
		TargetValue: 500,
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}

	now = proposal.VotingStart.Add(time.Hour)
	if _, err := svc.CastVote(ctx, proposal.ID, "0xAlice", SupportFor); err != nil {
		t.Fatalf("alice vote: %v", err)
	}
	if _, err := svc.CastVote(ctx, proposal.ID, "0xBob", SupportAgainst); err != nil {
		t.Fatalf("bob vote: %v", err)
	}

	now = proposal.VotingEnd.Add(time.Minute)
	executed, err := svc.ExecuteProposal(ctx, proposal.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !executed.Executed {
		t.Fatalf("expected executed flag set")
	}
	if applier.calls != 1 {
		t.Fatalf("expected one apply call, got %d", applier.calls)
	}
	if notifier.last.Kind != notification.KindProposalExecuted {
		t.Fatalf("expected execution notification, got %q", notifier.last.Kind)
	}

	// Retrying a finished execution is a harmless no-op.
	if _, err := svc.ExecuteProposal(ctx, proposal.ID); err != nil {
		t.Fatalf("re-execute: %v", err)
	}
	if applier.calls != 1 {
		t.Fatalf("expected apply not to run twice, got %d calls", applier.calls)
	}

	got, _ := svc.GetProposal(ctx, proposal.ID)
	if svc.Status(got) != StatusExecuted {
		t.Fatalf("expected executed status, got %s", svc.Status(got))
	}
}

func TestConcurrentExecuteAppliesOnce(t *testing.T) {
	svc, led, _ := newTestService(t)
	seedHolders(led, map[string]int64{"0xAlice": 80_000, "0xBob": 20_000})

	applier := &countingApplier{}
	svc.applier = applier

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	svc.now = func() time.Time { return now }

	ctx := context.Background()
	proposal, err := svc.CreateProposal(ctx, CreateProposalInput{
		AgreementID: testAgreementID,
		Proposer:    "0xAlice",
		Type:        TypeReserveAllocation,
		TargetValue: 500,
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}

	now = proposal.VotingStart.Add(time.Hour)
	if _, err := svc.CastVote(ctx, proposal.ID, "0xAlice", SupportFor); err != nil {
		t.Fatalf("alice vote: %v", err)
	}

	now = proposal.VotingEnd.Add(time.Minute)
	const callers = 10
	var wg sync.WaitGroup
	errCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ExecuteProposal(ctx, proposal.ID)
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	if applier.calls != 1 {
		t.Fatalf("expected exactly one apply call, got %d", applier.calls)
	}
	got, _ := svc.GetProposal(ctx, proposal.ID)
	if !got.Executed {
		t.Fatalf("expected executed proposal, got %+v", got)
	}
}

func TestCastVoteRequiresShares(t *testing.T) {
	svc, led, repo := newTestService(t)
	seedHolders(led, map[string]int64{"0xAlice": 100_000})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	svc.now = func() time.Time { return now }

	ctx := context.Background()
	proposal, err := svc.CreateProposal(ctx, CreateProposalInput{
		AgreementID: testAgreementID,
		Proposer:    "0xAlice",
		Type:        TypeParameterUpdate,
		TargetValue: 30,
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}

	now = proposal.VotingStart.Add(time.Hour)
	if _, err := svc.CastVote(ctx, proposal.ID, "0xCharlie", SupportFor); !errors.Is(err, ErrNoVotingPower) {
		t.Fatalf("expected no voting power, got %v", err)
	}
	if _, err := repo.GetVote(ctx, proposal.ID, "0xCharlie"); !errors.Is(err, ErrVoteNotFound) {
		t.Fatalf("expected no vote recorded, got %v", err)
	}

	got, _ := svc.GetProposal(ctx, proposal.ID)
	if got.TotalVotes().Sign() != 0 {
		t.Fatalf("expected untouched tallies, got %s", got.TotalVotes())
	}
}

func TestDoubleVoteSingleWinner(t *testing.T) {
	svc, led, _ := newTestService(t)
	seedHolders(led, map[string]int64{"0xAlice": 50_000})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	svc.now = func() time.Time { return now }

	ctx := context.Background()
	proposal, err := svc.CreateProposal(ctx, CreateProposalInput{
		AgreementID: testAgreementID,
		Proposer:    "0xAlice",
		Type:        TypeROIAdjustment,
		TargetValue: 700,
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	now = proposal.VotingStart.Add(time.Hour)

	const attempts = 10
	var wg sync.WaitGroup
	errCh := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CastVote(ctx, proposal.ID, "0xAlice", SupportFor)
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)

	var ok, dup int
	for err := range errCh {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyVoted):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != attempts-1 {
		t.Fatalf("expected exactly one accepted vote, got ok=%d dup=%d", ok, dup)
	}

	got, _ := svc.GetProposal(ctx, proposal.ID)
	if got.VotesFor.Cmp(ledger.Shares(50_000)) != 0 {
		t.Fatalf("expected tally counted once, got %s", got.VotesFor)
	}
}

func TestCreateProposalPreconditions(t *testing.T) {
	svc, _, _ := newTestService(t)

	ctx := context.Background()
	if _, err := svc.CreateProposal(ctx, CreateProposalInput{AgreementID: "agr-missing", Proposer: "0xAlice", Type: TypeROIAdjustment}); !errors.Is(err, registry.ErrAgreementNotFound) {
		t.Fatalf("expected agreement not found, got %v", err)
	}

	// Agreement exists but no share has ever been credited.
	if _, err := svc.CreateProposal(ctx, CreateProposalInput{AgreementID: testAgreementID, Proposer: "0xAlice", Type: TypeROIAdjustment}); !errors.Is(err, ErrNoTokenDistribution) {
		t.Fatalf("expected no token distribution, got %v", err)
	}
}

func TestVotingWindowBounds(t *testing.T) {
	svc, led, _ := newTestService(t)
	seedHolders(led, map[string]int64{"0xAlice": 10_000})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	svc.now = func() time.Time { return now }

	ctx := context.Background()
	proposal, err := svc.CreateProposal(ctx, CreateProposalInput{
		AgreementID: testAgreementID,
		Proposer:    "0xAlice",
		Type:        TypeROIAdjustment,
		TargetValue: 800,
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}

	// Still in the pre-vote delay.
	if _, err := svc.CastVote(ctx, proposal.ID, "0xAlice", SupportFor); !errors.Is(err, ErrVotingNotActive) {
		t.Fatalf("expected voting not active before start, got %v", err)
	}
	if svc.Status(proposal) != StatusPending {
		t.Fatalf("expected pending status, got %s", svc.Status(proposal))
	}

	// Execution cannot run while the window is open.
	now = proposal.VotingStart.Add(time.Hour)
	if _, err := svc.ExecuteProposal(ctx, proposal.ID); !errors.Is(err, ErrVotingNotEnded) {
		t.Fatalf("expected voting not ended, got %v", err)
	}

	// The window close is exclusive on the cast side.
	now = proposal.VotingEnd.Add(time.Second)
	if _, err := svc.CastVote(ctx, proposal.ID, "0xAlice", SupportFor); !errors.Is(err, ErrVotingNotActive) {
		t.Fatalf("expected voting not active after end, got %v", err)
	}
}

func TestAbstainCountsTowardQuorumOnly(t *testing.T) {
	svc, led, _ := newTestService(t)
	seedHolders(led, map[string]int64{"0xAlice": 40_000, "0xBob": 30_000, "0xCarol": 60_000})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	svc.now = func() time.Time { return now }

	ctx := context.Background()
	proposal, err := svc.CreateProposal(ctx, CreateProposalInput{
		AgreementID: testAgreementID,
		Proposer:    "0xAlice",
		Type:        TypeReserveWithdrawal,
		TargetValue: 1_200,
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}

	now = proposal.VotingStart.Add(time.Hour)
	if _, err := svc.CastVote(ctx, proposal.ID, "0xAlice", SupportFor); err != nil {
		t.Fatalf("alice vote: %v", err)
	}
	if _, err := svc.CastVote(ctx, proposal.ID, "0xBob", SupportAgainst); err != nil {
		t.Fatalf("bob vote: %v", err)
	}
	if _, err := svc.CastVote(ctx, proposal.ID, "0xCarol", SupportAbstain); err != nil {
		t.Fatalf("carol vote: %v", err)
	}

	// 130k participation clears the 100k quorum; for strictly beats against.
	now = proposal.VotingEnd.Add(time.Minute)
	executed, err := svc.ExecuteProposal(ctx, proposal.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !executed.Executed {
		t.Fatalf("expected proposal executed")
	}
}

func TestVotingPowerSnapshotAtCast(t *testing.T) {
	svc, led, _ := newTestService(t)
	seedHolders(led, map[string]int64{"0xAlice": 20_000})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	svc.now = func() time.Time { return now }

	ctx := context.Background()
	proposal, err := svc.CreateProposal(ctx, CreateProposalInput{
		AgreementID: testAgreementID,
		Proposer:    "0xAlice",
		Type:        TypeROIAdjustment,
		TargetValue: 600,
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}

	// Shares acquired after creation still vote: power is read at cast time.
	if _, err := led.Credit(ctx, "0xAlice", testAgreementID, ledger.Shares(5_000)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	now = proposal.VotingStart.Add(time.Hour)
	vote, err := svc.CastVote(ctx, proposal.ID, "0xAlice", SupportFor)
	if err != nil {
		t.Fatalf("cast vote: %v", err)
	}
	if vote.VotingPower.Cmp(ledger.Shares(25_000)) != 0 {
		t.Fatalf("expected 25000 shares of power, got %s", vote.VotingPower)
	}

	// Selling afterwards does not change the recorded tally.
	if _, err := led.Debit(ctx, "0xAlice", testAgreementID, ledger.Shares(25_000)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	got, _ := svc.GetProposal(ctx, proposal.ID)
	if got.VotesFor.Cmp(ledger.Shares(25_000)) != 0 {
		t.Fatalf("expected tally unchanged, got %s", got.VotesFor)
	}
}

func TestBasisPointsRounding(t *testing.T) {
	supply := big.NewInt(10_001)
	if got := basisPoints(supply, 1_000); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected floor division, got %s", got)
	}
}

package governance

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/yieldbrick/yieldbrick/internal/ethaddr"
	"github.com/yieldbrick/yieldbrick/internal/registry"
)

// Handler exposes governance endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a governance handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createProposalRequest struct {
	AgreementID  string `json:"agreement_id"`
	Proposer     string `json:"proposer"`
	ProposalType string `json:"proposal_type"`
	TargetValue  int64  `json:"target_value"`
	Description  string `json:"description"`
}

// Create opens a new proposal.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createProposalRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	proposer, err := ethaddr.Normalize(req.Proposer)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid proposer address")
	}
	ptype, err := ParseProposalType(req.ProposalType)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	proposal, err := h.service.CreateProposal(c.UserContext(), CreateProposalInput{
		AgreementID: req.AgreementID,
		Proposer:    proposer,
		Type:        ptype,
		TargetValue: req.TargetValue,
		Description: req.Description,
	})
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrAgreementNotFound):
			return fiber.NewError(http.StatusNotFound, "agreement not found")
		case errors.Is(err, ErrNoTokenDistribution):
			return fiber.NewError(http.StatusConflict, "no shares distributed for agreement")
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}

	return c.Status(http.StatusCreated).JSON(h.proposalJSON(proposal))
}

// Get returns one proposal with its computed status.
func (h *Handler) Get(c *fiber.Ctx) error {
	proposal, err := h.service.GetProposal(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, ErrProposalNotFound) {
			return fiber.NewError(http.StatusNotFound, "proposal not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(h.proposalJSON(proposal))
}

// List returns proposals, optionally filtered by agreement_id.
func (h *Handler) List(c *fiber.Ctx) error {
	proposals, err := h.service.ListProposals(c.UserContext(), c.Query("agreement_id"))
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	out := make([]fiber.Map, 0, len(proposals))
	for _, p := range proposals {
		out = append(out, h.proposalJSON(p))
	}
	return c.JSON(fiber.Map{"proposals": out})
}

type castVoteRequest struct {
	Voter   string `json:"voter"`
	Support int    `json:"support"`
}

// Vote casts a ballot on a proposal.
func (h *Handler) Vote(c *fiber.Ctx) error {
	var req castVoteRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	voter, err := ethaddr.Normalize(req.Voter)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid voter address")
	}
	support := Support(req.Support)
	if !support.Valid() {
		return fiber.NewError(http.StatusBadRequest, "support must be 0 (against), 1 (for) or 2 (abstain)")
	}

	vote, err := h.service.CastVote(c.UserContext(), c.Params("id"), voter, support)
	if err != nil {
		switch {
		case errors.Is(err, ErrProposalNotFound):
			return fiber.NewError(http.StatusNotFound, "proposal not found")
		case errors.Is(err, ErrVotingNotActive):
			return fiber.NewError(http.StatusConflict, "voting is not active")
		case errors.Is(err, ErrAlreadyVoted):
			return fiber.NewError(http.StatusConflict, "voter already voted")
		case errors.Is(err, ErrNoVotingPower):
			return fiber.NewError(http.StatusForbidden, "voter has no voting power")
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}

	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"proposal_id":  vote.ProposalID,
		"voter":        vote.Voter,
		"support":      int(vote.Support),
		"voting_power": vote.VotingPower.String(),
		"voted_at":     vote.VotedAt,
	})
}

// Execute applies a succeeded proposal.
func (h *Handler) Execute(c *fiber.Ctx) error {
	proposal, err := h.service.ExecuteProposal(c.UserContext(), c.Params("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrProposalNotFound):
			return fiber.NewError(http.StatusNotFound, "proposal not found")
		case errors.Is(err, ErrVotingNotEnded):
			return fiber.NewError(http.StatusConflict, "voting has not ended")
		case errors.Is(err, ErrQuorumNotReached):
			return fiber.NewError(http.StatusConflict, "quorum not reached")
		case errors.Is(err, ErrNotPassed):
			return fiber.NewError(http.StatusConflict, "proposal did not pass")
		default:
			return fiber.NewError(http.StatusBadGateway, err.Error())
		}
	}
	return c.JSON(h.proposalJSON(proposal))
}

// VotingPower reports a holder's current voting power for an agreement.
func (h *Handler) VotingPower(c *fiber.Ctx) error {
	voter, err := ethaddr.Normalize(c.Params("address"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid holder address")
	}
	power, err := h.service.VotingPower(c.UserContext(), voter, c.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{
		"agreement_id": c.Params("id"),
		"voter":        voter,
		"voting_power": power.String(),
	})
}

func (h *Handler) proposalJSON(p Proposal) fiber.Map {
	return fiber.Map{
		"id":                 p.ID,
		"agreement_id":       p.AgreementID,
		"proposer":           p.Proposer,
		"proposal_type":      string(p.Type),
		"target_value":       p.TargetValue,
		"description":        p.Description,
		"voting_start":       p.VotingStart,
		"voting_end":         p.VotingEnd,
		"quorum_required":    p.QuorumRequired.String(),
		"proposal_threshold": p.ProposalThreshold.String(),
		"votes_for":          p.VotesFor.String(),
		"votes_against":      p.VotesAgainst.String(),
		"votes_abstain":      p.VotesAbstain.String(),
		"status":             string(h.service.Status(p)),
		"created_at":         p.CreatedAt,
	}
}

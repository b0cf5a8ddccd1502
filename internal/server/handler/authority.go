package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/betcha/internal/authority"
	"github.com/alanyoungcy/betcha/internal/domain"
)

// AuthorityService defines the group operations the authority handler needs.
type AuthorityService interface {
	Approve(ctx context.Context, group, member, round common.Address, outcome domain.Side) (authority.Approval, error)
	SubmitSignature(ctx context.Context, group, round common.Address, outcome domain.Side, sig string) (authority.Approval, common.Address, error)
	ExecuteApproval(ctx context.Context, group, round common.Address, outcome domain.Side) (authority.Approval, error)
	Group(ctx context.Context, addr common.Address) (domain.GroupSnapshot, error)
}

// AuthorityHandler serves resolver group endpoints.
type AuthorityHandler struct {
	groups   AuthorityService
	verifier *CallVerifier
	logger   *slog.Logger
}

// NewAuthorityHandler creates an AuthorityHandler.
func NewAuthorityHandler(groups AuthorityService, verifier *CallVerifier, logger *slog.Logger) *AuthorityHandler {
	return &AuthorityHandler{
		groups:   groups,
		verifier: verifier,
		logger:   logHandler(logger, "authorities"),
	}
}

type approveCall struct {
	roundCall
	Outcome string `json:"outcome"`
}

// settlementApproval is an approval carried by an EIP-712 settlement
// signature instead of a signed call.
type settlementApproval struct {
	Round     common.Address `json:"round"`
	Outcome   string         `json:"outcome"`
	Signature string         `json:"signature"`
}

type approvalResponse struct {
	Group     common.Address `json:"group"`
	Round     common.Address `json:"round"`
	Outcome   domain.Side    `json:"outcome"`
	Member    common.Address `json:"member,omitempty"`
	Approvals int            `json:"approvals"`
	Threshold int            `json:"threshold"`
	Executed  bool           `json:"executed"`
	Event     *domain.Event  `json:"event,omitempty"`
}

func newApprovalResponse(group, member common.Address, a authority.Approval) approvalResponse {
	return approvalResponse{
		Group:     group,
		Round:     a.Round,
		Outcome:   a.Outcome,
		Member:    member,
		Approvals: a.Approvals,
		Threshold: a.Threshold,
		Executed:  a.Executed,
		Event:     a.Event,
	}
}

// Approve records a member's approval of settling a round. The body is
// either a signed "approve" call from the member, or a settlement signature
// that anyone may relay.
// POST /api/authorities/{address}/approvals
func (h *AuthorityHandler) Approve(w http.ResponseWriter, r *http.Request) {
	group, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}

	var env SignedCall
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(env.Call) == 0 {
		h.approveSignature(w, r, group, body)
		return
	}

	var c approveCall
	call, err := h.verifier.VerifyEnvelope(r.Context(), env, ActionApprove, &c)
	if err != nil {
		writeVerifyError(w, err)
		return
	}
	outcome, err := parseSide(c.Outcome)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := h.groups.Approve(r.Context(), group, call.From, c.Round, outcome)
	if err != nil {
		writeServiceError(w, r, h.logger, "approve", err)
		return
	}
	writeJSON(w, http.StatusOK, newApprovalResponse(group, call.From, a))
}

func (h *AuthorityHandler) approveSignature(w http.ResponseWriter, r *http.Request, group common.Address, body []byte) {
	var req settlementApproval
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Signature == "" {
		writeError(w, http.StatusBadRequest, "call or signature is required")
		return
	}
	outcome, err := parseSide(req.Outcome)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, member, err := h.groups.SubmitSignature(r.Context(), group, req.Round, outcome, req.Signature)
	if err != nil {
		writeServiceError(w, r, h.logger, "submit signature", err)
		return
	}
	writeJSON(w, http.StatusOK, newApprovalResponse(group, member, a))
}

type executeRequest struct {
	Round   common.Address `json:"round"`
	Outcome string         `json:"outcome"`
}

// Execute settles a proposal that already reached threshold but has not
// been applied.
// POST /api/authorities/{address}/execute
func (h *AuthorityHandler) Execute(w http.ResponseWriter, r *http.Request) {
	group, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	var req executeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	outcome, err := parseSide(req.Outcome)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := h.groups.ExecuteApproval(r.Context(), group, req.Round, outcome)
	if err != nil {
		writeServiceError(w, r, h.logger, "execute", err)
		return
	}
	writeJSON(w, http.StatusOK, newApprovalResponse(group, common.Address{}, a))
}

// GetGroup returns the group's members, threshold, nonce and open
// approvals.
// GET /api/authorities/{address}
func (h *AuthorityHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	group, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	snap, err := h.groups.Group(r.Context(), group)
	if err != nil {
		writeServiceError(w, r, h.logger, "get group", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

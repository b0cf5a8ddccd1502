package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/betcha/internal/domain"
	"github.com/alanyoungcy/betcha/internal/ledger"
	"github.com/alanyoungcy/betcha/internal/service"
)

// LedgerService defines the asset operations the ledger handler needs.
type LedgerService interface {
	Credit(ctx context.Context, asset, to common.Address, amount *big.Int) error
	ApproveAllowance(ctx context.Context, call domain.Call, asset, spender common.Address, amount *big.Int) error
	Balances(ctx context.Context, owner common.Address) ([]service.Balance, error)
	Tokens(ctx context.Context) ([]ledger.Token, error)
}

// LedgerHandler serves balance and allowance endpoints.
type LedgerHandler struct {
	ledger   LedgerService
	verifier *CallVerifier
	logger   *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(l LedgerService, verifier *CallVerifier, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{
		ledger:   l,
		verifier: verifier,
		logger:   logHandler(logger, "ledger"),
	}
}

type creditRequest struct {
	Asset  common.Address `json:"asset"`
	To     common.Address `json:"to"`
	Amount string         `json:"amount"`
}

// Credit mints funds to an account. Mounted behind operator auth.
// POST /api/ledger/credit
func (h *LedgerHandler) Credit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.ledger.Credit(r.Context(), req.Asset, req.To, amount); err != nil {
		writeServiceError(w, r, h.logger, "credit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "credited",
		"amount": amount.String(),
	})
}

type allowanceCall struct {
	CallHeader
	Asset   common.Address `json:"asset"`
	Spender common.Address `json:"spender"`
	Amount  string         `json:"amount"`
}

// Approve sets the signer's token allowance for a spender, usually a round.
// POST /api/ledger/approve
func (h *LedgerHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var c allowanceCall
	call, err := h.verifier.Verify(r, ActionAllowance, &c)
	if err != nil {
		writeVerifyError(w, err)
		return
	}
	amount, err := parseAmount(c.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.ledger.ApproveAllowance(r.Context(), call, c.Asset, c.Spender, amount); err != nil {
		writeServiceError(w, r, h.logger, "approve allowance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "approved",
		"owner":   call.From.Hex(),
		"spender": c.Spender.Hex(),
		"amount":  amount.String(),
	})
}

// Balances lists native and token holdings of an account.
// GET /api/ledger/balances/{address}
func (h *LedgerHandler) Balances(w http.ResponseWriter, r *http.Request) {
	owner, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	bals, err := h.ledger.Balances(r.Context(), owner)
	if err != nil {
		writeServiceError(w, r, h.logger, "balances", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":  owner,
		"balances": bals,
	})
}

// Tokens lists the deployed wager tokens.
// GET /api/ledger/tokens
func (h *LedgerHandler) Tokens(w http.ResponseWriter, r *http.Request) {
	toks, err := h.ledger.Tokens(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "tokens", err)
		return
	}
	if toks == nil {
		toks = []ledger.Token{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": toks})
}

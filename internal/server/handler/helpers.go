// Package handler implements the betcha HTTP API on top of the round
// service.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// errorResponse is the body of every non-2xx reply. Kind is set for
// rejected calls.
type errorResponse struct {
	Error string      `json:"error"`
	Kind  domain.Kind `json:"kind,omitempty"`
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusForKind maps a revert kind to its HTTP status.
func statusForKind(k domain.Kind) int {
	switch k {
	case domain.KindPhaseViolation, domain.KindDuplicateState:
		return http.StatusConflict
	case domain.KindAuthorizationViolation:
		return http.StatusForbidden
	case domain.KindInsufficientValue:
		return http.StatusPaymentRequired
	default:
		return http.StatusUnprocessableEntity
	}
}

// writeServiceError translates a service error into a response. Reverts
// carry their reason and kind; anything unrecognised is logged and hidden.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	var re *domain.RevertError
	switch {
	case errors.As(err, &re):
		writeJSON(w, statusForKind(re.Kind), errorResponse{Error: re.Reason, Kind: re.Kind})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrBadSignature), errors.Is(err, domain.ErrCallExpired):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrReplayedCall):
		writeError(w, http.StatusConflict, domain.ErrReplayedCall.Error())
	case errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusServiceUnavailable, "round busy, retry")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	default:
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// parseAddress accepts a 0x-prefixed 20-byte hex address.
func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// addressParam parses a path parameter as an address, writing a 400 on
// failure.
func addressParam(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	addr, err := parseAddress(r.PathValue(name))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return common.Address{}, false
	}
	return addr, true
}

// parseSide accepts "yes"/"no" and "true"/"false".
func parseSide(s string) (domain.Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "true":
		return domain.SideYes, nil
	case "no", "false":
		return domain.SideNo, nil
	default:
		return false, fmt.Errorf("invalid side %q", s)
	}
}

// parseAmount parses a non-negative base-10 integer. Empty means zero.
func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return n, nil
}

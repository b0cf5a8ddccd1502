package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/betcha/internal/domain"
	"github.com/alanyoungcy/betcha/internal/service"
)

// RoundService defines the methods that the round handler requires from the
// service layer.
type RoundService interface {
	CreateRound(ctx context.Context, call domain.Call, p domain.CreateRoundParams) (domain.RoundSnapshot, domain.Event, error)
	Wager(ctx context.Context, call domain.Call, addr common.Address, side domain.Side) (domain.Event, error)
	Settle(ctx context.Context, call domain.Call, addr common.Address, outcome domain.Side) (domain.Event, error)
	Claim(ctx context.Context, call domain.Call, addr, participant common.Address) (domain.Event, error)
	Round(ctx context.Context, addr common.Address) (service.RoundView, error)
	ListRounds(ctx context.Context, opts domain.ListOpts) ([]service.RoundView, error)
	Events(ctx context.Context, addr common.Address) ([]domain.Event, error)
	Participant(ctx context.Context, addr, participant common.Address) (service.ParticipantView, error)
}

// ArchivePath names the stored archive of a round.
type ArchivePath func(addr common.Address) string

// RoundHandler serves round endpoints.
type RoundHandler struct {
	rounds      RoundService
	verifier    *CallVerifier
	archive     domain.BlobReader
	archivePath ArchivePath
	logger      *slog.Logger
}

// NewRoundHandler creates a RoundHandler.
func NewRoundHandler(rounds RoundService, verifier *CallVerifier, logger *slog.Logger) *RoundHandler {
	return &RoundHandler{
		rounds:   rounds,
		verifier: verifier,
		logger:   logHandler(logger, "rounds"),
	}
}

// WithArchive enables GET /api/rounds/{address}/archive.
func (h *RoundHandler) WithArchive(reader domain.BlobReader, path ArchivePath) *RoundHandler {
	h.archive = reader
	h.archivePath = path
	return h
}

type createRoundCall struct {
	CallHeader
	WagerAsset            common.Address   `json:"wager_asset"`
	StakeAmount           string           `json:"stake_amount"`
	Resolvers             []common.Address `json:"resolvers"`
	WagerDeadlineAt       int64            `json:"wager_deadline_at"`
	SettlementAvailableAt int64            `json:"settlement_available_at"`
	MetadataURI           string           `json:"metadata_uri"`
}

type roundCall struct {
	CallHeader
	Round common.Address `json:"round"`
}

type sideCall struct {
	roundCall
	Side string `json:"side"`
}

type claimCall struct {
	roundCall
	Participant common.Address `json:"participant"`
}

type createRoundResponse struct {
	Round domain.RoundSnapshot `json:"round"`
	Event domain.Event         `json:"event"`
}

// CreateRound deploys a new round from a signed call.
// POST /api/rounds
func (h *RoundHandler) CreateRound(w http.ResponseWriter, r *http.Request) {
	var c createRoundCall
	call, err := h.verifier.Verify(r, ActionCreateRound, &c)
	if err != nil {
		writeVerifyError(w, err)
		return
	}
	stake, err := parseAmount(c.StakeAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, ev, err := h.rounds.CreateRound(r.Context(), call, domain.CreateRoundParams{
		WagerAsset:            c.WagerAsset,
		StakeAmount:           stake,
		Resolvers:             c.Resolvers,
		WagerDeadlineAt:       time.Unix(c.WagerDeadlineAt, 0).UTC(),
		SettlementAvailableAt: time.Unix(c.SettlementAvailableAt, 0).UTC(),
		MetadataURI:           c.MetadataURI,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "create round", err)
		return
	}
	writeJSON(w, http.StatusCreated, createRoundResponse{Round: snap, Event: ev})
}

// ListRounds pages through rounds, newest first.
// GET /api/rounds?limit=50&offset=0
func (h *RoundHandler) ListRounds(w http.ResponseWriter, r *http.Request) {
	views, err := h.rounds.ListRounds(r.Context(), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list rounds", err)
		return
	}
	if views == nil {
		views = []service.RoundView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rounds": views})
}

// GetRound returns one round with its phase and payout projections.
// GET /api/rounds/{address}
func (h *RoundHandler) GetRound(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	view, err := h.rounds.Round(r.Context(), addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "get round", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListEvents returns the round's event log in sequence order.
// GET /api/rounds/{address}/events
func (h *RoundHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	evs, err := h.rounds.Events(r.Context(), addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "list events", err)
		return
	}
	if evs == nil {
		evs = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// GetParticipant reports whether an address wagered and claimed.
// GET /api/rounds/{address}/participants/{participant}
func (h *RoundHandler) GetParticipant(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	p, ok := addressParam(w, r, "participant")
	if !ok {
		return
	}
	view, err := h.rounds.Participant(r.Context(), addr, p)
	if err != nil {
		writeServiceError(w, r, h.logger, "get participant", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Wager places the signer's stake.
// POST /api/rounds/{address}/wager
func (h *RoundHandler) Wager(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	var c sideCall
	call, err := h.verifier.Verify(r, ActionWager, &c)
	if err != nil {
		writeVerifyError(w, err)
		return
	}
	if c.Round != addr {
		writeError(w, http.StatusBadRequest, "call round does not match path")
		return
	}
	side, err := parseSide(c.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := h.rounds.Wager(r.Context(), call, addr, side)
	if err != nil {
		writeServiceError(w, r, h.logger, "wager", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// Settle records the outcome; only a sole resolver can use this route.
// POST /api/rounds/{address}/settle
func (h *RoundHandler) Settle(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	var c sideCall
	call, err := h.verifier.Verify(r, ActionSettle, &c)
	if err != nil {
		writeVerifyError(w, err)
		return
	}
	if c.Round != addr {
		writeError(w, http.StatusBadRequest, "call round does not match path")
		return
	}
	outcome, err := parseSide(c.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := h.rounds.Settle(r.Context(), call, addr, outcome)
	if err != nil {
		writeServiceError(w, r, h.logger, "settle", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// Claim pays a winner. Any signer may trigger it for any participant.
// POST /api/rounds/{address}/claim
func (h *RoundHandler) Claim(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	var c claimCall
	call, err := h.verifier.Verify(r, ActionClaim, &c)
	if err != nil {
		writeVerifyError(w, err)
		return
	}
	if c.Round != addr {
		writeError(w, http.StatusBadRequest, "call round does not match path")
		return
	}
	participant := c.Participant
	if participant == (common.Address{}) {
		participant = call.From
	}
	ev, err := h.rounds.Claim(r.Context(), call, addr, participant)
	if err != nil {
		writeServiceError(w, r, h.logger, "claim", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// GetArchive streams the archived JSONL audit trail of a settled round.
// GET /api/rounds/{address}/archive
func (h *RoundHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotFound, "archive storage disabled")
		return
	}
	addr, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	body, err := h.archive.Get(r.Context(), h.archivePath(addr))
	if err != nil {
		writeServiceError(w, r, h.logger, "get archive", err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "archive stream interrupted",
			slog.String("round", addr.Hex()),
			slog.String("error", err.Error()),
		)
	}
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("handler", handler))
}

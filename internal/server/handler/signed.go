package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	bcrypto "github.com/alanyoungcy/betcha/internal/crypto"
	"github.com/alanyoungcy/betcha/internal/domain"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 64 << 10

// Call actions. A signature only authorizes the action it names.
const (
	ActionCreateRound = "create_round"
	ActionWager       = "wager"
	ActionSettle      = "settle"
	ActionClaim       = "claim"
	ActionApprove     = "approve"
	ActionAllowance   = "ledger_approve"
)

// SignedCall is the envelope of every state-changing request. Signature is
// an EIP-191 personal signature over the exact bytes of Call.
type SignedCall struct {
	Call      json.RawMessage `json:"call"`
	Signature string          `json:"signature"`
}

// CallHeader is the part of a call common to every action.
type CallHeader struct {
	Action    string         `json:"action"`
	From      common.Address `json:"from"`
	Value     string         `json:"value,omitempty"`
	ExpiresAt int64          `json:"expires_at"`
	Nonce     string         `json:"nonce,omitempty"`
}

// ReplayGuard remembers calls already accepted.
type ReplayGuard interface {
	Mark(ctx context.Context, digest string, ttl time.Duration) error
}

// CallVerifier authenticates signed calls.
type CallVerifier struct {
	replay ReplayGuard
	maxTTL time.Duration
	now    func() time.Time
}

// NewCallVerifier creates a CallVerifier. Calls may not expire more than
// maxTTL in the future.
func NewCallVerifier(replay ReplayGuard, maxTTL time.Duration) *CallVerifier {
	return &CallVerifier{replay: replay, maxTTL: maxTTL, now: time.Now}
}

// errBadRequest marks envelope problems that map to a 400.
type errBadRequest struct{ msg string }

func (e errBadRequest) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return errBadRequest{msg: fmt.Sprintf(format, args...)}
}

// Verify decodes the envelope from r, checks the signature, action, expiry
// and replay, and unmarshals the call into dst. dst must embed CallHeader.
func (v *CallVerifier) Verify(r *http.Request, action string, dst interface{ header() *CallHeader }) (domain.Call, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return domain.Call{}, badRequest("read body: %v", err)
	}
	var env SignedCall
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.Call{}, badRequest("invalid request body: %v", err)
	}
	if len(env.Call) == 0 || env.Signature == "" {
		return domain.Call{}, badRequest("call and signature are required")
	}
	return v.VerifyEnvelope(r.Context(), env, action, dst)
}

// VerifyEnvelope is Verify for an already decoded envelope.
func (v *CallVerifier) VerifyEnvelope(ctx context.Context, env SignedCall, action string, dst interface{ header() *CallHeader }) (domain.Call, error) {
	if err := json.Unmarshal(env.Call, dst); err != nil {
		return domain.Call{}, badRequest("invalid call: %v", err)
	}
	h := dst.header()
	if h.Action != action {
		return domain.Call{}, badRequest("call action %q does not match %q", h.Action, action)
	}

	signer, err := bcrypto.RecoverCallSigner(env.Call, env.Signature)
	if err != nil || signer != h.From {
		return domain.Call{}, fmt.Errorf("handler: signer does not match from: %w", domain.ErrBadSignature)
	}

	now := v.now()
	expires := time.Unix(h.ExpiresAt, 0)
	if h.ExpiresAt == 0 || now.After(expires) {
		return domain.Call{}, domain.ErrCallExpired
	}
	if v.maxTTL > 0 && expires.Sub(now) > v.maxTTL {
		return domain.Call{}, badRequest("expires_at more than %s ahead", v.maxTTL)
	}

	value, err := parseAmount(h.Value)
	if err != nil {
		return domain.Call{}, badRequest("%v", err)
	}

	// Keyed on the signed bytes: one call admits several encodings of its
	// signature, but only one set of call bytes.
	if v.replay != nil {
		digest := hexutil.Encode(ethcrypto.Keccak256(env.Call))
		if err := v.replay.Mark(ctx, digest, expires.Sub(now)+time.Minute); err != nil {
			return domain.Call{}, err
		}
	}

	return domain.Call{From: h.From, Value: value}, nil
}

// writeVerifyError answers a failed Verify.
func writeVerifyError(w http.ResponseWriter, err error) {
	var br errBadRequest
	switch {
	case errors.As(err, &br):
		writeError(w, http.StatusBadRequest, br.msg)
	case errors.Is(err, domain.ErrReplayedCall):
		writeError(w, http.StatusConflict, domain.ErrReplayedCall.Error())
	case errors.Is(err, domain.ErrBadSignature), errors.Is(err, domain.ErrCallExpired):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "verify call failed")
	}
}

func (h *CallHeader) header() *CallHeader { return h }

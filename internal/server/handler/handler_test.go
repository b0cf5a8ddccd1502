package handler

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betcha/internal/authority"
	bcrypto "github.com/alanyoungcy/betcha/internal/crypto"
	"github.com/alanyoungcy/betcha/internal/domain"
	"github.com/alanyoungcy/betcha/internal/ledger"
	"github.com/alanyoungcy/betcha/internal/service"
)

// hardhat development accounts #0 and #1
const (
	aliceKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	bobKey   = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

var (
	roundAddr = common.HexToAddress("0x000000000000000000000000000000000000B001")
	groupAddr = common.HexToAddress("0x0000000000000000000000000000000000006001")
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func mustSigner(t *testing.T, key string) *bcrypto.Signer {
	t.Helper()
	s, err := bcrypto.NewSigner(key, 31337)
	require.NoError(t, err)
	return s
}

// signedRaw returns the envelope of call signed by s.
func signedRaw(t *testing.T, s *bcrypto.Signer, call map[string]any) SignedCall {
	t.Helper()
	if _, ok := call["expires_at"]; !ok {
		call["expires_at"] = time.Now().Add(5 * time.Minute).Unix()
	}
	raw, err := json.Marshal(call)
	require.NoError(t, err)
	sig, err := s.SignCall(raw)
	require.NoError(t, err)
	return SignedCall{Call: raw, Signature: sig}
}

// signed builds a request body carrying call signed by s.
func signed(t *testing.T, s *bcrypto.Signer, call map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(signedRaw(t, s, call))
	require.NoError(t, err)
	return body
}

// --- fakes ---

type fakeRounds struct {
	call    domain.Call
	side    domain.Side
	addr    common.Address
	params  domain.CreateRoundParams
	claimed common.Address
	err     error
}

func (f *fakeRounds) CreateRound(_ context.Context, call domain.Call, p domain.CreateRoundParams) (domain.RoundSnapshot, domain.Event, error) {
	f.call, f.params = call, p
	if f.err != nil {
		return domain.RoundSnapshot{}, domain.Event{}, f.err
	}
	return domain.RoundSnapshot{Address: roundAddr, StakeAmount: p.StakeAmount},
		domain.Event{Type: domain.EventRoundCreated, Round: roundAddr}, nil
}

func (f *fakeRounds) Wager(_ context.Context, call domain.Call, addr common.Address, side domain.Side) (domain.Event, error) {
	f.call, f.addr, f.side = call, addr, side
	if f.err != nil {
		return domain.Event{}, f.err
	}
	return domain.Event{Type: domain.EventWagered, Round: addr, Seq: 1}, nil
}

func (f *fakeRounds) Settle(_ context.Context, call domain.Call, addr common.Address, outcome domain.Side) (domain.Event, error) {
	f.call, f.addr, f.side = call, addr, outcome
	return domain.Event{Type: domain.EventSettled, Round: addr}, f.err
}

func (f *fakeRounds) Claim(_ context.Context, call domain.Call, addr, participant common.Address) (domain.Event, error) {
	f.call, f.addr, f.claimed = call, addr, participant
	return domain.Event{Type: domain.EventPayout, Round: addr}, f.err
}

func (f *fakeRounds) Round(_ context.Context, addr common.Address) (service.RoundView, error) {
	if addr != roundAddr {
		return service.RoundView{}, domain.ErrNotFound
	}
	return service.RoundView{RoundSnapshot: domain.RoundSnapshot{Address: addr}, Phase: domain.PhaseOpen}, nil
}

func (f *fakeRounds) ListRounds(context.Context, domain.ListOpts) ([]service.RoundView, error) {
	return nil, nil
}

func (f *fakeRounds) Events(context.Context, common.Address) ([]domain.Event, error) {
	return []domain.Event{{Type: domain.EventRoundCreated}, {Type: domain.EventWagered, Seq: 1}}, nil
}

func (f *fakeRounds) Participant(_ context.Context, addr, p common.Address) (service.ParticipantView, error) {
	return service.ParticipantView{Round: addr, Address: p}, nil
}

type fakeGroups struct {
	member common.Address
	sig    string
	err    error
}

func (f *fakeGroups) Approve(_ context.Context, group, member, round common.Address, outcome domain.Side) (authority.Approval, error) {
	f.member = member
	return authority.Approval{Round: round, Outcome: outcome, Approvals: 1, Threshold: 2}, f.err
}

func (f *fakeGroups) SubmitSignature(_ context.Context, group, round common.Address, outcome domain.Side, sig string) (authority.Approval, common.Address, error) {
	f.sig = sig
	return authority.Approval{Round: round, Outcome: outcome, Approvals: 2, Threshold: 2, Executed: true}, f.member, f.err
}

func (f *fakeGroups) ExecuteApproval(_ context.Context, group, round common.Address, outcome domain.Side) (authority.Approval, error) {
	return authority.Approval{}, domain.ErrBelowThreshold
}

func (f *fakeGroups) Group(_ context.Context, addr common.Address) (domain.GroupSnapshot, error) {
	return domain.GroupSnapshot{Address: addr, Threshold: 2}, nil
}

type fakeLedger struct {
	credited *big.Int
	call     domain.Call
	spender  common.Address
}

func (f *fakeLedger) Credit(_ context.Context, _, _ common.Address, amount *big.Int) error {
	f.credited = amount
	return nil
}

func (f *fakeLedger) ApproveAllowance(_ context.Context, call domain.Call, _, spender common.Address, _ *big.Int) error {
	f.call, f.spender = call, spender
	return nil
}

func (f *fakeLedger) Balances(context.Context, common.Address) ([]service.Balance, error) {
	return []service.Balance{{Symbol: "ETH", Amount: big.NewInt(7)}}, nil
}

func (f *fakeLedger) Tokens(context.Context) ([]ledger.Token, error) { return nil, nil }

// --- harness ---

func newMux(rounds RoundService, groups AuthorityService, l LedgerService, v *CallVerifier) *http.ServeMux {
	rh := NewRoundHandler(rounds, v, discard())
	ah := NewAuthorityHandler(groups, v, discard())
	lh := NewLedgerHandler(l, v, discard())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/rounds", rh.CreateRound)
	mux.HandleFunc("GET /api/rounds/{address}", rh.GetRound)
	mux.HandleFunc("GET /api/rounds/{address}/events", rh.ListEvents)
	mux.HandleFunc("GET /api/rounds/{address}/archive", rh.GetArchive)
	mux.HandleFunc("POST /api/rounds/{address}/wager", rh.Wager)
	mux.HandleFunc("POST /api/rounds/{address}/settle", rh.Settle)
	mux.HandleFunc("POST /api/rounds/{address}/claim", rh.Claim)
	mux.HandleFunc("POST /api/authorities/{address}/approvals", ah.Approve)
	mux.HandleFunc("POST /api/authorities/{address}/execute", ah.Execute)
	mux.HandleFunc("POST /api/ledger/credit", lh.Credit)
	mux.HandleFunc("POST /api/ledger/approve", lh.Approve)
	mux.HandleFunc("GET /api/ledger/balances/{address}", lh.Balances)
	return mux
}

func do(mux http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func wagerPath() string { return "/api/rounds/" + roundAddr.Hex() + "/wager" }

// --- tests ---

func TestWagerSignedCall(t *testing.T) {
	alice := mustSigner(t, aliceKey)
	rounds := &fakeRounds{}
	mux := newMux(rounds, &fakeGroups{}, &fakeLedger{}, NewCallVerifier(nil, time.Hour))

	rec := do(mux, http.MethodPost, wagerPath(), signed(t, alice, map[string]any{
		"action": ActionWager,
		"from":   alice.Address(),
		"value":  "1000",
		"round":  roundAddr,
		"side":   "yes",
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, alice.Address(), rounds.call.From)
	assert.Equal(t, big.NewInt(1000), rounds.call.Value)
	assert.Equal(t, domain.SideYes, rounds.side)
	assert.Equal(t, roundAddr, rounds.addr)
	assert.Equal(t, string(domain.EventWagered), decode(t, rec)["type"])
}

func TestSignedCallRejections(t *testing.T) {
	alice := mustSigner(t, aliceKey)
	bob := mustSigner(t, bobKey)
	mux := newMux(&fakeRounds{}, &fakeGroups{}, &fakeLedger{}, NewCallVerifier(nil, time.Hour))

	base := func() map[string]any {
		return map[string]any{
			"action": ActionWager,
			"from":   alice.Address(),
			"value":  "1000",
			"round":  roundAddr,
			"side":   "no",
		}
	}

	t.Run("signed by someone else", func(t *testing.T) {
		rec := do(mux, http.MethodPost, wagerPath(), signed(t, bob, base()))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expired", func(t *testing.T) {
		c := base()
		c["expires_at"] = time.Now().Add(-time.Minute).Unix()
		rec := do(mux, http.MethodPost, wagerPath(), signed(t, alice, c))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expiry too far ahead", func(t *testing.T) {
		c := base()
		c["expires_at"] = time.Now().Add(2 * time.Hour).Unix()
		rec := do(mux, http.MethodPost, wagerPath(), signed(t, alice, c))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong action", func(t *testing.T) {
		c := base()
		c["action"] = ActionClaim
		rec := do(mux, http.MethodPost, wagerPath(), signed(t, alice, c))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("round mismatch", func(t *testing.T) {
		c := base()
		c["round"] = groupAddr
		rec := do(mux, http.MethodPost, wagerPath(), signed(t, alice, c))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad side", func(t *testing.T) {
		c := base()
		c["side"] = "maybe"
		rec := do(mux, http.MethodPost, wagerPath(), signed(t, alice, c))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("not an envelope", func(t *testing.T) {
		rec := do(mux, http.MethodPost, wagerPath(), []byte(`{"side":"yes"}`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestReplayedCallIsRejected(t *testing.T) {
	alice := mustSigner(t, aliceKey)
	mux := newMux(&fakeRounds{}, &fakeGroups{}, &fakeLedger{},
		NewCallVerifier(service.NewMemoryReplayGuard(), time.Hour))

	body := signed(t, alice, map[string]any{
		"action": ActionWager,
		"from":   alice.Address(),
		"value":  "1000",
		"round":  roundAddr,
		"side":   "yes",
	})
	assert.Equal(t, http.StatusOK, do(mux, http.MethodPost, wagerPath(), body).Code)
	assert.Equal(t, http.StatusConflict, do(mux, http.MethodPost, wagerPath(), body).Code)
}

func TestReplayIgnoresSignatureEncoding(t *testing.T) {
	alice := mustSigner(t, aliceKey)
	bob := mustSigner(t, bobKey)
	mux := newMux(&fakeRounds{}, &fakeGroups{}, &fakeLedger{},
		NewCallVerifier(service.NewMemoryReplayGuard(), time.Hour))

	call, err := json.Marshal(map[string]any{
		"action":     ActionWager,
		"from":       alice.Address(),
		"value":      "1000",
		"round":      roundAddr,
		"side":       "yes",
		"expires_at": time.Now().Add(5 * time.Minute).Unix(),
	})
	require.NoError(t, err)
	sig, err := alice.SignCall(call)
	require.NoError(t, err)
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	require.NoError(t, err)
	lowV := append([]byte(nil), raw...)
	lowV[64] -= 27

	envelope := func(sig string) []byte {
		body, err := json.Marshal(SignedCall{Call: call, Signature: sig})
		require.NoError(t, err)
		return body
	}

	require.Equal(t, http.StatusOK, do(mux, http.MethodPost, wagerPath(), envelope(sig)).Code)
	for name, variant := range map[string]string{
		"v lowered by 27": "0x" + hex.EncodeToString(lowV),
		"no 0x prefix":    hex.EncodeToString(raw),
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(mux, http.MethodPost, wagerPath(), envelope(variant))
			assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
		})
	}

	// Unprefixed signatures from different signers do not collide.
	bobCall := signedRaw(t, bob, map[string]any{
		"action": ActionWager,
		"from":   bob.Address(),
		"value":  "1000",
		"round":  roundAddr,
		"side":   "no",
	})
	bobCall.Signature = strings.TrimPrefix(bobCall.Signature, "0x")
	body, err := json.Marshal(bobCall)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, do(mux, http.MethodPost, wagerPath(), body).Code)
}

func TestRevertsMapToStatusAndKind(t *testing.T) {
	alice := mustSigner(t, aliceKey)
	cases := []struct {
		err    error
		status int
		kind   domain.Kind
	}{
		{domain.ErrWagerDeadlinePassed, http.StatusConflict, domain.KindPhaseViolation},
		{domain.ErrAlreadyWagered, http.StatusConflict, domain.KindDuplicateState},
		{domain.ErrInsufficientWager, http.StatusPaymentRequired, domain.KindInsufficientValue},
		{domain.ErrNotResolver, http.StatusForbidden, domain.KindAuthorizationViolation},
		{domain.ErrDidNotWin, http.StatusUnprocessableEntity, domain.KindIneligibleClaimant},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			mux := newMux(&fakeRounds{err: tc.err}, &fakeGroups{}, &fakeLedger{}, NewCallVerifier(nil, time.Hour))
			rec := do(mux, http.MethodPost, wagerPath(), signed(t, alice, map[string]any{
				"action": ActionWager,
				"from":   alice.Address(),
				"round":  roundAddr,
				"side":   "yes",
			}))
			assert.Equal(t, tc.status, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, string(tc.kind), body["kind"])
			assert.Equal(t, tc.err.Error(), body["error"])
		})
	}
}

func TestCreateRoundConvertsParams(t *testing.T) {
	alice := mustSigner(t, aliceKey)
	rounds := &fakeRounds{}
	mux := newMux(rounds, &fakeGroups{}, &fakeLedger{}, NewCallVerifier(nil, time.Hour))

	deadline := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	rec := do(mux, http.MethodPost, "/api/rounds", signed(t, alice, map[string]any{
		"action":                  ActionCreateRound,
		"from":                    alice.Address(),
		"stake_amount":            "250000000000000000000",
		"resolvers":               []common.Address{groupAddr},
		"wager_deadline_at":       deadline.Unix(),
		"settlement_available_at": deadline.Add(time.Hour).Unix(),
		"metadata_uri":            "ipfs://round",
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	want, _ := new(big.Int).SetString("250000000000000000000", 10)
	assert.Equal(t, want, rounds.params.StakeAmount)
	assert.Equal(t, []common.Address{groupAddr}, rounds.params.Resolvers)
	assert.True(t, deadline.Equal(rounds.params.WagerDeadlineAt))
	assert.Equal(t, "ipfs://round", rounds.params.MetadataURI)
	assert.Equal(t, alice.Address(), rounds.call.From)

	bad := do(mux, http.MethodPost, "/api/rounds", signed(t, alice, map[string]any{
		"action":       ActionCreateRound,
		"from":         alice.Address(),
		"stake_amount": "-5",
	}))
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestClaimDefaultsToSigner(t *testing.T) {
	alice := mustSigner(t, aliceKey)
	rounds := &fakeRounds{}
	mux := newMux(rounds, &fakeGroups{}, &fakeLedger{}, NewCallVerifier(nil, time.Hour))

	rec := do(mux, http.MethodPost, "/api/rounds/"+roundAddr.Hex()+"/claim", signed(t, alice, map[string]any{
		"action": ActionClaim,
		"from":   alice.Address(),
		"round":  roundAddr,
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, alice.Address(), rounds.claimed)
}

func TestReadEndpoints(t *testing.T) {
	mux := newMux(&fakeRounds{}, &fakeGroups{}, &fakeLedger{}, NewCallVerifier(nil, time.Hour))

	rec := do(mux, http.MethodGet, "/api/rounds/"+roundAddr.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(domain.PhaseOpen), decode(t, rec)["phase"])

	rec = do(mux, http.MethodGet, "/api/rounds/"+groupAddr.Hex(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(mux, http.MethodGet, "/api/rounds/not-an-address", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(mux, http.MethodGet, "/api/rounds/"+roundAddr.Hex()+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["events"], 2)

	rec = do(mux, http.MethodGet, "/api/rounds/"+roundAddr.Hex()+"/archive", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type stubArchive struct{ data map[string]string }

func (s stubArchive) Get(_ context.Context, path string) (io.ReadCloser, error) {
	d, ok := s.data[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(d)), nil
}

func (s stubArchive) List(context.Context, string) ([]domain.BlobInfo, error) { return nil, nil }

func TestGetArchiveStreamsJSONL(t *testing.T) {
	path := func(a common.Address) string { return "archive/" + a.Hex() + ".jsonl" }
	archive := stubArchive{data: map[string]string{path(roundAddr): "{\"kind\":\"round\"}\n"}}
	rh := NewRoundHandler(&fakeRounds{}, NewCallVerifier(nil, time.Hour), discard()).WithArchive(archive, path)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/rounds/{address}/archive", rh.GetArchive)

	rec := do(mux, http.MethodGet, "/api/rounds/"+roundAddr.Hex()+"/archive", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.Equal(t, "{\"kind\":\"round\"}\n", rec.Body.String())

	rec = do(mux, http.MethodGet, "/api/rounds/"+groupAddr.Hex()+"/archive", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApproveBySignedCallOrSettlementSignature(t *testing.T) {
	alice := mustSigner(t, aliceKey)
	groups := &fakeGroups{}
	mux := newMux(&fakeRounds{}, groups, &fakeLedger{}, NewCallVerifier(nil, time.Hour))
	path := "/api/authorities/" + groupAddr.Hex() + "/approvals"

	rec := do(mux, http.MethodPost, path, signed(t, alice, map[string]any{
		"action":  ActionApprove,
		"from":    alice.Address(),
		"round":   roundAddr,
		"outcome": "yes",
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, alice.Address(), groups.member)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["approvals"])
	assert.Equal(t, false, body["executed"])

	sig, err := alice.SignSettlement(bcrypto.Settlement{Group: groupAddr, Round: roundAddr, Outcome: true})
	require.NoError(t, err)
	raw, _ := json.Marshal(map[string]any{"round": roundAddr, "outcome": "yes", "signature": sig})
	rec = do(mux, http.MethodPost, path, raw)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, sig, groups.sig)
	assert.Equal(t, true, decode(t, rec)["executed"])

	rec = do(mux, http.MethodPost, path, []byte(`{"round":"`+roundAddr.Hex()+`","outcome":"yes"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(mux, http.MethodPost, "/api/authorities/"+groupAddr.Hex()+"/execute",
		[]byte(`{"round":"`+roundAddr.Hex()+`","outcome":"no"}`))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLedgerEndpoints(t *testing.T) {
	alice := mustSigner(t, aliceKey)
	l := &fakeLedger{}
	mux := newMux(&fakeRounds{}, &fakeGroups{}, l, NewCallVerifier(nil, time.Hour))

	rec := do(mux, http.MethodPost, "/api/ledger/credit",
		[]byte(`{"asset":"0x0000000000000000000000000000000000000000","to":"`+alice.Address().Hex()+`","amount":"42"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, big.NewInt(42), l.credited)

	rec = do(mux, http.MethodPost, "/api/ledger/approve", signed(t, alice, map[string]any{
		"action":  ActionAllowance,
		"from":    alice.Address(),
		"asset":   groupAddr,
		"spender": roundAddr,
		"amount":  "100",
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, alice.Address(), l.call.From)
	assert.Equal(t, roundAddr, l.spender)

	rec = do(mux, http.MethodGet, "/api/ledger/balances/"+alice.Address().Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["balances"], 1)
}

func TestHealthReportsDegradedDependency(t *testing.T) {
	h := NewHealthHandler(map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return io.ErrUnexpectedEOF },
	}, discard())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

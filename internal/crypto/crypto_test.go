package crypto

import (
	"encoding/hex"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known development key (hardhat account #0).
const (
	testKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestSignerAddress(t *testing.T) {
	s, err := NewSigner("0x"+testKey, 31337)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddr), s.Address())

	_, err = NewSigner("zz", 1)
	require.Error(t, err)
}

func TestSettlementSignatureRecovers(t *testing.T) {
	s, err := NewSigner(testKey, 31337)
	require.NoError(t, err)

	msg := Settlement{
		Group:   common.HexToAddress("0x1000000000000000000000000000000000000001"),
		Round:   common.HexToAddress("0x2000000000000000000000000000000000000002"),
		Outcome: true,
		Nonce:   3,
	}
	sig, err := s.SignSettlement(msg)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sig, "0x"))
	assert.Len(t, sig, 2+130)

	got, err := RecoverSettlementSigner(31337, msg, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	// Any change to the message or domain yields a different signer.
	for _, tweak := range []func(m *Settlement){
		func(m *Settlement) { m.Outcome = false },
		func(m *Settlement) { m.Nonce++ },
		func(m *Settlement) { m.Group = common.HexToAddress("0x3") },
	} {
		m := msg
		tweak(&m)
		other, err := RecoverSettlementSigner(31337, m, sig)
		require.NoError(t, err)
		assert.NotEqual(t, s.Address(), other)
	}
	other, err := RecoverSettlementSigner(1, msg, sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), other)
}

func TestCallSignatureRecovers(t *testing.T) {
	s, err := NewSigner(testKey, 1)
	require.NoError(t, err)

	payload := []byte(`{"from":"0xf39f","method":"wager"}`)
	sig, err := s.SignCall(payload)
	require.NoError(t, err)

	got, err := RecoverCallSigner(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	_, err = RecoverCallSigner(payload, "0x1234")
	require.ErrorIs(t, err, ErrInvalidSignature)
	_, err = RecoverCallSigner(payload, "not-hex")
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestCallSignatureEncodings(t *testing.T) {
	s, err := NewSigner(testKey, 1)
	require.NoError(t, err)
	payload := []byte(`{"action":"wager"}`)
	sig, err := s.SignCall(payload)
	require.NoError(t, err)

	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	require.NoError(t, err)

	// v in {0,1} and a missing 0x prefix recover the same signer.
	lowV := append([]byte(nil), raw...)
	lowV[64] -= 27
	for _, enc := range []string{hex.EncodeToString(raw), "0x" + hex.EncodeToString(lowV)} {
		got, err := RecoverCallSigner(payload, enc)
		require.NoError(t, err)
		assert.Equal(t, s.Address(), got)
	}

	// (r, n-s, v^1) is the same signature mirrored into the upper half.
	n := ethcrypto.S256().Params().N
	highS := new(big.Int).Sub(n, new(big.Int).SetBytes(raw[32:64]))
	mirrored := append([]byte(nil), raw[:32]...)
	mirrored = append(mirrored, common.LeftPadBytes(highS.Bytes(), 32)...)
	mirrored = append(mirrored, (raw[64]-27)^1)
	_, err = RecoverCallSigner(payload, "0x"+hex.EncodeToString(mirrored))
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestEncryptDecryptKey(t *testing.T) {
	blob, err := EncryptKey("0x"+testKey, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKey, got)

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)

	addr, err := KeyFileAddress(blob)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddr), addr)

	// Addresses are stored lower-case; relabel the file with hardhat #1.
	relabelled := strings.Replace(string(blob), strings.ToLower(testAddr[2:]), "70997970c51812dc3a010c7d01b50e0d17dc79c8", 1)
	require.NotEqual(t, string(blob), relabelled)
	_, err = DecryptKey([]byte(relabelled), "hunter2")
	require.Error(t, err)

	_, err = EncryptKey(testKey, "")
	require.Error(t, err)
	_, err = EncryptKey("abcd", "pw")
	require.Error(t, err)
}

func TestLoadSignerFromEncryptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, WriteEncryptedKey(path, testKey, "pw"))

	s, err := LoadSigner(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"}, 1)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddr), s.Address())

	_, err = LoadKey(KeyConfig{})
	require.Error(t, err)
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, k, 64)
	_, err = NewSigner(k, 1)
	require.NoError(t, err)
}

func TestHMACVerify(t *testing.T) {
	h := &HMACAuth{Key: "op", Secret: "s3cret"}
	now := time.Unix(1_700_000_000, 0)
	hdr := h.HeadersAt("POST", "/api/ledger/credit", `{"amount":"1"}`, now.Unix())
	assert.Equal(t, "op", hdr[HeaderAPIKey])

	require.NoError(t, h.Verify("POST", "/api/ledger/credit", `{"amount":"1"}`,
		hdr[HeaderTimestamp], hdr[HeaderSignature], now, time.Minute))

	err := h.Verify("POST", "/api/ledger/credit", `{"amount":"2"}`,
		hdr[HeaderTimestamp], hdr[HeaderSignature], now, time.Minute)
	require.ErrorIs(t, err, ErrHMACMismatch)

	err = h.Verify("POST", "/api/ledger/credit", `{"amount":"1"}`,
		hdr[HeaderTimestamp], hdr[HeaderSignature], now.Add(time.Hour), time.Minute)
	require.Error(t, err)

	assert.Equal(t, "HMACAuth{key=****, secret=s3cr****}", h.String())
}

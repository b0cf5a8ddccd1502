package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	// Settlement(address round,bool outcome,uint256 nonce)
	settlementTypeHash = ethcrypto.Keccak256(
		[]byte("Settlement(address round,bool outcome,uint256 nonce)"),
	)
)

const (
	domainName    = "Betcha"
	domainVersion = "1"
)

// ErrInvalidSignature is returned when a signature cannot be decoded or
// recovered.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// Settlement is the EIP-712 message a resolver-group member signs to approve
// settling Round with Outcome. The group address is the verifying contract
// and Nonce is the group's execution nonce.
type Settlement struct {
	Group   common.Address
	Round   common.Address
	Outcome bool
	Nonce   uint64
}

// Signer signs settlement approvals and API calls with a secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key and
// the chain ID that scopes settlement signatures.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    chainID,
	}, nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignSettlement signs a Settlement EIP-712 struct. The returned string is
// a hex-encoded 65-byte signature with v in {27,28}.
func (s *Signer) SignSettlement(msg Settlement) (string, error) {
	return s.signDigest(SettlementDigest(s.chainID, msg))
}

// SignCall signs an API call payload as an EIP-191 personal message.
func (s *Signer) SignCall(payload []byte) (string, error) {
	return s.signDigest(accounts.TextHash(payload))
}

// SettlementDigest returns the EIP-712 digest of msg on chainID.
func SettlementDigest(chainID int64, msg Settlement) []byte {
	structHash := ethcrypto.Keccak256(
		concatBytes(
			settlementTypeHash,
			common.LeftPadBytes(msg.Round.Bytes(), 32),
			boolTo32Bytes(msg.Outcome),
			bigIntTo32Bytes(new(big.Int).SetUint64(msg.Nonce)),
		),
	)
	return eip712Hash(domainSeparator(chainID, msg.Group), structHash)
}

// RecoverSettlementSigner returns the address that produced sigHex over msg.
func RecoverSettlementSigner(chainID int64, msg Settlement, sigHex string) (common.Address, error) {
	return recoverDigest(SettlementDigest(chainID, msg), sigHex)
}

// RecoverCallSigner returns the address that personal-signed payload.
func RecoverCallSigner(payload []byte, sigHex string) (common.Address, error) {
	return recoverDigest(accounts.TextHash(payload), sigHex)
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// domainSeparator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId, verifyingContract)).
func domainSeparator(chainID int64, verifyingContract common.Address) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(domainName)),
			ethcrypto.Keccak256([]byte(domainVersion)),
			bigIntTo32Bytes(big.NewInt(chainID)),
			common.LeftPadBytes(verifyingContract.Bytes(), 32),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// signDigest signs a 32-byte digest using secp256k1 and returns the
// hex-encoded signature (r || s || v, 65 bytes).
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; wallets expect v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + hex.EncodeToString(sig), nil
}

// recoverDigest accepts v in either {0,1} or {27,28}. Signatures with s in
// the upper half of the curve order are rejected.
func recoverDigest(digest []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	r, sv := new(big.Int).SetBytes(sig[:32]), new(big.Int).SetBytes(sig[32:64])
	if !ethcrypto.ValidateSignatureValues(sig[64], r, sv, true) {
		return common.Address{}, fmt.Errorf("%w: malleable or out of range values", ErrInvalidSignature)
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func boolTo32Bytes(v bool) []byte {
	out := make([]byte, 32)
	if v {
		out[31] = 1
	}
	return out
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}

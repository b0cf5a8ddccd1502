// Package crypto provides key management, settlement and call signatures,
// and HMAC authentication for operator requests.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// defaultIterations is the OWASP minimum for PBKDF2-HMAC-SHA256.
	defaultIterations = 480_000
	saltLen           = 16
	aesKeyLen         = 32
	keyFileVersion    = 1
	kdfName           = "pbkdf2-sha256"
)

// keyFile is the on-disk format written by EncryptKey. The signer address is
// stored in clear and bound to the ciphertext as GCM additional data, so a
// wallet can be identified without its password but not relabelled.
type keyFile struct {
	Version    int            `json:"version"`
	Address    common.Address `json:"address"`
	KDF        keyFileKDF     `json:"kdf"`
	Nonce      string         `json:"nonce"`
	Ciphertext string         `json:"ciphertext"`
}

type keyFileKDF struct {
	Name       string `json:"name"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
}

// KeyConfig selects where LoadKey finds the private key. cmd/betchasign
// fills it from flags and BETCHA_* environment variables.
type KeyConfig struct {
	// RawPrivateKey is hex, with or without 0x. It wins over the file.
	RawPrivateKey string
	// EncryptedKeyPath points at a file produced by WriteEncryptedKey.
	EncryptedKeyPath string
	KeyPassword      string
}

func parseKeyHex(privateKeyHex string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("crypto: expected 32-byte key, got %d bytes", len(b))
	}
	return b, nil
}

func keyAEAD(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, iterations, aesKeyLen, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

// EncryptKey seals a hex private key under password with PBKDF2-derived
// AES-256-GCM and returns the key file JSON.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	keyBytes, err := parseKeyHex(privateKeyHex)
	if err != nil {
		return nil, err
	}
	pk, err := ethcrypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	addr := ethcrypto.PubkeyToAddress(pk.PublicKey)

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := keyAEAD(password, salt, defaultIterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	return json.MarshalIndent(keyFile{
		Version: keyFileVersion,
		Address: addr,
		KDF: keyFileKDF{
			Name:       kdfName,
			Iterations: defaultIterations,
			Salt:       base64.StdEncoding.EncodeToString(salt),
		},
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, keyBytes, addr.Bytes())),
	}, "", "  ")
}

func parseKeyFile(data []byte) (keyFile, error) {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return keyFile{}, fmt.Errorf("crypto: parsing key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return keyFile{}, fmt.Errorf("crypto: unsupported key file version %d", kf.Version)
	}
	if kf.KDF.Name != kdfName || kf.KDF.Iterations <= 0 {
		return keyFile{}, fmt.Errorf("crypto: unsupported kdf %q", kf.KDF.Name)
	}
	return kf, nil
}

// KeyFileAddress returns the signer address recorded in a key file without
// decrypting it.
func KeyFileAddress(data []byte) (common.Address, error) {
	kf, err := parseKeyFile(data)
	if err != nil {
		return common.Address{}, err
	}
	return kf.Address, nil
}

// DecryptKey opens a key file produced by EncryptKey and returns the private
// key as hex without 0x.
func DecryptKey(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}
	kf, err := parseKeyFile(data)
	if err != nil {
		return "", err
	}

	salt, err := base64.StdEncoding.DecodeString(kf.KDF.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(kf.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(kf.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := keyAEAD(password, salt, kf.KDF.Iterations)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("crypto: nonce length %d", len(nonce))
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, kf.Address.Bytes())
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return hex.EncodeToString(plain), nil
}

// LoadKey resolves the private key: the raw key if set, else the decrypted
// key file.
func LoadKey(cfg KeyConfig) (string, error) {
	if cfg.RawPrivateKey != "" {
		if _, err := parseKeyHex(cfg.RawPrivateKey); err != nil {
			return "", err
		}
		return strings.TrimPrefix(cfg.RawPrivateKey, "0x"), nil
	}
	if cfg.EncryptedKeyPath != "" {
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: reading key file: %w", err)
		}
		return DecryptKey(data, cfg.KeyPassword)
	}
	return "", errors.New("crypto: no private key source configured")
}

// LoadSigner resolves a key with LoadKey and wraps it in a Signer scoped to
// chainID.
func LoadSigner(cfg KeyConfig, chainID int64) (*Signer, error) {
	key, err := LoadKey(cfg)
	if err != nil {
		return nil, err
	}
	return NewSigner(key, chainID)
}

// GenerateKey returns a fresh secp256k1 private key as hex.
func GenerateKey() (string, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("crypto: generating key: %w", err)
	}
	return hex.EncodeToString(ethcrypto.FromECDSA(pk)), nil
}

// WriteEncryptedKey writes the key file for privateKeyHex to path, readable
// by the owner only.
func WriteEncryptedKey(path, privateKeyHex, password string) error {
	blob, err := EncryptKey(privateKeyHex, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("crypto: writing key file: %w", err)
	}
	return nil
}

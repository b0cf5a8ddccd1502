package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/betcha/internal/crypto"
)

// loadSigner reads the key selected by the persistent flags.
func loadSigner(cmd *cobra.Command) (*crypto.Signer, error) {
	key, _ := cmd.Flags().GetString("key")
	file, _ := cmd.Flags().GetString("key-file")
	password, _ := cmd.Flags().GetString("password")
	chainID, _ := cmd.Flags().GetInt64("chain-id")

	if key == "" {
		key = os.Getenv("BETCHA_SIGNER_KEY")
	}
	if password == "" {
		password = os.Getenv("BETCHA_KEY_PASSWORD")
	}
	if key == "" && file == "" {
		return nil, fmt.Errorf("one of --key or --key-file is required")
	}
	return crypto.LoadSigner(crypto.KeyConfig{
		RawPrivateKey:    key,
		EncryptedKeyPath: file,
		KeyPassword:      password,
	}, chainID)
}

// keyFlagsSet reports whether a raw key or password was supplied by flag or
// environment.
func keyFlagsSet(cmd *cobra.Command) bool {
	key, _ := cmd.Flags().GetString("key")
	password, _ := cmd.Flags().GetString("password")
	return key != "" || password != "" || os.Getenv("BETCHA_SIGNER_KEY") != "" || os.Getenv("BETCHA_KEY_PASSWORD") != ""
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func addressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the address of the configured key",
		RunE: func(cmd *cobra.Command, args []string) error {
			// A key file records its address; no password needed.
			if file, _ := cmd.Flags().GetString("key-file"); file != "" && !keyFlagsSet(cmd) {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				addr, err := crypto.KeyFileAddress(data)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), addr.Hex())
				return nil
			}
			s, err := loadSigner(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.Address().Hex())
			return nil
		},
	}
}

func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new key, optionally writing it encrypted to --out",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			password, _ := cmd.Flags().GetString("password")

			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			s, err := crypto.NewSigner(key, 1)
			if err != nil {
				return err
			}
			if out == "" {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"address":     s.Address().Hex(),
					"private_key": key,
				})
			}
			if password == "" {
				return fmt.Errorf("--password is required with --out")
			}
			if err := crypto.WriteEncryptedKey(out, key, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s written to %s\n", s.Address().Hex(), out)
			return nil
		},
	}
	cmd.Flags().String("out", "", "encrypted key file to write")
	return cmd
}

func encryptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt --key into --out with --password",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, _ := cmd.Flags().GetString("key")
			password, _ := cmd.Flags().GetString("password")
			out, _ := cmd.Flags().GetString("out")
			if key == "" || password == "" {
				return fmt.Errorf("--key and --password are required")
			}
			return crypto.WriteEncryptedKey(out, key, password)
		},
	}
	cmd.Flags().String("out", "", "encrypted key file to write")
	cmd.MarkFlagRequired("out")
	return cmd
}

func signCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign-call [call.json]",
		Short: "Wrap a call in a signed envelope",
		Long: "Reads the call JSON from the file argument or stdin, fills in " +
			"\"from\" and \"expires_at\" when absent and prints the " +
			"{\"call\",\"signature\"} body to POST.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSigner(cmd)
			if err != nil {
				return err
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")

			var raw []byte
			if len(args) == 1 {
				raw, err = os.ReadFile(args[0])
			} else {
				raw, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}

			call, err := completeCall(raw, s.Address(), time.Now().Add(ttl))
			if err != nil {
				return err
			}
			sig, err := s.SignCall(call)
			if err != nil {
				return err
			}
			// Indenting would change the signed bytes.
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"call":      json.RawMessage(call),
				"signature": sig,
			})
		},
	}
	cmd.Flags().Duration("ttl", 5*time.Minute, "expiry applied when the call has no expires_at")
	return cmd
}

// completeCall fills in from and expires_at and returns the compact bytes
// that get signed.
func completeCall(raw []byte, from common.Address, expires time.Time) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var call map[string]any
	if err := dec.Decode(&call); err != nil {
		return nil, fmt.Errorf("parse call: %w", err)
	}
	if _, ok := call["action"]; !ok {
		return nil, fmt.Errorf("call has no action")
	}
	if _, ok := call["from"]; !ok {
		call["from"] = from.Hex()
	}
	if _, ok := call["expires_at"]; !ok {
		call["expires_at"] = expires.Unix()
	}
	return json.Marshal(call)
}

func signSettlementCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign-settlement",
		Short: "Sign a resolver-group settlement approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSigner(cmd)
			if err != nil {
				return err
			}
			group, _ := cmd.Flags().GetString("group")
			roundAddr, _ := cmd.Flags().GetString("round")
			outcome, _ := cmd.Flags().GetString("outcome")
			nonce, _ := cmd.Flags().GetUint64("nonce")

			for _, a := range []string{group, roundAddr} {
				if !common.IsHexAddress(a) {
					return fmt.Errorf("invalid address %q", a)
				}
			}
			var yes bool
			switch strings.ToLower(outcome) {
			case "yes", "true":
				yes = true
			case "no", "false":
			default:
				return fmt.Errorf("invalid outcome %q", outcome)
			}

			sig, err := s.SignSettlement(crypto.Settlement{
				Group:   common.HexToAddress(group),
				Round:   common.HexToAddress(roundAddr),
				Outcome: yes,
				Nonce:   nonce,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"round":     common.HexToAddress(roundAddr).Hex(),
				"outcome":   strings.ToLower(outcome),
				"signature": sig,
			})
		},
	}
	cmd.Flags().String("group", "", "resolver group address")
	cmd.Flags().String("round", "", "round address")
	cmd.Flags().String("outcome", "", "yes or no")
	cmd.Flags().Uint64("nonce", 0, "group execution nonce")
	cmd.MarkFlagRequired("group")
	cmd.MarkFlagRequired("round")
	cmd.MarkFlagRequired("outcome")
	return cmd
}

func hmacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hmac",
		Short: "Print operator HMAC headers for a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, _ := cmd.Flags().GetString("api-key")
			secret, _ := cmd.Flags().GetString("api-secret")
			method, _ := cmd.Flags().GetString("method")
			path, _ := cmd.Flags().GetString("path")
			body, _ := cmd.Flags().GetString("body")

			auth := &crypto.HMACAuth{Key: key, Secret: secret}
			headers := auth.Headers(strings.ToUpper(method), path, body)
			names := make([]string, 0, len(headers))
			for k := range headers {
				names = append(names, k)
			}
			sort.Strings(names)
			for _, k := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", k, headers[k])
			}
			return nil
		},
	}
	cmd.Flags().String("api-key", "", "operator API key")
	cmd.Flags().String("api-secret", "", "operator API secret")
	cmd.Flags().String("method", "POST", "HTTP method")
	cmd.Flags().String("path", "/api/ledger/credit", "request path including query")
	cmd.Flags().String("body", "", "exact request body")
	cmd.MarkFlagRequired("api-key")
	cmd.MarkFlagRequired("api-secret")
	return cmd
}

package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/betcha/internal/domain"
	"github.com/alanyoungcy/betcha/internal/ledger"
)

// Balance is one asset holding.
type Balance struct {
	Asset  common.Address `json:"asset"`
	Symbol string         `json:"symbol"`
	Amount *big.Int       `json:"amount"`
}

// nativeSymbol labels the native-currency balance.
const nativeSymbol = "ETH"

// Credit mints amount of asset to an account. Operator-only.
func (s *RoundService) Credit(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("service: credit: %w", domain.ErrInvalidAmount)
	}
	if err := s.ledger.Credit(ctx, asset, to, amount); err != nil {
		return fmt.Errorf("service: credit: %w", err)
	}
	s.auditLog(ctx, "ledger.credit", map[string]any{
		"asset":  asset.Hex(),
		"to":     to.Hex(),
		"amount": amount.String(),
	})
	return nil
}

// ApproveAllowance sets call.From's allowance for spender, typically a
// round address, to amount.
func (s *RoundService) ApproveAllowance(ctx context.Context, call domain.Call, asset, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("service: approve: %w", domain.ErrInvalidAmount)
	}
	if err := s.ledger.Approve(ctx, asset, call.From, spender, amount); err != nil {
		return fmt.Errorf("service: approve: %w", err)
	}
	s.auditLog(ctx, "ledger.approve", map[string]any{
		"asset":   asset.Hex(),
		"owner":   call.From.Hex(),
		"spender": spender.Hex(),
		"amount":  amount.String(),
	})
	return nil
}

// Tokens lists the ledger's fungible tokens.
func (s *RoundService) Tokens(ctx context.Context) ([]ledger.Token, error) {
	if s.tokens == nil {
		return nil, nil
	}
	toks, err := s.tokens.ListTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: tokens: %w", err)
	}
	return toks, nil
}

// Balances returns owner's native balance followed by every token balance.
func (s *RoundService) Balances(ctx context.Context, owner common.Address) ([]Balance, error) {
	native, err := s.ledger.BalanceOf(ctx, domain.NativeAsset, owner)
	if err != nil {
		return nil, fmt.Errorf("service: balance: %w", err)
	}
	out := []Balance{{Asset: domain.NativeAsset, Symbol: nativeSymbol, Amount: native}}

	toks, err := s.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range toks {
		bal, err := s.ledger.BalanceOf(ctx, t.Address, owner)
		if err != nil {
			return nil, fmt.Errorf("service: balance %s: %w", t.Symbol, err)
		}
		out = append(out, Balance{Asset: t.Address, Symbol: t.Symbol, Amount: bal})
	}
	return out, nil
}

func (s *RoundService) auditLog(ctx context.Context, action string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, action, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}

package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrBadSignature  = errors.New("bad signature")
	ErrCallExpired   = errors.New("call expired")
	ErrReplayedCall  = errors.New("call already submitted")
	ErrLockHeld      = errors.New("lock already held")
)

// Kind classifies a rejected call. Every kind is a non-retryable rejection of
// that single call; the caller must satisfy the violated precondition first.
type Kind string

const (
	KindPhaseViolation          Kind = "phase_violation"
	KindAuthorizationViolation  Kind = "authorization_violation"
	KindDuplicateState          Kind = "duplicate_state_violation"
	KindInsufficientValue       Kind = "insufficient_value"
	KindIneligibleClaimant      Kind = "ineligible_claimant"
	KindInitializationViolation Kind = "initialization_violation"
)

// RevertError is a rejected call carrying a human-readable reason. Sentinel
// values below are compared by identity with errors.Is.
type RevertError struct {
	Kind   Kind
	Reason string
}

func (e *RevertError) Error() string { return e.Reason }

// Revert builds a RevertError. Use the sentinels where one exists.
func Revert(kind Kind, reason string) *RevertError {
	return &RevertError{Kind: kind, Reason: reason}
}

// KindOf reports the revert kind carried anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var re *RevertError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}

// Round reverts.
var (
	ErrWagerDeadlinePassed = Revert(KindPhaseViolation, "Wager deadline has passed")
	ErrWaitLonger          = Revert(KindPhaseViolation, "Wait longer")
	ErrAlreadySettled      = Revert(KindPhaseViolation, "Round already settled")
	ErrNotSettled          = Revert(KindPhaseViolation, "Round not settled")
	ErrNotInitialized      = Revert(KindPhaseViolation, "Round not initialized")
	ErrNotResolver         = Revert(KindAuthorizationViolation, "Caller is not the resolver")
	ErrAlreadyWagered      = Revert(KindDuplicateState, "Caller already wagered")
	ErrAlreadyClaimed      = Revert(KindDuplicateState, "Payout already claimed")
	ErrInsufficientWager   = Revert(KindInsufficientValue, "Insufficient wager amount")
	ErrExcessWager         = Revert(KindInsufficientValue, "Excess wager amount")
	ErrUnexpectedValue     = Revert(KindInsufficientValue, "Native value not accepted")
	ErrDidNotWager         = Revert(KindIneligibleClaimant, "Caller didn't wager")
	ErrDidNotWin           = Revert(KindIneligibleClaimant, "Caller did not win")
	ErrAlreadyInitialized  = Revert(KindInitializationViolation, "Already initialized")
	ErrZeroStake           = Revert(KindInitializationViolation, "Stake amount must be positive")
	ErrInvalidWindows      = Revert(KindInitializationViolation, "Settlement must open after wager deadline")
	ErrZeroResolver        = Revert(KindInitializationViolation, "Resolver cannot be the zero address")
	ErrNoResolvers         = Revert(KindInitializationViolation, "At least one resolver required")
)

// Ledger reverts.
var (
	ErrInsufficientBalance   = Revert(KindInsufficientValue, "Transfer amount exceeds balance")
	ErrInsufficientAllowance = Revert(KindInsufficientValue, "Insufficient allowance")
	ErrUnknownAsset          = Revert(KindInsufficientValue, "Unknown asset")
	ErrInvalidAmount         = Revert(KindInsufficientValue, "Amount must be positive")
)

// Authority group reverts.
var (
	ErrNotMember        = Revert(KindAuthorizationViolation, "Caller is not a group member")
	ErrAlreadyApproved  = Revert(KindDuplicateState, "Member already approved")
	ErrBelowThreshold   = Revert(KindAuthorizationViolation, "Threshold not reached")
	ErrInvalidThreshold = Revert(KindInitializationViolation, "Invalid threshold")
)

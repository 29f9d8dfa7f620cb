package game

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrGameNotFound         = errors.New("game not found")
	ErrPhaseNotFound        = errors.New("phase not found")
	ErrPlayerNotFound       = errors.New("player not found")
	ErrCompanyNotFound      = errors.New("company not found")
	ErrSectorNotFound       = errors.New("sector not found")
	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")

	ErrGameBusy   = errors.New("game busy: input locked during resolution")
	ErrWrongPhase = errors.New("action does not match the current phase")
	ErrGameClosed = errors.New("game is not accepting actions")

	ErrInvalidOrder        = errors.New("invalid order")
	ErrDuplicateOrder      = errors.New("player already has an order this phase")
	ErrIPOSell             = errors.New("market orders against the IPO must be buys")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInsufficientShares  = errors.New("insufficient shares")
	ErrOrderQuotaExhausted = errors.New("no remaining order actions of this kind")

	ErrInvalidVote       = errors.New("invalid vote")
	ErrNoVotingWeight    = errors.New("player holds no shares in this company")
	ErrVoteQuotaExceeded = errors.New("vote quota for this company reached")
	ErrDuplicateVote     = errors.New("player already voted for this action")

	ErrInvalidContribution = errors.New("invalid contribution")
	ErrNotInDeficit        = errors.New("company is not in deficit")

	ErrInvalidSetup = errors.New("invalid game setup")

	// ErrConfig marks a missing or inconsistent rules entry. It is fatal for the
	// game that hit it and flags the game for manual intervention.
	ErrConfig = errors.New("configuration error")
)

// IsValidationError reports whether err is a synchronous rejection that left
// no state behind.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrWrongPhase, ErrGameClosed, ErrDuplicateIdempotency,
		ErrInvalidOrder, ErrDuplicateOrder, ErrIPOSell, ErrInsufficientFunds, ErrInsufficientShares, ErrOrderQuotaExhausted,
		ErrInvalidVote, ErrNoVotingWeight, ErrVoteQuotaExceeded, ErrDuplicateVote,
		ErrInvalidContribution, ErrNotInDeficit,
		ErrPlayerNotFound, ErrCompanyNotFound, ErrInvalidSetup,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// notional returns price*qty, failing instead of wrapping on overflow.
func notional(price, qty int64) (int64, error) {
	v := new(big.Int).Mul(big.NewInt(price), big.NewInt(qty))
	if !v.IsInt64() {
		return 0, fmt.Errorf("notional overflow")
	}
	return v.Int64(), nil
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func normalizeKey(key string) string {
	return strings.TrimSpace(key)
}

package matchmaking

import (
	"errors"

	"github.com/MarkoPoloResearchLab/wager/internal/game"
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrInvalidStake     = errors.New("invalid stake")
	ErrInvalidSide      = errors.New("invalid side")
	ErrInvalidGameKind  = errors.New("invalid game kind")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrStaleOpponent    = errors.New("stale opponent")
	ErrLoopStopped      = errors.New("event loop stopped")
	ErrInvalidConfig    = errors.New("invalid matchmaking config")
)

// Stable error codes sent to clients.
const (
	CodeNotAuthenticated  = "not_authenticated"
	CodeInsufficientFunds = "insufficient_funds"
	CodeInvalidStake      = "invalid_stake"
	CodeInvalidSide       = "invalid_side"
	CodeInvalidGameKind   = "invalid_game_kind"
	CodeInvalidMessage    = "invalid_message"
	CodeInternalError     = "internal_error"
)

// ErrorCode maps an error to the client facing code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return CodeNotAuthenticated
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.Is(err, ErrInvalidStake), errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, game.ErrInvalidStake):
		return CodeInvalidStake
	case errors.Is(err, ErrInvalidSide), errors.Is(err, game.ErrInvalidSide):
		return CodeInvalidSide
	case errors.Is(err, ErrInvalidGameKind), errors.Is(err, game.ErrUnknownKind):
		return CodeInvalidGameKind
	case errors.Is(err, ErrInvalidMessage):
		return CodeInvalidMessage
	default:
		return CodeInternalError
	}
}

func clientMessage(code string) string {
	switch code {
	case CodeNotAuthenticated:
		return "sign in to place a wager"
	case CodeInsufficientFunds:
		return "insufficient funds"
	case CodeInvalidStake:
		return "stake must be a positive amount"
	case CodeInvalidSide:
		return "invalid side for this game"
	case CodeInvalidGameKind:
		return "unknown game"
	case CodeInvalidMessage:
		return "malformed message"
	default:
		return "internal error"
	}
}
